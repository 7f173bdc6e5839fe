// Package dispatch is the delivery scheduler: it decides whether, what, and
// through which session to send next, while pacing sends like a human would.
//
// Structure:
//   - two FIFO queues (priority/normal) interleaved by a weighted P:N ratio
//   - a pacing governor (typing delay, inter-message gap, streak/rest cycle,
//     active-hours gate)
//   - a delivery executor (destination normalization, deliverability probe,
//     payload dispatch with degrade-to-text)
//   - a single-consumer tick loop; anything that wants the scheduler to look
//     at the queues again calls Kick(), never tick() directly, so at most
//     one delivery is ever in flight.
//
// Queue contents are snapshotted to the journal after every mutation so a
// restart does not lose accepted work.
package dispatch
