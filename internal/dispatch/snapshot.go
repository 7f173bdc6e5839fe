package dispatch

import (
	"context"
	"time"

	logx "repartibot/pkg/logx"

	"repartibot/internal/journal"
)

const snapshotTimeout = 5 * time.Second

// snapshotLocked persists the current queue contents. The in-flight item, if
// any, is written at the head of its class: it was journaled before execution
// started and stays journaled until its outcome is known.
func (s *Service) snapshotLocked() {
	if s.store == nil {
		return
	}

	snap := journal.Snapshot{
		SavedAt: s.now(),
		CycleP:  s.q.cycleP,
		CycleN:  s.q.cycleN,
	}
	if it := s.inflight; it != nil {
		if it.Class == ClassPriority {
			snap.Priority = append(snap.Priority, recordFromItem(it))
		} else {
			snap.Normal = append(snap.Normal, recordFromItem(it))
		}
	}
	for _, it := range s.q.prio {
		snap.Priority = append(snap.Priority, recordFromItem(it))
	}
	for _, it := range s.q.normal {
		snap.Normal = append(snap.Normal, recordFromItem(it))
	}

	// Independent context: snapshots must still land during shutdown, after
	// the loop's context is already canceled.
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		s.log.Warn("journal snapshot failed", logx.Err(err))
	}
}

func recordFromItem(it *Item) journal.ItemRecord {
	return journal.ItemRecord{
		ID:          it.ID,
		Destination: it.Destination,
		Kind:        it.Payload.Kind,
		Body:        it.Payload.Body,
		MediaURL:    it.Payload.MediaURL,
		Caption:     it.Payload.Caption,
		Document:    it.Payload.Document,
		EnqueuedAt:  it.EnqueuedAt,
	}
}

func itemFromRecord(r journal.ItemRecord, class Class) *Item {
	return &Item{
		ID:          r.ID,
		Destination: r.Destination,
		Class:       class,
		Payload: Payload{
			Kind:     r.Kind,
			Body:     r.Body,
			MediaURL: r.MediaURL,
			Caption:  r.Caption,
			Document: r.Document,
		},
		EnqueuedAt: r.EnqueuedAt,
		// done stays nil: the original caller did not survive the restart.
	}
}
