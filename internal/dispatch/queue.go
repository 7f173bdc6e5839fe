package dispatch

// queueSet holds the two delivery queues plus the interleave cycle counters.
// Not safe for concurrent use; the owning Service serializes access.
//
// Selection is a weighted interleave with ratio P:N:
//
//	1. if one class is dry, serve the other and reset both counters: a
//	   dry class leaves no deficit for late arrivals to inherit
//	2. else priority non-empty and p < P   -> head of priority
//	3. else normal non-empty and n < N     -> head of normal
//	4. counters also reset when a full cycle completes (p >= P && n >= N)
//
// Counters advance on completion, not on dequeue, so an aborted delivery
// doesn't burn cycle budget.
type queueSet struct {
	prio   []*Item
	normal []*Item

	cycleP int
	cycleN int
}

// push appends at the tail of the item's class queue. An urgent priority
// item jumps to the head, ahead of same-class items.
func (q *queueSet) push(it *Item, urgent bool) {
	if it.Class == ClassPriority {
		if urgent {
			q.prio = append([]*Item{it}, q.prio...)
			return
		}
		q.prio = append(q.prio, it)
		return
	}
	q.normal = append(q.normal, it)
}

// remove drops a not-yet-dequeued item by id. Returns nil if absent.
func (q *queueSet) remove(id string) *Item {
	for i, it := range q.prio {
		if it.ID == id {
			q.prio = append(q.prio[:i], q.prio[i+1:]...)
			return it
		}
	}
	for i, it := range q.normal {
		if it.ID == id {
			q.normal = append(q.normal[:i], q.normal[i+1:]...)
			return it
		}
	}
	return nil
}

func (q *queueSet) next(ratioP, ratioN int) (*Item, bool) {
	switch {
	case len(q.prio) > 0 && len(q.normal) == 0:
		q.cycleP, q.cycleN = 0, 0
		return q.popPrio(), true
	case len(q.normal) > 0 && len(q.prio) == 0:
		q.cycleP, q.cycleN = 0, 0
		return q.popNormal(), true
	case len(q.prio) > 0 && q.cycleP < ratioP:
		return q.popPrio(), true
	case len(q.normal) > 0 && q.cycleN < ratioN:
		return q.popNormal(), true
	case len(q.prio) > 0:
		return q.popPrio(), true
	case len(q.normal) > 0:
		return q.popNormal(), true
	default:
		return nil, false
	}
}

// completed advances the cycle counter for the class just delivered and
// resets both counters once the full cycle is spent.
func (q *queueSet) completed(class Class, ratioP, ratioN int) {
	if class == ClassPriority {
		q.cycleP++
	} else {
		q.cycleN++
	}
	if q.cycleP >= ratioP && q.cycleN >= ratioN {
		q.cycleP, q.cycleN = 0, 0
	}
}

func (q *queueSet) popPrio() *Item {
	it := q.prio[0]
	q.prio = q.prio[1:]
	return it
}

func (q *queueSet) popNormal() *Item {
	it := q.normal[0]
	q.normal = q.normal[1:]
	return it
}

func (q *queueSet) depths() (prio, normal int) {
	return len(q.prio), len(q.normal)
}

// drainNormal empties the normal queue (after-hours discard policy).
func (q *queueSet) drainNormal() []*Item {
	dropped := q.normal
	q.normal = nil
	return dropped
}
