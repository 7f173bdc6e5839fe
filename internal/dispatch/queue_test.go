package dispatch

import (
	"fmt"
	"testing"
)

func queueItem(id string, class Class) *Item {
	return &Item{ID: id, Class: class, Payload: Payload{Kind: KindText, Body: "x"}}
}

func TestInterleaveRatio(t *testing.T) {
	var q queueSet
	for i := 0; i < 20; i++ {
		q.push(queueItem(fmt.Sprintf("p%d", i), ClassPriority), false)
		q.push(queueItem(fmt.Sprintf("n%d", i), ClassNormal), false)
	}

	var got []Class
	for i := 0; i < 20; i++ {
		it, ok := q.next(3, 2)
		if !ok {
			t.Fatalf("queue ran dry at %d", i)
		}
		got = append(got, it.Class)
		q.completed(it.Class, 3, 2)
	}

	want := []Class{
		ClassPriority, ClassPriority, ClassPriority, ClassNormal, ClassNormal,
		ClassPriority, ClassPriority, ClassPriority, ClassNormal, ClassNormal,
		ClassPriority, ClassPriority, ClassPriority, ClassNormal, ClassNormal,
		ClassPriority, ClassPriority, ClassPriority, ClassNormal, ClassNormal,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestInterleaveWindows(t *testing.T) {
	// With both queues backlogged, every full cycle serves exactly P
	// priority and N normal items.
	var q queueSet
	for i := 0; i < 50; i++ {
		q.push(queueItem(fmt.Sprintf("p%d", i), ClassPriority), false)
		q.push(queueItem(fmt.Sprintf("n%d", i), ClassNormal), false)
	}
	for cycle := 0; cycle < 10; cycle++ {
		var p, n int
		for i := 0; i < 5; i++ {
			it, ok := q.next(3, 2)
			if !ok {
				t.Fatal("queue ran dry")
			}
			if it.Class == ClassPriority {
				p++
			} else {
				n++
			}
			q.completed(it.Class, 3, 2)
		}
		if p != 3 || n != 2 {
			t.Fatalf("cycle %d: got %d priority / %d normal, want 3/2", cycle, p, n)
		}
	}
}

func TestUrgentJumpsHead(t *testing.T) {
	var q queueSet
	q.push(queueItem("first", ClassPriority), false)
	q.push(queueItem("second", ClassPriority), false)
	q.push(queueItem("urgent", ClassPriority), true)

	it, ok := q.next(3, 2)
	if !ok || it.ID != "urgent" {
		t.Fatalf("got %v, want urgent at head", it)
	}
	it, _ = q.next(3, 2)
	if it.ID != "first" {
		t.Fatalf("got %s, want first", it.ID)
	}
}

func TestEmptyQueueResetsCycle(t *testing.T) {
	var q queueSet
	// Burn the priority budget with no normal items present.
	for i := 0; i < 6; i++ {
		q.push(queueItem(fmt.Sprintf("p%d", i), ClassPriority), false)
	}
	for i := 0; i < 6; i++ {
		it, ok := q.next(3, 2)
		if !ok {
			t.Fatal("queue ran dry")
		}
		if it.Class != ClassPriority {
			t.Fatalf("got %s, want priority", it.Class)
		}
		q.completed(it.Class, 3, 2)
	}
	// Normal items arriving later must not inherit a stale deficit: the
	// next cycle serves priority first again.
	q.push(queueItem("p-late", ClassPriority), false)
	q.push(queueItem("n-late", ClassNormal), false)
	it, _ := q.next(3, 2)
	if it.Class != ClassPriority {
		t.Fatalf("after reset got %s, want priority", it.Class)
	}
}

func TestRemove(t *testing.T) {
	var q queueSet
	q.push(queueItem("a", ClassNormal), false)
	q.push(queueItem("b", ClassNormal), false)

	if it := q.remove("a"); it == nil || it.ID != "a" {
		t.Fatalf("remove(a) = %v", it)
	}
	if it := q.remove("a"); it != nil {
		t.Fatalf("second remove(a) = %v, want nil", it)
	}
	p, n := q.depths()
	if p != 0 || n != 1 {
		t.Fatalf("depths = %d/%d, want 0/1", p, n)
	}
}
