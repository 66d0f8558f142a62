package queue

import (
	"fmt"
	"testing"
	"time"
)

func TestEnqueueDrainOrdering(t *testing.T) {
	q := New("thr-1", 10, nil)

	q.Enqueue(Message{ID: "n1", Content: "first"})
	q.Enqueue(Message{ID: "n2", Content: "second"})
	q.Enqueue(Message{ID: "h1", Content: "urgent", Priority: PriorityHigh})
	q.Enqueue(Message{ID: "n3", Content: "third"})
	q.Enqueue(Message{ID: "h2", Content: "more urgent", Priority: PriorityHigh})

	got := q.Drain()
	want := []string{"h1", "h2", "n1", "n2", "n3"}
	if len(got) != len(want) {
		t.Fatalf("drained %d messages, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %q, want %q", i, got[i].ID, id)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue not empty after drain: %d", q.Len())
	}
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	q := New("thr-1", 10, nil)
	if !q.Enqueue(Message{Content: "bare"}) {
		t.Fatal("enqueue rejected")
	}
	msgs := q.Drain()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages", len(msgs))
	}
	m := msgs[0]
	if m.ID == "" {
		t.Error("no id assigned")
	}
	if m.Type != TypeUser {
		t.Errorf("type = %q, want user", m.Type)
	}
	if m.Priority != PriorityNormal {
		t.Errorf("priority = %q, want normal", m.Priority)
	}
	if m.EnqueuedAt.IsZero() {
		t.Error("no timestamp assigned")
	}
}

func TestMessageTypePreserved(t *testing.T) {
	q := New("thr-1", 10, nil)
	q.Enqueue(Message{ID: "t1", Type: TypeTaskNotification, From: "planner"})
	q.Enqueue(Message{ID: "s1", Type: TypeSystem})

	msgs := q.Drain()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Type != TypeTaskNotification || msgs[0].From != "planner" {
		t.Errorf("t1 = %+v", msgs[0])
	}
	if msgs[1].Type != TypeSystem {
		t.Errorf("s1 type = %q", msgs[1].Type)
	}
}

func TestOverflowDropsOldestNormal(t *testing.T) {
	q := New("thr-1", 3, nil)
	q.Enqueue(Message{ID: "n1"})
	q.Enqueue(Message{ID: "n2"})
	q.Enqueue(Message{ID: "h1", Priority: PriorityHigh})

	if !q.Enqueue(Message{ID: "n3"}) {
		t.Fatal("overflow enqueue should be accepted when a normal message can be dropped")
	}

	got := q.Drain()
	want := []string{"h1", "n2", "n3"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("position %d: got %q, want %q", i, got[i].ID, id)
		}
	}
}

func TestOverflowRejectsWhenAllHigh(t *testing.T) {
	q := New("thr-1", 2, nil)
	q.Enqueue(Message{ID: "h1", Priority: PriorityHigh})
	q.Enqueue(Message{ID: "h2", Priority: PriorityHigh})

	if q.Enqueue(Message{ID: "n1"}) {
		t.Error("incoming message should be rejected when the queue is all high priority")
	}
	if q.Len() != 2 {
		t.Errorf("len = %d, want 2", q.Len())
	}
}

func TestDefaultCap(t *testing.T) {
	q := New("thr-1", 0, nil)
	for i := 0; i < DefaultCap; i++ {
		if !q.Enqueue(Message{ID: fmt.Sprintf("m%d", i)}) {
			t.Fatalf("enqueue %d rejected below default cap", i)
		}
	}
	if q.Len() != DefaultCap {
		t.Errorf("len = %d, want %d", q.Len(), DefaultCap)
	}
	// The next enqueue drops the oldest normal message, keeping the cap.
	q.Enqueue(Message{ID: "extra"})
	if q.Len() != DefaultCap {
		t.Errorf("len after overflow = %d, want %d", q.Len(), DefaultCap)
	}
}

func TestStats(t *testing.T) {
	q := New("thr-1", 10, nil)
	old := time.Now().UTC().Add(-2 * time.Second)
	q.Enqueue(Message{ID: "n1", EnqueuedAt: old})
	q.Enqueue(Message{ID: "h1", Priority: PriorityHigh})

	s := q.Stats()
	if s.Length != 2 {
		t.Errorf("length = %d, want 2", s.Length)
	}
	if s.HighPriorityCount != 1 {
		t.Errorf("high count = %d, want 1", s.HighPriorityCount)
	}
	if s.OldestAgeMs < 1500 {
		t.Errorf("oldest age = %dms, want at least 1500", s.OldestAgeMs)
	}
}

func TestClearWithFilter(t *testing.T) {
	q := New("thr-1", 10, nil)
	q.Enqueue(Message{ID: "n1", From: "alice"})
	q.Enqueue(Message{ID: "n2", From: "bob"})
	q.Enqueue(Message{ID: "h1", From: "alice", Priority: PriorityHigh})

	removed := q.Clear(func(m Message) bool { return m.From == "alice" })
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	rest := q.Drain()
	if len(rest) != 1 || rest[0].ID != "n2" {
		t.Errorf("remaining = %v, want only n2", rest)
	}
}

func TestClearAll(t *testing.T) {
	q := New("thr-1", 10, nil)
	q.Enqueue(Message{ID: "n1"})
	q.Enqueue(Message{ID: "h1", Priority: PriorityHigh})

	if removed := q.Clear(nil); removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if q.Len() != 0 {
		t.Errorf("len = %d, want 0", q.Len())
	}
}
