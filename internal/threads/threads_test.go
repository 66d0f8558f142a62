package threads

import (
	"context"
	"testing"

	"github.com/lacehq/lace/internal/events"
	"github.com/lacehq/lace/internal/store"
)

func TestGenerateThreadID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateThreadID()
		if !ValidID(id) {
			t.Fatalf("generated id %q does not match the grammar", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestValidID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"20260824-a3f09c21d4", true},
		{"20260824-a3f09c21d4.1", true},
		{"20260824-a3f09c21d4.1.2", true},
		{"20260824-a3f09c21d4.12", true},
		{"20260824-A3F09C21D4", false},
		{"20260824-a3f09c21", false},
		{"a3f09c21d4", false},
		{"20260824-a3f09c21d4.", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := ValidID(tc.id); got != tc.want {
			t.Errorf("ValidID(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}

func TestChildID(t *testing.T) {
	if got := ChildID("20260824-a3f09c21d4", 3); got != "20260824-a3f09c21d4.3" {
		t.Errorf("ChildID = %q", got)
	}
	if got := ChildID("20260824-a3f09c21d4.1", 2); got != "20260824-a3f09c21d4.1.2" {
		t.Errorf("nested ChildID = %q", got)
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !ValidID(id) {
		t.Errorf("id %q invalid", id)
	}

	th, err := m.GetThread(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if th.ID != id || len(th.Events) != 0 {
		t.Errorf("thread = %+v", th)
	}
}

func TestCreateChildNumbering(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)
	parent, _ := m.Create(ctx)

	c1, err := m.CreateChild(ctx, parent)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := m.CreateChild(ctx, parent)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != ChildID(parent, 1) || c2 != ChildID(parent, 2) {
		t.Errorf("children = %q, %q", c1, c2)
	}

	// Grandchildren number independently.
	gc, err := m.CreateChild(ctx, c1)
	if err != nil {
		t.Fatal(err)
	}
	if gc != ChildID(c1, 1) {
		t.Errorf("grandchild = %q", gc)
	}
}

func TestCreateChildMissingParent(t *testing.T) {
	m := NewManager(store.NewMemory(), nil)
	if _, err := m.CreateChild(context.Background(), "20260824-ffffffffff"); err == nil {
		t.Error("expected error for missing parent")
	}
}

func TestAddEventAndEvents(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)
	id, _ := m.Create(ctx)

	ev, err := m.AddEvent(ctx, id, events.UserMessage{Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 1 {
		t.Errorf("seq = %d", ev.Seq)
	}

	evs, err := m.Events(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 {
		t.Fatalf("got %d events", len(evs))
	}
	if um, ok := evs[0].Data.(events.UserMessage); !ok || um.Content != "hello" {
		t.Errorf("event data = %+v", evs[0].Data)
	}
}

func TestResolveUnversionedIsIdentity(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)
	id, _ := m.Create(ctx)

	physical, err := m.Resolve(ctx, id)
	if err != nil || physical != id {
		t.Errorf("Resolve = %q, %v; want identity", physical, err)
	}
	canonical, err := m.CanonicalID(ctx, id)
	if err != nil || canonical != id {
		t.Errorf("CanonicalID = %q, %v; want identity", canonical, err)
	}
}

func TestCompactedVersionSwap(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)
	canonical, _ := m.Create(ctx)
	m.AddEvent(ctx, canonical, events.UserMessage{Content: "one"})
	m.AddEvent(ctx, canonical, events.AgentMessage{Content: "two"})
	m.AddEvent(ctx, canonical, events.UserMessage{Content: "three"})

	rewritten := []events.Data{
		events.CompactionSummary{Summary: events.Digest{Events: 2}, ReplacedRange: [2]int{1, 2}},
		events.UserMessage{Content: "three"},
	}
	shadow, err := m.CreateCompactedVersion(ctx, canonical, rewritten, "compaction")
	if err != nil {
		t.Fatal(err)
	}
	if shadow == canonical {
		t.Error("shadow must be a new physical thread")
	}

	// Reads through the canonical id now see the rewritten history.
	evs, err := m.Events(ctx, canonical)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("resolved events = %d, want 2", len(evs))
	}
	if evs[0].Type != events.TypeCompactionSummary {
		t.Errorf("first event = %s", evs[0].Type)
	}

	// The canonical mapping is stable both ways.
	if got, _ := m.Resolve(ctx, canonical); got != shadow {
		t.Errorf("Resolve = %q, want %q", got, shadow)
	}
	if got, _ := m.CanonicalID(ctx, shadow); got != canonical {
		t.Errorf("CanonicalID = %q, want %q", got, canonical)
	}

	// The old physical history survives for in-flight writers.
	old, err := m.store.LoadThread(ctx, canonical)
	if err != nil {
		t.Fatal(err)
	}
	if len(old.Events) != 3 {
		t.Errorf("original history mutated: %d events", len(old.Events))
	}
}

func TestAddEventIgnoresVersionMapping(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)
	canonical, _ := m.Create(ctx)
	m.AddEvent(ctx, canonical, events.UserMessage{Content: "one"})

	shadow, err := m.CreateCompactedVersion(ctx, canonical, []events.Data{events.UserMessage{Content: "one"}}, "compaction")
	if err != nil {
		t.Fatal(err)
	}

	// A writer holding the old physical id keeps writing there.
	if _, err := m.AddEvent(ctx, canonical, events.UserMessage{Content: "late"}); err != nil {
		t.Fatal(err)
	}
	old, _ := m.store.LoadThread(ctx, canonical)
	if len(old.Events) != 2 {
		t.Errorf("old physical thread has %d events, want 2", len(old.Events))
	}
	cur, _ := m.store.LoadThread(ctx, shadow)
	if len(cur.Events) != 1 {
		t.Errorf("shadow grew unexpectedly: %d events", len(cur.Events))
	}
}

func TestCleanupShadows(t *testing.T) {
	ctx := context.Background()
	m := NewManager(store.NewMemory(), nil)
	canonical, _ := m.Create(ctx)
	m.AddEvent(ctx, canonical, events.UserMessage{Content: "x"})

	var shadows []string
	for i := 0; i < 4; i++ {
		s, err := m.CreateCompactedVersion(ctx, canonical, []events.Data{events.UserMessage{Content: "x"}}, "compaction")
		if err != nil {
			t.Fatal(err)
		}
		shadows = append(shadows, s)
	}

	n, err := m.CleanupShadows(ctx, canonical, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleaned = %d, want 1", n)
	}

	// Current version still resolves and loads.
	current, _ := m.Resolve(ctx, canonical)
	if current != shadows[3] {
		t.Errorf("current = %q, want %q", current, shadows[3])
	}
	if _, err := m.GetThread(ctx, canonical); err != nil {
		t.Errorf("canonical read failed after cleanup: %v", err)
	}
}

func TestGetThreadCachesReads(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	m := NewManager(st, nil)
	id, _ := m.Create(ctx)
	m.AddEvent(ctx, id, events.UserMessage{Content: "cached"})

	// Mutate the store behind the manager's back; the cache still serves
	// the old view until invalidated.
	st.AppendEvent(ctx, id, events.UserMessage{Content: "direct"})

	evs, _ := m.Events(ctx, id)
	if len(evs) != 1 {
		t.Fatalf("expected cached view with 1 event, got %d", len(evs))
	}

	m.Invalidate(id)
	evs, _ = m.Events(ctx, id)
	if len(evs) != 2 {
		t.Errorf("expected reloaded view with 2 events, got %d", len(evs))
	}
}
