package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lacehq/lace/internal/events"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskInProgress, true},
		{TaskPending, TaskBlocked, true},
		{TaskPending, TaskCompleted, false},
		{TaskBlocked, TaskPending, true},
		{TaskBlocked, TaskInProgress, true},
		{TaskBlocked, TaskCompleted, false},
		{TaskInProgress, TaskCompleted, true},
		{TaskInProgress, TaskBlocked, true},
		{TaskInProgress, TaskPending, false},
		{TaskCompleted, TaskPending, false},
		{TaskCompleted, TaskInProgress, false},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestAppendAssignsDenseSeq(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.SaveThread(ctx, "t1"); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 5; i++ {
		ev, err := m.AppendEvent(ctx, "t1", events.UserMessage{Content: fmt.Sprintf("msg %d", i)})
		if err != nil {
			t.Fatal(err)
		}
		if ev.Seq != i {
			t.Errorf("event %d: seq = %d", i, ev.Seq)
		}
	}

	loaded, err := m.LoadThread(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	for i, ev := range loaded.Events {
		if ev.Seq != i+1 {
			t.Errorf("loaded event %d: seq = %d", i, ev.Seq)
		}
	}
}

func TestAppendToMissingThread(t *testing.T) {
	m := NewMemory()
	_, err := m.AppendEvent(context.Background(), "nope", events.UserMessage{Content: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendRejectsInvalidPayload(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SaveThread(ctx, "t1")

	if _, err := m.AppendEvent(ctx, "t1", events.AgentToken{}); err == nil {
		t.Error("invalid payload should be rejected")
	}
	loaded, _ := m.LoadThread(ctx, "t1")
	if len(loaded.Events) != 0 {
		t.Errorf("rejected append left %d events behind", len(loaded.Events))
	}
}

func TestSeqIsContiguousUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SaveThread(ctx, "t1")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.AppendEvent(ctx, "t1", events.UserMessage{Content: fmt.Sprintf("m%d", i)})
		}(i)
	}
	wg.Wait()

	loaded, err := m.LoadThread(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Events) != n {
		t.Fatalf("got %d events, want %d", len(loaded.Events), n)
	}
	for i, ev := range loaded.Events {
		if ev.Seq != i+1 {
			t.Errorf("gap at position %d: seq = %d", i, ev.Seq)
		}
	}
}

func TestEventIDsAreMonotonicAcrossThreads(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SaveThread(ctx, "a")
	m.SaveThread(ctx, "b")

	e1, _ := m.AppendEvent(ctx, "a", events.UserMessage{Content: "1"})
	e2, _ := m.AppendEvent(ctx, "b", events.UserMessage{Content: "2"})
	e3, _ := m.AppendEvent(ctx, "a", events.UserMessage{Content: "3"})

	if !(e1.ID < e2.ID && e2.ID < e3.ID) {
		t.Errorf("ids not monotonic: %d, %d, %d", e1.ID, e2.ID, e3.ID)
	}
}

func TestVersioning(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SaveThread(ctx, "canon")
	m.SaveThread(ctx, "canon_v2")

	if _, err := m.CurrentVersion(ctx, "canon"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unversioned thread: err = %v, want ErrNotFound", err)
	}

	if err := m.CreateVersion(ctx, "canon", "canon_v2", "compaction"); err != nil {
		t.Fatal(err)
	}
	cur, err := m.CurrentVersion(ctx, "canon")
	if err != nil || cur != "canon_v2" {
		t.Errorf("current = %q, %v; want canon_v2", cur, err)
	}

	canonical, err := m.CanonicalIDForVersion(ctx, "canon_v2")
	if err != nil || canonical != "canon" {
		t.Errorf("canonical = %q, %v; want canon", canonical, err)
	}

	m.SaveThread(ctx, "canon_v3")
	if err := m.CreateVersion(ctx, "canon", "canon_v3", "compaction"); err != nil {
		t.Fatal(err)
	}
	hist, err := m.VersionHistory(ctx, "canon")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[0].VersionID != "canon_v2" || hist[1].VersionID != "canon_v3" {
		t.Errorf("history = %+v", hist)
	}

	ids, _ := m.ListVersionedThreads(ctx)
	if len(ids) != 1 || ids[0] != "canon" {
		t.Errorf("versioned threads = %v", ids)
	}
}

func TestCreateVersionRequiresThread(t *testing.T) {
	m := NewMemory()
	err := m.CreateVersion(context.Background(), "canon", "missing", "compaction")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCleanupOldShadows(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for _, id := range []string{"c", "c_v2", "c_v3", "c_v4", "c_v5"} {
		m.SaveThread(ctx, id)
	}
	for _, v := range []string{"c_v2", "c_v3", "c_v4", "c_v5"} {
		m.CreateVersion(ctx, "c", v, "compaction")
	}

	deleted, err := m.CleanupOldShadows(ctx, "c", 2)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1 (v2 only)", deleted)
	}
	// Current version always survives.
	if _, err := m.LoadThread(ctx, "c_v5"); err != nil {
		t.Errorf("current version deleted: %v", err)
	}
	if _, err := m.LoadThread(ctx, "c_v2"); err == nil {
		t.Error("oldest shadow should be deleted")
	}
	if _, err := m.LoadThread(ctx, "c_v4"); err != nil {
		t.Errorf("kept shadow deleted: %v", err)
	}
}

func TestTaskCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()

	task := &Task{
		ID: "task_1", Title: "triage", Status: TaskPending, Priority: PriorityMedium,
		CreatedBy: "alice", SessionID: "sess1", CreatedAt: now, UpdatedAt: now,
	}
	if err := m.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateTask(ctx, task); err == nil {
		t.Error("duplicate create should fail")
	}

	got, err := m.GetTask(ctx, "task_1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "triage" {
		t.Errorf("title = %q", got.Title)
	}

	got.Status = TaskInProgress
	got.AssignedTo = "bob"
	if err := m.UpdateTask(ctx, got); err != nil {
		t.Fatal(err)
	}

	if err := m.AddTaskNote(ctx, "task_1", TaskNote{ID: "n1", Author: "bob", Content: "started"}); err != nil {
		t.Fatal(err)
	}
	if err := m.AddTaskNote(ctx, "missing", TaskNote{ID: "n2"}); err == nil {
		t.Error("note on missing task should fail")
	}

	reloaded, _ := m.GetTask(ctx, "task_1")
	if len(reloaded.Notes) != 1 || reloaded.Notes[0].Content != "started" {
		t.Errorf("notes = %+v", reloaded.Notes)
	}
}

func TestListTasksFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Now().UTC()
	seed := []*Task{
		{ID: "t1", Title: "a", Status: TaskPending, Priority: PriorityLow, SessionID: "s1", AssignedTo: "alice", CreatedAt: base},
		{ID: "t2", Title: "b", Status: TaskInProgress, Priority: PriorityHigh, SessionID: "s1", AssignedTo: "bob", CreatedAt: base.Add(time.Second)},
		{ID: "t3", Title: "c", Status: TaskPending, Priority: PriorityMedium, SessionID: "s2", AssignedTo: "alice", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, task := range seed {
		if err := m.CreateTask(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	cases := []struct {
		name   string
		filter TaskFilter
		want   []string
	}{
		{"all", TaskFilter{}, []string{"t1", "t2", "t3"}},
		{"by session", TaskFilter{SessionID: "s1"}, []string{"t1", "t2"}},
		{"by assignee", TaskFilter{AssignedTo: "alice"}, []string{"t1", "t3"}},
		{"by status", TaskFilter{Status: TaskPending}, []string{"t1", "t3"}},
		{"combined", TaskFilter{SessionID: "s1", Status: TaskPending}, []string{"t1"}},
		{"no match", TaskFilter{SessionID: "s9"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := m.ListTasks(ctx, tc.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %d tasks, want %d", len(got), len(tc.want))
			}
			for i, id := range tc.want {
				if got[i].ID != id {
					t.Errorf("position %d: got %q, want %q", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestSessionAndAgentRows(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now().UTC()

	if err := m.SaveSession(ctx, &SessionRow{ID: "s1", Name: "default", CreatedAt: now}); err != nil {
		t.Fatal(err)
	}
	byName, err := m.GetSessionByName(ctx, "default")
	if err != nil || byName.ID != "s1" {
		t.Errorf("by name = %+v, %v", byName, err)
	}
	if _, err := m.GetSessionByName(ctx, "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing name: err = %v", err)
	}

	m.SaveAgent(ctx, &AgentRow{ID: "s1.1", SessionID: "s1", Name: "default", Type: "persistent", State: "active"})
	m.SaveAgent(ctx, &AgentRow{ID: "s1.2", SessionID: "s1", Name: "helper", Type: "ephemeral", State: "active"})
	m.SaveAgent(ctx, &AgentRow{ID: "s2.1", SessionID: "s2", Name: "other", Type: "persistent", State: "active"})

	agents, err := m.ListAgents(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 {
		t.Fatalf("got %d agents, want 2", len(agents))
	}
	if agents[0].ID != "s1.1" || agents[1].ID != "s1.2" {
		t.Errorf("agents = %v, %v", agents[0].ID, agents[1].ID)
	}

	// Save is an upsert.
	m.SaveAgent(ctx, &AgentRow{ID: "s1.2", SessionID: "s1", Name: "helper", Type: "ephemeral", State: "completed"})
	agents, _ = m.ListAgents(ctx, "s1")
	if agents[1].State != "completed" {
		t.Errorf("state = %q, want completed", agents[1].State)
	}
}

func TestLoadThreadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.SaveThread(ctx, "t1")
	m.AppendEvent(ctx, "t1", events.UserMessage{Content: "original"})

	loaded, _ := m.LoadThread(ctx, "t1")
	loaded.Events[0].Data = events.UserMessage{Content: "mutated"}

	again, _ := m.LoadThread(ctx, "t1")
	if um := again.Events[0].Data.(events.UserMessage); um.Content != "original" {
		t.Errorf("store leaked internal state: %q", um.Content)
	}
}
