package tasks

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/internal/store"
)

type recordingSpawner struct {
	spawned []string
	fail    bool
}

func (r *recordingSpawner) SpawnEphemeral(ctx context.Context, sessionID, providerName, model, taskID string) (string, error) {
	if r.fail {
		return "", fmt.Errorf("no capacity")
	}
	name := fmt.Sprintf("ephemeral-%d", len(r.spawned)+1)
	r.spawned = append(r.spawned, providerName+"/"+model)
	return name, nil
}

func newTestService(t *testing.T) (*Service, *providers.Registry) {
	t.Helper()
	reg := providers.NewRegistry()
	reg.Register(providers.NewMock(providers.Response{Content: "ok"}))
	return NewService(store.NewMemory(), reg), reg
}

func TestCreateTask(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateParams{
		Title: "triage inbox", Description: "sort it", CreatedBy: "alice", SessionID: "s1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != store.TaskPending {
		t.Errorf("status = %s, want pending", task.Status)
	}
	if task.Priority != store.PriorityMedium {
		t.Errorf("priority = %s, want medium default", task.Priority)
	}
	if task.ID == "" {
		t.Error("no id assigned")
	}
}

func TestCreateTaskValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		params CreateParams
	}{
		{"empty title", CreateParams{Title: "   "}},
		{"bad priority", CreateParams{Title: "x", Priority: "urgent"}},
		{"bad spawn spec", CreateParams{Title: "x", AssignedTo: "new:"}},
		{"unknown spawn provider", CreateParams{Title: "x", AssignedTo: "new:claude/opus"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, tc.params); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	task, err := svc.Create(ctx, CreateParams{Title: "work", SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}

	// pending -> in_progress -> completed
	if _, err := svc.UpdateStatus(ctx, task.ID, store.TaskInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdateStatus(ctx, task.ID, store.TaskCompleted); err != nil {
		t.Fatal(err)
	}

	// completed is terminal
	if _, err := svc.UpdateStatus(ctx, task.ID, store.TaskPending); err == nil {
		t.Error("completed task should not transition")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	task, _ := svc.Create(ctx, CreateParams{Title: "work", SessionID: "s1"})

	if _, err := svc.UpdateStatus(ctx, task.ID, store.TaskCompleted); err == nil {
		t.Error("pending -> completed must go through in_progress")
	}
	if _, err := svc.UpdateStatus(ctx, task.ID, "paused"); err == nil {
		t.Error("unknown status should be rejected")
	}
	// The task is untouched after rejected updates.
	got, _ := svc.Get(ctx, task.ID)
	if got.Status != store.TaskPending {
		t.Errorf("status = %s after rejected transitions", got.Status)
	}
}

func TestSpawnAssignmentOnCreate(t *testing.T) {
	svc, _ := newTestService(t)
	sp := &recordingSpawner{}
	svc.SetSpawner(sp)
	ctx := context.Background()

	task, err := svc.Create(ctx, CreateParams{
		Title: "research", SessionID: "s1", AssignedTo: "new:mock/mock-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sp.spawned) != 1 || sp.spawned[0] != "mock/mock-1" {
		t.Errorf("spawned = %v", sp.spawned)
	}
	if strings.HasPrefix(task.AssignedTo, SpawnPrefix) {
		t.Errorf("assignee still a spawn spec: %q", task.AssignedTo)
	}
	// The reassignment is durable.
	got, _ := svc.Get(ctx, task.ID)
	if got.AssignedTo != task.AssignedTo {
		t.Errorf("stored assignee = %q, want %q", got.AssignedTo, task.AssignedTo)
	}
}

func TestSpawnSpecDefaultsModel(t *testing.T) {
	svc, _ := newTestService(t)
	sp := &recordingSpawner{}
	svc.SetSpawner(sp)

	if _, err := svc.Create(context.Background(), CreateParams{
		Title: "research", SessionID: "s1", AssignedTo: "new:mock",
	}); err != nil {
		t.Fatal(err)
	}
	if len(sp.spawned) != 1 || sp.spawned[0] != "mock/" {
		t.Errorf("spawned = %v, want provider with empty model (runtime fills the default)", sp.spawned)
	}
}

func TestSpawnWithoutSpawnerKeepsSpec(t *testing.T) {
	svc, _ := newTestService(t)
	task, err := svc.Create(context.Background(), CreateParams{
		Title: "later", SessionID: "s1", AssignedTo: "new:mock/mock-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.AssignedTo != "new:mock/mock-1" {
		t.Errorf("assignee = %q, want the spec preserved", task.AssignedTo)
	}
}

func TestSpawnFailureSurfaces(t *testing.T) {
	svc, _ := newTestService(t)
	svc.SetSpawner(&recordingSpawner{fail: true})
	if _, err := svc.Create(context.Background(), CreateParams{
		Title: "doomed", SessionID: "s1", AssignedTo: "new:mock/mock-1",
	}); err == nil {
		t.Error("spawn failure should surface")
	}
}

func TestAssignResolvesSpawn(t *testing.T) {
	svc, _ := newTestService(t)
	sp := &recordingSpawner{}
	svc.SetSpawner(sp)
	ctx := context.Background()

	task, _ := svc.Create(ctx, CreateParams{Title: "handoff", SessionID: "s1"})
	updated, err := svc.Assign(ctx, task.ID, "new:mock/mock-1")
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(updated.AssignedTo, SpawnPrefix) {
		t.Errorf("assignee = %q", updated.AssignedTo)
	}

	// Plain reassignment does not spawn.
	before := len(sp.spawned)
	if _, err := svc.Assign(ctx, task.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	if len(sp.spawned) != before {
		t.Error("plain assignment spawned an agent")
	}
}

func TestNotes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	task, _ := svc.Create(ctx, CreateParams{Title: "noted", SessionID: "s1"})

	if _, err := svc.AddNote(ctx, task.ID, "alice", "  "); err == nil {
		t.Error("blank note should be rejected")
	}
	for i := 1; i <= 3; i++ {
		if _, err := svc.AddNote(ctx, task.ID, "alice", fmt.Sprintf("note %d", i)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := svc.Get(ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Notes) != 3 {
		t.Fatalf("notes = %d, want 3", len(got.Notes))
	}
	// FIFO order.
	for i, n := range got.Notes {
		want := fmt.Sprintf("note %d", i+1)
		if n.Content != want {
			t.Errorf("note %d = %q, want %q", i, n.Content, want)
		}
	}
}

func TestListScopes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.Create(ctx, CreateParams{Title: "a", SessionID: "s1", AssignedTo: "alice"})
	svc.Create(ctx, CreateParams{Title: "b", SessionID: "s1", AssignedTo: "bob"})
	svc.Create(ctx, CreateParams{Title: "c", SessionID: "s2", AssignedTo: "alice"})

	mine, err := svc.ListMine(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(mine) != 2 {
		t.Errorf("ListMine = %d tasks, want 2", len(mine))
	}

	sess, err := svc.ListSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess) != 2 {
		t.Errorf("ListSession = %d tasks, want 2", len(sess))
	}
}
