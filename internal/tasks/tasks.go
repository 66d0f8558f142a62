// Package tasks is the cross-agent work ledger: durable tasks with
// status transitions, FIFO notes, and assignment. Assigning a task to
// "new:<provider>/<model>" asks the session manager to spawn an
// ephemeral agent for it; the service validates the spec and hands the
// spawn off through the Spawner interface.
package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/internal/store"
)

// SpawnPrefix marks an assignee as a spawn request.
const SpawnPrefix = "new:"

// Spawner is implemented by the session manager. SpawnEphemeral creates
// an agent for the given provider/model and returns its name.
type Spawner interface {
	SpawnEphemeral(ctx context.Context, sessionID, providerName, model, taskID string) (string, error)
}

// Service wraps the store's task tables with transition validation and
// spawn-assignment handling.
type Service struct {
	store     store.Store
	providers *providers.Registry
	spawner   Spawner
}

func NewService(s store.Store, reg *providers.Registry) *Service {
	return &Service{store: s, providers: reg}
}

// SetSpawner wires the session manager in after construction; the
// manager depends on this service, so the hookup is late.
func (s *Service) SetSpawner(sp Spawner) { s.spawner = sp }

// CreateParams carries the caller-supplied task fields.
type CreateParams struct {
	Title       string
	Description string
	Prompt      string
	Priority    store.TaskPriority
	AssignedTo  string
	CreatedBy   string
	SessionID   string
}

// Create validates and persists a new pending task. A spawn assignee is
// resolved immediately when a spawner is wired.
func (s *Service) Create(ctx context.Context, p CreateParams) (*store.Task, error) {
	if strings.TrimSpace(p.Title) == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if p.Priority == "" {
		p.Priority = store.PriorityMedium
	}
	if !store.ValidPriority(p.Priority) {
		return nil, fmt.Errorf("invalid priority %q", p.Priority)
	}

	now := time.Now().UTC()
	t := &store.Task{
		ID:          uuid.NewString(),
		Title:       p.Title,
		Description: p.Description,
		Prompt:      p.Prompt,
		Status:      store.TaskPending,
		Priority:    p.Priority,
		CreatedBy:   p.CreatedBy,
		SessionID:   p.SessionID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	assignee := strings.TrimSpace(p.AssignedTo)
	if strings.HasPrefix(assignee, SpawnPrefix) {
		if err := s.validateSpawnSpec(assignee); err != nil {
			return nil, err
		}
	}
	t.AssignedTo = assignee

	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if strings.HasPrefix(assignee, SpawnPrefix) {
		if err := s.resolveSpawn(ctx, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (s *Service) validateSpawnSpec(assignee string) error {
	spec := strings.TrimPrefix(assignee, SpawnPrefix)
	providerName, _, err := providers.ParseSpec(spec)
	if err != nil {
		return fmt.Errorf("invalid spawn assignee %q: %w", assignee, err)
	}
	if s.providers != nil {
		if _, err := s.providers.Get(providerName); err != nil {
			return fmt.Errorf("invalid spawn assignee %q: %w", assignee, err)
		}
	}
	return nil
}

// resolveSpawn spawns the requested ephemeral agent and reassigns the
// task to it. Without a spawner the assignment stays as the spawn spec
// for a later pass.
func (s *Service) resolveSpawn(ctx context.Context, t *store.Task) error {
	if s.spawner == nil {
		return nil
	}
	spec := strings.TrimPrefix(t.AssignedTo, SpawnPrefix)
	providerName, model, err := providers.ParseSpec(spec)
	if err != nil {
		return err
	}
	agentName, err := s.spawner.SpawnEphemeral(ctx, t.SessionID, providerName, model, t.ID)
	if err != nil {
		return fmt.Errorf("spawn agent for task %s: %w", t.ID, err)
	}
	t.AssignedTo = agentName
	return s.store.UpdateTask(ctx, t)
}

func (s *Service) Get(ctx context.Context, id string) (*store.Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListMine returns tasks assigned to the given agent.
func (s *Service) ListMine(ctx context.Context, agent string) ([]*store.Task, error) {
	return s.store.ListTasks(ctx, store.TaskFilter{AssignedTo: agent})
}

// ListSession returns a session's tasks.
func (s *Service) ListSession(ctx context.Context, sessionID string) ([]*store.Task, error) {
	return s.store.ListTasks(ctx, store.TaskFilter{SessionID: sessionID})
}

// UpdateStatus applies a validated status transition.
func (s *Service) UpdateStatus(ctx context.Context, taskID string, status store.TaskStatus) (*store.Task, error) {
	if !store.ValidStatus(status) {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !store.ValidTransition(t.Status, status) {
		return nil, fmt.Errorf("invalid transition %s -> %s for task %s", t.Status, status, taskID)
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// AddNote appends a FIFO note to a task.
func (s *Service) AddNote(ctx context.Context, taskID, author, content string) (*store.TaskNote, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("note content is required")
	}
	note := store.TaskNote{
		ID:        uuid.NewString(),
		Author:    author,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AddTaskNote(ctx, taskID, note); err != nil {
		return nil, err
	}
	return &note, nil
}

// Assign changes the assignee, resolving spawn specs.
func (s *Service) Assign(ctx context.Context, taskID, assignee string) (*store.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	assignee = strings.TrimSpace(assignee)
	if strings.HasPrefix(assignee, SpawnPrefix) {
		if err := s.validateSpawnSpec(assignee); err != nil {
			return nil, err
		}
	}
	t.AssignedTo = assignee
	t.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	if strings.HasPrefix(assignee, SpawnPrefix) {
		if err := s.resolveSpawn(ctx, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}
