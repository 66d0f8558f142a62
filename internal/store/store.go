// Package store defines the persistence contract for the conversation core:
// an event log with thread versioning plus the task table. Implementations
// are transactional and safe for concurrent use; every write is atomic and
// partial writes never surface.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lacehq/lace/internal/events"
)

// ErrNotFound is returned when a thread, task, or version row does not exist.
var ErrNotFound = errors.New("store: not found")

// StorageError wraps a failed persistence operation. Callers decide whether
// to surface or retry; the pending write is guaranteed not to have landed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Thread is a loaded event log.
type Thread struct {
	ID        string
	CreatedAt time.Time
	Events    []events.Event
}

// ThreadInfo is lightweight thread metadata for listing.
type ThreadInfo struct {
	ID         string
	EventCount int
	CreatedAt  time.Time
}

// Version is one row of a canonical thread's version history.
type Version struct {
	CanonicalID string
	VersionID   string
	Reason      string
	CreatedAt   time.Time
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskBlocked    TaskStatus = "blocked"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskBlocked:
		return true
	}
	return false
}

// ValidTransition reports whether a task may move from one status to another.
// Closure: pending<->blocked, pending->in_progress->completed, in_progress<->blocked.
func ValidTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskBlocked || to == TaskInProgress
	case TaskBlocked:
		return to == TaskPending || to == TaskInProgress
	case TaskInProgress:
		return to == TaskCompleted || to == TaskBlocked
	case TaskCompleted:
		return false
	}
	return false
}

// TaskPriority orders tasks for pickup.
type TaskPriority string

const (
	PriorityHigh   TaskPriority = "high"
	PriorityMedium TaskPriority = "medium"
	PriorityLow    TaskPriority = "low"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p TaskPriority) bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Task is one row of the multi-agent task table. Notes are lazy-loaded and
// nil unless explicitly fetched.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Prompt      string       `json:"prompt"`
	Status      TaskStatus   `json:"status"`
	Priority    TaskPriority `json:"priority"`
	AssignedTo  string       `json:"assignedTo,omitempty"`
	CreatedBy   string       `json:"createdBy"`
	SessionID   string       `json:"sessionId"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	Notes       []TaskNote   `json:"notes,omitempty"`
}

// TaskNote is one append-only threaded note on a task.
type TaskNote struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	SessionID  string
	AssignedTo string
	Status     TaskStatus
}

// AgentRow is durable per-agent metadata scoped to a session.
type AgentRow struct {
	ID            string // agent thread id, typically "<session>.<n>"
	SessionID     string
	Name          string
	Type          string // "persistent" or "ephemeral"
	Provider      string
	Model         string
	State         string // "active", "suspended", "completed"
	CurrentTaskID string
	CreatedAt     time.Time
	LastActiveAt  time.Time
}

// SessionRow is durable session metadata. The session id is a thread id.
type SessionRow struct {
	ID            string
	Name          string
	ActiveAgentID string
	CreatedAt     time.Time
}

// Store is the synchronous, transactional persistence surface. All methods
// are safe for concurrent use; event ordering within a thread is by the
// monotonic row id, never by wall-clock timestamps.
type Store interface {
	// SaveThread creates an empty thread row. Appends require the thread
	// to exist first.
	SaveThread(ctx context.Context, id string) error

	// AppendEvent validates and appends one event, assigning the next
	// dense seq for the thread. Returns the stored event.
	AppendEvent(ctx context.Context, threadID string, data events.Data) (events.Event, error)

	// LoadThread returns the thread and its full event log, or ErrNotFound.
	LoadThread(ctx context.Context, id string) (*Thread, error)

	// ListThreads lists all physical threads.
	ListThreads(ctx context.Context) ([]ThreadInfo, error)

	// DeleteThread removes a thread and its events in one transaction.
	// Used only by shadow cleanup; conversation threads are never deleted
	// in normal operation.
	DeleteThread(ctx context.Context, id string) error

	// CreateVersion records versionID as the current version of
	// canonicalID and appends a version_history row. The target thread
	// must already exist.
	CreateVersion(ctx context.Context, canonicalID, versionID, reason string) error

	// CurrentVersion returns the current version id for a canonical id,
	// or ErrNotFound if the thread has never been versioned.
	CurrentVersion(ctx context.Context, canonicalID string) (string, error)

	// CanonicalIDForVersion resolves a physical version id back to its
	// canonical id, or ErrNotFound.
	CanonicalIDForVersion(ctx context.Context, versionID string) (string, error)

	// VersionHistory returns the append-only version history, oldest first.
	VersionHistory(ctx context.Context, canonicalID string) ([]Version, error)

	// ListVersionedThreads returns every canonical id that has a version
	// mapping.
	ListVersionedThreads(ctx context.Context) ([]string, error)

	// CleanupOldShadows deletes superseded shadow threads beyond the most
	// recent keepLast, in a single transaction. The current version is
	// never deleted. Returns the number of threads removed.
	CleanupOldShadows(ctx context.Context, canonicalID string, keepLast int) (int, error)

	// Task CRUD.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	AddTaskNote(ctx context.Context, taskID string, note TaskNote) error
	TaskNotes(ctx context.Context, taskID string) ([]TaskNote, error)

	// Session and agent metadata.
	SaveSession(ctx context.Context, s *SessionRow) error
	GetSession(ctx context.Context, id string) (*SessionRow, error)
	GetSessionByName(ctx context.Context, name string) (*SessionRow, error)
	ListSessions(ctx context.Context) ([]*SessionRow, error)
	SaveAgent(ctx context.Context, a *AgentRow) error
	ListAgents(ctx context.Context, sessionID string) ([]*AgentRow, error)

	Close() error
}
