package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lacehq/lace/internal/events"
)

// Memory is an in-process Store with the same semantics as the SQL backends.
// Used by tests and by ephemeral runs that never touch disk.
type Memory struct {
	mu       sync.RWMutex
	nextID   int64
	threads  map[string]*Thread
	versions map[string]string    // canonical -> current version
	history  map[string][]Version // canonical -> append-only history
	tasks    map[string]*Task
	notes    map[string][]TaskNote
	sessions map[string]*SessionRow
	agents   map[string]*AgentRow
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		threads:  make(map[string]*Thread),
		versions: make(map[string]string),
		history:  make(map[string][]Version),
		tasks:    make(map[string]*Task),
		notes:    make(map[string][]TaskNote),
		sessions: make(map[string]*SessionRow),
		agents:   make(map[string]*AgentRow),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) SaveThread(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[id]; ok {
		return &StorageError{Op: "save thread", Err: fmt.Errorf("thread %s already exists", id)}
	}
	m.threads[id] = &Thread{ID: id, CreatedAt: time.Now().UTC()}
	return nil
}

func (m *Memory) AppendEvent(_ context.Context, threadID string, data events.Data) (events.Event, error) {
	// Round-trip through Encode/Decode so invalid payloads are rejected
	// exactly as the SQL backends reject them.
	raw, err := events.Encode(data)
	if err != nil {
		return events.Event{}, err
	}
	decoded, err := events.Decode(data.Kind(), raw)
	if err != nil {
		return events.Event{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[threadID]
	if !ok {
		return events.Event{}, fmt.Errorf("append event: thread %s: %w", threadID, ErrNotFound)
	}
	m.nextID++
	ev := events.Event{
		ID:        m.nextID,
		ThreadID:  threadID,
		Seq:       len(t.Events) + 1,
		Type:      data.Kind(),
		Data:      decoded,
		Timestamp: time.Now().UTC(),
	}
	t.Events = append(t.Events, ev)
	return ev, nil
}

func (m *Memory) LoadThread(_ context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.threads[id]
	if !ok {
		return nil, fmt.Errorf("load thread %s: %w", id, ErrNotFound)
	}
	cp := &Thread{ID: t.ID, CreatedAt: t.CreatedAt, Events: make([]events.Event, len(t.Events))}
	copy(cp.Events, t.Events)
	return cp, nil
}

func (m *Memory) ListThreads(_ context.Context) ([]ThreadInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]ThreadInfo, 0, len(m.threads))
	for _, t := range m.threads {
		infos = append(infos, ThreadInfo{ID: t.ID, EventCount: len(t.Events), CreatedAt: t.CreatedAt})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (m *Memory) DeleteThread(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.threads, id)
	return nil
}

func (m *Memory) CreateVersion(_ context.Context, canonicalID, versionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[versionID]; !ok {
		return fmt.Errorf("create version: thread %s: %w", versionID, ErrNotFound)
	}
	m.versions[canonicalID] = versionID
	m.history[canonicalID] = append(m.history[canonicalID], Version{
		CanonicalID: canonicalID,
		VersionID:   versionID,
		Reason:      reason,
		CreatedAt:   time.Now().UTC(),
	})
	return nil
}

func (m *Memory) CurrentVersion(_ context.Context, canonicalID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.versions[canonicalID]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) CanonicalIDForVersion(_ context.Context, versionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for canonical, hist := range m.history {
		for _, v := range hist {
			if v.VersionID == versionID {
				return canonical, nil
			}
		}
	}
	return "", ErrNotFound
}

func (m *Memory) VersionHistory(_ context.Context, canonicalID string) ([]Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist := m.history[canonicalID]
	out := make([]Version, len(hist))
	copy(out, hist)
	return out, nil
}

func (m *Memory) ListVersionedThreads(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.versions))
	for id := range m.versions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) CleanupOldShadows(_ context.Context, canonicalID string, keepLast int) (int, error) {
	if keepLast < 1 {
		keepLast = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.versions[canonicalID]
	if !ok {
		return 0, ErrNotFound
	}
	hist := m.history[canonicalID]

	kept := 0
	deleted := 0
	var remaining []Version
	// Walk newest-first; rebuild history oldest-first afterwards.
	for i := len(hist) - 1; i >= 0; i-- {
		v := hist[i]
		if v.VersionID == current || kept < keepLast {
			if v.VersionID != current {
				kept++
			}
			remaining = append([]Version{v}, remaining...)
			continue
		}
		delete(m.threads, v.VersionID)
		deleted++
	}
	m.history[canonicalID] = remaining
	return deleted, nil
}

func (m *Memory) CreateTask(_ context.Context, t *Task) error {
	if !ValidStatus(t.Status) {
		return fmt.Errorf("create task: invalid status %q", t.Status)
	}
	if !ValidPriority(t.Priority) {
		return fmt.Errorf("create task: invalid priority %q", t.Priority)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return &StorageError{Op: "create task", Err: fmt.Errorf("task %s already exists", t.ID)}
	}
	cp := *t
	cp.Notes = nil
	m.tasks[t.ID] = &cp
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task: %w", ErrNotFound)
	}
	cp := *t
	cp.Notes = append([]TaskNote(nil), m.notes[id]...)
	return &cp, nil
}

func (m *Memory) ListTasks(_ context.Context, f TaskFilter) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Task
	for _, t := range m.tasks {
		if f.SessionID != "" && t.SessionID != f.SessionID {
			continue
		}
		if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateTask(_ context.Context, t *Task) error {
	if !ValidStatus(t.Status) {
		return fmt.Errorf("update task: invalid status %q", t.Status)
	}
	if !ValidPriority(t.Priority) {
		return fmt.Errorf("update task: invalid priority %q", t.Priority)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("update task %s: %w", t.ID, ErrNotFound)
	}
	cp := *t
	cp.Notes = nil
	cp.UpdatedAt = time.Now().UTC()
	m.tasks[t.ID] = &cp
	return nil
}

func (m *Memory) AddTaskNote(_ context.Context, taskID string, note TaskNote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return fmt.Errorf("add task note: task %s: %w", taskID, ErrNotFound)
	}
	m.notes[taskID] = append(m.notes[taskID], note)
	return nil
}

func (m *Memory) TaskNotes(_ context.Context, taskID string) ([]TaskNote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]TaskNote(nil), m.notes[taskID]...), nil
}

func (m *Memory) SaveSession(_ context.Context, s *SessionRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	return nil
}

func (m *Memory) GetSession(_ context.Context, id string) (*SessionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) GetSessionByName(_ context.Context, name string) (*SessionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.Name == name {
			cp := *s
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("session: %w", ErrNotFound)
}

func (m *Memory) ListSessions(_ context.Context) ([]*SessionRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SessionRow, 0, len(m.sessions))
	for _, s := range m.sessions {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) SaveAgent(_ context.Context, a *AgentRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *Memory) ListAgents(_ context.Context, sessionID string) ([]*AgentRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AgentRow
	for _, a := range m.agents {
		if a.SessionID == sessionID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
