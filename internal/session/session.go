// Package session manages multi-agent sessions. A session is itself a
// thread; each agent lives on a child thread ("<session>.<n>"). The
// manager owns agent lifecycle (add, suspend, resume, complete,
// archive) and spawns ephemeral agents for task assignments.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lacehq/lace/internal/activity"
	"github.com/lacehq/lace/internal/agent"
	"github.com/lacehq/lace/internal/budget"
	"github.com/lacehq/lace/internal/compaction"
	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/internal/queue"
	"github.com/lacehq/lace/internal/store"
	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/internal/tools"
)

// Agent lifecycle states as persisted.
const (
	AgentActive    = "active"
	AgentSuspended = "suspended"
	AgentCompleted = "completed"
	AgentArchived  = "archived"
)

// Agent types.
const (
	TypePersistent = "persistent"
	TypeEphemeral  = "ephemeral"
)

// AgentMeta is the caller-supplied part of a new agent.
type AgentMeta struct {
	Name         string
	Type         string // defaults to persistent
	Provider     string // defaults to the manager default
	Model        string // defaults to the provider default
	SystemPrompt string
	TaskID       string // ephemeral spawns carry their task
}

// Defaults fill in what AgentMeta leaves blank.
type Defaults struct {
	Provider           string
	Model              string
	SystemPrompt       string
	WorkingDir         string
	CompactionStrategy string
	Compaction         compaction.Options
	Budget             budget.Config
	TurnTimeout        time.Duration
	QueueCap           int
	Stream             bool
}

// Deps are the shared subsystems sessions hand to their agents. The
// restricted registry/executor pair excludes the agent-spawn and
// delegate tools; ephemeral agents get that pair so they cannot recurse.
type Deps struct {
	Store              store.Store
	Threads            *threads.Manager
	Providers          *providers.Registry
	Compactor          *compaction.Compactor
	Registry           *tools.Registry
	Executor           *tools.Executor
	RestrictedRegistry *tools.Registry
	RestrictedExecutor *tools.Executor
	Activity           *activity.Log
	Log                *slog.Logger
}

// Session is a live, in-memory view over one session thread.
type Session struct {
	ID   string
	Name string

	mu       sync.RWMutex
	agents   map[string]*agent.Runtime // by agent name; active only
	rows     map[string]*store.AgentRow
	activeID string
}

// Agent returns the live runtime for an active agent.
func (s *Session) Agent(name string) (*agent.Runtime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.agents[name]
	return rt, ok
}

// ActiveAgent returns the session's active agent runtime.
func (s *Session) ActiveAgent() (*agent.Runtime, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, row := range s.rows {
		if row.ID == s.activeID {
			rt, ok := s.agents[name]
			return rt, ok
		}
	}
	return nil, false
}

// Manager creates, loads, and mutates sessions.
type Manager struct {
	deps     Deps
	defaults Defaults
	log      *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // by session id
}

func NewManager(deps Deps, defaults Defaults) *Manager {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if defaults.QueueCap < 1 {
		defaults.QueueCap = 100
	}
	if defaults.CompactionStrategy == "" {
		defaults.CompactionStrategy = "summarize"
	}
	return &Manager{
		deps:     deps,
		defaults: defaults,
		log:      log.With("component", "session"),
		sessions: make(map[string]*Session),
	}
}

// Create makes a new session with a fresh thread. Session names are
// globally unique; creating a duplicate fails.
func (m *Manager) Create(ctx context.Context, name string) (*Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("session name is required")
	}
	if existing, err := m.deps.Store.GetSessionByName(ctx, name); err == nil {
		return nil, fmt.Errorf("session %q already exists as %s", name, existing.ID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	id, err := m.deps.Threads.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("create session thread: %w", err)
	}
	row := &store.SessionRow{ID: id, Name: name, CreatedAt: time.Now().UTC()}
	if err := m.deps.Store.SaveSession(ctx, row); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:     id,
		Name:   name,
		agents: make(map[string]*agent.Runtime),
		rows:   make(map[string]*store.AgentRow),
	}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	m.log.Info("session created", "session_id", id, "name", name)
	return sess, nil
}

// Load materializes a session from the store, rebuilding runtimes for
// its active agents.
func (m *Manager) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	if sess, ok := m.sessions[id]; ok {
		m.mu.RUnlock()
		return sess, nil
	}
	m.mu.RUnlock()

	row, err := m.deps.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := m.deps.Store.ListAgents(ctx, id)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:       row.ID,
		Name:     row.Name,
		agents:   make(map[string]*agent.Runtime),
		rows:     make(map[string]*store.AgentRow),
		activeID: row.ActiveAgentID,
	}
	for _, a := range rows {
		sess.rows[a.Name] = a
		if a.State == AgentActive {
			rt, err := m.buildRuntime(sess.ID, a, "")
			if err != nil {
				return nil, err
			}
			sess.agents[a.Name] = rt
		}
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	return sess, nil
}

// LoadByName resolves a session name to a loaded session.
func (m *Manager) LoadByName(ctx context.Context, name string) (*Session, error) {
	row, err := m.deps.Store.GetSessionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.Load(ctx, row.ID)
}

// CreateOrLoad implements the CLI contract: load the named session, or
// create it if absent.
func (m *Manager) CreateOrLoad(ctx context.Context, name string) (*Session, error) {
	sess, err := m.LoadByName(ctx, name)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return m.Create(ctx, name)
}

// ListSessions returns all persisted sessions.
func (m *Manager) ListSessions(ctx context.Context) ([]*store.SessionRow, error) {
	return m.deps.Store.ListSessions(ctx)
}

// AddAgent creates an agent on a new child thread of the session. Names
// are unique within the session; the first agent becomes active.
func (m *Manager) AddAgent(ctx context.Context, sessionID string, meta AgentMeta) (*store.AgentRow, error) {
	sess, err := m.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	meta.Name = strings.TrimSpace(meta.Name)
	if meta.Name == "" {
		return nil, errors.New("agent name is required")
	}
	if meta.Type == "" {
		meta.Type = TypePersistent
	}
	if meta.Type != TypePersistent && meta.Type != TypeEphemeral {
		return nil, fmt.Errorf("invalid agent type %q", meta.Type)
	}

	sess.mu.Lock()
	if _, exists := sess.rows[meta.Name]; exists {
		sess.mu.Unlock()
		return nil, fmt.Errorf("agent %q already exists in session %s", meta.Name, sessionID)
	}
	sess.mu.Unlock()

	providerName := meta.Provider
	if providerName == "" {
		providerName = m.defaults.Provider
	}
	provider, err := m.deps.Providers.Get(providerName)
	if err != nil {
		return nil, err
	}
	model := meta.Model
	if model == "" {
		if m.defaults.Model != "" && providerName == m.defaults.Provider {
			model = m.defaults.Model
		} else {
			model = provider.DefaultModel()
		}
	}

	threadID, err := m.deps.Threads.CreateChild(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("create agent thread: %w", err)
	}

	now := time.Now().UTC()
	row := &store.AgentRow{
		ID:            threadID,
		SessionID:     sessionID,
		Name:          meta.Name,
		Type:          meta.Type,
		Provider:      providerName,
		Model:         model,
		State:         AgentActive,
		CurrentTaskID: meta.TaskID,
		CreatedAt:     now,
		LastActiveAt:  now,
	}
	if err := m.deps.Store.SaveAgent(ctx, row); err != nil {
		return nil, err
	}

	rt, err := m.buildRuntime(sessionID, row, meta.SystemPrompt)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	sess.rows[meta.Name] = row
	sess.agents[meta.Name] = rt
	first := sess.activeID == ""
	if first {
		sess.activeID = row.ID
	}
	sess.mu.Unlock()

	if first {
		if err := m.persistActive(ctx, sess); err != nil {
			return nil, err
		}
	}
	m.log.Info("agent added", "session_id", sessionID, "agent", meta.Name, "type", meta.Type, "thread_id", threadID)
	return row, nil
}

// buildRuntime assembles an agent.Runtime for a stored agent row.
// Ephemeral agents get the restricted tool surface.
func (m *Manager) buildRuntime(sessionID string, row *store.AgentRow, systemPrompt string) (*agent.Runtime, error) {
	provider, err := m.deps.Providers.Get(row.Provider)
	if err != nil {
		return nil, err
	}
	if systemPrompt == "" {
		systemPrompt = m.defaults.SystemPrompt
	}

	registry := m.deps.Registry
	executor := m.deps.Executor
	if row.Type == TypeEphemeral && m.deps.RestrictedRegistry != nil {
		registry = m.deps.RestrictedRegistry
		executor = m.deps.RestrictedExecutor
	}

	var counter budget.Counter
	if c, ok := provider.(providers.TokenCounter); ok {
		counter = c
	}

	return agent.NewRuntime(agent.Config{
		Name:               row.Name,
		SessionID:          sessionID,
		ThreadID:           row.ID,
		SystemPrompt:       systemPrompt,
		Model:              row.Model,
		WorkingDir:         m.defaults.WorkingDir,
		CompactionStrategy: m.defaults.CompactionStrategy,
		CompactionOptions:  m.defaults.Compaction,
		TurnTimeout:        m.defaults.TurnTimeout,
		QueueCap:           m.defaults.QueueCap,
		Stream:             m.defaults.Stream,
	}, agent.Deps{
		Provider:  provider,
		Threads:   m.deps.Threads,
		Compactor: m.deps.Compactor,
		Budget:    budget.NewManager(m.defaults.Budget, counter, m.log),
		Executor:  executor,
		Registry:  registry,
		Activity:  m.deps.Activity,
		Log:       m.log,
	}), nil
}

// SpawnEphemeral implements tasks.Spawner: create a restricted agent
// for the given provider/model and hand back its name.
func (m *Manager) SpawnEphemeral(ctx context.Context, sessionID, providerName, model, taskID string) (string, error) {
	name := "ephemeral-" + uuid.NewString()[:8]
	row, err := m.AddAgent(ctx, sessionID, AgentMeta{
		Name:     name,
		Type:     TypeEphemeral,
		Provider: providerName,
		Model:    model,
		TaskID:   taskID,
	})
	if err != nil {
		return "", err
	}
	return row.Name, nil
}

// Delegate implements tools.DelegateRunner: enqueue a prompt on a
// sibling agent and kick its queue. The target works asynchronously on
// its own thread; the caller's turn is not blocked. The message is
// typed as a task notification carrying the delegating agent's name.
func (m *Manager) Delegate(ctx context.Context, sessionID, fromAgent, agentName, prompt string) (string, error) {
	sess, err := m.Load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	rt, ok := sess.Agent(agentName)
	if !ok {
		return "", fmt.Errorf("no active agent %q in session %s", agentName, sessionID)
	}
	go func() {
		msg := queue.Message{
			Type:     queue.TypeTaskNotification,
			Content:  prompt,
			Priority: queue.PriorityNormal,
			From:     fromAgent,
		}
		if err := rt.SendMessage(context.Background(), msg); err != nil {
			m.log.Error("delegated turn failed", "session_id", sessionID, "agent", agentName, "error", err)
		}
	}()
	if rt.Busy() {
		return "queued behind the agent's current turn", nil
	}
	return "accepted", nil
}

// GetActiveAgent returns the active agent's row.
func (m *Manager) GetActiveAgent(ctx context.Context, sessionID string) (*store.AgentRow, error) {
	sess, err := m.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	for _, row := range sess.rows {
		if row.ID == sess.activeID {
			return row, nil
		}
	}
	return nil, fmt.Errorf("session %s has no active agent: %w", sessionID, store.ErrNotFound)
}

// SetActiveAgent switches the session's active agent by name.
func (m *Manager) SetActiveAgent(ctx context.Context, sessionID, agentName string) error {
	sess, err := m.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	row, ok := sess.rows[agentName]
	if !ok || row.State != AgentActive {
		sess.mu.Unlock()
		return fmt.Errorf("no active agent %q in session %s", agentName, sessionID)
	}
	sess.activeID = row.ID
	sess.mu.Unlock()
	return m.persistActive(ctx, sess)
}

func (m *Manager) persistActive(ctx context.Context, sess *Session) error {
	sess.mu.RLock()
	row := &store.SessionRow{ID: sess.ID, Name: sess.Name, ActiveAgentID: sess.activeID}
	sess.mu.RUnlock()
	return m.deps.Store.SaveSession(ctx, row)
}

// ListAgents returns a session's agents. Completed and archived agents
// are hidden unless includeHidden is set.
func (m *Manager) ListAgents(ctx context.Context, sessionID string, includeHidden bool) ([]*store.AgentRow, error) {
	rows, err := m.deps.Store.ListAgents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if includeHidden {
		return rows, nil
	}
	visible := rows[:0]
	for _, a := range rows {
		if a.State != AgentCompleted && a.State != AgentArchived {
			visible = append(visible, a)
		}
	}
	return visible, nil
}

// SuspendAgent parks an agent: its thread survives, its runtime is
// released. A mid-turn agent cannot be suspended.
func (m *Manager) SuspendAgent(ctx context.Context, sessionID, agentName string) error {
	return m.setAgentState(ctx, sessionID, agentName, AgentActive, AgentSuspended, true)
}

// ResumeAgent reactivates a suspended agent on its original thread.
func (m *Manager) ResumeAgent(ctx context.Context, sessionID, agentName string) error {
	return m.setAgentState(ctx, sessionID, agentName, AgentSuspended, AgentActive, false)
}

// CompleteAgent retires an agent. Completed agents are hidden from
// default listings and cannot be resumed.
func (m *Manager) CompleteAgent(ctx context.Context, sessionID, agentName string) error {
	return m.setAgentState(ctx, sessionID, agentName, AgentActive, AgentCompleted, true)
}

func (m *Manager) setAgentState(ctx context.Context, sessionID, agentName, from, to string, dropRuntime bool) error {
	sess, err := m.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	row, ok := sess.rows[agentName]
	if !ok {
		sess.mu.Unlock()
		return fmt.Errorf("agent %q: %w", agentName, store.ErrNotFound)
	}
	// Ephemeral agents only ever go active -> completed.
	if row.Type == TypeEphemeral && (to == AgentSuspended || from == AgentSuspended) {
		sess.mu.Unlock()
		return fmt.Errorf("agent %q is ephemeral and cannot be suspended", agentName)
	}
	if row.State != from {
		sess.mu.Unlock()
		return fmt.Errorf("agent %q is %s, not %s", agentName, row.State, from)
	}
	if rt, live := sess.agents[agentName]; live && rt.Busy() {
		sess.mu.Unlock()
		return fmt.Errorf("agent %q has a turn in flight", agentName)
	}
	row.State = to
	row.LastActiveAt = time.Now().UTC()
	if dropRuntime {
		delete(sess.agents, agentName)
	}
	sess.mu.Unlock()

	if err := m.deps.Store.SaveAgent(ctx, row); err != nil {
		return err
	}
	if to == AgentActive {
		rt, err := m.buildRuntime(sessionID, row, "")
		if err != nil {
			return err
		}
		sess.mu.Lock()
		sess.agents[agentName] = rt
		sess.mu.Unlock()
	}
	m.log.Info("agent state changed", "session_id", sessionID, "agent", agentName, "from", from, "to", to)
	return nil
}

// ArchiveCompletedAgents hides completed agents idle for longer than
// olderThan (zero archives all completed). Returns the archived count.
func (m *Manager) ArchiveCompletedAgents(ctx context.Context, sessionID string, olderThan time.Duration) (int, error) {
	rows, err := m.deps.Store.ListAgents(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	archived := 0
	for _, row := range rows {
		if row.State != AgentCompleted {
			continue
		}
		if olderThan > 0 && row.LastActiveAt.After(cutoff) {
			continue
		}
		row.State = AgentArchived
		if err := m.deps.Store.SaveAgent(ctx, row); err != nil {
			return archived, err
		}
		archived++
	}

	m.mu.RLock()
	sess, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if ok && archived > 0 {
		sess.mu.Lock()
		for name, row := range sess.rows {
			if row.State == AgentArchived {
				delete(sess.agents, name)
			}
		}
		sess.mu.Unlock()
	}
	return archived, nil
}
