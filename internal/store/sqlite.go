package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migsqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/lacehq/lace/internal/events"
)

// SQLite is the default Store: a single local file with WAL journaling and
// enforced foreign keys. Writes are serialized through one mutex; SQLite's
// transaction semantics make each write atomic.
type SQLite struct {
	db *sql.DB
	mu sync.Mutex // write lock; reads go straight to the pool
}

// OpenSQLite opens (creating if needed) the store at path and applies all
// pending migrations. Use ":memory:" for an ephemeral store in tests.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{"foreign_keys(1)", "journal_mode(WAL)", "busy_timeout(5000)"},
	}.Encode()
	if path == ":memory:" {
		// In-memory databases vanish per-connection; share one cache and
		// keep a single connection alive.
		dsn = "file::memory:?cache=shared&_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	src, err := iofs.New(MigrationsFS, "migrations/sqlite")
	if err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	driver, err := migsqlite.WithInstance(s.db, &migsqlite.Config{})
	if err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return &StorageError{Op: "migrate", Err: err}
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return &StorageError{Op: "migrate", Err: err}
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) SaveThread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, created_at) VALUES (?, ?)`,
		id, time.Now().UTC())
	if err != nil {
		return &StorageError{Op: "save thread", Err: err}
	}
	return nil
}

func (s *SQLite) AppendEvent(ctx context.Context, threadID string, data events.Data) (events.Event, error) {
	raw, err := events.Encode(data)
	if err != nil {
		return events.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return events.Event{}, &StorageError{Op: "append event", Err: err}
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM threads WHERE id = ?`, threadID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return events.Event{}, fmt.Errorf("append event: thread %s: %w", threadID, ErrNotFound)
		}
		return events.Event{}, &StorageError{Op: "append event", Err: err}
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE thread_id = ?`, threadID).Scan(&seq); err != nil {
		return events.Event{}, &StorageError{Op: "append event", Err: err}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (thread_id, seq, type, data_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		threadID, seq, string(data.Kind()), string(raw), now)
	if err != nil {
		return events.Event{}, &StorageError{Op: "append event", Err: err}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return events.Event{}, &StorageError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return events.Event{}, &StorageError{Op: "append event", Err: err}
	}

	return events.Event{ID: id, ThreadID: threadID, Seq: seq, Type: data.Kind(), Data: data, Timestamp: now}, nil
}

func (s *SQLite) LoadThread(ctx context.Context, id string) (*Thread, error) {
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM threads WHERE id = ?`, id).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load thread %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "load thread", Err: err}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, type, data_json, created_at FROM events WHERE thread_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, &StorageError{Op: "load thread", Err: err}
	}
	defer rows.Close()

	t := &Thread{ID: id, CreatedAt: createdAt}
	for rows.Next() {
		var (
			ev  events.Event
			typ string
			raw string
		)
		if err := rows.Scan(&ev.ID, &ev.Seq, &typ, &raw, &ev.Timestamp); err != nil {
			return nil, &StorageError{Op: "load thread", Err: err}
		}
		ev.ThreadID = id
		ev.Type = events.Type(typ)
		data, err := events.Decode(ev.Type, []byte(raw))
		if err != nil {
			return nil, &StorageError{Op: "load thread", Err: err}
		}
		ev.Data = data
		t.Events = append(t.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "load thread", Err: err}
	}
	return t, nil
}

func (s *SQLite) ListThreads(ctx context.Context) ([]ThreadInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.created_at, COUNT(e.id)
		 FROM threads t LEFT JOIN events e ON e.thread_id = t.id
		 GROUP BY t.id ORDER BY t.created_at`)
	if err != nil {
		return nil, &StorageError{Op: "list threads", Err: err}
	}
	defer rows.Close()

	var infos []ThreadInfo
	for rows.Next() {
		var info ThreadInfo
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.EventCount); err != nil {
			return nil, &StorageError{Op: "list threads", Err: err}
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLite) DeleteThread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// events cascade on delete
	_, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id)
	if err != nil {
		return &StorageError{Op: "delete thread", Err: err}
	}
	return nil
}

func (s *SQLite) CreateVersion(ctx context.Context, canonicalID, versionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "create version", Err: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO thread_versions (canonical_id, current_version_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (canonical_id) DO UPDATE SET current_version_id = excluded.current_version_id`,
		canonicalID, versionID, now)
	if err != nil {
		return &StorageError{Op: "create version", Err: err}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO version_history (canonical_id, version_id, reason, created_at) VALUES (?, ?, ?, ?)`,
		canonicalID, versionID, reason, now)
	if err != nil {
		return &StorageError{Op: "create version", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "create version", Err: err}
	}
	return nil
}

func (s *SQLite) CurrentVersion(ctx context.Context, canonicalID string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT current_version_id FROM thread_versions WHERE canonical_id = ?`, canonicalID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &StorageError{Op: "current version", Err: err}
	}
	return v, nil
}

func (s *SQLite) CanonicalIDForVersion(ctx context.Context, versionID string) (string, error) {
	var c string
	err := s.db.QueryRowContext(ctx,
		`SELECT canonical_id FROM version_history WHERE version_id = ? ORDER BY id DESC LIMIT 1`,
		versionID).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", &StorageError{Op: "canonical id", Err: err}
	}
	return c, nil
}

func (s *SQLite) VersionHistory(ctx context.Context, canonicalID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT canonical_id, version_id, reason, created_at FROM version_history
		 WHERE canonical_id = ? ORDER BY id`, canonicalID)
	if err != nil {
		return nil, &StorageError{Op: "version history", Err: err}
	}
	defer rows.Close()

	var vs []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.CanonicalID, &v.VersionID, &v.Reason, &v.CreatedAt); err != nil {
			return nil, &StorageError{Op: "version history", Err: err}
		}
		vs = append(vs, v)
	}
	return vs, rows.Err()
}

func (s *SQLite) ListVersionedThreads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT canonical_id FROM thread_versions ORDER BY canonical_id`)
	if err != nil {
		return nil, &StorageError{Op: "list versioned", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &StorageError{Op: "list versioned", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) CleanupOldShadows(ctx context.Context, canonicalID string, keepLast int) (int, error) {
	if keepLast < 1 {
		keepLast = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &StorageError{Op: "cleanup shadows", Err: err}
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT current_version_id FROM thread_versions WHERE canonical_id = ?`, canonicalID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, &StorageError{Op: "cleanup shadows", Err: err}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT version_id FROM version_history WHERE canonical_id = ? ORDER BY id DESC`, canonicalID)
	if err != nil {
		return 0, &StorageError{Op: "cleanup shadows", Err: err}
	}
	var shadows []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, &StorageError{Op: "cleanup shadows", Err: err}
		}
		shadows = append(shadows, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, &StorageError{Op: "cleanup shadows", Err: err}
	}

	// Newest-first walk: keep the first keepLast shadows (the current
	// version always counts as kept), delete the rest.
	kept := 0
	deleted := 0
	for _, v := range shadows {
		if v == current || kept < keepLast {
			if v != current {
				kept++
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM version_history WHERE canonical_id = ? AND version_id = ?`, canonicalID, v); err != nil {
			return 0, &StorageError{Op: "cleanup shadows", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, v); err != nil {
			return 0, &StorageError{Op: "cleanup shadows", Err: err}
		}
		deleted++
	}

	if err := tx.Commit(); err != nil {
		return 0, &StorageError{Op: "cleanup shadows", Err: err}
	}
	if deleted > 0 {
		slog.Debug("shadow cleanup", "canonical", canonicalID, "deleted", deleted, "kept", keepLast)
	}
	return deleted, nil
}

func (s *SQLite) CreateTask(ctx context.Context, t *Task) error {
	if !ValidStatus(t.Status) {
		return fmt.Errorf("create task: invalid status %q", t.Status)
	}
	if !ValidPriority(t.Priority) {
		return fmt.Errorf("create task: invalid priority %q", t.Priority)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, prompt, status, priority, assigned_to, created_by, session_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Prompt, string(t.Status), string(t.Priority),
		nullable(t.AssignedTo), t.CreatedBy, t.SessionID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return &StorageError{Op: "create task", Err: err}
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT id, title, description, prompt, status, priority, assigned_to, created_by, session_id, created_at, updated_at
		 FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	notes, err := s.TaskNotes(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Notes = notes
	return t, nil
}

func (s *SQLite) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	q := `SELECT id, title, description, prompt, status, priority, assigned_to, created_by, session_id, created_at, updated_at FROM tasks WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.AssignedTo != "" {
		q += ` AND assigned_to = ?`
		args = append(args, f.AssignedTo)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &StorageError{Op: "list tasks", Err: err}
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLite) UpdateTask(ctx context.Context, t *Task) error {
	if !ValidStatus(t.Status) {
		return fmt.Errorf("update task: invalid status %q", t.Status)
	}
	if !ValidPriority(t.Priority) {
		return fmt.Errorf("update task: invalid priority %q", t.Priority)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, prompt = ?, status = ?, priority = ?, assigned_to = ?, updated_at = ?
		 WHERE id = ?`,
		t.Title, t.Description, t.Prompt, string(t.Status), string(t.Priority),
		nullable(t.AssignedTo), time.Now().UTC(), t.ID)
	if err != nil {
		return &StorageError{Op: "update task", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) AddTaskNote(ctx context.Context, taskID string, note TaskNote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_notes (id, task_id, author, content, timestamp) VALUES (?, ?, ?, ?, ?)`,
		note.ID, taskID, note.Author, note.Content, note.Timestamp)
	if err != nil {
		return &StorageError{Op: "add task note", Err: err}
	}
	return nil
}

func (s *SQLite) TaskNotes(ctx context.Context, taskID string) ([]TaskNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author, content, timestamp FROM task_notes WHERE task_id = ? ORDER BY timestamp, id`, taskID)
	if err != nil {
		return nil, &StorageError{Op: "task notes", Err: err}
	}
	defer rows.Close()

	var notes []TaskNote
	for rows.Next() {
		var n TaskNote
		if err := rows.Scan(&n.ID, &n.Author, &n.Content, &n.Timestamp); err != nil {
			return nil, &StorageError{Op: "task notes", Err: err}
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *SQLite) SaveSession(ctx context.Context, sess *SessionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_meta (id, name, active_agent_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, active_agent_id = excluded.active_agent_id`,
		sess.ID, sess.Name, sess.ActiveAgentID, sess.CreatedAt)
	if err != nil {
		return &StorageError{Op: "save session", Err: err}
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*SessionRow, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, name, active_agent_id, created_at FROM session_meta WHERE id = ?`, id))
}

func (s *SQLite) GetSessionByName(ctx context.Context, name string) (*SessionRow, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, name, active_agent_id, created_at FROM session_meta WHERE name = ?`, name))
}

func (s *SQLite) ListSessions(ctx context.Context) ([]*SessionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, active_agent_id, created_at FROM session_meta ORDER BY created_at`)
	if err != nil {
		return nil, &StorageError{Op: "list sessions", Err: err}
	}
	defer rows.Close()

	var sessions []*SessionRow
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLite) SaveAgent(ctx context.Context, a *AgentRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_agents (id, session_id, name, type, provider, model, state, current_task_id, created_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, current_task_id = excluded.current_task_id, last_active_at = excluded.last_active_at`,
		a.ID, a.SessionID, a.Name, a.Type, a.Provider, a.Model, a.State, a.CurrentTaskID, a.CreatedAt, a.LastActiveAt)
	if err != nil {
		return &StorageError{Op: "save agent", Err: err}
	}
	return nil
}

func (s *SQLite) ListAgents(ctx context.Context, sessionID string) ([]*AgentRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, name, type, provider, model, state, current_task_id, created_at, last_active_at
		 FROM session_agents WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, &StorageError{Op: "list agents", Err: err}
	}
	defer rows.Close()

	var agents []*AgentRow
	for rows.Next() {
		var a AgentRow
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Name, &a.Type, &a.Provider, &a.Model,
			&a.State, &a.CurrentTaskID, &a.CreatedAt, &a.LastActiveAt); err != nil {
			return nil, &StorageError{Op: "list agents", Err: err}
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var (
		t        Task
		assigned sql.NullString
		status   string
		priority string
	)
	err := r.Scan(&t.ID, &t.Title, &t.Description, &t.Prompt, &status, &priority,
		&assigned, &t.CreatedBy, &t.SessionID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task: %w", ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "scan task", Err: err}
	}
	t.Status = TaskStatus(status)
	t.Priority = TaskPriority(priority)
	t.AssignedTo = assigned.String
	return &t, nil
}

func scanSession(r rowScanner) (*SessionRow, error) {
	var sess SessionRow
	err := r.Scan(&sess.ID, &sess.Name, &sess.ActiveAgentID, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, &StorageError{Op: "scan session", Err: err}
	}
	return &sess, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
