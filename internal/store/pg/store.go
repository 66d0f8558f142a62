// Package pg implements the persistence contract on PostgreSQL via pgx.
// The sqlite backend is the default; this backend exists for deployments
// that already run Postgres and want the conversation log alongside.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migpg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lacehq/lace/internal/events"
	"github.com/lacehq/lace/internal/store"
)

// Store implements store.Store backed by Postgres. Row-level locking on the
// thread row serializes per-thread appends; everything else relies on MVCC.
type Store struct {
	db *sql.DB
}

// Open connects using a pgx DSN and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, &store.StorageError{Op: "open", Err: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &store.StorageError{Op: "open", Err: err}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(store.MigrationsFS, "migrations/postgres")
	if err != nil {
		return &store.StorageError{Op: "migrate", Err: err}
	}
	driver, err := migpg.WithInstance(s.db, &migpg.Config{})
	if err != nil {
		return &store.StorageError{Op: "migrate", Err: err}
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return &store.StorageError{Op: "migrate", Err: err}
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return &store.StorageError{Op: "migrate", Err: err}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) SaveThread(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, created_at) VALUES ($1, $2)`, id, time.Now().UTC())
	if err != nil {
		return &store.StorageError{Op: "save thread", Err: err}
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, threadID string, data events.Data) (events.Event, error) {
	raw, err := events.Encode(data)
	if err != nil {
		return events.Event{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return events.Event{}, &store.StorageError{Op: "append event", Err: err}
	}
	defer tx.Rollback()

	// Lock the thread row so concurrent appends assign dense seqs.
	var lock string
	err = tx.QueryRowContext(ctx, `SELECT id FROM threads WHERE id = $1 FOR UPDATE`, threadID).Scan(&lock)
	if errors.Is(err, sql.ErrNoRows) {
		return events.Event{}, fmt.Errorf("append event: thread %s: %w", threadID, store.ErrNotFound)
	}
	if err != nil {
		return events.Event{}, &store.StorageError{Op: "append event", Err: err}
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE thread_id = $1`, threadID).Scan(&seq); err != nil {
		return events.Event{}, &store.StorageError{Op: "append event", Err: err}
	}

	now := time.Now().UTC()
	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (thread_id, seq, type, data_json, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		threadID, seq, string(data.Kind()), string(raw), now).Scan(&id)
	if err != nil {
		return events.Event{}, &store.StorageError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return events.Event{}, &store.StorageError{Op: "append event", Err: err}
	}

	return events.Event{ID: id, ThreadID: threadID, Seq: seq, Type: data.Kind(), Data: data, Timestamp: now}, nil
}

func (s *Store) LoadThread(ctx context.Context, id string) (*store.Thread, error) {
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM threads WHERE id = $1`, id).Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load thread %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, &store.StorageError{Op: "load thread", Err: err}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, type, data_json, created_at FROM events WHERE thread_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, &store.StorageError{Op: "load thread", Err: err}
	}
	defer rows.Close()

	t := &store.Thread{ID: id, CreatedAt: createdAt}
	for rows.Next() {
		var (
			ev  events.Event
			typ string
			raw string
		)
		if err := rows.Scan(&ev.ID, &ev.Seq, &typ, &raw, &ev.Timestamp); err != nil {
			return nil, &store.StorageError{Op: "load thread", Err: err}
		}
		ev.ThreadID = id
		ev.Type = events.Type(typ)
		data, err := events.Decode(ev.Type, []byte(raw))
		if err != nil {
			return nil, &store.StorageError{Op: "load thread", Err: err}
		}
		ev.Data = data
		t.Events = append(t.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "load thread", Err: err}
	}
	return t, nil
}

func (s *Store) ListThreads(ctx context.Context) ([]store.ThreadInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.created_at, COUNT(e.id)
		 FROM threads t LEFT JOIN events e ON e.thread_id = t.id
		 GROUP BY t.id ORDER BY t.created_at`)
	if err != nil {
		return nil, &store.StorageError{Op: "list threads", Err: err}
	}
	defer rows.Close()

	var infos []store.ThreadInfo
	for rows.Next() {
		var info store.ThreadInfo
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.EventCount); err != nil {
			return nil, &store.StorageError{Op: "list threads", Err: err}
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *Store) DeleteThread(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = $1`, id); err != nil {
		return &store.StorageError{Op: "delete thread", Err: err}
	}
	return nil
}

func (s *Store) CreateVersion(ctx context.Context, canonicalID, versionID, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &store.StorageError{Op: "create version", Err: err}
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO thread_versions (canonical_id, current_version_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (canonical_id) DO UPDATE SET current_version_id = EXCLUDED.current_version_id`,
		canonicalID, versionID, now)
	if err != nil {
		return &store.StorageError{Op: "create version", Err: err}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO version_history (canonical_id, version_id, reason, created_at) VALUES ($1, $2, $3, $4)`,
		canonicalID, versionID, reason, now)
	if err != nil {
		return &store.StorageError{Op: "create version", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &store.StorageError{Op: "create version", Err: err}
	}
	return nil
}

func (s *Store) CurrentVersion(ctx context.Context, canonicalID string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT current_version_id FROM thread_versions WHERE canonical_id = $1`, canonicalID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", &store.StorageError{Op: "current version", Err: err}
	}
	return v, nil
}

func (s *Store) CanonicalIDForVersion(ctx context.Context, versionID string) (string, error) {
	var c string
	err := s.db.QueryRowContext(ctx,
		`SELECT canonical_id FROM version_history WHERE version_id = $1 ORDER BY id DESC LIMIT 1`,
		versionID).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", &store.StorageError{Op: "canonical id", Err: err}
	}
	return c, nil
}

func (s *Store) VersionHistory(ctx context.Context, canonicalID string) ([]store.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT canonical_id, version_id, reason, created_at FROM version_history
		 WHERE canonical_id = $1 ORDER BY id`, canonicalID)
	if err != nil {
		return nil, &store.StorageError{Op: "version history", Err: err}
	}
	defer rows.Close()

	var vs []store.Version
	for rows.Next() {
		var v store.Version
		if err := rows.Scan(&v.CanonicalID, &v.VersionID, &v.Reason, &v.CreatedAt); err != nil {
			return nil, &store.StorageError{Op: "version history", Err: err}
		}
		vs = append(vs, v)
	}
	return vs, rows.Err()
}

func (s *Store) ListVersionedThreads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT canonical_id FROM thread_versions ORDER BY canonical_id`)
	if err != nil {
		return nil, &store.StorageError{Op: "list versioned", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &store.StorageError{Op: "list versioned", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) CleanupOldShadows(ctx context.Context, canonicalID string, keepLast int) (int, error) {
	if keepLast < 1 {
		keepLast = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &store.StorageError{Op: "cleanup shadows", Err: err}
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx,
		`SELECT current_version_id FROM thread_versions WHERE canonical_id = $1 FOR UPDATE`, canonicalID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, &store.StorageError{Op: "cleanup shadows", Err: err}
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT version_id FROM version_history WHERE canonical_id = $1 ORDER BY id DESC`, canonicalID)
	if err != nil {
		return 0, &store.StorageError{Op: "cleanup shadows", Err: err}
	}
	var shadows []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, &store.StorageError{Op: "cleanup shadows", Err: err}
		}
		shadows = append(shadows, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, &store.StorageError{Op: "cleanup shadows", Err: err}
	}

	kept := 0
	deleted := 0
	for _, v := range shadows {
		if v == current || kept < keepLast {
			if v != current {
				kept++
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM version_history WHERE canonical_id = $1 AND version_id = $2`, canonicalID, v); err != nil {
			return 0, &store.StorageError{Op: "cleanup shadows", Err: err}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE id = $1`, v); err != nil {
			return 0, &store.StorageError{Op: "cleanup shadows", Err: err}
		}
		deleted++
	}

	if err := tx.Commit(); err != nil {
		return 0, &store.StorageError{Op: "cleanup shadows", Err: err}
	}
	return deleted, nil
}

func (s *Store) CreateTask(ctx context.Context, t *store.Task) error {
	if !store.ValidStatus(t.Status) {
		return fmt.Errorf("create task: invalid status %q", t.Status)
	}
	if !store.ValidPriority(t.Priority) {
		return fmt.Errorf("create task: invalid priority %q", t.Priority)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, prompt, status, priority, assigned_to, created_by, session_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Title, t.Description, t.Prompt, string(t.Status), string(t.Priority),
		nullable(t.AssignedTo), t.CreatedBy, t.SessionID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return &store.StorageError{Op: "create task", Err: err}
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*store.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT id, title, description, prompt, status, priority, assigned_to, created_by, session_id, created_at, updated_at
		 FROM tasks WHERE id = $1`, id))
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

func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]*store.Task, error) {
	q := `SELECT id, title, description, prompt, status, priority, assigned_to, created_by, session_id, created_at, updated_at FROM tasks WHERE true`
	var args []any
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		q += fmt.Sprintf(` AND session_id = $%d`, len(args))
	}
	if f.AssignedTo != "" {
		args = append(args, f.AssignedTo)
		q += fmt.Sprintf(` AND assigned_to = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &store.StorageError{Op: "list tasks", Err: err}
	}
	defer rows.Close()

	var tasks []*store.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTask(ctx context.Context, t *store.Task) error {
	if !store.ValidStatus(t.Status) {
		return fmt.Errorf("update task: invalid status %q", t.Status)
	}
	if !store.ValidPriority(t.Priority) {
		return fmt.Errorf("update task: invalid priority %q", t.Priority)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title = $1, description = $2, prompt = $3, status = $4, priority = $5, assigned_to = $6, updated_at = $7
		 WHERE id = $8`,
		t.Title, t.Description, t.Prompt, string(t.Status), string(t.Priority),
		nullable(t.AssignedTo), time.Now().UTC(), t.ID)
	if err != nil {
		return &store.StorageError{Op: "update task", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("update task %s: %w", t.ID, store.ErrNotFound)
	}
	return nil
}

func (s *Store) AddTaskNote(ctx context.Context, taskID string, note store.TaskNote) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_notes (id, task_id, author, content, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		note.ID, taskID, note.Author, note.Content, note.Timestamp)
	if err != nil {
		return &store.StorageError{Op: "add task note", Err: err}
	}
	return nil
}

func (s *Store) TaskNotes(ctx context.Context, taskID string) ([]store.TaskNote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author, content, timestamp FROM task_notes WHERE task_id = $1 ORDER BY timestamp, id`, taskID)
	if err != nil {
		return nil, &store.StorageError{Op: "task notes", Err: err}
	}
	defer rows.Close()

	var notes []store.TaskNote
	for rows.Next() {
		var n store.TaskNote
		if err := rows.Scan(&n.ID, &n.Author, &n.Content, &n.Timestamp); err != nil {
			return nil, &store.StorageError{Op: "task notes", Err: err}
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (s *Store) SaveSession(ctx context.Context, sess *store.SessionRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_meta (id, name, active_agent_id, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, active_agent_id = EXCLUDED.active_agent_id`,
		sess.ID, sess.Name, sess.ActiveAgentID, sess.CreatedAt)
	if err != nil {
		return &store.StorageError{Op: "save session", Err: err}
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.SessionRow, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, name, active_agent_id, created_at FROM session_meta WHERE id = $1`, id))
}

func (s *Store) GetSessionByName(ctx context.Context, name string) (*store.SessionRow, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, name, active_agent_id, created_at FROM session_meta WHERE name = $1`, name))
}

func (s *Store) ListSessions(ctx context.Context) ([]*store.SessionRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, active_agent_id, created_at FROM session_meta ORDER BY created_at`)
	if err != nil {
		return nil, &store.StorageError{Op: "list sessions", Err: err}
	}
	defer rows.Close()

	var sessions []*store.SessionRow
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Store) SaveAgent(ctx context.Context, a *store.AgentRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_agents (id, session_id, name, type, provider, model, state, current_task_id, created_at, last_active_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, current_task_id = EXCLUDED.current_task_id, last_active_at = EXCLUDED.last_active_at`,
		a.ID, a.SessionID, a.Name, a.Type, a.Provider, a.Model, a.State, a.CurrentTaskID, a.CreatedAt, a.LastActiveAt)
	if err != nil {
		return &store.StorageError{Op: "save agent", Err: err}
	}
	return nil
}

func (s *Store) ListAgents(ctx context.Context, sessionID string) ([]*store.AgentRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, name, type, provider, model, state, current_task_id, created_at, last_active_at
		 FROM session_agents WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, &store.StorageError{Op: "list agents", Err: err}
	}
	defer rows.Close()

	var agents []*store.AgentRow
	for rows.Next() {
		var a store.AgentRow
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Name, &a.Type, &a.Provider, &a.Model,
			&a.State, &a.CurrentTaskID, &a.CreatedAt, &a.LastActiveAt); err != nil {
			return nil, &store.StorageError{Op: "list agents", Err: err}
		}
		agents = append(agents, &a)
	}
	return agents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*store.Task, error) {
	var (
		t        store.Task
		assigned sql.NullString
		status   string
		priority string
	)
	err := r.Scan(&t.ID, &t.Title, &t.Description, &t.Prompt, &status, &priority,
		&assigned, &t.CreatedBy, &t.SessionID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, &store.StorageError{Op: "scan task", Err: err}
	}
	t.Status = store.TaskStatus(status)
	t.Priority = store.TaskPriority(priority)
	t.AssignedTo = assigned.String
	return &t, nil
}

func scanSession(r rowScanner) (*store.SessionRow, error) {
	var sess store.SessionRow
	err := r.Scan(&sess.ID, &sess.Name, &sess.ActiveAgentID, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, &store.StorageError{Op: "scan session", Err: err}
	}
	return &sess, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
