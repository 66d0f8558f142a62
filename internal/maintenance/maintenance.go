// Package maintenance runs the background housekeeping jobs: pruning
// superseded shadow threads and archiving long-completed agents. Jobs
// fire on cron schedules, checked once per minute.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/lacehq/lace/internal/session"
	"github.com/lacehq/lace/internal/store"
	"github.com/lacehq/lace/internal/threads"
)

// Options carries the schedules. Empty schedule disables that job.
type Options struct {
	ShadowCleanupSchedule string
	KeepShadows           int
	ArchiveSchedule       string
	ArchiveAfter          time.Duration
}

// Runner owns the housekeeping loop.
type Runner struct {
	opts     Options
	store    store.Store
	threads  *threads.Manager
	sessions *session.Manager
	gron     *gronx.Gronx
	log      *slog.Logger
}

func NewRunner(opts Options, st store.Store, tm *threads.Manager, sm *session.Manager, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if opts.KeepShadows < 0 {
		opts.KeepShadows = 0
	}
	return &Runner{
		opts:     opts,
		store:    st,
		threads:  tm,
		sessions: sm,
		gron:     gronx.New(),
		log:      log.With("component", "maintenance"),
	}
}

// Run ticks once a minute until ctx is cancelled. Job failures are
// logged and do not stop the loop.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	r.log.Info("maintenance loop started",
		"shadow_cleanup", r.opts.ShadowCleanupSchedule,
		"archive", r.opts.ArchiveSchedule)

	for {
		select {
		case <-ctx.Done():
			r.log.Info("maintenance loop stopped")
			return
		case now := <-ticker.C:
			if r.due(r.opts.ShadowCleanupSchedule, now) {
				r.cleanupShadows(ctx)
			}
			if r.due(r.opts.ArchiveSchedule, now) {
				r.archiveAgents(ctx)
			}
		}
	}
}

func (r *Runner) due(schedule string, at time.Time) bool {
	if schedule == "" {
		return false
	}
	ok, err := r.gron.IsDue(schedule, at)
	if err != nil {
		r.log.Warn("bad cron schedule", "schedule", schedule, "error", err)
		return false
	}
	return ok
}

// cleanupShadows prunes superseded compaction shadows for every
// versioned thread, keeping the current version plus KeepShadows.
func (r *Runner) cleanupShadows(ctx context.Context) {
	canonicals, err := r.store.ListVersionedThreads(ctx)
	if err != nil {
		r.log.Error("shadow cleanup: list threads", "error", err)
		return
	}
	total := 0
	for _, canonical := range canonicals {
		n, err := r.threads.CleanupShadows(ctx, canonical, r.opts.KeepShadows)
		if err != nil {
			r.log.Error("shadow cleanup failed", "canonical_id", canonical, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		r.log.Info("shadow cleanup done", "threads", len(canonicals), "removed", total)
	}
}

// archiveAgents hides completed agents idle past the cutoff, in every
// session.
func (r *Runner) archiveAgents(ctx context.Context) {
	rows, err := r.store.ListSessions(ctx)
	if err != nil {
		r.log.Error("archive agents: list sessions", "error", err)
		return
	}
	total := 0
	for _, row := range rows {
		n, err := r.sessions.ArchiveCompletedAgents(ctx, row.ID, r.opts.ArchiveAfter)
		if err != nil {
			r.log.Error("archive agents failed", "session_id", row.ID, "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		r.log.Info("agent archive done", "sessions", len(rows), "archived", total)
	}
}
