// Package threads manages conversation threads on top of the store:
// id generation, a read cache, and the canonical-id versioning scheme
// that compaction uses to swap in rewritten histories.
package threads

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/lacehq/lace/internal/events"
	"github.com/lacehq/lace/internal/store"
)

var threadIDPattern = regexp.MustCompile(`^\d{8}-[0-9a-f]{10}(\.\d+)*$`)

// GenerateThreadID returns a new top-level thread id, date-prefixed so
// on-disk listings sort chronologically: "20260824-a3f09c21d4".
func GenerateThreadID() string {
	var buf [5]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failing means the platform is broken; fall back to time.
		return fmt.Sprintf("%s-%010x", time.Now().UTC().Format("20060102"), time.Now().UnixNano()&0xffffffffff)
	}
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102"), hex.EncodeToString(buf[:]))
}

// ChildID derives the id of the n-th child thread under parent.
// Children nest: "20260824-a3f09c21d4.1.2" is the second child of the
// first child.
func ChildID(parent string, n int) string {
	return fmt.Sprintf("%s.%d", parent, n)
}

// ValidID reports whether id matches the thread id grammar, including
// dotted child suffixes.
func ValidID(id string) bool {
	return threadIDPattern.MatchString(id)
}

// Manager fronts the store with a per-process cache and resolves canonical
// ids to their current physical version. Reads go through the version
// mapping; appends target physical ids directly, so callers that hold a
// stale physical id keep writing to the thread they loaded.
type Manager struct {
	store store.Store
	log   *slog.Logger

	mu    sync.RWMutex
	cache map[string]*store.Thread // keyed by physical id
}

func NewManager(s store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store: s,
		log:   log.With("component", "threads"),
		cache: make(map[string]*store.Thread),
	}
}

// Create makes and persists a new empty thread, returning its id.
func (m *Manager) Create(ctx context.Context) (string, error) {
	id := GenerateThreadID()
	if err := m.store.SaveThread(ctx, id); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.cache[id] = &store.Thread{ID: id, CreatedAt: time.Now().UTC()}
	m.mu.Unlock()
	return id, nil
}

// CreateChild makes a child thread under parent, numbering it after the
// existing children.
func (m *Manager) CreateChild(ctx context.Context, parent string) (string, error) {
	if _, err := m.GetThread(ctx, parent); err != nil {
		return "", fmt.Errorf("create child: %w", err)
	}
	for n := 1; ; n++ {
		id := ChildID(parent, n)
		err := m.store.SaveThread(ctx, id)
		if err == nil {
			m.mu.Lock()
			m.cache[id] = &store.Thread{ID: id, CreatedAt: time.Now().UTC()}
			m.mu.Unlock()
			return id, nil
		}
		var serr *store.StorageError
		if errors.As(err, &serr) {
			// Likely a unique violation from a sibling created earlier;
			// try the next slot a few times before giving up.
			if n < 64 {
				continue
			}
		}
		return "", err
	}
}

// Resolve maps a possibly-canonical id to the physical thread id that
// currently backs it. Ids without a version mapping resolve to themselves.
func (m *Manager) Resolve(ctx context.Context, id string) (string, error) {
	current, err := m.store.CurrentVersion(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return id, nil
	}
	if err != nil {
		return "", err
	}
	return current, nil
}

// CanonicalID maps a physical thread id back to its stable canonical id.
// Unversioned threads are their own canonical id.
func (m *Manager) CanonicalID(ctx context.Context, physicalID string) (string, error) {
	canonical, err := m.store.CanonicalIDForVersion(ctx, physicalID)
	if errors.Is(err, store.ErrNotFound) {
		return physicalID, nil
	}
	if err != nil {
		return "", err
	}
	return canonical, nil
}

// GetThread loads the thread behind id, following the version mapping.
// The returned thread's ID is the physical id actually read.
func (m *Manager) GetThread(ctx context.Context, id string) (*store.Thread, error) {
	physical, err := m.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	cached, ok := m.cache[physical]
	m.mu.RUnlock()
	if ok {
		cp := &store.Thread{ID: cached.ID, CreatedAt: cached.CreatedAt, Events: append([]events.Event(nil), cached.Events...)}
		return cp, nil
	}

	t, err := m.store.LoadThread(ctx, physical)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cache[physical] = &store.Thread{ID: t.ID, CreatedAt: t.CreatedAt, Events: append([]events.Event(nil), t.Events...)}
	m.mu.Unlock()
	return t, nil
}

// AddEvent appends to the physical thread id given. It deliberately does
// NOT follow the version mapping: in-flight work writes to the history it
// loaded even if a compaction swapped the canonical pointer underneath it.
func (m *Manager) AddEvent(ctx context.Context, physicalID string, data events.Data) (events.Event, error) {
	ev, err := m.store.AppendEvent(ctx, physicalID, data)
	if err != nil {
		return events.Event{}, err
	}
	m.mu.Lock()
	if t, ok := m.cache[physicalID]; ok {
		t.Events = append(t.Events, ev)
	}
	m.mu.Unlock()
	return ev, nil
}

// Events returns the event log for id, version-resolved.
func (m *Manager) Events(ctx context.Context, id string) ([]events.Event, error) {
	t, err := m.GetThread(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Events, nil
}

// CreateCompactedVersion writes rewritten into a fresh shadow thread and
// atomically repoints canonicalID at it. The previous physical thread is
// left intact for in-flight writers and later cleanup.
func (m *Manager) CreateCompactedVersion(ctx context.Context, canonicalID string, rewritten []events.Data, reason string) (string, error) {
	shadowID := GenerateThreadID()
	if err := m.store.SaveThread(ctx, shadowID); err != nil {
		return "", fmt.Errorf("create shadow: %w", err)
	}
	for _, d := range rewritten {
		if _, err := m.store.AppendEvent(ctx, shadowID, d); err != nil {
			return "", fmt.Errorf("populate shadow %s: %w", shadowID, err)
		}
	}
	if err := m.store.CreateVersion(ctx, canonicalID, shadowID, reason); err != nil {
		return "", fmt.Errorf("swap version: %w", err)
	}

	m.mu.Lock()
	delete(m.cache, shadowID) // force a reload with real row ids
	m.mu.Unlock()

	m.log.Info("compacted thread", "canonical_id", canonicalID, "shadow_id", shadowID, "reason", reason, "events", len(rewritten))
	return shadowID, nil
}

// VersionHistory exposes the swap log for a canonical id.
func (m *Manager) VersionHistory(ctx context.Context, canonicalID string) ([]store.Version, error) {
	return m.store.VersionHistory(ctx, canonicalID)
}

// CleanupShadows removes superseded shadow threads beyond keepLast and
// evicts them from the cache.
func (m *Manager) CleanupShadows(ctx context.Context, canonicalID string, keepLast int) (int, error) {
	before, err := m.store.VersionHistory(ctx, canonicalID)
	if err != nil {
		return 0, err
	}
	n, err := m.store.CleanupOldShadows(ctx, canonicalID, keepLast)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		after, err := m.store.VersionHistory(ctx, canonicalID)
		if err == nil {
			surviving := make(map[string]bool, len(after))
			for _, v := range after {
				surviving[v.VersionID] = true
			}
			m.mu.Lock()
			for _, v := range before {
				if !surviving[v.VersionID] {
					delete(m.cache, v.VersionID)
				}
			}
			m.mu.Unlock()
		}
	}
	return n, nil
}

// Invalidate drops a thread from the cache. Used after out-of-band writes.
func (m *Manager) Invalidate(id string) {
	m.mu.Lock()
	delete(m.cache, id)
	m.mu.Unlock()
}
