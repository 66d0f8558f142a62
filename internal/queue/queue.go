// Package queue buffers inbound messages for an agent. Enqueue is
// always permitted; consumption happens only when the owning agent is
// idle. High-priority messages order ahead of normal ones without
// preempting the current turn.
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lacehq/lace/internal/activity"
)

// Priority orders messages within the queue.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Type classifies where a message came from, so drains and feed
// subscribers can tell task notifications apart from user input.
type Type string

const (
	TypeUser             Type = "user"
	TypeSystem           Type = "system"
	TypeTaskNotification Type = "task_notification"
)

// Message is one queued item. From names the originating agent for
// delegated and task-notification messages.
type Message struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Content    string         `json:"content"`
	Priority   Priority       `json:"priority"`
	From       string         `json:"from,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
}

// Stats is a point-in-time snapshot.
type Stats struct {
	Length            int   `json:"length"`
	OldestAgeMs       int64 `json:"oldestAgeMs"`
	HighPriorityCount int   `json:"highPriorityCount"`
}

// DefaultCap bounds queue length when no cap is configured.
const DefaultCap = 100

// Queue is a bounded two-level priority FIFO. Within a priority level,
// arrival order is preserved.
type Queue struct {
	threadID string
	cap      int
	activity *activity.Log

	mu     sync.Mutex
	high   []Message
	normal []Message
}

func New(threadID string, capacity int, act *activity.Log) *Queue {
	if capacity < 1 {
		capacity = DefaultCap
	}
	return &Queue{threadID: threadID, cap: capacity, activity: act}
}

// Enqueue adds a message, assigning an id and timestamp if absent.
// Beyond capacity, the oldest normal-priority message is dropped to make
// room; if every queued message is high priority, the incoming message
// is rejected instead. Either overflow outcome emits one queue_overflow.
// Returns whether the message was accepted.
func (q *Queue) Enqueue(msg Message) bool {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Type == "" {
		msg.Type = TypeUser
	}
	if msg.Priority == "" {
		msg.Priority = PriorityNormal
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	if len(q.high)+len(q.normal) >= q.cap {
		if len(q.normal) > 0 {
			dropped := q.normal[0]
			q.normal = q.normal[1:]
			q.mu.Unlock()
			q.activity.Emit(activity.KindQueueOverflow, q.threadID, map[string]any{
				"dropped_id": dropped.ID, "reason": "dropped_oldest_normal",
			})
			q.mu.Lock()
		} else {
			q.mu.Unlock()
			q.activity.Emit(activity.KindQueueOverflow, q.threadID, map[string]any{
				"rejected_id": msg.ID, "reason": "rejected_incoming",
			})
			return false
		}
	}
	if msg.Priority == PriorityHigh {
		q.high = append(q.high, msg)
	} else {
		q.normal = append(q.normal, msg)
	}
	length := len(q.high) + len(q.normal)
	q.mu.Unlock()

	q.activity.Emit(activity.KindMessageQueued, q.threadID, map[string]any{
		"id": msg.ID, "type": string(msg.Type), "priority": string(msg.Priority), "length": length,
	})
	return true
}

// Drain removes and returns everything, high priority first.
func (q *Queue) Drain() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, 0, len(q.high)+len(q.normal))
	out = append(out, q.high...)
	out = append(out, q.normal...)
	q.high = nil
	q.normal = nil
	return out
}

// Len reports the queued message count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Stats snapshots the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{Length: len(q.high) + len(q.normal), HighPriorityCount: len(q.high)}
	var oldest time.Time
	for _, m := range q.high {
		if oldest.IsZero() || m.EnqueuedAt.Before(oldest) {
			oldest = m.EnqueuedAt
		}
	}
	for _, m := range q.normal {
		if oldest.IsZero() || m.EnqueuedAt.Before(oldest) {
			oldest = m.EnqueuedAt
		}
	}
	if !oldest.IsZero() {
		s.OldestAgeMs = time.Since(oldest).Milliseconds()
	}
	return s
}

// Clear removes messages matching the filter (all of them when filter is
// nil) and emits queue_cleared with the removed count.
func (q *Queue) Clear(filter func(Message) bool) int {
	q.mu.Lock()
	removed := 0
	keep := func(in []Message) []Message {
		out := in[:0]
		for _, m := range in {
			if filter != nil && !filter(m) {
				out = append(out, m)
			} else {
				removed++
			}
		}
		return out
	}
	q.high = keep(q.high)
	q.normal = keep(q.normal)
	q.mu.Unlock()

	if removed > 0 {
		q.activity.Emit(activity.KindQueueCleared, q.threadID, map[string]any{"removed": removed})
	}
	return removed
}
