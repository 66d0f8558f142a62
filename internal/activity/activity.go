// Package activity is the in-process observability stream. Runtime
// components publish typed entries; subscribers (CLI display, websocket
// gateway, tests) consume them over buffered channels. Publishing never
// blocks: a subscriber that falls behind loses entries, and the drop is
// counted and logged.
package activity

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind labels an entry. The set mirrors what agents, queues, and the
// tool executor emit.
type Kind string

const (
	KindStateChange          Kind = "state_change"
	KindMessageQueued        Kind = "message_queued"
	KindQueueProcessingStart Kind = "queue_processing_start"
	KindQueueProcessingDone  Kind = "queue_processing_complete"
	KindQueueCleared         Kind = "queue_cleared"
	KindQueueOverflow        Kind = "queue_overflow"
	KindToken                Kind = "token"
	KindMessage              Kind = "message"
	KindToolCall             Kind = "tool_call"
	KindToolResult           Kind = "tool_result"
	KindTokenBudgetWarning   Kind = "token_budget_warning"
	KindTokenExhaustion      Kind = "token_exhaustion"
	KindCompaction           Kind = "compaction"
	KindCircuitOpen          Kind = "circuit_open"
	KindCircuitClose         Kind = "circuit_close"
	KindRetry                Kind = "retry"
)

// Entry is one observable occurrence.
type Entry struct {
	Kind      Kind           `json:"kind"`
	ThreadID  string         `json:"threadId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

type subscriber struct {
	ch      chan Entry
	dropped atomic.Uint64
}

// Log fans entries out to subscribers. The zero value is unusable; a
// nil *Log is safe and publishes to nobody, so components accept one
// without guarding.
type Log struct {
	log *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscriber

	dropped atomic.Uint64
}

func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log.With("component", "activity"), subs: make(map[int]*subscriber)}
}

// Subscribe registers a channel with the given buffer size. The cancel
// function unsubscribes and closes the channel.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if l == nil {
		ch := make(chan Entry)
		close(ch)
		return ch, func() {}
	}
	if buffer < 1 {
		buffer = 64
	}
	sub := &subscriber{ch: make(chan Entry, buffer)}

	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.subs[id] = sub
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub.ch)
		}
		l.mu.Unlock()
	}
	return sub.ch, cancel
}

// Emit publishes an entry to every subscriber without blocking.
func (l *Log) Emit(kind Kind, threadID string, payload map[string]any) {
	if l == nil {
		return
	}
	entry := Entry{Kind: kind, ThreadID: threadID, Timestamp: time.Now().UTC(), Payload: payload}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, sub := range l.subs {
		select {
		case sub.ch <- entry:
		default:
			n := sub.dropped.Add(1)
			l.dropped.Add(1)
			// Log sparsely so a stuck subscriber does not flood the log.
			if n == 1 || n%1000 == 0 {
				l.log.Warn("slow activity subscriber, dropping entries", "kind", string(kind), "dropped", n)
			}
		}
	}
}

// Dropped returns the total entries lost to slow subscribers.
func (l *Log) Dropped() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}
