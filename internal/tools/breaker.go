package tools

import (
	"sync"
	"time"
)

// BreakerState is the circuit position for one tool.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the per-tool circuit. Disabled leaves every call
// unguarded.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	OpenTimeout      time.Duration
	HalfOpenMaxCalls int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Enabled: true, FailureThreshold: 5, OpenTimeout: 30 * time.Second, HalfOpenMaxCalls: 1}
}

// breaker is a single tool's circuit. closed counts consecutive
// failures; open rejects until the timeout passes; half-open admits a
// limited number of probes and closes on the first success.
type breaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failures     int
	openedAt     time.Time
	halfOpenUsed int
}

func newBreaker(cfg BreakerConfig) *breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultBreakerConfig().OpenTimeout
	}
	if cfg.HalfOpenMaxCalls < 1 {
		cfg.HalfOpenMaxCalls = 1
	}
	return &breaker{cfg: cfg, state: BreakerClosed}
}

// Allow reports whether a call may proceed, and the suggested wait when
// it may not.
func (b *breaker) Allow(now time.Time) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true, 0
	case BreakerOpen:
		remaining := b.cfg.OpenTimeout - now.Sub(b.openedAt)
		if remaining > 0 {
			return false, remaining
		}
		b.state = BreakerHalfOpen
		b.halfOpenUsed = 0
		fallthrough
	case BreakerHalfOpen:
		if b.halfOpenUsed >= b.cfg.HalfOpenMaxCalls {
			return false, b.cfg.OpenTimeout
		}
		b.halfOpenUsed++
		return true, 0
	}
	return true, 0
}

// Record feeds a call outcome back into the circuit. It returns the
// state transition, if any, as (from, to, changed).
func (b *breaker) Record(success bool, now time.Time) (BreakerState, BreakerState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	from := b.state
	if success {
		b.failures = 0
		if b.state != BreakerClosed {
			b.state = BreakerClosed
			return from, b.state, true
		}
		return from, from, false
	}

	switch b.state {
	case BreakerHalfOpen:
		// A failed probe re-opens immediately.
		b.state = BreakerOpen
		b.openedAt = now
		return from, b.state, true
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = now
			return from, b.state, true
		}
	}
	return from, b.state, false
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
