// Package budget tracks context-window consumption and decides when a
// conversation must warn or stop dispatching before the provider rejects
// the request.
package budget

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lacehq/lace/internal/events"
)

// Counter is the optional proactive interface a provider may expose.
// When absent the manager falls back to the heuristic estimator.
type Counter interface {
	CountTokens(ctx context.Context, texts []string) (int, error)
}

// charsPerToken is the heuristic divisor. Four characters per token is a
// reasonable average for English prose across current tokenizers.
const charsPerToken = 4

// Config sets the window policy. Allowed input is MaxTokens minus
// ReserveOutput; WarnRatio applies to the allowed figure.
type Config struct {
	MaxTokens     int
	ReserveOutput int
	WarnRatio     float64
}

func DefaultConfig() Config {
	return Config{MaxTokens: 200_000, ReserveOutput: 8_192, WarnRatio: 0.8}
}

// Usage accumulates what the provider reported back.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Turns        int
}

// Manager applies the window policy. Safe for concurrent use; each agent
// gets its own instance.
type Manager struct {
	cfg     Config
	counter Counter
	log     *slog.Logger

	mu    sync.Mutex
	usage Usage
}

func NewManager(cfg Config, counter Counter, log *slog.Logger) *Manager {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.WarnRatio <= 0 || cfg.WarnRatio > 1 {
		cfg.WarnRatio = DefaultConfig().WarnRatio
	}
	if cfg.ReserveOutput < 0 {
		cfg.ReserveOutput = 0
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, counter: counter, log: log.With("component", "budget")}
}

// Allowed is the input budget after reserving room for the response.
func (m *Manager) Allowed() int {
	allowed := m.cfg.MaxTokens - m.cfg.ReserveOutput
	if allowed < 0 {
		return 0
	}
	return allowed
}

// Estimate counts tokens for the given texts, preferring the provider's
// counter and falling back to chars/4 when it is absent or fails.
func (m *Manager) Estimate(ctx context.Context, texts []string) int {
	if m.counter != nil {
		n, err := m.counter.CountTokens(ctx, texts)
		if err == nil {
			return n
		}
		m.log.Debug("token counter failed, using heuristic", "error", err)
	}
	total := 0
	for _, t := range texts {
		total += len(t)/charsPerToken + 1
	}
	return total
}

// EstimateEvents estimates the token weight of a thread's event log.
// Only content that reaches the provider counts; bookkeeping events
// (thinking markers, stream tokens) are free.
func (m *Manager) EstimateEvents(ctx context.Context, evs []events.Event) int {
	texts := make([]string, 0, len(evs))
	for _, ev := range evs {
		switch d := ev.Data.(type) {
		case events.UserMessage:
			texts = append(texts, d.Content)
		case events.AgentMessage:
			texts = append(texts, d.Content)
		case events.ToolCall:
			texts = append(texts, d.ToolName, string(d.Input))
		case events.ToolResult:
			texts = append(texts, d.Result)
		case events.LocalSystemMessage:
			texts = append(texts, d.Message)
		case events.CompactionSummary:
			texts = append(texts, "compaction summary")
		}
	}
	return m.Estimate(ctx, texts)
}

// ShouldWarn reports whether tokens crosses the warning threshold.
func (m *Manager) ShouldWarn(tokens int) bool {
	return float64(tokens) >= m.cfg.WarnRatio*float64(m.Allowed())
}

// ShouldBlock reports whether dispatching tokens worth of input would
// overflow the allowed window.
func (m *Manager) ShouldBlock(tokens int) bool {
	return tokens >= m.Allowed()
}

// RecordUsage folds a provider-reported usage into the running totals.
func (m *Manager) RecordUsage(inputTokens, outputTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.InputTokens += inputTokens
	m.usage.OutputTokens += outputTokens
	m.usage.Turns++
}

// Usage returns the accumulated totals since the last reset.
func (m *Manager) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// Reset clears the accumulated usage, e.g. after compaction.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = Usage{}
}
