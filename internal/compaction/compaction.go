// Package compaction rewrites long conversation histories into shorter
// equivalents. A strategy produces the rewritten event list; the compactor
// materializes it as a shadow thread and swaps the canonical pointer.
package compaction

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lacehq/lace/internal/events"
	"github.com/lacehq/lace/internal/threads"
)

// Options tune how much history a strategy keeps verbatim.
type Options struct {
	// PreserveRecent is the number of trailing events kept verbatim.
	PreserveRecent int
	// PreserveUserMessages keeps every USER_MESSAGE regardless of age.
	PreserveUserMessages bool
}

// DefaultOptions matches what interactive sessions want: the last few
// exchanges intact plus the full user side of the conversation.
func DefaultOptions() Options {
	return Options{PreserveRecent: 4, PreserveUserMessages: true}
}

// Strategy rewrites an event log. Compact returns the replacement event
// payloads and whether anything actually changed; a false second return
// means the caller should skip the version swap. Both methods are pure.
type Strategy interface {
	Name() string
	// ShouldCompact decides whether a log at estimatedTokens needs
	// rewriting given the allowed input budget.
	ShouldCompact(evs []events.Event, estimatedTokens, allowedTokens int) bool
	Compact(evs []events.Event, opts Options) ([]events.Data, bool, error)
}

// Registry holds the available strategies by name.
type Registry struct {
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(Summarize{})
	r.Register(Truncate{})
	return r
}

func (r *Registry) Register(s Strategy) {
	r.strategies[s.Name()] = s
}

func (r *Registry) Get(name string) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown compaction strategy %q", name)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Summarize replaces old events with a single COMPACTION_SUMMARY carrying
// a deterministic digest. Running it twice yields the same result: an
// existing summary is folded into the new digest rather than re-counted
// as conversation, and a log that is already just summary-plus-preserved
// compacts to itself.
type Summarize struct{}

func (Summarize) Name() string { return "summarize" }

func (Summarize) ShouldCompact(evs []events.Event, estimatedTokens, allowedTokens int) bool {
	return len(evs) > 0 && estimatedTokens >= allowedTokens
}

func (Summarize) Compact(evs []events.Event, opts Options) ([]events.Data, bool, error) {
	if opts.PreserveRecent < 0 {
		opts.PreserveRecent = 0
	}

	preserved := make([]bool, len(evs))
	cutoff := len(evs) - opts.PreserveRecent
	for i, ev := range evs {
		switch {
		case i >= cutoff:
			preserved[i] = true
		case opts.PreserveUserMessages && ev.Type == events.TypeUserMessage:
			preserved[i] = true
		}
	}
	preserveToolPairs(evs, preserved)

	digest := events.Digest{
		TypeCounts: make(map[events.Type]int),
		ToolCalls:  make(map[string]int),
	}
	replaced := 0
	fresh := 0
	firstSeq, lastSeq := 0, 0
	for i, ev := range evs {
		if preserved[i] {
			continue
		}
		if cs, ok := ev.Data.(events.CompactionSummary); ok {
			// Fold the prior summary instead of counting it as an event.
			mergeDigest(&digest, cs.Summary)
			if firstSeq == 0 || cs.ReplacedRange[0] < firstSeq {
				firstSeq = cs.ReplacedRange[0]
			}
			replaced++
			continue
		}
		fresh++
		digest.Events++
		digest.TypeCounts[ev.Type]++
		if tc, ok := ev.Data.(events.ToolCall); ok {
			digest.ToolCalls[tc.ToolName]++
		}
		if digest.First.IsZero() || ev.Timestamp.Before(digest.First) {
			digest.First = ev.Timestamp
		}
		if ev.Timestamp.After(digest.Last) {
			digest.Last = ev.Timestamp
		}
		if firstSeq == 0 {
			firstSeq = ev.Seq
		}
		lastSeq = ev.Seq
		replaced++
	}

	// A folded summary inflates digest.Events, so the no-op gate counts
	// only events a previous pass has not already summarized.
	if fresh == 0 {
		return nil, false, nil
	}
	if lastSeq == 0 {
		lastSeq = firstSeq
	}

	out := make([]events.Data, 0, len(evs)-replaced+1)
	out = append(out, events.CompactionSummary{
		Summary:       digest,
		ReplacedRange: [2]int{firstSeq, lastSeq},
	})
	for i, ev := range evs {
		if preserved[i] {
			out = append(out, ev.Data)
		}
	}
	return out, true, nil
}

// preserveToolPairs extends the preserved set so a TOOL_CALL and its
// TOOL_RESULT survive or fall together. A preserved result without its
// call (or vice versa) would corrupt the rebuilt provider conversation.
func preserveToolPairs(evs []events.Event, preserved []bool) {
	keep := make(map[string]bool)
	for i, ev := range evs {
		if !preserved[i] {
			continue
		}
		switch d := ev.Data.(type) {
		case events.ToolCall:
			keep[d.CallID] = true
		case events.ToolResult:
			keep[d.CallID] = true
		}
	}
	for i, ev := range evs {
		if preserved[i] {
			continue
		}
		switch d := ev.Data.(type) {
		case events.ToolCall:
			if keep[d.CallID] {
				preserved[i] = true
			}
		case events.ToolResult:
			if keep[d.CallID] {
				preserved[i] = true
			}
		}
	}
}

func mergeDigest(dst *events.Digest, src events.Digest) {
	dst.Events += src.Events
	for t, n := range src.TypeCounts {
		dst.TypeCounts[t] += n
	}
	for tool, n := range src.ToolCalls {
		dst.ToolCalls[tool] += n
	}
	if dst.First.IsZero() || (!src.First.IsZero() && src.First.Before(dst.First)) {
		dst.First = src.First
	}
	if src.Last.After(dst.Last) {
		dst.Last = src.Last
	}
}

// Truncate drops everything except the preserved tail (and user messages
// when configured), leaving a marker so readers know history was cut.
// Cheaper than summarize and good enough for throwaway agents.
type Truncate struct{}

func (Truncate) Name() string { return "truncate" }

func (Truncate) ShouldCompact(evs []events.Event, estimatedTokens, allowedTokens int) bool {
	return len(evs) > 0 && estimatedTokens >= allowedTokens
}

func (Truncate) Compact(evs []events.Event, opts Options) ([]events.Data, bool, error) {
	if opts.PreserveRecent < 0 {
		opts.PreserveRecent = 0
	}
	cutoff := len(evs) - opts.PreserveRecent

	preserved := make([]bool, len(evs))
	for i, ev := range evs {
		preserved[i] = i >= cutoff ||
			(opts.PreserveUserMessages && ev.Type == events.TypeUserMessage) ||
			ev.Type == events.TypeCompactionSummary
	}
	preserveToolPairs(evs, preserved)

	var out []events.Data
	dropped := 0
	for i, ev := range evs {
		if preserved[i] {
			out = append(out, ev.Data)
		} else {
			dropped++
		}
	}
	if dropped == 0 {
		return nil, false, nil
	}
	marker := events.LocalSystemMessage{
		Message: fmt.Sprintf("history truncated: %d earlier events removed", dropped),
	}
	return append([]events.Data{marker}, out...), true, nil
}

// Compactor runs a strategy against a canonical thread and installs the
// result as the new current version.
type Compactor struct {
	threads  *threads.Manager
	registry *Registry
	log      *slog.Logger
}

func NewCompactor(tm *threads.Manager, reg *Registry, log *slog.Logger) *Compactor {
	if log == nil {
		log = slog.Default()
	}
	return &Compactor{threads: tm, registry: reg, log: log.With("component", "compaction")}
}

// BudgetGate is the slice of the budget manager the compactor needs to
// decide whether a thread is over its window.
type BudgetGate interface {
	EstimateEvents(ctx context.Context, evs []events.Event) int
	Allowed() int
}

// ShouldCompact asks the named strategy whether canonicalID's log needs
// rewriting under the given budget.
func (c *Compactor) ShouldCompact(ctx context.Context, canonicalID, strategyName string, gate BudgetGate) (bool, error) {
	strategy, err := c.registry.Get(strategyName)
	if err != nil {
		return false, err
	}
	t, err := c.threads.GetThread(ctx, canonicalID)
	if err != nil {
		return false, err
	}
	estimated := gate.EstimateEvents(ctx, t.Events)
	return strategy.ShouldCompact(t.Events, estimated, gate.Allowed()), nil
}

// Compact rewrites canonicalID using the named strategy. Returns the new
// physical thread id, or "" when the strategy judged the log already
// compact.
func (c *Compactor) Compact(ctx context.Context, canonicalID, strategyName string, opts Options) (string, error) {
	strategy, err := c.registry.Get(strategyName)
	if err != nil {
		return "", err
	}

	t, err := c.threads.GetThread(ctx, canonicalID)
	if err != nil {
		return "", fmt.Errorf("compact %s: %w", canonicalID, err)
	}

	start := time.Now()
	rewritten, changed, err := strategy.Compact(t.Events, opts)
	if err != nil {
		return "", fmt.Errorf("compact %s: strategy %s: %w", canonicalID, strategyName, err)
	}
	if !changed {
		c.log.Debug("compaction skipped, already compact", "canonical_id", canonicalID, "strategy", strategyName)
		return "", nil
	}

	shadowID, err := c.threads.CreateCompactedVersion(ctx, canonicalID, rewritten, strategyName)
	if err != nil {
		return "", err
	}
	c.log.Info("compaction complete",
		"canonical_id", canonicalID,
		"strategy", strategyName,
		"before", len(t.Events),
		"after", len(rewritten),
		"duration", time.Since(start))
	return shadowID, nil
}
