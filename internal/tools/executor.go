package tools

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lacehq/lace/internal/activity"
	"github.com/lacehq/lace/internal/providers"
)

// RetryPolicy is the per-call backoff for retriable failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Second}
}

// delay computes the backoff before the given retry attempt (1-based),
// with up to 25% jitter.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	jitter := rand.Float64() * d * 0.25
	return time.Duration(d + jitter)
}

// ExecutorConfig assembles the executor's knobs.
type ExecutorConfig struct {
	MaxConcurrentTools int
	Retry              RetryPolicy
	Breaker            BreakerConfig
}

func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxConcurrentTools: 4,
		Retry:              DefaultRetryPolicy(),
		Breaker:            DefaultBreakerConfig(),
	}
}

// Executor runs tool calls against the registry with validation,
// approval gating, per-call retry, per-tool circuit breaking, and
// bounded-parallel batch dispatch.
type Executor struct {
	registry *Registry
	approval ApprovalPolicy
	cfg      ExecutorConfig
	sem      *semaphore.Weighted
	activity *activity.Log
	log      *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewExecutor(reg *Registry, approval ApprovalPolicy, cfg ExecutorConfig, act *activity.Log, log *slog.Logger) *Executor {
	if cfg.MaxConcurrentTools < 1 {
		cfg.MaxConcurrentTools = DefaultExecutorConfig().MaxConcurrentTools
	}
	if approval == nil {
		approval = AutoApprove{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		registry: reg,
		approval: approval,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentTools)),
		activity: act,
		log:      log.With("component", "tools"),
		breakers: make(map[string]*breaker),
	}
}

func (e *Executor) breakerFor(tool string) *breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[tool]
	if !ok {
		b = newBreaker(e.cfg.Breaker)
		e.breakers[tool] = b
	}
	return b
}

// BreakerState exposes a tool's circuit position for diagnostics.
func (e *Executor) BreakerState(tool string) BreakerState {
	return e.breakerFor(tool).State()
}

// Execute runs one tool call end to end. A failure is reported in the
// Result, never as a Go error; the turn must survive any tool outcome.
func (e *Executor) Execute(ctx context.Context, call providers.ToolCall) *Result {
	inv := InvocationFrom(ctx)
	threadID := inv.ThreadID

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return Errorf(CategoryValidation, "unknown tool %q", call.Name)
	}

	args, err := e.registry.ValidateInput(call.Name, call.Input)
	if err != nil {
		return Errorf(CategoryValidation, "invalid input for %s: %v", call.Name, err)
	}

	if requiresApproval(tool) {
		approved, err := e.approval.Approve(ctx, call)
		if err != nil {
			return Errorf(CategoryPermission, "approval failed for %s: %v", call.Name, err)
		}
		if !approved {
			return Errorf(CategoryPermission, "tool %s was denied by the approval gate", call.Name)
		}
	}

	if !e.cfg.Breaker.Enabled {
		return e.runWithRetry(ctx, tool, call, args, threadID)
	}

	b := e.breakerFor(call.Name)
	if allowed, wait := b.Allow(time.Now()); !allowed {
		return Errorf(CategoryCircuitBroken,
			"tool %s is temporarily disabled after repeated failures; retry after %s", call.Name, wait.Round(time.Second)).
			WithRetryAfter(wait)
	}

	result := e.runWithRetry(ctx, tool, call, args, threadID)

	from, to, changed := b.Record(!result.IsError || !result.Category.Retriable(), time.Now())
	if changed {
		kind := activity.KindCircuitClose
		if to == BreakerOpen {
			kind = activity.KindCircuitOpen
		}
		e.log.Warn("tool circuit transition", "tool", call.Name, "from", string(from), "to", string(to))
		e.activity.Emit(kind, threadID, map[string]any{"tool": call.Name, "from": string(from), "to": string(to)})
	}
	return result
}

// runWithRetry runs the tool, retrying retriable failures with backoff.
func (e *Executor) runWithRetry(ctx context.Context, tool Tool, call providers.ToolCall, args map[string]any, threadID string) *Result {
	var result *Result
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			delay := e.cfg.Retry.delay(attempt)
			if result.RetryAfter > delay {
				delay = result.RetryAfter
			}
			e.activity.Emit(activity.KindRetry, threadID, map[string]any{
				"tool": call.Name, "attempt": attempt, "delay_ms": delay.Milliseconds(),
			})
			select {
			case <-ctx.Done():
				return Errorf(CategoryCancelled, "tool %s cancelled while waiting to retry", call.Name)
			case <-time.After(delay):
			}
		}

		result = e.runOnce(ctx, tool, call, args)
		if !result.IsError || !result.Category.Retriable() || attempt >= e.cfg.Retry.MaxRetries {
			return result
		}
		e.log.Debug("retrying tool", "tool", call.Name, "attempt", attempt+1, "category", string(result.Category))
	}
}

// runOnce invokes the tool, converting panics and context errors into
// categorized results.
func (e *Executor) runOnce(ctx context.Context, tool Tool, call providers.ToolCall, args map[string]any) (result *Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tool panicked", "tool", call.Name, "panic", r)
			result = Errorf(CategoryUnknown, "tool %s panicked: %v", call.Name, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return cancelResult(call.Name, err)
	}
	result = tool.Execute(ctx, args)
	if result == nil {
		return Errorf(CategoryUnknown, "tool %s returned no result", call.Name)
	}
	if result.IsError && result.Category == CategoryNone {
		result.Category = CategoryUnknown
	}
	if err := ctx.Err(); err != nil && result.IsError {
		return cancelResult(call.Name, err)
	}
	return result
}

func cancelResult(tool string, err error) *Result {
	if errors.Is(err, context.DeadlineExceeded) {
		return Errorf(CategoryTimeout, "tool %s timed out", tool)
	}
	return Errorf(CategoryCancelled, "tool %s cancelled", tool)
}

// ExecuteMany dispatches a batch with bounded parallelism. Result order
// matches input order regardless of completion order. When every
// parallel attempt fails with overload signals, the batch is retried
// sequentially and those results are marked SequentialFallback.
func (e *Executor) ExecuteMany(ctx context.Context, calls []providers.ToolCall) []*Result {
	if len(calls) == 0 {
		return nil
	}
	if len(calls) == 1 {
		return []*Result{e.Execute(ctx, calls[0])}
	}

	type indexed struct {
		idx    int
		result *Result
	}
	resultCh := make(chan indexed, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call providers.ToolCall) {
			defer wg.Done()
			if err := e.sem.Acquire(ctx, 1); err != nil {
				resultCh <- indexed{idx, cancelResult(call.Name, err)}
				return
			}
			defer e.sem.Release(1)
			resultCh <- indexed{idx, e.Execute(ctx, call)}
		}(i, call)
	}
	go func() { wg.Wait(); close(resultCh) }()

	collected := make([]indexed, 0, len(calls))
	for r := range resultCh {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	results := make([]*Result, len(calls))
	for _, r := range collected {
		results[r.idx] = r.result
	}

	if allOverloaded(results) && ctx.Err() == nil {
		e.log.Warn("tool batch overloaded, falling back to sequential dispatch", "calls", len(calls))
		for i, call := range calls {
			if ctx.Err() != nil {
				break
			}
			r := e.Execute(ctx, call)
			r.SequentialFallback = true
			results[i] = r
		}
	}
	return results
}

func allOverloaded(results []*Result) bool {
	for _, r := range results {
		if r == nil || !r.IsError || !r.Category.Overload() {
			return false
		}
	}
	return true
}
