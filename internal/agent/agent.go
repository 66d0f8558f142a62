// Package agent drives the per-thread turn loop: budget check, context
// build, provider dispatch, tool execution, persistence, and observable
// events. One Runtime owns one conversation thread; no two turns for
// the same Runtime ever overlap.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lacehq/lace/internal/activity"
	"github.com/lacehq/lace/internal/budget"
	"github.com/lacehq/lace/internal/compaction"
	"github.com/lacehq/lace/internal/events"
	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/internal/queue"
	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/internal/tools"
)

// State is the runtime's observable position in the turn loop.
type State string

const (
	StateIdle          State = "idle"
	StateThinking      State = "thinking"
	StateStreaming     State = "streaming"
	StateToolExecution State = "tool_execution"
)

// Config shapes one agent runtime.
type Config struct {
	Name         string
	SessionID    string
	ThreadID     string // canonical id, stable across compactions
	SystemPrompt string
	Model        string
	MaxTokens    int
	WorkingDir   string

	CompactionStrategy string
	CompactionOptions  compaction.Options

	// TurnTimeout bounds provider and tool phases together. Zero means
	// no overall deadline.
	TurnTimeout time.Duration
	QueueCap    int
	// Stream disabled falls back to one-shot Chat.
	Stream bool
}

// Deps are the shared subsystems a runtime borrows. Budget is per-agent;
// the rest may be shared across agents.
type Deps struct {
	Provider  providers.Provider
	Threads   *threads.Manager
	Compactor *compaction.Compactor
	Budget    *budget.Manager
	Executor  *tools.Executor
	Registry  *tools.Registry
	Activity  *activity.Log
	Log       *slog.Logger
}

// Runtime is the turn-loop state machine for a single thread.
type Runtime struct {
	cfg    Config
	deps   Deps
	queue  *queue.Queue
	log    *slog.Logger
	tracer trace.Tracer

	// turnMu serializes turns; TryLock is the busy probe.
	turnMu sync.Mutex

	mu         sync.Mutex
	state      State
	physicalID string
	cancelTurn context.CancelFunc
}

func NewRuntime(cfg Config, deps Deps) *Runtime {
	if cfg.CompactionStrategy == "" {
		cfg.CompactionStrategy = "summarize"
	}
	if cfg.CompactionOptions == (compaction.Options{}) {
		cfg.CompactionOptions = compaction.DefaultOptions()
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		cfg:    cfg,
		deps:   deps,
		queue:  queue.New(cfg.ThreadID, cfg.QueueCap, deps.Activity),
		log:    log.With("component", "agent", "agent", cfg.Name, "thread_id", cfg.ThreadID),
		tracer: otel.Tracer("lace/agent"),
		state:  StateIdle,
	}
}

func (r *Runtime) Name() string     { return r.cfg.Name }
func (r *Runtime) ThreadID() string { return r.cfg.ThreadID }

// PhysicalID is the thread currently backing the canonical id, as this
// runtime last observed it.
func (r *Runtime) PhysicalID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.physicalID == "" {
		return r.cfg.ThreadID
	}
	return r.physicalID
}

func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Busy reports whether a turn is in flight.
func (r *Runtime) Busy() bool {
	if r.turnMu.TryLock() {
		r.turnMu.Unlock()
		return false
	}
	return true
}

// QueueStats exposes the inbound queue snapshot.
func (r *Runtime) QueueStats() queue.Stats { return r.queue.Stats() }

func (r *Runtime) setState(to State) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()
	if from != to {
		r.deps.Activity.Emit(activity.KindStateChange, r.cfg.ThreadID, map[string]any{
			"agent": r.cfg.Name, "from": string(from), "to": string(to),
		})
	}
}

// Send enqueues a user message and processes the queue if the runtime
// is idle. A busy runtime keeps the message queued; the in-flight turn
// drains it before going idle.
func (r *Runtime) Send(ctx context.Context, content string, priority queue.Priority) error {
	return r.SendMessage(ctx, queue.Message{Type: queue.TypeUser, Content: content, Priority: priority})
}

// SendMessage enqueues a fully-specified message, for callers that mark
// provenance (delegation, task notifications).
func (r *Runtime) SendMessage(ctx context.Context, msg queue.Message) error {
	r.queue.Enqueue(msg)
	return r.ProcessQueue(ctx)
}

// Cancel aborts the in-flight turn, if any. The runtime appends the
// cancellation events and returns to idle on its own.
func (r *Runtime) Cancel() {
	r.mu.Lock()
	cancel := r.cancelTurn
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ProcessQueue drains and runs queued messages until the queue is empty
// or a turn fails. Returns immediately when another turn holds the lock.
func (r *Runtime) ProcessQueue(ctx context.Context) error {
	for {
		if !r.turnMu.TryLock() {
			return nil
		}
		msgs := r.queue.Drain()
		if len(msgs) == 0 {
			r.turnMu.Unlock()
			return nil
		}

		r.deps.Activity.Emit(activity.KindQueueProcessingStart, r.cfg.ThreadID, map[string]any{"count": len(msgs)})
		var err error
		for _, m := range msgs {
			if err = r.runTurn(ctx, m.Content); err != nil {
				break
			}
		}
		r.deps.Activity.Emit(activity.KindQueueProcessingDone, r.cfg.ThreadID, map[string]any{"count": len(msgs)})
		r.turnMu.Unlock()

		if err != nil {
			return err
		}
		if r.queue.Len() == 0 {
			return nil
		}
	}
}

// resolvePhysical pins down the physical thread backing the canonical id.
func (r *Runtime) resolvePhysical(ctx context.Context) (string, error) {
	r.mu.Lock()
	cached := r.physicalID
	r.mu.Unlock()
	if cached != "" {
		return cached, nil
	}
	physical, err := r.deps.Threads.Resolve(ctx, r.cfg.ThreadID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.physicalID = physical
	r.mu.Unlock()
	return physical, nil
}

// runTurn executes one full turn for a pending user message. Caller
// holds turnMu.
func (r *Runtime) runTurn(ctx context.Context, userContent string) (err error) {
	var turnCtx context.Context
	var cancel context.CancelFunc
	if r.cfg.TurnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, r.cfg.TurnTimeout)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	r.mu.Lock()
	r.cancelTurn = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.cancelTurn = nil
		r.mu.Unlock()
		r.setState(StateIdle)
	}()

	turnCtx, span := r.tracer.Start(turnCtx, "agent.turn", trace.WithAttributes(
		attribute.String("agent.name", r.cfg.Name),
		attribute.String("thread.id", r.cfg.ThreadID),
	))
	defer span.End()

	physical, err := r.resolvePhysical(turnCtx)
	if err != nil {
		return fmt.Errorf("resolve thread: %w", err)
	}

	physical, err = r.maybeCompact(turnCtx, physical, userContent)
	if err != nil {
		// Compaction failing is not fatal; the provider may still accept
		// the oversized context or fail loudly itself.
		r.log.Warn("compaction failed, continuing uncompacted", "error", err)
	}

	if _, err := r.deps.Threads.AddEvent(turnCtx, physical, events.UserMessage{Content: userContent}); err != nil {
		return r.abortTurn(physical, "failed to record user message", err)
	}

	for {
		done, err := r.iterate(turnCtx, physical)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// maybeCompact runs the proactive budget check, compacting the thread
// when dispatch would overflow. Returns the physical id to write to.
func (r *Runtime) maybeCompact(ctx context.Context, physical, pending string) (string, error) {
	evs, err := r.deps.Threads.Events(ctx, r.cfg.ThreadID)
	if err != nil {
		return physical, err
	}
	estimated := r.deps.Budget.EstimateEvents(ctx, evs) + r.deps.Budget.Estimate(ctx, []string{pending, r.cfg.SystemPrompt})

	if r.deps.Budget.ShouldWarn(estimated) && !r.deps.Budget.ShouldBlock(estimated) {
		r.deps.Activity.Emit(activity.KindTokenBudgetWarning, r.cfg.ThreadID, map[string]any{
			"estimated": estimated, "allowed": r.deps.Budget.Allowed(),
		})
	}
	if !r.deps.Budget.ShouldBlock(estimated) {
		return physical, nil
	}

	shadow, err := r.deps.Compactor.Compact(ctx, r.cfg.ThreadID, r.cfg.CompactionStrategy, r.cfg.CompactionOptions)
	if err != nil {
		return physical, err
	}
	if shadow == "" {
		return physical, nil
	}
	r.mu.Lock()
	r.physicalID = shadow
	r.mu.Unlock()
	r.deps.Budget.Reset()
	r.deps.Activity.Emit(activity.KindCompaction, r.cfg.ThreadID, map[string]any{
		"shadow_id": shadow, "strategy": r.cfg.CompactionStrategy,
	})
	return shadow, nil
}

// iterate runs one provider round plus its tool phase. done is true when
// the turn reached a terminal condition.
func (r *Runtime) iterate(ctx context.Context, physical string) (done bool, err error) {
	r.setState(StateThinking)
	if _, err := r.deps.Threads.AddEvent(ctx, physical, events.Thinking{Status: "start"}); err != nil {
		return false, r.abortTurn(physical, "failed to record thinking marker", err)
	}

	evs, err := r.deps.Threads.Events(ctx, physical)
	if err != nil {
		return false, r.abortTurn(physical, "failed to load thread", err)
	}

	req := providers.Request{
		Model:     r.cfg.Model,
		System:    r.cfg.SystemPrompt,
		Messages:  BuildConversation(evs),
		Tools:     r.deps.Registry.Definitions(),
		MaxTokens: r.cfg.MaxTokens,
	}

	resp, err := r.dispatch(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			r.appendSystemNote(physical, "turn cancelled during generation")
			return true, nil
		}
		r.appendSystemNote(physical, fmt.Sprintf("provider error: %v", err))
		return true, fmt.Errorf("provider dispatch: %w", err)
	}
	r.deps.Budget.RecordUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	if _, err := r.deps.Threads.AddEvent(ctx, physical, events.Thinking{Status: "complete"}); err != nil {
		return false, r.abortTurn(physical, "failed to record thinking marker", err)
	}

	calls := r.repairToolCalls(resp)

	if resp.Content != "" {
		if _, err := r.deps.Threads.AddEvent(ctx, physical, events.AgentMessage{Content: resp.Content}); err != nil {
			return false, r.abortTurn(physical, "failed to record agent message", err)
		}
		r.deps.Activity.Emit(activity.KindMessage, r.cfg.ThreadID, map[string]any{
			"agent": r.cfg.Name, "length": len(resp.Content),
		})
	}

	if len(calls) == 0 {
		return true, nil
	}
	if resp.StopReason == providers.StopError {
		r.appendSystemNote(physical, "provider reported an error stop; tool calls discarded")
		return true, nil
	}

	cancelled, err := r.toolPhase(ctx, physical, calls)
	if err != nil {
		return false, err
	}
	if cancelled {
		return true, nil
	}
	return false, nil
}

// dispatch prefers streaming. Tokens are observable, not persisted; the
// first token moves the state to streaming.
func (r *Runtime) dispatch(ctx context.Context, req providers.Request) (*providers.Response, error) {
	if !r.cfg.Stream {
		return r.deps.Provider.Chat(ctx, req)
	}
	streamed := false
	return r.deps.Provider.ChatStream(ctx, req, func(ev providers.StreamEvent) {
		if ev.Token == "" {
			return
		}
		if !streamed {
			streamed = true
			r.setState(StateStreaming)
		}
		r.deps.Activity.Emit(activity.KindToken, r.cfg.ThreadID, map[string]any{"token": ev.Token})
	})
}

// repairToolCalls drops schema-invalid calls after a max_tokens stop,
// where truncated arguments are expected. Other stops pass through.
func (r *Runtime) repairToolCalls(resp *providers.Response) []providers.ToolCall {
	if resp.StopReason != providers.StopMaxTokens {
		return resp.ToolCalls
	}
	var kept []providers.ToolCall
	var dropped []string
	for _, tc := range resp.ToolCalls {
		if _, err := r.deps.Registry.ValidateInput(tc.Name, tc.Input); err != nil {
			dropped = append(dropped, tc.Name)
			continue
		}
		kept = append(kept, tc)
	}
	r.deps.Activity.Emit(activity.KindTokenExhaustion, r.cfg.ThreadID, map[string]any{
		"kept": len(kept), "dropped": dropped,
	})
	r.log.Warn("response hit max tokens", "kept_calls", len(kept), "dropped_calls", len(dropped))
	return kept
}

// toolPhase appends TOOL_CALL events, executes the batch, and appends
// the results. Cancellation mid-batch still records a result for every
// appended call, so the log stays balanced.
func (r *Runtime) toolPhase(ctx context.Context, physical string, calls []providers.ToolCall) (cancelled bool, err error) {
	r.setState(StateToolExecution)

	for _, tc := range calls {
		if _, err := r.deps.Threads.AddEvent(ctx, physical, events.ToolCall{
			ToolName: tc.Name, CallID: tc.ID, Input: tc.Input,
		}); err != nil {
			return false, r.abortTurn(physical, "failed to record tool call", err)
		}
		r.deps.Activity.Emit(activity.KindToolCall, r.cfg.ThreadID, map[string]any{"tool": tc.Name, "call_id": tc.ID})
	}

	invCtx := tools.WithInvocation(ctx, tools.Invocation{
		ThreadID:   r.cfg.ThreadID,
		SessionID:  r.cfg.SessionID,
		AgentName:  r.cfg.Name,
		WorkingDir: r.cfg.WorkingDir,
	})
	results := r.deps.Executor.ExecuteMany(invCtx, calls)

	// The results must land even when the turn was cancelled mid-batch;
	// appending with the turn context would fail against a store that
	// honors it and leave TOOL_CALL events dangling.
	appendCtx := context.WithoutCancel(ctx)
	for i, tc := range calls {
		res := results[i]
		if res == nil {
			res = tools.Errorf(tools.CategoryUnknown, "tool %s produced no result", tc.Name)
		}
		if _, err := r.deps.Threads.AddEvent(appendCtx, physical, events.ToolResult{
			CallID:   tc.ID,
			ToolName: tc.Name,
			Result:   res.Content,
			IsError:  res.IsError,
			Category: string(res.Category),
		}); err != nil {
			return false, r.abortTurn(physical, "failed to record tool result", err)
		}
		r.deps.Activity.Emit(activity.KindToolResult, r.cfg.ThreadID, map[string]any{
			"tool": tc.Name, "call_id": tc.ID, "is_error": res.IsError, "category": string(res.Category),
		})
	}

	if ctx.Err() != nil {
		reason := "turn cancelled during tool execution"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = "turn deadline exceeded during tool execution"
		}
		r.appendSystemNote(physical, reason)
		return true, nil
	}
	return false, nil
}

// abortTurn handles a storage failure: log, best-effort system note,
// and surface the error. The deferred state reset returns us to idle.
func (r *Runtime) abortTurn(physical, msg string, err error) error {
	r.log.Error("turn aborted", "reason", msg, "error", err)
	r.appendSystemNote(physical, fmt.Sprintf("%s: %v", msg, err))
	return fmt.Errorf("%s: %w", msg, err)
}

// appendSystemNote records a LOCAL_SYSTEM_MESSAGE outside the turn's
// cancellation scope so cancelled turns can still explain themselves.
func (r *Runtime) appendSystemNote(physical, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.deps.Threads.AddEvent(ctx, physical, events.LocalSystemMessage{Message: message}); err != nil {
		r.log.Error("failed to append system note", "error", err)
	}
}
