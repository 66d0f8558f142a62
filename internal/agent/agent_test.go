package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lacehq/lace/internal/activity"
	"github.com/lacehq/lace/internal/budget"
	"github.com/lacehq/lace/internal/compaction"
	"github.com/lacehq/lace/internal/events"
	"github.com/lacehq/lace/internal/providers"
	"github.com/lacehq/lace/internal/queue"
	"github.com/lacehq/lace/internal/store"
	"github.com/lacehq/lace/internal/threads"
	"github.com/lacehq/lace/internal/tools"
)

// echoTool is a minimal registry entry for turn-loop tests. Execute can
// be overridden to observe or stall the tool phase.
type echoTool struct {
	name    string
	schema  map[string]any
	execute func(ctx context.Context, args map[string]any) *tools.Result

	mu    sync.Mutex
	calls int
}

func newEchoTool(name string) *echoTool {
	return &echoTool{
		name: name,
		schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []any{"text"},
		},
	}
}

func (e *echoTool) Name() string           { return e.name }
func (e *echoTool) Description() string    { return "echoes its input" }
func (e *echoTool) Schema() map[string]any { return e.schema }

func (e *echoTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.execute != nil {
		return e.execute(ctx, args)
	}
	text, _ := args["text"].(string)
	return tools.NewResult("echo: " + text)
}

func (e *echoTool) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type harness struct {
	rt      *Runtime
	mock    *providers.Mock
	threads *threads.Manager
	tool    *echoTool
	thread  string
}

func newHarness(t *testing.T, mock *providers.Mock, budgetCfg budget.Config, mutate func(*Config)) *harness {
	t.Helper()
	return newHarnessOn(t, store.NewMemory(), mock, budgetCfg, mutate)
}

func newHarnessOn(t *testing.T, st store.Store, mock *providers.Mock, budgetCfg budget.Config, mutate func(*Config)) *harness {
	t.Helper()
	ctx := context.Background()

	tm := threads.NewManager(st, nil)
	tid, err := tm.Create(ctx)
	if err != nil {
		t.Fatal(err)
	}

	tool := newEchoTool("echo")
	reg := tools.NewRegistry()
	if err := reg.Register(tool); err != nil {
		t.Fatal(err)
	}
	execCfg := tools.DefaultExecutorConfig()
	execCfg.Retry.BaseDelay = time.Millisecond
	execCfg.Retry.MaxDelay = 5 * time.Millisecond
	exec := tools.NewExecutor(reg, tools.AutoApprove{}, execCfg, nil, nil)

	cfg := Config{
		Name:      "researcher",
		SessionID: "s1",
		ThreadID:  tid,
		Model:     "mock-1",
		MaxTokens: 4096,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	rt := NewRuntime(cfg, Deps{
		Provider:  mock,
		Threads:   tm,
		Compactor: compaction.NewCompactor(tm, compaction.NewRegistry(), nil),
		Budget:    budget.NewManager(budgetCfg, nil, nil),
		Executor:  exec,
		Registry:  reg,
	})
	return &harness{rt: rt, mock: mock, threads: tm, tool: tool, thread: tid}
}

func (h *harness) events(t *testing.T) []events.Event {
	t.Helper()
	evs, err := h.threads.Events(context.Background(), h.thread)
	if err != nil {
		t.Fatal(err)
	}
	return evs
}

func eventTypes(evs []events.Event) []events.Type {
	types := make([]events.Type, len(evs))
	for i, ev := range evs {
		types[i] = ev.Type
	}
	return types
}

func countType(evs []events.Event, typ events.Type) int {
	n := 0
	for _, ev := range evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func systemNotes(evs []events.Event) []string {
	var notes []string
	for _, ev := range evs {
		if m, ok := ev.Data.(events.LocalSystemMessage); ok {
			notes = append(notes, m.Message)
		}
	}
	return notes
}

func TestSimpleTurn(t *testing.T) {
	mock := providers.NewMock(providers.Response{
		Content:    "hello there",
		StopReason: providers.StopEndTurn,
		Usage:      providers.Usage{InputTokens: 10, OutputTokens: 5},
	})
	h := newHarness(t, mock, budget.DefaultConfig(), nil)

	if err := h.rt.Send(context.Background(), "hi", queue.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	got := eventTypes(h.events(t))
	want := []events.Type{events.TypeUserMessage, events.TypeThinking, events.TypeThinking, events.TypeAgentMessage}
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if h.rt.State() != StateIdle {
		t.Errorf("state = %s after turn", h.rt.State())
	}
	if h.rt.Busy() {
		t.Error("runtime still busy")
	}
}

func TestToolRound(t *testing.T) {
	mock := providers.NewMock(
		providers.Response{
			Content:    "let me check",
			StopReason: providers.StopToolUse,
			ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"ping"}`)},
			},
		},
		providers.Response{Content: "it said ping", StopReason: providers.StopEndTurn},
	)
	h := newHarness(t, mock, budget.DefaultConfig(), nil)

	if err := h.rt.Send(context.Background(), "ask the tool", queue.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	evs := h.events(t)
	if n := countType(evs, events.TypeToolCall); n != 1 {
		t.Errorf("tool calls = %d", n)
	}
	if n := countType(evs, events.TypeToolResult); n != 1 {
		t.Errorf("tool results = %d", n)
	}
	if h.tool.callCount() != 1 {
		t.Errorf("tool ran %d times", h.tool.callCount())
	}
	for _, ev := range evs {
		if res, ok := ev.Data.(events.ToolResult); ok {
			if res.CallID != "c1" || res.IsError || res.Result != "echo: ping" {
				t.Errorf("result = %+v", res)
			}
		}
	}

	// The second provider round sees the tool exchange.
	reqs := mock.Requests()
	if len(reqs) != 2 {
		t.Fatalf("provider rounds = %d", len(reqs))
	}
	sawToolMsg := false
	for _, m := range reqs[1].Messages {
		if m.Role == "tool" && m.ToolCallID == "c1" {
			sawToolMsg = true
		}
	}
	if !sawToolMsg {
		t.Error("second request is missing the tool result message")
	}
	// The final text landed after the tool round.
	last := evs[len(evs)-1]
	if msg, ok := last.Data.(events.AgentMessage); !ok || msg.Content != "it said ping" {
		t.Errorf("last event = %+v", last.Data)
	}
}

func TestMaxTokensDropsInvalidCalls(t *testing.T) {
	// Truncated generations produce half-written arguments; only the
	// schema-valid call may run.
	mock := providers.NewMock(
		providers.Response{
			StopReason: providers.StopMaxTokens,
			ToolCalls: []providers.ToolCall{
				{ID: "good", Name: "echo", Input: json.RawMessage(`{"text":"ok"}`)},
				{ID: "cut", Name: "echo", Input: json.RawMessage(`{"te`)},
			},
		},
		providers.Response{Content: "recovered", StopReason: providers.StopEndTurn},
	)
	h := newHarness(t, mock, budget.DefaultConfig(), nil)

	if err := h.rt.Send(context.Background(), "go", queue.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	evs := h.events(t)
	if n := countType(evs, events.TypeToolCall); n != 1 {
		t.Errorf("tool calls recorded = %d, want the truncated one dropped", n)
	}
	if h.tool.callCount() != 1 {
		t.Errorf("tool ran %d times", h.tool.callCount())
	}
}

func TestStopErrorDiscardsToolCalls(t *testing.T) {
	mock := providers.NewMock(providers.Response{
		Content:    "partial",
		StopReason: providers.StopError,
		ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"x"}`)},
		},
	})
	h := newHarness(t, mock, budget.DefaultConfig(), nil)

	if err := h.rt.Send(context.Background(), "go", queue.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	evs := h.events(t)
	if n := countType(evs, events.TypeToolCall); n != 0 {
		t.Errorf("tool calls recorded = %d, want none on an error stop", n)
	}
	if h.tool.callCount() != 0 {
		t.Error("tool ran despite the error stop")
	}
	notes := systemNotes(evs)
	if len(notes) != 1 || !strings.Contains(notes[0], "discarded") {
		t.Errorf("notes = %v", notes)
	}
}

func TestProviderErrorSurfaces(t *testing.T) {
	mock := providers.NewMock()
	mock.EnqueueError(fmt.Errorf("upstream down"))
	h := newHarness(t, mock, budget.DefaultConfig(), nil)

	err := h.rt.Send(context.Background(), "hi", queue.PriorityNormal)
	if err == nil || !strings.Contains(err.Error(), "provider dispatch") {
		t.Fatalf("err = %v", err)
	}

	notes := systemNotes(h.events(t))
	if len(notes) != 1 || !strings.Contains(notes[0], "provider error") {
		t.Errorf("notes = %v", notes)
	}
	if h.rt.State() != StateIdle {
		t.Errorf("state = %s after failed turn", h.rt.State())
	}
}

func TestSendWhileBusyDrainsQueue(t *testing.T) {
	mock := providers.NewMock(
		providers.Response{
			StopReason: providers.StopToolUse,
			ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"x"}`)},
			},
		},
		providers.Response{Content: "first done", StopReason: providers.StopEndTurn},
		providers.Response{Content: "second done", StopReason: providers.StopEndTurn},
	)
	h := newHarness(t, mock, budget.DefaultConfig(), nil)

	// The tool sends a follow-up mid-turn; it must queue, not recurse.
	h.tool.execute = func(ctx context.Context, args map[string]any) *tools.Result {
		if err := h.rt.Send(ctx, "follow-up", queue.PriorityNormal); err != nil {
			return tools.Errorf(tools.CategoryUnknown, "nested send: %v", err)
		}
		return tools.NewResult("ok")
	}

	if err := h.rt.Send(context.Background(), "start", queue.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	evs := h.events(t)
	var users []string
	for _, ev := range evs {
		if m, ok := ev.Data.(events.UserMessage); ok {
			users = append(users, m.Content)
		}
	}
	if len(users) != 2 || users[0] != "start" || users[1] != "follow-up" {
		t.Errorf("user messages = %v", users)
	}
	if n := len(mock.Requests()); n != 3 {
		t.Errorf("provider rounds = %d, want 3", n)
	}
}

func TestBusyDuringTurn(t *testing.T) {
	mock := providers.NewMock(
		providers.Response{
			StopReason: providers.StopToolUse,
			ToolCalls: []providers.ToolCall{
				{ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"x"}`)},
			},
		},
		providers.Response{Content: "done", StopReason: providers.StopEndTurn},
	)
	h := newHarness(t, mock, budget.DefaultConfig(), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.tool.execute = func(ctx context.Context, args map[string]any) *tools.Result {
		close(entered)
		<-release
		return tools.NewResult("ok")
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.rt.Send(context.Background(), "go", queue.PriorityNormal)
	}()

	<-entered
	if !h.rt.Busy() {
		t.Error("runtime not busy mid-turn")
	}
	if st := h.rt.State(); st != StateToolExecution {
		t.Errorf("state = %s, want tool_execution", st)
	}
	close(release)

	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
	if h.rt.Busy() {
		t.Error("runtime busy after turn")
	}
}

func TestCancelDuringToolExecution(t *testing.T) {
	mock := providers.NewMock(providers.Response{
		StopReason: providers.StopToolUse,
		ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"x"}`)},
		},
	})
	h := newHarness(t, mock, budget.DefaultConfig(), nil)

	h.tool.execute = func(ctx context.Context, args map[string]any) *tools.Result {
		h.rt.Cancel()
		<-ctx.Done()
		return tools.NewResult("too late")
	}

	if err := h.rt.Send(context.Background(), "go", queue.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	evs := h.events(t)
	// The log stays balanced even for a cancelled batch.
	if calls, results := countType(evs, events.TypeToolCall), countType(evs, events.TypeToolResult); calls != results {
		t.Errorf("calls = %d, results = %d", calls, results)
	}
	notes := systemNotes(evs)
	if len(notes) != 1 || !strings.Contains(notes[0], "cancelled") {
		t.Errorf("notes = %v", notes)
	}
	if h.rt.State() != StateIdle {
		t.Errorf("state = %s", h.rt.State())
	}
}

func TestCancelledBatchPersistsOnSQLite(t *testing.T) {
	// SQLite honors the turn context, so the balancing results and the
	// cancellation note must be written outside its cancellation scope.
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "lace.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	mock := providers.NewMock(providers.Response{
		StopReason: providers.StopToolUse,
		ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"x"}`)},
		},
	})
	h := newHarnessOn(t, st, mock, budget.DefaultConfig(), nil)

	h.tool.execute = func(ctx context.Context, args map[string]any) *tools.Result {
		h.rt.Cancel()
		<-ctx.Done()
		return tools.NewResult("too late")
	}

	if err := h.rt.Send(context.Background(), "go", queue.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	evs := h.events(t)
	calls, results := countType(evs, events.TypeToolCall), countType(evs, events.TypeToolResult)
	if calls != 1 || results != 1 {
		t.Errorf("calls = %d, results = %d, want a balanced pair", calls, results)
	}
	notes := systemNotes(evs)
	if len(notes) != 1 || !strings.Contains(notes[0], "cancelled") {
		t.Errorf("notes = %v", notes)
	}
	if h.rt.State() != StateIdle {
		t.Errorf("state = %s", h.rt.State())
	}
}

func TestProactiveCompaction(t *testing.T) {
	ctx := context.Background()
	mock := providers.NewMock(providers.Response{Content: "short answer", StopReason: providers.StopEndTurn})
	h := newHarness(t, mock, budget.Config{MaxTokens: 60, ReserveOutput: 0, WarnRatio: 0.8}, func(cfg *Config) {
		cfg.CompactionStrategy = "truncate"
		cfg.CompactionOptions = compaction.Options{PreserveRecent: 2}
	})

	// Fill the thread past the tiny budget.
	for i := 0; i < 10; i++ {
		if _, err := h.threads.AddEvent(ctx, h.thread, events.AgentMessage{
			Content: fmt.Sprintf("a long enough reply, numbered %02d, padding padding", i),
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.rt.Send(ctx, "continue", queue.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	physical := h.rt.PhysicalID()
	if physical == h.thread {
		t.Fatal("no compaction happened; physical id unchanged")
	}
	resolved, err := h.threads.Resolve(ctx, h.thread)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != physical {
		t.Errorf("canonical resolves to %s, runtime writes to %s", resolved, physical)
	}

	// Reads through the canonical id see the compacted history plus the
	// new turn, far shorter than the original ten messages.
	evs := h.events(t)
	if len(evs) >= 10 {
		t.Errorf("compacted thread still has %d events", len(evs))
	}
	last := evs[len(evs)-1]
	if msg, ok := last.Data.(events.AgentMessage); !ok || msg.Content != "short answer" {
		t.Errorf("last event = %+v", last.Data)
	}
}

func TestStreamingEmitsTokens(t *testing.T) {
	mock := providers.NewMock(providers.Response{Content: "hey", StopReason: providers.StopEndTurn})
	act := activity.NewLog(nil)
	h := newHarness(t, mock, budget.DefaultConfig(), func(cfg *Config) { cfg.Stream = true })
	h.rt.deps.Activity = act

	entries, cancel := act.Subscribe(64)
	defer cancel()

	if err := h.rt.Send(context.Background(), "hi", queue.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	tokens := 0
	for {
		select {
		case e := <-entries:
			if e.Kind == activity.KindToken {
				tokens++
			}
			continue
		default:
		}
		break
	}
	if tokens != 3 {
		t.Errorf("token entries = %d, want one per rune of %q", tokens, "hey")
	}
	// Tokens are observable only; nothing token-shaped is persisted.
	for _, ev := range h.events(t) {
		if ev.Type == events.TypeAgentToken {
			t.Error("agent token persisted")
		}
	}
}

func TestTurnTimeout(t *testing.T) {
	mock := providers.NewMock(providers.Response{
		StopReason: providers.StopToolUse,
		ToolCalls: []providers.ToolCall{
			{ID: "c1", Name: "echo", Input: json.RawMessage(`{"text":"x"}`)},
		},
	})
	h := newHarness(t, mock, budget.DefaultConfig(), func(cfg *Config) {
		cfg.TurnTimeout = 30 * time.Millisecond
	})
	h.tool.execute = func(ctx context.Context, args map[string]any) *tools.Result {
		<-ctx.Done()
		return tools.NewResult("late")
	}

	if err := h.rt.Send(context.Background(), "go", queue.PriorityNormal); err != nil {
		t.Fatal(err)
	}

	notes := systemNotes(h.events(t))
	if len(notes) != 1 || !strings.Contains(notes[0], "deadline") {
		t.Errorf("notes = %v", notes)
	}
}
