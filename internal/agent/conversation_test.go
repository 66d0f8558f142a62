package agent

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/lacehq/lace/internal/events"
)

func log(data ...events.Data) []events.Event {
	evs := make([]events.Event, len(data))
	for i, d := range data {
		evs[i] = events.Event{
			ID: int64(i + 1), ThreadID: "t", Seq: i + 1, Type: d.Kind(), Data: d,
			Timestamp: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Second),
		}
	}
	return evs
}

func TestBuildConversationBasicExchange(t *testing.T) {
	msgs := BuildConversation(log(
		events.UserMessage{Content: "hello"},
		events.AgentMessage{Content: "hi there"},
		events.UserMessage{Content: "how are you"},
	))

	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	wantRoles := []string{"user", "assistant", "user"}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("msgs[%d].Role = %q, want %q", i, msgs[i].Role, role)
		}
	}
}

func TestBuildConversationToolTraffic(t *testing.T) {
	msgs := BuildConversation(log(
		events.UserMessage{Content: "what's the weather"},
		events.AgentMessage{Content: "let me check"},
		events.ToolCall{ToolName: "weather", CallID: "c1", Input: json.RawMessage(`{"city":"Hanoi"}`)},
		events.ToolResult{CallID: "c1", ToolName: "weather", Result: "sunny"},
		events.AgentMessage{Content: "it's sunny"},
	))

	if len(msgs) != 4 {
		t.Fatalf("got %d messages: %+v", len(msgs), msgs)
	}
	// The tool call attaches to the assistant message before it.
	if msgs[1].Role != "assistant" || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("msgs[1] = %+v, want assistant with one tool call", msgs[1])
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "c1" {
		t.Errorf("msgs[2] = %+v, want tool result for c1", msgs[2])
	}
	if msgs[3].Role != "assistant" || msgs[3].Content != "it's sunny" {
		t.Errorf("msgs[3] = %+v", msgs[3])
	}
}

func TestBuildConversationToolCallWithoutAssistantText(t *testing.T) {
	msgs := BuildConversation(log(
		events.UserMessage{Content: "run it"},
		events.ToolCall{ToolName: "shell", CallID: "c1", Input: json.RawMessage(`{}`)},
		events.ToolResult{CallID: "c1", Result: "done"},
	))

	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "" || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("msgs[1] = %+v, want bare assistant tool-call message", msgs[1])
	}
}

func TestBuildConversationDropsOrphanCall(t *testing.T) {
	// A call whose result never landed (cancelled before execution).
	msgs := BuildConversation(log(
		events.UserMessage{Content: "go"},
		events.AgentMessage{Content: "working"},
		events.ToolCall{ToolName: "shell", CallID: "c1", Input: json.RawMessage(`{}`)},
	))

	for _, m := range msgs {
		if len(m.ToolCalls) != 0 {
			t.Errorf("orphan call survived: %+v", m)
		}
	}
}

func TestBuildConversationDropsOrphanResult(t *testing.T) {
	// A result whose call was compacted away.
	msgs := BuildConversation(log(
		events.ToolResult{CallID: "ghost", Result: "stale"},
		events.UserMessage{Content: "hi"},
	))

	for _, m := range msgs {
		if m.Role == "tool" {
			t.Errorf("orphan result survived: %+v", m)
		}
	}
}

func TestBuildConversationSkipsBookkeeping(t *testing.T) {
	msgs := BuildConversation(log(
		events.UserMessage{Content: "hi"},
		events.Thinking{Status: "start"},
		events.AgentToken{Token: "h"},
		events.AgentToken{Token: "ey"},
		events.Thinking{Status: "complete"},
		events.AgentMessage{Content: "hey"},
	))
	if len(msgs) != 2 {
		t.Errorf("got %d messages, want 2: %+v", len(msgs), msgs)
	}
}

func TestBuildConversationSystemNote(t *testing.T) {
	msgs := BuildConversation(log(
		events.UserMessage{Content: "hi"},
		events.LocalSystemMessage{Message: "turn cancelled"},
	))
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[1].Role != "user" || !strings.Contains(msgs[1].Content, "turn cancelled") {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestBuildConversationRendersSummary(t *testing.T) {
	msgs := BuildConversation(log(
		events.CompactionSummary{
			Summary: events.Digest{
				Events:     12,
				TypeCounts: map[events.Type]int{events.TypeAgentMessage: 8, events.TypeUserMessage: 4},
				ToolCalls:  map[string]int{"shell": 3},
				First:      time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC),
				Last:       time.Date(2026, 7, 1, 17, 0, 0, 0, time.UTC),
			},
			ReplacedRange: [2]int{1, 12},
		},
		events.UserMessage{Content: "continue"},
	))

	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	summary := msgs[0].Content
	for _, want := range []string{"12 earlier events", "shell x3", "AGENT_MESSAGE x8"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q: %s", want, summary)
		}
	}
}

func TestBuildConversationEmptyLog(t *testing.T) {
	if msgs := BuildConversation(nil); len(msgs) != 0 {
		t.Errorf("msgs = %+v", msgs)
	}
}
