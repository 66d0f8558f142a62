// Package providers adapts LLM backends to a single capability set:
// model listing, optional token counting, one-shot chat, and streaming
// chat. Conversation assembly lives in the agent; this package only
// translates wire formats.
package providers

import (
	"context"
	"encoding/json"
)

// StopReason explains why a generation terminated. Unknown provider
// values normalize to StopEndTurn.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
	StopError        StopReason = "error"
)

// NormalizeStopReason maps provider-specific labels onto the recognized
// set. OpenAI's "length" and "tool_calls" fold into their Anthropic-style
// equivalents.
func NormalizeStopReason(raw string) StopReason {
	switch raw {
	case "end_turn", "stop", "":
		return StopEndTurn
	case "max_tokens", "length":
		return StopMaxTokens
	case "tool_use", "tool_calls":
		return StopToolUse
	case "stop_sequence":
		return StopStopSequence
	case "error", "refusal", "content_filter":
		return StopError
	default:
		return StopEndTurn
	}
}

// Message is one turn of provider-neutral conversation history.
type Message struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // for role="tool"
	IsError    bool       `json:"is_error,omitempty"`     // for role="tool"
}

// ToolCall is a tool invocation requested by the model. Input stays raw
// so schema validation sees exactly what the model produced.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Request is the input to Chat and ChatStream.
type Request struct {
	Model       string           `json:"model,omitempty"`
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature *float64         `json:"temperature,omitempty"`
}

// Usage is the token consumption the provider reported.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the complete result of a generation.
type Response struct {
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason StopReason `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// StreamEvent is one element of a streaming response. Exactly one field
// is set: Token for text deltas, ToolCall when a tool invocation block
// opens, Final on the terminating event.
type StreamEvent struct {
	Token    string
	ToolCall *ToolCall
	Final    *Response
}

// ModelDescriptor identifies a model a provider can serve.
type ModelDescriptor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Provider    string `json:"provider"`
}

// Provider is the capability set the core consumes.
type Provider interface {
	Name() string
	DefaultModel() string
	ListModels(ctx context.Context) ([]ModelDescriptor, error)

	Chat(ctx context.Context, req Request) (*Response, error)
	// ChatStream invokes onEvent for each stream element and returns the
	// assembled final response. onEvent may be nil.
	ChatStream(ctx context.Context, req Request, onEvent func(StreamEvent)) (*Response, error)
}

// TokenCounter is the optional proactive counting capability. Providers
// that lack it fall back to the budget manager's heuristic.
type TokenCounter interface {
	CountTokens(ctx context.Context, texts []string) (int, error)
}
