// Package events defines the thread event model: the append-only, typed
// records that every conversation is folded from. Event payloads form a
// tagged union discriminated by Type; the on-disk form is self-describing
// JSON validated on both append and load.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates event payloads.
type Type string

const (
	TypeUserMessage        Type = "USER_MESSAGE"
	TypeAgentMessage       Type = "AGENT_MESSAGE"
	TypeAgentToken         Type = "AGENT_TOKEN"
	TypeToolCall           Type = "TOOL_CALL"
	TypeToolResult         Type = "TOOL_RESULT"
	TypeThinking           Type = "THINKING"
	TypeLocalSystemMessage Type = "LOCAL_SYSTEM_MESSAGE"
	TypeCompactionSummary  Type = "COMPACTION_SUMMARY"
)

// Event is one immutable record in a thread's log. Seq is dense and strictly
// increasing per thread; ID is the storage-assigned monotonic row id used for
// global ordering (clock timestamps are too coarse to order by).
type Event struct {
	ID        int64     `json:"id,omitempty"`
	ThreadID  string    `json:"threadId"`
	Seq       int       `json:"seq"`
	Type      Type      `json:"type"`
	Data      Data      `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Data is the payload side of the tagged union.
type Data interface {
	// Kind returns the Type this payload belongs to.
	Kind() Type
	// Validate checks payload-level invariants before persisting or after load.
	Validate() error
}

// UserMessage is a message submitted by the user.
type UserMessage struct {
	Content string `json:"content"`
}

// AgentMessage is the final assistant message of one model completion.
type AgentMessage struct {
	Content string `json:"content"`
}

// AgentToken is a streaming fragment. Tokens are observable but never
// required for rebuilding the provider conversation.
type AgentToken struct {
	Token string `json:"token"`
}

// ToolCall records a tool invocation requested by the model.
type ToolCall struct {
	ToolName string          `json:"toolName"`
	CallID   string          `json:"callId"`
	Input    json.RawMessage `json:"input"`
}

// ToolResult records the outcome of a tool call, success or failure.
// Category carries the error taxonomy label when IsError is set.
type ToolResult struct {
	CallID   string `json:"callId"`
	ToolName string `json:"toolName"`
	Result   string `json:"result"`
	IsError  bool   `json:"isError"`
	Category string `json:"category,omitempty"`
}

// Thinking marks the start or completion of a model reasoning phase.
type Thinking struct {
	Status string `json:"status"` // "start" or "complete"
}

// LocalSystemMessage is an operator-facing notice (cancellation, storage
// failure, ...). It is never sent to the provider.
type LocalSystemMessage struct {
	Message string `json:"message"`
}

// CompactionSummary replaces a summarized span of events in a shadow thread.
type CompactionSummary struct {
	Summary       Digest `json:"summary"`
	ReplacedRange [2]int `json:"replacedRange"` // [firstSeq, lastSeq] of the span it replaces
}

// Digest is the structured summary written by the summarize compaction
// strategy: per-type counts, tool usage, and the covered time span.
type Digest struct {
	Events     int            `json:"events"`
	TypeCounts map[Type]int   `json:"typeCounts"`
	ToolCalls  map[string]int `json:"toolCalls,omitempty"`
	First      time.Time      `json:"first"`
	Last       time.Time      `json:"last"`
}

func (UserMessage) Kind() Type        { return TypeUserMessage }
func (AgentMessage) Kind() Type       { return TypeAgentMessage }
func (AgentToken) Kind() Type         { return TypeAgentToken }
func (ToolCall) Kind() Type           { return TypeToolCall }
func (ToolResult) Kind() Type         { return TypeToolResult }
func (Thinking) Kind() Type           { return TypeThinking }
func (LocalSystemMessage) Kind() Type { return TypeLocalSystemMessage }
func (CompactionSummary) Kind() Type  { return TypeCompactionSummary }

func (d UserMessage) Validate() error {
	return nil
}

func (d AgentMessage) Validate() error {
	return nil
}

func (d AgentToken) Validate() error {
	if d.Token == "" {
		return fmt.Errorf("agent token: empty token")
	}
	return nil
}

func (d ToolCall) Validate() error {
	if d.ToolName == "" {
		return fmt.Errorf("tool call: missing tool name")
	}
	if d.CallID == "" {
		return fmt.Errorf("tool call: missing call id")
	}
	return nil
}

func (d ToolResult) Validate() error {
	if d.CallID == "" {
		return fmt.Errorf("tool result: missing call id")
	}
	return nil
}

func (d Thinking) Validate() error {
	if d.Status != "start" && d.Status != "complete" {
		return fmt.Errorf("thinking: invalid status %q", d.Status)
	}
	return nil
}

func (d LocalSystemMessage) Validate() error {
	if d.Message == "" {
		return fmt.Errorf("local system message: empty message")
	}
	return nil
}

func (d CompactionSummary) Validate() error {
	if d.Summary.Events < 0 {
		return fmt.Errorf("compaction summary: negative event count")
	}
	return nil
}

// Decode parses a stored payload for the given type and validates it.
func Decode(t Type, raw []byte) (Data, error) {
	var d Data
	switch t {
	case TypeUserMessage:
		d = &UserMessage{}
	case TypeAgentMessage:
		d = &AgentMessage{}
	case TypeAgentToken:
		d = &AgentToken{}
	case TypeToolCall:
		d = &ToolCall{}
	case TypeToolResult:
		d = &ToolResult{}
	case TypeThinking:
		d = &Thinking{}
	case TypeLocalSystemMessage:
		d = &LocalSystemMessage{}
	case TypeCompactionSummary:
		d = &CompactionSummary{}
	default:
		return nil, fmt.Errorf("events: unknown event type %q", t)
	}
	if err := json.Unmarshal(raw, d); err != nil {
		return nil, fmt.Errorf("events: decode %s payload: %w", t, err)
	}
	data := deref(d)
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("events: invalid %s payload: %w", t, err)
	}
	return data, nil
}

// Encode serializes a payload for storage after validating it.
func Encode(d Data) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("events: invalid %s payload: %w", d.Kind(), err)
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("events: encode %s payload: %w", d.Kind(), err)
	}
	return raw, nil
}

// deref normalizes the pointer targets produced by Decode so callers can
// type-switch on value types.
func deref(d Data) Data {
	switch v := d.(type) {
	case *UserMessage:
		return *v
	case *AgentMessage:
		return *v
	case *AgentToken:
		return *v
	case *ToolCall:
		return *v
	case *ToolResult:
		return *v
	case *Thinking:
		return *v
	case *LocalSystemMessage:
		return *v
	case *CompactionSummary:
		return *v
	default:
		return d
	}
}

// IsMessage reports whether t is a user/assistant message event. The
// compaction preserve-window is counted in message events.
func IsMessage(t Type) bool {
	return t == TypeUserMessage || t == TypeAgentMessage
}
