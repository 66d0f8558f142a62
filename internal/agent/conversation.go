package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lacehq/lace/internal/events"
	"github.com/lacehq/lace/internal/providers"
)

// BuildConversation turns an event log into a provider request history.
// It tolerates any prefix of a valid log: tool calls whose results never
// arrived, and results whose calls were compacted away, are dropped so
// the provider always sees paired tool traffic.
func BuildConversation(evs []events.Event) []providers.Message {
	resolved := make(map[string]bool)
	for _, ev := range evs {
		if tr, ok := ev.Data.(events.ToolResult); ok {
			resolved[tr.CallID] = true
		}
	}
	called := make(map[string]bool)
	for _, ev := range evs {
		if tc, ok := ev.Data.(events.ToolCall); ok {
			called[tc.CallID] = true
		}
	}

	var msgs []providers.Message

	// flushAssistant closes the current assistant message, if any.
	var pending *providers.Message
	flushAssistant := func() {
		if pending != nil && (pending.Content != "" || len(pending.ToolCalls) > 0) {
			msgs = append(msgs, *pending)
		}
		pending = nil
	}

	for _, ev := range evs {
		switch d := ev.Data.(type) {
		case events.UserMessage:
			flushAssistant()
			msgs = append(msgs, providers.Message{Role: "user", Content: d.Content})

		case events.AgentMessage:
			flushAssistant()
			pending = &providers.Message{Role: "assistant", Content: d.Content}

		case events.ToolCall:
			if !resolved[d.CallID] {
				continue // orphan: result never landed
			}
			if pending == nil {
				pending = &providers.Message{Role: "assistant"}
			}
			pending.ToolCalls = append(pending.ToolCalls, providers.ToolCall{
				ID: d.CallID, Name: d.ToolName, Input: d.Input,
			})

		case events.ToolResult:
			if !called[d.CallID] {
				continue // orphan: call was compacted away
			}
			flushAssistant()
			msgs = append(msgs, providers.Message{
				Role: "tool", Content: d.Result, ToolCallID: d.CallID, IsError: d.IsError,
			})

		case events.LocalSystemMessage:
			flushAssistant()
			msgs = append(msgs, providers.Message{Role: "user", Content: "[system] " + d.Message})

		case events.CompactionSummary:
			flushAssistant()
			msgs = append(msgs, providers.Message{Role: "user", Content: renderSummary(d)})

		// THINKING markers and stream tokens never reach the provider.
		case events.Thinking, events.AgentToken:
		}
	}
	flushAssistant()
	return msgs
}

// renderSummary flattens a compaction digest into prose the model can
// use as context.
func renderSummary(cs events.CompactionSummary) string {
	d := cs.Summary
	var b strings.Builder
	fmt.Fprintf(&b, "[conversation summary] %d earlier events were condensed", d.Events)
	if !d.First.IsZero() {
		fmt.Fprintf(&b, " (from %s to %s)", d.First.Format("2006-01-02 15:04"), d.Last.Format("2006-01-02 15:04"))
	}
	b.WriteString(".")

	if len(d.TypeCounts) > 0 {
		types := make([]string, 0, len(d.TypeCounts))
		for t := range d.TypeCounts {
			types = append(types, string(t))
		}
		sort.Strings(types)
		parts := make([]string, 0, len(types))
		for _, t := range types {
			parts = append(parts, fmt.Sprintf("%s x%d", t, d.TypeCounts[events.Type(t)]))
		}
		fmt.Fprintf(&b, " Event mix: %s.", strings.Join(parts, ", "))
	}
	if len(d.ToolCalls) > 0 {
		names := make([]string, 0, len(d.ToolCalls))
		for n := range d.ToolCalls {
			names = append(names, n)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, n := range names {
			parts = append(parts, fmt.Sprintf("%s x%d", n, d.ToolCalls[n]))
		}
		fmt.Fprintf(&b, " Tools used: %s.", strings.Join(parts, ", "))
	}
	return b.String()
}
