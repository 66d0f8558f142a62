package tools

import (
	"context"
	"fmt"
)

// DelegateRunner hands a prompt to another agent in the caller's
// session. The session manager implements it; the tool is registered
// only on the full (persistent-agent) registry so spawned agents cannot
// delegate further.
type DelegateRunner interface {
	Delegate(ctx context.Context, sessionID, fromAgent, agentName, prompt string) (string, error)
}

// DelegateTool routes a prompt to a named sibling agent.
type DelegateTool struct {
	runner DelegateRunner
}

func NewDelegateTool(runner DelegateRunner) *DelegateTool {
	return &DelegateTool{runner: runner}
}

func (t *DelegateTool) Name() string { return "delegate" }

func (t *DelegateTool) Description() string {
	return "Send a prompt to another agent in this session. The target works on it on its own thread; use task_add with a new:<provider>/<model> assignee when no suitable agent exists yet."
}

func (t *DelegateTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent":  map[string]any{"type": "string", "description": "Target agent name"},
			"prompt": map[string]any{"type": "string", "description": "What the target agent should do"},
		},
		"required": []any{"agent", "prompt"},
	}
}

func (t *DelegateTool) Execute(ctx context.Context, args map[string]any) *Result {
	inv := InvocationFrom(ctx)
	agent := stringArg(args, "agent")
	prompt := stringArg(args, "prompt")
	if agent == inv.AgentName {
		return Errorf(CategoryValidation, "delegate: cannot delegate to yourself")
	}
	status, err := t.runner.Delegate(ctx, inv.SessionID, inv.AgentName, agent, prompt)
	if err != nil {
		return Errorf(CategoryValidation, "delegate: %v", err)
	}
	return NewResult(fmt.Sprintf("delegated to %s: %s", agent, status))
}
