// Package tools defines the tool contract and the executor that runs
// model-requested tool calls: schema validation, approval gating,
// retries, circuit breaking, and bounded-parallel batch dispatch.
package tools

import (
	"context"
)

// Tool is a capability exposed to the model. Schema is a JSON Schema
// document validating the call input; the executor rejects non-conforming
// inputs before Execute runs.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Approvable marks tools that need an explicit go-ahead before running.
// Tools without this interface never prompt.
type Approvable interface {
	RequiresApproval() bool
}

func requiresApproval(t Tool) bool {
	a, ok := t.(Approvable)
	return ok && a.RequiresApproval()
}

// Invocation carries the call site's identity down to tools through the
// context. Tools read it with InvocationFrom; absent values are zero.
type Invocation struct {
	ThreadID   string
	SessionID  string
	AgentName  string
	WorkingDir string
	Env        []string
}

type invocationKey struct{}

func WithInvocation(ctx context.Context, inv Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

func InvocationFrom(ctx context.Context) Invocation {
	inv, _ := ctx.Value(invocationKey{}).(Invocation)
	return inv
}
