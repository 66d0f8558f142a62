package tools

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/lacehq/lace/internal/providers"
)

// ApprovalPolicy gates tools that declare RequiresApproval. Decline is
// not an error: the call becomes a permission-category result.
type ApprovalPolicy interface {
	Approve(ctx context.Context, call providers.ToolCall) (bool, error)
}

// AutoApprove approves everything; the policy for non-interactive runs
// that trust their configured tool set.
type AutoApprove struct{}

func (AutoApprove) Approve(context.Context, providers.ToolCall) (bool, error) { return true, nil }

// DenyAll rejects every gated call; useful for ephemeral agents that
// must never touch approval-gated tools.
type DenyAll struct{}

func (DenyAll) Approve(context.Context, providers.ToolCall) (bool, error) { return false, nil }

// InteractiveApproval prompts on the terminal. One prompt at a time;
// parallel batches serialize through the executor's approval path.
type InteractiveApproval struct{}

func (InteractiveApproval) Approve(_ context.Context, call providers.ToolCall) (bool, error) {
	input := string(call.Input)
	if len(input) > 400 {
		input = input[:400] + "..."
	}

	approved := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Allow tool %q?", call.Name)).
			Description(input).
			Affirmative("Allow").
			Negative("Deny").
			Value(&approved),
	))
	if err := form.Run(); err != nil {
		return false, fmt.Errorf("approval prompt: %w", err)
	}
	return approved, nil
}
