package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

const defaultShellTimeout = 60 * time.Second

// ShellTool runs a command through the shell in the invocation's working
// directory. Always approval-gated.
type ShellTool struct {
	workspace string
	timeout   time.Duration
}

func NewShellTool(workspace string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = defaultShellTimeout
	}
	return &ShellTool{workspace: workspace, timeout: timeout}
}

func (t *ShellTool) Name() string           { return "shell" }
func (t *ShellTool) Description() string    { return "Run a shell command and return its output" }
func (t *ShellTool) RequiresApproval() bool { return true }

func (t *ShellTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to run",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return Errorf(CategoryValidation, "command is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	inv := InvocationFrom(ctx)
	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if inv.WorkingDir != "" {
		cmd.Dir = inv.WorkingDir
	} else if t.workspace != "" {
		cmd.Dir = t.workspace
	}
	if len(inv.Env) > 0 {
		cmd.Env = inv.Env
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()
	if len(output) > maxReadBytes {
		output = output[:maxReadBytes] + "\n[output truncated]"
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return Errorf(CategoryTimeout, "command timed out after %s\n%s", t.timeout, output)
	}
	if ctx.Err() != nil {
		return Errorf(CategoryCancelled, "command cancelled\n%s", output)
	}
	if err != nil {
		return Errorf(CategoryUnknown, "command failed: %v\n%s", err, output)
	}
	if output == "" {
		output = fmt.Sprintf("command %q completed with no output", command)
	}
	return NewResult(output)
}
