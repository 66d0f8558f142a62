package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/lacehq/lace/internal/tools"
)

// bridgeTool adapts one remote MCP tool to the local tool contract.
// Calls are forwarded over the server connection with a per-server
// timeout; a disconnected server fails fast as a network error so the
// executor's retry policy applies.
type bridgeTool struct {
	name        string
	description string
	schema      map[string]any
	server      string
	remoteName  string
	client      *mcpclient.Client
	timeout     time.Duration
	connected   *atomic.Bool
}

func newBridgeTool(server, prefix string, t mcpgo.Tool, client *mcpclient.Client, timeout time.Duration, connected *atomic.Bool) *bridgeTool {
	if prefix == "" {
		prefix = server
	}
	schema := schemaToMap(t.InputSchema)
	return &bridgeTool{
		name:        prefix + "_" + t.Name,
		description: t.Description,
		schema:      schema,
		server:      server,
		remoteName:  t.Name,
		client:      client,
		timeout:     timeout,
		connected:   connected,
	}
}

func (b *bridgeTool) Name() string        { return b.name }
func (b *bridgeTool) Description() string { return b.description }

func (b *bridgeTool) Schema() map[string]any { return b.schema }

// RequiresApproval: remote tools run arbitrary server-side code, so
// they go through the approval gate like shell does.
func (b *bridgeTool) RequiresApproval() bool { return true }

func (b *bridgeTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	if !b.connected.Load() {
		return tools.Errorf(tools.CategoryNetwork, "MCP server %q is disconnected", b.server)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.remoteName
	req.Params.Arguments = args

	result, err := b.client.CallTool(callCtx, req)
	if err != nil {
		switch {
		case callCtx.Err() == context.DeadlineExceeded:
			return tools.Errorf(tools.CategoryTimeout, "MCP call %s timed out after %s", b.remoteName, b.timeout)
		case ctx.Err() == context.Canceled:
			return tools.Errorf(tools.CategoryCancelled, "MCP call %s cancelled", b.remoteName)
		default:
			return tools.Errorf(tools.CategoryNetwork, "MCP call %s failed: %v", b.remoteName, err)
		}
	}

	content := flattenContent(result.Content)
	if result.IsError {
		return tools.Errorf(tools.CategoryUnknown, "%s", content)
	}
	return tools.NewResult(content).WithMetadata("mcp_server", b.server)
}

// schemaToMap round-trips the typed MCP schema into the plain JSON
// document the registry's validator expects.
func schemaToMap(s mcpgo.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(s)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return map[string]any{"type": "object"}
	}
	// A zero-value schema marshals with an empty type; the validator
	// needs a real one.
	if typ, ok := doc["type"].(string); !ok || typ == "" {
		doc["type"] = "object"
	}
	return doc
}

// flattenContent joins the content blocks into one string. Non-text
// blocks are summarized rather than dropped.
func flattenContent(blocks []mcpgo.Content) string {
	var parts []string
	for _, block := range blocks {
		switch c := block.(type) {
		case mcpgo.TextContent:
			parts = append(parts, c.Text)
		case mcpgo.ImageContent:
			parts = append(parts, fmt.Sprintf("[image: %s, %d bytes base64]", c.MIMEType, len(c.Data)))
		case mcpgo.EmbeddedResource:
			if text, ok := c.Resource.(mcpgo.TextResourceContents); ok {
				parts = append(parts, text.Text)
			} else {
				parts = append(parts, "[embedded resource]")
			}
		default:
			parts = append(parts, fmt.Sprintf("[unsupported content type %T]", block))
		}
	}
	return strings.Join(parts, "\n")
}
