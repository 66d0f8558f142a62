package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 256 * 1024

// ReadFileTool reads file contents relative to the invocation's working
// directory. When restrict is set, paths outside the workspace are
// rejected.
type ReadFileTool struct {
	workspace string
	restrict  bool
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	resolved, err := resolvePath(ctx, t.workspace, t.restrict, path)
	if err != nil {
		return Errorf(CategoryPermission, "%v", err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf(CategoryValidation, "file not found: %s", path)
		}
		if os.IsPermission(err) {
			return Errorf(CategoryPermission, "permission denied: %s", path)
		}
		return Errorf(CategoryUnknown, "read %s: %v", path, err)
	}
	if len(data) > maxReadBytes {
		return NewResult(string(data[:maxReadBytes])).WithMetadata("truncated", true)
	}
	return NewResult(string(data))
}

// WriteFileTool writes content to a file, creating parent directories.
// Approval-gated: writes mutate the host.
type WriteFileTool struct {
	workspace string
	restrict  bool
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func (t *WriteFileTool) Name() string           { return "write_file" }
func (t *WriteFileTool) Description() string    { return "Write content to a file, creating it if needed" }
func (t *WriteFileTool) RequiresApproval() bool { return true }

func (t *WriteFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, err := resolvePath(ctx, t.workspace, t.restrict, path)
	if err != nil {
		return Errorf(CategoryPermission, "%v", err)
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Errorf(CategoryUnknown, "create directories for %s: %v", path, err)
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		if os.IsPermission(err) {
			return Errorf(CategoryPermission, "permission denied: %s", path)
		}
		return Errorf(CategoryUnknown, "write %s: %v", path, err)
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

// ListDirTool lists directory entries, directories suffixed with "/".
type ListDirTool struct {
	workspace string
	restrict  bool
}

func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{workspace: workspace, restrict: restrict}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the entries of a directory" }
func (t *ListDirTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list; defaults to the working directory",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(ctx, t.workspace, t.restrict, path)
	if err != nil {
		return Errorf(CategoryPermission, "%v", err)
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return Errorf(CategoryValidation, "directory not found: %s", path)
		}
		return Errorf(CategoryUnknown, "list %s: %v", path, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return NewResult(strings.Join(names, "\n"))
}

// resolvePath anchors a possibly-relative path at the invocation working
// directory (falling back to the tool workspace) and enforces the
// workspace restriction.
func resolvePath(ctx context.Context, workspace string, restrict bool, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	base := InvocationFrom(ctx).WorkingDir
	if base == "" {
		base = workspace
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	path = filepath.Clean(path)

	if restrict && workspace != "" {
		abs, err := filepath.Abs(workspace)
		if err != nil {
			return "", fmt.Errorf("resolve workspace: %w", err)
		}
		if path != abs && !strings.HasPrefix(path, abs+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
	}
	return path, nil
}
