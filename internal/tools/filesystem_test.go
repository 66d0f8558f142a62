package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFileTool(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "note.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := NewReadFileTool(ws, true)

	r := tool.Execute(context.Background(), map[string]any{"path": "note.txt"})
	if r.IsError || r.Content != "hello" {
		t.Errorf("result = %+v", r)
	}

	r = tool.Execute(context.Background(), map[string]any{"path": "missing.txt"})
	if !r.IsError || r.Category != CategoryValidation {
		t.Errorf("missing file: %+v", r)
	}
}

func TestWriteFileToolCreatesDirectories(t *testing.T) {
	ws := t.TempDir()
	tool := NewWriteFileTool(ws, true)

	r := tool.Execute(context.Background(), map[string]any{
		"path": "deep/nested/out.txt", "content": "data",
	})
	if r.IsError {
		t.Fatalf("result = %+v", r)
	}
	got, err := os.ReadFile(filepath.Join(ws, "deep/nested/out.txt"))
	if err != nil || string(got) != "data" {
		t.Errorf("file = %q, %v", got, err)
	}
}

func TestWriteFileToolRequiresApproval(t *testing.T) {
	tool := NewWriteFileTool(t.TempDir(), true)
	if !tool.RequiresApproval() {
		t.Error("write_file must be approval-gated")
	}
}

func TestListDirTool(t *testing.T) {
	ws := t.TempDir()
	os.Mkdir(filepath.Join(ws, "sub"), 0o755)
	os.WriteFile(filepath.Join(ws, "b.txt"), nil, 0o644)
	os.WriteFile(filepath.Join(ws, "a.txt"), nil, 0o644)

	tool := NewListDirTool(ws, true)
	r := tool.Execute(context.Background(), map[string]any{})
	if r.IsError {
		t.Fatalf("result = %+v", r)
	}
	lines := strings.Split(r.Content, "\n")
	want := []string{"a.txt", "b.txt", "sub/"}
	if len(lines) != len(want) {
		t.Fatalf("entries = %v", lines)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("entry %d = %q, want %q", i, lines[i], w)
		}
	}
}

func TestWorkspaceRestriction(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("x"), 0o644)

	cases := []struct {
		name string
		path string
	}{
		{"absolute outside", filepath.Join(outside, "secret.txt")},
		{"dotdot escape", "../" + filepath.Base(outside) + "/secret.txt"},
	}
	tool := NewReadFileTool(ws, true)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := tool.Execute(context.Background(), map[string]any{"path": tc.path})
			if !r.IsError || r.Category != CategoryPermission {
				t.Errorf("result = %+v, want permission error", r)
			}
		})
	}
}

func TestUnrestrictedAllowsOutsidePaths(t *testing.T) {
	ws := t.TempDir()
	outside := t.TempDir()
	os.WriteFile(filepath.Join(outside, "open.txt"), []byte("visible"), 0o644)

	tool := NewReadFileTool(ws, false)
	r := tool.Execute(context.Background(), map[string]any{"path": filepath.Join(outside, "open.txt")})
	if r.IsError || r.Content != "visible" {
		t.Errorf("result = %+v", r)
	}
}

func TestInvocationWorkingDirAnchorsRelativePaths(t *testing.T) {
	ws := t.TempDir()
	sub := filepath.Join(ws, "project")
	os.MkdirAll(sub, 0o755)
	os.WriteFile(filepath.Join(sub, "local.txt"), []byte("here"), 0o644)

	tool := NewReadFileTool(ws, true)
	ctx := WithInvocation(context.Background(), Invocation{WorkingDir: sub})
	r := tool.Execute(ctx, map[string]any{"path": "local.txt"})
	if r.IsError || r.Content != "here" {
		t.Errorf("result = %+v", r)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	tool := NewReadFileTool(t.TempDir(), true)
	r := tool.Execute(context.Background(), map[string]any{})
	if !r.IsError {
		t.Error("empty path should fail")
	}
}
