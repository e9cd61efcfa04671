package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestResolvePath(t *testing.T) {
	ws := t.TempDir()
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative", "notes.txt", false},
		{"nested", "a/b/c.txt", false},
		{"inside absolute", filepath.Join(ws, "x.txt"), false},
		{"parent escape", "../etc/passwd", true},
		{"outside absolute", "/etc/passwd", true},
		{"dotdot prefix name", "..notes", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolvePath(ws, tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("resolvePath(%q) err = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestReadFileTool(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "hello.txt"), []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := NewReadFileTool(ws)

	r := tool.Execute(context.Background(), map[string]any{"path": "hello.txt"})
	if r.IsError() || r.Content != "hello world" {
		t.Errorf("read = %+v", r)
	}

	r = tool.Execute(context.Background(), map[string]any{"path": "../outside.txt"})
	if !r.IsError() {
		t.Error("expected error for path escape")
	}

	r = tool.Execute(context.Background(), map[string]any{})
	if !r.IsError() {
		t.Error("expected error for missing path")
	}
}

func TestReadFileTool_WorkspaceFromContext(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, "ctx.txt"), []byte("from ctx"), 0o644); err != nil {
		t.Fatal(err)
	}
	tool := NewReadFileTool(t.TempDir())
	ctx := WithToolWorkspace(context.Background(), ws)
	r := tool.Execute(ctx, map[string]any{"path": "ctx.txt"})
	if r.Content != "from ctx" {
		t.Errorf("content = %q, want from ctx", r.Content)
	}
}

func TestListFilesTool(t *testing.T) {
	ws := t.TempDir()
	os.WriteFile(filepath.Join(ws, "b.txt"), nil, 0o644)
	os.WriteFile(filepath.Join(ws, "a.txt"), nil, 0o644)
	os.Mkdir(filepath.Join(ws, "sub"), 0o755)

	r := NewListFilesTool(ws).Execute(context.Background(), map[string]any{})
	if r.IsError() {
		t.Fatalf("list: %s", r.Content)
	}
	if r.Content != "a.txt\nb.txt\nsub/" {
		t.Errorf("content = %q", r.Content)
	}
}

func TestReadImageTool_Artifact(t *testing.T) {
	ws := t.TempDir()
	path := filepath.Join(ws, "pic.png")
	if err := os.WriteFile(path, pngBytes(t, 16, 16), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewReadImageTool(ws).Execute(context.Background(), map[string]any{"path": "pic.png"})
	if r.Type != ResultImage {
		t.Fatalf("type = %q, want image (%s)", r.Type, r.Content)
	}
	if arts := r.Artifacts(); len(arts) != 1 || arts[0] != path {
		t.Errorf("artifacts = %v", arts)
	}
}

func TestCurrentTimeTool(t *testing.T) {
	tool := NewCurrentTimeTool()
	tool.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

	r := tool.Execute(context.Background(), map[string]any{})
	if !strings.HasPrefix(r.Content, "2026-03-02T10:00:00Z") || !strings.Contains(r.Content, "Monday") {
		t.Errorf("content = %q", r.Content)
	}
	r = tool.Execute(context.Background(), map[string]any{"timezone": "Not/AZone"})
	if !r.IsError() {
		t.Error("expected error for unknown timezone")
	}
}
