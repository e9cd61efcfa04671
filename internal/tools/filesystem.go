package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	defaultReadLimit = 200_000
	maxListEntries   = 500
)

var errOutsideWorkspace = errors.New("path is outside the workspace")

// resolvePath maps a tool-supplied path into the workspace. Absolute paths
// are accepted only when they already live under it.
func resolvePath(workspace, p string) (string, error) {
	if workspace == "" {
		return "", errors.New("no workspace configured")
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", err
	}
	var full string
	if filepath.IsAbs(p) {
		full = filepath.Clean(p)
	} else {
		full = filepath.Join(root, p)
	}
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", errOutsideWorkspace, p)
	}
	return full, nil
}

func workspaceFor(ctx context.Context, fallback string) string {
	if ws := ToolWorkspaceFromCtx(ctx); ws != "" {
		return ws
	}
	return fallback
}

// ReadFileTool returns the text content of a file in the workspace.
type ReadFileTool struct {
	workspace string
	limit     int
}

func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, limit: defaultReadLimit}
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read a UTF-8 text file from the workspace. Paths are relative to the workspace root."
}
func (t *ReadFileTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "File path relative to the workspace"},
	}, "path")
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	p, _ := args["path"].(string)
	if p == "" {
		return ErrorResult("path is required")
	}
	full, err := resolvePath(workspaceFor(ctx, t.workspace), p)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", p, err)).WithError(err)
	}
	if !utf8.Valid(data) {
		return ErrorResult(fmt.Sprintf("%s is not a text file; use read_image for images", p))
	}
	if len(data) > t.limit {
		return NewResult(string(data[:t.limit]) + fmt.Sprintf("\n...[file truncated, %d bytes total]", len(data)))
	}
	return NewResult(string(data))
}

// ListFilesTool lists a workspace directory.
type ListFilesTool struct {
	workspace string
}

func NewListFilesTool(workspace string) *ListFilesTool {
	return &ListFilesTool{workspace: workspace}
}

func (t *ListFilesTool) Name() string { return "list_files" }
func (t *ListFilesTool) Description() string {
	return "List entries of a workspace directory. Directories are suffixed with /."
}
func (t *ListFilesTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "Directory relative to the workspace (default: root)"},
	})
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]any) *Result {
	p, _ := args["path"].(string)
	if p == "" {
		p = "."
	}
	full, err := resolvePath(workspaceFor(ctx, t.workspace), p)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list %s: %v", p, err)).WithError(err)
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
	if len(names) > maxListEntries {
		extra := len(names) - maxListEntries
		names = append(names[:maxListEntries], fmt.Sprintf("... and %d more", extra))
	}
	if len(names) == 0 {
		return NewResult("(empty directory)")
	}
	return NewResult(strings.Join(names, "\n"))
}

// ReadImageTool loads an image from the workspace as an image result.
type ReadImageTool struct {
	workspace string
}

func NewReadImageTool(workspace string) *ReadImageTool {
	return &ReadImageTool{workspace: workspace}
}

func (t *ReadImageTool) Name() string { return "read_image" }
func (t *ReadImageTool) Description() string {
	return "Load an image file (JPEG, PNG, GIF) from the workspace so you can look at it."
}
func (t *ReadImageTool) Parameters() map[string]any {
	return objectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "Image path relative to the workspace"},
	}, "path")
}

func (t *ReadImageTool) Execute(ctx context.Context, args map[string]any) *Result {
	p, _ := args["path"].(string)
	if p == "" {
		return ErrorResult("path is required")
	}
	full, err := resolvePath(workspaceFor(ctx, t.workspace), p)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", p, err)).WithError(err)
	}
	return ImageResultFromBytes(data).WithMeta(MetaArtifact, full)
}

// RegisterBuiltins adds the core local tools rooted at workspace.
func RegisterBuiltins(reg *Registry, workspace string) {
	reg.Register(NewCurrentTimeTool())
	reg.Register(NewReadFileTool(workspace))
	reg.Register(NewListFilesTool(workspace))
	reg.Register(NewReadImageTool(workspace))
}
