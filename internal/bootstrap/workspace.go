// Package bootstrap loads per-agent workspace files (AGENTS.md and friends)
// and folds them into the agent's system prompt.
package bootstrap

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFileNames are read from the workspace root when an agent does not
// name its own context files.
var DefaultFileNames = []string{"AGENTS.md", "TOOLS.md"}

// File is one workspace file as read from disk.
type File struct {
	Name    string
	Content string
	Missing bool
}

// ContextFile is a File after truncation, ready for the prompt.
type ContextFile struct {
	Path    string
	Content string
}

// LoadWorkspaceFiles reads names relative to dir. Names that escape dir are
// skipped; unreadable files are reported as Missing.
func LoadWorkspaceFiles(dir string, names []string) []File {
	if len(names) == 0 {
		names = DefaultFileNames
	}
	files := make([]File, 0, len(names))
	for _, name := range names {
		clean := filepath.Clean(name)
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			slog.Warn("bootstrap: context file outside workspace ignored", "file", name)
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, clean))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("bootstrap: read context file", "file", name, "error", err)
			}
			files = append(files, File{Name: clean, Missing: true})
			continue
		}
		files = append(files, File{Name: clean, Content: string(data)})
	}
	return files
}

// ComposeSystemPrompt appends context files to base under a "Workspace
// Context" heading. base is returned unchanged when there are no files.
func ComposeSystemPrompt(base string, files []ContextFile) string {
	if len(files) == 0 {
		return base
	}
	var sb strings.Builder
	if base != "" {
		sb.WriteString(strings.TrimRight(base, "\n"))
		sb.WriteString("\n\n")
	}
	sb.WriteString("# Workspace Context\n\nThe following files were loaded from your workspace.\n")
	for _, f := range files {
		sb.WriteString("\n## ")
		sb.WriteString(f.Path)
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimRight(f.Content, "\n"))
		sb.WriteString("\n")
	}
	return sb.String()
}
