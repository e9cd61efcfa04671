package bootstrap

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestLoadWorkspaceFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "AGENTS.md"), []byte("be terse"), 0o644); err != nil {
		t.Fatal(err)
	}

	files := LoadWorkspaceFiles(dir, nil)
	if len(files) != len(DefaultFileNames) {
		t.Fatalf("got %d files, want %d", len(files), len(DefaultFileNames))
	}
	if files[0].Name != "AGENTS.md" || files[0].Content != "be terse" || files[0].Missing {
		t.Errorf("AGENTS.md = %+v", files[0])
	}
	if !files[1].Missing {
		t.Errorf("TOOLS.md should be missing: %+v", files[1])
	}
}

func TestLoadWorkspaceFiles_RejectsEscape(t *testing.T) {
	files := LoadWorkspaceFiles(t.TempDir(), []string{"../secret.md", "/etc/passwd", "notes/../NOTES.md"})
	if len(files) != 1 || files[0].Name != "NOTES.md" {
		t.Fatalf("files = %+v", files)
	}
}

func TestBuildContextFiles_Truncates(t *testing.T) {
	big := strings.Repeat("a", 500) + strings.Repeat("z", 500)
	out := BuildContextFiles([]File{
		{Name: "EMPTY.md", Content: "   "},
		{Name: "MISSING.md", Missing: true},
		{Name: "BIG.md", Content: big},
	}, TruncateConfig{MaxCharsPerFile: 100, TotalMaxChars: 10_000})

	if len(out) != 1 || out[0].Path != "BIG.md" {
		t.Fatalf("out = %+v", out)
	}
	c := out[0].Content
	if !strings.HasPrefix(c, strings.Repeat("a", 70)) || !strings.HasSuffix(c, strings.Repeat("z", 20)) {
		t.Errorf("head/tail not kept: %q", c)
	}
	if !strings.Contains(c, "truncated, read BIG.md") {
		t.Errorf("missing truncation marker: %q", c)
	}
}

func TestBuildContextFiles_TotalBudget(t *testing.T) {
	out := BuildContextFiles([]File{
		{Name: "A.md", Content: strings.Repeat("a", 150)},
		{Name: "B.md", Content: strings.Repeat("b", 150)},
		{Name: "C.md", Content: "c"},
	}, TruncateConfig{MaxCharsPerFile: 1000, TotalMaxChars: 200})

	if len(out) != 1 {
		t.Fatalf("want only A.md before the budget drops under the minimum, got %d files", len(out))
	}
}

func TestComposeSystemPrompt(t *testing.T) {
	if got := ComposeSystemPrompt("base", nil); got != "base" {
		t.Errorf("no files: %q", got)
	}
	got := ComposeSystemPrompt("You are helpful.\n", []ContextFile{{Path: "AGENTS.md", Content: "rule one\n"}})
	want := "You are helpful.\n\n# Workspace Context\n\nThe following files were loaded from your workspace.\n\n## AGENTS.md\n\nrule one\n"
	if got != want {
		t.Errorf("got %q\nwant %q", got, want)
	}
}

func TestBuildContextFiles_CutsOnRuneBoundaries(t *testing.T) {
	text := strings.Repeat("héllo wörld ", 40)
	out := BuildContextFiles([]File{{Name: "U.md", Content: text}}, TruncateConfig{MaxCharsPerFile: 101, TotalMaxChars: 90})
	if len(out) != 1 {
		t.Fatalf("out = %+v", out)
	}
	if !utf8.ValidString(out[0].Content) {
		t.Errorf("invalid UTF-8 after truncation: %q", out[0].Content)
	}
	if len(out[0].Content) > 90 {
		t.Errorf("len = %d, want <= 90", len(out[0].Content))
	}
}
