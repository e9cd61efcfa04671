package bootstrap

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Budgets are in bytes; cuts always land on rune boundaries.
const (
	DefaultMaxCharsPerFile = 20_000
	DefaultTotalMaxChars   = 24_000

	// minFileBudget stops loading once less than this remains.
	minFileBudget = 64

	headShare = 0.7
	tailShare = 0.2
)

// TruncateConfig bounds how much workspace text reaches the prompt.
type TruncateConfig struct {
	MaxCharsPerFile int
	TotalMaxChars   int
}

func DefaultTruncateConfig() TruncateConfig {
	return TruncateConfig{MaxCharsPerFile: DefaultMaxCharsPerFile, TotalMaxChars: DefaultTotalMaxChars}
}

// BuildContextFiles keeps files in order, skipping missing or blank ones.
// Each file is cut to MaxCharsPerFile (head and tail kept, with a marker
// pointing at the full file) and all files share TotalMaxChars.
func BuildContextFiles(files []File, cfg TruncateConfig) []ContextFile {
	if cfg.MaxCharsPerFile <= 0 {
		cfg.MaxCharsPerFile = DefaultMaxCharsPerFile
	}
	if cfg.TotalMaxChars <= 0 {
		cfg.TotalMaxChars = DefaultTotalMaxChars
	}

	var out []ContextFile
	left := cfg.TotalMaxChars
	for _, f := range files {
		if left < minFileBudget {
			break
		}
		if f.Missing || strings.TrimSpace(f.Content) == "" {
			continue
		}
		content := headTail(f.Content, f.Name, cfg.MaxCharsPerFile)
		if len(content) > left {
			content = cutRunes(content, left-len("…")) + "…"
		}
		out = append(out, ContextFile{Path: f.Name, Content: content})
		left -= len(content)
	}
	return out
}

func headTail(content, name string, limit int) string {
	if len(content) <= limit {
		return content
	}
	head := cutRunes(content, int(float64(limit)*headShare))
	tail := lastRunes(content, int(float64(limit)*tailShare))
	return fmt.Sprintf("%s\n\n[...truncated, read %s for full content...]\n...(%s: kept %d+%d of %d bytes)...\n\n%s",
		head, name, name, len(head), len(tail), len(content), tail)
}

// cutRunes returns the longest prefix of s no longer than n bytes.
func cutRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// lastRunes returns the longest suffix of s no longer than n bytes.
func lastRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
