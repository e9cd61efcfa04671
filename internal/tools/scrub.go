package tools

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// builtinSecretPatterns match well-known credential formats.
var builtinSecretPatterns = []string{
	`sk-ant-[a-zA-Z0-9-]{20,}`,
	`sk-[a-zA-Z0-9]{20,}`,
	`gh[pousr]_[a-zA-Z0-9]{36}`,
	`AKIA[A-Z0-9]{16}`,
	`xox[baprs]-[a-zA-Z0-9-]{10,}`,
	`(?i)(api[_-]?key|token|secret|password|bearer|authorization)\s*[:=]\s*["']?\S{8,}["']?`,
}

// minSecretLen keeps short literals (ports, "true") from being redacted
// everywhere they appear.
const minSecretLen = 8

// Scrubber redacts credentials from tool output before it reaches the
// model: built-in formats, extra patterns from config, and the literal
// secret values the process itself holds.
type Scrubber struct {
	patterns []*regexp.Regexp
	literals []string
}

// DefaultScrubber uses only the built-in patterns.
var DefaultScrubber = mustScrubber(NewScrubber(nil))

// NewScrubber compiles the built-in patterns plus extra. Literal secrets
// shorter than 8 characters are ignored.
func NewScrubber(extra []string, secrets ...string) (*Scrubber, error) {
	s := &Scrubber{}
	for _, expr := range slices.Concat(builtinSecretPatterns, extra) {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("scrub pattern %q: %w", expr, err)
		}
		s.patterns = append(s.patterns, re)
	}
	for _, v := range secrets {
		if len(v) >= minSecretLen && !slices.Contains(s.literals, v) {
			s.literals = append(s.literals, v)
		}
	}
	// Longest first so a secret containing another is replaced whole.
	slices.SortFunc(s.literals, func(a, b string) int { return len(b) - len(a) })
	return s, nil
}

func mustScrubber(s *Scrubber, err error) *Scrubber {
	if err != nil {
		panic(err)
	}
	return s
}

// Scrub returns text with every match replaced by [REDACTED].
func (s *Scrubber) Scrub(text string) string {
	if s == nil || text == "" {
		return text
	}
	for _, lit := range s.literals {
		text = strings.ReplaceAll(text, lit, redactedPlaceholder)
	}
	for _, re := range s.patterns {
		text = re.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// ScrubCredentials applies DefaultScrubber.
func ScrubCredentials(text string) string {
	return DefaultScrubber.Scrub(text)
}
