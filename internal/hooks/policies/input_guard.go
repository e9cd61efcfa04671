package policies

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/nextlevelbuilder/clawworker/internal/hooks"
)

// Guard actions.
const (
	GuardOff   = "off"
	GuardLog   = "log"
	GuardWarn  = "warn" // default
	GuardBlock = "block"
)

type guardPattern struct {
	name    string
	pattern *regexp.Regexp
}

// InputGuard scans inbound messages for known prompt injection patterns.
// Input is NFKC-normalized first so full-width and compatibility forms
// match the same patterns as plain ASCII.
type InputGuard struct {
	Action   string
	patterns []guardPattern
}

// NewInputGuard creates an InputGuard with the default pattern set.
// Unknown actions fall back to warn.
func NewInputGuard(action string) *InputGuard {
	switch action {
	case GuardOff, GuardLog, GuardWarn, GuardBlock:
	default:
		action = GuardWarn
	}
	return &InputGuard{Action: action, patterns: defaultGuardPatterns()}
}

// Scan returns the names of matched patterns (nil = clean).
func (g *InputGuard) Scan(message string) []string {
	if message == "" {
		return nil
	}
	normalized := norm.NFKC.String(message)
	var matches []string
	for _, gp := range g.patterns {
		if gp.pattern.MatchString(normalized) {
			matches = append(matches, gp.name)
		}
	}
	return matches
}

// PatternNames returns the names of all configured patterns.
func (g *InputGuard) PatternNames() []string {
	names := make([]string, len(g.patterns))
	for i, gp := range g.patterns {
		names[i] = gp.name
	}
	return names
}

// Register installs the guard on message_received.
func (g *InputGuard) Register(r *hooks.Runner) string {
	if g.Action == GuardOff || len(g.patterns) == 0 {
		return ""
	}
	return r.OnMessageReceived(func(ctx context.Context, hc hooks.Context, ev hooks.MessageEvent) (hooks.MessageDecision, error) {
		matches := g.Scan(ev.Text)
		if len(matches) == 0 {
			return hooks.MessageDecision{}, nil
		}
		attrs := []any{"patterns", strings.Join(matches, ","), "agent", hc.AgentID, "session", hc.SessionID, "user", ev.UserID}
		switch g.Action {
		case GuardLog:
			slog.Info("security.injection_detected", attrs...)
		case GuardBlock:
			slog.Warn("security.injection_blocked", attrs...)
			return hooks.MessageDecision{
				Block:  true,
				Reason: fmt.Sprintf("message rejected: possible prompt injection (%s)", strings.Join(matches, ", ")),
			}, nil
		default:
			slog.Warn("security.injection_detected", attrs...)
		}
		return hooks.MessageDecision{}, nil
	}, hooks.WithName("input_guard"), hooks.WithPriority(hooks.PriorityHighest))
}

func defaultGuardPatterns() []guardPattern {
	return []guardPattern{
		{
			name:    "ignore_instructions",
			pattern: regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier|preceding)\s+(instructions?|rules?|prompts?|directives?|guidelines?)`),
		},
		{
			name:    "role_override",
			pattern: regexp.MustCompile(`(?i)(you are now|from now on you are|pretend you are|act as if you are|imagine you are)\s+`),
		},
		{
			name:    "system_tags",
			pattern: regexp.MustCompile(`(?i)</?system>|\[SYSTEM\]|\[INST\]|<<SYS>>|<\|im_start\|>system`),
		},
		{
			name:    "instruction_injection",
			pattern: regexp.MustCompile(`(?i)(new instructions?:|override:|system prompt:|<\|system\|>)`),
		},
		{
			name:    "null_bytes",
			pattern: regexp.MustCompile(`\x00`),
		},
		{
			name:    "delimiter_escape",
			pattern: regexp.MustCompile(`(?i)(end of system|begin user input|</?(instructions?|rules|prompt|context)>)`),
		},
	}
}
