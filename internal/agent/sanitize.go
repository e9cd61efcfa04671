package agent

import (
	"log/slog"

	"github.com/nextlevelbuilder/clawworker/internal/providers"
)

const interruptedNote = "[execution was interrupted]"

// Sanitize repairs a stored conversation before it re-enters the loop.
// A run interrupted mid-round leaves an assistant tool_use with no
// following tool_result; those calls are stripped (keeping any text) and
// results that no longer answer anything are dropped with them.
func Sanitize(sessionID string, msgs []providers.Message) []providers.Message {
	out, removed := repairPairing(msgs, interruptedNote, interruptedNote)
	if removed > 0 {
		slog.Warn("session: repaired orphaned tool calls on reload",
			"session", sessionID,
			"removed_blocks", removed,
			"messages", len(msgs))
	}
	return out
}
