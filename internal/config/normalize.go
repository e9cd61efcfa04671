package config

import "strings"

// DefaultAgentID names the single agent run when agents.list is empty.
const DefaultAgentID = "default"

const maxAgentIDLen = 64

// NormalizeAgentID folds a user-supplied name into the form used for queue
// keys, workspace directories and session records: lowercase [a-z0-9_-],
// runs of anything else collapsed to one "-", no leading or trailing dash,
// at most 64 bytes. Names with nothing usable map to DefaultAgentID.
func NormalizeAgentID(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
		if b.Len() >= maxAgentIDLen {
			break
		}
	}
	id := b.String()
	if len(id) > maxAgentIDLen {
		id = id[:maxAgentIDLen]
	}
	id = strings.TrimRight(id, "-")
	if id == "" {
		return DefaultAgentID
	}
	return id
}
