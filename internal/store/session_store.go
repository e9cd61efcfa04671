package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/clawworker/internal/providers"
)

// ErrSessionNotFound is returned when a session ID (or task lookup) matches nothing.
var ErrSessionNotFound = errors.New("session not found")

// Session kinds.
const (
	SessionKindTask = "task"
	SessionKindChat = "chat"
)

// Session is one conversation owned by an agent. Task sessions carry the
// task ID so a re-assigned task resumes its conversation.
type Session struct {
	ID           string    `json:"id" db:"id"`
	AgentID      string    `json:"agent_id" db:"agent_id"`
	TaskID       string    `json:"task_id,omitempty" db:"task_id"`
	Kind         string    `json:"kind" db:"kind"`
	MessageCount int       `json:"message_count" db:"message_count"`
	InputTokens  int64     `json:"input_tokens" db:"input_tokens"`
	OutputTokens int64     `json:"output_tokens" db:"output_tokens"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// ToolCallRecord is the audit row written for each tool invocation.
type ToolCallRecord struct {
	SessionID string         `json:"session_id"`
	ToolUseID string         `json:"tool_use_id"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToolResultRecord is the audit row written for each tool outcome.
type ToolResultRecord struct {
	SessionID  string    `json:"session_id"`
	ToolUseID  string    `json:"tool_use_id"`
	IsError    bool      `json:"is_error"`
	Content    string    `json:"content"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionFilter narrows ListSessions. Zero values mean "any".
type SessionFilter struct {
	AgentID string
	Kind    string
	Limit   int
}

// SessionStore persists conversations.
// Messages are the source of truth for context reload; tool calls, results
// and usage are audit records that never feed back into the conversation.
type SessionStore interface {
	// CreateSession starts a new session; taskID is empty for chat turns.
	CreateSession(ctx context.Context, agentID, taskID string) (string, error)
	// FindTaskSession returns the newest session for (agentID, taskID) or ErrSessionNotFound.
	FindTaskSession(ctx context.Context, agentID, taskID string) (string, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]Session, error)

	// LoadMessagesForContext returns the stored conversation in order.
	LoadMessagesForContext(ctx context.Context, sessionID string) ([]providers.Message, error)
	AppendMessage(ctx context.Context, sessionID string, msg providers.Message) error
	AppendToolCall(ctx context.Context, rec ToolCallRecord) error
	AppendToolResult(ctx context.Context, rec ToolResultRecord) error
	AppendUsage(ctx context.Context, sessionID, model string, usage providers.Usage) error

	Close() error
}
