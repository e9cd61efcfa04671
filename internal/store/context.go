package store

import "context"

type contextKey string

const (
	// UserIDKey is the context key for the external user ID (TEXT, free-form).
	UserIDKey contextKey = "clawworker_user_id"
	// AgentIDKey is the context key for the normalized agent ID.
	AgentIDKey contextKey = "clawworker_agent_id"
	// SessionIDKey is the context key for the active session ID.
	SessionIDKey contextKey = "clawworker_session_id"
)

// WithUserID returns a new context with the given user ID.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

// UserIDFromContext extracts the user ID from context. Returns "" if not set.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// WithAgentID returns a new context with the given agent ID.
func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, AgentIDKey, id)
}

// AgentIDFromContext extracts the agent ID from context. Returns "" if not set.
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(AgentIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID returns a new context with the given session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey, id)
}

// SessionIDFromContext extracts the session ID from context. Returns "" if not set.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(SessionIDKey).(string); ok {
		return v
	}
	return ""
}
