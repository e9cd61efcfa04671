package tools

import "context"

type toolCtxKey string

const (
	ctxAgentID   toolCtxKey = "tool_agent_id"
	ctxSessionID toolCtxKey = "tool_session_id"
	ctxTaskID    toolCtxKey = "tool_task_id"
	ctxWorkspace toolCtxKey = "tool_workspace"
)

func WithToolAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxAgentID, id)
}

func ToolAgentIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentID).(string)
	return v
}

func WithToolSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxSessionID, id)
}

func ToolSessionIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionID).(string)
	return v
}

func WithToolTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxTaskID, id)
}

func ToolTaskIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxTaskID).(string)
	return v
}

// WithToolWorkspace sets the directory file tools resolve relative paths against.
func WithToolWorkspace(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, ctxWorkspace, dir)
}

func ToolWorkspaceFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxWorkspace).(string)
	return v
}
