package hooks

import (
	"context"

	"github.com/nextlevelbuilder/clawworker/internal/tools"
)

// Handler signatures, one per point. Observer handlers return only an error;
// override handlers return the replacement (zero value = no override).

type ModelResolveHandler func(ctx context.Context, hc Context, ev ModelResolveEvent) (string, error)

type PromptBuildHandler func(ctx context.Context, hc Context, ev PromptBuildEvent) (string, error)

type LLMInputHandler func(ctx context.Context, hc Context, ev LLMInputEvent) error

type LLMOutputHandler func(ctx context.Context, hc Context, ev LLMOutputEvent) error

type BeforeToolCallHandler func(ctx context.Context, hc Context, ev ToolCallEvent) (ToolCallDecision, error)

type AfterToolCallHandler func(ctx context.Context, hc Context, ev ToolResultEvent) (*tools.Result, error)

type SessionHandler func(ctx context.Context, hc Context, ev SessionEvent) error

type MessageHandler func(ctx context.Context, hc Context, ev MessageEvent) (MessageDecision, error)

type TaskHandler func(ctx context.Context, hc Context, ev TaskEvent) error
