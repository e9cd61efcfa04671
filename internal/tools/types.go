package tools

import (
	"context"
	"errors"

	"github.com/nextlevelbuilder/clawworker/internal/providers"
)

// ErrUnknownTool is wrapped into the error result for names no source defines.
var ErrUnknownTool = errors.New("unknown tool")

// ErrToolPanicked is wrapped into the error result of a tool whose Execute panicked.
var ErrToolPanicked = errors.New("tool panicked")

// Tool is the interface all tools must implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// ExtensionProvider supplies tools that live outside the core registry
// (MCP servers, plugins). Tools are re-resolved every round so a provider
// may add or remove tools between rounds.
type ExtensionProvider interface {
	ResolveTools(ctx context.Context) ([]Tool, error)
}

// ToProviderDef converts a Tool to a providers.ToolDefinition for LLM APIs.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
