package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawworker/internal/providers"
)

// ExecContext carries the per-call identity a tool may need.
// Empty fields are not injected into the tool's context.
type ExecContext struct {
	AgentID   string
	SessionID string
	TaskID    string
	Workspace string
}

// Registry manages tool registration and execution.
type Registry struct {
	tools       map[string]Tool
	mu          sync.RWMutex
	rateLimiter *ToolRateLimiter // nil = no rate limiting
	scrubber    *Scrubber        // nil = output passed through unchanged
}

func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		scrubber: DefaultScrubber,
	}
}

// SetRateLimiter enables per-session tool rate limiting.
func (r *Registry) SetRateLimiter(rl *ToolRateLimiter) {
	r.rateLimiter = rl
}

// SetScrubber replaces the credential scrubber applied to tool output.
// nil disables scrubbing.
func (r *Registry) SetScrubber(s *Scrubber) {
	r.scrubber = s
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool with this name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Unregister removes a tool from the registry by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Execute runs a tool by name with the given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *Result {
	return r.ExecuteWithContext(ctx, name, args, ExecContext{})
}

// ExecuteWithContext runs a tool with agent/session/task identity.
//
// Identity values are injected into ctx so tools can read them without mutable fields,
// making tool instances thread-safe for concurrent execution.
func (r *Registry) ExecuteWithContext(ctx context.Context, name string, args map[string]any, ec ExecContext) *Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return ErrorResult(fmt.Sprintf("%s: %s", ErrUnknownTool, name)).WithError(ErrUnknownTool)
	}

	// Rate limit check (per session)
	if r.rateLimiter != nil && ec.SessionID != "" {
		if err := r.rateLimiter.Allow(ec.SessionID); err != nil {
			return ErrorResult(err.Error()).WithError(err)
		}
	}

	return r.run(withExecContext(ctx, ec), tool, args)
}

// Run executes a tool that is not registered here (an extension tool) through
// the same scrubbing and logging path.
func (r *Registry) Run(ctx context.Context, tool Tool, args map[string]any, ec ExecContext) *Result {
	return r.run(withExecContext(ctx, ec), tool, args)
}

func (r *Registry) run(ctx context.Context, tool Tool, args map[string]any) *Result {
	if args == nil {
		args = map[string]any{}
	}
	start := time.Now()
	result := r.execute(ctx, tool, args)
	duration := time.Since(start)
	if result == nil {
		result = ErrorResult("tool returned no result")
	}

	// Scrub credentials from tool output before returning to LLM.
	// Image payloads are base64 and left alone.
	if result.Type != ResultImage {
		result.Content = r.scrubber.Scrub(result.Content)
	}

	slog.Debug("tool executed",
		"tool", tool.Name(),
		"duration_ms", duration.Milliseconds(),
		"type", result.Type,
	)

	return result
}

// execute calls the tool. A panic becomes an error result wrapping
// ErrToolPanicked.
func (r *Registry) execute(ctx context.Context, tool Tool, args map[string]any) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("tool panicked", "tool", tool.Name(), "panic", rec)
			err := fmt.Errorf("%w: %v", ErrToolPanicked, rec)
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", tool.Name(), rec)).WithError(err)
		}
	}()
	return tool.Execute(ctx, args)
}

func withExecContext(ctx context.Context, ec ExecContext) context.Context {
	if ec.AgentID != "" {
		ctx = WithToolAgentID(ctx, ec.AgentID)
	}
	if ec.SessionID != "" {
		ctx = WithToolSessionID(ctx, ec.SessionID)
	}
	if ec.TaskID != "" {
		ctx = WithToolTaskID(ctx, ec.TaskID)
	}
	if ec.Workspace != "" {
		ctx = WithToolWorkspace(ctx, ec.Workspace)
	}
	return ctx
}

// ProviderDefs returns tool definitions for LLM provider APIs, sorted by name
// so the request body is stable across rounds.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, ToProviderDef(tool))
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Function.Name < defs[j].Function.Name })
	return defs
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone creates a shallow copy of the registry with all registered tools.
// The clone shares the rate limiter (thread-safe) and the scrubber.
// Used to give each agent its own filtered view of the shared core tools.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := &Registry{
		tools:       make(map[string]Tool, len(r.tools)),
		rateLimiter: r.rateLimiter,
		scrubber:    r.scrubber,
	}
	for name, tool := range r.tools {
		clone.tools[name] = tool
	}
	return clone
}
