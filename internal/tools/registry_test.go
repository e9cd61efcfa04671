package tools

import (
	"context"
	"errors"
	"testing"
)

// mockTool is a minimal tool for testing the registry.
type mockTool struct {
	name   string
	execFn func(ctx context.Context, args map[string]any) *Result
}

func (m *mockTool) Name() string        { return m.name }
func (m *mockTool) Description() string { return "mock tool" }
func (m *mockTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}
func (m *mockTool) Execute(ctx context.Context, args map[string]any) *Result {
	if m.execFn != nil {
		return m.execFn(ctx, args)
	}
	return NewResult("ok")
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	tool := &mockTool{name: "test_tool"}
	reg.Register(tool)

	got, ok := reg.Get("test_tool")
	if !ok {
		t.Fatal("tool not found")
	}
	if got.Name() != "test_tool" {
		t.Errorf("expected test_tool, got %s", got.Name())
	}
	if !reg.Has("test_tool") || reg.Has("other") {
		t.Error("Has mismatch")
	}
}

func TestRegistry_Unregister(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockTool{name: "t1"})
	reg.Unregister("t1")
	if _, ok := reg.Get("t1"); ok {
		t.Error("tool should be unregistered")
	}
}

func TestRegistry_Count(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockTool{name: "t1"})
	reg.Register(&mockTool{name: "t2"})
	if reg.Count() != 2 {
		t.Errorf("expected 2, got %d", reg.Count())
	}
}

func TestRegistry_ExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry()
	result := reg.Execute(context.Background(), "missing", nil)
	if !result.IsError() {
		t.Fatal("expected error result for unknown tool")
	}
	if result.Content != "unknown tool: missing" {
		t.Errorf("content = %q", result.Content)
	}
	if !errors.Is(result.Err, ErrUnknownTool) {
		t.Errorf("err = %v, want ErrUnknownTool", result.Err)
	}
}

func TestRegistry_ExecuteWithContext_InjectsContextValues(t *testing.T) {
	reg := NewRegistry()

	var got ExecContext
	reg.Register(&mockTool{
		name: "ctx_tool",
		execFn: func(ctx context.Context, args map[string]any) *Result {
			got = ExecContext{
				AgentID:   ToolAgentIDFromCtx(ctx),
				SessionID: ToolSessionIDFromCtx(ctx),
				TaskID:    ToolTaskIDFromCtx(ctx),
				Workspace: ToolWorkspaceFromCtx(ctx),
			}
			return NewResult("done")
		},
	})

	want := ExecContext{AgentID: "a1", SessionID: "s1", TaskID: "t1", Workspace: "/ws"}
	reg.ExecuteWithContext(context.Background(), "ctx_tool", nil, want)

	if got != want {
		t.Errorf("context = %+v, want %+v", got, want)
	}
}

func TestRegistry_ExecuteWithContext_ScrubsCredentials(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockTool{
		name: "leaky_tool",
		execFn: func(ctx context.Context, args map[string]any) *Result {
			return NewResult("key is sk-abcdefghijklmnopqrstuvwxyz1234567890")
		},
	})

	result := reg.Execute(context.Background(), "leaky_tool", nil)

	if result.Content != "key is [REDACTED]" {
		t.Errorf("content should have credentials scrubbed, got %q", result.Content)
	}
}

func TestRegistry_ImageResultNotScrubbed(t *testing.T) {
	reg := NewRegistry()
	data := "password=aGVsbG8gd29ybGQgaGVsbG8="
	reg.Register(&mockTool{
		name: "img",
		execFn: func(ctx context.Context, args map[string]any) *Result {
			return ImageResult(data, "image/png")
		},
	})
	if r := reg.Execute(context.Background(), "img", nil); r.Content != data {
		t.Errorf("image payload altered: %q", r.Content)
	}
}

func TestRegistry_NilResult(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockTool{
		name:   "nil_tool",
		execFn: func(ctx context.Context, args map[string]any) *Result { return nil },
	})
	if r := reg.Execute(context.Background(), "nil_tool", nil); r == nil || !r.IsError() {
		t.Errorf("expected error result, got %+v", r)
	}
}

func TestRegistry_PanicRecovered(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockTool{
		name:   "crash",
		execFn: func(ctx context.Context, args map[string]any) *Result { panic("disk on fire") },
	})
	r := reg.Execute(context.Background(), "crash", nil)
	if r == nil || !r.IsError() || !errors.Is(r.Err, ErrToolPanicked) {
		t.Fatalf("expected panic error result, got %+v", r)
	}
	if r.Content != "tool crash panicked: disk on fire" {
		t.Errorf("content = %q", r.Content)
	}
}

func TestRegistry_ExecuteWithContext_RateLimiting(t *testing.T) {
	reg := NewRegistry()
	reg.SetRateLimiter(NewToolRateLimiter(2))
	reg.Register(&mockTool{name: "rl_tool"})

	// First 2 calls allowed
	for i := 0; i < 2; i++ {
		result := reg.ExecuteWithContext(context.Background(), "rl_tool", nil, ExecContext{SessionID: "session-1"})
		if result.IsError() {
			t.Errorf("call %d should succeed: %s", i, result.Content)
		}
	}

	// 3rd call blocked
	result := reg.ExecuteWithContext(context.Background(), "rl_tool", nil, ExecContext{SessionID: "session-1"})
	if !result.IsError() {
		t.Error("3rd call should be rate-limited")
	}

	// Different session allowed
	result = reg.ExecuteWithContext(context.Background(), "rl_tool", nil, ExecContext{SessionID: "session-2"})
	if result.IsError() {
		t.Error("different session should be allowed")
	}
}

func TestRegistry_NoRateLimitWithoutSession(t *testing.T) {
	reg := NewRegistry()
	reg.SetRateLimiter(NewToolRateLimiter(1))
	reg.Register(&mockTool{name: "tool"})

	for i := 0; i < 5; i++ {
		result := reg.Execute(context.Background(), "tool", nil)
		if result.IsError() {
			t.Errorf("call %d should succeed (no session): %s", i, result.Content)
		}
	}
}

func TestRegistry_RunExtensionTool(t *testing.T) {
	reg := NewRegistry()
	ext := &mockTool{
		name: "ext__echo",
		execFn: func(ctx context.Context, args map[string]any) *Result {
			return NewResult("session " + ToolSessionIDFromCtx(ctx) + " token: abcdefghijkl")
		},
	}
	r := reg.Run(context.Background(), ext, nil, ExecContext{SessionID: "s9"})
	if r.Content != "session s9 [REDACTED]" {
		t.Errorf("content = %q", r.Content)
	}
	if reg.Has("ext__echo") {
		t.Error("Run must not register the tool")
	}
}

func TestRegistry_ProviderDefsSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&mockTool{name: "zeta"})
	reg.Register(&mockTool{name: "alpha"})
	reg.Register(&mockTool{name: "mid"})

	defs := reg.ProviderDefs()
	if len(defs) != 3 {
		t.Fatalf("len = %d", len(defs))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if defs[i].Function.Name != want {
			t.Errorf("defs[%d] = %q, want %q", i, defs[i].Function.Name, want)
		}
		if defs[i].Type != "function" {
			t.Errorf("defs[%d].Type = %q", i, defs[i].Type)
		}
	}
}

func TestResult_Artifacts(t *testing.T) {
	r := NewResult("x").WithMeta(MetaArtifact, "/a.png").WithMeta(MetaArtifacts, []any{"/b.png", 3, ""})
	got := r.Artifacts()
	if len(got) != 2 || got[0] != "/a.png" || got[1] != "/b.png" {
		t.Errorf("artifacts = %v", got)
	}
	var nilResult *Result
	if nilResult.Artifacts() != nil {
		t.Error("nil result should have no artifacts")
	}
}
