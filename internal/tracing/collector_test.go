package tracing

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawworker/internal/hooks"
	"github.com/nextlevelbuilder/clawworker/internal/providers"
	"github.com/nextlevelbuilder/clawworker/internal/store"
	"github.com/nextlevelbuilder/clawworker/internal/tools"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

type memTracing struct {
	mu      sync.Mutex
	traces  map[uuid.UUID]*store.TraceData
	updates map[uuid.UUID]map[string]any
	spans   []store.SpanData
	aggs    int
}

func newMemTracing() *memTracing {
	return &memTracing{traces: map[uuid.UUID]*store.TraceData{}, updates: map[uuid.UUID]map[string]any{}}
}

func (m *memTracing) CreateTrace(_ context.Context, t *store.TraceData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traces[t.ID] = t
	return nil
}

func (m *memTracing) UpdateTrace(_ context.Context, id uuid.UUID, u map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[id] = u
	return nil
}

func (m *memTracing) BatchCreateSpans(_ context.Context, spans []store.SpanData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spans = append(m.spans, spans...)
	return nil
}

func (m *memTracing) BatchUpdateTraceAggregates(context.Context, uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggs++
	return nil
}

type memExporter struct {
	spans    []store.SpanData
	shutdown bool
}

func (e *memExporter) ExportSpans(_ context.Context, spans []store.SpanData) {
	e.spans = append(e.spans, spans...)
}

func (e *memExporter) Shutdown(context.Context) error {
	e.shutdown = true
	return nil
}

func TestCollector_HooksProduceTraceAndSpans(t *testing.T) {
	ts := newMemTracing()
	exp := &memExporter{}
	c := NewCollector(ts)
	c.SetExporter(exp)
	c.Start()

	r := hooks.NewRunner(nil, nil)
	if ids := RegisterHooks(r, c); len(ids) < 4 {
		t.Fatalf("registered %d hooks", len(ids))
	}

	ctx := context.Background()
	hc := r.Context("kitchen", "sess-1", "T1")
	r.SessionStart(ctx, hc, hooks.SessionEvent{Kind: "task", Input: "turn on the lights"})

	started := time.Now()
	r.LLMOutput(ctx, hc, hooks.LLMOutputEvent{
		Provider: "anthropic", Model: "claude", StartedAt: started, Duration: 120 * time.Millisecond,
		Response: &providers.ChatResponse{
			Content:    []providers.ContentBlock{providers.TextBlock{Text: "on it"}},
			StopReason: providers.StopToolUse,
			Usage:      providers.Usage{InputTokens: 30, OutputTokens: 7},
		},
	})
	r.LLMOutput(ctx, hc, hooks.LLMOutputEvent{Provider: "anthropic", Model: "claude", StartedAt: started, Err: errors.New("overloaded")})
	res := r.AfterToolCall(ctx, hc, hooks.ToolResultEvent{
		ID: "call_1", Name: "lights", Input: map[string]any{"room": "kitchen"},
		Result: tools.NewResult("done"), StartedAt: started, Duration: 5 * time.Millisecond,
	})
	if res == nil || res.Content != "done" {
		t.Errorf("tracing observer changed the tool result: %+v", res)
	}
	r.SessionEnd(ctx, hc, hooks.SessionEvent{Kind: "task", Result: &protocol.RunResult{Output: "lights are on"}})

	c.Stop()

	if len(ts.traces) != 1 {
		t.Fatalf("traces = %d, want 1", len(ts.traces))
	}
	var trace *store.TraceData
	for _, tr := range ts.traces {
		trace = tr
	}
	if trace.AgentID != "kitchen" || trace.TaskID != "T1" || trace.Status != store.TraceStatusRunning {
		t.Errorf("trace = %+v", trace)
	}
	upd := ts.updates[trace.ID]
	if upd["status"] != store.TraceStatusCompleted || upd["output_preview"] != "lights are on" {
		t.Errorf("finish update = %v", upd)
	}

	if len(ts.spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(ts.spans))
	}
	llm, failed, tool := ts.spans[0], ts.spans[1], ts.spans[2]
	if llm.SpanType != store.SpanTypeLLMCall || llm.InputTokens != 30 || llm.FinishReason != "tool_use" || llm.DurationMS != 120 {
		t.Errorf("llm span = %+v", llm)
	}
	if failed.Status != store.TraceStatusError || failed.Error != "overloaded" {
		t.Errorf("failed span = %+v", failed)
	}
	if tool.SpanType != store.SpanTypeToolCall || tool.ToolCallID != "call_1" || !strings.Contains(tool.InputPreview, "kitchen") {
		t.Errorf("tool span = %+v", tool)
	}
	for _, s := range ts.spans {
		if s.TraceID != trace.ID {
			t.Errorf("span %s has trace %s, want %s", s.Name, s.TraceID, trace.ID)
		}
	}
	if len(exp.spans) != 3 || !exp.shutdown {
		t.Errorf("exporter spans = %d shutdown = %v", len(exp.spans), exp.shutdown)
	}
	if ts.aggs == 0 {
		t.Error("aggregates never updated")
	}
}

func TestCollector_NilStoreExportsOnly(t *testing.T) {
	exp := &memExporter{}
	c := NewCollector(nil)
	c.SetExporter(exp)
	c.Start()

	r := hooks.NewRunner(nil, nil)
	RegisterHooks(r, c)
	hc := r.Context("a", "s", "")
	r.SessionStart(context.Background(), hc, hooks.SessionEvent{Kind: "chat"})
	r.AfterToolCall(context.Background(), hc, hooks.ToolResultEvent{Name: "x", Result: tools.ErrorResult("boom")})
	r.SessionEnd(context.Background(), hc, hooks.SessionEvent{Kind: "chat", Err: errors.New("fatal")})
	c.Stop()

	if len(exp.spans) != 1 || exp.spans[0].Status != store.TraceStatusError {
		t.Errorf("exported = %+v", exp.spans)
	}
}

func TestCollector_SpanWithoutTraceIgnored(t *testing.T) {
	c := NewCollector(nil)
	r := hooks.NewRunner(nil, nil)
	RegisterHooks(r, c)
	r.LLMOutput(context.Background(), r.Context("a", "never-started", ""), hooks.LLMOutputEvent{Model: "m"})
	if got := len(c.drain()); got != 0 {
		t.Errorf("buffered %d spans for a session with no trace", got)
	}
}

func TestTruncatePreview(t *testing.T) {
	s := strings.Repeat("é", 400) // 800 bytes
	got := truncatePreview(s)
	if !strings.HasSuffix(got, "...") || len(got) > previewMaxLen+3 {
		t.Errorf("len = %d", len(got))
	}
	if !strings.HasPrefix(got, "é") || strings.ContainsRune(strings.TrimSuffix(got, "..."), '�') {
		t.Error("cut inside a rune")
	}
	if truncatePreview("short") != "short" {
		t.Error("short preview changed")
	}
}

func TestCollector_EmitSpanBounded(t *testing.T) {
	c := NewCollector(nil)
	trace := uuid.New()
	for range maxPending + 10 {
		c.EmitSpan(store.SpanData{TraceID: trace, Name: "s"})
	}
	spans := c.drain()
	if len(spans) != maxPending {
		t.Fatalf("pending = %d, want %d", len(spans), maxPending)
	}
	if spans[0].ID == uuid.Nil || spans[0].CreatedAt.IsZero() {
		t.Errorf("span defaults not filled: %+v", spans[0])
	}
	if c.dropped != 0 {
		t.Errorf("dropped counter not reset after drain: %d", c.dropped)
	}
	if len(c.takeDirty()) != 1 {
		t.Error("trace not marked dirty")
	}
}

func TestCollector_EarlyFlushAtThreshold(t *testing.T) {
	ts := newMemTracing()
	c := NewCollector(ts)
	c.Start()
	defer c.Stop()

	trace := uuid.New()
	for range flushAt {
		c.EmitSpan(store.SpanData{TraceID: trace})
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ts.mu.Lock()
		n := len(ts.spans)
		ts.mu.Unlock()
		if n == flushAt {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("spans were not flushed before the interval elapsed")
}
