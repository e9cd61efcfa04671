package otelexport

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawworker/internal/store"
)

func TestUUIDToSpanID(t *testing.T) {
	id := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	sid := uuidToSpanID(id)
	if sid == (trace.SpanID{}) {
		t.Error("expected non-zero span ID")
	}
	for i := 0; i < 8; i++ {
		if sid[i] != id[8+i] {
			t.Errorf("byte %d: expected %02x, got %02x", i, id[8+i], sid[i])
		}
	}
	if uuidToTraceID(id) != trace.TraceID(id) {
		t.Error("trace ID should be the UUID bytes")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("expected error for empty endpoint")
	}
	if _, err := New(context.Background(), Config{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"}); err == nil {
		t.Error("expected error for unknown protocol")
	}
	if got := serviceNameOrDefault(""); got != "clawworker" {
		t.Errorf("default service name = %q", got)
	}
}

func TestExporter_NilSafe(t *testing.T) {
	var exp *Exporter
	exp.ExportSpans(context.Background(), []store.SpanData{{ID: uuid.New(), TraceID: uuid.New(), Name: "x"}})
	if err := exp.Shutdown(context.Background()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExporter_ExportSpans(t *testing.T) {
	mem := tracetest.NewInMemoryExporter()
	exp := newExporter(sdktrace.WithSyncer(mem), nil)
	defer exp.Shutdown(context.Background())

	traceID := uuid.New()
	start := time.Now().Add(-time.Second)
	exp.ExportSpans(context.Background(), []store.SpanData{
		{
			ID: uuid.New(), TraceID: traceID, AgentID: "kitchen",
			SpanType: store.SpanTypeLLMCall, Name: "anthropic/claude", StartTime: start, DurationMS: 250,
			Model: "claude", Provider: "anthropic", InputTokens: 10, OutputTokens: 4, FinishReason: "tool_use",
			Status: store.TraceStatusCompleted,
		},
		{
			ID: uuid.New(), TraceID: traceID,
			SpanType: store.SpanTypeToolCall, Name: "read_file", StartTime: start, DurationMS: 5,
			ToolName: "read_file", ToolCallID: "call_1", Status: store.TraceStatusError, Error: "not found",
		},
	})

	spans := mem.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	llm, tool := spans[0], spans[1]
	if llm.SpanKind != trace.SpanKindClient || tool.SpanKind != trace.SpanKindInternal {
		t.Errorf("kinds = %v/%v", llm.SpanKind, tool.SpanKind)
	}
	if llm.SpanContext.TraceID() != uuidToTraceID(traceID) {
		t.Error("trace ID not carried over")
	}
	if d := llm.EndTime.Sub(llm.StartTime); d != 250*time.Millisecond {
		t.Errorf("duration = %v", d)
	}
	attrs := map[string]string{}
	for _, kv := range llm.Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["gen_ai.request.model"] != "claude" || attrs["claw.agent_id"] != "kitchen" || attrs["gen_ai.usage.input_tokens"] != "10" {
		t.Errorf("attributes = %v", attrs)
	}
	if tool.Status.Code.String() != "Error" || tool.Status.Description != "not found" {
		t.Errorf("tool status = %+v", tool.Status)
	}
}

func TestClip(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'a'
	}
	if got := clip(string(long)); len(got) != previewMaxLen+3 {
		t.Errorf("clipped length = %d", len(got))
	}
	if clip("short") != "short" {
		t.Error("short string changed")
	}
}
