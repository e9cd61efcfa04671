package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Span types.
const (
	SpanTypeLLMCall  = "llm_call"
	SpanTypeToolCall = "tool_call"
)

// Trace/span statuses.
const (
	TraceStatusRunning   = "running"
	TraceStatusCompleted = "completed"
	TraceStatusError     = "error"
)

// TraceData is one agent run.
type TraceData struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	AgentID       string     `json:"agent_id" db:"agent_id"`
	SessionID     string     `json:"session_id" db:"session_id"`
	TaskID        string     `json:"task_id,omitempty" db:"task_id"`
	Name          string     `json:"name" db:"name"`
	Status        string     `json:"status" db:"status"`
	Error         string     `json:"error,omitempty" db:"error"`
	InputPreview  string     `json:"input_preview,omitempty" db:"input_preview"`
	OutputPreview string     `json:"output_preview,omitempty" db:"output_preview"`
	StartTime     time.Time  `json:"start_time" db:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty" db:"end_time"`
	SpanCount     int        `json:"span_count" db:"span_count"`
	InputTokens   int        `json:"input_tokens" db:"input_tokens"`
	OutputTokens  int        `json:"output_tokens" db:"output_tokens"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// SpanData is one LLM call or tool call inside a trace.
type SpanData struct {
	ID            uuid.UUID  `json:"id"`
	TraceID       uuid.UUID  `json:"trace_id"`
	ParentSpanID  *uuid.UUID `json:"parent_span_id,omitempty"`
	AgentID       string     `json:"agent_id,omitempty"`
	SpanType      string     `json:"span_type"`
	Name          string     `json:"name"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	DurationMS    int        `json:"duration_ms"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	Level         string     `json:"level,omitempty"`
	Model         string     `json:"model,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	InputTokens   int        `json:"input_tokens,omitempty"`
	OutputTokens  int        `json:"output_tokens,omitempty"`
	FinishReason  string     `json:"finish_reason,omitempty"`
	ToolName      string     `json:"tool_name,omitempty"`
	ToolCallID    string     `json:"tool_call_id,omitempty"`
	InputPreview  string     `json:"input_preview,omitempty"`
	OutputPreview string     `json:"output_preview,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TracingStore persists traces and spans.
type TracingStore interface {
	CreateTrace(ctx context.Context, trace *TraceData) error
	UpdateTrace(ctx context.Context, traceID uuid.UUID, updates map[string]any) error
	BatchCreateSpans(ctx context.Context, spans []SpanData) error
	// BatchUpdateTraceAggregates recomputes span count and token totals from the spans table.
	BatchUpdateTraceAggregates(ctx context.Context, traceID uuid.UUID) error
}
