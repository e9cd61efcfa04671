package tracing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawworker/internal/hooks"
	"github.com/nextlevelbuilder/clawworker/internal/store"
	"github.com/nextlevelbuilder/clawworker/internal/tools"
)

// Hook state keys, scoped to the session.
const (
	stateTraceID    = "tracing.trace_id"
	stateLastPrompt = "tracing.last_prompt"
)

// RegisterHooks attaches c to the loop's extension points: one trace per
// invocation (session_start / session_end), an LLM span per provider call
// and a tool span per tool call. All handlers are observers at the lowest
// priority so they see the final, post-override values. Returns the
// registration IDs.
func RegisterHooks(r *hooks.Runner, c *Collector) []string {
	if r == nil || c == nil {
		return nil
	}
	opts := []hooks.Option{hooks.WithName("tracing"), hooks.WithPriority(hooks.PriorityLowest)}
	ids := []string{
		r.OnSessionStart(c.onSessionStart, opts...),
		r.OnLLMOutput(c.onLLMOutput, opts...),
		r.OnAfterToolCall(c.onAfterToolCall, opts...),
		r.OnSessionEnd(c.onSessionEnd, opts...),
	}
	if c.verbose {
		ids = append(ids, r.OnLLMInput(c.onLLMInput, opts...))
	}
	return ids
}

func (c *Collector) onSessionStart(ctx context.Context, hc hooks.Context, ev hooks.SessionEvent) error {
	trace := &store.TraceData{
		AgentID:      hc.AgentID,
		SessionID:    hc.SessionID,
		TaskID:       hc.TaskID,
		Name:         ev.Kind,
		Status:       store.TraceStatusRunning,
		InputPreview: truncatePreview(ev.Input),
		StartTime:    time.Now().UTC(),
	}
	if err := c.CreateTrace(ctx, trace); err != nil {
		return err
	}
	if hc.State != nil {
		hc.State.Set(hc.SessionID, stateTraceID, trace.ID)
	}
	return nil
}

func (c *Collector) onSessionEnd(ctx context.Context, hc hooks.Context, ev hooks.SessionEvent) error {
	traceID, ok := traceFor(hc)
	if !ok {
		return nil
	}
	status, errMsg, output := store.TraceStatusCompleted, "", ""
	if ev.Err != nil {
		status, errMsg = store.TraceStatusError, ev.Err.Error()
	}
	if ev.Result != nil {
		output = ev.Result.Output
	}
	c.FinishTrace(ctx, traceID, status, errMsg, output)
	return nil
}

func (c *Collector) onLLMInput(_ context.Context, hc hooks.Context, ev hooks.LLMInputEvent) error {
	if hc.State == nil || len(ev.Messages) == 0 {
		return nil
	}
	raw, err := json.Marshal(ev.Messages[len(ev.Messages)-1])
	if err != nil {
		return err
	}
	hc.State.Set(hc.SessionID, stateLastPrompt, truncatePreview(string(raw)))
	return nil
}

func (c *Collector) onLLMOutput(_ context.Context, hc hooks.Context, ev hooks.LLMOutputEvent) error {
	traceID, ok := traceFor(hc)
	if !ok {
		return nil
	}
	end := ev.StartedAt.Add(ev.Duration)
	span := store.SpanData{
		TraceID:    traceID,
		AgentID:    hc.AgentID,
		SpanType:   store.SpanTypeLLMCall,
		Name:       ev.Provider + "/" + ev.Model,
		StartTime:  ev.StartedAt,
		EndTime:    &end,
		DurationMS: int(ev.Duration.Milliseconds()),
		Status:     store.TraceStatusCompleted,
		Model:      ev.Model,
		Provider:   ev.Provider,
	}
	if ev.Err != nil {
		span.Status, span.Error = store.TraceStatusError, ev.Err.Error()
	}
	if ev.Response != nil {
		span.InputTokens = ev.Response.Usage.InputTokens
		span.OutputTokens = ev.Response.Usage.OutputTokens
		span.FinishReason = string(ev.Response.StopReason)
		span.OutputPreview = truncatePreview(ev.Response.Text())
	}
	if c.verbose && hc.State != nil {
		if v, ok := hc.State.Get(hc.SessionID, stateLastPrompt); ok {
			span.InputPreview, _ = v.(string)
		}
	}
	c.EmitSpan(span)
	return nil
}

func (c *Collector) onAfterToolCall(_ context.Context, hc hooks.Context, ev hooks.ToolResultEvent) (*tools.Result, error) {
	traceID, ok := traceFor(hc)
	if !ok {
		return nil, nil
	}
	end := ev.StartedAt.Add(ev.Duration)
	span := store.SpanData{
		TraceID:    traceID,
		AgentID:    hc.AgentID,
		SpanType:   store.SpanTypeToolCall,
		Name:       ev.Name,
		StartTime:  ev.StartedAt,
		EndTime:    &end,
		DurationMS: int(ev.Duration.Milliseconds()),
		Status:     store.TraceStatusCompleted,
		ToolName:   ev.Name,
		ToolCallID: ev.ID,
	}
	if raw, err := json.Marshal(ev.Input); err == nil {
		span.InputPreview = truncatePreview(string(raw))
	}
	if ev.Result != nil {
		if ev.Result.Type == tools.ResultError {
			span.Status, span.Error = store.TraceStatusError, truncatePreview(ev.Result.Content)
		} else if ev.Result.Type == tools.ResultText {
			span.OutputPreview = truncatePreview(ev.Result.Content)
		}
	}
	if ev.Vetoed {
		span.Level = "vetoed"
	}
	c.EmitSpan(span)
	return nil, nil
}

func traceFor(hc hooks.Context) (uuid.UUID, bool) {
	if hc.State == nil {
		return uuid.Nil, false
	}
	v, ok := hc.State.Get(hc.SessionID, stateTraceID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
