package pg

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/clawworker/internal/store"
)

// PGTracingStore implements store.TracingStore backed by Postgres.
type PGTracingStore struct {
	db *sqlx.DB
}

func NewPGTracingStore(db *sqlx.DB) *PGTracingStore {
	return &PGTracingStore{db: db}
}

func (s *PGTracingStore) CreateTrace(ctx context.Context, t *store.TraceData) error {
	if t.ID == uuid.Nil {
		t.ID = store.GenNewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = nowUTC()
	}
	if t.StartTime.IsZero() {
		t.StartTime = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = store.TraceStatusRunning
	}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO traces (id, agent_id, session_id, task_id, name, status, error,
		 input_preview, output_preview, start_time, end_time, created_at)
		 VALUES (:id, :agent_id, :session_id, :task_id, :name, :status, :error,
		 :input_preview, :output_preview, :start_time, :end_time, :created_at)`, t)
	if err != nil {
		return fmt.Errorf("create trace: %w", err)
	}
	return nil
}

func (s *PGTracingStore) UpdateTrace(ctx context.Context, traceID uuid.UUID, updates map[string]any) error {
	if err := execMapUpdate(ctx, s.db, "traces", traceID, updates); err != nil {
		return fmt.Errorf("update trace: %w", err)
	}
	return nil
}

func (s *PGTracingStore) BatchCreateSpans(ctx context.Context, spans []store.SpanData) error {
	if len(spans) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO spans (id, trace_id, parent_span_id, agent_id, span_type, name,
		 start_time, end_time, duration_ms, status, error, level, model, provider,
		 input_tokens, output_tokens, finish_reason, tool_name, tool_call_id,
		 input_preview, output_preview, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 ON CONFLICT (id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare span insert: %w", err)
	}
	defer stmt.Close()

	for _, sp := range spans {
		level := sp.Level
		if level == "" {
			level = "DEFAULT"
		}
		_, err := stmt.ExecContext(ctx,
			sp.ID, sp.TraceID, nilUUID(sp.ParentSpanID), sp.AgentID, sp.SpanType, sp.Name,
			sp.StartTime, nilTime(sp.EndTime), sp.DurationMS, sp.Status, sp.Error, level, sp.Model, sp.Provider,
			sp.InputTokens, sp.OutputTokens, sp.FinishReason, sp.ToolName, sp.ToolCallID,
			sp.InputPreview, sp.OutputPreview, sp.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert span %s: %w", sp.ID, err)
		}
	}
	return tx.Commit()
}

func (s *PGTracingStore) BatchUpdateTraceAggregates(ctx context.Context, traceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE traces SET
		   span_count    = agg.n,
		   input_tokens  = agg.input_tokens,
		   output_tokens = agg.output_tokens
		 FROM (SELECT COUNT(*) AS n,
		              COALESCE(SUM(input_tokens), 0) AS input_tokens,
		              COALESCE(SUM(output_tokens), 0) AS output_tokens
		       FROM spans WHERE trace_id = $1) AS agg
		 WHERE traces.id = $1`, traceID)
	if err != nil {
		return fmt.Errorf("update trace aggregates: %w", err)
	}
	return nil
}
