package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/clawworker/internal/providers"
	"github.com/nextlevelbuilder/clawworker/internal/store"
)

// PGSessionStore implements store.SessionStore backed by Postgres.
type PGSessionStore struct {
	db *sqlx.DB
}

func NewPGSessionStore(db *sqlx.DB) *PGSessionStore {
	return &PGSessionStore{db: db}
}

const sessionSelectCols = `id, agent_id, task_id, kind, message_count,
		 input_tokens, output_tokens, created_at, updated_at`

func (s *PGSessionStore) CreateSession(ctx context.Context, agentID, taskID string) (string, error) {
	if err := store.ValidateID("agent", agentID); err != nil {
		return "", err
	}
	if err := store.ValidateID("task", taskID); err != nil {
		return "", err
	}
	kind := store.SessionKindChat
	if taskID != "" {
		kind = store.SessionKindTask
	}
	id := store.GenNewID().String()
	now := nowUTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, agent_id, task_id, kind, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, agentID, taskID, kind, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *PGSessionStore) FindTaskSession(ctx context.Context, agentID, taskID string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id,
		`SELECT id FROM agent_sessions
		 WHERE agent_id = $1 AND task_id = $2 AND kind = 'task'
		 ORDER BY created_at DESC LIMIT 1`, agentID, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find task session: %w", err)
	}
	return id, nil
}

func (s *PGSessionStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	var sess store.Session
	err := s.db.GetContext(ctx, &sess,
		`SELECT `+sessionSelectCols+` FROM agent_sessions WHERE id = $1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *PGSessionStore) ListSessions(ctx context.Context, f store.SessionFilter) ([]store.Session, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []store.Session
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+sessionSelectCols+` FROM agent_sessions
		 WHERE ($1::text = '' OR agent_id = $1) AND ($2::text = '' OR kind = $2)
		 ORDER BY updated_at DESC LIMIT $3`, f.AgentID, f.Kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *PGSessionStore) LoadMessagesForContext(ctx context.Context, sessionID string) ([]providers.Message, error) {
	var bodies [][]byte
	err := s.db.SelectContext(ctx, &bodies,
		`SELECT body FROM session_messages WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	msgs := make([]providers.Message, 0, len(bodies))
	for i, b := range bodies {
		var m providers.Message
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("decode message %d of session %s: %w", i, sessionID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// AppendMessage inserts the message and bumps the session counters in one transaction.
func (s *PGSessionStore) AppendMessage(ctx context.Context, sessionID string, msg providers.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // ErrTxDone after commit
	}()

	now := nowUTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE agent_sessions SET message_count = message_count + 1, updated_at = $1 WHERE id = $2`,
		now, sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrSessionNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, seq, role, body, created_at)
		 VALUES ($1, (SELECT message_count FROM agent_sessions WHERE id = $1), $2, $3, $4)`,
		sessionID, string(msg.Role), body, now)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return tx.Commit()
}

func (s *PGSessionStore) AppendToolCall(ctx context.Context, rec store.ToolCallRecord) error {
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return fmt.Errorf("encode tool input: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_tool_calls (session_id, tool_use_id, name, input, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rec.SessionID, rec.ToolUseID, rec.Name, jsonOrEmpty(input), createdAt(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("append tool call: %w", err)
	}
	return nil
}

func (s *PGSessionStore) AppendToolResult(ctx context.Context, rec store.ToolResultRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_tool_results (session_id, tool_use_id, is_error, content, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.SessionID, rec.ToolUseID, rec.IsError, rec.Content, rec.DurationMS, createdAt(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("append tool result: %w", err)
	}
	return nil
}

func (s *PGSessionStore) AppendUsage(ctx context.Context, sessionID, model string, u providers.Usage) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_usage (session_id, model, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sessionID, model, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens, nowUTC())
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE agent_sessions SET input_tokens = input_tokens + $1, output_tokens = output_tokens + $2 WHERE id = $3`,
		u.InputTokens, u.OutputTokens, sessionID)
	if err != nil {
		return fmt.Errorf("update session usage: %w", err)
	}
	return tx.Commit()
}

func (s *PGSessionStore) Close() error {
	return s.db.Close()
}

func createdAt(t time.Time) time.Time {
	if t.IsZero() {
		return nowUTC()
	}
	return t
}
