// Package sqlite is the standalone session store: a single database file,
// no server, schema created on open.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawworker/internal/providers"
	"github.com/nextlevelbuilder/clawworker/internal/store"
)

// SessionStore implements store.SessionStore on SQLite.
type SessionStore struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and initializes the schema.
func Open(path string) (*SessionStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; modernc serializes anyway and this avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &SessionStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("session store opened", "path", path)
	return s, nil
}

// NewStores opens the standalone stores. Tracing is not persisted in standalone mode.
func NewStores(path string) (*store.Stores, error) {
	s, err := Open(path)
	if err != nil {
		return nil, err
	}
	return &store.Stores{Sessions: s}, nil
}

func (s *SessionStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			task_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_task ON agent_sessions(agent_id, task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS session_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES agent_sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE(session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS session_tool_calls (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES agent_sessions(id) ON DELETE CASCADE,
			tool_use_id TEXT NOT NULL,
			name TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_tool_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES agent_sessions(id) ON DELETE CASCADE,
			tool_use_id TEXT NOT NULL,
			is_error INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS session_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES agent_sessions(id) ON DELETE CASCADE,
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cache_read_tokens INTEGER NOT NULL DEFAULT 0,
			cache_write_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const sessionSelectCols = `id, agent_id, task_id, kind, message_count,
	input_tokens, output_tokens, created_at, updated_at`

func (s *SessionStore) CreateSession(ctx context.Context, agentID, taskID string) (string, error) {
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
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_sessions (id, agent_id, task_id, kind, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, agentID, taskID, kind, now, now)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

func (s *SessionStore) FindTaskSession(ctx context.Context, agentID, taskID string) (string, error) {
	var id string
	// rowid breaks ties between sessions created within the same timestamp tick.
	err := s.db.GetContext(ctx, &id,
		`SELECT id FROM agent_sessions
		 WHERE agent_id = ? AND task_id = ? AND kind = 'task'
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, agentID, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find task session: %w", err)
	}
	return id, nil
}

func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	var sess store.Session
	err := s.db.GetContext(ctx, &sess,
		`SELECT `+sessionSelectCols+` FROM agent_sessions WHERE id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

func (s *SessionStore) ListSessions(ctx context.Context, f store.SessionFilter) ([]store.Session, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var out []store.Session
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+sessionSelectCols+` FROM agent_sessions
		 WHERE (? = '' OR agent_id = ?) AND (? = '' OR kind = ?)
		 ORDER BY updated_at DESC, rowid DESC LIMIT ?`,
		f.AgentID, f.AgentID, f.Kind, f.Kind, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

func (s *SessionStore) LoadMessagesForContext(ctx context.Context, sessionID string) ([]providers.Message, error) {
	var bodies []string
	err := s.db.SelectContext(ctx, &bodies,
		`SELECT body FROM session_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	msgs := make([]providers.Message, 0, len(bodies))
	for i, b := range bodies {
		var m providers.Message
		if err := json.Unmarshal([]byte(b), &m); err != nil {
			return nil, fmt.Errorf("decode message %d of session %s: %w", i, sessionID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *SessionStore) AppendMessage(ctx context.Context, sessionID string, msg providers.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE agent_sessions SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		now, sessionID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrSessionNotFound
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_messages (session_id, seq, role, body, created_at)
		 VALUES (?, (SELECT message_count FROM agent_sessions WHERE id = ?), ?, ?, ?)`,
		sessionID, sessionID, string(msg.Role), string(body), now)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return tx.Commit()
}

func (s *SessionStore) AppendToolCall(ctx context.Context, rec store.ToolCallRecord) error {
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return fmt.Errorf("encode tool input: %w", err)
	}
	if string(input) == "null" {
		input = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_tool_calls (session_id, tool_use_id, name, input, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.SessionID, rec.ToolUseID, rec.Name, string(input), stamp(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("append tool call: %w", err)
	}
	return nil
}

func (s *SessionStore) AppendToolResult(ctx context.Context, rec store.ToolResultRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_tool_results (session_id, tool_use_id, is_error, content, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.ToolUseID, rec.IsError, rec.Content, rec.DurationMS, stamp(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("append tool result: %w", err)
	}
	return nil
}

func (s *SessionStore) AppendUsage(ctx context.Context, sessionID, model string, u providers.Usage) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_usage (session_id, model, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sessionID, model, u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append usage: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE agent_sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ? WHERE id = ?`,
		u.InputTokens, u.OutputTokens, sessionID)
	if err != nil {
		return fmt.Errorf("update session usage: %w", err)
	}
	return tx.Commit()
}

// CountToolCalls returns how many tool calls were recorded for a session.
func (s *SessionStore) CountToolCalls(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM session_tool_calls WHERE session_id = ?`, sessionID)
	return n, err
}

func (s *SessionStore) Close() error {
	return s.db.Close()
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
