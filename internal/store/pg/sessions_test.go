package pg

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/clawworker/internal/providers"
	"github.com/nextlevelbuilder/clawworker/internal/store"
)

func setupMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	x := sqlx.NewDb(db, "sqlmock")
	t.Cleanup(func() { x.Close() })
	return x, mock
}

func TestPGSessionStore_CreateSession(t *testing.T) {
	tests := []struct {
		name      string
		agentID   string
		taskID    string
		wantKind  string
		setupMock func(sqlmock.Sqlmock, string)
		wantErr   string
	}{
		{
			name:     "task session",
			agentID:  "worker-1",
			taskID:   "task-42",
			wantKind: store.SessionKindTask,
			setupMock: func(mock sqlmock.Sqlmock, kind string) {
				mock.ExpectExec("INSERT INTO agent_sessions").
					WithArgs(sqlmock.AnyArg(), "worker-1", "task-42", kind, sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:     "chat session",
			agentID:  "worker-1",
			wantKind: store.SessionKindChat,
			setupMock: func(mock sqlmock.Sqlmock, kind string) {
				mock.ExpectExec("INSERT INTO agent_sessions").
					WithArgs(sqlmock.AnyArg(), "worker-1", "", kind, sqlmock.AnyArg(), sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(1, 1))
			},
		},
		{
			name:      "agent id too long",
			agentID:   strings.Repeat("a", 300),
			setupMock: func(sqlmock.Sqlmock, string) {},
			wantErr:   "agent identifier too long",
		},
		{
			name:     "database error",
			agentID:  "worker-1",
			wantKind: store.SessionKindChat,
			setupMock: func(mock sqlmock.Sqlmock, kind string) {
				mock.ExpectExec("INSERT INTO agent_sessions").
					WillReturnError(errors.New("connection refused"))
			},
			wantErr: "create session",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupMockDB(t)
			tt.setupMock(mock, tt.wantKind)
			s := NewPGSessionStore(db)

			id, err := s.CreateSession(context.Background(), tt.agentID, tt.taskID)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if _, perr := uuid.Parse(id); perr != nil {
					t.Errorf("session id %q is not a uuid", id)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPGSessionStore_FindTaskSession_NotFound(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectQuery("SELECT id FROM agent_sessions").
		WithArgs("worker-1", "task-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := NewPGSessionStore(db).FindTaskSession(context.Background(), "worker-1", "task-1")
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestPGSessionStore_GetSession(t *testing.T) {
	db, mock := setupMockDB(t)
	now := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM agent_sessions WHERE id").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "agent_id", "task_id", "kind", "message_count",
			"input_tokens", "output_tokens", "created_at", "updated_at",
		}).AddRow("s1", "worker-1", "task-1", "task", 4, 120, 80, now, now))

	sess, err := NewPGSessionStore(db).GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.AgentID != "worker-1" || sess.MessageCount != 4 || sess.OutputTokens != 80 {
		t.Errorf("session = %+v", sess)
	}
}

func TestPGSessionStore_LoadMessagesForContext(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectQuery("SELECT body FROM session_messages").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).
			AddRow([]byte(`{"role":"user","content":"hello"}`)).
			AddRow([]byte(`{"role":"assistant","content":[{"type":"text","text":"hi"},{"type":"tool_use","id":"t1","name":"f","input":{"x":1}}]}`)))

	msgs, err := NewPGSessionStore(db).LoadMessagesForContext(context.Background(), "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	if msgs[0].Text() != "hello" {
		t.Errorf("msgs[0] text = %q", msgs[0].Text())
	}
	uses := msgs[1].ToolUses()
	if len(uses) != 1 || uses[0].ID != "t1" {
		t.Errorf("tool uses = %+v", uses)
	}
}

func TestPGSessionStore_LoadMessagesForContext_Corrupt(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectQuery("SELECT body FROM session_messages").
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow([]byte(`{not json`)))

	if _, err := NewPGSessionStore(db).LoadMessagesForContext(context.Background(), "s1"); err == nil {
		t.Error("expected decode error")
	}
}

func TestPGSessionStore_AppendMessage(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE agent_sessions SET message_count").
		WithArgs(sqlmock.AnyArg(), "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO session_messages").
		WithArgs("s1", "assistant", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	msg := providers.Message{Role: providers.RoleAssistant, Content: []providers.ContentBlock{providers.TextBlock{Text: "done"}}}
	if err := NewPGSessionStore(db).AppendMessage(context.Background(), "s1", msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPGSessionStore_AppendMessage_UnknownSession(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE agent_sessions SET message_count").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := NewPGSessionStore(db).AppendMessage(context.Background(), "missing", providers.NewTextMessage(providers.RoleUser, "x"))
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPGSessionStore_AppendUsage(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO session_usage").
		WithArgs("s1", "claude-x", 100, 20, 5, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE agent_sessions SET input_tokens").
		WithArgs(100, 20, "s1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	u := providers.Usage{InputTokens: 100, OutputTokens: 20, CacheReadTokens: 5}
	if err := NewPGSessionStore(db).AppendUsage(context.Background(), "s1", "claude-x", u); err != nil {
		t.Fatalf("append usage: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPGSessionStore_AppendToolCall(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectExec("INSERT INTO session_tool_calls").
		WithArgs("s1", "t1", "read_file", []byte(`{"path":"a.txt"}`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := store.ToolCallRecord{SessionID: "s1", ToolUseID: "t1", Name: "read_file", Input: map[string]any{"path": "a.txt"}}
	if err := NewPGSessionStore(db).AppendToolCall(context.Background(), rec); err != nil {
		t.Fatalf("append tool call: %v", err)
	}
}

func TestPGTracingStore_UpdateTraceSortedColumns(t *testing.T) {
	db, mock := setupMockDB(t)
	id := uuid.New()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE traces SET end_time = $1, status = $2 WHERE id = $3")).
		WithArgs(sqlmock.AnyArg(), "completed", id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewPGTracingStore(db).UpdateTrace(context.Background(), id, map[string]any{
		"status":   "completed",
		"end_time": time.Now(),
	})
	if err != nil {
		t.Fatalf("update trace: %v", err)
	}
}

func TestPGTracingStore_BatchCreateSpans(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO spans")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	spans := []store.SpanData{
		{ID: uuid.New(), TraceID: uuid.New(), SpanType: store.SpanTypeLLMCall, Name: "llm", StartTime: time.Now()},
		{ID: uuid.New(), TraceID: uuid.New(), SpanType: store.SpanTypeToolCall, Name: "tool", StartTime: time.Now()},
	}
	if err := NewPGTracingStore(db).BatchCreateSpans(context.Background(), spans); err != nil {
		t.Fatalf("batch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
