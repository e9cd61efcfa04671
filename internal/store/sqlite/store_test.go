package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/clawworker/internal/providers"
	"github.com/nextlevelbuilder/clawworker/internal/store"
)

func openTestStore(t *testing.T) *SessionStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateSession(ctx, "worker-1", "task-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	conv := []providers.Message{
		providers.NewTextMessage(providers.RoleUser, "summarize notes.txt"),
		{Role: providers.RoleAssistant, Content: []providers.ContentBlock{
			providers.TextBlock{Text: "reading"},
			providers.ToolUseBlock{ID: "t1", Name: "read_file", Input: map[string]any{"path": "notes.txt"}},
		}},
		{Role: providers.RoleUser, Content: []providers.ContentBlock{
			providers.ToolResultBlock{ToolUseID: "t1", Content: []providers.ContentBlock{
				providers.TextBlock{Text: "notes"},
				providers.ImageBlock{Data: "aGVsbG8=", MediaType: "image/png"},
			}},
		}},
	}
	for _, m := range conv {
		if err := s.AppendMessage(ctx, id, m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := s.LoadMessagesForContext(ctx, id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[1].ToolUses()[0].Input["path"] != "notes.txt" {
		t.Errorf("tool input lost: %+v", got[1])
	}
	tr, ok := got[2].Content[0].(providers.ToolResultBlock)
	if !ok || len(tr.Content) != 2 {
		t.Fatalf("tool result = %#v", got[2].Content[0])
	}
	if img, ok := tr.Content[1].(providers.ImageBlock); !ok || img.MediaType != "image/png" {
		t.Errorf("nested image lost: %#v", tr.Content[1])
	}

	sess, err := s.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.MessageCount != 3 || sess.Kind != store.SessionKindTask || sess.TaskID != "task-1" {
		t.Errorf("session = %+v", sess)
	}
}

func TestSessionStore_FindTaskSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.FindTaskSession(ctx, "worker-1", "task-1"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}

	first, _ := s.CreateSession(ctx, "worker-1", "task-1")
	second, _ := s.CreateSession(ctx, "worker-1", "task-1")
	if _, err := s.CreateSession(ctx, "worker-1", ""); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	got, err := s.FindTaskSession(ctx, "worker-1", "task-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != second || got == first {
		t.Errorf("found %s, want newest %s", got, second)
	}
}

func TestSessionStore_AppendToUnknownSession(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendMessage(context.Background(), "nope", providers.NewTextMessage(providers.RoleUser, "x"))
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if _, err := s.GetSession(context.Background(), "nope"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("get err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionStore_UsageAndAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, _ := s.CreateSession(ctx, "worker-1", "")

	for i := 0; i < 2; i++ {
		if err := s.AppendUsage(ctx, id, "m", providers.Usage{InputTokens: 10, OutputTokens: 3}); err != nil {
			t.Fatalf("usage: %v", err)
		}
	}
	if err := s.AppendToolCall(ctx, store.ToolCallRecord{SessionID: id, ToolUseID: "t1", Name: "current_time"}); err != nil {
		t.Fatalf("tool call: %v", err)
	}
	if err := s.AppendToolResult(ctx, store.ToolResultRecord{SessionID: id, ToolUseID: "t1", Content: "now"}); err != nil {
		t.Fatalf("tool result: %v", err)
	}

	sess, _ := s.GetSession(ctx, id)
	if sess.InputTokens != 20 || sess.OutputTokens != 6 {
		t.Errorf("tokens = %d/%d, want 20/6", sess.InputTokens, sess.OutputTokens)
	}
	if n, err := s.CountToolCalls(ctx, id); err != nil || n != 1 {
		t.Errorf("tool calls = %d (%v), want 1", n, err)
	}
}

func TestSessionStore_ListSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	s.CreateSession(ctx, "a", "t1")
	s.CreateSession(ctx, "a", "")
	s.CreateSession(ctx, "b", "t2")

	all, err := s.ListSessions(ctx, store.SessionFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("all = %d (%v)", len(all), err)
	}
	onlyA, _ := s.ListSessions(ctx, store.SessionFilter{AgentID: "a"})
	if len(onlyA) != 2 {
		t.Errorf("agent a sessions = %d, want 2", len(onlyA))
	}
	tasks, _ := s.ListSessions(ctx, store.SessionFilter{Kind: store.SessionKindTask})
	if len(tasks) != 2 {
		t.Errorf("task sessions = %d, want 2", len(tasks))
	}
	limited, _ := s.ListSessions(ctx, store.SessionFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limited = %d, want 1", len(limited))
	}
}
