package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawworker/internal/tools"
)

func TestRunner_NilIsNoop(t *testing.T) {
	var r *Runner
	ctx := context.Background()
	hc := r.Context("a", "s", "")

	if got := r.ResolveModel(ctx, hc, ModelResolveEvent{Model: "m1"}); got != "m1" {
		t.Errorf("model = %q, want m1", got)
	}
	if got := r.BuildPrompt(ctx, hc, PromptBuildEvent{SystemPrompt: "p"}); got != "p" {
		t.Errorf("prompt = %q, want p", got)
	}
	d := r.BeforeToolCall(ctx, hc, ToolCallEvent{Name: "x", Input: map[string]any{"a": 1}})
	if d.Block || d.Input["a"] != 1 {
		t.Errorf("decision = %+v", d)
	}
	res := tools.NewResult("ok")
	if got := r.AfterToolCall(ctx, hc, ToolResultEvent{Result: res}); got != res {
		t.Error("result should pass through")
	}
	r.LLMInput(ctx, hc, LLMInputEvent{})
	r.TaskFailed(ctx, hc, TaskEvent{})
	if r.Count(LLMInput) != 0 {
		t.Error("nil runner should report zero handlers")
	}
}

func TestRunner_PriorityOrder(t *testing.T) {
	r := NewRunner(nil, nil)
	var order []string
	mk := func(name string) LLMInputHandler {
		return func(ctx context.Context, hc Context, ev LLMInputEvent) error {
			order = append(order, name)
			return nil
		}
	}
	r.OnLLMInput(mk("normal-1"))
	r.OnLLMInput(mk("low"), WithPriority(PriorityLow))
	r.OnLLMInput(mk("highest"), WithPriority(PriorityHighest))
	r.OnLLMInput(mk("normal-2"))

	r.LLMInput(context.Background(), Context{}, LLMInputEvent{})

	want := []string{"highest", "normal-1", "normal-2", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestRunner_ModelOverrideChains(t *testing.T) {
	r := NewRunner(nil, nil)
	var seen []string
	r.OnBeforeModelResolve(func(ctx context.Context, hc Context, ev ModelResolveEvent) (string, error) {
		seen = append(seen, ev.Model)
		return "m2", nil
	})
	r.OnBeforeModelResolve(func(ctx context.Context, hc Context, ev ModelResolveEvent) (string, error) {
		seen = append(seen, ev.Model)
		return "", nil // no override
	})
	r.OnBeforeModelResolve(func(ctx context.Context, hc Context, ev ModelResolveEvent) (string, error) {
		return "ignored", errors.New("boom")
	})

	got := r.ResolveModel(context.Background(), Context{}, ModelResolveEvent{Model: "m1"})
	if got != "m2" {
		t.Errorf("model = %q, want m2", got)
	}
	if len(seen) != 2 || seen[0] != "m1" || seen[1] != "m2" {
		t.Errorf("seen = %v", seen)
	}
}

func TestRunner_BeforeToolCall_VetoStopsEvaluation(t *testing.T) {
	r := NewRunner(nil, nil)
	laterCalled := false
	r.OnBeforeToolCall(func(ctx context.Context, hc Context, ev ToolCallEvent) (ToolCallDecision, error) {
		return ToolCallDecision{Input: map[string]any{"path": "safe.txt"}}, nil
	}, WithName("rewrite"))
	r.OnBeforeToolCall(func(ctx context.Context, hc Context, ev ToolCallEvent) (ToolCallDecision, error) {
		if ev.Input["path"] != "safe.txt" {
			t.Errorf("second handler saw %v, want rewritten input", ev.Input)
		}
		return ToolCallDecision{Block: true}, nil
	}, WithName("deny-all"))
	r.OnBeforeToolCall(func(ctx context.Context, hc Context, ev ToolCallEvent) (ToolCallDecision, error) {
		laterCalled = true
		return ToolCallDecision{}, nil
	})

	d := r.BeforeToolCall(context.Background(), Context{}, ToolCallEvent{Name: "read_file", Input: map[string]any{"path": "x"}})
	if !d.Block {
		t.Fatal("expected block")
	}
	if d.Reason != "blocked by deny-all" {
		t.Errorf("reason = %q", d.Reason)
	}
	if laterCalled {
		t.Error("handlers after a veto must not run")
	}
}

func TestRunner_BeforeToolCall_Rewrite(t *testing.T) {
	r := NewRunner(nil, nil)
	r.OnBeforeToolCall(func(ctx context.Context, hc Context, ev ToolCallEvent) (ToolCallDecision, error) {
		return ToolCallDecision{Input: map[string]any{"n": 2}}, nil
	})
	d := r.BeforeToolCall(context.Background(), Context{}, ToolCallEvent{Input: map[string]any{"n": 1}})
	if d.Block || d.Input["n"] != 2 {
		t.Errorf("decision = %+v", d)
	}
}

func TestRunner_PanicRecovered(t *testing.T) {
	r := NewRunner(nil, nil)
	r.OnAfterToolCall(func(ctx context.Context, hc Context, ev ToolResultEvent) (*tools.Result, error) {
		panic("handler bug")
	})
	replacement := tools.NewResult("replaced")
	r.OnAfterToolCall(func(ctx context.Context, hc Context, ev ToolResultEvent) (*tools.Result, error) {
		return replacement, nil
	})

	got := r.AfterToolCall(context.Background(), Context{}, ToolResultEvent{Result: tools.NewResult("orig")})
	if got != replacement {
		t.Errorf("result = %+v, want replacement", got)
	}
}

func TestRunner_MessageReceived(t *testing.T) {
	r := NewRunner(nil, nil)
	r.OnMessageReceived(func(ctx context.Context, hc Context, ev MessageEvent) (MessageDecision, error) {
		return MessageDecision{Text: ev.Text + "!"}, nil
	})
	d := r.MessageReceived(context.Background(), Context{}, MessageEvent{Text: "hi"})
	if d.Block || d.Text != "hi!" {
		t.Errorf("decision = %+v", d)
	}

	r.OnMessageReceived(func(ctx context.Context, hc Context, ev MessageEvent) (MessageDecision, error) {
		return MessageDecision{Block: true, Reason: "nope"}, nil
	})
	d = r.MessageReceived(context.Background(), Context{}, MessageEvent{Text: "hi"})
	if !d.Block || d.Reason != "nope" {
		t.Errorf("decision = %+v", d)
	}
}

func TestRunner_Remove(t *testing.T) {
	r := NewRunner(nil, nil)
	calls := 0
	id := r.OnTaskCompleted(func(ctx context.Context, hc Context, ev TaskEvent) error {
		calls++
		return nil
	})
	if r.Count(TaskCompleted) != 1 {
		t.Fatalf("count = %d", r.Count(TaskCompleted))
	}
	if !r.Remove(id) {
		t.Fatal("remove returned false")
	}
	if r.Remove(id) {
		t.Error("second remove should return false")
	}
	r.TaskCompleted(context.Background(), Context{}, TaskEvent{})
	if calls != 0 {
		t.Error("removed handler was called")
	}
}

func TestRunner_ContextCarriesState(t *testing.T) {
	state := NewLRUStateStore(10, time.Minute)
	r := NewRunner(state, nil)
	r.OnSessionStart(func(ctx context.Context, hc Context, ev SessionEvent) error {
		hc.State.Set(hc.SessionID, "started", true)
		return nil
	})
	r.SessionStart(context.Background(), r.Context("a", "s1", ""), SessionEvent{Kind: "chat"})
	if v, ok := state.Get("s1", "started"); !ok || v != true {
		t.Errorf("state = %v, %v", v, ok)
	}
}

func TestLRUStateStore(t *testing.T) {
	s := NewLRUStateStore(2, time.Minute)
	s.Set("s1", "k", 1)
	s.Set("s2", "k", 2)
	s.Set("s3", "k", 3) // evicts s1

	if _, ok := s.Get("s1", "k"); ok {
		t.Error("s1 should have been evicted")
	}
	if v, _ := s.Get("s3", "k"); v != 3 {
		t.Errorf("s3 = %v", v)
	}

	s.Delete("s3")
	if _, ok := s.Get("s3", "k"); ok {
		t.Error("s3 should be deleted")
	}
}

func TestLRUStateStore_UpdateConcurrent(t *testing.T) {
	s := NewLRUStateStore(0, 0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update("s", "n", func(old any, ok bool) any {
				if !ok {
					return 1
				}
				return old.(int) + 1
			})
		}()
	}
	wg.Wait()
	if v, _ := s.Get("s", "n"); v != 50 {
		t.Errorf("n = %v, want 50", v)
	}
}

func TestLRUStateStore_Expiry(t *testing.T) {
	s := NewLRUStateStore(10, 30*time.Millisecond)
	s.Set("s", "k", "v")
	time.Sleep(80 * time.Millisecond)
	if _, ok := s.Get("s", "k"); ok {
		t.Error("entry should have expired")
	}
}
