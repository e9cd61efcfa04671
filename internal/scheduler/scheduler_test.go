package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawworker/internal/agent"
	"github.com/nextlevelbuilder/clawworker/internal/bus"
	"github.com/nextlevelbuilder/clawworker/internal/hooks"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

// gatedAgent blocks every task until release receives, so tests control
// exactly when the active task finishes.
type gatedAgent struct {
	started chan string
	release chan struct{}
	fail    map[string]bool

	active    atomic.Int32
	maxActive atomic.Int32
}

func newGatedAgent() *gatedAgent {
	return &gatedAgent{started: make(chan string, 32), release: make(chan struct{}), fail: map[string]bool{}}
}

func (a *gatedAgent) ID() string      { return "worker-1" }
func (a *gatedAgent) Model() string   { return "test-model" }
func (a *gatedAgent) IsRunning() bool { return a.active.Load() > 0 }

func (a *gatedAgent) StartChat(context.Context, protocol.ChatTurn) (*agent.RunResult, error) {
	return &agent.RunResult{Output: "chat"}, nil
}

func (a *gatedAgent) StartTask(ctx context.Context, task protocol.TaskAssignment) (*agent.RunResult, error) {
	cur := a.active.Add(1)
	defer a.active.Add(-1)
	for {
		old := a.maxActive.Load()
		if cur <= old || a.maxActive.CompareAndSwap(old, cur) {
			break
		}
	}
	a.started <- task.TaskID

	select {
	case <-a.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if a.fail[task.TaskID] {
		return nil, fmt.Errorf("task %s exploded", task.TaskID)
	}
	return &agent.RunResult{SessionID: "s-" + task.TaskID, Output: "done " + task.TaskID, State: agent.StateDone}, nil
}

func waitStarted(t *testing.T, a *gatedAgent) string {
	t.Helper()
	select {
	case id := <-a.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a task to start")
		return ""
	}
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func task(id string) protocol.TaskAssignment {
	return protocol.TaskAssignment{TaskID: id, AgentID: "worker-1", Title: "task " + id}
}

func TestTaskQueue_AdmissionAndFIFO(t *testing.T) {
	a := newGatedAgent()
	q := NewTaskQueue(context.Background(), a, QueueConfig{Backlog: 5})
	defer q.Close()

	ctx := context.Background()
	var chans []<-chan Outcome
	for i := 1; i <= 6; i++ {
		ch, err := q.Submit(ctx, task(fmt.Sprint(i)))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		chans = append(chans, ch)
	}
	if id := waitStarted(t, a); id != "1" {
		t.Fatalf("first started = %q, want 1", id)
	}

	// One active plus five waiting: the next arrival is rejected.
	ch, err := q.Submit(ctx, task("7"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("submit 7 err = %v, want ErrQueueFull", err)
	}
	if ch != nil {
		t.Error("rejected submit returned a channel")
	}

	st := q.Status()
	if !st.Active || st.ActiveTaskID != "1" || len(st.Backlog) != 5 || st.Backlog[0] != "2" || st.Backlog[4] != "6" {
		t.Fatalf("status = %+v", st)
	}

	for i := 1; i <= 6; i++ {
		want := fmt.Sprint(i)
		if i > 1 {
			if id := waitStarted(t, a); id != want {
				t.Fatalf("started = %q, want %q", id, want)
			}
		}
		a.release <- struct{}{}
		o := waitOutcome(t, chans[i-1])
		if o.Err != nil || o.TaskID != want || o.Result.Output != "done "+want {
			t.Fatalf("outcome %d = %+v", i, o)
		}
	}

	if m := a.maxActive.Load(); m != 1 {
		t.Errorf("max active = %d, want 1", m)
	}
	if st := q.Status(); st.Active || len(st.Backlog) != 0 {
		t.Errorf("status after drain = %+v", st)
	}
}

func TestTaskQueue_FailureStartsNext(t *testing.T) {
	a := newGatedAgent()
	a.fail["bad"] = true

	runner := hooks.NewRunner(nil, nil)
	var assigned, completed, failed atomic.Int32
	runner.OnTaskAssigned(func(_ context.Context, _ hooks.Context, _ hooks.TaskEvent) error {
		assigned.Add(1)
		return nil
	})
	runner.OnTaskCompleted(func(_ context.Context, hc hooks.Context, ev hooks.TaskEvent) error {
		if hc.SessionID != "s-"+ev.Task.TaskID || ev.Result == nil {
			t.Errorf("completed hook context = %+v result = %+v", hc, ev.Result)
		}
		completed.Add(1)
		return nil
	})
	runner.OnTaskFailed(func(_ context.Context, _ hooks.Context, ev hooks.TaskEvent) error {
		if ev.Err == nil {
			t.Error("failed hook without error")
		}
		failed.Add(1)
		return nil
	})

	q := NewTaskQueue(context.Background(), a, QueueConfig{Hooks: runner})
	defer q.Close()

	bad, _ := q.Submit(context.Background(), task("bad"))
	good, _ := q.Submit(context.Background(), task("good"))

	waitStarted(t, a)
	a.release <- struct{}{}
	if o := waitOutcome(t, bad); o.Err == nil {
		t.Fatal("bad task reported success")
	}

	if id := waitStarted(t, a); id != "good" {
		t.Fatalf("next started = %q, want good", id)
	}
	a.release <- struct{}{}
	if o := waitOutcome(t, good); o.Err != nil {
		t.Fatalf("good task: %v", o.Err)
	}

	if assigned.Load() != 2 || completed.Load() != 1 || failed.Load() != 1 {
		t.Errorf("hooks assigned=%d completed=%d failed=%d", assigned.Load(), completed.Load(), failed.Load())
	}
}

func TestTaskQueue_CloseDrainsBacklog(t *testing.T) {
	a := newGatedAgent()
	q := NewTaskQueue(context.Background(), a, QueueConfig{})

	active, _ := q.Submit(context.Background(), task("a"))
	waiting, _ := q.Submit(context.Background(), task("b"))
	waitStarted(t, a)

	q.Close()

	if o := waitOutcome(t, waiting); !errors.Is(o.Err, ErrQueueClosed) {
		t.Errorf("backlog outcome err = %v, want ErrQueueClosed", o.Err)
	}
	if o := waitOutcome(t, active); !errors.Is(o.Err, context.Canceled) {
		t.Errorf("active outcome err = %v, want context.Canceled", o.Err)
	}
	if _, err := q.Submit(context.Background(), task("c")); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("submit after close err = %v, want ErrQueueClosed", err)
	}
	q.Close() // idempotent
}

// panickyAgent panics on task "boom" and otherwise behaves like gatedAgent.
type panickyAgent struct{ *gatedAgent }

func (a panickyAgent) StartTask(ctx context.Context, task protocol.TaskAssignment) (*agent.RunResult, error) {
	if task.TaskID == "boom" {
		var m map[string]int
		m["x"] = 1
	}
	return a.gatedAgent.StartTask(ctx, task)
}

func TestTaskQueue_PanicReleasesSlot(t *testing.T) {
	a := panickyAgent{newGatedAgent()}
	q := NewTaskQueue(context.Background(), a, QueueConfig{})
	defer q.Close()

	boom, err := q.Submit(context.Background(), task("boom"))
	if err != nil {
		t.Fatalf("submit boom: %v", err)
	}
	if o := waitOutcome(t, boom); !errors.Is(o.Err, ErrTaskPanicked) || o.Result != nil {
		t.Fatalf("boom outcome = %+v, want ErrTaskPanicked", o)
	}

	next, err := q.Submit(context.Background(), task("after"))
	if err != nil {
		t.Fatalf("submit after panic: %v", err)
	}
	if id := waitStarted(t, a.gatedAgent); id != "after" {
		t.Fatalf("started = %q, want after", id)
	}
	a.release <- struct{}{}
	if o := waitOutcome(t, next); o.Err != nil || o.Result.Output != "done after" {
		t.Errorf("after outcome = %+v", o)
	}
}

func TestTaskQueue_ConcurrentSubmitSingleFlight(t *testing.T) {
	a := newGatedAgent()
	q := NewTaskQueue(context.Background(), a, QueueConfig{Backlog: 3})
	defer q.Close()

	var wg sync.WaitGroup
	var accepted, rejected atomic.Int32
	chans := make(chan (<-chan Outcome), 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := q.Submit(context.Background(), task(fmt.Sprint(i)))
			if errors.Is(err, ErrQueueFull) {
				rejected.Add(1)
				return
			}
			if err != nil {
				t.Errorf("submit: %v", err)
				return
			}
			accepted.Add(1)
			chans <- ch
		}(i)
	}
	wg.Wait()
	close(chans)

	// The first task blocks until released, so admission is fixed at 1 + 3.
	if accepted.Load() != 4 || rejected.Load() != 16 {
		t.Fatalf("accepted = %d rejected = %d, want 4/16", accepted.Load(), rejected.Load())
	}
	for range 4 {
		waitStarted(t, a)
		a.release <- struct{}{}
	}
	for ch := range chans {
		if o := waitOutcome(t, ch); o.Err != nil {
			t.Errorf("outcome %s: %v", o.TaskID, o.Err)
		}
	}
	if m := a.maxActive.Load(); m != 1 {
		t.Errorf("max active = %d, want 1", m)
	}
}

type taskEvents struct {
	mu    sync.Mutex
	types []string
}

func (e *taskEvents) Broadcast(ev bus.Event) {
	if ev.Name != protocol.EventTask {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, ev.Payload.(bus.AgentEvent).Type)
}

func TestTaskQueue_PublishesLifecycle(t *testing.T) {
	a := newGatedAgent()
	events := &taskEvents{}
	q := NewTaskQueue(context.Background(), a, QueueConfig{Backlog: 1, Events: events})
	defer q.Close()

	first, _ := q.Submit(context.Background(), task("1"))
	second, _ := q.Submit(context.Background(), task("2"))
	if _, err := q.Submit(context.Background(), task("3")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v", err)
	}
	for _, ch := range []<-chan Outcome{first, second} {
		waitStarted(t, a)
		a.release <- struct{}{}
		waitOutcome(t, ch)
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	want := []string{
		protocol.TaskEventAssigned, protocol.TaskEventQueued, protocol.TaskEventRejected,
		protocol.TaskEventCompleted, protocol.TaskEventAssigned, protocol.TaskEventCompleted,
	}
	if len(events.types) != len(want) {
		t.Fatalf("events = %v, want %v", events.types, want)
	}
	for i := range want {
		if events.types[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, events.types[i], want[i])
		}
	}
}

func TestDispatcher_RoutesByAgent(t *testing.T) {
	a := newGatedAgent()
	router := agent.NewRouter()
	router.Register(a)

	d := NewDispatcher(context.Background(), router, QueueConfig{})
	defer d.Close()

	ch, err := d.Submit(context.Background(), protocol.TaskAssignment{TaskID: "x", AgentID: "Worker-1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitStarted(t, a)
	if st := d.Statuses()["worker-1"]; st.ActiveTaskID != "x" {
		t.Errorf("status = %+v", st)
	}
	a.release <- struct{}{}
	if o := waitOutcome(t, ch); o.Err != nil {
		t.Fatalf("outcome: %v", o.Err)
	}

	if _, err := d.Submit(context.Background(), protocol.TaskAssignment{TaskID: "y", AgentID: "nobody"}); err == nil {
		t.Error("unknown agent accepted")
	}
	if ids := d.AgentIDs(); len(ids) != 1 || ids[0] != "worker-1" {
		t.Errorf("AgentIDs = %v", ids)
	}
}
