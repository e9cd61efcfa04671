package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawworker/internal/agent"
	"github.com/nextlevelbuilder/clawworker/internal/bus"
	"github.com/nextlevelbuilder/clawworker/internal/hooks"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

// DefaultBacklog is the number of tasks that may wait behind the active one.
const DefaultBacklog = 5

// QueueConfig configures a per-agent task queue.
type QueueConfig struct {
	Backlog int                // waiting tasks allowed behind the active one (default 5)
	Hooks   *hooks.Runner      // task_assigned / task_completed / task_failed
	Events  bus.EventPublisher // task.* notifications
}

// Outcome is the terminal result of one submitted task.
type Outcome struct {
	TaskID string
	Result *agent.RunResult
	Err    error
}

// QueueStatus is a point-in-time view of the queue.
type QueueStatus struct {
	Active       bool     `json:"active"`
	ActiveTaskID string   `json:"activeTaskId,omitempty"`
	Backlog      []string `json:"backlog"`
}

type pendingTask struct {
	task     protocol.TaskAssignment
	resultCh chan Outcome
}

// TaskQueue is single-flight admission control in front of one agent:
// one task runs at a time, later arrivals wait in a bounded FIFO backlog,
// and the next backlog entry starts as soon as the active task finishes.
// Chat turns never pass through here.
type TaskQueue struct {
	agent  agent.Agent
	config QueueConfig

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	active  *pendingTask
	backlog []*pendingTask
	closed  bool
}

// NewTaskQueue creates a queue for a. Tasks run under ctx rather than the
// submitter's context, so an HTTP caller going away does not abort its task.
func NewTaskQueue(ctx context.Context, a agent.Agent, cfg QueueConfig) *TaskQueue {
	if cfg.Backlog <= 0 {
		cfg.Backlog = DefaultBacklog
	}
	if cfg.Events == nil {
		cfg.Events = bus.NopPublisher{}
	}
	baseCtx, cancel := context.WithCancel(ctx)
	return &TaskQueue{
		agent:   a,
		config:  cfg,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

// Submit admits a task. It starts immediately when the agent is idle,
// otherwise it joins the backlog. A full backlog rejects the task with
// ErrQueueFull and no channel. The returned channel receives exactly one
// Outcome and is then closed.
func (q *TaskQueue) Submit(ctx context.Context, task protocol.TaskAssignment) (<-chan Outcome, error) {
	p := &pendingTask{task: task, resultCh: make(chan Outcome, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	var start bool
	switch {
	case q.active == nil:
		q.active = p
		start = true
	case len(q.backlog) >= q.config.Backlog:
		active := q.active.task.TaskID
		q.mu.Unlock()
		slog.Warn("task queue full, rejecting task",
			"agent", q.agent.ID(), "task", task.TaskID, "active", active, "backlog", q.config.Backlog)
		q.publish(protocol.TaskEventRejected, task.TaskID, map[string]any{"reason": ErrQueueFull.Error()})
		return nil, ErrQueueFull
	default:
		q.backlog = append(q.backlog, p)
	}
	position := len(q.backlog)
	q.mu.Unlock()

	q.config.Hooks.TaskAssigned(ctx, q.hookContext(task), hooks.TaskEvent{Task: task})

	if start {
		q.start(p)
	} else {
		slog.Info("task queued", "agent", q.agent.ID(), "task", task.TaskID, "position", position)
		q.publish(protocol.TaskEventQueued, task.TaskID, map[string]any{"position": position})
	}
	return p.resultCh, nil
}

// start launches p. Caller must already have recorded p as active.
func (q *TaskQueue) start(p *pendingTask) {
	q.wg.Add(1)
	q.publish(protocol.TaskEventAssigned, p.task.TaskID, nil)
	go q.execute(p)
}

// execute runs the task, reports it, then hands the slot to the next
// backlog entry.
func (q *TaskQueue) execute(p *pendingTask) {
	defer q.wg.Done()

	result, err := q.run(p.task)

	hc := q.hookContext(p.task)
	if result != nil {
		hc.SessionID = result.SessionID
	}
	ev := hooks.TaskEvent{Task: p.task, Result: result.Protocol(), Err: err}
	if err != nil {
		slog.Warn("task failed", "agent", q.agent.ID(), "task", p.task.TaskID, "error", err)
		q.config.Hooks.TaskFailed(q.baseCtx, hc, ev)
		q.publish(protocol.TaskEventFailed, p.task.TaskID, map[string]any{"error": err.Error()})
	} else {
		q.config.Hooks.TaskCompleted(q.baseCtx, hc, ev)
		q.publish(protocol.TaskEventCompleted, p.task.TaskID, result.Protocol())
	}

	p.resultCh <- Outcome{TaskID: p.task.TaskID, Result: result, Err: err}
	close(p.resultCh)

	q.mu.Lock()
	q.active = nil
	var next *pendingTask
	if !q.closed && len(q.backlog) > 0 {
		next = q.backlog[0]
		q.backlog = q.backlog[1:]
		q.active = next
	}
	q.mu.Unlock()

	if next != nil {
		q.start(next)
	}
}

// run starts the task on the agent. A panic is reported as a failed task
// and the slot is still released.
func (q *TaskQueue) run(task protocol.TaskAssignment) (result *agent.RunResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("task panicked", "agent", q.agent.ID(), "task", task.TaskID, "panic", rec)
			result, err = nil, fmt.Errorf("%w: %v", ErrTaskPanicked, rec)
		}
	}()
	return q.agent.StartTask(q.baseCtx, task)
}

// Status reports the active task and the backlog in FIFO order.
func (q *TaskQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	st := QueueStatus{Backlog: make([]string, 0, len(q.backlog))}
	if q.active != nil {
		st.Active = true
		st.ActiveTaskID = q.active.task.TaskID
	}
	for _, p := range q.backlog {
		st.Backlog = append(st.Backlog, p.task.TaskID)
	}
	return st
}

// Close stops admission, fails every backlog entry with ErrQueueClosed,
// cancels the active task's context and waits for it to return.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	drained := q.backlog
	q.backlog = nil
	q.mu.Unlock()

	for _, p := range drained {
		p.resultCh <- Outcome{TaskID: p.task.TaskID, Err: ErrQueueClosed}
		close(p.resultCh)
	}
	q.cancel()
	q.wg.Wait()
}

func (q *TaskQueue) hookContext(task protocol.TaskAssignment) hooks.Context {
	return q.config.Hooks.Context(q.agent.ID(), "", task.TaskID)
}

func (q *TaskQueue) publish(typ, taskID string, payload any) {
	q.config.Events.Broadcast(bus.Event{Name: protocol.EventTask, Payload: bus.AgentEvent{
		Type:    typ,
		AgentID: q.agent.ID(),
		TaskID:  taskID,
		Payload: payload,
	}})
}
