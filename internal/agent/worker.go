package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawworker/internal/bus"
	"github.com/nextlevelbuilder/clawworker/internal/store"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

// Worker adapts a Loop to the Agent surface. It tracks the active task so
// a chat turn arriving mid-task can report the agent busy.
type Worker struct {
	loop   *Loop
	events bus.EventPublisher

	mu         sync.Mutex
	activeTask string
}

func NewWorker(loop *Loop) *Worker {
	return &Worker{loop: loop, events: loop.cfg.Events}
}

func (w *Worker) ID() string      { return w.loop.ID() }
func (w *Worker) Model() string   { return w.loop.Model() }
func (w *Worker) IsRunning() bool { return w.loop.IsRunning() }

// ActiveTask returns the ID of the task currently running, if any.
func (w *Worker) ActiveTask() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeTask
}

// StartTask runs a task assignment to completion in the task's session.
// Admission control (one task at a time) is the caller's job; see
// scheduler.TaskQueue.
func (w *Worker) StartTask(ctx context.Context, task protocol.TaskAssignment) (*RunResult, error) {
	w.mu.Lock()
	w.activeTask = task.TaskID
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.activeTask = ""
		w.mu.Unlock()
		w.status(protocol.StatusIdle, task.TaskID)
	}()

	w.status(protocol.StatusBusy, task.TaskID)
	return w.loop.Run(ctx, RunRequest{
		Kind:   store.SessionKindTask,
		TaskID: task.TaskID,
		Input:  TaskPrompt(task),
	})
}

// StartChat runs one chat turn in a fresh session (or the session the turn
// names). It never waits for the task slot; when a task is active the
// caller is told the agent is busy through the status channel. The reply
// is also published as a chat "message" event under the turn's run ID.
func (w *Worker) StartChat(ctx context.Context, turn protocol.ChatTurn) (*RunResult, error) {
	if active := w.ActiveTask(); active != "" {
		w.status(protocol.StatusBusy, active)
	}
	return w.loop.Run(ctx, RunRequest{
		Kind:      store.SessionKindChat,
		SessionID: turn.SessionID,
		UserID:    turn.UserID,
		RunID:     turn.RunID,
		Input:     turn.Message,
	})
}

func (w *Worker) status(typ, taskID string) {
	if w.events == nil {
		return
	}
	w.events.Broadcast(bus.Event{Name: protocol.EventStatus, Payload: bus.AgentEvent{
		Type:    typ,
		AgentID: w.ID(),
		TaskID:  taskID,
	}})
}

// TaskPrompt renders a task assignment as the user message that starts it.
func TaskPrompt(task protocol.TaskAssignment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s: %s", task.TaskID, strings.TrimSpace(task.Title))
	if task.Priority != 0 {
		fmt.Fprintf(&sb, " (priority %d)", task.Priority)
	}
	if d := strings.TrimSpace(task.Description); d != "" {
		sb.WriteString("\n\n")
		sb.WriteString(d)
	}
	return sb.String()
}
