package agent

import (
	"context"

	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

// Agent is the public surface of one worker: start a task, start a chat turn.
// Implemented by *Worker; extracted as an interface for the router, the task
// queue and tests.
type Agent interface {
	ID() string
	StartTask(ctx context.Context, task protocol.TaskAssignment) (*RunResult, error)
	StartChat(ctx context.Context, turn protocol.ChatTurn) (*RunResult, error)
	IsRunning() bool
	Model() string
}
