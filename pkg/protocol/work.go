package protocol

// TaskAssignment is a unit of work handed to an agent by an external scheduler.
// It is consumed once and never mutated by the worker.
type TaskAssignment struct {
	TaskID      string `json:"taskId"`
	AgentID     string `json:"agentId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority,omitempty"`
}

// ChatTurn is one interactive message to an agent. Each turn runs in a
// fresh session unless SessionID names an existing chat session.
type ChatTurn struct {
	AgentID   string `json:"agentId"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	// RunID correlates the turn with its chat events; generated when empty.
	RunID string `json:"runId,omitempty"`
}

// RunResult is the terminal outcome of a task or chat turn.
type RunResult struct {
	SessionID string   `json:"sessionId"`
	Output    string   `json:"output"`
	Artifacts []string `json:"artifacts"`
	Thinking  string   `json:"thinking,omitempty"`
	Rounds    int      `json:"rounds"`
	State     string   `json:"state"`
	Error     string   `json:"error,omitempty"`
}

// Inbound envelope kinds on the message bus.
const (
	InboundTask = "task"
	InboundChat = "chat"
)

// InboundEnvelope wraps work arriving over an external queue.
type InboundEnvelope struct {
	Kind string          `json:"kind"`
	Task *TaskAssignment `json:"task,omitempty"`
	Chat *ChatTurn       `json:"chat,omitempty"`
}
