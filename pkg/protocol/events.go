package protocol

// Event names published on the bus and pushed to dashboard WebSocket clients.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventStatus   = "status"
	EventTask     = "task"
	EventHealth   = "health"
	EventCron     = "cron"
	EventShutdown = "shutdown"

	// Config reloads (internal, not forwarded to WS clients).
	EventConfigReloaded = "config.reloaded"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted     = "run.started"
	AgentEventRoundCompleted = "round.completed"
	AgentEventRunCompleted   = "run.completed"
	AgentEventRunFailed      = "run.failed"
	AgentEventToolCall       = "tool.call"
	AgentEventToolResult     = "tool.result"
	AgentEventRetry          = "provider.retry"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk     = "chunk"
	ChatEventThinking  = "thinking"
	ChatEventToolInput = "tool_input"
	ChatEventMessage   = "message"
)

// Status event subtypes (in payload.type)
const (
	StatusIdle = "idle"
	StatusBusy = "busy"
)

// Task event subtypes (in payload.type)
const (
	TaskEventAssigned  = "task.assigned"
	TaskEventQueued    = "task.queued"
	TaskEventRejected  = "task.rejected"
	TaskEventCompleted = "task.completed"
	TaskEventFailed    = "task.failed"
)
