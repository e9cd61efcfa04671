package protocol

// Gateway WebSocket RPC methods.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	MethodAgentsList = "agents.list"
	MethodTaskSubmit = "task.submit"

	MethodChatSend    = "chat.send"
	MethodChatAbort   = "chat.abort"
	MethodChatHistory = "chat.history"

	MethodSessionsList = "sessions.list"

	MethodCronList   = "cron.list"
	MethodCronToggle = "cron.toggle"
	MethodCronDelete = "cron.delete"
	MethodCronRun    = "cron.run"
	MethodCronRuns   = "cron.runs"
)
