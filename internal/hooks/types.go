// Package hooks is the extension-point layer of the execution loop.
// Each named point has its own typed handler list; handlers run in
// priority order and may observe or override what the loop does next.
package hooks

import (
	"time"

	"github.com/nextlevelbuilder/clawworker/internal/providers"
	"github.com/nextlevelbuilder/clawworker/internal/tools"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

// Point names an extension point. Names are stable: they appear in
// configuration and logs.
type Point string

const (
	BeforeModelResolve Point = "before_model_resolve"
	BeforePromptBuild  Point = "before_prompt_build"
	LLMInput           Point = "llm_input"
	LLMOutput          Point = "llm_output"
	BeforeToolCall     Point = "before_tool_call"
	AfterToolCall      Point = "after_tool_call"
	SessionStart       Point = "session_start"
	SessionEnd         Point = "session_end"
	MessageReceived    Point = "message_received"
	TaskAssigned       Point = "task_assigned"
	TaskCompleted      Point = "task_completed"
	TaskFailed         Point = "task_failed"
)

// Priority determines the order handlers are called (lower = earlier).
type Priority int

const (
	PriorityHighest Priority = 0
	PriorityHigh    Priority = 25
	PriorityNormal  Priority = 50
	PriorityLow     Priority = 75
	PriorityLowest  Priority = 100
)

// Context identifies the invocation a hook fires for. State is the
// injected per-session store handlers keep counters and limiters in.
type Context struct {
	AgentID   string
	SessionID string
	TaskID    string
	State     StateStore
}

// ModelResolveEvent fires once per invocation before the model is fixed.
type ModelResolveEvent struct {
	Provider string
	Model    string
}

// PromptBuildEvent fires every round before the request is sent.
type PromptBuildEvent struct {
	SystemPrompt string
	Round        int
}

// LLMInputEvent is the fitted request about to go out.
type LLMInputEvent struct {
	Round     int
	Model     string
	System    string
	Messages  []providers.Message
	Tools     []providers.ToolDefinition
	Size      int    // estimated serialized size after fitting
	Tokens    int    // tokenizer estimate; 0 when no counter is configured
	FitStage  string // degrade stage that produced Messages
	MaxTokens int
}

// LLMOutputEvent reports one provider call, successful or not.
type LLMOutputEvent struct {
	Round     int
	Attempt   int
	Provider  string
	Model     string
	StartedAt time.Time
	Duration  time.Duration
	Response  *providers.ChatResponse // nil on failure
	Err       error
}

// ToolCallEvent is a requested tool invocation.
type ToolCallEvent struct {
	Round int
	ID    string
	Name  string
	Input map[string]any
}

// ToolCallDecision is a before_tool_call verdict. A Block stops evaluation
// and turns the call into an error result carrying Reason. A non-nil Input
// replaces the call's input for later handlers and for execution.
type ToolCallDecision struct {
	Block  bool
	Reason string
	Input  map[string]any
}

// ToolResultEvent is a finished tool call.
type ToolResultEvent struct {
	Round     int
	ID        string
	Name      string
	Input     map[string]any
	Result    *tools.Result
	StartedAt time.Time
	Duration  time.Duration
	Vetoed    bool
}

// SessionEvent marks the start or end of one invocation.
type SessionEvent struct {
	Kind   string // "task" or "chat"
	Input  string
	Result *protocol.RunResult // set on end
	Err    error               // set on fatal end
}

// MessageEvent is an inbound user message before it joins the conversation.
type MessageEvent struct {
	Kind   string // "task" or "chat"
	Text   string
	UserID string
}

// MessageDecision is a message_received verdict. Block rejects the input;
// a non-empty Text replaces it.
type MessageDecision struct {
	Block  bool
	Reason string
	Text   string
}

// TaskEvent covers the task lifecycle points.
type TaskEvent struct {
	Task   protocol.TaskAssignment
	Result *protocol.RunResult
	Err    error
}
