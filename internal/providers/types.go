package providers

import (
	"context"
	"errors"
)

// ErrStreamClosed is returned when a stream ends while a tool call is still open.
var ErrStreamClosed = errors.New("provider stream closed mid tool call")

// Role is the author of a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason is the provider-reported cause for ending a response.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopSequence     StopReason = "stop_sequence"
	StopReasonAbsent StopReason = ""
)

// Provider is an LLM backend the agent loop can call.
//
// ChatStream emits chunks to onChunk in order and returns once the stream
// has terminated. Transport failures are returned as errors; failures the
// provider reports inside the stream arrive as a StreamError chunk.
type Provider interface {
	Name() string
	DefaultModel() string
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) error
}

// ChatRequest is one outbound provider call.
type ChatRequest struct {
	Model     string           `json:"model"`
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	Tools     []ToolDefinition `json:"tools,omitempty"`
	MaxTokens int              `json:"max_tokens,omitempty"`
}

// ChatResponse is the assembled result of one provider call.
type ChatResponse struct {
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
	Model      string         `json:"model,omitempty"`
}

// Text joins the text blocks of the response.
func (r *ChatResponse) Text() string {
	if r == nil {
		return ""
	}
	return Message{Role: RoleAssistant, Content: r.Content}.Text()
}

// Thinking joins the thinking blocks of the response.
func (r *ChatResponse) Thinking() string {
	if r == nil {
		return ""
	}
	var out string
	for _, b := range r.Content {
		if tb, ok := b.(ThinkingBlock); ok {
			if out != "" {
				out += "\n"
			}
			out += tb.Thinking
		}
	}
	return out
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function ToolFunctionSchema `json:"function"`
}

type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewToolDefinition builds a function-type tool definition.
func NewToolDefinition(name, description string, params map[string]any) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunctionSchema{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

// Usage is a running total of token accounting.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Add merges o into u.
func (u *Usage) Add(o Usage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheWriteTokens += o.CacheWriteTokens
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }
