package providers

// StreamChunk is one incremental event from a streaming provider call.
// The set of chunk kinds is closed.
type StreamChunk interface {
	chunkKind() string
}

type ThinkingStart struct{}

type ThinkingDelta struct {
	Text string
}

type ThinkingEnd struct{}

type TextDelta struct {
	Text string
}

type ToolUseStart struct {
	ID   string
	Name string
}

type ToolUseDelta struct {
	PartialJSON string
}

type ToolUseEnd struct{}

// MessageEnd terminates a stream. Usage is merged additively.
type MessageEnd struct {
	StopReason StopReason
	Usage      Usage
	Model      string
}

// StreamError aborts assembly.
type StreamError struct {
	Err error
}

func (ThinkingStart) chunkKind() string { return "thinking_start" }
func (ThinkingDelta) chunkKind() string { return "thinking_delta" }
func (ThinkingEnd) chunkKind() string   { return "thinking_end" }
func (TextDelta) chunkKind() string     { return "text_delta" }
func (ToolUseStart) chunkKind() string  { return "tool_use_start" }
func (ToolUseDelta) chunkKind() string  { return "tool_use_delta" }
func (ToolUseEnd) chunkKind() string    { return "tool_use_end" }
func (MessageEnd) chunkKind() string    { return "message_end" }
func (StreamError) chunkKind() string   { return "error" }

// ChunkKind returns the wire name of a chunk, used in logs and progress events.
func ChunkKind(c StreamChunk) string {
	if c == nil {
		return ""
	}
	return c.chunkKind()
}

// ReplayResponse emits chunks equivalent to an already-assembled response.
// Used by providers that fall back to a non-streaming call.
func ReplayResponse(resp *ChatResponse, onChunk func(StreamChunk)) {
	if resp == nil || onChunk == nil {
		return
	}
	for _, b := range resp.Content {
		switch v := b.(type) {
		case ThinkingBlock:
			onChunk(ThinkingStart{})
			onChunk(ThinkingDelta{Text: v.Thinking})
			onChunk(ThinkingEnd{})
		case TextBlock:
			onChunk(TextDelta{Text: v.Text})
		case ToolUseBlock:
			onChunk(ToolUseStart{ID: v.ID, Name: v.Name})
			if raw, err := marshalInput(v.Input); err == nil {
				onChunk(ToolUseDelta{PartialJSON: raw})
			}
			onChunk(ToolUseEnd{})
		}
	}
	onChunk(MessageEnd{StopReason: resp.StopReason, Usage: resp.Usage, Model: resp.Model})
}
