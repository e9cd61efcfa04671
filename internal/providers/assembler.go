package providers

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// DefaultProgressThrottle bounds progress notifications per phase.
const DefaultProgressThrottle = 100 * time.Millisecond

// ProgressPhase identifies which buffer a progress notification reports on.
type ProgressPhase string

const (
	PhaseThinking  ProgressPhase = "thinking"
	PhaseText      ProgressPhase = "text"
	PhaseToolInput ProgressPhase = "tool_input"
)

// ProgressFunc receives the accumulated buffer of a phase. It must not block;
// panics are recovered and logged.
type ProgressFunc func(phase ProgressPhase, accumulated string)

type pendingTool struct {
	id   string
	name string
	args strings.Builder
}

// Assembler reduces an ordered stream of chunks into one ChatResponse.
// Feed it with Push (usable directly as a ChatStream callback) and call
// Finish once the stream has returned. Not safe for concurrent use.
type Assembler struct {
	progress ProgressFunc
	throttle time.Duration
	now      func() time.Time
	lastEmit map[ProgressPhase]time.Time

	content    []ContentBlock
	text       strings.Builder
	thinking   strings.Builder
	inThinking bool
	tool       *pendingTool

	stop  StopReason
	usage Usage
	model string
	ended bool
	err   error
}

// NewAssembler creates an assembler. progress may be nil.
func NewAssembler(progress ProgressFunc) *Assembler {
	return &Assembler{
		progress: progress,
		throttle: DefaultProgressThrottle,
		now:      time.Now,
		lastEmit: make(map[ProgressPhase]time.Time),
	}
}

// SetThrottle overrides the per-phase progress interval.
func (a *Assembler) SetThrottle(d time.Duration) { a.throttle = d }

// Push consumes one chunk. Chunks after an error are ignored.
func (a *Assembler) Push(c StreamChunk) {
	if a.err != nil {
		return
	}
	switch v := c.(type) {
	case ThinkingStart:
		a.flushText()
		a.inThinking = true
	case ThinkingDelta:
		a.inThinking = true
		a.thinking.WriteString(v.Text)
		a.emit(PhaseThinking, a.thinking.String())
	case ThinkingEnd:
		a.flushThinking()
	case TextDelta:
		if a.inThinking {
			a.flushThinking()
		}
		a.text.WriteString(v.Text)
		a.emit(PhaseText, a.text.String())
	case ToolUseStart:
		a.flushThinking()
		a.flushText()
		if a.tool != nil {
			a.flushTool()
		}
		a.tool = &pendingTool{id: v.ID, name: v.Name}
	case ToolUseDelta:
		if a.tool == nil {
			slog.Debug("assembler: tool_use_delta without open tool call")
			return
		}
		a.tool.args.WriteString(v.PartialJSON)
		a.emit(PhaseToolInput, a.tool.args.String())
	case ToolUseEnd:
		if a.tool != nil {
			a.flushTool()
		}
	case MessageEnd:
		a.flushThinking()
		a.flushText()
		if v.StopReason != StopReasonAbsent {
			a.stop = v.StopReason
		}
		a.usage.Add(v.Usage)
		if v.Model != "" {
			a.model = v.Model
		}
		a.ended = true
	case StreamError:
		a.err = v.Err
	}
}

// Err returns the stream error, if one has been pushed.
func (a *Assembler) Err() error { return a.err }

// Finish returns the assembled response. A stream that ended without
// message_end is accepted as long as no tool call is left open.
func (a *Assembler) Finish() (*ChatResponse, error) {
	if a.err != nil {
		return nil, a.err
	}
	if a.tool != nil {
		return nil, ErrStreamClosed
	}
	a.flushThinking()
	a.flushText()

	stop := a.stop
	if stop == StopReasonAbsent {
		stop = StopEndTurn
		for _, b := range a.content {
			if _, ok := b.(ToolUseBlock); ok {
				stop = StopToolUse
				break
			}
		}
		if !a.ended {
			slog.Debug("assembler: stream ended without message_end", "stop_reason", stop)
		}
	}
	return &ChatResponse{
		Content:    a.content,
		StopReason: stop,
		Usage:      a.usage,
		Model:      a.model,
	}, nil
}

func (a *Assembler) flushText() {
	if a.text.Len() == 0 {
		return
	}
	text := StripScaffold(a.text.String())
	a.text.Reset()
	if strings.TrimSpace(text) == "" {
		return
	}
	a.content = append(a.content, TextBlock{Text: text})
}

func (a *Assembler) flushThinking() {
	if !a.inThinking && a.thinking.Len() == 0 {
		return
	}
	a.inThinking = false
	if a.thinking.Len() == 0 {
		return
	}
	a.content = append(a.content, ThinkingBlock{Thinking: a.thinking.String()})
	a.thinking.Reset()
}

func (a *Assembler) flushTool() {
	t := a.tool
	a.tool = nil
	a.content = append(a.content, ToolUseBlock{
		ID:    t.id,
		Name:  t.name,
		Input: parseToolInput(t.name, t.args.String()),
	})
}

func (a *Assembler) emit(phase ProgressPhase, acc string) {
	if a.progress == nil {
		return
	}
	now := a.now()
	if last, ok := a.lastEmit[phase]; ok && now.Sub(last) < a.throttle {
		return
	}
	a.lastEmit[phase] = now
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("assembler: progress callback panicked", "phase", phase, "panic", r)
		}
	}()
	a.progress(phase, acc)
}

// parseToolInput decodes accumulated tool arguments. Malformed input yields
// an empty object so the tool sees a validation error instead of the round failing.
func parseToolInput(name, raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil || input == nil {
		slog.Warn("assembler: unparseable tool input", "tool", name, "len", len(raw), "error", err)
		return map[string]any{}
	}
	return input
}

func marshalInput(input map[string]any) (string, error) {
	if input == nil {
		return "{}", nil
	}
	b, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Assemble reduces a finite chunk sequence. Convenience for adapters and tests.
func Assemble(chunks []StreamChunk) (*ChatResponse, error) {
	a := NewAssembler(nil)
	for _, c := range chunks {
		a.Push(c)
	}
	return a.Finish()
}

// Collect runs a streaming call to completion and returns the assembled response.
func Collect(ctx context.Context, p Provider, req ChatRequest) (*ChatResponse, error) {
	a := NewAssembler(nil)
	if err := p.ChatStream(ctx, req, a.Push); err != nil {
		return nil, err
	}
	return a.Finish()
}
