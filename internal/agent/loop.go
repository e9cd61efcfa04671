package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawworker/internal/bus"
	"github.com/nextlevelbuilder/clawworker/internal/hooks"
	"github.com/nextlevelbuilder/clawworker/internal/providers"
	"github.com/nextlevelbuilder/clawworker/internal/store"
	"github.com/nextlevelbuilder/clawworker/internal/tools"
	"github.com/nextlevelbuilder/clawworker/pkg/protocol"
)

// State names a step of the execution loop.
type State string

const (
	StateLoadContext  State = "load_context"
	StateRoundStart   State = "round_start"
	StateProviderCall State = "provider_call"
	StateRetryBackoff State = "retry_backoff"
	StateRoundResult  State = "round_result"
	StateToolDispatch State = "tool_dispatch"
	StateDone         State = "done"
	StateMaxRounds    State = "max_rounds_reached"
	StateFatal        State = "fatal"
)

// Loop defaults.
const (
	DefaultMaxRounds            = 50
	DefaultMaxConsecutiveErrors = 5
	DefaultBackoffBase          = time.Second
	DefaultBackoffMax           = 30 * time.Second
	DefaultMaxTokens            = 8192
	DefaultToolResultMaxChars   = 30000
	DefaultContextBudget        = 600000 // bytes, roughly 150k tokens

	noOutputPlaceholder = "[no response]"
	emptyToolOutput     = "(no output)"
)

// LoopConfig configures one agent's execution loop.
type LoopConfig struct {
	ID           string
	Provider     providers.Provider
	Model        string // empty = provider default
	SystemPrompt string
	Workspace    string

	Tools      *tools.Registry
	Extensions []tools.ExtensionProvider
	Hooks      *hooks.Runner      // nil = no hooks
	Sessions   store.SessionStore // nil = conversations are not persisted
	Events     bus.EventPublisher // nil = no progress events

	MaxRounds            int
	MaxConsecutiveErrors int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
	MaxTokens            int
	ToolResultMaxChars   int
	Context              FitOptions
	StreamThrottle       time.Duration
	TokenCounter         TokenCounter // optional, feeds llm_input estimates
}

func (c LoopConfig) withDefaults() LoopConfig {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.ToolResultMaxChars <= 0 {
		c.ToolResultMaxChars = DefaultToolResultMaxChars
	}
	if c.Context.Budget <= 0 {
		c.Context.Budget = DefaultContextBudget
	}
	c.Context = c.Context.withDefaults()
	if c.StreamThrottle <= 0 {
		c.StreamThrottle = providers.DefaultProgressThrottle
	}
	if c.Tools == nil {
		c.Tools = tools.NewRegistry()
	}
	return c
}

// RunRequest is one invocation of the loop.
type RunRequest struct {
	Kind      string // store.SessionKindTask or store.SessionKindChat
	SessionID string // resume this session; empty selects by Kind
	TaskID    string
	UserID    string
	RunID     string // empty = generated
	Input     string
}

// RunResult is the terminal outcome of one invocation.
type RunResult struct {
	RunID     string
	SessionID string
	Output    string
	Artifacts []string
	Thinking  string
	Usage     providers.Usage
	Rounds    int
	State     State
}

// Protocol converts the result to its wire form.
func (r *RunResult) Protocol() *protocol.RunResult {
	if r == nil {
		return nil
	}
	artifacts := r.Artifacts
	if artifacts == nil {
		artifacts = []string{}
	}
	return &protocol.RunResult{
		SessionID: r.SessionID,
		Output:    r.Output,
		Artifacts: artifacts,
		Thinking:  r.Thinking,
		Rounds:    r.Rounds,
		State:     string(r.State),
	}
}

// Loop drives conversations for one agent. A Loop is safe for concurrent
// Run calls; each call owns its own runState.
type Loop struct {
	cfg     LoopConfig
	sleep   func(ctx context.Context, d time.Duration) error
	running atomic.Int32
}

func NewLoop(cfg LoopConfig) *Loop {
	return &Loop{cfg: cfg.withDefaults(), sleep: sleepCtx}
}

func (l *Loop) ID() string { return l.cfg.ID }

// Model returns the configured model, before hook overrides.
func (l *Loop) Model() string {
	if l.cfg.Model != "" {
		return l.cfg.Model
	}
	if l.cfg.Provider != nil {
		return l.cfg.Provider.DefaultModel()
	}
	return ""
}

func (l *Loop) IsRunning() bool { return l.running.Load() > 0 }

// runState is everything one invocation threads through the state machine.
type runState struct {
	state   State
	runID   string
	kind    string
	taskID  string
	session string
	hc      hooks.Context
	ec      tools.ExecContext
	model   string

	msgs     []providers.Message // full working copy; fitted per round
	round    int
	failures int
	lastErr  error
	req      providers.ChatRequest
	extTools map[string]tools.Tool
	resp     *providers.ChatResponse

	usage     providers.Usage
	lastText  string
	thinking  []string
	artifacts []string
}

// Run executes one invocation to a terminal state. Only a fatal failure
// (consecutive provider errors, cancellation, or a rejected input) returns
// an error; round exhaustion returns a best-effort result.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if l.cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	l.running.Add(1)
	defer l.running.Add(-1)

	rs := &runState{state: StateLoadContext, runID: req.RunID, kind: req.Kind, taskID: req.TaskID}
	if rs.runID == "" {
		rs.runID = uuid.NewString()
	}
	if rs.kind == "" {
		rs.kind = store.SessionKindChat
	}

	for {
		switch rs.state {
		case StateLoadContext:
			if err := l.loadContext(ctx, rs, req); err != nil {
				l.replyFailed(rs, err)
				return nil, err
			}
			rs.state = StateRoundStart

		case StateRoundStart:
			if err := ctx.Err(); err != nil {
				return nil, l.fail(ctx, rs, StateRoundStart, err)
			}
			if rs.round >= l.cfg.MaxRounds {
				rs.state = StateMaxRounds
				continue
			}
			l.prepareRound(ctx, rs)
			rs.state = StateProviderCall

		case StateProviderCall:
			resp, err := l.callProvider(ctx, rs)
			if err != nil {
				rs.failures++
				rs.lastErr = err
				if rs.failures > l.cfg.MaxConsecutiveErrors {
					rs.state = StateFatal
				} else {
					rs.state = StateRetryBackoff
				}
				continue
			}
			rs.failures = 0
			rs.resp = resp
			rs.state = StateRoundResult

		case StateRetryBackoff:
			delay := Backoff(l.cfg.BackoffBase, l.cfg.BackoffMax, rs.failures)
			slog.Warn("agent: provider call failed, retrying",
				"agent", l.cfg.ID, "session", rs.session, "round", rs.round,
				"attempt", rs.failures, "delay", delay, "error", rs.lastErr)
			l.emit(rs, protocol.EventAgent, protocol.AgentEventRetry, map[string]any{
				"attempt":  rs.failures,
				"delay_ms": delay.Milliseconds(),
				"error":    rs.lastErr.Error(),
			})
			if err := l.sleep(ctx, delay); err != nil {
				return nil, l.fail(ctx, rs, StateRetryBackoff, err)
			}
			rs.state = StateProviderCall

		case StateRoundResult:
			rs.state = l.roundResult(ctx, rs)

		case StateToolDispatch:
			l.dispatchTools(ctx, rs)
			rs.round++
			rs.state = StateRoundStart

		case StateDone, StateMaxRounds:
			return l.finish(ctx, rs), nil

		case StateFatal:
			return nil, l.fail(ctx, rs, StateProviderCall, fmt.Errorf("%w: %w", ErrMaxConsecutiveErrors, rs.lastErr))

		default:
			return nil, l.fail(ctx, rs, rs.state, fmt.Errorf("unknown loop state %q", rs.state))
		}
	}
}

// loadContext opens or resumes the session, repairs the stored
// conversation and appends the new input.
func (l *Loop) loadContext(ctx context.Context, rs *runState, req RunRequest) error {
	sessionID, history, err := l.openSession(ctx, rs, req)
	if err != nil {
		return fmt.Errorf("load context: %w", err)
	}
	rs.session = sessionID
	rs.hc = l.cfg.Hooks.Context(l.cfg.ID, sessionID, rs.taskID)
	rs.ec = tools.ExecContext{AgentID: l.cfg.ID, SessionID: sessionID, TaskID: rs.taskID, Workspace: l.cfg.Workspace}

	decision := l.cfg.Hooks.MessageReceived(ctx, rs.hc, hooks.MessageEvent{Kind: rs.kind, Text: req.Input, UserID: req.UserID})
	if decision.Block {
		slog.Warn("agent: input rejected", "agent", l.cfg.ID, "session", sessionID, "reason", decision.Reason)
		return fmt.Errorf("%w: %s", ErrInputBlocked, decision.Reason)
	}

	input := providers.NewTextMessage(providers.RoleUser, decision.Text)
	rs.msgs = append(Sanitize(sessionID, history), input)
	l.persist(ctx, rs, input)

	l.cfg.Hooks.SessionStart(ctx, rs.hc, hooks.SessionEvent{Kind: rs.kind, Input: decision.Text})
	rs.model = l.cfg.Hooks.ResolveModel(ctx, rs.hc, hooks.ModelResolveEvent{Provider: l.cfg.Provider.Name(), Model: l.Model()})

	slog.Info("agent: run started", "agent", l.cfg.ID, "session", sessionID, "run", rs.runID,
		"kind", rs.kind, "model", rs.model, "history", len(history))
	l.emit(rs, protocol.EventAgent, protocol.AgentEventRunStarted, map[string]any{"kind": rs.kind, "model": rs.model})
	return nil
}

// openSession resolves the session to run in. Task runs resume the newest
// session for their task; chat turns get a fresh session unless they name one.
func (l *Loop) openSession(ctx context.Context, rs *runState, req RunRequest) (string, []providers.Message, error) {
	ss := l.cfg.Sessions
	if ss == nil {
		if req.SessionID != "" {
			return req.SessionID, nil, nil
		}
		return uuid.NewString(), nil, nil
	}

	sessionID := req.SessionID
	if sessionID == "" && rs.kind == store.SessionKindTask && rs.taskID != "" {
		id, err := ss.FindTaskSession(ctx, l.cfg.ID, rs.taskID)
		switch {
		case err == nil:
			sessionID = id
		case !errors.Is(err, store.ErrSessionNotFound):
			return "", nil, err
		}
	}
	if sessionID == "" {
		id, err := ss.CreateSession(ctx, l.cfg.ID, rs.taskID)
		if err != nil {
			return "", nil, err
		}
		return id, nil, nil
	}

	history, err := ss.LoadMessagesForContext(ctx, sessionID)
	if err != nil {
		return "", nil, err
	}
	return sessionID, history, nil
}

// prepareRound builds the outbound request: merged tools, the hook-adjusted
// system prompt, and the conversation fitted to the budget.
func (l *Loop) prepareRound(ctx context.Context, rs *runState) {
	defs := l.resolveTools(ctx, rs)
	system := l.cfg.Hooks.BuildPrompt(ctx, rs.hc, hooks.PromptBuildEvent{SystemPrompt: l.cfg.SystemPrompt, Round: rs.round})

	scrubbed := ScrubImages(rs.msgs, l.cfg.Context.KeepImages)
	fit := Fit(scrubbed, len(system), jsonSize(defs), l.cfg.Context)

	rs.req = providers.ChatRequest{
		Model:     rs.model,
		System:    system,
		Messages:  fit.Messages,
		Tools:     defs,
		MaxTokens: l.cfg.MaxTokens,
	}

	ev := hooks.LLMInputEvent{
		Round:     rs.round,
		Model:     rs.model,
		System:    system,
		Messages:  fit.Messages,
		Tools:     defs,
		Size:      fit.Size,
		FitStage:  string(fit.Stage),
		MaxTokens: l.cfg.MaxTokens,
	}
	if l.cfg.TokenCounter != nil {
		ev.Tokens = l.cfg.TokenCounter.Count(system) + l.cfg.TokenCounter.Count(messagesJSON(fit.Messages))
	}
	l.cfg.Hooks.LLMInput(ctx, rs.hc, ev)
}

// resolveTools merges core definitions with extension tools. Extension
// tools whose name is already taken are dropped.
func (l *Loop) resolveTools(ctx context.Context, rs *runState) []providers.ToolDefinition {
	defs := l.cfg.Tools.ProviderDefs()
	rs.extTools = nil
	for _, ext := range l.cfg.Extensions {
		resolved, err := ext.ResolveTools(ctx)
		if err != nil {
			slog.Warn("agent: extension tools unavailable", "agent", l.cfg.ID, "error", err)
			continue
		}
		for _, t := range resolved {
			name := t.Name()
			if l.cfg.Tools.Has(name) || rs.extTools[name] != nil {
				slog.Debug("agent: extension tool shadowed", "agent", l.cfg.ID, "tool", name)
				continue
			}
			if rs.extTools == nil {
				rs.extTools = make(map[string]tools.Tool)
			}
			rs.extTools[name] = t
			defs = append(defs, tools.ToProviderDef(t))
		}
	}
	return defs
}

func (l *Loop) callProvider(ctx context.Context, rs *runState) (*providers.ChatResponse, error) {
	started := time.Now()
	asm := providers.NewAssembler(l.progressFunc(rs))
	asm.SetThrottle(l.cfg.StreamThrottle)

	err := l.cfg.Provider.ChatStream(ctx, rs.req, asm.Push)
	var resp *providers.ChatResponse
	if err == nil {
		resp, err = asm.Finish()
	}

	l.cfg.Hooks.LLMOutput(ctx, rs.hc, hooks.LLMOutputEvent{
		Round:     rs.round,
		Attempt:   rs.failures + 1,
		Provider:  l.cfg.Provider.Name(),
		Model:     rs.model,
		StartedAt: started,
		Duration:  time.Since(started),
		Response:  resp,
		Err:       err,
	})
	return resp, err
}

// progressFunc forwards assembler progress to the bus as chat events.
func (l *Loop) progressFunc(rs *runState) providers.ProgressFunc {
	if l.cfg.Events == nil {
		return nil
	}
	return func(phase providers.ProgressPhase, accumulated string) {
		typ := protocol.ChatEventChunk
		switch phase {
		case providers.PhaseThinking:
			typ = protocol.ChatEventThinking
		case providers.PhaseToolInput:
			typ = protocol.ChatEventToolInput
		}
		l.emit(rs, protocol.EventChat, typ, map[string]any{"content": accumulated})
	}
}

// roundResult records the response and picks the next state.
func (l *Loop) roundResult(ctx context.Context, rs *runState) State {
	resp := rs.resp
	rs.usage.Add(resp.Usage)
	if l.cfg.Sessions != nil {
		if err := l.cfg.Sessions.AppendUsage(ctx, rs.session, rs.model, resp.Usage); err != nil {
			slog.Warn("agent: persist usage failed", "session", rs.session, "error", err)
		}
	}

	msg := providers.Message{Role: providers.RoleAssistant, Content: resp.Content}
	dispatch := resp.StopReason == providers.StopToolUse && msg.HasToolUse()
	if !dispatch && msg.HasToolUse() {
		// tool calls on a terminal response are never answered
		msg.Content = withoutToolUses(msg.Content)
	}
	if len(msg.Content) > 0 {
		rs.msgs = append(rs.msgs, msg)
		l.persist(ctx, rs, msg)
	}

	if text := msg.Text(); strings.TrimSpace(text) != "" {
		rs.lastText = text
	}
	if th := resp.Thinking(); th != "" {
		rs.thinking = append(rs.thinking, th)
	}

	if dispatch {
		return StateToolDispatch
	}
	return StateDone
}

// dispatchTools runs every requested call in order and appends all results
// as one user message.
func (l *Loop) dispatchTools(ctx context.Context, rs *runState) {
	last := rs.msgs[len(rs.msgs)-1]
	uses := last.ToolUses()
	results := make([]providers.ContentBlock, 0, len(uses))
	errCount := 0
	for _, tu := range uses {
		block := l.runTool(ctx, rs, tu)
		if block.IsError {
			errCount++
		}
		results = append(results, block)
	}

	msg := providers.Message{Role: providers.RoleUser, Content: results}
	rs.msgs = append(rs.msgs, msg)
	l.persist(ctx, rs, msg)

	l.emit(rs, protocol.EventAgent, protocol.AgentEventRoundCompleted, map[string]any{
		"tool_calls": len(uses),
		"errors":     errCount,
	})
}

func (l *Loop) runTool(ctx context.Context, rs *runState, tu providers.ToolUseBlock) providers.ToolResultBlock {
	started := time.Now()
	l.emit(rs, protocol.EventAgent, protocol.AgentEventToolCall, map[string]any{"id": tu.ID, "name": tu.Name})
	if l.cfg.Sessions != nil {
		rec := store.ToolCallRecord{SessionID: rs.session, ToolUseID: tu.ID, Name: tu.Name, Input: tu.Input, CreatedAt: started.UTC()}
		if err := l.cfg.Sessions.AppendToolCall(ctx, rec); err != nil {
			slog.Warn("agent: persist tool call failed", "session", rs.session, "tool", tu.Name, "error", err)
		}
	}

	decision := l.cfg.Hooks.BeforeToolCall(ctx, rs.hc, hooks.ToolCallEvent{Round: rs.round, ID: tu.ID, Name: tu.Name, Input: tu.Input})
	var result *tools.Result
	if decision.Block {
		result = tools.ErrorResult(decision.Reason)
	} else {
		result = l.executeTool(ctx, rs, tu.Name, decision.Input)
	}

	result = l.cfg.Hooks.AfterToolCall(ctx, rs.hc, hooks.ToolResultEvent{
		Round:     rs.round,
		ID:        tu.ID,
		Name:      tu.Name,
		Input:     decision.Input,
		Result:    result,
		StartedAt: started,
		Duration:  time.Since(started),
		Vetoed:    decision.Block,
	})
	if result == nil {
		result = tools.ErrorResult("tool returned no result")
	}
	if result.Type != tools.ResultImage {
		result.Content = truncateWithMarker(result.Content, l.cfg.ToolResultMaxChars)
	}
	rs.artifacts = append(rs.artifacts, result.Artifacts()...)

	block := toolResultBlock(tu.ID, result)
	duration := time.Since(started)
	if l.cfg.Sessions != nil {
		content := result.Content
		if result.Type == tools.ResultImage {
			content = "[image " + result.MediaType + "]"
		}
		rec := store.ToolResultRecord{
			SessionID:  rs.session,
			ToolUseID:  tu.ID,
			IsError:    block.IsError,
			Content:    content,
			DurationMS: duration.Milliseconds(),
			CreatedAt:  time.Now().UTC(),
		}
		if err := l.cfg.Sessions.AppendToolResult(ctx, rec); err != nil {
			slog.Warn("agent: persist tool result failed", "session", rs.session, "tool", tu.Name, "error", err)
		}
	}

	l.emit(rs, protocol.EventAgent, protocol.AgentEventToolResult, map[string]any{
		"id":          tu.ID,
		"name":        tu.Name,
		"is_error":    block.IsError,
		"vetoed":      decision.Block,
		"duration_ms": duration.Milliseconds(),
	})
	return block
}

// executeTool dispatches to the core registry, then to this round's
// extension tools. Unknown names become an error result.
func (l *Loop) executeTool(ctx context.Context, rs *runState, name string, input map[string]any) *tools.Result {
	if l.cfg.Tools.Has(name) {
		return l.cfg.Tools.ExecuteWithContext(ctx, name, input, rs.ec)
	}
	if t, ok := rs.extTools[name]; ok {
		return l.cfg.Tools.Run(ctx, t, input, rs.ec)
	}
	slog.Warn("agent: unknown tool requested", "agent", l.cfg.ID, "session", rs.session, "tool", name)
	return tools.ErrorResult(fmt.Sprintf("%s: %s", tools.ErrUnknownTool, name)).WithError(tools.ErrUnknownTool)
}

func (l *Loop) finish(ctx context.Context, rs *runState) *RunResult {
	rounds := rs.round
	if rs.state == StateDone {
		rounds++
	}
	output := rs.lastText
	if output == "" {
		output = noOutputPlaceholder
	}
	if rs.state == StateMaxRounds {
		slog.Warn("agent: round budget exhausted", "agent", l.cfg.ID, "session", rs.session, "rounds", rounds)
	}

	res := &RunResult{
		RunID:     rs.runID,
		SessionID: rs.session,
		Output:    output,
		Artifacts: dedupeStrings(rs.artifacts),
		Thinking:  strings.Join(rs.thinking, "\n\n"),
		Usage:     rs.usage,
		Rounds:    rounds,
		State:     rs.state,
	}

	slog.Info("agent: run completed", "agent", l.cfg.ID, "session", rs.session, "run", rs.runID,
		"state", rs.state, "rounds", rounds, "input_tokens", rs.usage.InputTokens, "output_tokens", rs.usage.OutputTokens)
	l.cfg.Hooks.SessionEnd(ctx, rs.hc, hooks.SessionEvent{Kind: rs.kind, Result: res.Protocol()})
	l.emit(rs, protocol.EventAgent, protocol.AgentEventRunCompleted, map[string]any{
		"state":     string(rs.state),
		"rounds":    rounds,
		"artifacts": len(res.Artifacts),
	})
	if rs.kind == store.SessionKindChat {
		l.emit(rs, protocol.EventChat, protocol.ChatEventMessage, res.Protocol())
	}
	return res
}

// fail ends the invocation with a LoopError recording where it stopped.
func (l *Loop) fail(ctx context.Context, rs *runState, at State, cause error) error {
	err := &LoopError{State: at, Round: rs.round, Attempts: rs.failures, Cause: cause}
	rs.state = StateFatal
	slog.Error("agent: run failed", "agent", l.cfg.ID, "session", rs.session, "run", rs.runID, "error", err)
	l.cfg.Hooks.SessionEnd(ctx, rs.hc, hooks.SessionEvent{Kind: rs.kind, Err: err})
	l.emit(rs, protocol.EventAgent, protocol.AgentEventRunFailed, map[string]any{"error": err.Error()})
	l.replyFailed(rs, err)
	return err
}

// replyFailed publishes the failure of a chat turn as its reply message.
func (l *Loop) replyFailed(rs *runState, err error) {
	if rs.kind != store.SessionKindChat {
		return
	}
	l.emit(rs, protocol.EventChat, protocol.ChatEventMessage, &protocol.RunResult{
		SessionID: rs.session,
		Artifacts: []string{},
		Rounds:    rs.round,
		State:     string(StateFatal),
		Error:     err.Error(),
	})
}

func (l *Loop) persist(ctx context.Context, rs *runState, msg providers.Message) {
	if l.cfg.Sessions == nil {
		return
	}
	if err := l.cfg.Sessions.AppendMessage(ctx, rs.session, msg); err != nil {
		slog.Warn("agent: persist message failed", "session", rs.session, "role", msg.Role, "error", err)
	}
}

func (l *Loop) emit(rs *runState, name, typ string, payload any) {
	if l.cfg.Events == nil {
		return
	}
	l.cfg.Events.Broadcast(bus.Event{Name: name, Payload: bus.AgentEvent{
		Type:      typ,
		AgentID:   l.cfg.ID,
		SessionID: rs.session,
		TaskID:    rs.taskID,
		RunID:     rs.runID,
		Round:     rs.round,
		Payload:   payload,
	}})
}

// toolResultBlock translates a tool outcome into a tool_result block.
func toolResultBlock(id string, r *tools.Result) providers.ToolResultBlock {
	if r.Type == tools.ResultImage && r.Content != "" {
		var blocks []providers.ContentBlock
		if caption, _ := r.Metadata[tools.MetaCaption].(string); caption != "" {
			blocks = append(blocks, providers.TextBlock{Text: caption})
		}
		return providers.ToolResultBlock{
			ToolUseID: id,
			Content:   append(blocks, providers.ImageBlock{Data: r.Content, MediaType: r.MediaType}),
		}
	}
	text := r.Content
	if text == "" {
		text = emptyToolOutput
	}
	return providers.ToolResultBlock{
		ToolUseID: id,
		Content:   []providers.ContentBlock{providers.TextBlock{Text: text}},
		IsError:   r.IsError(),
	}
}

func withoutToolUses(blocks []providers.ContentBlock) []providers.ContentBlock {
	out := make([]providers.ContentBlock, 0, len(blocks))
	for _, b := range blocks {
		if _, ok := b.(providers.ToolUseBlock); ok {
			continue
		}
		out = append(out, b)
	}
	return out
}

func jsonSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

func messagesJSON(msgs []providers.Message) string {
	b, err := json.Marshal(msgs)
	if err != nil {
		return ""
	}
	return string(b)
}

func dedupeStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
