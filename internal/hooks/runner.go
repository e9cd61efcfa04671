package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawworker/internal/tools"
)

// registration is one handler on one point.
type registration[H any] struct {
	id       string
	name     string
	priority Priority
	seq      uint64
	fn       H
}

// handlerList is an ordered, concurrency-safe list of typed handlers.
type handlerList[H any] struct {
	mu      sync.RWMutex
	entries []registration[H]
}

func (l *handlerList[H]) add(reg registration[H]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, reg)
	// Stable on registration order within a priority.
	sort.SliceStable(l.entries, func(i, j int) bool {
		if l.entries[i].priority != l.entries[j].priority {
			return l.entries[i].priority < l.entries[j].priority
		}
		return l.entries[i].seq < l.entries[j].seq
	})
}

func (l *handlerList[H]) remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *handlerList[H]) snapshot() []registration[H] {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]registration[H](nil), l.entries...)
}

func (l *handlerList[H]) len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Option configures a registration.
type Option func(name *string, priority *Priority)

// WithPriority sets the handler priority (default PriorityNormal).
func WithPriority(p Priority) Option {
	return func(_ *string, priority *Priority) { *priority = p }
}

// WithName sets the handler name used in logs.
func WithName(n string) Option {
	return func(name *string, _ *Priority) { *name = n }
}

// Runner owns the handler lists for every point. A nil *Runner is valid and
// runs nothing, so the loop never needs to check.
type Runner struct {
	state  StateStore
	logger *slog.Logger

	mu  sync.Mutex
	seq uint64
	// id -> point, for Remove
	byID map[string]Point

	modelResolve handlerList[ModelResolveHandler]
	promptBuild  handlerList[PromptBuildHandler]
	llmInput     handlerList[LLMInputHandler]
	llmOutput    handlerList[LLMOutputHandler]
	beforeTool   handlerList[BeforeToolCallHandler]
	afterTool    handlerList[AfterToolCallHandler]
	sessionStart handlerList[SessionHandler]
	sessionEnd   handlerList[SessionHandler]
	message      handlerList[MessageHandler]
	taskAssigned handlerList[TaskHandler]
	taskDone     handlerList[TaskHandler]
	taskFailed   handlerList[TaskHandler]
}

// NewRunner creates a runner. A nil state selects an LRUStateStore.
func NewRunner(state StateStore, logger *slog.Logger) *Runner {
	if state == nil {
		state = NewLRUStateStore(0, 0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		state:  state,
		logger: logger.With("component", "hooks"),
		byID:   make(map[string]Point),
	}
}

// State returns the injected per-session store.
func (r *Runner) State() StateStore {
	if r == nil {
		return nil
	}
	return r.state
}

// Context builds the hook context for one invocation.
func (r *Runner) Context(agentID, sessionID, taskID string) Context {
	return Context{AgentID: agentID, SessionID: sessionID, TaskID: taskID, State: r.State()}
}

func newRegistration[H any](r *Runner, point Point, fn H, opts []Option) registration[H] {
	name := string(point)
	priority := PriorityNormal
	for _, opt := range opts {
		opt(&name, &priority)
	}
	r.mu.Lock()
	r.seq++
	reg := registration[H]{id: uuid.NewString(), name: name, priority: priority, seq: r.seq, fn: fn}
	r.byID[reg.id] = point
	r.mu.Unlock()
	r.logger.Debug("registered hook", "id", reg.id, "point", point, "name", name, "priority", priority)
	return reg
}

func (r *Runner) OnBeforeModelResolve(h ModelResolveHandler, opts ...Option) string {
	reg := newRegistration(r, BeforeModelResolve, h, opts)
	r.modelResolve.add(reg)
	return reg.id
}

func (r *Runner) OnBeforePromptBuild(h PromptBuildHandler, opts ...Option) string {
	reg := newRegistration(r, BeforePromptBuild, h, opts)
	r.promptBuild.add(reg)
	return reg.id
}

func (r *Runner) OnLLMInput(h LLMInputHandler, opts ...Option) string {
	reg := newRegistration(r, LLMInput, h, opts)
	r.llmInput.add(reg)
	return reg.id
}

func (r *Runner) OnLLMOutput(h LLMOutputHandler, opts ...Option) string {
	reg := newRegistration(r, LLMOutput, h, opts)
	r.llmOutput.add(reg)
	return reg.id
}

func (r *Runner) OnBeforeToolCall(h BeforeToolCallHandler, opts ...Option) string {
	reg := newRegistration(r, BeforeToolCall, h, opts)
	r.beforeTool.add(reg)
	return reg.id
}

func (r *Runner) OnAfterToolCall(h AfterToolCallHandler, opts ...Option) string {
	reg := newRegistration(r, AfterToolCall, h, opts)
	r.afterTool.add(reg)
	return reg.id
}

func (r *Runner) OnSessionStart(h SessionHandler, opts ...Option) string {
	reg := newRegistration(r, SessionStart, h, opts)
	r.sessionStart.add(reg)
	return reg.id
}

func (r *Runner) OnSessionEnd(h SessionHandler, opts ...Option) string {
	reg := newRegistration(r, SessionEnd, h, opts)
	r.sessionEnd.add(reg)
	return reg.id
}

func (r *Runner) OnMessageReceived(h MessageHandler, opts ...Option) string {
	reg := newRegistration(r, MessageReceived, h, opts)
	r.message.add(reg)
	return reg.id
}

func (r *Runner) OnTaskAssigned(h TaskHandler, opts ...Option) string {
	reg := newRegistration(r, TaskAssigned, h, opts)
	r.taskAssigned.add(reg)
	return reg.id
}

func (r *Runner) OnTaskCompleted(h TaskHandler, opts ...Option) string {
	reg := newRegistration(r, TaskCompleted, h, opts)
	r.taskDone.add(reg)
	return reg.id
}

func (r *Runner) OnTaskFailed(h TaskHandler, opts ...Option) string {
	reg := newRegistration(r, TaskFailed, h, opts)
	r.taskFailed.add(reg)
	return reg.id
}

// Remove unregisters a handler by the ID its On* call returned.
func (r *Runner) Remove(id string) bool {
	r.mu.Lock()
	point, ok := r.byID[id]
	delete(r.byID, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	switch point {
	case BeforeModelResolve:
		return r.modelResolve.remove(id)
	case BeforePromptBuild:
		return r.promptBuild.remove(id)
	case LLMInput:
		return r.llmInput.remove(id)
	case LLMOutput:
		return r.llmOutput.remove(id)
	case BeforeToolCall:
		return r.beforeTool.remove(id)
	case AfterToolCall:
		return r.afterTool.remove(id)
	case SessionStart:
		return r.sessionStart.remove(id)
	case SessionEnd:
		return r.sessionEnd.remove(id)
	case MessageReceived:
		return r.message.remove(id)
	case TaskAssigned:
		return r.taskAssigned.remove(id)
	case TaskCompleted:
		return r.taskDone.remove(id)
	case TaskFailed:
		return r.taskFailed.remove(id)
	}
	return false
}

// Count returns the number of handlers registered on a point.
func (r *Runner) Count(point Point) int {
	if r == nil {
		return 0
	}
	switch point {
	case BeforeModelResolve:
		return r.modelResolve.len()
	case BeforePromptBuild:
		return r.promptBuild.len()
	case LLMInput:
		return r.llmInput.len()
	case LLMOutput:
		return r.llmOutput.len()
	case BeforeToolCall:
		return r.beforeTool.len()
	case AfterToolCall:
		return r.afterTool.len()
	case SessionStart:
		return r.sessionStart.len()
	case SessionEnd:
		return r.sessionEnd.len()
	case MessageReceived:
		return r.message.len()
	case TaskAssigned:
		return r.taskAssigned.len()
	case TaskCompleted:
		return r.taskDone.len()
	case TaskFailed:
		return r.taskFailed.len()
	}
	return 0
}

// call runs one handler with panic recovery. A failing handler is logged and
// treated as "no override"; it never aborts the loop.
func call[H any, T any](r *Runner, point Point, hc Context, reg registration[H], fn func(H) (T, error)) (out T, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Warn("hook handler panic",
				"point", point, "handler", reg.name, "agent", hc.AgentID, "session", hc.SessionID, "panic", fmt.Sprint(p))
			var zero T
			out, ok = zero, false
		}
	}()
	v, err := fn(reg.fn)
	if err != nil {
		r.logger.Warn("hook handler error",
			"point", point, "handler", reg.name, "agent", hc.AgentID, "session", hc.SessionID, "error", err)
		return v, false
	}
	return v, true
}

// observe runs every handler of an observer point. Callers check r != nil.
func observe[H any](r *Runner, point Point, hc Context, list *handlerList[H], fn func(H) error) {
	for _, reg := range list.snapshot() {
		call(r, point, hc, reg, func(h H) (struct{}, error) { return struct{}{}, fn(h) })
	}
}

// ResolveModel runs before_model_resolve. Overrides chain: each handler sees
// the model chosen so far and the last non-empty answer wins.
func (r *Runner) ResolveModel(ctx context.Context, hc Context, ev ModelResolveEvent) string {
	if r == nil {
		return ev.Model
	}
	for _, reg := range r.modelResolve.snapshot() {
		if m, ok := call(r, BeforeModelResolve, hc, reg, func(h ModelResolveHandler) (string, error) { return h(ctx, hc, ev) }); ok && m != "" {
			ev.Model = m
		}
	}
	return ev.Model
}

// BuildPrompt runs before_prompt_build with the same chaining as ResolveModel.
func (r *Runner) BuildPrompt(ctx context.Context, hc Context, ev PromptBuildEvent) string {
	if r == nil {
		return ev.SystemPrompt
	}
	for _, reg := range r.promptBuild.snapshot() {
		if p, ok := call(r, BeforePromptBuild, hc, reg, func(h PromptBuildHandler) (string, error) { return h(ctx, hc, ev) }); ok && p != "" {
			ev.SystemPrompt = p
		}
	}
	return ev.SystemPrompt
}

func (r *Runner) LLMInput(ctx context.Context, hc Context, ev LLMInputEvent) {
	if r == nil {
		return
	}
	observe(r, LLMInput, hc, &r.llmInput, func(h LLMInputHandler) error { return h(ctx, hc, ev) })
}

func (r *Runner) LLMOutput(ctx context.Context, hc Context, ev LLMOutputEvent) {
	if r == nil {
		return
	}
	observe(r, LLMOutput, hc, &r.llmOutput, func(h LLMOutputHandler) error { return h(ctx, hc, ev) })
}

// BeforeToolCall runs before_tool_call. The first Block wins and stops
// evaluation; input rewrites chain into later handlers. The returned
// decision carries the final input (never nil).
func (r *Runner) BeforeToolCall(ctx context.Context, hc Context, ev ToolCallEvent) ToolCallDecision {
	final := ToolCallDecision{Input: ev.Input}
	if r == nil {
		return final
	}
	for _, reg := range r.beforeTool.snapshot() {
		d, ok := call(r, BeforeToolCall, hc, reg, func(h BeforeToolCallHandler) (ToolCallDecision, error) { return h(ctx, hc, ev) })
		if !ok {
			continue
		}
		if d.Block {
			reason := d.Reason
			if reason == "" {
				reason = "blocked by " + reg.name
			}
			r.logger.Info("tool call vetoed", "tool", ev.Name, "handler", reg.name, "reason", reason, "session", hc.SessionID)
			return ToolCallDecision{Block: true, Reason: reason, Input: ev.Input}
		}
		if d.Input != nil {
			ev.Input = d.Input
			final.Input = d.Input
		}
	}
	return final
}

// AfterToolCall runs after_tool_call. Replacements chain; the returned
// result is the last replacement or the original.
func (r *Runner) AfterToolCall(ctx context.Context, hc Context, ev ToolResultEvent) *tools.Result {
	if r == nil {
		return ev.Result
	}
	for _, reg := range r.afterTool.snapshot() {
		if res, ok := call(r, AfterToolCall, hc, reg, func(h AfterToolCallHandler) (*tools.Result, error) { return h(ctx, hc, ev) }); ok && res != nil {
			ev.Result = res
		}
	}
	return ev.Result
}

func (r *Runner) SessionStart(ctx context.Context, hc Context, ev SessionEvent) {
	if r == nil {
		return
	}
	observe(r, SessionStart, hc, &r.sessionStart, func(h SessionHandler) error { return h(ctx, hc, ev) })
}

func (r *Runner) SessionEnd(ctx context.Context, hc Context, ev SessionEvent) {
	if r == nil {
		return
	}
	observe(r, SessionEnd, hc, &r.sessionEnd, func(h SessionHandler) error { return h(ctx, hc, ev) })
}

// MessageReceived runs message_received. The first Block wins; rewrites chain.
func (r *Runner) MessageReceived(ctx context.Context, hc Context, ev MessageEvent) MessageDecision {
	final := MessageDecision{Text: ev.Text}
	if r == nil {
		return final
	}
	for _, reg := range r.message.snapshot() {
		d, ok := call(r, MessageReceived, hc, reg, func(h MessageHandler) (MessageDecision, error) { return h(ctx, hc, ev) })
		if !ok {
			continue
		}
		if d.Block {
			reason := d.Reason
			if reason == "" {
				reason = "blocked by " + reg.name
			}
			return MessageDecision{Block: true, Reason: reason, Text: ev.Text}
		}
		if d.Text != "" {
			ev.Text = d.Text
			final.Text = d.Text
		}
	}
	return final
}

func (r *Runner) TaskAssigned(ctx context.Context, hc Context, ev TaskEvent) {
	if r == nil {
		return
	}
	observe(r, TaskAssigned, hc, &r.taskAssigned, func(h TaskHandler) error { return h(ctx, hc, ev) })
}

func (r *Runner) TaskCompleted(ctx context.Context, hc Context, ev TaskEvent) {
	if r == nil {
		return
	}
	observe(r, TaskCompleted, hc, &r.taskDone, func(h TaskHandler) error { return h(ctx, hc, ev) })
}

func (r *Runner) TaskFailed(ctx context.Context, hc Context, ev TaskEvent) {
	if r == nil {
		return
	}
	observe(r, TaskFailed, hc, &r.taskFailed, func(h TaskHandler) error { return h(ctx, hc, ev) })
}
