package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/nextlevelbuilder/clawworker/internal/providers"
)

// Context window defaults.
const (
	defaultKeepImages = 2
	defaultFrontKeep  = 2
	defaultMinTail    = 2

	imagePlaceholder   = "[image omitted from earlier turn]"
	droppedHistoryNote = "[Earlier conversation history was dropped to fit the context window.]"
	toolUseRemovedNote = "[tool call removed to fit the context window]"
	resultRemovedNote  = "[tool result removed to fit the context window]"
)

// FitStage names the last degrade stage Fit had to apply.
type FitStage string

const (
	StageNone       FitStage = "none"
	StageDropPairs  FitStage = "drop_pairs"
	StageShrink     FitStage = "shrink"
	StageAggressive FitStage = "aggressive_shrink"
	StageNuclear    FitStage = "nuclear"
)

// ShrinkCaps bounds block sizes during the shrink stages. Sizes are in bytes.
type ShrinkCaps struct {
	ToolInputMax     int
	ToolResultMax    int
	TextMax          int
	BlocksPerMessage int
	DropImages       bool
	DropThinking     bool
}

// ScrubAllImages as FitOptions.KeepImages scrubs images from every message.
const ScrubAllImages = -1

// FitOptions configures the degrade chain.
type FitOptions struct {
	Budget int
	// KeepImages is how many trailing messages keep their images. Zero
	// selects the default; a negative value keeps none.
	KeepImages int
	FrontKeep  int
	MinTail    int
	Shrink     ShrinkCaps
	Aggressive ShrinkCaps
}

// DefaultFitOptions returns the standard chain for a budget.
func DefaultFitOptions(budget int) FitOptions {
	return FitOptions{
		Budget:     budget,
		KeepImages: defaultKeepImages,
		FrontKeep:  defaultFrontKeep,
		MinTail:    defaultMinTail,
		Shrink:     ShrinkCaps{ToolInputMax: 4000, ToolResultMax: 8000, TextMax: 16000, BlocksPerMessage: 20},
		Aggressive: ShrinkCaps{ToolInputMax: 500, ToolResultMax: 1000, TextMax: 2000, BlocksPerMessage: 6, DropImages: true, DropThinking: true},
	}
}

func (o FitOptions) withDefaults() FitOptions {
	d := DefaultFitOptions(o.Budget)
	if o.KeepImages == 0 {
		o.KeepImages = d.KeepImages
	}
	if o.FrontKeep <= 0 {
		o.FrontKeep = d.FrontKeep
	}
	if o.MinTail <= 0 {
		o.MinTail = d.MinTail
	}
	if o.Shrink == (ShrinkCaps{}) {
		o.Shrink = d.Shrink
	}
	if o.Aggressive == (ShrinkCaps{}) {
		o.Aggressive = d.Aggressive
	}
	return o
}

// FitResult is the trimmed conversation plus the stage that produced it.
type FitResult struct {
	Messages []providers.Message
	Stage    FitStage
	Size     int
}

// EstimateSize returns the length of the JSON encoding of msgs.
func EstimateSize(msgs []providers.Message) int {
	return sumSizes(messageSizes(msgs))
}

func messageSize(m providers.Message) int {
	b, err := json.Marshal(m)
	if err != nil {
		// unencodable blocks never reach the wire; count them as their text
		return len(m.Text()) + 32
	}
	return len(b)
}

func messageSizes(msgs []providers.Message) []int {
	sizes := make([]int, len(msgs))
	for i, m := range msgs {
		sizes[i] = messageSize(m)
	}
	return sizes
}

// sumSizes mirrors the array encoding: brackets plus separating commas.
func sumSizes(sizes []int) int {
	total := 2
	for i, s := range sizes {
		if i > 0 {
			total++
		}
		total += s
	}
	return total
}

// ScrubImages replaces image blocks, top-level or nested in tool results,
// with a text placeholder in all but the most recent keepRecent messages.
// The input is not modified. A negative keepRecent scrubs every message.
func ScrubImages(msgs []providers.Message, keepRecent int) []providers.Message {
	cutoff := len(msgs) - max(keepRecent, 0)
	if cutoff <= 0 {
		return msgs
	}
	var out []providers.Message
	for i := 0; i < cutoff; i++ {
		content, changed := scrubBlocks(msgs[i].Content)
		if !changed {
			continue
		}
		if out == nil {
			out = make([]providers.Message, len(msgs))
			copy(out, msgs)
		}
		out[i] = providers.Message{Role: msgs[i].Role, Content: content}
	}
	if out == nil {
		return msgs
	}
	return out
}

func scrubBlocks(blocks []providers.ContentBlock) ([]providers.ContentBlock, bool) {
	var out []providers.ContentBlock
	for i, b := range blocks {
		var repl providers.ContentBlock
		switch v := b.(type) {
		case providers.ImageBlock:
			repl = providers.TextBlock{Text: imagePlaceholder}
		case providers.ToolResultBlock:
			inner, changed := scrubBlocks(v.Content)
			if changed {
				repl = providers.ToolResultBlock{ToolUseID: v.ToolUseID, Content: inner, IsError: v.IsError}
			}
		}
		if repl == nil {
			if out != nil {
				out[i] = b
			}
			continue
		}
		if out == nil {
			out = make([]providers.ContentBlock, len(blocks))
			copy(out, blocks)
		}
		out[i] = repl
	}
	if out == nil {
		return blocks, false
	}
	return out, true
}

// Fit degrades msgs until its estimated size plus the fixed overhead of the
// system prompt and tool definitions is within opts.Budget. Stages run in
// order and each only if the previous result is still too large. Tool-call
// pairing is re-validated after every structural cut.
func Fit(msgs []providers.Message, systemPromptSize, toolDefsSize int, opts FitOptions) FitResult {
	opts = opts.withDefaults()
	overhead := systemPromptSize + toolDefsSize
	fits := func(size int) bool { return size+overhead <= opts.Budget }

	size := EstimateSize(msgs)
	if fits(size) {
		return FitResult{Messages: msgs, Stage: StageNone, Size: size}
	}
	before := size

	work := dropMiddlePairs(msgs, opts, overhead)
	work = ensurePairingLogged(work, "drop_pairs")
	if size = EstimateSize(work); fits(size) {
		logStage(StageDropPairs, before, size, len(msgs), len(work))
		return FitResult{Messages: work, Stage: StageDropPairs, Size: size}
	}

	work = shrinkMessages(work, opts.Shrink)
	work = ensurePairingLogged(work, "shrink")
	if size = EstimateSize(work); fits(size) {
		logStage(StageShrink, before, size, len(msgs), len(work))
		return FitResult{Messages: work, Stage: StageShrink, Size: size}
	}

	work = shrinkMessages(work, opts.Aggressive)
	work = ensurePairingLogged(work, "aggressive_shrink")
	if size = EstimateSize(work); fits(size) {
		logStage(StageAggressive, before, size, len(msgs), len(work))
		return FitResult{Messages: work, Stage: StageAggressive, Size: size}
	}

	work = nuclear(msgs, opts.Budget-overhead)
	size = EstimateSize(work)
	logStage(StageNuclear, before, size, len(msgs), len(work))
	if !fits(size) {
		slog.Warn("context: budget smaller than fixed overhead", "budget", opts.Budget, "overhead", overhead, "size", size)
	}
	return FitResult{Messages: work, Stage: StageNuclear, Size: size}
}

func logStage(stage FitStage, before, after, msgsBefore, msgsAfter int) {
	slog.Info("context: degrade stage applied",
		"stage", stage,
		"size_before", before,
		"size_after", after,
		"messages_before", msgsBefore,
		"messages_after", msgsAfter)
}

// dropMiddlePairs keeps the first FrontKeep messages and removes the oldest
// removable role-paired chunk after them until the conversation fits or only
// MinTail messages remain after the front.
func dropMiddlePairs(msgs []providers.Message, opts FitOptions, overhead int) []providers.Message {
	if len(msgs) <= opts.FrontKeep+opts.MinTail {
		return msgs
	}
	work := make([]providers.Message, len(msgs))
	copy(work, msgs)
	sizes := messageSizes(work)

	for sumSizes(sizes)+overhead > opts.Budget && len(work)-opts.FrontKeep > opts.MinTail {
		j := findRemovablePair(work, opts.FrontKeep, opts.MinTail)
		if j < 0 {
			break
		}
		work = append(work[:j:j], work[j+2:]...)
		sizes = append(sizes[:j:j], sizes[j+2:]...)
	}
	return work
}

// findRemovablePair returns the index of the oldest adjacent (assistant,user)
// or (user,assistant) pair after the front whose removal leaves every
// remaining tool_use answered, or -1.
func findRemovablePair(msgs []providers.Message, front, minTail int) int {
	last := len(msgs) - minTail - 2
	for j := front; j <= last; j++ {
		if msgs[j].Role == msgs[j+1].Role {
			continue
		}
		// results in msgs[j] would lose their tool_use in msgs[j-1]
		if j > 0 && msgs[j].HasToolResult() && msgs[j-1].HasToolUse() {
			continue
		}
		// tool_use in msgs[j+1] would lose its results in msgs[j+2]
		if msgs[j+1].HasToolUse() && j+2 < len(msgs) && msgs[j+2].HasToolResult() {
			continue
		}
		return j
	}
	return -1
}

// shrinkMessages truncates oversized blocks and caps the block count per message.
func shrinkMessages(msgs []providers.Message, caps ShrinkCaps) []providers.Message {
	out := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		blocks := make([]providers.ContentBlock, 0, len(m.Content))
		for _, b := range m.Content {
			if sb := shrinkBlock(b, caps); sb != nil {
				blocks = append(blocks, sb)
			}
		}
		out[i] = providers.Message{Role: m.Role, Content: capBlocks(blocks, caps.BlocksPerMessage)}
	}
	return out
}

func shrinkBlock(b providers.ContentBlock, caps ShrinkCaps) providers.ContentBlock {
	switch v := b.(type) {
	case providers.TextBlock:
		return providers.TextBlock{Text: truncateWithMarker(v.Text, caps.TextMax)}
	case providers.ThinkingBlock:
		if caps.DropThinking {
			return nil
		}
		return providers.ThinkingBlock{Thinking: truncateWithMarker(v.Thinking, caps.TextMax)}
	case providers.ToolUseBlock:
		raw, err := json.Marshal(v.Input)
		if err != nil || len(raw) <= caps.ToolInputMax {
			return v
		}
		return providers.ToolUseBlock{ID: v.ID, Name: v.Name, Input: map[string]any{
			"_truncated":     true,
			"summary":        cutBytes(string(raw), caps.ToolInputMax),
			"original_chars": len(raw),
		}}
	case providers.ToolResultBlock:
		var inner []providers.ContentBlock
		for _, c := range v.Content {
			switch cv := c.(type) {
			case providers.TextBlock:
				inner = append(inner, providers.TextBlock{Text: truncateWithMarker(cv.Text, caps.ToolResultMax)})
			case providers.ImageBlock:
				if caps.DropImages {
					inner = append(inner, providers.TextBlock{Text: imagePlaceholder})
				} else {
					inner = append(inner, cv)
				}
			default:
				inner = append(inner, c)
			}
		}
		return providers.ToolResultBlock{ToolUseID: v.ToolUseID, Content: inner, IsError: v.IsError}
	case providers.ImageBlock:
		if caps.DropImages {
			return providers.TextBlock{Text: imagePlaceholder}
		}
		return v
	default:
		return b
	}
}

// capBlocks keeps a prefix and suffix of blocks and collapses the middle
// into a single marker.
func capBlocks(blocks []providers.ContentBlock, max int) []providers.ContentBlock {
	if max < 3 || len(blocks) <= max {
		return blocks
	}
	head := (max - 1) / 2
	tail := max - 1 - head
	removed := len(blocks) - head - tail
	out := make([]providers.ContentBlock, 0, max)
	out = append(out, blocks[:head]...)
	out = append(out, providers.TextBlock{Text: fmt.Sprintf("[%d blocks removed]", removed)})
	out = append(out, blocks[len(blocks)-tail:]...)
	return out
}

// truncateWithMarker keeps the head of s when it exceeds max bytes.
func truncateWithMarker(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return cutBytes(s, max) + fmt.Sprintf("\n...[truncated from %d chars]", len(s))
}

// cutBytes returns the longest prefix of s no longer than n bytes that ends
// on a rune boundary.
func cutBytes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// nuclear collapses the conversation to its first message (reduced to text
// and cut to fit) plus a synthetic assistant note. Always returns a valid
// conversation.
func nuclear(msgs []providers.Message, avail int) []providers.Message {
	note := providers.NewTextMessage(providers.RoleAssistant, droppedHistoryNote)
	if len(msgs) == 0 {
		return []providers.Message{note}
	}
	first := msgs[0]
	text := first.Text()
	if text == "" {
		for _, b := range first.Content {
			if tr, ok := b.(providers.ToolResultBlock); ok {
				text += providers.Message{Content: tr.Content}.Text()
			}
		}
	}
	build := func(t string) []providers.Message {
		return []providers.Message{providers.NewTextMessage(providers.RoleUser, t), note}
	}
	if EstimateSize(build(text)) <= avail {
		return build(text)
	}
	// longest rune-aligned prefix that fits
	lo, hi := 0, len(text)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if EstimateSize(build(cutBytes(text, mid))) <= avail {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return build(cutBytes(text, lo))
}

// EnsurePairing drops tool_use blocks whose results are not in the
// immediately following user message, and tool_result blocks that do not
// answer a tool_use in the immediately preceding assistant message. It
// returns the repaired conversation and the number of blocks removed.
func EnsurePairing(msgs []providers.Message) ([]providers.Message, int) {
	return repairPairing(msgs, toolUseRemovedNote, resultRemovedNote)
}

func ensurePairingLogged(msgs []providers.Message, stage string) []providers.Message {
	out, removed := EnsurePairing(msgs)
	if removed > 0 {
		slog.Warn("context: repaired tool pairing after cut", "stage", stage, "removed_blocks", removed)
	}
	return out
}

func repairPairing(msgs []providers.Message, emptyAssistant, emptyUser string) ([]providers.Message, int) {
	keepUse := make([]map[string]bool, len(msgs))
	for i, m := range msgs {
		if m.Role != providers.RoleAssistant || !m.HasToolUse() {
			continue
		}
		var answered map[string]bool
		if i+1 < len(msgs) && msgs[i+1].Role == providers.RoleUser {
			answered = msgs[i+1].ToolResultIDs()
		}
		keepUse[i] = make(map[string]bool)
		for _, tu := range m.ToolUses() {
			if answered[tu.ID] {
				keepUse[i][tu.ID] = true
			}
		}
	}

	removed := 0
	var out []providers.Message
	for i, m := range msgs {
		var filtered []providers.ContentBlock
		changed := false
		for _, b := range m.Content {
			switch v := b.(type) {
			case providers.ToolUseBlock:
				if m.Role != providers.RoleAssistant || !keepUse[i][v.ID] {
					removed++
					changed = true
					continue
				}
			case providers.ToolResultBlock:
				if m.Role != providers.RoleUser || i == 0 || !keepUse[i-1][v.ToolUseID] {
					removed++
					changed = true
					continue
				}
			}
			filtered = append(filtered, b)
		}
		if !changed {
			continue
		}
		if out == nil {
			out = make([]providers.Message, len(msgs))
			copy(out, msgs)
		}
		if len(filtered) == 0 {
			note := emptyUser
			if m.Role == providers.RoleAssistant {
				note = emptyAssistant
			}
			filtered = []providers.ContentBlock{providers.TextBlock{Text: note}}
		}
		out[i] = providers.Message{Role: m.Role, Content: filtered}
	}
	if out == nil {
		return msgs, 0
	}
	return out, removed
}
