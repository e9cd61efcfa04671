package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType is the wire tag of a content block.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockImage      BlockType = "image"
)

// ContentBlock is a closed union over the block variants below.
// Consumers switch on the concrete type; the unexported marker keeps
// other packages from adding variants.
type ContentBlock interface {
	BlockType() BlockType
	isContentBlock()
}

type TextBlock struct {
	Text string
}

type ThinkingBlock struct {
	Thinking string
}

type ToolUseBlock struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResultBlock answers a ToolUseBlock. Content holds only text and image blocks.
type ToolResultBlock struct {
	ToolUseID string
	Content   []ContentBlock
	IsError   bool
}

// ImageBlock carries base64 encoded image data.
type ImageBlock struct {
	Data      string
	MediaType string
}

func (TextBlock) BlockType() BlockType       { return BlockText }
func (ThinkingBlock) BlockType() BlockType   { return BlockThinking }
func (ToolUseBlock) BlockType() BlockType    { return BlockToolUse }
func (ToolResultBlock) BlockType() BlockType { return BlockToolResult }
func (ImageBlock) BlockType() BlockType      { return BlockImage }

func (TextBlock) isContentBlock()       {}
func (ThinkingBlock) isContentBlock()   {}
func (ToolUseBlock) isContentBlock()    {}
func (ToolResultBlock) isContentBlock() {}
func (ImageBlock) isContentBlock()      {}

// Message is one conversation entry. Messages are treated as immutable once
// appended to a conversation; trimming produces copies.
type Message struct {
	Role    Role
	Content []ContentBlock
}

// NewTextMessage builds a message holding a single text block.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{TextBlock{Text: text}}}
}

// Text joins the message's top-level text blocks.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if tb, ok := b.(TextBlock); ok {
			if sb.Len() > 0 && tb.Text != "" {
				sb.WriteString("\n")
			}
			sb.WriteString(tb.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool_use blocks of the message in order.
func (m Message) ToolUses() []ToolUseBlock {
	var out []ToolUseBlock
	for _, b := range m.Content {
		if tu, ok := b.(ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}

// ToolResultIDs returns the set of tool_use ids answered by this message.
func (m Message) ToolResultIDs() map[string]bool {
	ids := make(map[string]bool)
	for _, b := range m.Content {
		if tr, ok := b.(ToolResultBlock); ok {
			ids[tr.ToolUseID] = true
		}
	}
	return ids
}

// HasToolUse reports whether the message contains at least one tool_use block.
func (m Message) HasToolUse() bool {
	for _, b := range m.Content {
		if _, ok := b.(ToolUseBlock); ok {
			return true
		}
	}
	return false
}

// HasToolResult reports whether the message contains at least one tool_result block.
func (m Message) HasToolResult() bool {
	for _, b := range m.Content {
		if _, ok := b.(ToolResultBlock); ok {
			return true
		}
	}
	return false
}

// CloneMessages returns a shallow copy of msgs with fresh content slices,
// so callers may replace blocks without touching the source conversation.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: m.Role, Content: append([]ContentBlock(nil), m.Content...)}
	}
	return out
}

// --- JSON ---

type wireBlock struct {
	Type      BlockType         `json:"type"`
	Text      string            `json:"text,omitempty"`
	Thinking  string            `json:"thinking,omitempty"`
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Input     map[string]any    `json:"input,omitempty"`
	ToolUseID string            `json:"tool_use_id,omitempty"`
	Content   []json.RawMessage `json:"content,omitempty"`
	IsError   bool              `json:"is_error,omitempty"`
	Source    *wireImageSource  `json:"source,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// MarshalBlock encodes one content block with its type tag.
func MarshalBlock(b ContentBlock) ([]byte, error) {
	var w wireBlock
	switch v := b.(type) {
	case TextBlock:
		w = wireBlock{Type: BlockText, Text: v.Text}
	case ThinkingBlock:
		w = wireBlock{Type: BlockThinking, Thinking: v.Thinking}
	case ToolUseBlock:
		input := v.Input
		if input == nil {
			input = map[string]any{}
		}
		// tool_use always carries input, even when empty.
		return json.Marshal(struct {
			Type  BlockType      `json:"type"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		}{BlockToolUse, v.ID, v.Name, input})
	case ToolResultBlock:
		w = wireBlock{Type: BlockToolResult, ToolUseID: v.ToolUseID, IsError: v.IsError}
		for _, inner := range v.Content {
			raw, err := MarshalBlock(inner)
			if err != nil {
				return nil, err
			}
			w.Content = append(w.Content, raw)
		}
	case ImageBlock:
		w = wireBlock{Type: BlockImage, Source: &wireImageSource{Type: "base64", MediaType: v.MediaType, Data: v.Data}}
	default:
		return nil, fmt.Errorf("unknown content block %T", b)
	}
	return json.Marshal(w)
}

// UnmarshalBlock decodes one tagged content block.
func UnmarshalBlock(data []byte) (ContentBlock, error) {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	switch w.Type {
	case BlockText:
		return TextBlock{Text: w.Text}, nil
	case BlockThinking:
		return ThinkingBlock{Thinking: w.Thinking}, nil
	case BlockToolUse:
		return ToolUseBlock{ID: w.ID, Name: w.Name, Input: w.Input}, nil
	case BlockToolResult:
		tr := ToolResultBlock{ToolUseID: w.ToolUseID, IsError: w.IsError}
		for _, raw := range w.Content {
			// tool_result content may also be a bare string
			var s string
			if json.Unmarshal(raw, &s) == nil {
				tr.Content = append(tr.Content, TextBlock{Text: s})
				continue
			}
			inner, err := UnmarshalBlock(raw)
			if err != nil {
				return nil, err
			}
			tr.Content = append(tr.Content, inner)
		}
		return tr, nil
	case BlockImage:
		if w.Source == nil {
			return nil, fmt.Errorf("image block without source")
		}
		return ImageBlock{Data: w.Source.Data, MediaType: w.Source.MediaType}, nil
	default:
		return nil, fmt.Errorf("unknown content block type %q", w.Type)
	}
}

// MarshalJSON encodes the message as {"role":..,"content":[blocks]}.
func (m Message) MarshalJSON() ([]byte, error) {
	blocks := make([]json.RawMessage, 0, len(m.Content))
	for _, b := range m.Content {
		raw, err := MarshalBlock(b)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, raw)
	}
	return json.Marshal(struct {
		Role    Role              `json:"role"`
		Content []json.RawMessage `json:"content"`
	}{m.Role, blocks})
}

// UnmarshalJSON accepts content either as a plain string or as a block array.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Role = w.Role
	m.Content = nil
	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(w.Content, &s); err == nil {
		m.Content = []ContentBlock{TextBlock{Text: s}}
		return nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(w.Content, &raws); err != nil {
		return fmt.Errorf("message content: %w", err)
	}
	for _, raw := range raws {
		b, err := UnmarshalBlock(raw)
		if err != nil {
			return fmt.Errorf("message content: %w", err)
		}
		m.Content = append(m.Content, b)
	}
	return nil
}
