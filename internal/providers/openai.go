package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	name         string
	client       *openai.Client
	defaultModel string
}

func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if apiBase != "" {
		cfg.BaseURL = strings.TrimRight(apiBase, "/")
	}
	if name == "" {
		name = "openai"
	}
	return &OpenAIProvider{
		name:         name,
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: defaultModel,
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	creq := p.buildRequest(req)
	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, fmt.Errorf("%s chat: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s chat: empty choices", p.name)
	}
	choice := resp.Choices[0]
	out := &ChatResponse{
		StopReason: mapFinishReason(choice.FinishReason),
		Model:      resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if choice.Message.ReasoningContent != "" {
		out.Content = append(out.Content, ThinkingBlock{Thinking: choice.Message.ReasoningContent})
	}
	if text := StripScaffold(choice.Message.Content); strings.TrimSpace(text) != "" {
		out.Content = append(out.Content, TextBlock{Text: text})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Content = append(out.Content, ToolUseBlock{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: parseToolInput(tc.Function.Name, tc.Function.Arguments),
		})
	}
	return out, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) error {
	creq := p.buildRequest(req)
	creq.Stream = true
	creq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return fmt.Errorf("%s stream: %w", p.name, err)
	}
	defer stream.Close()

	var (
		usage      Usage
		stop       StopReason
		model      = creq.Model
		thinking   bool
		openIndex  = -1
		toolIDs    = map[int]bool{}
		closeThink = func() {
			if thinking {
				thinking = false
				onChunk(ThinkingEnd{})
			}
		}
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s stream: %w", p.name, err)
		}
		if resp.Model != "" {
			model = resp.Model
		}
		if resp.Usage != nil {
			usage.InputTokens = resp.Usage.PromptTokens
			usage.OutputTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.ReasoningContent != "" {
			if !thinking {
				thinking = true
				onChunk(ThinkingStart{})
			}
			onChunk(ThinkingDelta{Text: delta.ReasoningContent})
		}
		if delta.Content != "" {
			closeThink()
			onChunk(TextDelta{Text: delta.Content})
		}
		for _, tc := range delta.ToolCalls {
			closeThink()
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			if !toolIDs[idx] {
				if openIndex >= 0 {
					onChunk(ToolUseEnd{})
				}
				toolIDs[idx] = true
				openIndex = idx
				onChunk(ToolUseStart{ID: tc.ID, Name: tc.Function.Name})
			}
			if tc.Function.Arguments != "" {
				onChunk(ToolUseDelta{PartialJSON: tc.Function.Arguments})
			}
		}
		if choice.FinishReason != "" {
			stop = mapFinishReason(choice.FinishReason)
		}
	}
	closeThink()
	if openIndex >= 0 {
		onChunk(ToolUseEnd{})
	}
	onChunk(MessageEnd{StopReason: stop, Usage: usage, Model: model})
	return nil
}

func (p *OpenAIProvider) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	creq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.System, req.Messages),
	}
	if req.MaxTokens > 0 {
		creq.MaxTokens = req.MaxTokens
	}
	for _, d := range CleanToolSchemas(p.name, req.Tools) {
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Function.Name,
				Description: d.Function.Description,
				Parameters:  d.Function.Parameters,
			},
		})
	}
	return creq
}

// toOpenAIMessages flattens block content into the chat-completions shape:
// tool results become role=tool messages, and images inside tool results
// follow as a user message since tool messages carry text only.
func toOpenAIMessages(system string, msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			am := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text()}
			for _, tu := range m.ToolUses() {
				args, _ := json.Marshal(tu.Input)
				if tu.Input == nil {
					args = []byte("{}")
				}
				am.ToolCalls = append(am.ToolCalls, openai.ToolCall{
					ID:       tu.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tu.Name, Arguments: string(args)},
				})
			}
			out = append(out, am)
			continue
		}

		var parts []openai.ChatMessagePart
		var trailingImages []openai.ChatMessagePart
		for _, b := range m.Content {
			switch v := b.(type) {
			case TextBlock:
				parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: v.Text})
			case ImageBlock:
				parts = append(parts, imagePart(v))
			case ToolResultBlock:
				var sb strings.Builder
				for _, inner := range v.Content {
					switch iv := inner.(type) {
					case TextBlock:
						sb.WriteString(iv.Text)
					case ImageBlock:
						trailingImages = append(trailingImages, imagePart(iv))
					}
				}
				content := sb.String()
				if v.IsError && !strings.HasPrefix(content, "Error") {
					content = "Error: " + content
				}
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: v.ToolUseID,
				})
			}
		}
		parts = append(parts, trailingImages...)
		if len(parts) > 0 {
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts})
		}
	}
	return out
}

func imagePart(img ImageBlock) openai.ChatMessagePart {
	return openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{
			URL:    "data:" + img.MediaType + ";base64," + img.Data,
			Detail: openai.ImageURLDetailAuto,
		},
	}
}

func mapFinishReason(r openai.FinishReason) StopReason {
	switch r {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return StopToolUse
	case openai.FinishReasonLength:
		return StopMaxTokens
	case openai.FinishReasonStop:
		return StopEndTurn
	default:
		return StopReasonAbsent
	}
}
