package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

const (
	anthropicDefaultModel     = "claude-sonnet-4-5"
	anthropicDefaultMaxTokens = 8192
)

// AnthropicProvider streams from the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

func NewAnthropicProvider(apiKey, apiBase, defaultModel string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(apiBase))
	}
	if defaultModel == "" {
		defaultModel = anthropicDefaultModel
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: defaultModel,
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

// Chat collects a streamed response.
func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return Collect(ctx, p, req)
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) error {
	params, err := p.buildParams(req)
	if err != nil {
		return err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()
	return p.processStream(stream, onChunk, string(params.Model))
}

func (p *AnthropicProvider) buildParams(req ChatRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	msgs, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(CleanToolSchemas(p.Name(), req.Tools))
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], onChunk func(StreamChunk), model string) error {
	var (
		usage      Usage
		stop       StopReason
		inThinking bool
		inTool     bool
	)
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.InputTokens = int(ms.Message.Usage.InputTokens)
			usage.CacheReadTokens = int(ms.Message.Usage.CacheReadInputTokens)
			usage.CacheWriteTokens = int(ms.Message.Usage.CacheCreationInputTokens)
			if ms.Message.Model != "" {
				model = string(ms.Message.Model)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				onChunk(ThinkingStart{})
			case "tool_use":
				tu := block.AsToolUse()
				inTool = true
				onChunk(ToolUseStart{ID: tu.ID, Name: tu.Name})
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					onChunk(TextDelta{Text: delta.Text})
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					onChunk(ThinkingDelta{Text: delta.Thinking})
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					onChunk(ToolUseDelta{PartialJSON: delta.PartialJSON})
				}
			}

		case "content_block_stop":
			switch {
			case inThinking:
				inThinking = false
				onChunk(ThinkingEnd{})
			case inTool:
				inTool = false
				onChunk(ToolUseEnd{})
			}

		case "message_delta":
			md := event.AsMessageDelta()
			usage.OutputTokens = int(md.Usage.OutputTokens)
			if md.Delta.StopReason != "" {
				stop = StopReason(md.Delta.StopReason)
			}

		case "message_stop":
			onChunk(MessageEnd{StopReason: stop, Usage: usage, Model: model})
			return nil

		case "error":
			onChunk(StreamError{Err: errors.New("anthropic: stream error event")})
			return nil
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	slog.Debug("anthropic: stream ended without message_stop", "model", model)
	onChunk(MessageEnd{StopReason: stop, Usage: usage, Model: model})
	return nil
}

func toAnthropicMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range m.Content {
			switch v := b.(type) {
			case TextBlock:
				if v.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(v.Text))
				}
			case ThinkingBlock:
				// replayed thinking needs a provider signature we do not keep
			case ToolUseBlock:
				input := v.Input
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(v.ID, input, v.Name))
			case ToolResultBlock:
				blocks = append(blocks, anthropic.ContentBlockParamUnion{OfToolResult: toAnthropicToolResult(v)})
			case ImageBlock:
				blocks = append(blocks, anthropic.NewImageBlockBase64(v.MediaType, v.Data))
			}
		}
		if len(blocks) == 0 {
			blocks = append(blocks, anthropic.NewTextBlock("(empty)"))
		}
		if m.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		} else {
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out, nil
}

func toAnthropicToolResult(tr ToolResultBlock) *anthropic.ToolResultBlockParam {
	param := &anthropic.ToolResultBlockParam{
		ToolUseID: tr.ToolUseID,
		IsError:   anthropic.Bool(tr.IsError),
	}
	for _, inner := range tr.Content {
		switch v := inner.(type) {
		case TextBlock:
			param.Content = append(param.Content, anthropic.ToolResultBlockParamContentUnion{
				OfText: &anthropic.TextBlockParam{Text: v.Text},
			})
		case ImageBlock:
			param.Content = append(param.Content, anthropic.ToolResultBlockParamContentUnion{
				OfImage: &anthropic.ImageBlockParam{
					Source: anthropic.ImageBlockParamSourceUnion{
						OfBase64: &anthropic.Base64ImageSourceParam{
							Data:      v.Data,
							MediaType: anthropic.Base64ImageSourceMediaType(v.MediaType),
						},
					},
				},
			})
		}
	}
	return param
}

func toAnthropicTools(defs []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		raw, err := json.Marshal(d.Function.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", d.Function.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", d.Function.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, d.Function.Name)
		if param.OfTool != nil && d.Function.Description != "" {
			param.OfTool.Description = anthropic.String(d.Function.Description)
		}
		out = append(out, param)
	}
	return out, nil
}
