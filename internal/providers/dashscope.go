package providers

import (
	"cmp"
	"context"
	"log/slog"
)

const (
	dashscopeBase  = "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"
	dashscopeModel = "qwen3-max"
)

// DashScopeProvider talks to DashScope's OpenAI-compatible endpoint. The
// endpoint rejects streamed requests that carry tools, so those go through
// Chat and the reply is replayed as stream chunks.
type DashScopeProvider struct {
	*OpenAIProvider
}

func NewDashScopeProvider(apiKey, apiBase, model string) *DashScopeProvider {
	return &DashScopeProvider{NewOpenAIProvider("dashscope", apiKey, cmp.Or(apiBase, dashscopeBase), cmp.Or(model, dashscopeModel))}
}

func (p *DashScopeProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) error {
	if len(req.Tools) == 0 {
		return p.OpenAIProvider.ChatStream(ctx, req, onChunk)
	}
	slog.Debug("dashscope: buffering tool call reply", "tools", len(req.Tools))
	resp, err := p.OpenAIProvider.Chat(ctx, req)
	if err != nil {
		return err
	}
	ReplayResponse(resp, onChunk)
	return nil
}
