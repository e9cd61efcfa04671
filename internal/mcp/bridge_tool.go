package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/clawworker/internal/tools"
)

const defaultCallTimeout = 60 * time.Second

// toolCaller is the part of an MCP client a bridged tool needs.
type toolCaller interface {
	CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error)
}

// BridgeTool exposes one MCP server tool as an extension tool. Calls go to
// the server under a per-call timeout; the reply becomes a text result, or
// an image result when the server returned an image.
type BridgeTool struct {
	server    string
	remote    string // name on the MCP server
	name      string // name the model sees: "{prefix}__{remote}" when prefixed
	desc      string
	schema    map[string]any
	caller    toolCaller
	timeout   time.Duration
	connected *atomic.Bool
}

func NewBridgeTool(server string, def mcpgo.Tool, caller toolCaller, prefix string, timeoutSec int, connected *atomic.Bool) *BridgeTool {
	name := def.Name
	if prefix != "" {
		name = prefix + "__" + def.Name
	}
	timeout := defaultCallTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	return &BridgeTool{
		server:    server,
		remote:    def.Name,
		name:      name,
		desc:      def.Description,
		schema:    inputSchemaToMap(def.InputSchema),
		caller:    caller,
		timeout:   timeout,
		connected: connected,
	}
}

func (t *BridgeTool) Name() string               { return t.name }
func (t *BridgeTool) Description() string        { return t.desc }
func (t *BridgeTool) Parameters() map[string]any { return t.schema }
func (t *BridgeTool) ServerName() string         { return t.server }
func (t *BridgeTool) OriginalName() string       { return t.remote }

func (t *BridgeTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	if t.connected != nil && !t.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %q is disconnected", t.server))
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var req mcpgo.CallToolRequest
	req.Params.Name = t.remote
	req.Params.Arguments = args

	res, err := t.caller.CallTool(callCtx, req)
	switch {
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		return tools.ErrorResult(fmt.Sprintf("MCP tool %q timed out after %s", t.name, t.timeout)).WithError(err)
	case err != nil:
		return tools.ErrorResult(fmt.Sprintf("MCP tool %q failed: %v", t.name, err)).WithError(err)
	}
	return convertResult(res).WithMeta("mcp_server", t.server)
}

// convertResult maps a CallToolResult onto a tool result. Text parts are
// joined; the first image wins and the text becomes its caption.
func convertResult(res *mcpgo.CallToolResult) *tools.Result {
	if res == nil {
		return tools.NewResult("")
	}
	var text []string
	var img *mcpgo.ImageContent
	for _, c := range res.Content {
		switch v := c.(type) {
		case mcpgo.TextContent:
			text = append(text, v.Text)
		case *mcpgo.TextContent:
			text = append(text, v.Text)
		case mcpgo.ImageContent:
			if img == nil {
				img = &v
			}
		case *mcpgo.ImageContent:
			if img == nil {
				img = v
			}
		case mcpgo.EmbeddedResource:
			text = append(text, resourceText(v))
		case *mcpgo.EmbeddedResource:
			text = append(text, resourceText(*v))
		default:
			text = append(text, fmt.Sprintf("[unsupported MCP content %T]", c))
		}
	}
	joined := strings.Join(text, "\n")

	switch {
	case res.IsError:
		return tools.ErrorResult(joined)
	case img != nil && img.Data != "":
		r := tools.ImageResult(img.Data, img.MIMEType)
		if joined != "" {
			r = r.WithMeta(tools.MetaCaption, joined)
		}
		return r
	default:
		return tools.NewResult(joined)
	}
}

func resourceText(r mcpgo.EmbeddedResource) string {
	switch rc := r.Resource.(type) {
	case mcpgo.TextResourceContents:
		return rc.Text
	case *mcpgo.TextResourceContents:
		return rc.Text
	case mcpgo.BlobResourceContents:
		return fmt.Sprintf("[resource %s (%s)]", rc.URI, rc.MIMEType)
	case *mcpgo.BlobResourceContents:
		return fmt.Sprintf("[resource %s (%s)]", rc.URI, rc.MIMEType)
	}
	return "[resource]"
}

// inputSchemaToMap renders an MCP input schema as the JSON Schema map tools
// advertise. A missing type defaults to "object".
func inputSchemaToMap(schema mcpgo.ToolInputSchema) map[string]any {
	typ := schema.Type
	if typ == "" {
		typ = "object"
	}
	m := map[string]any{"type": typ}
	if len(schema.Properties) > 0 {
		m["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		m["required"] = schema.Required
	}
	if schema.AdditionalProperties != nil {
		m["additionalProperties"] = schema.AdditionalProperties
	}
	return m
}
