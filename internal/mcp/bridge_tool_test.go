package mcp

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/clawworker/internal/tools"
)

type fakeCaller struct {
	res   *mcpgo.CallToolResult
	err   error
	block bool
	got   mcpgo.CallToolRequest
}

func (f *fakeCaller) CallTool(ctx context.Context, req mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
	f.got = req
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.res, f.err
}

func TestInputSchemaToMap(t *testing.T) {
	m := inputSchemaToMap(mcpgo.ToolInputSchema{
		Type:       "object",
		Properties: map[string]any{"query": map[string]any{"type": "string"}},
		Required:   []string{"query"},
	})
	if m["type"] != "object" {
		t.Errorf("type = %v", m["type"])
	}
	if props, _ := m["properties"].(map[string]any); props["query"] == nil {
		t.Errorf("properties = %v", m["properties"])
	}
	if req, _ := m["required"].([]string); len(req) != 1 || req[0] != "query" {
		t.Errorf("required = %v", m["required"])
	}

	if m := inputSchemaToMap(mcpgo.ToolInputSchema{}); m["type"] != "object" {
		t.Errorf("empty schema type = %v, want object", m["type"])
	}
}

func TestBridgeTool_Naming(t *testing.T) {
	def := mcpgo.Tool{Name: "query", Description: "Run a query", InputSchema: mcpgo.ToolInputSchema{Type: "object"}}

	bt := NewBridgeTool("pgsrv", def, nil, "", 30, nil)
	if bt.Name() != "query" || bt.OriginalName() != "query" || bt.ServerName() != "pgsrv" {
		t.Errorf("unprefixed = %s/%s/%s", bt.Name(), bt.OriginalName(), bt.ServerName())
	}
	if bt.timeout != 30*time.Second {
		t.Errorf("timeout = %s", bt.timeout)
	}

	bt = NewBridgeTool("pgsrv", def, nil, "pg", 0, nil)
	if bt.Name() != "pg__query" || bt.OriginalName() != "query" {
		t.Errorf("prefixed = %s/%s", bt.Name(), bt.OriginalName())
	}
	if bt.timeout != defaultCallTimeout {
		t.Errorf("default timeout = %s", bt.timeout)
	}
}

func TestBridgeTool_ExecuteText(t *testing.T) {
	fc := &fakeCaller{res: &mcpgo.CallToolResult{Content: []mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "hello"},
		mcpgo.TextContent{Type: "text", Text: "world"},
	}}}
	bt := NewBridgeTool("srv", mcpgo.Tool{Name: "greet"}, fc, "s", 5, nil)

	r := bt.Execute(context.Background(), map[string]any{"who": "bob"})
	if r.Type != tools.ResultText || r.Content != "hello\nworld" {
		t.Fatalf("result = %+v", r)
	}
	if r.Metadata["mcp_server"] != "srv" {
		t.Errorf("metadata = %v", r.Metadata)
	}
	if fc.got.Params.Name != "greet" {
		t.Errorf("remote name = %q, want unprefixed greet", fc.got.Params.Name)
	}
}

func TestBridgeTool_ExecuteImageWithCaption(t *testing.T) {
	fc := &fakeCaller{res: &mcpgo.CallToolResult{Content: []mcpgo.Content{
		mcpgo.TextContent{Type: "text", Text: "screen 1"},
		mcpgo.ImageContent{Type: "image", Data: "aGVsbG8=", MIMEType: "image/png"},
		mcpgo.ImageContent{Type: "image", Data: "ignored", MIMEType: "image/png"},
	}}}
	r := NewBridgeTool("vnc", mcpgo.Tool{Name: "shot"}, fc, "", 0, nil).Execute(context.Background(), nil)
	if r.Type != tools.ResultImage || r.Content != "aGVsbG8=" || r.MediaType != "image/png" {
		t.Fatalf("result = %+v", r)
	}
	if r.Metadata[tools.MetaCaption] != "screen 1" {
		t.Errorf("caption = %v", r.Metadata[tools.MetaCaption])
	}
}

func TestBridgeTool_ExecuteErrors(t *testing.T) {
	isErr := &fakeCaller{res: &mcpgo.CallToolResult{IsError: true, Content: []mcpgo.Content{mcpgo.TextContent{Type: "text", Text: "bad input"}}}}
	if r := NewBridgeTool("s", mcpgo.Tool{Name: "x"}, isErr, "", 0, nil).Execute(context.Background(), nil); !r.IsError() || r.Content != "bad input" {
		t.Errorf("IsError result = %+v", r)
	}

	failing := &fakeCaller{err: errors.New("broken pipe")}
	if r := NewBridgeTool("s", mcpgo.Tool{Name: "x"}, failing, "", 0, nil).Execute(context.Background(), nil); !r.IsError() || r.Err == nil {
		t.Errorf("transport error result = %+v", r)
	}

	var down atomic.Bool
	if r := NewBridgeTool("s", mcpgo.Tool{Name: "x"}, &fakeCaller{}, "", 0, &down).Execute(context.Background(), nil); !r.IsError() {
		t.Errorf("disconnected result = %+v", r)
	}
}

func TestBridgeTool_ExecuteTimeout(t *testing.T) {
	bt := NewBridgeTool("s", mcpgo.Tool{Name: "slow"}, &fakeCaller{block: true}, "", 0, nil)
	bt.timeout = 20 * time.Millisecond
	r := bt.Execute(context.Background(), nil)
	if !r.IsError() || !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Fatalf("result = %+v", r)
	}
}

func TestConvertResult_NilAndResources(t *testing.T) {
	if r := convertResult(nil); r.Type != tools.ResultText || r.Content != "" {
		t.Errorf("nil = %+v", r)
	}
	r := convertResult(&mcpgo.CallToolResult{Content: []mcpgo.Content{
		mcpgo.EmbeddedResource{Type: "resource", Resource: mcpgo.TextResourceContents{URI: "file:///a", Text: "contents"}},
	}})
	if r.Content != "contents" {
		t.Errorf("resource = %+v", r)
	}
}
