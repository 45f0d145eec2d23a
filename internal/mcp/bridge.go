package mcp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/nextlevelbuilder/agentd/internal/tools"
)

// bridgeTool adapts one remote MCP tool to the local Tool interface.
type bridgeTool struct {
	server     string
	name       string
	original   string
	desc       string
	schema     map[string]interface{}
	client     *mcpclient.Client
	timeoutSec int
	connected  *atomic.Bool
}

func newBridgeTool(server string, t mcpgo.Tool, client *mcpclient.Client, prefix string, timeoutSec int, connected *atomic.Bool) *bridgeTool {
	name := t.Name
	if prefix != "" {
		name = prefix + "_" + name
	}

	schema := map[string]interface{}{"type": "object"}
	if t.InputSchema.Type != "" {
		schema["type"] = t.InputSchema.Type
	}
	if len(t.InputSchema.Properties) > 0 {
		schema["properties"] = t.InputSchema.Properties
	}
	if len(t.InputSchema.Required) > 0 {
		schema["required"] = t.InputSchema.Required
	}

	return &bridgeTool{
		server:     server,
		name:       name,
		original:   t.Name,
		desc:       t.Description,
		schema:     schema,
		client:     client,
		timeoutSec: timeoutSec,
		connected:  connected,
	}
}

func (b *bridgeTool) Name() string                       { return b.name }
func (b *bridgeTool) OriginalName() string               { return b.original }
func (b *bridgeTool) Description() string                { return b.desc }
func (b *bridgeTool) Parameters() map[string]interface{} { return b.schema }

func (b *bridgeTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	if !b.connected.Load() {
		return tools.ErrorResult(fmt.Sprintf("MCP server %s is not connected", b.server))
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(b.timeoutSec)*time.Second)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = b.original
	req.Params.Arguments = args

	result, err := b.client.CallTool(ctx, req)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP tool %s failed: %v", b.name, err))
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if text == "" {
		text = "(tool returned no text content)"
	}
	if result.IsError {
		return tools.ErrorResult(text)
	}
	return tools.SilentResult(text)
}
