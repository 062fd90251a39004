package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"

	tooltypes "github.com/fluxgate-ai/fluxgate/pkg/types/tools"
)

// silentExitSentinel is the shape a tool emits to request graceful session
// termination without a final assistant message.
type silentExitSentinel struct {
	SilentExit bool   `json:"__silent_exit__"`
	Reason     string `json:"reason"`
}

// DetectSilentExit reports whether a tool output carries the silent-exit
// sentinel, and the stated reason.
func DetectSilentExit(output string) (string, bool) {
	var sentinel silentExitSentinel
	if err := json.Unmarshal([]byte(output), &sentinel); err != nil {
		return "", false
	}
	if !sentinel.SilentExit {
		return "", false
	}
	return sentinel.Reason, true
}

// remoteTool adapts one discovered MCP tool to the gateway tool contract.
// The wire name is namespaced {server}__{tool}.
type remoteTool struct {
	server      string
	client      *mcpclient.Client
	remoteName  string
	description string
	inputSchema mcptypes.ToolInputSchema
}

var _ tooltypes.Tool = (*remoteTool)(nil)

func newRemoteTool(server string, client *mcpclient.Client, tool mcptypes.Tool) *remoteTool {
	return &remoteTool{
		server:      server,
		client:      client,
		remoteName:  tool.GetName(),
		description: tool.Description,
		inputSchema: tool.InputSchema,
	}
}

func (t *remoteTool) Name() string {
	return fmt.Sprintf("%s__%s", t.server, t.remoteName)
}

// Server returns the owning server name for metric labels.
func (t *remoteTool) Server() string { return t.server }

func (t *remoteTool) Description() string { return t.description }

func (t *remoteTool) GenerateSchema() *jsonschema.Schema {
	b, err := t.inputSchema.MarshalJSON()
	if err != nil {
		return nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(b, &schema); err != nil {
		return nil
	}
	return &schema
}

func (t *remoteTool) TracingKVs(string) ([]attribute.KeyValue, error) {
	return []attribute.KeyValue{
		attribute.String("mcp.server", t.server),
		attribute.String("mcp.tool", t.remoteName),
	}, nil
}

func (t *remoteTool) Execute(ctx context.Context, _ tooltypes.State, parameters string) tooltypes.ToolResult {
	var input map[string]any
	if parameters != "" {
		if err := json.Unmarshal([]byte(parameters), &input); err != nil {
			return tooltypes.ToolResult{Error: fmt.Sprintf("invalid arguments: %v", err)}
		}
	}

	req := mcptypes.CallToolRequest{}
	req.Params.Name = t.remoteName
	req.Params.Arguments = input
	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return tooltypes.ToolResult{Error: fmt.Sprintf("MCP tool %s failed: %v", t.Name(), err)}
	}

	content := ""
	for _, c := range result.Content {
		if text, ok := c.(mcptypes.TextContent); ok {
			content += text.Text
		} else {
			content += fmt.Sprintf("%v", c)
		}
	}

	if reason, ok := DetectSilentExit(content); ok {
		return tooltypes.ToolResult{SilentExit: true, ExitReason: reason}
	}
	if result.IsError {
		return tooltypes.ToolResult{Error: content}
	}
	return tooltypes.ToolResult{Result: content}
}
