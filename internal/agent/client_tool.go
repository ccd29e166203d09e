package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// ClientTool is a Tool whose execution is delegated to the client
// transport (spec.md §4.6 - write_file, run_terminal_command, and other
// tools the runtime cannot safely execute itself). Execute never touches
// the filesystem or a shell; it round-trips through the ToolBridge
// attached to ctx by the transport for the duration of one dispatch round.
type ClientTool struct {
	name        string
	description string
	schema      json.RawMessage
}

// NewClientTool declares a tool whose real work happens on the client.
func NewClientTool(name, description string, schema json.RawMessage) *ClientTool {
	return &ClientTool{name: name, description: description, schema: schema}
}

func (t *ClientTool) Name() string            { return t.name }
func (t *ClientTool) Description() string     { return t.description }
func (t *ClientTool) Schema() json.RawMessage { return t.schema }

// Delegated marks this tool as client-executed (DelegatedTool).
func (t *ClientTool) Delegated() bool { return true }

// Execute sends a request-tool-call for t.name via the ToolBridge attached
// to ctx and blocks for the paired reply. Called with no bridge attached
// (e.g. from a test harness that bypasses the transport), it fails
// immediately rather than hanging.
func (t *ClientTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	bridge, ok := ToolBridgeFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("client tool %q has no transport attached to this request", t.name)
	}
	outputs, err := bridge.RequestToolCall(ctx, t.name, params)
	if err != nil {
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	content, jsonErr := json.Marshal(outputs)
	if jsonErr != nil {
		content = []byte("[]")
	}
	return &ToolResult{Content: string(content)}, nil
}
