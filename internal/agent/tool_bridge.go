package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/pkg/models"
)

// ToolBridge is the collaborator a DelegatedTool (spec.md §4.6's
// client-executed tools - write_file, run_terminal_command) calls into to
// round-trip a request-tool-call through the client transport and await
// the paired reply. The gateway's websocket transport is the only
// implementation; tests can substitute a fake.
type ToolBridge interface {
	RequestToolCall(ctx context.Context, toolName string, input json.RawMessage) ([]models.ToolResultOutput, error)
}

type toolBridgeKey struct{}

// WithToolBridge attaches bridge to ctx for the duration of one tool
// dispatch round, the same pattern as WithCurrentAgent.
func WithToolBridge(ctx context.Context, bridge ToolBridge) context.Context {
	return context.WithValue(ctx, toolBridgeKey{}, bridge)
}

// ToolBridgeFromContext retrieves the bridge attached by WithToolBridge.
func ToolBridgeFromContext(ctx context.Context) (ToolBridge, bool) {
	bridge, ok := ctx.Value(toolBridgeKey{}).(ToolBridge)
	return bridge, ok
}
