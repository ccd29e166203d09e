// Package control implements the two terminal server-local tools every
// agent template carries: end_turn and set_output.
package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/nexus/internal/agent"
)

// EndTurnTool ends the current agent's step loop without recording an
// output value.
type EndTurnTool struct{}

func NewEndTurnTool() *EndTurnTool { return &EndTurnTool{} }

func (t *EndTurnTool) Name() string        { return "end_turn" }
func (t *EndTurnTool) Description() string { return "Ends the current turn." }

func (t *EndTurnTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

// EndsAgentStep satisfies agent.StepEnder: end_turn always stops the loop.
func (t *EndTurnTool) EndsAgentStep() bool { return true }

func (t *EndTurnTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	cur, ok := agent.CurrentAgentFromContext(ctx)
	if !ok {
		return &agent.ToolResult{Content: "no agent in context", IsError: true}, nil
	}
	cur.State.Finish(agent.Output{Type: "success"})
	return &agent.ToolResult{Content: "turn ended"}, nil
}

// SetOutputTool records the agent's final output value and ends its turn.
type SetOutputTool struct{}

func NewSetOutputTool() *SetOutputTool { return &SetOutputTool{} }

func (t *SetOutputTool) Name() string        { return "set_output" }
func (t *SetOutputTool) Description() string { return "Records the agent's final output and ends its turn." }

func (t *SetOutputTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"output": map[string]any{"description": "The agent's final result, any JSON value."},
		},
		"required": []string{"output"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// EndsAgentStep satisfies agent.StepEnder: set_output always stops the loop.
func (t *SetOutputTool) EndsAgentStep() bool { return true }

func (t *SetOutputTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input struct {
		Output json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
	}
	cur, ok := agent.CurrentAgentFromContext(ctx)
	if !ok {
		return &agent.ToolResult{Content: "no agent in context", IsError: true}, nil
	}
	cur.State.Finish(agent.Output{Type: "success", Value: input.Output})
	return &agent.ToolResult{Content: "output recorded"}, nil
}
