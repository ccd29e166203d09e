package control

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus/internal/agent"
)

func newTestState() (*agent.Template, *agent.State) {
	tmpl := &agent.Template{ID: "base", StepBudget: 5}
	state := agent.NewState("agent-1", "", tmpl)
	return tmpl, state
}

func TestEndTurnFinishesAgent(t *testing.T) {
	tmpl, state := newTestState()
	ctx := agent.WithCurrentAgent(context.Background(), agent.CurrentAgent{Template: tmpl, State: state})

	tool := NewEndTurnTool()
	if !tool.EndsAgentStep() {
		t.Fatal("end_turn must end the agent step")
	}
	if _, err := tool.Execute(ctx, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !state.Done() {
		t.Fatal("expected state to be finished")
	}
}

func TestSetOutputRecordsValue(t *testing.T) {
	tmpl, state := newTestState()
	ctx := agent.WithCurrentAgent(context.Background(), agent.CurrentAgent{Template: tmpl, State: state})

	tool := NewSetOutputTool()
	params, _ := json.Marshal(map[string]any{"output": map[string]any{"answer": 42}})
	if _, err := tool.Execute(ctx, params); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !state.Done() {
		t.Fatal("expected state to be finished")
	}
}

func TestSetOutputWithoutAgentInContext(t *testing.T) {
	tool := NewSetOutputTool()
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"output":1}`))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result when no agent is in context")
	}
}
