package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
)

func newTestRegistry(t *testing.T, ids ...string) *agent.TemplateRegistry {
	t.Helper()
	templates := make([]*agent.Template, 0, len(ids))
	for _, id := range ids {
		templates = append(templates, &agent.Template{ID: id, StepBudget: 5, SpawnableAgentsList: ids})
	}
	reg, err := agent.NewTemplateRegistry(templates, nil)
	if err != nil {
		t.Fatalf("NewTemplateRegistry: %v", err)
	}
	return reg
}

// TestSpawnAgentsJoinsInOrder mirrors spec.md S4: two children run in
// parallel, the slower one finishing last, but the tool_result output array
// is ordered by spawn index (A then B) regardless of finish order.
func TestSpawnAgentsJoinsInOrder(t *testing.T) {
	reg := newTestRegistry(t, "parent", "researcher")

	run := func(ctx context.Context, tmpl *agent.Template, state *agent.State) error {
		var delay time.Duration
		var value string
		for _, m := range state.Snapshot().MessageHistory {
			switch m.Text {
			case "A":
				delay, value = 20*time.Millisecond, `"ra"`
			case "B":
				delay, value = 5*time.Millisecond, `"rb"`
			}
		}
		time.Sleep(delay)
		state.Finish(agent.Output{Type: "success", Value: json.RawMessage(value)})
		return nil
	}

	sched := NewScheduler(reg, run, 4)
	parentTmpl, _ := reg.Get("parent")
	parentState := agent.NewState("root", "", parentTmpl)

	tool := NewSpawnAgentsTool(sched)
	ctx := agent.WithCurrentAgent(context.Background(), agent.CurrentAgent{Template: parentTmpl, State: parentState})

	params, _ := json.Marshal(map[string]any{
		"agents": []map[string]any{
			{"agent_type": "researcher", "prompt": "A"},
			{"agent_type": "researcher", "prompt": "B"},
		},
	})

	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}

	var outputs []struct {
		Type string          `json:"type"`
		JSON json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal([]byte(result.Content), &outputs); err != nil {
		t.Fatalf("decode outputs: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("got %d outputs, want 2", outputs)
	}
	if string(outputs[0].JSON) != `"ra"` || string(outputs[1].JSON) != `"rb"` {
		t.Fatalf("outputs out of spawn-index order: %+v", outputs)
	}
}

// TestSpawnAgentsNoEarlyCancel confirms the recorded divergence from
// Swarm.Execute: one child failing must not stop its siblings, and the
// parent receives a result for every child.
func TestSpawnAgentsNoEarlyCancel(t *testing.T) {
	reg := newTestRegistry(t, "parent", "researcher")

	run := func(ctx context.Context, tmpl *agent.Template, state *agent.State) error {
		for _, m := range state.Snapshot().MessageHistory {
			if m.Text == "fails-fast" {
				return fmt.Errorf("boom")
			}
		}
		time.Sleep(20 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Fatal("sibling was cancelled after another child's failure")
		default:
		}
		state.Finish(agent.Output{Type: "success", Value: json.RawMessage(`"ok"`)})
		return nil
	}

	sched := NewScheduler(reg, run, 4)
	parentTmpl, _ := reg.Get("parent")
	parentState := agent.NewState("root", "", parentTmpl)
	tool := NewSpawnAgentsTool(sched)
	ctx := agent.WithCurrentAgent(context.Background(), agent.CurrentAgent{Template: parentTmpl, State: parentState})

	params, _ := json.Marshal(map[string]any{
		"agents": []map[string]any{
			{"agent_type": "researcher", "prompt": "fails-fast"},
			{"agent_type": "researcher", "prompt": "slow-ok"},
		},
	})

	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
}

func TestSpawnAgentsRejectsUnlistedTemplate(t *testing.T) {
	reg := newTestRegistry(t, "parent")
	sched := NewScheduler(reg, func(ctx context.Context, tmpl *agent.Template, state *agent.State) error {
		return nil
	}, 4)

	parentTmpl := &agent.Template{ID: "parent", StepBudget: 5}
	parentState := agent.NewState("root", "", parentTmpl)
	tool := NewSpawnAgentsTool(sched)
	ctx := agent.WithCurrentAgent(context.Background(), agent.CurrentAgent{Template: parentTmpl, State: parentState})

	params, _ := json.Marshal(map[string]any{
		"agents": []map[string]any{{"agent_type": "researcher", "prompt": "A"}},
	})
	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected spawn of a non-spawnable template to be rejected")
	}
}
