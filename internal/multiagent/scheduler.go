// Package multiagent implements the sub-agent half of the Agent Loop &
// Sub-Agent Scheduler (C4): spawn_agents and spawn_agent_inline, the two
// tools that fan a parent agent out into concurrent children and fold their
// results back into its history.
//
// This is grounded on the teacher's Swarm executor (stage-parallel
// dependency graph over AgentDefinition.DependsOn, a semaphore-bounded
// worker pool, and a cancellable run) but adapted to the spawn_agents
// contract: an ad hoc, per-call list of children with no declared
// dependencies between them, and a join that never cancels surviving
// siblings when one fails - spec.md §4.4 is explicit that "the parent
// receives results for all of them", unlike Swarm.Execute's cancel() on
// first error.
package multiagent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ChildRunner runs one freshly constructed sub-agent to completion (or
// cancellation). Implementations drive the full step loop - see
// agent.AgentLoop.Run - and must return only once state reaches a
// terminal output.
type ChildRunner func(ctx context.Context, tmpl *agent.Template, state *agent.State) error

// Scheduler fans a spawn request's children out to ChildRunner concurrently
// and joins them, ordering results by spawn index regardless of finish
// order (spec.md S4).
type Scheduler struct {
	templates   *agent.TemplateRegistry
	run         ChildRunner
	maxParallel int
}

// NewScheduler builds a scheduler over templates (for AllowsSpawn/Get
// lookups) and run (the per-child step-loop driver). maxParallel bounds how
// many children of a single spawn_agents call run at once; <= 0 means
// unbounded.
func NewScheduler(templates *agent.TemplateRegistry, run ChildRunner, maxParallel int) *Scheduler {
	return &Scheduler{templates: templates, run: run, maxParallel: maxParallel}
}

type spawnRequest struct {
	AgentType string          `json:"agent_type"`
	Prompt    string          `json:"prompt,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type childResult struct {
	state *agent.State
	err   error
}

// runChildren starts one goroutine per request, bounded by maxParallel, and
// returns each child's terminal State in request order. ctx cancellation
// (the shared root signal) propagates to every still-running child; a
// child's own failure or template rejection never cancels its siblings.
func (s *Scheduler) runChildren(ctx context.Context, parentID string, requests []spawnRequest) []childResult {
	results := make([]childResult, len(requests))
	var sem chan struct{}
	if s.maxParallel > 0 {
		sem = make(chan struct{}, s.maxParallel)
	}

	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req spawnRequest) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}

			tmpl, ok := s.templates.Get(req.AgentType)
			if !ok {
				results[i] = childResult{err: fmt.Errorf("unknown agent type %q", req.AgentType)}
				return
			}

			childID := uuid.NewString()
			state := agent.NewState(childID, parentID, tmpl)
			if req.Prompt != "" {
				state.AppendUser(req.Prompt)
			}

			err := s.run(ctx, tmpl, state)
			results[i] = childResult{state: state, err: err}
		}(i, req)
	}
	wg.Wait()
	return results
}

func childOutput(res childResult) models.ToolResultOutput {
	if res.err != nil {
		return models.ToolResultOutput{Type: "text", Text: res.err.Error()}
	}
	out := res.state.Snapshot().Output
	if out == nil {
		return models.ToolResultOutput{Type: "text", Text: "sub-agent produced no output"}
	}
	if out.Type == "error" {
		return models.ToolResultOutput{Type: "text", Text: out.Message}
	}
	if len(out.Value) > 0 {
		return models.ToolResultOutput{Type: "json", JSON: out.Value}
	}
	return models.ToolResultOutput{Type: "text", Text: lastAssistantText(res.state)}
}

func lastAssistantText(state *agent.State) string {
	snap := state.Snapshot()
	for i := len(snap.MessageHistory) - 1; i >= 0; i-- {
		if snap.MessageHistory[i].Role == models.RoleAssistant {
			return snap.MessageHistory[i].Text
		}
	}
	return ""
}

// SpawnTool implements both spawn_agents (N children) and
// spawn_agent_inline (exactly one, with optional full-history inlining).
type SpawnTool struct {
	scheduler *Scheduler
	inline    bool
}

// NewSpawnAgentsTool builds the server tool backing spawn_agents.
func NewSpawnAgentsTool(scheduler *Scheduler) *SpawnTool {
	return &SpawnTool{scheduler: scheduler}
}

// NewSpawnAgentInlineTool builds the server tool backing spawn_agent_inline.
func NewSpawnAgentInlineTool(scheduler *Scheduler) *SpawnTool {
	return &SpawnTool{scheduler: scheduler, inline: true}
}

func (t *SpawnTool) Name() string {
	if t.inline {
		return "spawn_agent_inline"
	}
	return "spawn_agents"
}

func (t *SpawnTool) Description() string {
	if t.inline {
		return "Spawns a single sub-agent and waits for it to finish."
	}
	return "Spawns one or more sub-agents in parallel and waits for all of them to finish."
}

func (t *SpawnTool) Schema() json.RawMessage {
	child := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"agent_type": map[string]any{"type": "string"},
			"prompt":     map[string]any{"type": "string"},
			"params":     map[string]any{"type": "object"},
		},
		"required": []string{"agent_type"},
	}
	var schema map[string]any
	if t.inline {
		schema = map[string]any{"type": "object", "properties": map[string]any{"agent": child}, "required": []string{"agent"}}
	} else {
		schema = map[string]any{
			"type":       "object",
			"properties": map[string]any{"agents": map[string]any{"type": "array", "items": child}},
			"required":   []string{"agents"},
		}
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Delegated reports false: spawn_agents/spawn_agent_inline run entirely
// server-side (spec.md §6.2 lists both as "server; scheduler consumes").
func (t *SpawnTool) Delegated() bool { return false }

func (t *SpawnTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	cur, ok := agent.CurrentAgentFromContext(ctx)
	if !ok {
		return &agent.ToolResult{Content: "no agent in context", IsError: true}, nil
	}

	var requests []spawnRequest
	if t.inline {
		var input struct {
			Agent spawnRequest `json:"agent"`
		}
		if err := json.Unmarshal(params, &input); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
		}
		requests = []spawnRequest{input.Agent}
	} else {
		var input struct {
			Agents []spawnRequest `json:"agents"`
		}
		if err := json.Unmarshal(params, &input); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
		}
		requests = input.Agents
	}
	if len(requests) == 0 {
		return &agent.ToolResult{Content: "at least one agent is required", IsError: true}, nil
	}

	for _, req := range requests {
		if !cur.Template.AllowsSpawn(req.AgentType) {
			return &agent.ToolResult{
				Content: fmt.Sprintf("agent type %q is not spawnable from %q", req.AgentType, cur.Template.ID),
				IsError: true,
			}, nil
		}
	}

	results := t.scheduler.runChildren(ctx, cur.State.AgentID, requests)

	outputs := make([]models.ToolResultOutput, len(results))
	for i, res := range results {
		outputs[i] = childOutput(res)
		if res.state != nil {
			cur.State.RollUpChildCredits(res.state.Snapshot().CreditsUsed)
		}
	}

	// spawn_agent_inline with outputMode=all_messages additionally inlines
	// the child's full messageHistory into the parent's. ToolResult only
	// carries a flat string, so that inlining happens one level up: the
	// caller appends these extra messages itself after this call returns.
	if t.inline && len(results) == 1 && results[0].state != nil {
		if tmpl, ok := t.scheduler.templates.Get(requests[0].AgentType); ok && tmpl.OutputMode == agent.OutputAllMessages {
			cur.State.InlineChildHistory(results[0].state.Snapshot().MessageHistory)
		}
	}

	payload, err := json.Marshal(outputs)
	if err != nil {
		return &agent.ToolResult{Content: "failed to encode sub-agent outputs", IsError: true}, nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}
