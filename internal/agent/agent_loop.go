package agent

import (
	"context"
)

// AgentLoop drives one AgentState through repeated StepExecutor.RunStep
// calls until it reaches a terminal condition (spec.md §4.4): a terminal
// tool finished it, its step budget is exhausted, or the context was
// cancelled. It does not itself know about sub-agents - spawn_agents and
// spawn_agent_inline are ordinary tools (see internal/multiagent) that use
// CurrentAgentFromContext to run their own nested AgentLoop per child and
// fold results back into the parent's history before returning.
type AgentLoop struct {
	executor *StepExecutor
}

// NewAgentLoop wraps executor for repeated stepping.
func NewAgentLoop(executor *StepExecutor) *AgentLoop {
	return &AgentLoop{executor: executor}
}

// Run steps tmpl/state until state.Done() or the step budget is exhausted,
// forwarding every step's chunks on the given channel (callers own the
// channel's lifecycle; Run never closes it).
func (l *AgentLoop) Run(ctx context.Context, tmpl *Template, state *State, chunks chan<- *ResponseChunk) error {
	for {
		if state.Done() {
			return nil
		}
		select {
		case <-ctx.Done():
			state.Finish(Output{Type: "error", Message: "aborted"})
			return &AbortError{}
		default:
		}

		outcome, err := l.executor.RunStep(ctx, tmpl, state, chunks)
		if err != nil {
			switch err.(type) {
			case *AbortError:
				state.Finish(Output{Type: "error", Message: "aborted"})
			default:
				state.Finish(Output{Type: "error", Message: err.Error()})
			}
			return err
		}
		if outcome.StepsExhausted {
			state.Finish(Output{Type: "error", Message: "step budget exhausted"})
			return nil
		}
		if outcome.StepEnded {
			// A terminal tool (end_turn/set_output) calls state.Finish itself;
			// a step with no tool calls at all just ends the step, not the
			// agent, so loop again unless Finish was actually called.
			if state.Done() {
				return nil
			}
		}
	}
}
