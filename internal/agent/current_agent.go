package agent

import "context"

// CurrentAgent bundles the template and mutable state of the agent a tool
// call is running on behalf of. Most tools never need it - params carry
// everything they require - but the handful that act on the agent itself
// (set_output, end_turn, spawn_agents) need access to State.Finish,
// State.RollUpChildCredits, and Template.AllowsSpawn, none of which fit the
// plain Tool.Execute(ctx, params) signature. StepExecutor attaches one of
// these to ctx for the duration of each tool dispatch round.
type CurrentAgent struct {
	Template *Template
	State    *State
}

type currentAgentKey struct{}

// WithCurrentAgent attaches cur to ctx for the duration of one dispatch round.
func WithCurrentAgent(ctx context.Context, cur CurrentAgent) context.Context {
	return context.WithValue(ctx, currentAgentKey{}, cur)
}

// CurrentAgentFromContext retrieves the agent attached by WithCurrentAgent.
func CurrentAgentFromContext(ctx context.Context) (CurrentAgent, bool) {
	cur, ok := ctx.Value(currentAgentKey{}).(CurrentAgent)
	return cur, ok
}
