package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent/providers"
	modelscatalog "github.com/haasonsaas/nexus/internal/models"
	"github.com/haasonsaas/nexus/pkg/models"
)

// StepEnder is implemented by tools that force the step loop to stop after
// they run (spec.md §4.1's endsAgentStep flag), e.g. set_output. Tools that
// don't implement it behave as endsAgentStep == false.
type StepEnder interface {
	EndsAgentStep() bool
}

// DelegatedTool is implemented by tools whose Execute round-trips through
// the client transport (request-tool-call / paired reply) instead of doing
// local work, e.g. write_file, run_terminal_command. Tools that don't
// implement it are server-local.
type DelegatedTool interface {
	Delegated() bool
}

// CreditedResult is implemented by tools that consume credits beyond the
// step's own LLM call (web_search, read_docs). Execute still returns a
// plain *ToolResult; a tool reporting credits additionally satisfies this
// so StepExecutor can charge CreditsUsed only on success.
type CreditedResult interface {
	CreditsUsed(result *ToolResult) float64
}

// StepOutcome reports what one RunStep call did.
type StepOutcome struct {
	ToolCalls    []models.ToolCall
	ToolResults  []models.ToolResult
	StepEnded    bool // a StepEnder tool ran, or no tool calls were requested
	StepsExhausted bool
}

// StepExecutor is the Agent Step Executor (C3): it assembles the prompt for
// one AgentState from its Template and message history, invokes the LLM
// provider once, and - if the response requests tool calls - dispatches
// them through the Tool Registry (C1) and folds the results back into
// state's history. It does not decide whether to run another step or spawn
// children; that is the Agent Loop's job (C4).
type StepExecutor struct {
	provider LLMProvider
	registry *ToolRegistry
	executor *Executor
	opts     RuntimeOptions
	retryer  providers.BaseProvider
}

// NewStepExecutor builds a step executor over provider and registry. opts
// controls tool concurrency/timeout/retry; zero-value opts falls back to
// DefaultRuntimeOptions.
func NewStepExecutor(provider LLMProvider, registry *ToolRegistry, opts RuntimeOptions) *StepExecutor {
	if registry == nil {
		registry = NewToolRegistry()
	}
	merged := mergeRuntimeOptions(DefaultRuntimeOptions(), opts)
	execCfg := &ExecutorConfig{
		MaxConcurrency: merged.ToolParallelism,
		DefaultTimeout: merged.ToolTimeout,
		DefaultRetries: merged.ToolMaxAttempts - 1,
	}
	return &StepExecutor{
		provider: provider,
		registry: registry,
		executor: NewExecutor(registry, execCfg),
		opts:     merged,
		retryer:  providers.NewBaseProvider(provider.Name(), merged.MaxProviderRetries, merged.ProviderRetryDelay),
	}
}

// buildMessages assembles the CompletionMessage history for tmpl/state: the
// template's system+instructions prompt is carried via req.System, prior
// turns come from state.MessageHistory, and a per-step nudge (stepPrompt)
// is appended as the final user turn, per spec.md §4.3's prompt assembly.
func (e *StepExecutor) buildMessages(tmpl *Template, state *State) []CompletionMessage {
	history := state.Snapshot().MessageHistory
	messages := make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		switch m.Role {
		case models.RoleTool:
			messages = append(messages, CompletionMessage{
				Role:    "tool",
				Content: toolOutputsToText(m.Content),
				ToolResults: []models.ToolResult{{
					ToolCallID: m.ToolCallID,
					Content:    toolOutputsToText(m.Content),
				}},
			})
		default:
			messages = append(messages, CompletionMessage{
				Role:    string(m.Role),
				Content: m.Text,
			})
		}
	}
	if tmpl.StepPrompt != "" {
		messages = append(messages, CompletionMessage{Role: "user", Content: tmpl.StepPrompt})
	}
	return messages
}

func toolOutputsToText(outputs []models.ToolResultOutput) string {
	var b strings.Builder
	for _, o := range outputs {
		switch o.Type {
		case "text":
			b.WriteString(o.Text)
		case "json":
			b.Write(o.JSON)
		case "image":
			if o.Image != nil {
				b.WriteString(fmt.Sprintf("[image: %s]", o.Image.MimeType))
			}
		}
	}
	return b.String()
}

// systemPromptFor concatenates a template's system and instructions
// prompts, applying any request-scoped override from the context.
func systemPromptFor(ctx context.Context, tmpl *Template) string {
	if override, ok := systemPromptFromContext(ctx); ok {
		return override
	}
	parts := make([]string, 0, 2)
	if tmpl.SystemPrompt != "" {
		parts = append(parts, tmpl.SystemPrompt)
	}
	if tmpl.InstructionsPrompt != "" {
		parts = append(parts, tmpl.InstructionsPrompt)
	}
	return strings.Join(parts, "\n\n")
}

// RunStep executes exactly one step of tmpl/state: one LLM round trip plus,
// if requested, one round of tool dispatch. It streams text/thinking chunks
// on chunks as they arrive (the producer side of C2). Callers (C4) loop
// RunStep until StepOutcome.StepEnded, state.Done(), or StepsExhausted.
func (e *StepExecutor) RunStep(ctx context.Context, tmpl *Template, state *State, chunks chan<- *ResponseChunk) (*StepOutcome, error) {
	if state.Done() {
		return &StepOutcome{StepEnded: true}, nil
	}
	if exhausted := state.DecrementStep(); exhausted {
		return &StepOutcome{StepsExhausted: true}, nil
	}

	tools := e.registry.AsLLMTools()
	allowed := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if tmpl.AllowsTool(t.Name()) {
			allowed = append(allowed, t)
		}
	}

	req := &CompletionRequest{
		Model:     tmpl.Model,
		System:    systemPromptFor(ctx, tmpl),
		Messages:  e.buildMessages(tmpl, state),
		Tools:     allowed,
		MaxTokens: 4096,
	}
	if model, ok := modelFromContext(ctx); ok {
		req.Model = model
	}

	text, toolCalls, inputTokens, outputTokens, err := e.runStream(ctx, req, chunks)
	if err != nil {
		return nil, err
	}

	if len(text) > 0 {
		state.AppendAssistant(text)
	}

	if err := e.chargeCredits(ctx, state, req.Model, inputTokens, outputTokens); err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			state.Finish(Output{Type: "error", Message: err.Error()})
		}
		return nil, err
	}

	if len(toolCalls) == 0 {
		return &StepOutcome{StepEnded: true}, nil
	}

	results, ended := e.dispatchTools(ctx, tmpl, state, toolCalls, chunks)
	return &StepOutcome{ToolCalls: toolCalls, ToolResults: results, StepEnded: ended}, nil
}

// runStream drives one LLM completion for req, retrying the whole
// establish-and-drain cycle for transient provider errors (network,
// rate-limit) up to opts.MaxProviderRetries times, per spec.md §4.3's
// retry step. Schema/validation errors surfaced by tool calls are not
// retried here - those are classified by dispatchTools, not this method.
// A retried attempt's partial text/tool-call chunks are discarded; only a
// fully successful attempt's chunks are forwarded to chunks, so a client
// never sees an attempt's output twice.
func (e *StepExecutor) runStream(ctx context.Context, req *CompletionRequest, chunks chan<- *ResponseChunk) (text string, toolCalls []models.ToolCall, inputTokens, outputTokens int, err error) {
	tries := 0
	attempt := func() error {
		tries++
		completion, cerr := e.provider.Complete(ctx, req)
		if cerr != nil {
			return &ProviderError{Provider: e.provider.Name(), Attempts: tries, Cause: cerr}
		}

		var b strings.Builder
		var calls []models.ToolCall
		var pending []*ResponseChunk
		var in, out int
		for chunk := range completion {
			select {
			case <-ctx.Done():
				return &AbortError{}
			default:
			}
			if chunk.Error != nil {
				return &ProviderError{Provider: e.provider.Name(), Attempts: tries, Cause: chunk.Error}
			}
			if chunk.Text != "" {
				if b.Len()+len(chunk.Text) > MaxResponseTextSize {
					return &FatalError{Reason: "response text exceeds maximum size"}
				}
				b.WriteString(chunk.Text)
				pending = append(pending, &ResponseChunk{Text: chunk.Text})
			}
			if chunk.ToolCall != nil {
				if len(calls) >= MaxToolCallsPerIteration {
					return &FatalError{Reason: "tool calls exceed per-step maximum"}
				}
				calls = append(calls, *chunk.ToolCall)
			}
			if chunk.Done {
				in, out = chunk.InputTokens, chunk.OutputTokens
			}
		}

		// A provider can simply stop sending once ctx is cancelled instead of
		// surfacing a final error chunk, closing completion with no further
		// iteration - the per-chunk check above never re-runs in that case.
		// Check once more here so a cancelled stream can never commit partial
		// text (spec.md S6: "no partial assistant message appended").
		select {
		case <-ctx.Done():
			return &AbortError{}
		default:
		}

		text, toolCalls, inputTokens, outputTokens = b.String(), calls, in, out
		for _, c := range pending {
			if chunks != nil {
				chunks <- c
			}
		}
		return nil
	}

	err = e.retryer.Retry(ctx, isRetryableProviderError, attempt)
	return
}

// isRetryableProviderError reports whether a runStream attempt's failure
// is worth retrying: transient provider errors per
// internal/agent/providers.IsRetryable, but never a cancellation or a
// FatalError (size/count limits retrying would not fix).
func isRetryableProviderError(err error) bool {
	var abort *AbortError
	var fatal *FatalError
	if errors.As(err, &abort) || errors.As(err, &fatal) {
		return false
	}
	var perr *ProviderError
	if errors.As(err, &perr) {
		return providers.IsRetryable(perr.Cause)
	}
	return providers.IsRetryable(err)
}

// chargeCredits implements spec.md §4.3 step 6: price the step's token
// usage against the model catalog, roll it into state's own ledger, and -
// if a BillingService is configured and a user/org identity is attached
// to ctx via RequestContext - debit that identity. An
// *InsufficientCreditsError return is unwrapped so RunStep can turn it
// into a terminal agent-level error; any other billing failure is
// reported as a FatalError.
func (e *StepExecutor) chargeCredits(ctx context.Context, state *State, modelID string, inputTokens, outputTokens int) error {
	amount := 0.0
	if m, ok := modelscatalog.Get(modelID); ok {
		amount = float64(inputTokens)/1e6*m.InputPrice + float64(outputTokens)/1e6*m.OutputPrice
	}
	state.AddCredits(amount)

	if e.opts.Billing == nil || amount <= 0 {
		return nil
	}
	rc := RequestContextFromContext(ctx)
	if rc == nil {
		return nil
	}
	identity := rc.UserID
	if identity == "" {
		identity = rc.OrgID
	}
	if identity == "" {
		return nil
	}
	if err := e.opts.Billing.ConsumeCredits(ctx, identity, amount); err != nil {
		var insufficient *InsufficientCreditsError
		if errors.As(err, &insufficient) {
			return err
		}
		return &FatalError{Reason: "billing service error", Cause: err}
	}
	return nil
}

// dispatchTools runs one round of tool calls: calls outside tmpl's
// allow-list become a PermissionError result without ever reaching the
// registry; everything else executes concurrently via the Executor (C1),
// per SPEC_FULL.md §5's semaphore-bounded model. Results are appended to
// state's history in call order, and credits are charged only for
// non-error results, per the Open Question decision in SPEC_FULL.md §9.
func (e *StepExecutor) dispatchTools(ctx context.Context, tmpl *Template, state *State, calls []models.ToolCall, chunks chan<- *ResponseChunk) ([]models.ToolResult, bool) {
	ctx = WithCurrentAgent(ctx, CurrentAgent{Template: tmpl, State: state})
	results := make([]models.ToolResult, len(calls))
	denied := make([]bool, len(calls))
	dispatchable := make([]models.ToolCall, 0, len(calls))
	dispatchIndex := make([]int, 0, len(calls))
	ended := false

	for i, tc := range calls {
		if !tmpl.AllowsTool(tc.Name) {
			denied[i] = true
			permErr := &PermissionError{Subject: tc.Name, Reason: "tool is not currently available to this agent"}
			results[i] = models.ToolResult{ToolCallID: tc.ID, Content: permErr.Error(), IsError: true}
			if chunks != nil {
				chunks <- &ResponseChunk{
					ToolEvent: &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventDenied, PolicyReason: permErr.Reason},
					Error:     permErr,
				}
			}
			continue
		}
		if chunks != nil {
			chunks <- &ResponseChunk{ToolEvent: &models.ToolEvent{ToolCallID: tc.ID, ToolName: tc.Name, Stage: models.ToolEventRequested, Input: tc.Input}}
		}
		dispatchable = append(dispatchable, tc)
		dispatchIndex = append(dispatchIndex, i)
	}

	execResults := e.executor.ExecuteAll(ctx, dispatchable)
	for j, r := range execResults {
		i := dispatchIndex[j]
		tc := dispatchable[j]
		var res models.ToolResult
		switch {
		case r == nil:
			res = models.ToolResult{ToolCallID: tc.ID, Content: "tool execution failed", IsError: true}
		case r.Error != nil:
			res = models.ToolResult{ToolCallID: tc.ID, Content: r.Error.Error(), IsError: true}
		case r.Result != nil:
			res = models.ToolResult{ToolCallID: tc.ID, Content: r.Result.Content, IsError: r.Result.IsError}
		default:
			res = models.ToolResult{ToolCallID: tc.ID, Content: "tool produced no result", IsError: true}
		}
		results[i] = res

		if tool, ok := e.registry.Get(tc.Name); ok {
			if se, ok := tool.(StepEnder); ok && se.EndsAgentStep() && !res.IsError {
				ended = true
			}
		}
	}

	for i, tc := range calls {
		if denied[i] {
			// spec.md S5: a restricted-tool call never reaches history - the
			// error chunk emitted above is the only trace of it.
			continue
		}
		if (tc.Name == "spawn_agents" || tc.Name == "spawn_agent_inline") && !results[i].IsError {
			var outputs []models.ToolResultOutput
			if err := json.Unmarshal([]byte(results[i].Content), &outputs); err == nil {
				state.AppendSpawnResult(tc.ID, outputs)
			} else {
				state.AppendToolResult(tc.Name, tc.ID, results[i])
			}
		} else {
			state.AppendToolResult(tc.Name, tc.ID, results[i])
		}
		if !results[i].IsError {
			if tool, ok := e.registry.Get(tc.Name); ok {
				if cr, ok := tool.(CreditedResult); ok {
					res := results[i]
					state.AddCredits(cr.CreditsUsed(&ToolResult{Content: res.Content, IsError: res.IsError}))
				}
			}
		}
		if chunks != nil {
			chunks <- &ResponseChunk{ToolResult: &results[i]}
		}
	}

	return results, ended
}
