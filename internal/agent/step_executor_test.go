package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/billing"
	"github.com/haasonsaas/nexus/pkg/models"
)

// fakeProvider streams a scripted completion, optionally failing the
// first N calls to Complete with a retryable error.
type fakeProvider struct {
	name       string
	failTimes  int
	calls      int
	text       string
	toolCalls  []models.ToolCall
	inputToks  int
	outputToks int
}

func (p *fakeProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.calls++
	if p.calls <= p.failTimes {
		return nil, errors.New("upstream timeout talking to provider")
	}
	ch := make(chan *CompletionChunk, len(p.toolCalls)+2)
	if p.text != "" {
		ch <- &CompletionChunk{Text: p.text}
	}
	for i := range p.toolCalls {
		tc := p.toolCalls[i]
		ch <- &CompletionChunk{ToolCall: &tc}
	}
	ch <- &CompletionChunk{Done: true, InputTokens: p.inputToks, OutputTokens: p.outputToks}
	close(ch)
	return ch, nil
}
func (p *fakeProvider) Name() string        { return p.name }
func (p *fakeProvider) Models() []Model     { return nil }
func (p *fakeProvider) SupportsTools() bool { return true }

func testTemplate(toolNames ...string) *Template {
	tmpl := &Template{ID: "root", Model: "claude-3-5-haiku-latest", StepBudget: 5, ToolNamesList: toolNames}
	tmpl.normalize()
	return tmpl
}

func TestRunStep_RetriesTransientProviderError(t *testing.T) {
	provider := &fakeProvider{name: "fake", failTimes: 2, text: "hello"}
	executor := NewStepExecutor(provider, NewToolRegistry(), RuntimeOptions{
		MaxProviderRetries: 3,
		ProviderRetryDelay: time.Millisecond,
	})
	tmpl := testTemplate()
	state := NewState("a1", "", tmpl)

	outcome, err := executor.RunStep(context.Background(), tmpl, state, nil)
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if !outcome.StepEnded {
		t.Fatalf("expected step to end with no tool calls")
	}
	if provider.calls != 3 {
		t.Fatalf("calls = %d, want 3 (2 failures + 1 success)", provider.calls)
	}
	if got := state.Snapshot().MessageHistory; len(got) != 1 || got[0].Text != "hello" {
		t.Fatalf("unexpected message history: %+v", got)
	}
}

func TestRunStep_GivesUpAfterMaxRetries(t *testing.T) {
	provider := &fakeProvider{name: "fake", failTimes: 10, text: "hello"}
	executor := NewStepExecutor(provider, NewToolRegistry(), RuntimeOptions{
		MaxProviderRetries: 2,
		ProviderRetryDelay: time.Millisecond,
	})
	tmpl := testTemplate()
	state := NewState("a1", "", tmpl)

	_, err := executor.RunStep(context.Background(), tmpl, state, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *ProviderError, got %T: %v", err, err)
	}
	if provider.calls != 2 {
		t.Fatalf("calls = %d, want 2 (maxRetries)", provider.calls)
	}
}

func TestRunStep_DoesNotRetryNonTransientError(t *testing.T) {
	provider := &fakeProvider{name: "fake"}
	executor := NewStepExecutor(provider, NewToolRegistry(), RuntimeOptions{MaxProviderRetries: 5})
	tmpl := testTemplate()
	state := NewState("a1", "", tmpl)

	// Force a non-retryable failure via a fatal-sized response.
	provider.failTimes = 0
	provider.text = string(make([]byte, MaxResponseTextSize+1))

	_, err := executor.RunStep(context.Background(), tmpl, state, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var fatal *FatalError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected *FatalError, got %T: %v", err, err)
	}
	if provider.calls != 1 {
		t.Fatalf("calls = %d, want 1 (fatal errors are not retried)", provider.calls)
	}
}

func TestRunStep_ChargesCreditsFromCatalogPricing(t *testing.T) {
	provider := &fakeProvider{name: "fake", text: "hi", inputToks: 1_000_000, outputToks: 1_000_000}
	tmpl := testTemplate()
	executor := NewStepExecutor(provider, NewToolRegistry(), RuntimeOptions{})
	state := NewState("a1", "", tmpl)

	if _, err := executor.RunStep(context.Background(), tmpl, state, nil); err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if state.Snapshot().CreditsUsed <= 0 {
		t.Fatalf("expected CreditsUsed to be priced from the model catalog, got %v", state.Snapshot().CreditsUsed)
	}
}

// TestRunStep_InsufficientCreditsHaltsStep mirrors spec.md S1: a
// BillingService that reports the identity cannot cover the step's cost
// must halt the step with a terminal error output instead of silently
// proceeding.
func TestRunStep_InsufficientCreditsHaltsStep(t *testing.T) {
	provider := &fakeProvider{name: "fake", text: "hi", inputToks: 1_000_000, outputToks: 1_000_000}
	tmpl := testTemplate()

	ledger := billing.NewService()
	ledger.GrantUser("user-1", billing.Account{CreditsGranted: 0})

	executor := NewStepExecutor(provider, NewToolRegistry(), RuntimeOptions{Billing: ledger})
	state := NewState("a1", "", tmpl)
	ctx := WithRequestContext(context.Background(), &RequestContext{UserID: "user-1"})

	_, err := executor.RunStep(ctx, tmpl, state, nil)
	if err == nil {
		t.Fatal("expected insufficient-credits error")
	}
	var insufficient *InsufficientCreditsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected *InsufficientCreditsError, got %T: %v", err, err)
	}
	if !state.Done() {
		t.Fatal("expected state.Finish to have been called")
	}
	if out := state.Snapshot().Output; out == nil || out.Type != "error" {
		t.Fatalf("expected a terminal error output, got %+v", out)
	}
}

// TestDispatchTools_RestrictedToolSuppressed mirrors spec.md S5: a tool
// call outside the template's allow-list never reaches the registry and
// produces an error result mentioning unavailability, not a crash or a
// silent drop.
func TestDispatchTools_RestrictedToolSuppressed(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&mockTool{
		name: "write_file",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			t.Fatal("write_file must not execute when restricted")
			return nil, nil
		},
	})
	executor := NewStepExecutor(&fakeProvider{name: "fake"}, registry, RuntimeOptions{})
	tmpl := testTemplate("end_turn")
	state := NewState("a1", "", tmpl)

	calls := []models.ToolCall{{ID: "c1", Name: "write_file", Input: json.RawMessage(`{}`)}}
	chunks := make(chan *ResponseChunk, 4)
	results, ended := executor.dispatchTools(context.Background(), tmpl, state, calls, chunks)
	close(chunks)

	if len(results) != 1 || !results[0].IsError {
		t.Fatalf("expected one error result, got %+v", results)
	}
	if ended {
		t.Fatal("a suppressed tool call must not end the step")
	}
	if got := results[0].Content; !strings.Contains(got, "not currently available") {
		t.Fatalf("result message %q does not mention unavailability", got)
	}
	if len(state.Snapshot().MessageHistory) != 0 {
		t.Fatalf("restricted tool call must not be appended to history, got %+v", state.Snapshot().MessageHistory)
	}
	var sawToolCallRequested, sawErrorChunk bool
	for c := range chunks {
		if c.ToolEvent != nil && c.ToolEvent.Stage == models.ToolEventRequested {
			sawToolCallRequested = true
		}
		if c.Error != nil {
			sawErrorChunk = true
		}
	}
	if sawToolCallRequested {
		t.Fatal("expected no tool_call (requested) chunk for a restricted tool")
	}
	if !sawErrorChunk {
		t.Fatal("expected an error chunk for the restricted tool call")
	}
}
