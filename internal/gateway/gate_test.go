package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/internal/billing"
	"github.com/haasonsaas/nexus/pkg/models"
)

type fakeAuth struct {
	user *models.User
	err  error
}

func (f *fakeAuth) ValidateJWT(token string) (*models.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

// TestGate_InsufficientUserCredits mirrors spec.md S1: a user with a
// zero balance halts the prompt with a prompt-error naming the exact
// required substrings, before any response-chunk would ever be sent.
func TestGate_InsufficientUserCredits(t *testing.T) {
	ledger := billing.NewService()
	ledger.GrantUser("user-1", billing.Account{CreditsGranted: 0})

	gate := &Gate{
		Auth:    &fakeAuth{user: &models.User{ID: "user-1"}},
		Billing: ledger,
	}

	action := &ClientAction{Type: "prompt", AuthToken: "t", PromptID: "p1", Prompt: "hi", CostMode: "normal"}
	_, halt, usageResp := gate.Evaluate(context.Background(), action, nil)

	if halt == nil {
		t.Fatal("expected the chain to halt")
	}
	if halt.Type != "prompt-error" {
		t.Fatalf("type = %q, want prompt-error", halt.Type)
	}
	if halt.UserInputID != "p1" {
		t.Fatalf("userInputId = %q, want p1", halt.UserInputID)
	}
	if halt.Error != "Insufficient credits" {
		t.Fatalf("error = %q, want %q", halt.Error, "Insufficient credits")
	}
	if want := "do not have enough credits"; !strings.Contains(halt.Message, want) {
		t.Fatalf("message %q does not contain %q", halt.Message, want)
	}
	if usageResp != nil {
		t.Fatal("expected no usage-response to be emitted on halt")
	}
}

// TestGate_OrgBalanceNegativeUsesOrgMessage mirrors spec.md S2: a repoUrl
// covered by an organization whose balance has gone negative halts with
// the organization-specific message, verbatim.
func TestGate_OrgBalanceNegativeUsesOrgMessage(t *testing.T) {
	ledger := billing.NewService()
	ledger.GrantUser("user-1", billing.Account{CreditsGranted: 1000})
	ledger.GrantOrg("org1", billing.Account{Name: "Acme", CreditsGranted: 0, CreditsUsed: 42})
	ledger.RegisterOrgRepo("acme", "widgets", "org1")

	gate := &Gate{
		Auth:       &fakeAuth{user: &models.User{ID: "user-1"}},
		Billing:    ledger,
		RepoParser: ledger,
	}

	action := &ClientAction{
		Type: "prompt", AuthToken: "t", PromptID: "p1", Prompt: "hi",
		CostMode: "normal", RepoURL: "https://github.com/acme/widgets",
	}
	_, halt, _ := gate.Evaluate(context.Background(), action, nil)

	if halt == nil {
		t.Fatal("expected the chain to halt")
	}
	const want = "The organization 'Acme' has a balance of negative 42 credits. Please contact your organization administrator."
	if halt.Message != want {
		t.Fatalf("message = %q, want %q", halt.Message, want)
	}
	if halt.RemainingBalance == nil || *halt.RemainingBalance != -42 {
		t.Fatalf("remainingBalance = %v, want -42", halt.RemainingBalance)
	}
}
