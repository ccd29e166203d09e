// gate.go implements the Request Gating Middleware (C5, spec.md §4.5): a
// chain of pre-handlers evaluated in order, each able to halt the request
// with a typed error ServerAction before C3/C4 ever runs a step. Grounded
// on the teacher's internal/auth/middleware.go interceptor shape
// (sequential checks, first failure wins) but re-targeted from gRPC
// unary/stream interceptors onto this package's websocket per-message
// pipeline - the interceptor pattern is kept, its transport binding is not.
package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/pkg/models"
)

// AuthResolver resolves a bearer token to a user. *internal/auth.Service
// satisfies this directly.
type AuthResolver interface {
	ValidateJWT(token string) (*models.User, error)
}

// Gate is the C5 middleware chain's shared collaborators. A nil field
// disables the stage(s) that need it: nil Auth skips authentication (every
// action proceeds as anonymous), nil Billing skips credit gating entirely.
type Gate struct {
	Auth      AuthResolver
	Billing   agent.BillingService
	RepoParser agent.RepoURLParser
}

// Evaluate runs the full chain for one inbound action. On success it
// returns the RequestContext to attach for the rest of the flow and, for
// non-silent prompt actions, the usage-response to emit first. A non-nil
// halt is the terminal ServerAction to send back to the client instead of
// invoking C3/C4 at all.
func (g *Gate) Evaluate(ctx context.Context, action *ClientAction, logger func(msg string, args ...any)) (rc *agent.RequestContext, halt *ServerAction, usageResp *ServerAction) {
	rc = &agent.RequestContext{}

	if halt = g.authStage(action, rc); halt != nil {
		return nil, halt, nil
	}
	if halt = g.repoOrgStage(ctx, action, rc, logger); halt != nil {
		return nil, halt, nil
	}
	balance, halt := g.userQuotaStage(ctx, action, rc, logger)
	if halt != nil {
		return nil, halt, nil
	}
	if action.Type == "prompt" && balance != nil {
		usageResp = &ServerAction{
			Type:           "usage-response",
			Usage:          usageSnapshotFrom(*balance),
			RemainingBalance: floatPtr(balance.TotalRemaining),
			NextQuotaReset: 0,
		}
	}
	return rc, nil, usageResp
}

// authStage implements spec.md §4.5 stage 1: a present authToken must
// resolve to a user, or the action halts.
func (g *Gate) authStage(action *ClientAction, rc *agent.RequestContext) *ServerAction {
	if action.AuthToken == "" || g.Auth == nil {
		return nil
	}
	user, err := g.Auth.ValidateJWT(action.AuthToken)
	if err != nil {
		return haltAction(action, "Auth error", "the supplied credentials could not be validated")
	}
	rc.UserID = user.ID
	rc.UserEmail = user.Email
	return nil
}

// repoOrgStage implements spec.md §4.5 stage 2: when the action names a
// repoUrl, resolve its covering organization (if any), trigger its
// auto-topup (non-fatal), and halt if the org's remaining balance is
// exhausted or negative.
func (g *Gate) repoOrgStage(ctx context.Context, action *ClientAction, rc *agent.RequestContext, logger func(msg string, args ...any)) *ServerAction {
	if action.RepoURL == "" || g.Billing == nil || g.RepoParser == nil {
		return nil
	}
	owner, repo, err := g.RepoParser.ExtractOwnerAndRepo(action.RepoURL)
	if err != nil {
		return nil // an unparseable repoUrl simply carries no org coverage
	}
	orgID, found, err := g.Billing.FindOrganizationForRepository(ctx, owner, repo)
	if err != nil || !found {
		return nil
	}
	rc.RepoOwner, rc.RepoName, rc.OrgID = owner, repo, orgID

	if _, err := g.Billing.CheckAndTriggerOrgAutoTopup(ctx, orgID); err != nil && logger != nil {
		logger("org auto-topup failed", "org_id", orgID, "error", err)
	}

	balance, err := g.Billing.CalculateOrganizationUsageAndBalance(ctx, orgID)
	if err != nil {
		return nil
	}
	if balance.TotalRemaining <= 0 {
		message := orgInsufficientMessage(balance)
		return haltAction(action, "Insufficient credits", message, floatPtr(balance.TotalRemaining))
	}
	return nil
}

// userQuotaStage implements spec.md §4.5 stage 3: reset/grant the user's
// monthly quota if due, trigger auto-topup (non-fatal), then halt if the
// user's own balance cannot cover the request.
func (g *Gate) userQuotaStage(ctx context.Context, action *ClientAction, rc *agent.RequestContext, logger func(msg string, args ...any)) (*agent.UsageBalance, *ServerAction) {
	if g.Billing == nil || rc.UserID == "" {
		return nil, nil
	}
	if err := g.Billing.TriggerMonthlyResetAndGrant(ctx, rc.UserID); err != nil && logger != nil {
		logger("monthly reset/grant failed", "user_id", rc.UserID, "error", err)
	}
	if _, err := g.Billing.CheckAndTriggerAutoTopup(ctx, rc.UserID); err != nil && logger != nil {
		logger("user auto-topup failed", "user_id", rc.UserID, "error", err)
	}

	balance, err := g.Billing.CalculateUsageAndBalance(ctx, rc.UserID)
	if err != nil {
		return nil, nil
	}
	if balance.TotalRemaining <= 0 {
		message := userInsufficientMessage(balance)
		return &balance, haltAction(action, "Insufficient credits", message, floatPtr(balance.TotalRemaining))
	}
	return &balance, nil
}

// haltAction builds the typed error ServerAction for a halted chain: a
// prompt action halts with prompt-error (carrying userInputId), any other
// action halts with action-error, per spec.md §4.5 stage 2's note.
func haltAction(action *ClientAction, errorCode, message string, remainingBalance ...*float64) *ServerAction {
	var balance *float64
	if len(remainingBalance) > 0 {
		balance = remainingBalance[0]
	}
	if action.Type == "prompt" {
		return &ServerAction{Type: "prompt-error", UserInputID: action.PromptID, Error: errorCode, Message: message, RemainingBalance: balance}
	}
	return &ServerAction{Type: "action-error", Error: errorCode, Message: message, RemainingBalance: balance}
}

// userInsufficientMessage distinguishes a zero balance from a debt-carrying
// one, per spec.md §4.5 stage 3 (required substring for S1: "do not have
// enough credits").
func userInsufficientMessage(b agent.UsageBalance) string {
	if b.TotalDebt > 0 {
		return fmt.Sprintf("Your account has a balance of negative %s credits. Please add credits to your account and try again.", formatCredits(b.TotalDebt))
	}
	return "You do not have enough credits to make this request. Please add credits to your account and try again."
}

// orgInsufficientMessage matches spec.md S2's exact wording for an
// org-covered repo whose balance has gone negative.
func orgInsufficientMessage(b agent.UsageBalance) string {
	if b.TotalDebt > 0 {
		return fmt.Sprintf("The organization '%s' has a balance of negative %s credits. Please contact your organization administrator.", b.OrgName, formatCredits(b.TotalDebt))
	}
	return fmt.Sprintf("The organization '%s' does not have enough credits to make this request. Please contact your organization administrator.", b.OrgName)
}

// formatCredits renders a credit amount the way spec.md S2 expects for
// integral debts ("42", not "42.00").
func formatCredits(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	s := strconv.FormatFloat(v, 'f', 2, 64)
	return strings.TrimRight(strings.TrimRight(s, "0"), ".")
}

func floatPtr(v float64) *float64 { return &v }
