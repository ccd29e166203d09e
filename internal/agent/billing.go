package agent

import "context"

// UsageBalance reports one identity's (user or organization) credit
// position after a quota/coverage check, per spec.md §4.5 stages 2-3.
type UsageBalance struct {
	CreditsUsed    float64
	CreditsGranted float64
	TotalRemaining float64
	TotalDebt      float64
	OrgName        string
}

// UserRecord is the subset of a billed user's account state the gating
// chain and step executor need.
type UserRecord struct {
	ID               string
	NextQuotaReset   int64 // unix seconds; 0 means no reset scheduled
	AutoTopupEnabled bool
	StripeCustomerID string
}

// BillingService is the external collaborator for credit accounting (C3
// step 6) and request gating (C5 stages 2-3). Implementations talk to
// whatever ledger/billing backend the deployment uses; internal/billing
// provides an in-memory reference implementation for tests and small
// deployments.
type BillingService interface {
	// ConsumeCredits debits amount from identity (a userID or orgID) and
	// reports *InsufficientCreditsError if the identity cannot cover it.
	ConsumeCredits(ctx context.Context, identity string, amount float64) error

	// CalculateUsageAndBalance returns userID's current-cycle usage and
	// remaining balance.
	CalculateUsageAndBalance(ctx context.Context, userID string) (UsageBalance, error)

	// CalculateOrganizationUsageAndBalance returns orgID's usage and
	// remaining balance, including the org's display name for error
	// messages (spec.md S2).
	CalculateOrganizationUsageAndBalance(ctx context.Context, orgID string) (UsageBalance, error)

	// TriggerMonthlyResetAndGrant resets userID's usage counters and
	// grants its plan's monthly credits if NextQuotaReset has passed. A
	// no-op otherwise.
	TriggerMonthlyResetAndGrant(ctx context.Context, userID string) error

	// CheckAndTriggerAutoTopup charges userID's configured payment method
	// for additional credits if its balance is low and auto top-up is
	// enabled. Failures are non-fatal to the request; callers log and
	// continue. Returns the amount added, if any.
	CheckAndTriggerAutoTopup(ctx context.Context, userID string) (added float64, err error)

	// CheckAndTriggerOrgAutoTopup is CheckAndTriggerAutoTopup's
	// organization-scoped counterpart.
	CheckAndTriggerOrgAutoTopup(ctx context.Context, orgID string) (added float64, err error)

	// FindOrganizationForRepository resolves owner/repo to the
	// organization that has claimed coverage for it, or ok=false if none
	// has.
	FindOrganizationForRepository(ctx context.Context, owner, repo string) (orgID string, ok bool, err error)
}

// RepoURLParser parses a repoUrl (spec.md §4.5 stage 2) into an
// owner/repo pair. Kept separate from BillingService so a deployment can
// recognize whichever host/URL shapes its organizations use; see
// internal/billing for a github.com-oriented reference implementation.
type RepoURLParser interface {
	ExtractOwnerAndRepo(repoURL string) (owner, repo string, err error)
}
