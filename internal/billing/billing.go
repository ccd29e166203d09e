// Package billing provides an in-memory reference implementation of
// agent.BillingService. It is grounded on internal/sessions.MemoryStore's
// mutex-guarded map pattern: every account lives behind one mutex, methods
// take a deep-enough copy to report, and nothing survives a process
// restart. Real deployments swap this for a ledger-backed implementation
// behind the same interface.
package billing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/agent"
)

// Account is one billed identity's (user or organization) credit state.
type Account struct {
	Name             string
	CreditsGranted   float64
	CreditsUsed      float64
	NextQuotaReset   int64
	AutoTopupEnabled bool
	MonthlyGrant     float64
	AutoTopupAmount  float64
}

func (a Account) remaining() float64 {
	return a.CreditsGranted - a.CreditsUsed
}

func (a Account) debt() float64 {
	if r := a.remaining(); r < 0 {
		return -r
	}
	return 0
}

// Service is a process-local ledger keyed by userID/orgID. It satisfies
// agent.BillingService and agent.RepoURLParser.
type Service struct {
	mu      sync.Mutex
	users   map[string]*Account
	orgs    map[string]*Account
	repoOrg map[string]string // "owner/repo" -> orgID
}

// NewService builds an empty ledger.
func NewService() *Service {
	return &Service{
		users:   make(map[string]*Account),
		orgs:    make(map[string]*Account),
		repoOrg: make(map[string]string),
	}
}

// GrantUser seeds or replaces userID's account. Test/setup helper.
func (s *Service) GrantUser(userID string, account Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := account
	s.users[userID] = &cp
}

// GrantOrg seeds or replaces orgID's account.
func (s *Service) GrantOrg(orgID string, account Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := account
	s.orgs[orgID] = &cp
}

// RegisterOrgRepo records that orgID has claimed coverage for owner/repo.
func (s *Service) RegisterOrgRepo(owner, repo, orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repoOrg[strings.ToLower(owner+"/"+repo)] = orgID
}

func accountBalance(a *Account) agent.UsageBalance {
	return agent.UsageBalance{
		CreditsUsed:    a.CreditsUsed,
		CreditsGranted: a.CreditsGranted,
		TotalRemaining: a.remaining(),
		TotalDebt:      a.debt(),
		OrgName:        a.Name,
	}
}

func (s *Service) account(store map[string]*Account, identity string) *Account {
	a, ok := store[identity]
	if !ok {
		a = &Account{Name: identity}
		store[identity] = a
	}
	return a
}

// ConsumeCredits debits amount from identity, checking users first and
// falling back to orgs (identities are namespaced by caller convention:
// step_executor.go passes RequestContext.UserID or .OrgID, never both for
// the same call).
func (s *Service) ConsumeCredits(ctx context.Context, identity string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	store := s.users
	if _, ok := s.users[identity]; !ok {
		if _, ok := s.orgs[identity]; ok {
			store = s.orgs
		}
	}
	a := s.account(store, identity)
	if a.remaining() < amount {
		return &agent.InsufficientCreditsError{Required: amount, TotalDebt: a.debt() + (amount - a.remaining())}
	}
	a.CreditsUsed += amount
	return nil
}

func (s *Service) CalculateUsageAndBalance(ctx context.Context, userID string) (agent.UsageBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return accountBalance(s.account(s.users, userID)), nil
}

func (s *Service) CalculateOrganizationUsageAndBalance(ctx context.Context, orgID string) (agent.UsageBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return accountBalance(s.account(s.orgs, orgID)), nil
}

// TriggerMonthlyResetAndGrant resets a user's usage and grants
// MonthlyGrant credits once NextQuotaReset has passed, advancing it by one
// month.
func (s *Service) TriggerMonthlyResetAndGrant(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account(s.users, userID)
	now := time.Now().Unix()
	if a.NextQuotaReset != 0 && a.NextQuotaReset > now {
		return nil
	}
	a.CreditsUsed = 0
	a.CreditsGranted = a.MonthlyGrant
	a.NextQuotaReset = time.Unix(now, 0).AddDate(0, 1, 0).Unix()
	return nil
}

func (s *Service) CheckAndTriggerAutoTopup(ctx context.Context, userID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account(s.users, userID)
	if !a.AutoTopupEnabled || a.remaining() > 0 || a.AutoTopupAmount <= 0 {
		return 0, nil
	}
	a.CreditsGranted += a.AutoTopupAmount
	return a.AutoTopupAmount, nil
}

func (s *Service) CheckAndTriggerOrgAutoTopup(ctx context.Context, orgID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := s.account(s.orgs, orgID)
	if !a.AutoTopupEnabled || a.remaining() > 0 || a.AutoTopupAmount <= 0 {
		return 0, nil
	}
	a.CreditsGranted += a.AutoTopupAmount
	return a.AutoTopupAmount, nil
}

func (s *Service) FindOrganizationForRepository(ctx context.Context, owner, repo string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	orgID, ok := s.repoOrg[strings.ToLower(owner+"/"+repo)]
	return orgID, ok, nil
}

// ExtractOwnerAndRepo parses github.com-style repo URLs
// ("https://github.com/owner/repo", "git@github.com:owner/repo.git",
// "owner/repo") into an owner/repo pair. Plain net/url + strings parsing
// is used here rather than a dependency: the grammar is three
// well-known shapes, not a general URL/VCS-remote problem worth pulling a
// library in for.
func (s *Service) ExtractOwnerAndRepo(repoURL string) (string, string, error) {
	repoURL = strings.TrimSpace(repoURL)
	repoURL = strings.TrimSuffix(repoURL, ".git")

	if strings.HasPrefix(repoURL, "git@") {
		parts := strings.SplitN(repoURL, ":", 2)
		if len(parts) == 2 {
			return splitOwnerRepo(parts[1])
		}
		return "", "", fmt.Errorf("invalid scp-style repo url %q", repoURL)
	}

	if u, err := url.Parse(repoURL); err == nil && u.Path != "" {
		return splitOwnerRepo(strings.TrimPrefix(u.Path, "/"))
	}
	return splitOwnerRepo(repoURL)
}

func splitOwnerRepo(path string) (string, string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("cannot extract owner/repo from %q", path)
	}
	return parts[0], parts[1], nil
}
