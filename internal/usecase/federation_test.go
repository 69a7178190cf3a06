package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
)

type federationFixture struct {
	service    *FederationService
	accounts   *fakeAccountRepository
	states     *fakeStateStore
	google     *fakeIdentityProvider
	linkedin   *fakeIdentityProvider
	dispatcher *fakeDispatcher
	audit      *fakeAuditLog
}

func newFederationFixture(t *testing.T) *federationFixture {
	t.Helper()
	accounts := newFakeAccountRepository()
	states := newFakeStateStore()
	dispatcher := &fakeDispatcher{}
	audit := &fakeAuditLog{}
	clock := newTestClock()

	google := &fakeIdentityProvider{
		provider: domain.ProviderGoogle,
		profile: &domain.ProviderProfile{
			Provider:      domain.ProviderGoogle,
			Subject:       "1043",
			Email:         "Grace@Example.com",
			EmailVerified: true,
			FirstName:     "Grace",
			LastName:      "Hopper",
			Picture:       "https://cdn.example.com/grace.png",
		},
	}
	linkedin := &fakeIdentityProvider{
		provider: domain.ProviderLinkedIn,
		profile: &domain.ProviderProfile{
			Provider:      domain.ProviderLinkedIn,
			Subject:       "li-77",
			Email:         "grace@example.com",
			EmailVerified: true,
			Name:          "Grace Brewster Hopper",
		},
	}

	service := NewFederationService(
		accounts,
		states,
		map[domain.Provider]port.IdentityProvider{
			domain.ProviderGoogle:   google,
			domain.ProviderLinkedIn: linkedin,
		},
		newTestIssuer(t, accounts, clock),
		dispatcher,
		audit,
		NotificationOptions{OpsRecipients: []string{"ops@example.com"}},
		0,
		nil,
	).WithClock(clock.Now)

	return &federationFixture{
		service:    service,
		accounts:   accounts,
		states:     states,
		google:     google,
		linkedin:   linkedin,
		dispatcher: dispatcher,
		audit:      audit,
	}
}

func (f *federationFixture) login(t *testing.T, provider domain.Provider, role string) (*AuthResult, error) {
	t.Helper()
	redirect, err := f.service.BeginLogin(context.Background(), provider, role)
	if err != nil {
		t.Fatalf("BeginLogin returned error: %v", err)
	}
	return f.service.CompleteLogin(context.Background(), FederationCallback{
		Provider: provider,
		State:    redirect.State,
		Code:     "auth-code",
	})
}

func TestFederationSignupPropagatesVendorRole(t *testing.T) {
	f := newFederationFixture(t)

	result, err := f.login(t, domain.ProviderGoogle, "vendor")
	if err != nil {
		t.Fatalf("CompleteLogin returned error: %v", err)
	}

	if !result.Created || result.Token == "" {
		t.Fatalf("expected a created account with token, got %+v", result)
	}
	account := result.Account
	if account.Role != domain.RoleVendor || account.Status != domain.AccountStatusPending {
		t.Fatalf("unexpected role/status %s/%s", account.Role, account.Status)
	}
	if account.Provider != domain.ProviderGoogle || account.Email != "grace@example.com" {
		t.Fatalf("unexpected provider/email %s/%s", account.Provider, account.Email)
	}
	stored, _ := f.accounts.get(account.ID)
	if stored.HasPassword() {
		t.Fatalf("federated account must not carry a password hash")
	}
	if stored.AvatarURL != "https://cdn.example.com/grace.png" {
		t.Fatalf("expected avatar stored, got %q", stored.AvatarURL)
	}

	if got := len(f.dispatcher.emailsOfKind(domain.EmailVendorWelcome)); got != 1 {
		t.Fatalf("expected vendor welcome email, got %d", got)
	}
	alerts := f.dispatcher.emailsOfKind(domain.EmailNewAccountAlert)
	if len(alerts) != 1 || alerts[0].Recipient != "ops@example.com" {
		t.Fatalf("expected ops new-account alert, got %+v", alerts)
	}
	if actions := f.audit.actions(); len(actions) != 1 || actions[0] != domain.AuditFederationSignup {
		t.Fatalf("unexpected audit trail %v", actions)
	}
	if len(f.states.slots) != 0 {
		t.Fatalf("expected the role slot to be cleared")
	}
}

func TestFederationSignupDefaultsToStandardRole(t *testing.T) {
	f := newFederationFixture(t)

	result, err := f.login(t, domain.ProviderLinkedIn, "")
	if err != nil {
		t.Fatalf("CompleteLogin returned error: %v", err)
	}

	if result.Account.Role != domain.RoleStandard || result.Account.Status != domain.AccountStatusApproved {
		t.Fatalf("unexpected role/status %s/%s", result.Account.Role, result.Account.Status)
	}
	if result.Account.FirstName != "Grace" || result.Account.LastName != "Brewster Hopper" {
		t.Fatalf("expected names split from display name, got %q %q", result.Account.FirstName, result.Account.LastName)
	}
	if got := len(f.dispatcher.emailsOfKind(domain.EmailWelcome)); got != 1 {
		t.Fatalf("expected welcome email, got %d", got)
	}
}

func TestBeginLoginRejectsUnknownRole(t *testing.T) {
	f := newFederationFixture(t)

	_, err := f.service.BeginLogin(context.Background(), domain.ProviderGoogle, "admin")
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Fields["role"] == "" {
		t.Fatalf("expected role ValidationError, got %v", err)
	}
	if len(f.states.slots) != 0 {
		t.Fatalf("expected no slot stored for a rejected role")
	}
}

func TestBeginLoginStoresSlotPerAttempt(t *testing.T) {
	f := newFederationFixture(t)
	ctx := context.Background()

	first, err := f.service.BeginLogin(ctx, domain.ProviderGoogle, "vendor")
	if err != nil {
		t.Fatalf("BeginLogin returned error: %v", err)
	}
	second, err := f.service.BeginLogin(ctx, domain.ProviderGoogle, "standard")
	if err != nil {
		t.Fatalf("BeginLogin returned error: %v", err)
	}

	if first.State == second.State {
		t.Fatalf("expected distinct states per attempt")
	}
	if f.states.slots[first.State].Role != domain.RoleVendor || f.states.slots[second.State].Role != domain.RoleStandard {
		t.Fatalf("expected per-attempt roles, got %+v", f.states.slots)
	}
	if f.google.lastVerifier == "" || f.google.lastPurpose != domain.FederationPurposeLogin {
		t.Fatalf("expected PKCE verifier and login purpose passed to provider")
	}
}

func TestFederationLoginMatchesExistingAccountWithoutChangingRole(t *testing.T) {
	f := newFederationFixture(t)
	f.accounts.seed(domain.Account{
		ID:       "acc-1",
		Email:    "grace@example.com",
		Slug:     "grace-hopper",
		Provider: domain.ProviderNone,
		Role:     domain.RoleStandard,
		Status:   domain.AccountStatusApproved,
	})

	result, err := f.login(t, domain.ProviderGoogle, "vendor")
	if err != nil {
		t.Fatalf("CompleteLogin returned error: %v", err)
	}

	if result.Created || result.Account.ID != "acc-1" {
		t.Fatalf("expected the existing account, got %+v", result)
	}
	stored, _ := f.accounts.get("acc-1")
	if stored.Role != domain.RoleStandard || stored.Provider != domain.ProviderNone {
		t.Fatalf("federation login must not mutate role or provider, got %s/%s", stored.Role, stored.Provider)
	}
	if stored.AccessToken != result.Token {
		t.Fatalf("expected issued token persisted")
	}
	if len(f.dispatcher.emails) != 0 {
		t.Fatalf("expected no dispatch on a returning login, got %+v", f.dispatcher.emails)
	}
	if actions := f.audit.actions(); len(actions) != 1 || actions[0] != domain.AuditFederationLogin {
		t.Fatalf("unexpected audit trail %v", actions)
	}

	again, err := f.login(t, domain.ProviderGoogle, "")
	if err != nil {
		t.Fatalf("CompleteLogin returned error: %v", err)
	}
	if again.Token != result.Token || again.Rotated {
		t.Fatalf("expected the fresh token to be reused")
	}
}

func TestFederationLoginRejectsBlockedAccount(t *testing.T) {
	f := newFederationFixture(t)
	f.accounts.seed(domain.Account{
		ID:       "acc-blocked",
		Email:    "grace@example.com",
		Slug:     "grace-hopper",
		Provider: domain.ProviderGoogle,
		Role:     domain.RoleStandard,
		Status:   domain.AccountStatusBlocked,
	})

	result, err := f.login(t, domain.ProviderGoogle, "")
	if !errors.Is(err, ErrBlockedAccount) {
		t.Fatalf("expected ErrBlockedAccount, got %v", err)
	}
	if result != nil {
		t.Fatalf("expected no result for a blocked account")
	}
	if f.accounts.updateAccessTokenCalls != 0 {
		t.Fatalf("expected no token issued, got %d writes", f.accounts.updateAccessTokenCalls)
	}
	if stored, _ := f.accounts.get("acc-blocked"); stored.AccessToken != "" {
		t.Fatalf("expected no token stored")
	}
}

func TestFederationSignupSurvivesOpsAlertFailure(t *testing.T) {
	f := newFederationFixture(t)
	f.dispatcher.failEmail(domain.EmailNewAccountAlert, errors.New("ops mailbox full"))

	result, err := f.login(t, domain.ProviderGoogle, "")
	if err != nil {
		t.Fatalf("expected login to succeed despite ops alert failure, got %v", err)
	}
	if !result.Created {
		t.Fatalf("expected created account")
	}
}

func TestFederationSignupFailsWhenWelcomeEmailFails(t *testing.T) {
	f := newFederationFixture(t)
	f.dispatcher.failEmail(domain.EmailWelcome, errors.New("smtp unavailable"))

	_, err := f.login(t, domain.ProviderGoogle, "")
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
}

func TestFederationCallbackStateChecks(t *testing.T) {
	f := newFederationFixture(t)
	ctx := context.Background()

	if _, err := f.service.CompleteLogin(ctx, FederationCallback{Provider: domain.ProviderGoogle, State: "unknown", Code: "c"}); !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected ErrInvalidOrExpiredToken for unknown state, got %v", err)
	}

	redirect, err := f.service.BeginLogin(ctx, domain.ProviderGoogle, "")
	if err != nil {
		t.Fatalf("BeginLogin returned error: %v", err)
	}
	_, err = f.service.CompleteLogin(ctx, FederationCallback{Provider: domain.ProviderLinkedIn, State: redirect.State, Code: "c"})
	if !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected provider mismatch to be rejected, got %v", err)
	}
	_, err = f.service.CompleteLogin(ctx, FederationCallback{Provider: domain.ProviderGoogle, State: redirect.State, Code: "c"})
	if !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected a consumed state to be rejected, got %v", err)
	}
	if f.google.fetchCalls != 0 || f.linkedin.fetchCalls != 0 {
		t.Fatalf("expected no provider call for rejected states")
	}
}

func TestFederationProviderFailures(t *testing.T) {
	f := newFederationFixture(t)
	ctx := context.Background()

	redirect, _ := f.service.BeginLogin(ctx, domain.ProviderGoogle, "")
	_, err := f.service.CompleteLogin(ctx, FederationCallback{Provider: domain.ProviderGoogle, State: redirect.State, Error: "access_denied"})
	if !errors.Is(err, ErrUpstreamProvider) {
		t.Fatalf("expected ErrUpstreamProvider for denied consent, got %v", err)
	}

	f.google.err = errors.New("token endpoint returned 400")
	_, err = f.login(t, domain.ProviderGoogle, "")
	var upstream *UpstreamProviderError
	if !errors.As(err, &upstream) || upstream.Provider != domain.ProviderGoogle {
		t.Fatalf("expected UpstreamProviderError, got %v", err)
	}

	f.google.err = nil
	f.google.profile.EmailVerified = false
	_, err = f.login(t, domain.ProviderGoogle, "")
	if !errors.Is(err, ErrUpstreamProvider) {
		t.Fatalf("expected unverified email to be rejected, got %v", err)
	}
	if f.accounts.count() != 0 {
		t.Fatalf("expected no account created on provider failure")
	}
}

func TestFederationRejectsUnconfiguredProvider(t *testing.T) {
	f := newFederationFixture(t)
	delete(f.service.providers, domain.ProviderLinkedIn)

	_, err := f.service.BeginLogin(context.Background(), domain.ProviderLinkedIn, "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestIdentityVerificationNeverTouchesAccounts(t *testing.T) {
	f := newFederationFixture(t)
	ctx := context.Background()

	redirect, err := f.service.BeginVerification(ctx, domain.ProviderLinkedIn)
	if err != nil {
		t.Fatalf("BeginVerification returned error: %v", err)
	}
	if f.linkedin.lastPurpose != domain.FederationPurposeVerify {
		t.Fatalf("expected verify purpose, got %s", f.linkedin.lastPurpose)
	}

	profile, err := f.service.CompleteVerification(ctx, FederationCallback{Provider: domain.ProviderLinkedIn, State: redirect.State, Code: "c"})
	if err != nil {
		t.Fatalf("CompleteVerification returned error: %v", err)
	}
	if profile.Subject != "li-77" || profile.Email != "grace@example.com" {
		t.Fatalf("unexpected profile %+v", profile)
	}

	if f.accounts.getByEmailCalls != 0 || f.accounts.createCalls != 0 || f.accounts.updateAccessTokenCalls != 0 {
		t.Fatalf("verification flow touched accounts")
	}
	if len(f.dispatcher.emails) != 0 || len(f.audit.actions()) != 0 {
		t.Fatalf("verification flow dispatched side effects")
	}
}

func TestLoginStateCannotCompleteVerification(t *testing.T) {
	f := newFederationFixture(t)
	ctx := context.Background()

	redirect, err := f.service.BeginLogin(ctx, domain.ProviderGoogle, "")
	if err != nil {
		t.Fatalf("BeginLogin returned error: %v", err)
	}
	_, err = f.service.CompleteVerification(ctx, FederationCallback{Provider: domain.ProviderGoogle, State: redirect.State, Code: "c"})
	if !errors.Is(err, ErrInvalidOrExpiredToken) {
		t.Fatalf("expected purpose mismatch to be rejected, got %v", err)
	}
}
