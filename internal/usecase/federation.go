package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	uuid "github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/infra/logger"
	"github.com/xuthority/identity-service/internal/infra/security"
	"github.com/xuthority/identity-service/internal/repository"
)

const (
	defaultFederationStateTTL = 10 * time.Minute
	federationStateBytes      = 32
	codeVerifierBytes         = 32
)

// FederationRedirect describes where to send the browser to start a provider flow.
type FederationRedirect struct {
	Provider  domain.Provider
	State     string
	URL       string
	ExpiresAt time.Time
}

// FederationCallback carries the query parameters of a provider callback.
type FederationCallback struct {
	Provider domain.Provider
	State    string
	Code     string
	// Error is the provider's error parameter, set when the user denied consent.
	Error string
}

// FederationService brokers sign-in through external identity providers.
type FederationService struct {
	accounts  port.AccountRepository
	states    port.FederationStateStore
	providers map[domain.Provider]port.IdentityProvider
	tokens    *TokenIssuer
	slugs     *SlugGenerator
	effects   *sideEffects
	stateTTL  time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewFederationService constructs a FederationService. Providers missing from the map are
// treated as not configured.
func NewFederationService(
	accounts port.AccountRepository,
	states port.FederationStateStore,
	providers map[domain.Provider]port.IdentityProvider,
	tokens *TokenIssuer,
	dispatcher port.Dispatcher,
	audit port.AuditLog,
	opts NotificationOptions,
	stateTTL time.Duration,
	log *zap.Logger,
) *FederationService {
	if log == nil {
		log = zap.NewNop()
	}
	if stateTTL <= 0 {
		stateTTL = defaultFederationStateTTL
	}
	if providers == nil {
		providers = map[domain.Provider]port.IdentityProvider{}
	}
	return &FederationService{
		accounts:  accounts,
		states:    states,
		providers: providers,
		tokens:    tokens,
		slugs:     NewSlugGenerator(accounts),
		effects:   newSideEffects(dispatcher, audit, opts, log),
		stateTTL:  stateTTL,
		logger:    log,
		now:       time.Now,
	}
}

// WithClock overrides the clock used for timestamps.
func (s *FederationService) WithClock(now func() time.Time) *FederationService {
	if now != nil {
		s.now = now
	}
	return s
}

// StateTTL returns the lifetime of a redirect slot.
func (s *FederationService) StateTTL() time.Duration {
	return s.stateTTL
}

// BeginLogin captures the intended role under a fresh state and returns the provider URL.
// An empty role means standard.
func (s *FederationService) BeginLogin(ctx context.Context, provider domain.Provider, rawRole string) (*FederationRedirect, error) {
	role, ok := domain.ParseAccountRole(rawRole)
	if !ok {
		return nil, NewValidationError("role", FieldMessage("oneof", "standard vendor"))
	}
	return s.begin(ctx, provider, domain.FederationPurposeLogin, role)
}

// BeginVerification starts the identity-only flow.
func (s *FederationService) BeginVerification(ctx context.Context, provider domain.Provider) (*FederationRedirect, error) {
	return s.begin(ctx, provider, domain.FederationPurposeVerify, "")
}

func (s *FederationService) begin(ctx context.Context, provider domain.Provider, purpose domain.FederationPurpose, role domain.AccountRole) (*FederationRedirect, error) {
	idp, err := s.provider(provider)
	if err != nil {
		return nil, err
	}

	state, err := security.GenerateSecureToken(federationStateBytes)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}
	verifier, err := security.GenerateSecureToken(codeVerifierBytes)
	if err != nil {
		return nil, fmt.Errorf("generate code verifier: %w", err)
	}

	now := s.now().UTC()
	slot := domain.FederationState{
		State:        state,
		Provider:     provider,
		Purpose:      purpose,
		Role:         role,
		CodeVerifier: verifier,
		CreatedAt:    now,
	}
	if err := s.states.Put(ctx, slot, s.stateTTL); err != nil {
		return nil, fmt.Errorf("store federation state: %w", err)
	}

	return &FederationRedirect{
		Provider:  provider,
		State:     state,
		URL:       idp.AuthCodeURL(state, verifier, purpose),
		ExpiresAt: now.Add(s.stateTTL),
	}, nil
}

// CompleteLogin finishes the login flow: it consumes the redirect slot, fetches the provider
// profile and signs in the matching account or creates one with the captured role.
func (s *FederationService) CompleteLogin(ctx context.Context, callback FederationCallback) (*AuthResult, error) {
	idp, slot, err := s.consume(ctx, callback, domain.FederationPurposeLogin)
	if err != nil {
		return nil, err
	}

	profile, err := s.fetchProfile(ctx, idp, callback, slot)
	if err != nil {
		return nil, err
	}
	if !profile.EmailVerified || strings.TrimSpace(profile.Email) == "" {
		return nil, &UpstreamProviderError{
			Provider: callback.Provider,
			Op:       "profile",
			Err:      errors.New("provider did not return a verified email"),
		}
	}
	email := domain.NormalizeEmail(profile.Email)

	account, err := s.accounts.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return s.signIn(ctx, account, callback.Provider)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	return s.signUp(ctx, profile, email, slot.Role)
}

// CompleteVerification finishes the identity-only flow and returns the provider profile.
// It never reads or writes accounts.
func (s *FederationService) CompleteVerification(ctx context.Context, callback FederationCallback) (*domain.ProviderProfile, error) {
	idp, slot, err := s.consume(ctx, callback, domain.FederationPurposeVerify)
	if err != nil {
		return nil, err
	}

	profile, err := s.fetchProfile(ctx, idp, callback, slot)
	if err != nil {
		return nil, err
	}

	s.logger.Info("provider identity verified",
		zap.String("provider", string(callback.Provider)),
		zap.String("email", logger.MaskEmail(profile.Email)),
	)
	return profile, nil
}

func (s *FederationService) signIn(ctx context.Context, account *domain.Account, provider domain.Provider) (*AuthResult, error) {
	if account.IsBlocked() {
		s.logger.Info("federation login rejected",
			zap.String("account_id", account.ID),
			zap.String("provider", string(provider)),
			zap.String("reason", "blocked"),
		)
		return nil, ErrBlockedAccount
	}

	token, rotated, err := s.tokens.Establish(ctx, account)
	if err != nil {
		return nil, err
	}

	s.effects.record(ctx, domain.AuditFederationLogin, account.ID, provider, s.now(), map[string]any{
		"token_rotated": rotated,
	})

	return &AuthResult{Account: account.Sanitized(), Token: token, Created: false, Rotated: rotated}, nil
}

func (s *FederationService) signUp(ctx context.Context, profile *domain.ProviderProfile, email string, role domain.AccountRole) (*AuthResult, error) {
	if role == "" {
		role = domain.RoleStandard
	}

	firstName, lastName := profileNames(profile)
	now := s.now().UTC()
	account := &domain.Account{
		ID:        uuid.NewString(),
		Email:     email,
		FirstName: firstName,
		LastName:  lastName,
		AvatarURL: profile.Picture,
		Provider:  profile.Provider,
		Role:      role,
		Status:    domain.DefaultStatusFor(role),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := createAccount(ctx, s.accounts, s.slugs, account); err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			// A concurrent callback for the same email created the account first.
			existing, lookupErr := s.accounts.GetByEmail(ctx, email)
			if lookupErr != nil {
				return nil, fmt.Errorf("lookup account: %w", lookupErr)
			}
			return s.signIn(ctx, existing, profile.Provider)
		}
		return nil, err
	}

	token, _, err := s.tokens.Establish(ctx, account)
	if err != nil {
		return nil, err
	}

	kind := domain.EmailWelcome
	if role == domain.RoleVendor {
		kind = domain.EmailVendorWelcome
	}
	data := accountMessageData(*account)
	data["provider"] = string(account.Provider)
	if err := s.effects.requireEmail(ctx, kind, account.Email, data); err != nil {
		return nil, err
	}
	s.effects.notify(ctx, domain.NotificationWelcome, account.ID, accountMessageData(*account))
	s.effects.alertOps(ctx, domain.EmailNewAccountAlert, data)
	s.effects.record(ctx, domain.AuditFederationSignup, account.ID, account.Provider, now, map[string]any{
		"role": string(role),
	})

	s.logger.Info("account created through federation",
		zap.String("account_id", account.ID),
		zap.String("provider", string(account.Provider)),
		zap.String("role", string(role)),
	)

	return &AuthResult{Account: account.Sanitized(), Token: token, Created: true, Rotated: true}, nil
}

func (s *FederationService) provider(provider domain.Provider) (port.IdentityProvider, error) {
	idp, ok := s.providers[provider]
	if !ok || idp == nil {
		return nil, NewValidationError("provider", "provider is not supported")
	}
	return idp, nil
}

// consume clears the redirect slot before anything else so a state is never usable twice.
func (s *FederationService) consume(ctx context.Context, callback FederationCallback, purpose domain.FederationPurpose) (port.IdentityProvider, *domain.FederationState, error) {
	idp, err := s.provider(callback.Provider)
	if err != nil {
		return nil, nil, err
	}

	if strings.TrimSpace(callback.State) == "" {
		return nil, nil, ErrInvalidOrExpiredToken
	}

	slot, err := s.states.Take(ctx, callback.State)
	if err != nil {
		return nil, nil, fmt.Errorf("load federation state: %w", err)
	}
	if slot == nil || slot.Provider != callback.Provider || slot.Purpose != purpose {
		return nil, nil, ErrInvalidOrExpiredToken
	}

	if callback.Error != "" {
		return nil, nil, &UpstreamProviderError{
			Provider: callback.Provider,
			Op:       "authorize",
			Err:      fmt.Errorf("provider returned %q", callback.Error),
		}
	}
	if strings.TrimSpace(callback.Code) == "" {
		return nil, nil, NewValidationError("code", "is required")
	}

	return idp, slot, nil
}

func (s *FederationService) fetchProfile(ctx context.Context, idp port.IdentityProvider, callback FederationCallback, slot *domain.FederationState) (*domain.ProviderProfile, error) {
	profile, err := idp.FetchProfile(ctx, callback.Code, slot.CodeVerifier, slot.Purpose)
	if err != nil {
		var upstream *UpstreamProviderError
		if errors.As(err, &upstream) {
			return nil, err
		}
		return nil, &UpstreamProviderError{Provider: callback.Provider, Op: "fetch profile", Err: err}
	}
	if profile == nil {
		return nil, &UpstreamProviderError{Provider: callback.Provider, Op: "fetch profile", Err: errors.New("empty profile")}
	}
	if profile.Provider == "" {
		profile.Provider = callback.Provider
	}
	return profile, nil
}

func profileNames(profile *domain.ProviderProfile) (string, string) {
	first := strings.TrimSpace(profile.FirstName)
	last := strings.TrimSpace(profile.LastName)
	if first != "" || last != "" {
		return first, last
	}
	name := strings.TrimSpace(profile.Name)
	if name == "" {
		return "", ""
	}
	first, last, _ = strings.Cut(name, " ")
	return first, strings.TrimSpace(last)
}
