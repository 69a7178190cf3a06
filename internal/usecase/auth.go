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
	"github.com/xuthority/identity-service/internal/repository"
)

// RegisterInput carries the payload of a standard account registration.
type RegisterInput struct {
	FirstName         string `json:"firstName" validate:"required,max=100"`
	LastName          string `json:"lastName" validate:"required,max=100"`
	Email             string `json:"email" validate:"required,email,max=254"`
	Password          string `json:"password" validate:"required"`
	AcceptedTerms     bool   `json:"acceptedTerms"`
	AcceptedMarketing bool   `json:"acceptedMarketing"`
}

// VendorRegisterInput extends RegisterInput with company details.
type VendorRegisterInput struct {
	RegisterInput
	CompanyName  string `json:"companyName" validate:"required,max=200"`
	CompanyEmail string `json:"companyEmail" validate:"omitempty,email,max=254"`
	Industry     string `json:"industry" validate:"max=100"`
	CompanySize  string `json:"companySize" validate:"max=50"`
}

// AuthResult is returned by every flow that establishes a session.
type AuthResult struct {
	Account domain.Account
	Token   string
	// Created is false when an existing account was reused.
	Created bool
	// Rotated is true when a new token was issued instead of reusing the stored one.
	Rotated bool
}

// AuthService registers accounts and authenticates them with a password.
type AuthService struct {
	accounts port.AccountRepository
	hasher   port.PasswordHasher
	policy   port.PasswordPolicyValidator
	tokens   *TokenIssuer
	slugs    *SlugGenerator
	effects  *sideEffects
	logger   *zap.Logger
	now      func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(
	accounts port.AccountRepository,
	hasher port.PasswordHasher,
	policy port.PasswordPolicyValidator,
	tokens *TokenIssuer,
	dispatcher port.Dispatcher,
	audit port.AuditLog,
	opts NotificationOptions,
	log *zap.Logger,
) *AuthService {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuthService{
		accounts: accounts,
		hasher:   hasher,
		policy:   policy,
		tokens:   tokens,
		slugs:    NewSlugGenerator(accounts),
		effects:  newSideEffects(dispatcher, audit, opts, log),
		logger:   log,
		now:      time.Now,
	}
}

// WithClock overrides the clock used for timestamps.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	if now != nil {
		s.now = now
	}
	return s
}

// Register creates a standard account. The welcome email is part of the contract: when it
// cannot be dispatched the call fails even though the account was stored.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*AuthResult, error) {
	input.Email = domain.NormalizeEmail(input.Email)
	input.FirstName = strings.TrimSpace(input.FirstName)
	input.LastName = strings.TrimSpace(input.LastName)

	if err := s.validateRegistration(input).OrNil(); err != nil {
		return nil, err
	}

	if _, err := s.accounts.GetByEmail(ctx, input.Email); err == nil {
		return nil, ErrDuplicateAccount
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	account, err := s.newPasswordAccount(input, domain.RoleStandard)
	if err != nil {
		return nil, err
	}

	result, err := s.createAndEstablish(ctx, account)
	if err != nil {
		return nil, err
	}

	data := accountMessageData(result.Account)
	data["loginUrl"] = s.effects.link("/login")
	if err := s.effects.requireEmail(ctx, domain.EmailWelcome, result.Account.Email, data); err != nil {
		return nil, err
	}
	s.effects.notify(ctx, domain.NotificationWelcome, result.Account.ID, accountMessageData(result.Account))
	s.effects.record(ctx, domain.AuditRegister, result.Account.ID, domain.ProviderNone, s.now(), nil)

	s.logger.Info("account registered",
		zap.String("account_id", result.Account.ID),
		zap.String("email", logger.MaskEmail(result.Account.Email)),
	)

	return result, nil
}

// RegisterVendor creates a vendor account pending approval. Re-submitting an existing email
// with the matching password is idempotent: the stored session is returned, Created is false
// and no welcome email is sent.
//
// A replay whose password does not match returns ErrDuplicateAccount rather than a token, so
// the endpoint cannot be used to sign in to someone else's account. A blocked account returns
// ErrBlockedAccount. Both differ from a plain replay, which always succeeds.
func (s *AuthService) RegisterVendor(ctx context.Context, input VendorRegisterInput) (*AuthResult, error) {
	input.Email = domain.NormalizeEmail(input.Email)
	input.CompanyEmail = domain.NormalizeEmail(input.CompanyEmail)
	input.FirstName = strings.TrimSpace(input.FirstName)
	input.LastName = strings.TrimSpace(input.LastName)
	input.CompanyName = strings.TrimSpace(input.CompanyName)

	verr := validateInput(input)
	if !input.AcceptedTerms {
		verr.Add("acceptedTerms", "must be accepted")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	existing, err := s.accounts.GetByEmail(ctx, input.Email)
	switch {
	case err == nil:
		return s.reuseVendor(ctx, existing, input.Password)
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	if err := s.validatePassword(input.Password, input.RegisterInput).OrNil(); err != nil {
		return nil, err
	}

	account, err := s.newPasswordAccount(input.RegisterInput, domain.RoleVendor)
	if err != nil {
		return nil, err
	}
	account.CompanyName = input.CompanyName
	account.CompanyEmail = input.CompanyEmail
	account.Industry = strings.TrimSpace(input.Industry)
	account.CompanySize = strings.TrimSpace(input.CompanySize)

	result, err := s.createAndEstablish(ctx, account)
	if err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			// Lost a concurrent double submit; the winner's account is reused.
			if winner, lookupErr := s.accounts.GetByEmail(ctx, input.Email); lookupErr == nil {
				return s.reuseVendor(ctx, winner, input.Password)
			}
		}
		return nil, err
	}

	data := accountMessageData(result.Account)
	data["companyName"] = result.Account.CompanyName
	data["loginUrl"] = s.effects.link("/login")
	if err := s.effects.requireEmail(ctx, domain.EmailVendorWelcome, result.Account.Email, data); err != nil {
		return nil, err
	}
	s.effects.notify(ctx, domain.NotificationWelcome, result.Account.ID, accountMessageData(result.Account))
	s.effects.alertOps(ctx, domain.EmailVendorPendingApproval, data)
	s.effects.record(ctx, domain.AuditRegisterVendor, result.Account.ID, domain.ProviderNone, s.now(), map[string]any{
		"company_name": result.Account.CompanyName,
	})

	s.logger.Info("vendor registered",
		zap.String("account_id", result.Account.ID),
		zap.String("email", logger.MaskEmail(result.Account.Email)),
	)

	return result, nil
}

func (s *AuthService) reuseVendor(ctx context.Context, account *domain.Account, password string) (*AuthResult, error) {
	if account.IsBlocked() {
		return nil, ErrBlockedAccount
	}
	ok, err := s.verifyPassword(account, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDuplicateAccount
	}

	token, rotated, err := s.tokens.Establish(ctx, account)
	if err != nil {
		return nil, err
	}

	s.logger.Info("vendor registration replayed",
		zap.String("account_id", account.ID),
		zap.Bool("token_rotated", rotated),
	)

	return &AuthResult{Account: account.Sanitized(), Token: token, Created: false, Rotated: rotated}, nil
}

// Login authenticates with email and password, reusing the stored token while it is fresh.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = domain.NormalizeEmail(email)

	verr := &ValidationError{}
	if email == "" {
		verr.Add("email", "is required")
	}
	if password == "" {
		verr.Add("password", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	ok, err := s.verifyPassword(account, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Info("login rejected", zap.String("account_id", account.ID), zap.String("reason", "invalid_credentials"))
		return nil, ErrInvalidCredentials
	}
	if account.IsBlocked() {
		s.logger.Info("login rejected", zap.String("account_id", account.ID), zap.String("reason", "blocked"))
		return nil, ErrBlockedAccount
	}

	token, rotated, err := s.tokens.Establish(ctx, account)
	if err != nil {
		return nil, err
	}

	action := domain.AuditLogin
	if rotated {
		action = domain.AuditLoginTokenRotated
		s.logger.Info("access token rotated on login", zap.String("account_id", account.ID))
	}
	s.effects.record(ctx, action, account.ID, domain.ProviderNone, s.now(), nil)

	return &AuthResult{Account: account.Sanitized(), Token: token, Created: false, Rotated: rotated}, nil
}

func (s *AuthService) verifyPassword(account *domain.Account, password string) (bool, error) {
	if !account.HasPassword() {
		return false, nil
	}
	ok, err := s.hasher.Verify(password, account.PasswordHash)
	if err != nil {
		return false, fmt.Errorf("verify password: %w", err)
	}
	return ok, nil
}

func (s *AuthService) validateRegistration(input RegisterInput) *ValidationError {
	verr := validateInput(input)
	if !input.AcceptedTerms {
		verr.Add("acceptedTerms", "must be accepted")
	}
	if _, failed := verr.Fields["password"]; !failed {
		if perr := s.validatePassword(input.Password, input); perr != nil {
			for field, msg := range perr.Fields {
				verr.Add(field, msg)
			}
		}
	}
	return verr
}

func (s *AuthService) validatePassword(password string, input RegisterInput) *ValidationError {
	if s.policy == nil {
		return nil
	}
	err := s.policy.Validate(password, domain.PasswordContext{
		Email:     input.Email,
		FirstName: input.FirstName,
		LastName:  input.LastName,
	})
	if err != nil {
		return NewValidationError("password", err.Error())
	}
	return nil
}

func (s *AuthService) newPasswordAccount(input RegisterInput, role domain.AccountRole) (*domain.Account, error) {
	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	return &domain.Account{
		ID:                uuid.NewString(),
		Email:             input.Email,
		FirstName:         input.FirstName,
		LastName:          input.LastName,
		PasswordHash:      hash,
		Provider:          domain.ProviderNone,
		Role:              role,
		Status:            domain.DefaultStatusFor(role),
		AcceptedTerms:     input.AcceptedTerms,
		AcceptedMarketing: input.AcceptedMarketing,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

func (s *AuthService) createAndEstablish(ctx context.Context, account *domain.Account) (*AuthResult, error) {
	if err := createAccount(ctx, s.accounts, s.slugs, account); err != nil {
		return nil, err
	}

	token, _, err := s.tokens.Establish(ctx, account)
	if err != nil {
		return nil, err
	}

	return &AuthResult{Account: account.Sanitized(), Token: token, Created: true, Rotated: true}, nil
}
