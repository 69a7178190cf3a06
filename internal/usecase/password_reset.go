package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/infra/logger"
	"github.com/xuthority/identity-service/internal/infra/security"
	"github.com/xuthority/identity-service/internal/repository"
)

const (
	defaultResetTTL           = time.Hour
	defaultResetMaxAttempts   = 5
	defaultResetAttemptWindow = time.Hour
)

// PasswordResetOptions tunes token lifetime and the per-account request budget.
type PasswordResetOptions struct {
	TokenTTL      time.Duration
	MaxAttempts   int
	AttemptWindow time.Duration
}

// ResetTokenDetails is the public view of a pending reset returned by VerifyReset.
type ResetTokenDetails struct {
	AccountID string
	FirstName string
	LastName  string
	Email     string
	ExpiresAt time.Time
}

// ConsumeResetInput carries the payload that completes a reset.
type ConsumeResetInput struct {
	Token              string `json:"token" validate:"required"`
	NewPassword        string `json:"newPassword" validate:"required"`
	ConfirmNewPassword string `json:"confirmNewPassword" validate:"required,eqfield=NewPassword"`
}

// PasswordResetService implements the request, verify and consume steps of a password reset.
type PasswordResetService struct {
	accounts port.AccountRepository
	hasher   port.PasswordHasher
	policy   port.PasswordPolicyValidator
	effects  *sideEffects
	opts     PasswordResetOptions
	logger   *zap.Logger
	now      func() time.Time
}

// NewPasswordResetService constructs a PasswordResetService.
func NewPasswordResetService(
	accounts port.AccountRepository,
	hasher port.PasswordHasher,
	policy port.PasswordPolicyValidator,
	dispatcher port.Dispatcher,
	audit port.AuditLog,
	notifications NotificationOptions,
	opts PasswordResetOptions,
	log *zap.Logger,
) *PasswordResetService {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultResetTTL
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultResetMaxAttempts
	}
	if opts.AttemptWindow <= 0 {
		opts.AttemptWindow = defaultResetAttemptWindow
	}

	return &PasswordResetService{
		accounts: accounts,
		hasher:   hasher,
		policy:   policy,
		effects:  newSideEffects(dispatcher, audit, notifications, log),
		opts:     opts,
		logger:   log,
		now:      time.Now,
	}
}

// WithClock allows tests to override the clock used by the service.
func (s *PasswordResetService) WithClock(clock func() time.Time) *PasswordResetService {
	if clock != nil {
		s.now = clock
	}
	return s
}

// RequestReset issues a reset token for a password account. Unknown emails and suppressed
// requests succeed silently so callers cannot learn which emails are registered.
func (s *PasswordResetService) RequestReset(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)
	if verr := validateInput(struct {
		Email string `json:"email" validate:"required,email"`
	}{email}); verr.OrNil() != nil {
		return verr
	}

	account, err := s.accounts.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Info("password reset requested for unknown email", zap.String("email", logger.MaskEmail(email)))
			return nil
		}
		return fmt.Errorf("lookup account: %w", err)
	}

	if account.IsFederationOnly() {
		return ErrFederationResetNotAllowed
	}
	if !account.HasPassword() {
		return nil
	}

	now := s.now().UTC()
	attempts := 1
	if account.ResetLastAttemptAt != nil && now.Sub(*account.ResetLastAttemptAt) < s.opts.AttemptWindow {
		if account.ResetAttempts >= s.opts.MaxAttempts {
			s.logger.Warn("password reset request suppressed",
				zap.String("account_id", account.ID),
				zap.Int("attempts", account.ResetAttempts),
			)
			return nil
		}
		attempts = account.ResetAttempts + 1
	}

	raw, err := security.GenerateSecureToken(security.ResetTokenBytes)
	if err != nil {
		return fmt.Errorf("generate reset token: %w", err)
	}

	artifact := domain.ResetArtifact{
		TokenHash:     security.HashToken(raw),
		ExpiresAt:     now.Add(s.opts.TokenTTL),
		Attempts:      attempts,
		LastAttemptAt: now,
	}
	if err := s.accounts.SaveResetArtifact(ctx, account.ID, artifact); err != nil {
		return fmt.Errorf("store reset artifact: %w", err)
	}

	// The stored artifact is authoritative; a lost email is recovered by requesting again.
	data := accountMessageData(*account)
	data["resetUrl"] = s.effects.link("/reset-password?token=" + url.QueryEscape(raw))
	data["expiresAt"] = artifact.ExpiresAt
	s.effects.email(ctx, domain.EmailPasswordReset, account.Email, data)
	s.effects.record(ctx, domain.AuditPasswordResetRequested, account.ID, account.Provider, now, map[string]any{
		"attempts": attempts,
	})

	s.logger.Info("password reset requested",
		zap.String("account_id", account.ID),
		zap.Int("attempts", attempts),
	)
	return nil
}

// VerifyReset reports whether a reset token is still usable without consuming it.
func (s *PasswordResetService) VerifyReset(ctx context.Context, token string) (*ResetTokenDetails, error) {
	account, err := s.lookup(ctx, token)
	if err != nil {
		return nil, err
	}

	return &ResetTokenDetails{
		AccountID: account.ID,
		FirstName: account.FirstName,
		LastName:  account.LastName,
		Email:     account.Email,
		ExpiresAt: account.ResetTokenExpiresAt.UTC(),
	}, nil
}

// ConsumeReset replaces the password and clears the reset artifact in a single write.
func (s *PasswordResetService) ConsumeReset(ctx context.Context, input ConsumeResetInput) error {
	input.Token = strings.TrimSpace(input.Token)
	if err := validateInput(input).OrNil(); err != nil {
		return err
	}

	account, err := s.lookup(ctx, input.Token)
	if err != nil {
		return err
	}

	// The current password is rejected as reused even when it no longer meets the policy.
	same, err := s.hasher.Verify(input.NewPassword, account.PasswordHash)
	if err != nil {
		return fmt.Errorf("compare password: %w", err)
	}
	if same {
		return ErrSamePasswordNotAllowed
	}

	if s.policy != nil {
		if err := s.policy.Validate(input.NewPassword, domain.PasswordContext{
			Email:     account.Email,
			FirstName: account.FirstName,
			LastName:  account.LastName,
		}); err != nil {
			return NewValidationError("newPassword", err.Error())
		}
	}

	hash, err := s.hasher.Hash(input.NewPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	if err := s.accounts.CompletePasswordReset(ctx, account.ID, account.ResetTokenHash, hash, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// Another request consumed or replaced the token after our lookup.
			return ErrInvalidOrExpiredToken
		}
		return fmt.Errorf("complete password reset: %w", err)
	}

	data := accountMessageData(*account)
	data["changedAt"] = now
	s.effects.email(ctx, domain.EmailPasswordChanged, account.Email, data)
	s.effects.notify(ctx, domain.NotificationPasswordChanged, account.ID, accountMessageData(*account))
	s.effects.record(ctx, domain.AuditPasswordResetCompleted, account.ID, account.Provider, now, nil)

	s.logger.Info("password reset completed", zap.String("account_id", account.ID))
	return nil
}

func (s *PasswordResetService) lookup(ctx context.Context, token string) (*domain.Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, NewValidationError("token", FieldMessage("required", ""))
	}

	account, err := s.accounts.GetByResetTokenHash(ctx, security.HashToken(token))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrInvalidOrExpiredToken
		}
		return nil, fmt.Errorf("lookup reset token: %w", err)
	}

	if account.ResetTokenExpiresAt == nil {
		return nil, ErrInvalidOrExpiredToken
	}
	artifact := domain.ResetArtifact{TokenHash: account.ResetTokenHash, ExpiresAt: *account.ResetTokenExpiresAt}
	if artifact.IsExpired(s.now().UTC()) {
		return nil, ErrInvalidOrExpiredToken
	}
	return account, nil
}
