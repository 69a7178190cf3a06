package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/repository"
)

// UpdateProfileInput carries a rename request for the current account.
type UpdateProfileInput struct {
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
}

// ProfileService reads and renames the authenticated account.
type ProfileService struct {
	accounts port.AccountRepository
	slugs    *SlugGenerator
	logger   *zap.Logger
	now      func() time.Time
}

// NewProfileService constructs a ProfileService.
func NewProfileService(accounts port.AccountRepository, log *zap.Logger) *ProfileService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProfileService{
		accounts: accounts,
		slugs:    NewSlugGenerator(accounts),
		logger:   log,
		now:      time.Now,
	}
}

// WithClock overrides the clock used for timestamps.
func (s *ProfileService) WithClock(now func() time.Time) *ProfileService {
	if now != nil {
		s.now = now
	}
	return s
}

// GetAccount returns the sanitized account.
func (s *ProfileService) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}
	sanitized := account.Sanitized()
	return &sanitized, nil
}

// UpdateProfile renames the account and regenerates its slug from the new name.
func (s *ProfileService) UpdateProfile(ctx context.Context, accountID string, input UpdateProfileInput) (*domain.Account, error) {
	input.FirstName = strings.TrimSpace(input.FirstName)
	input.LastName = strings.TrimSpace(input.LastName)
	if err := validateInput(input).OrNil(); err != nil {
		return nil, err
	}

	account, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lookup account: %w", err)
	}

	if account.FirstName == input.FirstName && account.LastName == input.LastName {
		sanitized := account.Sanitized()
		return &sanitized, nil
	}

	now := s.now().UTC()
	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		next, err := s.slugs.Next(ctx, input.FirstName, input.LastName, account.Email, account.Slug)
		if err != nil {
			return nil, err
		}

		err = s.accounts.UpdateProfile(ctx, account.ID, input.FirstName, input.LastName, next, now)
		switch {
		case err == nil:
			account.FirstName = input.FirstName
			account.LastName = input.LastName
			account.Slug = next
			account.UpdatedAt = now
			s.logger.Info("profile updated", zap.String("account_id", account.ID), zap.String("slug", next))
			sanitized := account.Sanitized()
			return &sanitized, nil
		case errors.Is(err, repository.ErrSlugTaken):
			continue
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrAccountNotFound
		default:
			return nil, fmt.Errorf("update profile: %w", err)
		}
	}
	return nil, fmt.Errorf("update profile: no free slug after %d attempts", maxSlugAttempts)
}
