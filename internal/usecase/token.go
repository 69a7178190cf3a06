package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/infra/security"
)

const (
	defaultTokenTTL         = security.DefaultAccessTokenTTL
	defaultRefreshThreshold = time.Hour
)

// TokenIssuer mints bearer tokens and decides whether a stored token is reused or rotated.
type TokenIssuer struct {
	accounts  port.AccountRepository
	jwt       *security.JWTManager
	ttl       time.Duration
	threshold time.Duration
	now       func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer. Non-positive durations fall back to 7 days and 1 hour.
func NewTokenIssuer(accounts port.AccountRepository, jwtManager *security.JWTManager, ttl, refreshThreshold time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	if refreshThreshold <= 0 {
		refreshThreshold = defaultRefreshThreshold
	}
	return &TokenIssuer{
		accounts:  accounts,
		jwt:       jwtManager,
		ttl:       ttl,
		threshold: refreshThreshold,
		now:       time.Now,
	}
}

// WithClock overrides the clock used for issuance and reuse decisions.
func (i *TokenIssuer) WithClock(now func() time.Time) *TokenIssuer {
	if now != nil {
		i.now = now
	}
	return i
}

// Issue signs a new token for the account without persisting it.
func (i *TokenIssuer) Issue(account domain.Account) (string, time.Time, error) {
	if i.jwt == nil {
		return "", time.Time{}, fmt.Errorf("token issuer not configured")
	}

	claims, err := security.NewAccessTokenClaims(security.AccessTokenOptions{
		AccountID: account.ID,
		Email:     account.Email,
		Role:      string(account.Role),
		Issuer:    i.jwt.Issuer(),
		Audience:  i.jwt.Audience(),
		TTL:       i.ttl,
		IssuedAt:  i.now(),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build token claims: %w", err)
	}

	token, err := i.jwt.Sign(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}

	return token, claims.ExpiresAt.Time, nil
}

// InspectExpiry reads the exp claim without verifying the signature.
func (i *TokenIssuer) InspectExpiry(token string) (time.Time, error) {
	return security.PeekExpiry(token)
}

// ShouldReuse reports whether the token remains valid for longer than the refresh threshold
// and is signed by a key that is still published. Tokens from a retired key are rotated.
func (i *TokenIssuer) ShouldReuse(token string, now time.Time) bool {
	if strings.TrimSpace(token) == "" || i.jwt == nil {
		return false
	}
	if !i.jwt.HasVerificationKey(token) {
		return false
	}
	expiresAt, err := i.InspectExpiry(token)
	if err != nil {
		return false
	}
	return expiresAt.Sub(now) > i.threshold
}

// Establish returns the account's stored token when it may be reused, otherwise issues and
// persists a new one. The account's AccessToken is updated in place on rotation.
func (i *TokenIssuer) Establish(ctx context.Context, account *domain.Account) (token string, rotated bool, err error) {
	if account == nil {
		return "", false, fmt.Errorf("account is required")
	}

	now := i.now()
	if i.ShouldReuse(account.AccessToken, now) {
		return account.AccessToken, false, nil
	}

	token, _, err = i.Issue(*account)
	if err != nil {
		return "", false, err
	}

	if err := i.accounts.UpdateAccessToken(ctx, account.ID, token, now.UTC()); err != nil {
		return "", false, fmt.Errorf("persist access token: %w", err)
	}

	account.AccessToken = token
	return token, true, nil
}

// Verify fully validates a presented bearer token.
func (i *TokenIssuer) Verify(_ context.Context, token string) (*security.AccessTokenClaims, error) {
	if strings.TrimSpace(token) == "" || i.jwt == nil {
		return nil, ErrInvalidAccessToken
	}

	claims, err := i.jwt.Parse(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredAccessToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}

	return claims, nil
}
