package port

import (
	"context"
	"time"

	"github.com/xuthority/identity-service/internal/core/domain"
)

// FederationStateStore keeps the per-attempt slot that survives the provider redirect.
type FederationStateStore interface {
	Put(ctx context.Context, state domain.FederationState, ttl time.Duration) error
	// Take returns and deletes the slot; it returns nil when the slot is absent or expired.
	Take(ctx context.Context, state string) (*domain.FederationState, error)
}

// IdentityProvider is the provider-side half of an authorization-code flow.
type IdentityProvider interface {
	AuthCodeURL(state, codeVerifier string, purpose domain.FederationPurpose) string
	FetchProfile(ctx context.Context, code, codeVerifier string, purpose domain.FederationPurpose) (*domain.ProviderProfile, error)
}
