package port

import (
	"context"
	"time"

	"github.com/xuthority/identity-service/internal/core/domain"
)

// AccountRepository exposes persistence behaviour for accounts.
type AccountRepository interface {
	Create(ctx context.Context, account domain.Account) error
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	GetByResetTokenHash(ctx context.Context, tokenHash string) (*domain.Account, error)
	SlugsWithPrefix(ctx context.Context, base string) ([]string, error)
	UpdateAccessToken(ctx context.Context, id, token string, at time.Time) error
	UpdateProfile(ctx context.Context, id, firstName, lastName, slug string, at time.Time) error
	SaveResetArtifact(ctx context.Context, id string, artifact domain.ResetArtifact) error
	// CompletePasswordReset replaces the password hash and clears the reset artifact in one write.
	// It only applies while the stored reset hash still equals tokenHash.
	CompletePasswordReset(ctx context.Context, id, tokenHash, passwordHash string, at time.Time) error
}
