package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gosimple/slug"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/repository"
)

const (
	fallbackSlugBase = "user"
	maxSlugAttempts  = 5
)

// SlugGenerator derives unique account slugs of the form name, name-1, name-2, ...
type SlugGenerator struct {
	accounts port.AccountRepository
}

// NewSlugGenerator constructs a SlugGenerator.
func NewSlugGenerator(accounts port.AccountRepository) *SlugGenerator {
	return &SlugGenerator{accounts: accounts}
}

// Base returns the un-suffixed slug for a name, falling back to the email local part.
func (g *SlugGenerator) Base(firstName, lastName, email string) string {
	base := slug.Make(strings.TrimSpace(firstName + " " + lastName))
	if base == "" {
		local, _, _ := strings.Cut(email, "@")
		base = slug.Make(local)
	}
	if base == "" {
		base = fallbackSlugBase
	}
	return base
}

// Next returns the first free slug for the name. current is the caller's own slug, which
// counts as free so a rename to the same name keeps it.
func (g *SlugGenerator) Next(ctx context.Context, firstName, lastName, email, current string) (string, error) {
	base := g.Base(firstName, lastName, email)

	existing, err := g.accounts.SlugsWithPrefix(ctx, base)
	if err != nil {
		return "", fmt.Errorf("list slugs: %w", err)
	}

	taken := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		if s != current {
			taken[s] = struct{}{}
		}
	}

	if _, used := taken[base]; !used {
		return base, nil
	}
	for n := 1; ; n++ {
		candidate := base + "-" + strconv.Itoa(n)
		if _, used := taken[candidate]; !used {
			return candidate, nil
		}
	}
}

// createAccount assigns a free slug and inserts the account, retrying when a concurrent
// insert claims the same slug. An email collision becomes ErrDuplicateAccount.
func createAccount(ctx context.Context, accounts port.AccountRepository, slugs *SlugGenerator, account *domain.Account) error {
	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		next, err := slugs.Next(ctx, account.FirstName, account.LastName, account.Email, "")
		if err != nil {
			return err
		}
		account.Slug = next

		err = accounts.Create(ctx, *account)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, repository.ErrSlugTaken):
			continue
		case errors.Is(err, repository.ErrDuplicate):
			return ErrDuplicateAccount
		default:
			return fmt.Errorf("create account: %w", err)
		}
	}
	return fmt.Errorf("create account: no free slug after %d attempts", maxSlugAttempts)
}
