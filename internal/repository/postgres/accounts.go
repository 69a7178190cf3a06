package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	squirrel "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/repository"
)

const (
	accountsTable = "identity.accounts"

	uniqueViolationCode   = "23505"
	accountsSlugIndexName = "accounts_slug_key"
)

var accountColumns = []string{
	"id",
	"email",
	"slug",
	"first_name",
	"last_name",
	"avatar_url",
	"password_hash",
	"provider",
	"role",
	"status",
	"accepted_terms",
	"accepted_marketing",
	"company_name",
	"company_email",
	"industry",
	"company_size",
	"access_token",
	"reset_token_hash",
	"reset_token_expires_at",
	"reset_attempts",
	"reset_last_attempt_at",
	"created_at",
	"updated_at",
}

// AccountRepository implements port.AccountRepository using PostgreSQL.
type AccountRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewAccountRepository wires a PostgreSQL-backed account repository.
func NewAccountRepository(exec pgExecutor) *AccountRepository {
	return &AccountRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// WithTx returns a repository instance operating within the supplied transaction.
func (r *AccountRepository) WithTx(tx pgx.Tx) *AccountRepository {
	if tx == nil {
		return r
	}
	return &AccountRepository{exec: tx, builder: r.builder}
}

// Create inserts a new account row. Unique violations surface as repository.ErrDuplicate
// for the email index and repository.ErrSlugTaken for the slug index.
func (r *AccountRepository) Create(ctx context.Context, account domain.Account) error {
	query := r.builder.Insert(accountsTable).
		Columns(accountColumns...).
		Values(
			account.ID,
			domain.NormalizeEmail(account.Email),
			account.Slug,
			account.FirstName,
			account.LastName,
			account.AvatarURL,
			nullableString(account.PasswordHash),
			string(account.Provider),
			string(account.Role),
			string(account.Status),
			account.AcceptedTerms,
			account.AcceptedMarketing,
			account.CompanyName,
			account.CompanyEmail,
			account.Industry,
			account.CompanySize,
			nullableString(account.AccessToken),
			nullableString(account.ResetTokenHash),
			account.ResetTokenExpiresAt,
			account.ResetAttempts,
			account.ResetLastAttemptAt,
			account.CreatedAt,
			account.UpdatedAt,
		)

	stmt, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build insert account sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		if mapped := mapWriteError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

// GetByID retrieves an account by identifier.
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	return r.getOne(ctx, squirrel.Eq{"id": id}, "id")
}

// GetByEmail retrieves an account by email, ignoring case.
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return r.getOne(ctx, squirrel.Expr("lower(email) = ?", domain.NormalizeEmail(email)), "email")
}

// GetByResetTokenHash retrieves the account holding the supplied pending reset hash.
func (r *AccountRepository) GetByResetTokenHash(ctx context.Context, tokenHash string) (*domain.Account, error) {
	if tokenHash == "" {
		return nil, repository.ErrNotFound
	}
	return r.getOne(ctx, squirrel.Eq{"reset_token_hash": tokenHash}, "reset token hash")
}

func (r *AccountRepository) getOne(ctx context.Context, where squirrel.Sqlizer, label string) (*domain.Account, error) {
	stmt, args, err := r.builder.
		Select(accountColumns...).
		From(accountsTable).
		Where(where).
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select account by %s sql: %w", label, err)
	}

	account, err := scanAccount(r.exec.QueryRow(ctx, stmt, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan account by %s: %w", label, err)
	}

	return account, nil
}

// SlugsWithPrefix lists slugs equal to base or of the form base-<suffix>.
func (r *AccountRepository) SlugsWithPrefix(ctx context.Context, base string) ([]string, error) {
	stmt, args, err := r.builder.
		Select("slug").
		From(accountsTable).
		Where(squirrel.Or{
			squirrel.Eq{"slug": base},
			squirrel.Like{"slug": base + "-%"},
		}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select slugs sql: %w", err)
	}

	rows, err := r.exec.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query slugs: %w", err)
	}
	defer rows.Close()

	var slugs []string
	for rows.Next() {
		var slug string
		if err := rows.Scan(&slug); err != nil {
			return nil, fmt.Errorf("scan slug: %w", err)
		}
		slugs = append(slugs, slug)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate slugs: %w", err)
	}

	return slugs, nil
}

// UpdateAccessToken stores the most recently issued bearer token.
func (r *AccountRepository) UpdateAccessToken(ctx context.Context, id, token string, at time.Time) error {
	return r.update(ctx, "access token", r.builder.Update(accountsTable).
		Set("access_token", nullableString(token)).
		Set("updated_at", at).
		Where(squirrel.Eq{"id": id}))
}

// UpdateProfile renames the account and stores its regenerated slug.
func (r *AccountRepository) UpdateProfile(ctx context.Context, id, firstName, lastName, slug string, at time.Time) error {
	return r.update(ctx, "profile", r.builder.Update(accountsTable).
		Set("first_name", firstName).
		Set("last_name", lastName).
		Set("slug", slug).
		Set("updated_at", at).
		Where(squirrel.Eq{"id": id}))
}

// SaveResetArtifact overwrites any pending reset token with the supplied artifact.
func (r *AccountRepository) SaveResetArtifact(ctx context.Context, id string, artifact domain.ResetArtifact) error {
	return r.update(ctx, "reset artifact", r.builder.Update(accountsTable).
		Set("reset_token_hash", artifact.TokenHash).
		Set("reset_token_expires_at", artifact.ExpiresAt).
		Set("reset_attempts", artifact.Attempts).
		Set("reset_last_attempt_at", artifact.LastAttemptAt).
		Set("updated_at", artifact.LastAttemptAt).
		Where(squirrel.Eq{"id": id}))
}

// CompletePasswordReset swaps the password hash and clears the reset artifact in a single statement.
// Returns repository.ErrNotFound when the stored hash no longer matches, which is how a
// concurrent second consume loses.
func (r *AccountRepository) CompletePasswordReset(ctx context.Context, id, tokenHash, passwordHash string, at time.Time) error {
	return r.update(ctx, "password reset", r.builder.Update(accountsTable).
		Set("password_hash", passwordHash).
		Set("reset_token_hash", nil).
		Set("reset_token_expires_at", nil).
		Set("reset_attempts", 0).
		Set("reset_last_attempt_at", nil).
		Set("updated_at", at).
		Where(squirrel.Eq{"id": id, "reset_token_hash": tokenHash}))
}

func (r *AccountRepository) update(ctx context.Context, label string, query squirrel.UpdateBuilder) error {
	stmt, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build update %s sql: %w", label, err)
	}

	tag, err := r.exec.Exec(ctx, stmt, args...)
	if err != nil {
		if mapped := mapWriteError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("update %s: %w", label, err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}

	return nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		account      domain.Account
		provider     string
		role         string
		status       string
		passwordHash sql.NullString
		accessToken  sql.NullString
		resetHash    sql.NullString
	)

	if err := row.Scan(
		&account.ID,
		&account.Email,
		&account.Slug,
		&account.FirstName,
		&account.LastName,
		&account.AvatarURL,
		&passwordHash,
		&provider,
		&role,
		&status,
		&account.AcceptedTerms,
		&account.AcceptedMarketing,
		&account.CompanyName,
		&account.CompanyEmail,
		&account.Industry,
		&account.CompanySize,
		&accessToken,
		&resetHash,
		&account.ResetTokenExpiresAt,
		&account.ResetAttempts,
		&account.ResetLastAttemptAt,
		&account.CreatedAt,
		&account.UpdatedAt,
	); err != nil {
		return nil, err
	}

	account.Provider = domain.Provider(provider)
	account.Role = domain.AccountRole(role)
	account.Status = domain.AccountStatus(status)
	account.PasswordHash = passwordHash.String
	account.AccessToken = accessToken.String
	account.ResetTokenHash = resetHash.String

	return &account, nil
}

func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolationCode {
		return nil
	}
	if pgErr.ConstraintName == accountsSlugIndexName {
		return fmt.Errorf("%w: %s", repository.ErrSlugTaken, pgErr.ConstraintName)
	}
	return fmt.Errorf("%w: %s", repository.ErrDuplicate, pgErr.ConstraintName)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

var _ port.AccountRepository = (*AccountRepository)(nil)
