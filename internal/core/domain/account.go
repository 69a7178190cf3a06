package domain

import (
	"strings"
	"time"
)

// AccountRole enumerates the roles an account is created with.
type AccountRole string

const (
	RoleStandard AccountRole = "standard"
	RoleVendor   AccountRole = "vendor"
)

// ParseAccountRole resolves a caller-supplied role, defaulting to standard when empty.
func ParseAccountRole(raw string) (AccountRole, bool) {
	switch AccountRole(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RoleStandard:
		return RoleStandard, true
	case RoleVendor:
		return RoleVendor, true
	default:
		return "", false
	}
}

// AccountStatus enumerates moderation states of an account.
type AccountStatus string

const (
	AccountStatusApproved AccountStatus = "approved"
	AccountStatusPending  AccountStatus = "pending"
	AccountStatusBlocked  AccountStatus = "blocked"
)

// DefaultStatusFor returns the status a freshly created account receives.
func DefaultStatusFor(role AccountRole) AccountStatus {
	if role == RoleVendor {
		return AccountStatusPending
	}
	return AccountStatusApproved
}

// Account mirrors the persisted representation in the accounts table.
type Account struct {
	ID                string
	Email             string
	Slug              string
	FirstName         string
	LastName          string
	AvatarURL         string
	PasswordHash      string
	Provider          Provider
	Role              AccountRole
	Status            AccountStatus
	AcceptedTerms     bool
	AcceptedMarketing bool

	CompanyName  string
	CompanyEmail string
	Industry     string
	CompanySize  string

	AccessToken string

	ResetTokenHash      string
	ResetTokenExpiresAt *time.Time
	ResetAttempts       int
	ResetLastAttemptAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPassword reports whether the account can authenticate with a local password.
func (a Account) HasPassword() bool {
	return a.PasswordHash != ""
}

// IsFederationOnly reports whether the account was created through a provider and has no password.
func (a Account) IsFederationOnly() bool {
	return !a.HasPassword() && a.Provider != ProviderNone
}

// IsBlocked reports whether the account has been blocked by an administrator.
func (a Account) IsBlocked() bool {
	return a.Status == AccountStatusBlocked
}

// DisplayName joins the first and last name.
func (a Account) DisplayName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// Sanitized returns a copy without credential, session or reset material.
func (a Account) Sanitized() Account {
	a.PasswordHash = ""
	a.AccessToken = ""
	a.ResetTokenHash = ""
	a.ResetTokenExpiresAt = nil
	a.ResetAttempts = 0
	a.ResetLastAttemptAt = nil
	return a
}

// ResetArtifact is the hashed reset token state attached to an account.
type ResetArtifact struct {
	TokenHash     string
	ExpiresAt     time.Time
	Attempts      int
	LastAttemptAt time.Time
}

// IsExpired reports whether the reset artifact is past its expiry at the supplied time.
func (r ResetArtifact) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// NormalizeEmail lower-cases and trims an email so lookups are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// PasswordContext carries account attributes a password must not be derived from.
type PasswordContext struct {
	Email     string
	FirstName string
	LastName  string
}
