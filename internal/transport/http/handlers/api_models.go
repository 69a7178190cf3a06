package handlers

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/transport/http/middleware"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	TraceID string            `json:"trace_id,omitempty"`
}

// NewErrorResponse creates an error response with trace ID from context
func NewErrorResponse(c *gin.Context, code, message string) ErrorResponse {
	return ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: middleware.GetTraceID(c),
	}
}

// MessageResponse represents a simple message payload.
type MessageResponse struct {
	Message string `json:"message"`
}

// AccountResponse is the public view of an account.
type AccountResponse struct {
	ID                string               `json:"id"`
	Email             string               `json:"email"`
	Slug              string               `json:"slug"`
	FirstName         string               `json:"firstName"`
	LastName          string               `json:"lastName"`
	AvatarURL         string               `json:"avatarUrl,omitempty"`
	Provider          domain.Provider      `json:"provider"`
	Role              domain.AccountRole   `json:"role"`
	Status            domain.AccountStatus `json:"status"`
	AcceptedTerms     bool                 `json:"acceptedTerms"`
	AcceptedMarketing bool                 `json:"acceptedMarketing"`
	CompanyName       string               `json:"companyName,omitempty"`
	CompanyEmail      string               `json:"companyEmail,omitempty"`
	Industry          string               `json:"industry,omitempty"`
	CompanySize       string               `json:"companySize,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

func newAccountResponse(account domain.Account) AccountResponse {
	return AccountResponse{
		ID:                account.ID,
		Email:             account.Email,
		Slug:              account.Slug,
		FirstName:         account.FirstName,
		LastName:          account.LastName,
		AvatarURL:         account.AvatarURL,
		Provider:          account.Provider,
		Role:              account.Role,
		Status:            account.Status,
		AcceptedTerms:     account.AcceptedTerms,
		AcceptedMarketing: account.AcceptedMarketing,
		CompanyName:       account.CompanyName,
		CompanyEmail:      account.CompanyEmail,
		Industry:          account.Industry,
		CompanySize:       account.CompanySize,
		CreatedAt:         account.CreatedAt,
		UpdatedAt:         account.UpdatedAt,
	}
}

// RegisterResponse is returned by both registration endpoints.
type RegisterResponse struct {
	User        AccountResponse `json:"user"`
	AccessToken string          `json:"accessToken"`
}

// LoginRequest defines the payload for the login endpoint.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SessionResponse is returned by login and the federation callback.
type SessionResponse struct {
	User  AccountResponse `json:"user"`
	Token string          `json:"token"`
}

// VerificationResponse is returned by the identity verification callback.
type VerificationResponse struct {
	Provider domain.Provider        `json:"provider"`
	Profile  domain.ProviderProfile `json:"profile"`
}

// ForgotPasswordRequest starts a password reset.
type ForgotPasswordRequest struct {
	Email string `json:"email"`
}

// VerifyResetTokenRequest carries the reset token to inspect.
type VerifyResetTokenRequest struct {
	Token string `json:"token"`
}

// ResetTokenResponse describes the account a pending reset belongs to.
type ResetTokenResponse struct {
	UserID    string    `json:"userId"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// HealthResponse describes the liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// ReadinessResponse lists the outcome of every dependency check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}
