package usecase

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xuthority/identity-service/internal/core/domain"
)

var (
	// ErrDuplicateAccount indicates an account with the email already exists.
	ErrDuplicateAccount = errors.New("an account with this email already exists")
	// ErrAccountNotFound indicates no account matches the supplied email.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInvalidCredentials indicates the password does not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrBlockedAccount indicates the account was blocked by an administrator.
	ErrBlockedAccount = errors.New("account is blocked")
	// ErrFederationResetNotAllowed indicates the account signs in through a provider and has no password to reset.
	ErrFederationResetNotAllowed = errors.New("password reset is not available for accounts created with a social provider")
	// ErrInvalidOrExpiredToken indicates a reset token or federation state is unknown, used or expired.
	ErrInvalidOrExpiredToken = errors.New("token is invalid or has expired")
	// ErrSamePasswordNotAllowed indicates the new password equals the current one.
	ErrSamePasswordNotAllowed = errors.New("new password must be different from the current password")
	// ErrValidation indicates malformed input; see ValidationError for the field details.
	ErrValidation = errors.New("validation failed")
	// ErrUpstreamProvider indicates an identity provider call failed.
	ErrUpstreamProvider = errors.New("identity provider request failed")
	// ErrDispatchFailed indicates a load-bearing side effect could not be delivered.
	ErrDispatchFailed = errors.New("notification dispatch failed")
	// ErrInvalidAccessToken indicates the bearer token is malformed or its signature does not verify.
	ErrInvalidAccessToken = errors.New("invalid access token")
	// ErrExpiredAccessToken indicates the bearer token has expired.
	ErrExpiredAccessToken = errors.New("access token expired")
)

// ValidationError lists the offending input fields with a message per field.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: message}}
}

// Add records a field error and returns the receiver for chaining.
func (e *ValidationError) Add(field, message string) *ValidationError {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = message
	}
	return e
}

// OrNil returns nil when no field errors were recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// UpstreamProviderError describes a failed call to an identity provider.
type UpstreamProviderError struct {
	Provider domain.Provider
	Op       string
	Err      error
}

func (e *UpstreamProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *UpstreamProviderError) Unwrap() error {
	return e.Err
}

// Is matches ErrUpstreamProvider in addition to the wrapped cause.
func (e *UpstreamProviderError) Is(target error) bool {
	return target == ErrUpstreamProvider
}
