package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xuthority/identity-service/internal/usecase"
)

// Stable error codes returned in ErrorResponse.Code.
const (
	CodeDuplicateAccount          = "DUPLICATE_ACCOUNT"
	CodeAccountNotFound           = "ACCOUNT_NOT_FOUND"
	CodeInvalidCredentials        = "INVALID_CREDENTIALS"
	CodeBlockedAccount            = "BLOCKED_ACCOUNT"
	CodeFederationResetNotAllowed = "FEDERATION_RESET_NOT_ALLOWED"
	CodeInvalidOrExpiredToken     = "INVALID_OR_EXPIRED_TOKEN"
	CodeSamePasswordNotAllowed    = "SAME_PASSWORD_NOT_ALLOWED"
	CodeValidation                = "VALIDATION_ERROR"
	CodeUpstreamProviderFailure   = "UPSTREAM_PROVIDER_FAILURE"
	CodeDispatchFailed            = "DISPATCH_FAILED"
	CodeUnauthorized              = "UNAUTHORIZED"
	CodeInternal                  = "INTERNAL_ERROR"
)

// ErrorCase maps a sentinel error to an HTTP status, a stable code and a message.
type ErrorCase struct {
	Err     error
	Status  int
	Code    string
	Message string
}

var defaultErrorCases = []ErrorCase{
	{Err: usecase.ErrDuplicateAccount, Status: http.StatusBadRequest, Code: CodeDuplicateAccount, Message: "An account with this email already exists"},
	{Err: usecase.ErrAccountNotFound, Status: http.StatusNotFound, Code: CodeAccountNotFound, Message: "No account found for this email"},
	{Err: usecase.ErrInvalidCredentials, Status: http.StatusUnauthorized, Code: CodeInvalidCredentials, Message: "Invalid email or password"},
	{Err: usecase.ErrBlockedAccount, Status: http.StatusForbidden, Code: CodeBlockedAccount, Message: "This account has been blocked"},
	{Err: usecase.ErrFederationResetNotAllowed, Status: http.StatusBadRequest, Code: CodeFederationResetNotAllowed, Message: "This account signs in with a social provider and has no password to reset"},
	{Err: usecase.ErrInvalidOrExpiredToken, Status: http.StatusBadRequest, Code: CodeInvalidOrExpiredToken, Message: "The link is invalid or has expired"},
	{Err: usecase.ErrSamePasswordNotAllowed, Status: http.StatusBadRequest, Code: CodeSamePasswordNotAllowed, Message: "New password must be different from the current password"},
	{Err: usecase.ErrUpstreamProvider, Status: http.StatusBadGateway, Code: CodeUpstreamProviderFailure, Message: "The identity provider could not complete the sign-in"},
	{Err: usecase.ErrDispatchFailed, Status: http.StatusBadGateway, Code: CodeDispatchFailed, Message: "The account was created but the confirmation email could not be sent"},
	{Err: usecase.ErrExpiredAccessToken, Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: "Access token expired"},
	{Err: usecase.ErrInvalidAccessToken, Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: "Invalid access token"},
}

// ResolveError finds the case matching err. Validation errors carry their field map.
func ResolveError(err error) (ErrorCase, map[string]string) {
	var verr *usecase.ValidationError
	if errors.As(err, &verr) {
		return ErrorCase{Status: http.StatusBadRequest, Code: CodeValidation, Message: "Validation failed"}, verr.Fields
	}

	for _, cs := range defaultErrorCases {
		if errors.Is(err, cs.Err) {
			return cs, nil
		}
	}

	return ErrorCase{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "Internal server error"}, nil
}

// RespondWithMappedError writes the mapped error response. Unmapped errors are attached to
// the gin context so the access log records them.
func RespondWithMappedError(c *gin.Context, err error) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}

	cs, fields := ResolveError(err)
	if cs.Status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	resp := NewErrorResponse(c, cs.Code, cs.Message)
	resp.Fields = fields
	c.JSON(cs.Status, resp)
}

func respondInvalidPayload(c *gin.Context) {
	c.JSON(http.StatusBadRequest, NewErrorResponse(c, CodeValidation, "Invalid request payload"))
}
