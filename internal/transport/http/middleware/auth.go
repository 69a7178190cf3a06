package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xuthority/identity-service/internal/infra/security"
	"github.com/xuthority/identity-service/internal/usecase"
)

const codeUnauthorized = "UNAUTHORIZED"

// ErrorResponse matches the handlers.ErrorResponse structure.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}

func newErrorResponse(c *gin.Context, code, message string) ErrorResponse {
	return ErrorResponse{
		Code:    code,
		Message: message,
		TraceID: GetTraceID(c),
	}
}

// TokenVerifier validates a bearer session token.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*security.AccessTokenClaims, error)
}

// RequireAuth validates the Authorization header and stores the token claims on the context.
func RequireAuth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, codeUnauthorized, "Missing authorization header"))
			return
		}

		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, codeUnauthorized, "Invalid authorization format: expected 'Bearer <token>'"))
			return
		}

		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				newErrorResponse(c, codeUnauthorized, "Missing access token"))
			return
		}

		claims, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			switch {
			case errors.Is(err, usecase.ErrExpiredAccessToken):
				c.AbortWithStatusJSON(http.StatusUnauthorized,
					newErrorResponse(c, codeUnauthorized, "Access token expired"))
			case errors.Is(err, usecase.ErrInvalidAccessToken):
				c.AbortWithStatusJSON(http.StatusUnauthorized,
					newErrorResponse(c, codeUnauthorized, "Invalid access token"))
			default:
				_ = c.Error(err)
				c.AbortWithStatusJSON(http.StatusInternalServerError,
					newErrorResponse(c, "INTERNAL_ERROR", "Authentication failed"))
			}
			return
		}

		c.Set(AccountIDKey, claims.AccountID)
		c.Set(ClaimsKey, claims)

		if reqCtx := GetRequestContext(c); reqCtx != nil {
			reqCtx.AccountID = claims.AccountID
		}

		c.Next()
	}
}

// GetAuthenticatedAccountID returns the account id set by RequireAuth.
func GetAuthenticatedAccountID(c *gin.Context) (string, bool) {
	accountID, exists := c.Get(AccountIDKey)
	if !exists {
		return "", false
	}

	if id, ok := accountID.(string); ok && id != "" {
		return id, true
	}

	return "", false
}

// GetClaims returns the verified token claims set by RequireAuth.
func GetClaims(c *gin.Context) (*security.AccessTokenClaims, bool) {
	val, exists := c.Get(ClaimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := val.(*security.AccessTokenClaims)
	return claims, ok
}
