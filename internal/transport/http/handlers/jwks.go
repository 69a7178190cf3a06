package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xuthority/identity-service/internal/infra/security"
)

const jwksCacheControl = "public, max-age=3600"

// JWKSHandler publishes the public keys that verify session tokens.
type JWKSHandler struct {
	manager *security.JWTManager
}

// NewJWKSHandler constructs a JWKS handler backed by the supplied manager.
func NewJWKSHandler(manager *security.JWTManager) *JWKSHandler {
	return &JWKSHandler{manager: manager}
}

// Keys serves the JSON Web Key Set.
func (h *JWKSHandler) Keys(c *gin.Context) {
	if h == nil || h.manager == nil {
		c.JSON(http.StatusServiceUnavailable, NewErrorResponse(c, CodeInternal, "JWKS not available"))
		return
	}

	payload, err := h.manager.JWKS()
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, CodeInternal, "Failed to render JWKS"))
		return
	}

	c.Header("Cache-Control", jwksCacheControl)
	c.Data(http.StatusOK, "application/json", payload)
}
