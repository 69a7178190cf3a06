package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/transport/http/middleware"
	"github.com/xuthority/identity-service/internal/usecase"
)

// ProfileManager reads and renames the authenticated account.
type ProfileManager interface {
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	UpdateProfile(ctx context.Context, accountID string, input usecase.UpdateProfileInput) (*domain.Account, error)
}

// AccountHandler exposes the current account under /auth/me.
type AccountHandler struct {
	profiles ProfileManager
}

// NewAccountHandler constructs AccountHandler.
func NewAccountHandler(profiles ProfileManager) *AccountHandler {
	return &AccountHandler{profiles: profiles}
}

// RegisterRoutes binds /me behind the supplied auth middleware.
func (h *AccountHandler) RegisterRoutes(r gin.IRoutes, auth gin.HandlerFunc) {
	r.GET("/me", auth, h.me)
	r.PATCH("/me", auth, h.updateMe)
}

func (h *AccountHandler) me(c *gin.Context) {
	accountID, ok := middleware.GetAuthenticatedAccountID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, CodeUnauthorized, "Authentication required"))
		return
	}

	account, err := h.profiles.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		RespondWithMappedError(c, err)
		return
	}

	c.JSON(http.StatusOK, newAccountResponse(*account))
}

// updateMe renames the account; the slug is regenerated from the new name.
func (h *AccountHandler) updateMe(c *gin.Context) {
	accountID, ok := middleware.GetAuthenticatedAccountID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, NewErrorResponse(c, CodeUnauthorized, "Authentication required"))
		return
	}

	var req usecase.UpdateProfileInput
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	account, err := h.profiles.UpdateProfile(c.Request.Context(), accountID, req)
	if err != nil {
		RespondWithMappedError(c, err)
		return
	}

	c.JSON(http.StatusOK, newAccountResponse(*account))
}
