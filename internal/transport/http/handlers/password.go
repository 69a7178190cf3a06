package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xuthority/identity-service/internal/usecase"
)

const (
	forgotPasswordMessage = "If an account exists for this email, a password reset link has been sent."
	passwordResetMessage  = "Your password has been reset."
)

// ResetFlow is the password reset flow used by PasswordHandler.
type ResetFlow interface {
	RequestReset(ctx context.Context, email string) error
	VerifyReset(ctx context.Context, token string) (*usecase.ResetTokenDetails, error)
	ConsumeReset(ctx context.Context, input usecase.ConsumeResetInput) error
}

// PasswordHandler exposes the password reset endpoints.
type PasswordHandler struct {
	reset ResetFlow
}

// NewPasswordHandler constructs PasswordHandler.
func NewPasswordHandler(reset ResetFlow) *PasswordHandler {
	return &PasswordHandler{reset: reset}
}

// RegisterRoutes binds the reset routes. forgotMiddlewares run ahead of forgot-password.
func (h *PasswordHandler) RegisterRoutes(r gin.IRoutes, forgotMiddlewares []gin.HandlerFunc) {
	r.POST("/forgot-password", chain(forgotMiddlewares, h.forgotPassword)...)
	r.POST("/verify-reset-token", h.verifyResetToken)
	r.POST("/reset-password", h.resetPassword)
}

// forgotPassword answers with the same message whether or not the email is registered.
func (h *PasswordHandler) forgotPassword(c *gin.Context) {
	var req ForgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	if err := h.reset.RequestReset(c.Request.Context(), req.Email); err != nil {
		RespondWithMappedError(c, err)
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: forgotPasswordMessage})
}

func (h *PasswordHandler) verifyResetToken(c *gin.Context) {
	var req VerifyResetTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	details, err := h.reset.VerifyReset(c.Request.Context(), req.Token)
	if err != nil {
		RespondWithMappedError(c, err)
		return
	}

	c.JSON(http.StatusOK, ResetTokenResponse{
		UserID:    details.AccountID,
		FirstName: details.FirstName,
		LastName:  details.LastName,
		Email:     details.Email,
		ExpiresAt: details.ExpiresAt,
	})
}

func (h *PasswordHandler) resetPassword(c *gin.Context) {
	var req usecase.ConsumeResetInput
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	if err := h.reset.ConsumeReset(c.Request.Context(), req); err != nil {
		RespondWithMappedError(c, err)
		return
	}

	c.JSON(http.StatusOK, MessageResponse{Message: passwordResetMessage})
}
