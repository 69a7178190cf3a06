package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xuthority/identity-service/internal/usecase"
)

// Authenticator is the credential flow used by AuthHandler.
type Authenticator interface {
	Register(ctx context.Context, input usecase.RegisterInput) (*usecase.AuthResult, error)
	RegisterVendor(ctx context.Context, input usecase.VendorRegisterInput) (*usecase.AuthResult, error)
	Login(ctx context.Context, email, password string) (*usecase.AuthResult, error)
}

// AuthHandler exposes credential registration and login.
type AuthHandler struct {
	auth Authenticator
}

// NewAuthHandler constructs AuthHandler.
func NewAuthHandler(auth Authenticator) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// RegisterRoutes binds the credential routes. registerMiddlewares run ahead of both
// registration endpoints and loginMiddlewares ahead of login.
func (h *AuthHandler) RegisterRoutes(r gin.IRoutes, registerMiddlewares, loginMiddlewares []gin.HandlerFunc) {
	r.POST("/register", chain(registerMiddlewares, h.register)...)
	r.POST("/register-vendor", chain(registerMiddlewares, h.registerVendor)...)
	r.POST("/login", chain(loginMiddlewares, h.login)...)
}

// register creates a standard account and returns 201 with the first token.
func (h *AuthHandler) register(c *gin.Context) {
	var req usecase.RegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	result, err := h.auth.Register(c.Request.Context(), req)
	if err != nil {
		RespondWithMappedError(c, err)
		return
	}

	c.JSON(http.StatusCreated, RegisterResponse{
		User:        newAccountResponse(result.Account),
		AccessToken: result.Token,
	})
}

// registerVendor answers 201 for a new vendor and 200 when the email was already registered.
func (h *AuthHandler) registerVendor(c *gin.Context) {
	var req usecase.VendorRegisterInput
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	result, err := h.auth.RegisterVendor(c.Request.Context(), req)
	if err != nil {
		RespondWithMappedError(c, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}

	c.JSON(status, RegisterResponse{
		User:        newAccountResponse(result.Account),
		AccessToken: result.Token,
	})
}

func (h *AuthHandler) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalidPayload(c)
		return
	}

	result, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		RespondWithMappedError(c, err)
		return
	}

	c.JSON(http.StatusOK, SessionResponse{
		User:  newAccountResponse(result.Account),
		Token: result.Token,
	})
}

func chain(middlewares []gin.HandlerFunc, handler gin.HandlerFunc) []gin.HandlerFunc {
	handlers := make([]gin.HandlerFunc, 0, len(middlewares)+1)
	handlers = append(handlers, middlewares...)
	return append(handlers, handler)
}
