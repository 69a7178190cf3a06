package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/usecase"
)

const (
	loginStateCookie  = "federation_state"
	verifyStateCookie = "federation_verify_state"
	stateCookiePath   = "/auth"
)

// FederationBroker is the provider flow used by FederationHandler.
type FederationBroker interface {
	BeginLogin(ctx context.Context, provider domain.Provider, rawRole string) (*usecase.FederationRedirect, error)
	BeginVerification(ctx context.Context, provider domain.Provider) (*usecase.FederationRedirect, error)
	CompleteLogin(ctx context.Context, callback usecase.FederationCallback) (*usecase.AuthResult, error)
	CompleteVerification(ctx context.Context, callback usecase.FederationCallback) (*domain.ProviderProfile, error)
}

// FederationOptions configures cookie and error redirect behaviour.
type FederationOptions struct {
	// ErrorRedirectURL receives failed login callbacks as ?error=<code>&provider=<name>.
	// When empty, failures are answered with a JSON error.
	ErrorRedirectURL string
	CookieSecure     bool
}

// FederationHandler exposes the provider redirect and callback routes.
type FederationHandler struct {
	broker FederationBroker
	opts   FederationOptions
	now    func() time.Time
}

// NewFederationHandler constructs FederationHandler.
func NewFederationHandler(broker FederationBroker, opts FederationOptions) *FederationHandler {
	return &FederationHandler{broker: broker, opts: opts, now: time.Now}
}

// RegisterRoutes binds the provider routes under the auth group.
func (h *FederationHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/:provider", h.beginLogin)
	r.GET("/:provider/callback", h.completeLogin)
	r.GET("/:provider/verify", h.beginVerification)
	r.GET("/:provider/verify/callback", h.completeVerification)
}

// beginLogin stores the requested role under a fresh state and redirects to the provider.
func (h *FederationHandler) beginLogin(c *gin.Context) {
	provider, ok := h.provider(c)
	if !ok {
		return
	}

	redirect, err := h.broker.BeginLogin(c.Request.Context(), provider, c.Query("role"))
	if err != nil {
		RespondWithMappedError(c, err)
		return
	}

	h.setStateCookie(c, loginStateCookie, redirect)
	c.Redirect(http.StatusFound, redirect.URL)
}

func (h *FederationHandler) completeLogin(c *gin.Context) {
	provider, ok := h.provider(c)
	if !ok {
		return
	}

	callback, err := h.callback(c, provider, loginStateCookie)
	if err != nil {
		h.respondLoginFailure(c, provider, err)
		return
	}

	result, err := h.broker.CompleteLogin(c.Request.Context(), callback)
	if err != nil {
		h.respondLoginFailure(c, provider, err)
		return
	}

	c.JSON(http.StatusOK, SessionResponse{
		User:  newAccountResponse(result.Account),
		Token: result.Token,
	})
}

func (h *FederationHandler) beginVerification(c *gin.Context) {
	provider, ok := h.provider(c)
	if !ok {
		return
	}

	redirect, err := h.broker.BeginVerification(c.Request.Context(), provider)
	if err != nil {
		RespondWithMappedError(c, err)
		return
	}

	h.setStateCookie(c, verifyStateCookie, redirect)
	c.Redirect(http.StatusFound, redirect.URL)
}

func (h *FederationHandler) completeVerification(c *gin.Context) {
	provider, ok := h.provider(c)
	if !ok {
		return
	}

	callback, err := h.callback(c, provider, verifyStateCookie)
	if err != nil {
		RespondWithMappedError(c, err)
		return
	}

	profile, err := h.broker.CompleteVerification(c.Request.Context(), callback)
	if err != nil {
		RespondWithMappedError(c, err)
		return
	}

	c.JSON(http.StatusOK, VerificationResponse{Provider: provider, Profile: *profile})
}

func (h *FederationHandler) provider(c *gin.Context) (domain.Provider, bool) {
	provider, ok := domain.ParseProvider(c.Param("provider"))
	if !ok {
		RespondWithMappedError(c, usecase.NewValidationError("provider", "provider is not supported"))
		return "", false
	}
	return provider, true
}

// callback reads the provider parameters and checks the state against the cookie set by
// the initiating browser. The cookie is cleared either way.
func (h *FederationHandler) callback(c *gin.Context, provider domain.Provider, cookieName string) (usecase.FederationCallback, error) {
	state := c.Query("state")
	cookie, err := c.Cookie(cookieName)
	h.clearStateCookie(c, cookieName)

	if err != nil || state == "" || subtle.ConstantTimeCompare([]byte(cookie), []byte(state)) != 1 {
		return usecase.FederationCallback{}, usecase.ErrInvalidOrExpiredToken
	}

	return usecase.FederationCallback{
		Provider: provider,
		State:    state,
		Code:     c.Query("code"),
		Error:    c.Query("error"),
	}, nil
}

func (h *FederationHandler) respondLoginFailure(c *gin.Context, provider domain.Provider, err error) {
	target, ok := h.errorRedirect(provider, err)
	if !ok {
		RespondWithMappedError(c, err)
		return
	}
	c.Redirect(http.StatusFound, target)
}

func (h *FederationHandler) errorRedirect(provider domain.Provider, err error) (string, bool) {
	if h.opts.ErrorRedirectURL == "" {
		return "", false
	}
	if !errors.Is(err, usecase.ErrBlockedAccount) &&
		!errors.Is(err, usecase.ErrUpstreamProvider) &&
		!errors.Is(err, usecase.ErrInvalidOrExpiredToken) {
		return "", false
	}

	target, parseErr := url.Parse(h.opts.ErrorRedirectURL)
	if parseErr != nil {
		return "", false
	}

	cs, _ := ResolveError(err)
	query := target.Query()
	query.Set("error", cs.Code)
	query.Set("provider", string(provider))
	target.RawQuery = query.Encode()
	return target.String(), true
}

func (h *FederationHandler) setStateCookie(c *gin.Context, name string, redirect *usecase.FederationRedirect) {
	maxAge := int(redirect.ExpiresAt.Sub(h.now()).Seconds())
	if maxAge <= 0 {
		maxAge = 1
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, redirect.State, maxAge, stateCookiePath, "", h.opts.CookieSecure, true)
}

func (h *FederationHandler) clearStateCookie(c *gin.Context, name string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, "", -1, stateCookiePath, "", h.opts.CookieSecure, true)
}
