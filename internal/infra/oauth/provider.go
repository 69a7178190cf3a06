package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/xuthority/identity-service/internal/core/domain"
	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/infra/config"
)

const (
	instrumentationName = "github.com/xuthority/identity-service/internal/infra/oauth"
	defaultHTTPTimeout  = 10 * time.Second
	maxUserInfoBytes    = 1 << 20
)

var defaultScopes = []string{"openid", "email", "profile"}

type providerDefaults struct {
	endpoint    oauth2.Endpoint
	userInfoURL string
}

var knownProviders = map[domain.Provider]providerDefaults{
	domain.ProviderGoogle: {
		endpoint:    endpoints.Google,
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
	},
	domain.ProviderLinkedIn: {
		endpoint:    endpoints.LinkedIn,
		userInfoURL: "https://api.linkedin.com/v2/userinfo",
	},
}

// Provider runs the authorization-code flow against one OpenID Connect provider.
type Provider struct {
	name        domain.Provider
	login       *oauth2.Config
	verify      *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	tracer      trace.Tracer
}

// NewProvider builds a provider from its settings. Endpoint URLs left empty fall back to the
// provider's published endpoints.
func NewProvider(name domain.Provider, settings config.ProviderSettings, httpClient *http.Client) (*Provider, error) {
	defaults, ok := knownProviders[name]
	if !ok {
		return nil, fmt.Errorf("oauth: unsupported provider %q", name)
	}
	if !settings.Enabled() {
		return nil, fmt.Errorf("oauth: provider %q has no client credentials", name)
	}
	if strings.TrimSpace(settings.RedirectURL) == "" {
		return nil, fmt.Errorf("oauth: provider %q has no redirect url", name)
	}

	endpoint := defaults.endpoint
	if settings.AuthURL != "" {
		endpoint.AuthURL = settings.AuthURL
	}
	if settings.TokenURL != "" {
		endpoint.TokenURL = settings.TokenURL
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	userInfoURL := defaults.userInfoURL
	if settings.UserInfoURL != "" {
		userInfoURL = settings.UserInfoURL
	}

	scopes := settings.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	login := &oauth2.Config{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  settings.RedirectURL,
		Scopes:       scopes,
	}
	verify := *login
	if settings.VerifyRedirectURL != "" {
		verify.RedirectURL = settings.VerifyRedirectURL
	}

	return &Provider{
		name:        name,
		login:       login,
		verify:      &verify,
		userInfoURL: userInfoURL,
		httpClient:  httpClient,
		tracer:      otel.Tracer(instrumentationName),
	}, nil
}

// NewProviders builds every configured provider. Providers without credentials are skipped.
func NewProviders(settings config.FederationSettings, httpClient *http.Client, logger *zap.Logger) (map[domain.Provider]port.IdentityProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	configured := map[domain.Provider]config.ProviderSettings{
		domain.ProviderGoogle:   settings.Google,
		domain.ProviderLinkedIn: settings.LinkedIn,
	}

	providers := make(map[domain.Provider]port.IdentityProvider, len(configured))
	for _, name := range domain.FederatedProviders {
		providerSettings := configured[name]
		if !providerSettings.Enabled() {
			logger.Info("identity provider disabled", zap.String("provider", string(name)))
			continue
		}
		provider, err := NewProvider(name, providerSettings, httpClient)
		if err != nil {
			return nil, err
		}
		providers[name] = provider
	}
	return providers, nil
}

// Name returns the provider tag.
func (p *Provider) Name() domain.Provider {
	return p.name
}

// AuthCodeURL returns the consent URL with a S256 PKCE challenge.
func (p *Provider) AuthCodeURL(state, codeVerifier string, purpose domain.FederationPurpose) string {
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(codeVerifier)}
	if purpose == domain.FederationPurposeVerify {
		opts = append(opts, oauth2.SetAuthURLParam("prompt", "consent"))
	}
	return p.config(purpose).AuthCodeURL(state, opts...)
}

// FetchProfile exchanges the code and reads the userinfo endpoint.
func (p *Provider) FetchProfile(ctx context.Context, code, codeVerifier string, purpose domain.FederationPurpose) (_ *domain.ProviderProfile, err error) {
	ctx, span := p.tracer.Start(ctx, "oauth.FetchProfile", trace.WithAttributes(
		attribute.String("oauth.provider", string(p.name)),
		attribute.String("oauth.purpose", string(purpose)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config(purpose).Exchange(ctx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return nil, fmt.Errorf("exchange code: provider returned %d %s", retrieve.Response.StatusCode, retrieve.ErrorCode)
		}
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	return p.userInfo(ctx, token)
}

func (p *Provider) userInfo(ctx context.Context, token *oauth2.Token) (*domain.ProviderProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	token.SetAuthHeader(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request: provider returned %d", resp.StatusCode)
	}

	var claims userInfoClaims
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUserInfoBytes)).Decode(&claims); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("userinfo: missing subject")
	}

	return claims.profile(p.name), nil
}

func (p *Provider) config(purpose domain.FederationPurpose) *oauth2.Config {
	if purpose == domain.FederationPurposeVerify {
		return p.verify
	}
	return p.login
}

// userInfoClaims covers the standard OIDC userinfo claims both providers return.
type userInfoClaims struct {
	Subject       string          `json:"sub"`
	Email         string          `json:"email"`
	EmailVerified flexibleBool    `json:"email_verified"`
	Name          string          `json:"name"`
	GivenName     string          `json:"given_name"`
	FamilyName    string          `json:"family_name"`
	Picture       string          `json:"picture"`
	Locale        json.RawMessage `json:"locale"`
}

func (c userInfoClaims) profile(provider domain.Provider) *domain.ProviderProfile {
	return &domain.ProviderProfile{
		Provider:      provider,
		Subject:       c.Subject,
		Email:         strings.TrimSpace(c.Email),
		EmailVerified: bool(c.EmailVerified),
		FirstName:     strings.TrimSpace(c.GivenName),
		LastName:      strings.TrimSpace(c.FamilyName),
		Name:          strings.TrimSpace(c.Name),
		Picture:       c.Picture,
		Locale:        parseLocale(c.Locale),
	}
}

// flexibleBool accepts both true and "true"; some providers serialise the claim as a string.
type flexibleBool bool

func (b *flexibleBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(strings.ToLower(string(data)), `"`) {
	case "true":
		*b = true
	case "false", "null", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// parseLocale accepts a BCP 47 string or LinkedIn's {"country","language"} object.
func parseLocale(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var tag string
	if err := json.Unmarshal(raw, &tag); err == nil {
		return tag
	}
	var parts struct {
		Country  string `json:"country"`
		Language string `json:"language"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil || parts.Language == "" {
		return ""
	}
	if parts.Country == "" {
		return parts.Language
	}
	return parts.Language + "-" + parts.Country
}
