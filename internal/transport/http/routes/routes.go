package routes

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xuthority/identity-service/internal/infra/config"
	"github.com/xuthority/identity-service/internal/infra/security"
	"github.com/xuthority/identity-service/internal/transport/http/handlers"
	"github.com/xuthority/identity-service/internal/transport/http/middleware"
)

// ServiceSet groups the services the HTTP layer depends on.
type ServiceSet struct {
	Auth          handlers.Authenticator
	Federation    handlers.FederationBroker
	PasswordReset handlers.ResetFlow
	Profile       handlers.ProfileManager
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	RateLimiter *middleware.RateLimiter
	Metrics     *middleware.HTTPMetrics
	Gatherer    prometheus.Gatherer
	Services    ServiceSet
	Tokens      middleware.TokenVerifier
	JWTManager  *security.JWTManager
	Database    DatabaseChecker
	Cache       CacheChecker
}

// DatabaseChecker exposes readiness behaviour for database connections.
type DatabaseChecker interface {
	Ping(ctx context.Context) error
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
func Register(deps Dependencies) *gin.Engine {
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	r.Use(deps.Metrics.Handler())
	r.Use(middleware.CORS(middleware.CORSOptions{AllowedOrigins: deps.Config.App.AllowedOrigins}))

	healthOptions := make([]handlers.HealthOption, 0, 2)
	if deps.Database != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("database", deps.Database.Ping))
	}
	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.HealthCheck))
	}

	healthHandler := handlers.NewHealthHandler(healthOptions...)
	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Ready)

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	r.GET("/.well-known/jwks.json", handlers.NewJWKSHandler(deps.JWTManager).Keys)

	authGroup := r.Group("/auth")

	limits := deps.Config.RateLimit
	byIP := middleware.ClientIPIdentifier()
	byEmail := middleware.EmailIdentifier()

	if deps.Services.Auth != nil {
		handlers.NewAuthHandler(deps.Services.Auth).RegisterRoutes(
			authGroup,
			rateLimitMiddlewares(deps,
				limitRule{"auth_register_ip", limits.RegisterMaxAttempts, byIP},
			),
			rateLimitMiddlewares(deps,
				limitRule{"auth_login_ip", limits.LoginMaxAttempts, byIP},
				limitRule{"auth_login_email", limits.LoginEmailMaxAttempts, byEmail},
			),
		)
	}

	if deps.Services.PasswordReset != nil {
		handlers.NewPasswordHandler(deps.Services.PasswordReset).RegisterRoutes(
			authGroup,
			rateLimitMiddlewares(deps,
				limitRule{"auth_forgot_password_ip", limits.ForgotPasswordAttempts, byIP},
				limitRule{"auth_forgot_password_email", limits.ForgotPasswordEmailAttempts, byEmail},
			),
		)
	}

	if deps.Services.Profile != nil && deps.Tokens != nil {
		handlers.NewAccountHandler(deps.Services.Profile).RegisterRoutes(authGroup, middleware.RequireAuth(deps.Tokens))
	}

	if deps.Services.Federation != nil {
		handlers.NewFederationHandler(deps.Services.Federation, handlers.FederationOptions{
			ErrorRedirectURL: deps.Config.Federation.ErrorRedirectURL,
			CookieSecure:     deps.Config.Federation.CookieSecure,
		}).RegisterRoutes(authGroup)
	}

	return r
}

// limitRule names one budget of a route: the IP rule stops a single client, the email rule
// stops many clients from guessing one account's password.
type limitRule struct {
	name       string
	limit      int
	identifier middleware.IdentifierFunc
}

func rateLimitMiddlewares(deps Dependencies, specs ...limitRule) []gin.HandlerFunc {
	if deps.RateLimiter == nil {
		return nil
	}

	window := deps.Config.RateLimit.WindowDuration
	if window <= 0 {
		window = time.Minute
	}

	rules := make([]middleware.RateLimitRule, 0, len(specs))
	for _, spec := range specs {
		if spec.limit <= 0 {
			continue
		}
		rules = append(rules, middleware.RateLimitRule{
			Name:       spec.name,
			Limit:      spec.limit,
			Window:     window,
			Identifier: spec.identifier,
		})
	}
	if len(rules) == 0 {
		return nil
	}

	return []gin.HandlerFunc{deps.RateLimiter.RateLimit(rules...)}
}
