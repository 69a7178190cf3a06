package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App           AppSettings           `mapstructure:"app"`
	Postgres      PostgresSettings      `mapstructure:"postgres"`
	Redis         RedisSettings         `mapstructure:"redis"`
	Kafka         KafkaSettings         `mapstructure:"kafka"`
	JWT           JWTSettings           `mapstructure:"jwt"`
	GRPC          GRPCSettings          `mapstructure:"grpc"`
	Telemetry     TelemetrySettings     `mapstructure:"telemetry"`
	RateLimit     RateLimitSettings     `mapstructure:"rate_limit"`
	Argon2        Argon2Settings        `mapstructure:"argon2"`
	PasswordReset PasswordResetSettings `mapstructure:"password_reset"`
	Federation    FederationSettings    `mapstructure:"federation"`
	Notifications NotificationSettings  `mapstructure:"notifications"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// AllowedOrigins lists the browser origins accepted by CORS. "*" allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type GRPCSettings struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type PostgresSettings struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	Database          string        `mapstructure:"database"`
	SSLMode           string        `mapstructure:"ssl_mode"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	AutoMigrate       bool          `mapstructure:"auto_migrate"`
}

// RedisSettings configures Redis connection, TLS and key layout
type RedisSettings struct {
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	DB                    int    `mapstructure:"db"`
	Password              string `mapstructure:"password"`
	TLSEnabled            bool   `mapstructure:"tls_enabled"`
	FederationStatePrefix string `mapstructure:"federation_state_prefix"`
	RateLimitPrefix       string `mapstructure:"rate_limit_prefix"`
}

// KafkaSettings configures the Kafka producer used for side-effect dispatch
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

// RateLimitSettings configures the sliding window and the per-route budgets. IP budgets
// cover one client, email budgets cover one target account across all clients.
type RateLimitSettings struct {
	WindowDuration              time.Duration `mapstructure:"window_duration"`
	LoginMaxAttempts            int           `mapstructure:"login_max_attempts"`
	LoginEmailMaxAttempts       int           `mapstructure:"login_email_max_attempts"`
	RegisterMaxAttempts         int           `mapstructure:"register_max_attempts"`
	ForgotPasswordAttempts      int           `mapstructure:"forgot_password_max_attempts"`
	ForgotPasswordEmailAttempts int           `mapstructure:"forgot_password_email_max_attempts"`
}

// Argon2Settings configures Argon2id password hashing cost
type Argon2Settings struct {
	Memory      uint32 `mapstructure:"memory"`
	Iterations  uint32 `mapstructure:"iterations"`
	Parallelism uint8  `mapstructure:"parallelism"`
	SaltLength  uint32 `mapstructure:"salt_length"`
	KeyLength   uint32 `mapstructure:"key_length"`
}

type JWTSettings struct {
	KeyDirectory     string        `mapstructure:"key_directory"`
	Issuer           string        `mapstructure:"issuer"`
	AccessTokenTTL   time.Duration `mapstructure:"access_token_ttl"`
	RefreshThreshold time.Duration `mapstructure:"refresh_threshold"`
}

type TelemetrySettings struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// PasswordResetSettings configures reset token lifetime and per-account throttling
type PasswordResetSettings struct {
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	AttemptWindow time.Duration `mapstructure:"attempt_window"`
}

// FederationSettings configures the identity providers and the redirect state slot
type FederationSettings struct {
	StateTTL         time.Duration    `mapstructure:"state_ttl"`
	ErrorRedirectURL string           `mapstructure:"error_redirect_url"`
	CookieSecure     bool             `mapstructure:"cookie_secure"`
	Google           ProviderSettings `mapstructure:"google"`
	LinkedIn         ProviderSettings `mapstructure:"linkedin"`
}

// ProviderSettings configures one OAuth2/OIDC identity provider.
// Endpoint URLs are optional overrides of the provider defaults.
type ProviderSettings struct {
	ClientID          string   `mapstructure:"client_id"`
	ClientSecret      string   `mapstructure:"client_secret"`
	RedirectURL       string   `mapstructure:"redirect_url"`
	VerifyRedirectURL string   `mapstructure:"verify_redirect_url"`
	AuthURL           string   `mapstructure:"auth_url"`
	TokenURL          string   `mapstructure:"token_url"`
	UserInfoURL       string   `mapstructure:"userinfo_url"`
	Scopes            []string `mapstructure:"scopes"`
}

// Enabled reports whether the provider has client credentials configured.
func (p ProviderSettings) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

// NotificationSettings configures side-effect recipients and links
type NotificationSettings struct {
	FrontendURL   string   `mapstructure:"frontend_url"`
	OpsRecipients []string `mapstructure:"ops_recipients"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("IAM")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"app.allowed_origins",
		"grpc.host",
		"grpc.port",
		"postgres.host",
		"postgres.port",
		"postgres.user",
		"postgres.password",
		"postgres.database",
		"postgres.ssl_mode",
		"postgres.max_conns",
		"postgres.min_conns",
		"postgres.max_conn_lifetime",
		"postgres.max_conn_idle_time",
		"postgres.health_check_period",
		"postgres.auto_migrate",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.federation_state_prefix",
		"redis.rate_limit_prefix",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
		"jwt.key_directory",
		"jwt.issuer",
		"jwt.access_token_ttl",
		"jwt.refresh_threshold",
		"telemetry.otlp_endpoint",
		"telemetry.service_name",
		"telemetry.sampling_rate",
		"rate_limit.window_duration",
		"rate_limit.login_max_attempts",
		"rate_limit.login_email_max_attempts",
		"rate_limit.register_max_attempts",
		"rate_limit.forgot_password_max_attempts",
		"rate_limit.forgot_password_email_max_attempts",
		"argon2.memory",
		"argon2.iterations",
		"argon2.parallelism",
		"argon2.salt_length",
		"argon2.key_length",
		"password_reset.token_ttl",
		"password_reset.max_attempts",
		"password_reset.attempt_window",
		"federation.state_ttl",
		"federation.error_redirect_url",
		"federation.cookie_secure",
		"federation.google.client_id",
		"federation.google.client_secret",
		"federation.google.redirect_url",
		"federation.google.verify_redirect_url",
		"federation.google.auth_url",
		"federation.google.token_url",
		"federation.google.userinfo_url",
		"federation.google.scopes",
		"federation.linkedin.client_id",
		"federation.linkedin.client_secret",
		"federation.linkedin.redirect_url",
		"federation.linkedin.verify_redirect_url",
		"federation.linkedin.auth_url",
		"federation.linkedin.token_url",
		"federation.linkedin.userinfo_url",
		"federation.linkedin.scopes",
		"notifications.frontend_url",
		"notifications.ops_recipients",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "identity-service")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "0.0.0.0")
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "identity")
	v.SetDefault("postgres.password", "identity_password")
	v.SetDefault("postgres.database", "identity")
	v.SetDefault("postgres.ssl_mode", "disable")
	v.SetDefault("postgres.max_conns", 10)
	v.SetDefault("postgres.min_conns", 2)
	v.SetDefault("postgres.max_conn_lifetime", "60m")
	v.SetDefault("postgres.max_conn_idle_time", "15m")
	v.SetDefault("postgres.health_check_period", "30s")
	v.SetDefault("postgres.auto_migrate", true)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.federation_state_prefix", "auth:federation:state")
	v.SetDefault("redis.rate_limit_prefix", "auth:rate-limit")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "identity")
	v.SetDefault("kafka.async", false)

	v.SetDefault("jwt.key_directory", "./secrets")
	v.SetDefault("jwt.issuer", "identity-service")
	v.SetDefault("jwt.access_token_ttl", "168h")
	v.SetDefault("jwt.refresh_threshold", "1h")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "identity-service")
	v.SetDefault("telemetry.sampling_rate", 1.0)

	v.SetDefault("rate_limit.window_duration", "1m")
	v.SetDefault("rate_limit.login_max_attempts", 10)
	v.SetDefault("rate_limit.login_email_max_attempts", 5)
	v.SetDefault("rate_limit.register_max_attempts", 5)
	v.SetDefault("rate_limit.forgot_password_max_attempts", 5)
	v.SetDefault("rate_limit.forgot_password_email_max_attempts", 3)

	v.SetDefault("argon2.memory", 65536) // 64 MB
	v.SetDefault("argon2.iterations", 3)
	v.SetDefault("argon2.parallelism", 4)
	v.SetDefault("argon2.salt_length", 16)
	v.SetDefault("argon2.key_length", 32)

	v.SetDefault("password_reset.token_ttl", "1h")
	v.SetDefault("password_reset.max_attempts", 5)
	v.SetDefault("password_reset.attempt_window", "1h")

	v.SetDefault("federation.state_ttl", "10m")
	v.SetDefault("federation.error_redirect_url", "")
	v.SetDefault("federation.cookie_secure", true)
	v.SetDefault("federation.google.scopes", []string{"openid", "email", "profile"})
	v.SetDefault("federation.linkedin.scopes", []string{"openid", "email", "profile"})

	v.SetDefault("notifications.frontend_url", "http://localhost:3000")
	v.SetDefault("notifications.ops_recipients", []string{})
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, "IAM_"+envKey, envKey); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	return nil
}
