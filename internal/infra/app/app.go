package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/xuthority/identity-service/internal/core/port"
	"github.com/xuthority/identity-service/internal/infra/config"
	"github.com/xuthority/identity-service/internal/infra/database"
	kafkainfra "github.com/xuthority/identity-service/internal/infra/kafka"
	"github.com/xuthority/identity-service/internal/infra/logger"
	"github.com/xuthority/identity-service/internal/infra/oauth"
	redisinfra "github.com/xuthority/identity-service/internal/infra/redis"
	"github.com/xuthority/identity-service/internal/infra/security"
	"github.com/xuthority/identity-service/internal/infra/telemetry"
	postgresrepo "github.com/xuthority/identity-service/internal/repository/postgres"
	redisrepo "github.com/xuthority/identity-service/internal/repository/redis"
	transportgrpc "github.com/xuthority/identity-service/internal/transport/grpc"
	grpcinterceptors "github.com/xuthority/identity-service/internal/transport/grpc/interceptors"
	"github.com/xuthority/identity-service/internal/transport/http/middleware"
	"github.com/xuthority/identity-service/internal/transport/http/routes"
	"github.com/xuthority/identity-service/internal/usecase"
)

const providerHTTPTimeout = 10 * time.Second

// sideEffectSink is implemented by both the Kafka and the stub dispatcher.
type sideEffectSink interface {
	port.Dispatcher
	port.AuditLog
}

type Application struct {
	cfg        *config.AppConfig
	engine     *gin.Engine
	logger     *zap.Logger
	pool       *pgxpool.Pool
	redis      *redisinfra.Client
	producer   *kafkainfra.Producer
	telemetry  *telemetry.Provider
	grpcServer *transportgrpc.Server
	grpcAddr   string
}

func New(ctx context.Context, cfg *config.AppConfig) (*Application, error) {
	log, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	tel, err := telemetry.Attach(ctx, cfg, prometheus.DefaultRegisterer, log)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Postgres, log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}

	if cfg.Postgres.AutoMigrate {
		if err := database.Migrate(ctx, pool, log); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}

	redisClient, err := redisinfra.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("init redis: %w", err)
	}

	cleanup := func() {
		_ = redisClient.Close()
		pool.Close()
	}

	keyProvider, err := security.NewFileKeyProvider(cfg.JWT.KeyDirectory)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("init key provider: %w", err)
	}
	jwtManager := security.NewJWTManager(keyProvider, cfg.JWT.Issuer, []string{cfg.App.Name})

	hasher, err := security.NewArgon2Hasher(security.Argon2Config{
		Memory:      cfg.Argon2.Memory,
		Iterations:  cfg.Argon2.Iterations,
		Parallelism: cfg.Argon2.Parallelism,
		SaltLength:  cfg.Argon2.SaltLength,
		KeyLength:   cfg.Argon2.KeyLength,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("configure argon2: %w", err)
	}
	passwordPolicy := security.NewPasswordPolicy()

	repos := postgresrepo.NewRepositories(pool)
	tokens := usecase.NewTokenIssuer(repos.Accounts, jwtManager, cfg.JWT.AccessTokenTTL, cfg.JWT.RefreshThreshold)

	sink, producer, err := newSideEffectSink(cfg.Kafka, cfg.App, log)
	if err != nil {
		cleanup()
		return nil, err
	}
	if producer != nil {
		cleanup = func() {
			_ = producer.Close()
			_ = redisClient.Close()
			pool.Close()
		}
	}
	audit := tel.CountingAuditLog(sink)

	notifications := usecase.NotificationOptions{
		FrontendURL:   cfg.Notifications.FrontendURL,
		OpsRecipients: cfg.Notifications.OpsRecipients,
	}

	providers, err := oauth.NewProviders(cfg.Federation, &http.Client{Timeout: providerHTTPTimeout}, log)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("init identity providers: %w", err)
	}
	states := redisrepo.NewFederationStateRepository(redisClient.Client(), cfg.Redis.FederationStatePrefix)

	authService := usecase.NewAuthService(repos.Accounts, hasher, passwordPolicy, tokens, sink, audit, notifications, log)
	federationService := usecase.NewFederationService(repos.Accounts, states, providers, tokens, sink, audit, notifications, cfg.Federation.StateTTL, log)
	passwordResetService := usecase.NewPasswordResetService(repos.Accounts, hasher, passwordPolicy, sink, audit, notifications, usecase.PasswordResetOptions{
		TokenTTL:      cfg.PasswordReset.TokenTTL,
		MaxAttempts:   cfg.PasswordReset.MaxAttempts,
		AttemptWindow: cfg.PasswordReset.AttemptWindow,
	}, log)
	profileService := usecase.NewProfileService(repos.Accounts, log)

	rateLimitWindow := cfg.RateLimit.WindowDuration
	if rateLimitWindow <= 0 {
		rateLimitWindow = time.Minute
	}
	rateLimitStore := redisrepo.NewRateLimitRepository(redisClient.Client(), redisrepo.SlidingWindowConfig{
		KeyPrefix: cfg.Redis.RateLimitPrefix,
		TTL:       rateLimitWindow * 2,
	})
	httpMetrics, err := middleware.NewHTTPMetrics(middleware.HTTPMetricsOptions{
		Registerer: prometheus.DefaultRegisterer,
		SkipRoutes: []string{"/metrics"},
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("init http metrics: %w", err)
	}
	rateLimiter := middleware.NewRateLimiter(rateLimitStore, log).WithMetrics(httpMetrics)

	grpcMetrics, err := grpcinterceptors.NewGRPCMetrics(grpcinterceptors.GRPCMetricsOptions{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("init grpc metrics: %w", err)
	}

	grpcSrv, err := transportgrpc.NewServer(transportgrpc.ServerDependencies{
		Tokens:         tokens,
		Metrics:        grpcMetrics,
		TracerProvider: tel.TracerProvider(),
		Logger:         log,
	})
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("init grpc server: %w", err)
	}

	engine := routes.Register(routes.Dependencies{
		Config:      cfg,
		Logger:      log,
		RateLimiter: rateLimiter,
		Metrics:     httpMetrics,
		Gatherer:    prometheus.DefaultGatherer,
		Tokens:      tokens,
		JWTManager:  jwtManager,
		Database:    pool,
		Cache:       redisClient,
		Services: routes.ServiceSet{
			Auth:          authService,
			Federation:    federationService,
			PasswordReset: passwordResetService,
			Profile:       profileService,
		},
	})

	return &Application{
		cfg:        cfg,
		engine:     engine,
		logger:     log,
		pool:       pool,
		redis:      redisClient,
		producer:   producer,
		telemetry:  tel,
		grpcServer: grpcSrv,
		grpcAddr:   fmt.Sprintf("%s:%d", cfg.GRPC.Host, cfg.GRPC.Port),
	}, nil
}

// newSideEffectSink picks the Kafka dispatcher when brokers are configured. A configured
// but unreachable cluster is a startup error; the stub is used only without brokers.
func newSideEffectSink(kafkaCfg config.KafkaSettings, appCfg config.AppSettings, log *zap.Logger) (sideEffectSink, *kafkainfra.Producer, error) {
	if len(kafkaCfg.Brokers) == 0 {
		log.Info("kafka brokers not configured, using stub dispatcher")
		return kafkainfra.NewStubDispatcher(log), nil, nil
	}

	producer, err := kafkainfra.NewProducer(kafkaCfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("init kafka producer: %w", err)
	}
	log.Info("kafka dispatcher initialized",
		zap.Strings("brokers", kafkaCfg.Brokers),
		zap.Bool("async", kafkaCfg.Async),
	)
	return kafkainfra.NewDispatcher(producer, appCfg, log), producer, nil
}

func (a *Application) Run(ctx context.Context) error {
	defer func() {
		_ = a.logger.Sync()
	}()
	defer a.close()

	grpcErrCh := make(chan error, 1)
	if a.grpcServer != nil && a.grpcAddr != "" {
		lis, err := net.Listen("tcp", a.grpcAddr)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		a.logger.Info("starting gRPC server", zap.String("address", a.grpcAddr))
		go func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("gRPC server panicked", zap.Any("panic", r))
					grpcErrCh <- fmt.Errorf("grpc server panicked: %v", r)
				}
			}()
			if err := a.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				a.logger.Error("gRPC server error", zap.Error(err))
				grpcErrCh <- fmt.Errorf("run grpc server: %w", err)
				return
			}
			a.logger.Info("gRPC server stopped gracefully")
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", a.cfg.App.Host, a.cfg.App.Port),
		Handler:           a.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	a.logger.Info("starting identity API",
		zap.String("env", a.cfg.App.Env),
		zap.String("address", srv.Addr),
	)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("run server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		if a.grpcServer != nil {
			a.grpcServer.Shutdown()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown server: %w", err)
		}
		return nil
	case err := <-serverErrCh:
		return err
	case err := <-grpcErrCh:
		return err
	}
}

// close releases backing resources, producers first.
func (a *Application) close() {
	if a.grpcServer != nil {
		a.grpcServer.Stop()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("failed to close kafka producer", zap.Error(err))
		}
	}
	if a.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("failed to flush telemetry", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
