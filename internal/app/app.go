package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gabrielcapiotti/mercado-backend/internal/auth"
	"github.com/gabrielcapiotti/mercado-backend/internal/config"
	"github.com/gabrielcapiotti/mercado-backend/internal/event"
	handler "github.com/gabrielcapiotti/mercado-backend/internal/handler/http"
	"github.com/gabrielcapiotti/mercado-backend/internal/rate"
	"github.com/gabrielcapiotti/mercado-backend/internal/repository/postgres"
	"github.com/gabrielcapiotti/mercado-backend/internal/service"
	"github.com/gabrielcapiotti/mercado-backend/migrations"
	"github.com/gabrielcapiotti/mercado-backend/pkg/database"
	"github.com/gabrielcapiotti/mercado-backend/pkg/health"
	pkgkafka "github.com/gabrielcapiotti/mercado-backend/pkg/kafka"
	"github.com/gabrielcapiotti/mercado-backend/pkg/middleware"
)

// App wires together all dependencies and runs the auth service.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	pool       *pgxpool.Pool
	redis      *redis.Client
	producer   *pkgkafka.Producer
	httpServer *http.Server
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize PostgreSQL connection pool.
	pgCfg := database.PostgresConfig{
		Host:            cfg.PostgresHost,
		Port:            cfg.PostgresPort,
		User:            cfg.PostgresUser,
		Password:        cfg.PostgresPass,
		DBName:          cfg.PostgresDB,
		SSLMode:         cfg.PostgresSSL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnLifetime: time.Duration(cfg.DBMaxConnLifetimeMins) * time.Minute,
		MaxConnIdleTime: time.Duration(cfg.DBMaxConnIdleTimeMins) * time.Minute,
	}

	pool, err := database.NewPostgresPoolWithLogger(ctx, &pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	logger.Info("connected to PostgreSQL",
		slog.String("host", cfg.PostgresHost),
		slog.Int("port", cfg.PostgresPort),
		slog.String("database", cfg.PostgresDB),
	)
	database.RegisterPoolMetrics(pool, "auth")

	// Run database migrations.
	if err := database.RunMigrations(ctx, pool, migrations.FS, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations completed")

	// Redis backs the login and two-factor issuance budgets. A Redis outage
	// is not fatal: the limiter fails open and the service keeps serving.
	var redisClient *redis.Client
	var limiter *rate.Limiter
	redisClient, err = database.NewRedisClient(ctx, database.RedisConfig{
		Host:     redisHost(cfg.RedisAddr),
		Port:     redisPort(cfg.RedisAddr),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Warn("redis unavailable, rate limiting disabled",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()),
		)
		redisClient = nil
	} else {
		logger.Info("connected to Redis", slog.String("addr", cfg.RedisAddr))
		limiter = rate.New(redisClient, rate.Config{
			MaxLoginAttempts:     cfg.MaxLoginAttempts,
			LoginWindow:          cfg.LoginAttemptWindow,
			MaxTwoFactorIssuance: cfg.MaxTwoFactorIssuance,
			TwoFactorWindow:      cfg.TwoFactorWindow,
		})
	}

	// Initialize Kafka producer.
	kafkaCfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
	producer := pkgkafka.NewProducer(kafkaCfg, logger)
	logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))

	// Build the dependency graph.
	codec := auth.NewTokenCodec(cfg.JWTSecret, cfg.JWTAccessExpiry, cfg.JWTRefreshExpiry)
	hasher := auth.NewPasswordHasher(cfg.BcryptCost)
	userRepo := postgres.NewUserRepository(pool)
	refreshTokenRepo := postgres.NewRefreshTokenRepository(pool)
	twoFactorRepo := postgres.NewTwoFactorCodeRepository(pool)
	eventProducer := event.NewProducer(producer, logger)

	authService := service.NewAuthService(
		userRepo, refreshTokenRepo, twoFactorRepo,
		codec, hasher, eventProducer, limiter, logger,
		service.AuthConfig{
			TwoFactorTTL:        cfg.TwoFactorTTL,
			TwoFactorCodeLength: cfg.TwoFactorCodeLength,
			TwoFactorMethod:     cfg.TwoFactorMethod,
		},
	)

	// Public auth endpoints never read the principal, so the gate skips
	// token verification for them. Logout stays gated: its handlers resolve
	// the caller, and the /api/v1/auth/logout prefix would also match
	// /api/v1/auth/logout-all.
	gate := auth.NewGate(codec, userRepo, logger,
		"/health", "/metrics",
		"/api/v1/auth/register",
		"/api/v1/auth/login",
		"/api/v1/auth/two-factor",
		"/api/v1/auth/refresh",
	)

	// Health checks.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("postgres", func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	if redisClient != nil {
		healthHandler.RegisterNonCritical("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	healthHandler.RegisterNonCritical("kafka", func(ctx context.Context) error {
		return producer.Ping(ctx)
	})

	// HTTP router.
	router := handler.NewRouter(authService, gate, healthHandler, logger, middleware.CORSConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Environment:    cfg.Environment,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		redis:      redisClient,
		producer:   producer,
		httpServer: httpServer,
	}, nil
}

func redisHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func redisPort(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 6379
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return 6379
	}
	return p
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components in the correct order:
// 1. HTTP server (drain in-flight requests)
// 2. Kafka producer
// 3. Redis client
// 4. PostgreSQL pool
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	// 1. Drain in-flight HTTP requests (5s budget).
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 2. Close Kafka producer.
	if err := a.producer.Close(); err != nil {
		a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	// 3. Close Redis client.
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	// 4. Close PostgreSQL pool.
	a.pool.Close()

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
