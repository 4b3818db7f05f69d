package config

import (
	"fmt"
	"time"

	pkgconfig "github.com/gabrielcapiotti/mercado-backend/pkg/config"
)

// Config holds all configuration for the auth service.
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"AUTH_HTTP_PORT" envDefault:"8001"`

	// PostgreSQL
	PostgresHost string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort int    `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser string `env:"POSTGRES_USER" envDefault:"mercado"`
	PostgresPass string `env:"POSTGRES_PASSWORD" envDefault:"mercado_secret"`
	PostgresDB   string `env:"AUTH_DB_NAME" envDefault:"auth_db"`
	PostgresSSL  string `env:"POSTGRES_SSL_MODE" envDefault:"disable"`

	// Connection pool tuning
	DBMaxConns            int32 `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns            int32 `env:"DB_MIN_CONNS" envDefault:"5"`
	DBMaxConnLifetimeMins int   `env:"DB_MAX_CONN_LIFETIME_MINS" envDefault:"60"`
	DBMaxConnIdleTimeMins int   `env:"DB_MAX_CONN_IDLE_TIME_MINS" envDefault:"30"`

	// Redis (login and two-factor throttling)
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`

	// JWT
	JWTSecret        string        `env:"JWT_SECRET" envDefault:"change-this-to-a-secure-secret"`
	JWTAccessExpiry  time.Duration `env:"JWT_ACCESS_TOKEN_EXPIRY" envDefault:"1h"`
	JWTRefreshExpiry time.Duration `env:"JWT_REFRESH_TOKEN_EXPIRY" envDefault:"168h"`

	// Password hashing
	BcryptCost int `env:"BCRYPT_COST" envDefault:"12"`

	// Two-factor codes
	TwoFactorTTL        time.Duration `env:"TWO_FACTOR_CODE_TTL" envDefault:"5m"`
	TwoFactorCodeLength int           `env:"TWO_FACTOR_CODE_LENGTH" envDefault:"6"`
	TwoFactorMethod     string        `env:"TWO_FACTOR_METHOD" envDefault:"email"`

	// Rate limiting
	MaxLoginAttempts     int           `env:"MAX_LOGIN_ATTEMPTS" envDefault:"5"`
	LoginAttemptWindow   time.Duration `env:"LOGIN_ATTEMPT_WINDOW" envDefault:"15m"`
	MaxTwoFactorIssuance int           `env:"MAX_TWO_FACTOR_ISSUANCE" envDefault:"3"`
	TwoFactorWindow      time.Duration `env:"TWO_FACTOR_ISSUANCE_WINDOW" envDefault:"15m"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.Load(cfg); err != nil {
		return nil, fmt.Errorf("load auth config: %w", err)
	}
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("invalid HTTP port: %d", cfg.HTTPPort)
	}
	if cfg.JWTAccessExpiry <= 0 || cfg.JWTRefreshExpiry <= 0 {
		return nil, fmt.Errorf("token expiries must be positive")
	}
	if cfg.JWTRefreshExpiry <= cfg.JWTAccessExpiry {
		return nil, fmt.Errorf("refresh token expiry (%s) must exceed access token expiry (%s)",
			cfg.JWTRefreshExpiry, cfg.JWTAccessExpiry)
	}

	// In non-development environments, require an explicitly set, strong JWT secret.
	if cfg.Environment != "development" {
		if cfg.JWTSecret == "change-this-to-a-secure-secret" {
			return nil, fmt.Errorf("JWT_SECRET must be explicitly set via environment variable in %q mode", cfg.Environment)
		}
		if len(cfg.JWTSecret) < 32 {
			return nil, fmt.Errorf("JWT_SECRET must be at least 32 characters long, got %d", len(cfg.JWTSecret))
		}
	}

	return cfg, nil
}

// PostgresDSN returns the PostgreSQL connection string.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPass, c.PostgresHost, c.PostgresPort, c.PostgresDB, c.PostgresSSL,
	)
}
