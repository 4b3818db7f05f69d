package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited is returned when an identifier exceeded its attempt budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrRedisUnavailable wraps transport failures talking to Redis.
	ErrRedisUnavailable = errors.New("redis unavailable")
)

// Config holds rate limiter tuning parameters.
type Config struct {
	MaxLoginAttempts     int
	LoginWindow          time.Duration
	MaxTwoFactorIssuance int
	TwoFactorWindow      time.Duration
}

// Limiter throttles login attempts and two-factor code issuance using
// fixed-window Redis counters, keyed per email and per client IP.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a Limiter backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// CheckLogin reports whether the email+IP pair is still within the login
// attempt budget.
func (l *Limiter) CheckLogin(ctx context.Context, email, ip string) error {
	if err := l.checkCounter(ctx, loginEmailKey(email), l.config.MaxLoginAttempts); err != nil {
		return err
	}
	if ip != "" {
		if err := l.checkCounter(ctx, loginIPKey(ip), l.config.MaxLoginAttempts); err != nil {
			return err
		}
	}
	return nil
}

// RecordLoginFailure counts a failed credential check against the email+IP
// pair and reports whether the pair just crossed its budget.
func (l *Limiter) RecordLoginFailure(ctx context.Context, email, ip string) error {
	count, err := l.incrementWithTTL(ctx, loginEmailKey(email), l.config.LoginWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxLoginAttempts) {
		return ErrRateLimited
	}

	if ip != "" {
		count, err = l.incrementWithTTL(ctx, loginIPKey(ip), l.config.LoginWindow)
		if err != nil {
			return err
		}
		if count > int64(l.config.MaxLoginAttempts) {
			return ErrRateLimited
		}
	}

	return nil
}

// ResetLogin clears the failure counters after a successful authentication.
func (l *Limiter) ResetLogin(ctx context.Context, email, ip string) error {
	keys := []string{loginEmailKey(email)}
	if ip != "" {
		keys = append(keys, loginIPKey(ip))
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// CheckTwoFactorIssuance counts a code issuance for the user and reports
// whether the issuance budget is exhausted.
func (l *Limiter) CheckTwoFactorIssuance(ctx context.Context, userID string) error {
	count, err := l.incrementWithTTL(ctx, twoFactorKey(userID), l.config.TwoFactorWindow)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxTwoFactorIssuance) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) checkCounter(ctx context.Context, key string, maxAttempts int) error {
	count, err := l.redis.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count > int64(maxAttempts) {
		return ErrRateLimited
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func loginEmailKey(email string) string {
	return "authlimit:login:email:" + email
}

func loginIPKey(ip string) string {
	return "authlimit:login:ip:" + ip
}

func twoFactorKey(userID string) string {
	return "authlimit:2fa:user:" + userID
}
