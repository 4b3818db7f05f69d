package repository

import (
	"context"
	"time"

	"github.com/gabrielcapiotti/mercado-backend/internal/domain"
)

// UserRepository defines the interface for user persistence operations.
type UserRepository interface {
	// Create inserts a new user into the store.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by their unique identifier.
	GetByID(ctx context.Context, id string) (*domain.User, error)

	// GetByEmail retrieves a user by their email address.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)

	// Update modifies an existing user in the store.
	Update(ctx context.Context, user *domain.User) error
}

// RefreshTokenRepository defines the interface for refresh token
// persistence. Tokens are looked up by the opaque token string, which is
// unique across the store. Revocation is monotonic; rows are never deleted.
type RefreshTokenRepository interface {
	// Create stores a new refresh token record.
	Create(ctx context.Context, token *domain.RefreshToken) error

	// GetByToken retrieves a refresh token record by its token string.
	GetByToken(ctx context.Context, token string) (*domain.RefreshToken, error)

	// Revoke marks the token revoked at the given instant. Revoking an
	// already-revoked token is a no-op, not an error.
	Revoke(ctx context.Context, token string, at time.Time) error

	// RevokeByUserID revokes all live tokens of the given user.
	RevokeByUserID(ctx context.Context, userID string, at time.Time) error

	// Rotate atomically revokes the old token and persists its
	// replacement in a single transaction. If the old token is already
	// revoked, expired, or unknown, no replacement is stored and
	// auth.ErrRefreshTokenInvalid is returned. Concurrent rotations of
	// the same token string admit at most one winner.
	Rotate(ctx context.Context, oldToken string, replacement *domain.RefreshToken, now time.Time) error
}

// TwoFactorCodeRepository defines the interface for two-factor code
// persistence. State transitions are single atomic compare-and-updates so
// concurrent submissions against one code cannot both be accepted and
// attempt counts are never lost.
type TwoFactorCodeRepository interface {
	// Create stores a newly issued code.
	Create(ctx context.Context, code *domain.TwoFactorCode) error

	// GetLatestByUserID retrieves the most recently issued code for the
	// given user.
	GetLatestByUserID(ctx context.Context, userID string) (*domain.TwoFactorCode, error)

	// Consume marks the code used at the given instant iff it is still
	// live (unused, within attempts, not expired). Returns false when the
	// guard fails, which means another path already terminated the code.
	Consume(ctx context.Context, id string, usedAt time.Time) (bool, error)

	// IncrementAttempts adds one to the attempt counter iff the code is
	// still live, returning the new count.
	IncrementAttempts(ctx context.Context, id string) (int, error)
}
