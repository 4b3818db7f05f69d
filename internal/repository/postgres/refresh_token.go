package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gabrielcapiotti/mercado-backend/internal/auth"
	"github.com/gabrielcapiotti/mercado-backend/internal/domain"
)

// RefreshTokenRepository implements repository.RefreshTokenRepository using
// PostgreSQL. Token strings are unique; revocation sets revoked_at and rows
// are never deleted, so the audit trail of issued tokens survives rotation.
type RefreshTokenRepository struct {
	db DB
}

// NewRefreshTokenRepository creates a new PostgreSQL-backed refresh token repository.
func NewRefreshTokenRepository(db DB) *RefreshTokenRepository {
	return &RefreshTokenRepository{db: db}
}

// Create stores a new refresh token record.
func (r *RefreshTokenRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	query := `
		INSERT INTO refresh_tokens (id, user_id, token, issued_ip, user_agent, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		t.ID,
		t.UserID,
		t.Token,
		t.IssuedIP,
		t.UserAgent,
		t.ExpiresAt,
		t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

// GetByToken retrieves a refresh token record by its token string.
func (r *RefreshTokenRepository) GetByToken(ctx context.Context, token string) (*domain.RefreshToken, error) {
	query := `
		SELECT id, user_id, token, issued_ip, user_agent, expires_at, created_at, revoked_at
		FROM refresh_tokens
		WHERE token = $1`

	var t domain.RefreshToken
	err := r.db.QueryRow(ctx, query, token).Scan(
		&t.ID,
		&t.UserID,
		&t.Token,
		&t.IssuedIP,
		&t.UserAgent,
		&t.ExpiresAt,
		&t.CreatedAt,
		&t.RevokedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrRefreshTokenInvalid
		}
		return nil, fmt.Errorf("scan refresh token: %w", err)
	}

	return &t, nil
}

// Revoke marks the token revoked. Already-revoked and unknown tokens are
// left untouched without error, so revocation is idempotent.
func (r *RefreshTokenRepository) Revoke(ctx context.Context, token string, at time.Time) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE token = $1 AND revoked_at IS NULL`

	if _, err := r.db.Exec(ctx, query, token, at); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

// RevokeByUserID revokes all live tokens of the given user.
func (r *RefreshTokenRepository) RevokeByUserID(ctx context.Context, userID string, at time.Time) error {
	query := `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL`

	if _, err := r.db.Exec(ctx, query, userID, at); err != nil {
		return fmt.Errorf("revoke refresh tokens for user: %w", err)
	}

	return nil
}

// Rotate revokes the old token and stores its replacement in one
// transaction. The guarded UPDATE row-locks the old token, so of any number
// of concurrent rotations of the same string exactly one sees a live row;
// the rest get zero rows back and fail with auth.ErrRefreshTokenInvalid
// before anything is inserted.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldToken string, replacement *domain.RefreshToken, now time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin rotation: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	revoke := `
		UPDATE refresh_tokens
		SET revoked_at = $2
		WHERE token = $1 AND revoked_at IS NULL AND expires_at > $2
		RETURNING user_id`

	var userID string
	if err := tx.QueryRow(ctx, revoke, oldToken, now).Scan(&userID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.ErrRefreshTokenInvalid
		}
		return fmt.Errorf("revoke rotated token: %w", err)
	}

	replacement.UserID = userID

	insert := `
		INSERT INTO refresh_tokens (id, user_id, token, issued_ip, user_agent, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err = tx.Exec(ctx, insert,
		replacement.ID,
		replacement.UserID,
		replacement.Token,
		replacement.IssuedIP,
		replacement.UserAgent,
		replacement.ExpiresAt,
		replacement.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert replacement token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit rotation: %w", err)
	}

	return nil
}
