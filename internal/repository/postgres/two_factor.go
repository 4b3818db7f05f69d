package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/gabrielcapiotti/mercado-backend/internal/domain"
	apperrors "github.com/gabrielcapiotti/mercado-backend/pkg/errors"
)

// TwoFactorCodeRepository implements repository.TwoFactorCodeRepository
// using PostgreSQL. Consume and IncrementAttempts are single guarded
// UPDATEs: the database serializes concurrent submissions so a code is
// accepted at most once and attempt counts are never lost.
type TwoFactorCodeRepository struct {
	db DB
}

// NewTwoFactorCodeRepository creates a new PostgreSQL-backed two-factor code repository.
func NewTwoFactorCodeRepository(db DB) *TwoFactorCodeRepository {
	return &TwoFactorCodeRepository{db: db}
}

// Create stores a newly issued code.
func (r *TwoFactorCodeRepository) Create(ctx context.Context, c *domain.TwoFactorCode) error {
	query := `
		INSERT INTO two_factor_codes (id, user_id, code, method, attempts, max_attempts, used, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query,
		c.ID,
		c.UserID,
		c.Code,
		c.Method,
		c.Attempts,
		c.MaxAttempts,
		c.Used,
		c.ExpiresAt,
		c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert two-factor code: %w", err)
	}

	return nil
}

// GetLatestByUserID retrieves the most recently issued code for the user.
func (r *TwoFactorCodeRepository) GetLatestByUserID(ctx context.Context, userID string) (*domain.TwoFactorCode, error) {
	query := `
		SELECT id, user_id, code, method, attempts, max_attempts, used, used_at, expires_at, created_at
		FROM two_factor_codes
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var c domain.TwoFactorCode
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&c.ID,
		&c.UserID,
		&c.Code,
		&c.Method,
		&c.Attempts,
		&c.MaxAttempts,
		&c.Used,
		&c.UsedAt,
		&c.ExpiresAt,
		&c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan two-factor code: %w", err)
	}

	return &c, nil
}

// Consume marks the code used iff it is still live. The WHERE clause is the
// compare-and-set guard: a code that was already used, locked out, or
// expired yields zero rows and the caller sees false.
func (r *TwoFactorCodeRepository) Consume(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	query := `
		UPDATE two_factor_codes
		SET used = TRUE, used_at = $2
		WHERE id = $1 AND used = FALSE AND attempts < max_attempts AND expires_at > $2`

	ct, err := r.db.Exec(ctx, query, id, usedAt)
	if err != nil {
		return false, fmt.Errorf("consume two-factor code: %w", err)
	}

	return ct.RowsAffected() == 1, nil
}

// IncrementAttempts adds one to the attempt counter iff the code is still
// live, returning the new count. When the guard matches no row the code was
// consumed, locked out, or deleted while the submission was in flight; the
// row's own max_attempts is returned so the caller treats it as locked under
// whatever bound that code was issued with.
func (r *TwoFactorCodeRepository) IncrementAttempts(ctx context.Context, id string) (int, error) {
	query := `
		UPDATE two_factor_codes
		SET attempts = attempts + 1
		WHERE id = $1 AND used = FALSE AND attempts < max_attempts
		RETURNING attempts`

	var attempts int
	err := r.db.QueryRow(ctx, query, id).Scan(&attempts)
	if err == nil {
		return attempts, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("increment two-factor attempts: %w", err)
	}

	var max int
	err = r.db.QueryRow(ctx, `SELECT max_attempts FROM two_factor_codes WHERE id = $1`, id).Scan(&max)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, apperrors.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load two-factor attempt bound: %w", err)
	}

	return max, nil
}
