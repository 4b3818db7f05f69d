package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gabrielcapiotti/mercado-backend/internal/auth"
	"github.com/gabrielcapiotti/mercado-backend/internal/domain"
)

func newRefreshTokenTestFixture(t *testing.T) (*RefreshTokenRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	repo := NewRefreshTokenRepository(mock)
	return repo, mock
}

func sampleRefreshToken() *domain.RefreshToken {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.RefreshToken{
		ID:        "rt-1",
		UserID:    "u-1234",
		Token:     "opaque-token-abc",
		IssuedIP:  "203.0.113.7",
		UserAgent: "curl/8.5.0",
		ExpiresAt: now.Add(7 * 24 * time.Hour),
		CreatedAt: now,
	}
}

func refreshTokenRow(rt *domain.RefreshToken) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "user_id", "token", "issued_ip", "user_agent",
		"expires_at", "created_at", "revoked_at",
	}).AddRow(
		rt.ID, rt.UserID, rt.Token, rt.IssuedIP, rt.UserAgent,
		rt.ExpiresAt, rt.CreatedAt, rt.RevokedAt,
	)
}

// ---------------------------------------------------------------------------
// Create / GetByToken
// ---------------------------------------------------------------------------

func TestRefreshTokenRepository_Create_Success(t *testing.T) {
	repo, mock := newRefreshTokenTestFixture(t)
	defer mock.Close()

	rt := sampleRefreshToken()

	mock.ExpectExec("INSERT INTO refresh_tokens").
		WithArgs(rt.ID, rt.UserID, rt.Token, rt.IssuedIP, rt.UserAgent, rt.ExpiresAt, rt.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.Create(context.Background(), rt)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepository_GetByToken_Success(t *testing.T) {
	repo, mock := newRefreshTokenTestFixture(t)
	defer mock.Close()

	rt := sampleRefreshToken()

	mock.ExpectQuery("SELECT .+ FROM refresh_tokens WHERE token =").
		WithArgs(rt.Token).
		WillReturnRows(refreshTokenRow(rt))

	got, err := repo.GetByToken(context.Background(), rt.Token)
	require.NoError(t, err)
	assert.Equal(t, rt.UserID, got.UserID)
	assert.Nil(t, got.RevokedAt)
	assert.False(t, got.Revoked())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepository_GetByToken_Unknown(t *testing.T) {
	repo, mock := newRefreshTokenTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM refresh_tokens WHERE token =").
		WithArgs("no-such-token").
		WillReturnError(pgx.ErrNoRows)

	got, err := repo.GetByToken(context.Background(), "no-such-token")
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, auth.ErrRefreshTokenInvalid), "expected ErrRefreshTokenInvalid, got: %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Revoke
// ---------------------------------------------------------------------------

func TestRefreshTokenRepository_Revoke_Success(t *testing.T) {
	repo, mock := newRefreshTokenTestFixture(t)
	defer mock.Close()

	at := time.Now().UTC()

	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs("opaque-token-abc", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.Revoke(context.Background(), "opaque-token-abc", at)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepository_Revoke_AlreadyRevokedIsNoop(t *testing.T) {
	repo, mock := newRefreshTokenTestFixture(t)
	defer mock.Close()

	at := time.Now().UTC()

	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs("opaque-token-abc", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Revoke(context.Background(), "opaque-token-abc", at)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepository_RevokeByUserID(t *testing.T) {
	repo, mock := newRefreshTokenTestFixture(t)
	defer mock.Close()

	at := time.Now().UTC()

	mock.ExpectExec("UPDATE refresh_tokens SET revoked_at").
		WithArgs("u-1234", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	err := repo.RevokeByUserID(context.Background(), "u-1234", at)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ---------------------------------------------------------------------------
// Rotate
// ---------------------------------------------------------------------------

func TestRefreshTokenRepository_Rotate_Success(t *testing.T) {
	repo, mock := newRefreshTokenTestFixture(t)
	defer mock.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	replacement := sampleRefreshToken()
	replacement.ID = "rt-2"
	replacement.Token = "opaque-token-def"
	replacement.UserID = "" // bound from the revoked row inside the transaction

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens SET revoked_at .+ RETURNING user_id").
		WithArgs("opaque-token-abc", now).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("u-1234"))
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WithArgs(
			replacement.ID, "u-1234", replacement.Token,
			replacement.IssuedIP, replacement.UserAgent,
			replacement.ExpiresAt, replacement.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := repo.Rotate(context.Background(), "opaque-token-abc", replacement, now)
	require.NoError(t, err)
	assert.Equal(t, "u-1234", replacement.UserID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepository_Rotate_StaleToken(t *testing.T) {
	repo, mock := newRefreshTokenTestFixture(t)
	defer mock.Close()

	now := time.Now().UTC()
	replacement := sampleRefreshToken()

	// Revoked, expired, and unknown tokens all yield zero rows from the
	// guarded UPDATE; no replacement row is ever written.
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens SET revoked_at .+ RETURNING user_id").
		WithArgs("stale-token", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := repo.Rotate(context.Background(), "stale-token", replacement, now)
	assert.True(t, errors.Is(err, auth.ErrRefreshTokenInvalid), "expected ErrRefreshTokenInvalid, got: %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshTokenRepository_Rotate_InsertFailureRollsBack(t *testing.T) {
	repo, mock := newRefreshTokenTestFixture(t)
	defer mock.Close()

	now := time.Now().UTC().Truncate(time.Microsecond)
	replacement := sampleRefreshToken()
	replacement.ID = "rt-2"
	replacement.Token = "opaque-token-def"

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE refresh_tokens SET revoked_at .+ RETURNING user_id").
		WithArgs("opaque-token-abc", now).
		WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow("u-1234"))
	mock.ExpectExec("INSERT INTO refresh_tokens").
		WithArgs(
			replacement.ID, "u-1234", replacement.Token,
			replacement.IssuedIP, replacement.UserAgent,
			replacement.ExpiresAt, replacement.CreatedAt,
		).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.Rotate(context.Background(), "opaque-token-abc", replacement, now)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
