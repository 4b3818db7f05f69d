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

	"github.com/gabrielcapiotti/mercado-backend/internal/domain"
	apperrors "github.com/gabrielcapiotti/mercado-backend/pkg/errors"
)

func newTwoFactorTestFixture(t *testing.T) (*TwoFactorCodeRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	repo := NewTwoFactorCodeRepository(mock)
	return repo, mock
}

func sampleTwoFactorCode() *domain.TwoFactorCode {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &domain.TwoFactorCode{
		ID:          "tfc-1",
		UserID:      "u-1234",
		Code:        "482913",
		Method:      domain.TwoFactorMethodEmail,
		Attempts:    0,
		MaxAttempts: domain.DefaultTwoFactorMaxAttempts,
		Used:        false,
		ExpiresAt:   now.Add(5 * time.Minute),
		CreatedAt:   now,
	}
}

func TestTwoFactorCodeRepository_Create_Success(t *testing.T) {
	repo, mock := newTwoFactorTestFixture(t)
	defer mock.Close()

	c := sampleTwoFactorCode()

	mock.ExpectExec("INSERT INTO two_factor_codes").
		WithArgs(
			c.ID, c.UserID, c.Code, c.Method, c.Attempts,
			c.MaxAttempts, c.Used, c.ExpiresAt, c.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := repo.Create(context.Background(), c)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTwoFactorCodeRepository_GetLatestByUserID_Success(t *testing.T) {
	repo, mock := newTwoFactorTestFixture(t)
	defer mock.Close()

	c := sampleTwoFactorCode()

	mock.ExpectQuery("SELECT .+ FROM two_factor_codes WHERE user_id =").
		WithArgs(c.UserID).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "user_id", "code", "method", "attempts",
			"max_attempts", "used", "used_at", "expires_at", "created_at",
		}).AddRow(
			c.ID, c.UserID, c.Code, c.Method, c.Attempts,
			c.MaxAttempts, c.Used, c.UsedAt, c.ExpiresAt, c.CreatedAt,
		))

	got, err := repo.GetLatestByUserID(context.Background(), c.UserID)
	require.NoError(t, err)
	assert.Equal(t, c.Code, got.Code)
	assert.False(t, got.Used)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTwoFactorCodeRepository_GetLatestByUserID_None(t *testing.T) {
	repo, mock := newTwoFactorTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT .+ FROM two_factor_codes WHERE user_id =").
		WithArgs("u-none").
		WillReturnError(pgx.ErrNoRows)

	got, err := repo.GetLatestByUserID(context.Background(), "u-none")
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTwoFactorCodeRepository_Consume_Live(t *testing.T) {
	repo, mock := newTwoFactorTestFixture(t)
	defer mock.Close()

	usedAt := time.Now().UTC()

	mock.ExpectExec("UPDATE two_factor_codes SET used = TRUE").
		WithArgs("tfc-1", usedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ok, err := repo.Consume(context.Background(), "tfc-1", usedAt)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTwoFactorCodeRepository_Consume_GuardFails(t *testing.T) {
	repo, mock := newTwoFactorTestFixture(t)
	defer mock.Close()

	usedAt := time.Now().UTC()

	// Used, locked-out, and expired codes all fail the WHERE guard.
	mock.ExpectExec("UPDATE two_factor_codes SET used = TRUE").
		WithArgs("tfc-1", usedAt).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.Consume(context.Background(), "tfc-1", usedAt)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTwoFactorCodeRepository_IncrementAttempts_Live(t *testing.T) {
	repo, mock := newTwoFactorTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("UPDATE two_factor_codes SET attempts = attempts").
		WithArgs("tfc-1").
		WillReturnRows(pgxmock.NewRows([]string{"attempts"}).AddRow(2))

	attempts, err := repo.IncrementAttempts(context.Background(), "tfc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTwoFactorCodeRepository_IncrementAttempts_DeadCodeReportsRowMax(t *testing.T) {
	repo, mock := newTwoFactorTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("UPDATE two_factor_codes SET attempts = attempts").
		WithArgs("tfc-1").
		WillReturnError(pgx.ErrNoRows)
	// A code issued with a higher bound locks at its own bound, not the
	// issuance default.
	mock.ExpectQuery("SELECT max_attempts FROM two_factor_codes").
		WithArgs("tfc-1").
		WillReturnRows(pgxmock.NewRows([]string{"max_attempts"}).AddRow(5))

	attempts, err := repo.IncrementAttempts(context.Background(), "tfc-1")
	require.NoError(t, err)
	assert.Equal(t, 5, attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTwoFactorCodeRepository_IncrementAttempts_MissingRow(t *testing.T) {
	repo, mock := newTwoFactorTestFixture(t)
	defer mock.Close()

	mock.ExpectQuery("UPDATE two_factor_codes SET attempts = attempts").
		WithArgs("tfc-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT max_attempts FROM two_factor_codes").
		WithArgs("tfc-1").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.IncrementAttempts(context.Background(), "tfc-1")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
