package http

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gabrielcapiotti/mercado-backend/internal/auth"
	"github.com/gabrielcapiotti/mercado-backend/internal/domain"
	"github.com/gabrielcapiotti/mercado-backend/internal/event"
	"github.com/gabrielcapiotti/mercado-backend/internal/service"
	apperrors "github.com/gabrielcapiotti/mercado-backend/pkg/errors"
	"github.com/gabrielcapiotti/mercado-backend/pkg/health"
	pkgkafka "github.com/gabrielcapiotti/mercado-backend/pkg/kafka"
	"github.com/gabrielcapiotti/mercado-backend/pkg/middleware"
)

// ============================================================================
// Mock repositories
// ============================================================================

type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) Create(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *mockUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *mockUserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *mockUserRepo) Update(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

type mockTwoFactorRepo struct {
	mock.Mock
}

func (m *mockTwoFactorRepo) Create(ctx context.Context, code *domain.TwoFactorCode) error {
	args := m.Called(ctx, code)
	return args.Error(0)
}

func (m *mockTwoFactorRepo) GetLatestByUserID(ctx context.Context, userID string) (*domain.TwoFactorCode, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TwoFactorCode), args.Error(1)
}

func (m *mockTwoFactorRepo) Consume(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	args := m.Called(ctx, id, usedAt)
	return args.Bool(0), args.Error(1)
}

func (m *mockTwoFactorRepo) IncrementAttempts(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

// memoryRefreshStore is a minimal thread-safe refresh token store.
type memoryRefreshStore struct {
	mu     sync.Mutex
	tokens map[string]*domain.RefreshToken
}

func newMemoryRefreshStore() *memoryRefreshStore {
	return &memoryRefreshStore{tokens: make(map[string]*domain.RefreshToken)}
}

func (s *memoryRefreshStore) Create(_ context.Context, t *domain.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.Token] = &cp
	return nil
}

func (s *memoryRefreshStore) GetByToken(_ context.Context, token string) (*domain.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, auth.ErrRefreshTokenInvalid
	}
	cp := *t
	return &cp, nil
}

func (s *memoryRefreshStore) Revoke(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tokens[token]; ok && t.RevokedAt == nil {
		t.RevokedAt = &at
	}
	return nil
}

func (s *memoryRefreshStore) RevokeByUserID(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &at
		}
	}
	return nil
}

func (s *memoryRefreshStore) Rotate(_ context.Context, oldToken string, replacement *domain.RefreshToken, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldToken]
	if !ok || old.RevokedAt != nil || !now.Before(old.ExpiresAt) {
		return auth.ErrRefreshTokenInvalid
	}
	old.RevokedAt = &now
	replacement.UserID = old.UserID
	cp := *replacement
	s.tokens[replacement.Token] = &cp
	return nil
}

// ============================================================================
// Fixture
// ============================================================================

type routerFixture struct {
	router    http.Handler
	users     *mockUserRepo
	twoFactor *mockTwoFactorRepo
	codec     *auth.TokenCodec
	hasher    *auth.PasswordHasher
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	users := &mockUserRepo{}
	twoFactor := &mockTwoFactorRepo{}
	refresh := newMemoryRefreshStore()
	codec := auth.NewTokenCodec("test-secret-key-for-testing", 15*time.Minute, 7*24*time.Hour)
	hasher := auth.NewPasswordHasher(4)

	kafkaProducer := pkgkafka.NewProducer(pkgkafka.DefaultProducerConfig([]string{"localhost:9092"}), logger)
	producer := event.NewProducer(kafkaProducer, logger)

	svc := service.NewAuthService(users, refresh, twoFactor, codec, hasher, producer, nil, logger,
		service.AuthConfig{TwoFactorTTL: 5 * time.Minute})

	gate := auth.NewGate(codec, users, logger,
		"/health", "/metrics",
		"/api/v1/auth/register",
		"/api/v1/auth/login",
		"/api/v1/auth/two-factor",
		"/api/v1/auth/refresh",
	)
	router := NewRouter(svc, gate, health.NewHandler(), logger, middleware.CORSConfig{Environment: "development"})

	return &routerFixture{
		router:    router,
		users:     users,
		twoFactor: twoFactor,
		codec:     codec,
		hasher:    hasher,
	}
}

func (f *routerFixture) activeUser(password string) *domain.User {
	hash, _ := f.hasher.Hash(password)
	return &domain.User{
		ID:           "u-1234",
		Email:        "alice@example.com",
		PasswordHash: hash,
		FirstName:    "Alice",
		LastName:     "Smith",
		Roles:        []string{domain.RoleUser},
		IsActive:     true,
	}
}

func (f *routerFixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Data
}

// login runs a full login and returns the issued token pair.
func (f *routerFixture) login(t *testing.T, password string) (string, string) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{
		Email:    "alice@example.com",
		Password: password,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	data := decodeData(t, rec)
	tokens := data["tokens"].(map[string]any)
	return tokens["access_token"].(string), tokens["refresh_token"].(string)
}

// ============================================================================
// Register
// ============================================================================

func TestAuthHandler_Register_Success(t *testing.T) {
	f := newRouterFixture(t)
	f.users.On("Create", mock.Anything, mock.Anything).Return(nil)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/register", RegisterRequest{
		Email:     "alice@example.com",
		Password:  "Str0ngPass",
		FirstName: "Alice",
		LastName:  "Smith",
	}, nil)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	user := data["user"].(map[string]any)
	tokens := data["tokens"].(map[string]any)
	assert.Equal(t, "alice@example.com", user["email"])
	assert.NotEmpty(t, tokens["access_token"])
	assert.NotEmpty(t, tokens["refresh_token"])
	assert.EqualValues(t, 900, tokens["expires_in"])
}

func TestAuthHandler_Register_ValidationError(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/register", RegisterRequest{
		Email:     "not-an-email",
		Password:  "Str0ngPass",
		FirstName: "Alice",
		LastName:  "Smith",
	}, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
	f.users.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestAuthHandler_Register_DuplicateEmail(t *testing.T) {
	f := newRouterFixture(t)
	f.users.On("Create", mock.Anything, mock.Anything).
		Return(apperrors.AlreadyExists("user", "email", "alice@example.com"))

	rec := f.do(t, http.MethodPost, "/api/v1/auth/register", RegisterRequest{
		Email:     "alice@example.com",
		Password:  "Str0ngPass",
		FirstName: "Alice",
		LastName:  "Smith",
	}, nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "ALREADY_EXISTS")
}

func TestAuthHandler_Register_RejectsNonJSON(t *testing.T) {
	f := newRouterFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewBufferString("email=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

// ============================================================================
// Login
// ============================================================================

func TestAuthHandler_Login_Success(t *testing.T) {
	f := newRouterFixture(t)
	user := f.activeUser("Str0ngPass")
	f.users.On("GetByEmail", mock.Anything, user.Email).Return(user, nil)

	access, refresh := f.login(t, "Str0ngPass")
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)

	claims, err := f.codec.Verify(access)
	require.NoError(t, err)
	assert.True(t, claims.IsKind(auth.KindAccess))
}

func TestAuthHandler_Login_IgnoresStaleAuthorizationHeader(t *testing.T) {
	f := newRouterFixture(t)
	user := f.activeUser("Str0ngPass")
	f.users.On("GetByEmail", mock.Anything, user.Email).Return(user, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{
		Email:    user.Email,
		Password: "Str0ngPass",
	}, map[string]string{"Authorization": "Bearer not.a.token"})

	assert.Equal(t, http.StatusOK, rec.Code)
	// The login route is exempt from the gate, so the stale header must not
	// trigger a token verification or a user lookup.
	f.users.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestAuthHandler_Login_WrongPassword(t *testing.T) {
	f := newRouterFixture(t)
	user := f.activeUser("Str0ngPass")
	f.users.On("GetByEmail", mock.Anything, user.Email).Return(user, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{
		Email:    user.Email,
		Password: "WrongPass1",
	}, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid email or password")
}

func TestAuthHandler_Login_TwoFactorChallenge(t *testing.T) {
	f := newRouterFixture(t)
	user := f.activeUser("Str0ngPass")
	user.TwoFactorEnabled = true
	f.users.On("GetByEmail", mock.Anything, user.Email).Return(user, nil)
	f.twoFactor.On("Create", mock.Anything, mock.Anything).Return(nil)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/login", LoginRequest{
		Email:    user.Email,
		Password: "Str0ngPass",
	}, nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	data := decodeData(t, rec)
	assert.Equal(t, true, data["two_factor_required"])
}

// ============================================================================
// Two-factor
// ============================================================================

func TestAuthHandler_TwoFactor_Success(t *testing.T) {
	f := newRouterFixture(t)
	user := f.activeUser("Str0ngPass")
	f.users.On("GetByEmail", mock.Anything, user.Email).Return(user, nil)

	now := time.Now().UTC()
	code := &domain.TwoFactorCode{
		ID:          "tfc-1",
		UserID:      user.ID,
		Code:        "482913",
		Method:      domain.TwoFactorMethodEmail,
		MaxAttempts: domain.DefaultTwoFactorMaxAttempts,
		ExpiresAt:   now.Add(5 * time.Minute),
		CreatedAt:   now,
	}
	f.twoFactor.On("GetLatestByUserID", mock.Anything, user.ID).Return(code, nil)
	f.twoFactor.On("Consume", mock.Anything, code.ID, mock.Anything).Return(true, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/two-factor", TwoFactorRequest{
		Email: user.Email,
		Code:  "482913",
	}, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	tokens := data["tokens"].(map[string]any)
	assert.NotEmpty(t, tokens["access_token"])
}

func TestAuthHandler_TwoFactor_Mismatch(t *testing.T) {
	f := newRouterFixture(t)
	user := f.activeUser("Str0ngPass")
	f.users.On("GetByEmail", mock.Anything, user.Email).Return(user, nil)

	now := time.Now().UTC()
	code := &domain.TwoFactorCode{
		ID:          "tfc-1",
		UserID:      user.ID,
		Code:        "482913",
		MaxAttempts: domain.DefaultTwoFactorMaxAttempts,
		ExpiresAt:   now.Add(5 * time.Minute),
		CreatedAt:   now,
	}
	f.twoFactor.On("GetLatestByUserID", mock.Anything, user.ID).Return(code, nil)
	f.twoFactor.On("IncrementAttempts", mock.Anything, code.ID).Return(1, nil)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/two-factor", TwoFactorRequest{
		Email: user.Email,
		Code:  "000000",
	}, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "mismatch")
}

// ============================================================================
// Refresh / Logout
// ============================================================================

func TestAuthHandler_Refresh_RotatesPair(t *testing.T) {
	f := newRouterFixture(t)
	user := f.activeUser("Str0ngPass")
	f.users.On("GetByEmail", mock.Anything, user.Email).Return(user, nil)

	_, refresh := f.login(t, "Str0ngPass")

	rec := f.do(t, http.MethodPost, "/api/v1/auth/refresh", RefreshTokenRequest{RefreshToken: refresh}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The old refresh token is dead after rotation.
	rec = f.do(t, http.MethodPost, "/api/v1/auth/refresh", RefreshTokenRequest{RefreshToken: refresh}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHandler_Refresh_GarbageToken(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/refresh", RefreshTokenRequest{RefreshToken: "garbage"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHandler_Logout_Idempotent(t *testing.T) {
	f := newRouterFixture(t)
	user := f.activeUser("Str0ngPass")
	f.users.On("GetByEmail", mock.Anything, user.Email).Return(user, nil)

	_, refresh := f.login(t, "Str0ngPass")

	rec := f.do(t, http.MethodPost, "/api/v1/auth/logout", LogoutRequest{RefreshToken: refresh}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/auth/logout", LogoutRequest{RefreshToken: refresh}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The revoked token no longer refreshes.
	rec = f.do(t, http.MethodPost, "/api/v1/auth/refresh", RefreshTokenRequest{RefreshToken: refresh}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// ============================================================================
// Authenticated endpoints
// ============================================================================

func TestAuthHandler_Me_RequiresAuthentication(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/auth/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthHandler_Me_ReturnsProfile(t *testing.T) {
	f := newRouterFixture(t)
	user := f.activeUser("Str0ngPass")
	f.users.On("GetByEmail", mock.Anything, user.Email).Return(user, nil)
	f.users.On("GetByID", mock.Anything, user.ID).Return(user, nil)

	access, _ := f.login(t, "Str0ngPass")

	rec := f.do(t, http.MethodGet, "/api/v1/auth/me", nil, map[string]string{
		"Authorization": "Bearer " + access,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeData(t, rec)
	assert.Equal(t, user.Email, data["email"])
}

func TestAuthHandler_LogoutAll_EndsEverySession(t *testing.T) {
	f := newRouterFixture(t)
	user := f.activeUser("Str0ngPass")
	f.users.On("GetByEmail", mock.Anything, user.Email).Return(user, nil)

	access, firstRefresh := f.login(t, "Str0ngPass")
	_, secondRefresh := f.login(t, "Str0ngPass")

	rec := f.do(t, http.MethodPost, "/api/v1/auth/logout-all", nil, map[string]string{
		"Authorization": "Bearer " + access,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for _, token := range []string{firstRefresh, secondRefresh} {
		rec = f.do(t, http.MethodPost, "/api/v1/auth/refresh", RefreshTokenRequest{RefreshToken: token}, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}
}

func TestAuthHandler_LogoutAll_RequiresAuthentication(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/auth/logout-all", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
