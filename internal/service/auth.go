package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/gabrielcapiotti/mercado-backend/internal/auth"
	"github.com/gabrielcapiotti/mercado-backend/internal/domain"
	"github.com/gabrielcapiotti/mercado-backend/internal/event"
	"github.com/gabrielcapiotti/mercado-backend/internal/rate"
	"github.com/gabrielcapiotti/mercado-backend/internal/repository"
	apperrors "github.com/gabrielcapiotti/mercado-backend/pkg/errors"
)

// minPasswordLength is the minimum password length required.
const minPasswordLength = 8

// defaultTwoFactorCodeLength is the number of digits in an issued code.
const defaultTwoFactorCodeLength = 6

// AuthConfig holds the tunable parameters of the auth service.
type AuthConfig struct {
	TwoFactorTTL        time.Duration
	TwoFactorCodeLength int
	TwoFactorMethod     string
}

// AuthService implements registration, credential authentication, the
// two-factor challenge flow, and session lifecycle (token issuance,
// rotation, revocation).
type AuthService struct {
	userRepo      repository.UserRepository
	refreshRepo   repository.RefreshTokenRepository
	twoFactorRepo repository.TwoFactorCodeRepository
	codec         *auth.TokenCodec
	hasher        *auth.PasswordHasher
	producer      *event.Producer
	limiter       *rate.Limiter
	logger        *slog.Logger
	config        AuthConfig
	now           func() time.Time
}

// NewAuthService creates a new auth service using the wall clock.
func NewAuthService(
	userRepo repository.UserRepository,
	refreshRepo repository.RefreshTokenRepository,
	twoFactorRepo repository.TwoFactorCodeRepository,
	codec *auth.TokenCodec,
	hasher *auth.PasswordHasher,
	producer *event.Producer,
	limiter *rate.Limiter,
	logger *slog.Logger,
	config AuthConfig,
) *AuthService {
	return NewAuthServiceWithClock(userRepo, refreshRepo, twoFactorRepo, codec, hasher, producer, limiter, logger, config, time.Now)
}

// NewAuthServiceWithClock is like NewAuthService but with an explicit
// time source.
func NewAuthServiceWithClock(
	userRepo repository.UserRepository,
	refreshRepo repository.RefreshTokenRepository,
	twoFactorRepo repository.TwoFactorCodeRepository,
	codec *auth.TokenCodec,
	hasher *auth.PasswordHasher,
	producer *event.Producer,
	limiter *rate.Limiter,
	logger *slog.Logger,
	config AuthConfig,
	now func() time.Time,
) *AuthService {
	if config.TwoFactorCodeLength <= 0 {
		config.TwoFactorCodeLength = defaultTwoFactorCodeLength
	}
	if config.TwoFactorMethod == "" {
		config.TwoFactorMethod = domain.TwoFactorMethodEmail
	}
	return &AuthService{
		userRepo:      userRepo,
		refreshRepo:   refreshRepo,
		twoFactorRepo: twoFactorRepo,
		codec:         codec,
		hasher:        hasher,
		producer:      producer,
		limiter:       limiter,
		logger:        logger,
		config:        config,
		now:           now,
	}
}

// --- Input/Output types ---

// RegisterInput holds the parameters for registering a new user.
type RegisterInput struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
}

// LoginInput holds the parameters for credential authentication.
type LoginInput struct {
	Email     string
	Password  string
	IP        string
	UserAgent string
}

// TwoFactorInput holds the parameters for a two-factor code submission.
type TwoFactorInput struct {
	Email     string
	Code      string
	IP        string
	UserAgent string
}

// LoginResult is the outcome of a credential authentication. When the
// account has two-factor enabled, Tokens is nil and TwoFactorRequired is
// set; the session starts only after the code is verified.
type LoginResult struct {
	User              *domain.User
	Tokens            *domain.TokenPair
	TwoFactorRequired bool
}

// --- Operations ---

// Register creates a new user account, hashes the password, and returns
// the user with an initial token pair.
func (s *AuthService) Register(ctx context.Context, input RegisterInput) (*domain.User, *domain.TokenPair, error) {
	if input.Email == "" {
		return nil, nil, apperrors.InvalidInput("email is required")
	}
	if input.FirstName == "" {
		return nil, nil, apperrors.InvalidInput("first name is required")
	}
	if input.LastName == "" {
		return nil, nil, apperrors.InvalidInput("last name is required")
	}
	if err := validatePassword(input.Password); err != nil {
		return nil, nil, err
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	user := &domain.User{
		ID:           uuid.New().String(),
		Email:        input.Email,
		PasswordHash: hash,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Roles:        []string{domain.RoleUser},
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, nil, fmt.Errorf("create user: %w", err)
	}

	tokens, err := s.issueTokenPair(ctx, user, "", "")
	if err != nil {
		return nil, nil, fmt.Errorf("generate tokens: %w", err)
	}

	// Publish registration event (non-blocking on failure).
	if err := s.producer.PublishUserRegistered(ctx, user); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish user.registered event",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	registrationsTotal.Inc()
	s.logger.InfoContext(ctx, "user registered",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)

	return user, tokens, nil
}

// Authenticate checks the email+password credential. Accounts with
// two-factor enabled get a code issued instead of tokens; the rest get a
// full token pair immediately.
func (s *AuthService) Authenticate(ctx context.Context, input LoginInput) (*LoginResult, error) {
	if input.Email == "" {
		return nil, apperrors.InvalidInput("email is required")
	}
	if input.Password == "" {
		return nil, apperrors.InvalidInput("password is required")
	}

	if err := s.checkLoginBudget(ctx, input.Email, input.IP); err != nil {
		return nil, err
	}

	user, err := s.userRepo.GetByEmail(ctx, input.Email)
	if err != nil {
		// Unknown emails count against the failure budget too.
		return nil, s.failLogin(ctx, input.Email, input.IP, auth.ErrInvalidCredentials)
	}

	if !user.IsActive {
		loginsTotal.WithLabelValues(resultDenied).Inc()
		return nil, unauthorized(auth.ErrUserInactive, "account is deactivated")
	}

	if !s.hasher.Verify(input.Password, user.PasswordHash) {
		return nil, s.failLogin(ctx, input.Email, input.IP, auth.ErrInvalidCredentials)
	}

	s.resetLoginBudget(ctx, input.Email, input.IP)

	if user.TwoFactorEnabled {
		if err := s.issueTwoFactorCode(ctx, user); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "two-factor challenge issued",
			slog.String("user_id", user.ID),
		)
		return &LoginResult{User: user, TwoFactorRequired: true}, nil
	}

	tokens, err := s.issueTokenPair(ctx, user, input.IP, input.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("generate tokens: %w", err)
	}

	s.publishLoggedIn(ctx, user, input.IP, input.UserAgent)

	loginsTotal.WithLabelValues(resultSuccess).Inc()
	s.logger.InfoContext(ctx, "user logged in",
		slog.String("user_id", user.ID),
		slog.String("email", user.Email),
	)

	return &LoginResult{User: user, Tokens: tokens}, nil
}

// VerifyTwoFactor checks a submitted code against the latest issued code
// for the account and completes the pending login on success. A code is
// terminal once used, expired, or locked out; wrong submissions count
// against the attempt budget atomically.
func (s *AuthService) VerifyTwoFactor(ctx context.Context, input TwoFactorInput) (*LoginResult, error) {
	if input.Email == "" {
		return nil, apperrors.InvalidInput("email is required")
	}
	if input.Code == "" {
		return nil, apperrors.InvalidInput("code is required")
	}

	user, err := s.userRepo.GetByEmail(ctx, input.Email)
	if err != nil {
		twoFactorVerificationsTotal.WithLabelValues(resultDenied).Inc()
		return nil, unauthorized(auth.ErrInvalidCredentials, "invalid email or code")
	}
	if !user.IsActive {
		twoFactorVerificationsTotal.WithLabelValues(resultDenied).Inc()
		return nil, unauthorized(auth.ErrUserInactive, "account is deactivated")
	}

	code, err := s.twoFactorRepo.GetLatestByUserID(ctx, user.ID)
	if err != nil {
		// No code on file behaves exactly like an expired one.
		twoFactorVerificationsTotal.WithLabelValues(resultDenied).Inc()
		return nil, unauthorized(auth.ErrTwoFactorExpired, "two-factor code expired")
	}

	now := s.now().UTC()
	if err := s.checkCodeLive(code, now); err != nil {
		twoFactorVerificationsTotal.WithLabelValues(resultDenied).Inc()
		return nil, unauthorized(err, err.Error())
	}

	if subtle.ConstantTimeCompare([]byte(code.Code), []byte(input.Code)) != 1 {
		return nil, s.failTwoFactor(ctx, user, code)
	}

	accepted, err := s.twoFactorRepo.Consume(ctx, code.ID, now)
	if err != nil {
		return nil, fmt.Errorf("consume two-factor code: %w", err)
	}
	if !accepted {
		// A concurrent submission or expiry won the compare-and-set.
		twoFactorVerificationsTotal.WithLabelValues(resultDenied).Inc()
		return nil, unauthorized(auth.ErrTwoFactorAlreadyUsed, "two-factor code already used")
	}

	tokens, err := s.issueTokenPair(ctx, user, input.IP, input.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("generate tokens: %w", err)
	}

	s.publishLoggedIn(ctx, user, input.IP, input.UserAgent)

	twoFactorVerificationsTotal.WithLabelValues(resultSuccess).Inc()
	loginsTotal.WithLabelValues(resultSuccess).Inc()
	s.logger.InfoContext(ctx, "two-factor verification succeeded",
		slog.String("user_id", user.ID),
	)

	return &LoginResult{User: user, Tokens: tokens}, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a
// fresh pair is issued in its place. A token that is expired, revoked, or
// unknown rotates nothing; concurrent rotations of the same token admit at
// most one winner.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (*domain.TokenPair, error) {
	if refreshToken == "" {
		return nil, apperrors.InvalidInput("refresh token is required")
	}

	claims, err := s.codec.Verify(refreshToken)
	if err != nil {
		tokenRefreshesTotal.WithLabelValues(resultDenied).Inc()
		return nil, unauthorized(err, "invalid or expired refresh token")
	}
	if !claims.IsKind(auth.KindRefresh) {
		tokenRefreshesTotal.WithLabelValues(resultDenied).Inc()
		return nil, unauthorized(auth.ErrTokenKindMismatch, "not a refresh token")
	}

	user, err := s.userRepo.GetByEmail(ctx, claims.Subject)
	if err != nil {
		tokenRefreshesTotal.WithLabelValues(resultDenied).Inc()
		return nil, unauthorized(auth.ErrUserInactive, "account not found")
	}
	if !user.IsActive {
		tokenRefreshesTotal.WithLabelValues(resultDenied).Inc()
		return nil, unauthorized(auth.ErrUserInactive, "account is deactivated")
	}

	newRefresh, err := s.codec.IssueRefresh(user.Email)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	now := s.now().UTC()
	replacement := &domain.RefreshToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Token:     newRefresh,
		IssuedIP:  ip,
		UserAgent: userAgent,
		ExpiresAt: now.Add(s.codec.RefreshExpiry()),
		CreatedAt: now,
	}

	if err := s.refreshRepo.Rotate(ctx, refreshToken, replacement, now); err != nil {
		if errors.Is(err, auth.ErrRefreshTokenInvalid) {
			tokenRefreshesTotal.WithLabelValues(resultDenied).Inc()
			return nil, unauthorized(auth.ErrRefreshTokenInvalid, "refresh token revoked or unknown")
		}
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	accessToken, err := s.codec.IssueAccess(user.Email, auth.Authorities(user.Roles))
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	tokenRefreshesTotal.WithLabelValues(resultSuccess).Inc()
	s.logger.InfoContext(ctx, "tokens refreshed",
		slog.String("user_id", user.ID),
	)

	return &domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		ExpiresIn:    int64(s.codec.AccessExpiry().Seconds()),
	}, nil
}

// Logout revokes the presented refresh token. Unknown and already-revoked
// tokens are treated as success so logout is idempotent.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return apperrors.InvalidInput("refresh token is required")
	}

	if err := s.refreshRepo.Revoke(ctx, refreshToken, s.now().UTC()); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

// LogoutAll revokes every live refresh token of the user, ending all of
// their sessions.
func (s *AuthService) LogoutAll(ctx context.Context, userID string) error {
	if err := s.refreshRepo.RevokeByUserID(ctx, userID, s.now().UTC()); err != nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}

	s.logger.InfoContext(ctx, "all sessions revoked",
		slog.String("user_id", userID),
	)

	return nil
}

// GetProfile retrieves a user by their ID.
func (s *AuthService) GetProfile(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user profile: %w", err)
	}
	return user, nil
}

// --- Helpers ---

// issueTokenPair signs an access+refresh pair for the user and persists the
// refresh token record.
func (s *AuthService) issueTokenPair(ctx context.Context, user *domain.User, ip, userAgent string) (*domain.TokenPair, error) {
	accessToken, err := s.codec.IssueAccess(user.Email, auth.Authorities(user.Roles))
	if err != nil {
		return nil, fmt.Errorf("generate access token: %w", err)
	}

	refreshToken, err := s.codec.IssueRefresh(user.Email)
	if err != nil {
		return nil, fmt.Errorf("generate refresh token: %w", err)
	}

	now := s.now().UTC()
	record := &domain.RefreshToken{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		Token:     refreshToken,
		IssuedIP:  ip,
		UserAgent: userAgent,
		ExpiresAt: now.Add(s.codec.RefreshExpiry()),
		CreatedAt: now,
	}
	if err := s.refreshRepo.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("store refresh token: %w", err)
	}

	return &domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.codec.AccessExpiry().Seconds()),
	}, nil
}

// issueTwoFactorCode generates and stores a fresh code for the user and
// hands it to the notification pipeline.
func (s *AuthService) issueTwoFactorCode(ctx context.Context, user *domain.User) error {
	if s.limiter != nil {
		if err := s.limiter.CheckTwoFactorIssuance(ctx, user.ID); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				loginsTotal.WithLabelValues(resultRateLimited).Inc()
				return apperrors.TooManyRequests("too many code requests, try again later")
			}
			// Redis being down must not lock every two-factor account out.
			s.logger.WarnContext(ctx, "two-factor issuance throttle unavailable",
				slog.String("error", err.Error()),
			)
		}
	}

	value, err := generateNumericCode(s.config.TwoFactorCodeLength)
	if err != nil {
		return fmt.Errorf("generate two-factor code: %w", err)
	}

	now := s.now().UTC()
	code := &domain.TwoFactorCode{
		ID:          uuid.New().String(),
		UserID:      user.ID,
		Code:        value,
		Method:      s.config.TwoFactorMethod,
		Attempts:    0,
		MaxAttempts: domain.DefaultTwoFactorMaxAttempts,
		ExpiresAt:   now.Add(s.config.TwoFactorTTL),
		CreatedAt:   now,
	}

	if err := s.twoFactorRepo.Create(ctx, code); err != nil {
		return fmt.Errorf("store two-factor code: %w", err)
	}

	// Delivery rides the event bus; failure is logged, not surfaced, so the
	// client still gets the challenge response and can request a resend.
	if err := s.producer.PublishTwoFactorCodeIssued(ctx, user, code); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish two_factor_code_issued event",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// checkCodeLive maps a terminal code state to its sentinel.
func (s *AuthService) checkCodeLive(code *domain.TwoFactorCode, now time.Time) error {
	switch {
	case code.Used:
		return auth.ErrTwoFactorAlreadyUsed
	case code.Expired(now):
		return auth.ErrTwoFactorExpired
	case code.Locked():
		return auth.ErrTwoFactorAttemptsExceeded
	default:
		return nil
	}
}

// failTwoFactor counts a wrong submission and reports mismatch or, when
// this attempt exhausted the budget, lockout.
func (s *AuthService) failTwoFactor(ctx context.Context, user *domain.User, code *domain.TwoFactorCode) error {
	attempts, err := s.twoFactorRepo.IncrementAttempts(ctx, code.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		// The code row disappeared between lookup and counting, e.g. an
		// expiry sweep. Nothing left to consume, so report a plain mismatch.
		twoFactorVerificationsTotal.WithLabelValues(resultDenied).Inc()
		return unauthorized(auth.ErrTwoFactorMismatch, "two-factor code mismatch")
	}
	if err != nil {
		return fmt.Errorf("increment two-factor attempts: %w", err)
	}

	twoFactorVerificationsTotal.WithLabelValues(resultDenied).Inc()
	s.logger.WarnContext(ctx, "two-factor verification failed",
		slog.String("user_id", user.ID),
		slog.Int("attempts", attempts),
	)

	if attempts >= code.MaxAttempts {
		return unauthorized(auth.ErrTwoFactorAttemptsExceeded, "two-factor attempts exceeded")
	}
	return unauthorized(auth.ErrTwoFactorMismatch, "two-factor code mismatch")
}

// checkLoginBudget rejects the attempt up front when the email or IP is
// already over its failure budget.
func (s *AuthService) checkLoginBudget(ctx context.Context, email, ip string) error {
	if s.limiter == nil {
		return nil
	}
	err := s.limiter.CheckLogin(ctx, email, ip)
	if err == nil {
		return nil
	}
	if errors.Is(err, rate.ErrRateLimited) {
		loginsTotal.WithLabelValues(resultRateLimited).Inc()
		return apperrors.TooManyRequests("too many login attempts, try again later")
	}
	// Fail open when the throttle store is unreachable.
	s.logger.WarnContext(ctx, "login throttle unavailable",
		slog.String("error", err.Error()),
	)
	return nil
}

// failLogin counts a failed credential check and returns the uniform
// invalid-credentials error; the response never reveals whether the email
// exists.
func (s *AuthService) failLogin(ctx context.Context, email, ip string, cause error) error {
	if s.limiter != nil {
		if err := s.limiter.RecordLoginFailure(ctx, email, ip); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				loginsTotal.WithLabelValues(resultRateLimited).Inc()
				return apperrors.TooManyRequests("too many login attempts, try again later")
			}
			s.logger.WarnContext(ctx, "login throttle unavailable",
				slog.String("error", err.Error()),
			)
		}
	}
	loginsTotal.WithLabelValues(resultDenied).Inc()
	return unauthorized(cause, "invalid email or password")
}

func (s *AuthService) resetLoginBudget(ctx context.Context, email, ip string) {
	if s.limiter == nil {
		return
	}
	if err := s.limiter.ResetLogin(ctx, email, ip); err != nil {
		s.logger.WarnContext(ctx, "failed to reset login throttle",
			slog.String("error", err.Error()),
		)
	}
}

func (s *AuthService) publishLoggedIn(ctx context.Context, user *domain.User, ip, userAgent string) {
	if err := s.producer.PublishUserLoggedIn(ctx, user, ip, userAgent, s.now().UTC()); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish user.logged_in event",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
}

// unauthorized builds a 401 application error that still satisfies
// errors.Is against the causing sentinel.
func unauthorized(cause error, message string) *apperrors.AppError {
	return &apperrors.AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     cause,
	}
}

// generateNumericCode returns a cryptographically random code of the given
// number of decimal digits, zero-padded.
func generateNumericCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperrors.InvalidInput(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}

	var hasUpper, hasLower, hasDigit bool
	for _, ch := range password {
		switch {
		case unicode.IsUpper(ch):
			hasUpper = true
		case unicode.IsLower(ch):
			hasLower = true
		case unicode.IsDigit(ch):
			hasDigit = true
		}
	}

	if !hasUpper || !hasLower || !hasDigit {
		return apperrors.InvalidInput("password must contain at least one uppercase letter, one lowercase letter, and one digit")
	}

	return nil
}
