package auth

import (
	"errors"
)

// Sentinel errors for authentication failures. Cryptographic and parse
// failures from the JWT library are translated to these at the codec
// boundary; raw library errors never reach business logic.
var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrTokenMalformed        = errors.New("token malformed")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenSignatureInvalid = errors.New("token signature invalid")
	ErrTokenKindMismatch     = errors.New("token kind mismatch")
	ErrRefreshTokenInvalid   = errors.New("refresh token revoked or unknown")
	ErrUserInactive          = errors.New("user inactive or not found")

	ErrTwoFactorExpired          = errors.New("two-factor code expired")
	ErrTwoFactorAttemptsExceeded = errors.New("two-factor attempts exceeded")
	ErrTwoFactorAlreadyUsed      = errors.New("two-factor code already used")
	ErrTwoFactorMismatch         = errors.New("two-factor code mismatch")
)
