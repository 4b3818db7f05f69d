package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token kinds carried in the "kind" claim. The codec signs both kinds with
// the same key; every caller must check the kind against its expected use.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

const tokenIssuer = "mercado-backend"

// Claims are the JWT claims carried by both token kinds. Authorities are
// present only on access tokens; refresh tokens must never be accepted as
// an access credential.
type Claims struct {
	Kind        string   `json:"kind"`
	Authorities []string `json:"authorities,omitempty"`
	jwt.RegisteredClaims
}

// IsKind reports whether the claims carry the expected token kind.
func (c *Claims) IsKind(kind string) bool {
	return c.Kind == kind
}

// TokenCodec issues and verifies HS512-signed access and refresh tokens.
// Verification is pure and store-free; the clock is injectable so expiry
// can be tested deterministically.
type TokenCodec struct {
	secret        []byte
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	now           func() time.Time
}

// NewTokenCodec creates a codec with the given signing secret and expiry
// durations, using the wall clock.
func NewTokenCodec(secret string, accessExpiry, refreshExpiry time.Duration) *TokenCodec {
	return NewTokenCodecWithClock(secret, accessExpiry, refreshExpiry, time.Now)
}

// NewTokenCodecWithClock is like NewTokenCodec but with an explicit
// time source.
func NewTokenCodecWithClock(secret string, accessExpiry, refreshExpiry time.Duration, now func() time.Time) *TokenCodec {
	return &TokenCodec{
		secret:        []byte(secret),
		accessExpiry:  accessExpiry,
		refreshExpiry: refreshExpiry,
		now:           now,
	}
}

// AccessExpiry returns the configured access token lifetime.
func (c *TokenCodec) AccessExpiry() time.Duration {
	return c.accessExpiry
}

// RefreshExpiry returns the configured refresh token lifetime.
func (c *TokenCodec) RefreshExpiry() time.Duration {
	return c.refreshExpiry
}

// IssueAccess creates a signed access token embedding the subject and its
// authority set.
func (c *TokenCodec) IssueAccess(subject string, authorities []string) (string, error) {
	return c.sign(&Claims{
		Kind:             KindAccess,
		Authorities:      authorities,
		RegisteredClaims: c.registered(subject, c.accessExpiry),
	})
}

// IssueRefresh creates a signed refresh token embedding only the subject.
func (c *TokenCodec) IssueRefresh(subject string) (string, error) {
	return c.sign(&Claims{
		Kind:             KindRefresh,
		RegisteredClaims: c.registered(subject, c.refreshExpiry),
	})
}

// Verify checks signature integrity and then expiry, returning the embedded
// claims on success. Failures are collapsed to the sentinel taxonomy; raw
// JWT library errors never escape. Verify is kind-agnostic; callers that
// know the expected kind must check it with Claims.IsKind.
func (c *TokenCodec) Verify(tokenString string) (*Claims, error) {
	claims, err := c.parse(tokenString)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// ExtractSubject returns the subject embedded in a well-signed token, even
// when the token has expired (so expiry can be reported against a known
// subject). A badly-signed or malformed token yields no subject.
func (c *TokenCodec) ExtractSubject(tokenString string) (string, bool) {
	claims, err := c.parse(tokenString)
	if err != nil && !errors.Is(err, ErrTokenExpired) {
		return "", false
	}
	return claims.Subject, true
}

// ExtractAuthorities returns the authority claims of a well-signed token,
// expired or not. A badly-signed token yields none.
func (c *TokenCodec) ExtractAuthorities(tokenString string) ([]string, bool) {
	claims, err := c.parse(tokenString)
	if err != nil && !errors.Is(err, ErrTokenExpired) {
		return nil, false
	}
	return claims.Authorities, true
}

func (c *TokenCodec) registered(subject string, expiry time.Duration) jwt.RegisteredClaims {
	now := c.now().UTC()
	// The jti keeps tokens unique even when two are issued for the same
	// subject within NumericDate resolution.
	return jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
		Issuer:    tokenIssuer,
	}
}

func (c *TokenCodec) sign(claims *Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := token.SignedString(c.secret)
	if err != nil {
		return "", ErrTokenMalformed
	}
	return signed, nil
}

// parse verifies the signature and claims, translating library errors to
// the sentinel taxonomy. On expiry the claims are still returned: the
// signature has already been verified at that point.
func (c *TokenCodec) parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS512.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	})
	if err != nil {
		return claims, translateTokenError(err)
	}
	return claims, nil
}

func translateTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrTokenSignatureInvalid
	case errors.Is(err, jwt.ErrTokenMalformed):
		return ErrTokenMalformed
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrTokenSignatureInvalid
	default:
		return ErrTokenMalformed
	}
}
