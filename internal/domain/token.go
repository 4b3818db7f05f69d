package domain

import (
	"time"
)

// RefreshToken represents a stored refresh token for a user session.
// The token string itself is the lookup key; a revoked token can never
// be un-revoked, and rows are kept after revocation for audit.
type RefreshToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Token     string     `json:"-"`
	IssuedIP  string     `json:"issued_ip,omitempty"`
	UserAgent string     `json:"user_agent,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the token has been revoked.
func (t *RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *RefreshToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
