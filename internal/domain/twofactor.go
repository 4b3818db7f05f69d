package domain

import (
	"time"
)

// Two-factor delivery method tags.
const (
	TwoFactorMethodEmail = "email"
	TwoFactorMethodSMS   = "sms"
)

// DefaultTwoFactorMaxAttempts bounds wrong submissions per code.
const DefaultTwoFactorMaxAttempts = 3

// TwoFactorCode represents a short-lived single-use numeric second-factor
// code. Once used, expired, or locked out it is terminal and a new code
// must be issued.
type TwoFactorCode struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Code        string     `json:"-"`
	Method      string     `json:"method"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	Used        bool       `json:"used"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Expired reports whether the code is past its expiry at the given instant.
func (c *TwoFactorCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Locked reports whether the code has exhausted its attempt budget.
func (c *TwoFactorCode) Locked() bool {
	return c.Attempts >= c.MaxAttempts
}
