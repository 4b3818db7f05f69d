package auth

import (
	"context"
)

type contextKey string

const principalKey contextKey = "principal"

// Principal is the request-scoped representation of the authenticated
// caller. It is built once per request by the Gate and read by downstream
// authorization checks.
type Principal struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	Authorities []string `json:"authorities"`
}

// HasAuthority reports whether the principal carries the given authority.
func (p *Principal) HasAuthority(authority string) bool {
	for _, a := range p.Authorities {
		if a == authority {
			return true
		}
	}
	return false
}

// WithPrincipal returns a new context carrying the principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext extracts the principal from the request context.
// The second return is false for unauthenticated requests.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, false
	}
	return p, true
}
