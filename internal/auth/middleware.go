package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gabrielcapiotti/mercado-backend/internal/domain"
)

// UserLookup resolves a token subject to a user record. The repository
// layer satisfies it; the gate needs nothing more.
type UserLookup interface {
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
}

// Gate is the per-request authentication middleware. It extracts a bearer
// access token, verifies it, and attaches a Principal to the request
// context. The gate never terminates a request itself: any failure
// (missing header, malformed token, bad signature, expiry, unknown or
// inactive user) lets the request proceed unauthenticated, and rejection
// is left to the authorization layer (RequireAuthority).
type Gate struct {
	codec  *TokenCodec
	users  UserLookup
	logger *slog.Logger
	exempt []string
}

// NewGate creates an authentication gate. Requests whose path starts with
// one of the exempt prefixes (login, registration, refresh, health checks)
// skip token processing entirely.
func NewGate(codec *TokenCodec, users UserLookup, logger *slog.Logger, exemptPrefixes ...string) *Gate {
	return &Gate{
		codec:  codec,
		users:  users,
		logger: logger,
		exempt: exemptPrefixes,
	}
}

// Middleware returns the chi-compatible handler wrapper.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := bearerToken(r)
		if !ok {
			// No credential is not a failure here; the authorization
			// layer decides whether this request needed one.
			next.ServeHTTP(w, r)
			return
		}

		principal, err := g.resolve(r.Context(), token)
		if err != nil {
			g.logger.DebugContext(r.Context(), "authentication failed, proceeding unauthenticated",
				slog.String("path", r.URL.Path),
				slog.String("reason", err.Error()),
			)
			next.ServeHTTP(w, r)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// resolve verifies the token as an access credential and materializes the
// principal. Authorities embedded in the token claims win over a fresh role
// mapping; role changes take effect at the next token refresh.
func (g *Gate) resolve(ctx context.Context, token string) (*Principal, error) {
	claims, err := g.codec.Verify(token)
	if err != nil {
		return nil, err
	}
	if !claims.IsKind(KindAccess) {
		return nil, ErrTokenKindMismatch
	}

	user, err := g.users.GetByEmail(ctx, claims.Subject)
	if err != nil {
		return nil, ErrUserInactive
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	authorities := claims.Authorities
	if len(authorities) == 0 {
		authorities = Authorities(user.Roles)
	}

	return &Principal{
		UserID:      user.ID,
		Email:       user.Email,
		Authorities: authorities,
	}, nil
}

func (g *Gate) isExempt(path string) bool {
	for _, prefix := range g.exempt {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// RequireAuthority is the authorization middleware. It rejects requests
// without a principal with 401, and requests whose principal carries none
// of the listed authorities with 403.
func RequireAuthority(authorities ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeAuthzError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
				return
			}

			for _, a := range authorities {
				if principal.HasAuthority(a) {
					next.ServeHTTP(w, r)
					return
				}
			}

			writeAuthzError(w, http.StatusForbidden, "FORBIDDEN", "insufficient permissions")
		})
	}
}

// RequirePrincipal rejects unauthenticated requests with 401 without
// checking any particular authority.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok {
			writeAuthzError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeAuthzError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}
