package auth

import (
	"strings"
)

// AuthorityPrefix is the canonical prefix of authority strings derived
// from roles.
const AuthorityPrefix = "ROLE_"

// DefaultAuthority is granted when a user carries no roles at all.
const DefaultAuthority = AuthorityPrefix + "USER"

// Authorities maps a user's role set to a deduplicated, order-preserving
// set of prefixed authority strings. The mapping is idempotent: roles that
// already carry the prefix are left untouched. An empty role set maps to
// the single default authority.
func Authorities(roles []string) []string {
	if len(roles) == 0 {
		return []string{DefaultAuthority}
	}

	seen := make(map[string]struct{}, len(roles))
	authorities := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role == "" {
			continue
		}
		authority := role
		if !strings.HasPrefix(authority, AuthorityPrefix) {
			authority = AuthorityPrefix + authority
		}
		if _, ok := seen[authority]; ok {
			continue
		}
		seen[authority] = struct{}{}
		authorities = append(authorities, authority)
	}

	if len(authorities) == 0 {
		return []string{DefaultAuthority}
	}
	return authorities
}
