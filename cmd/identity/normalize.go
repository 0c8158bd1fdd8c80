package identity

import "strings"

// rolePrefix is the Spring Security authority prefix some backend builds emit.
const rolePrefix = "ROLE_"

// NormalizeUsername performs case-insensitive canonicalization.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeRoleName maps "ROLE_ADMIN", "admin" and " Admin " to "ADMIN".
func NormalizeRoleName(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.TrimPrefix(s, rolePrefix)
}
