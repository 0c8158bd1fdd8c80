package identity

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Well-known role names, normalized.
const (
	RoleAdmin   = "ADMIN"
	RoleModeler = "MODELER"
	RoleViewer  = "VIEWER"
)

// Role is a named role as returned by the backend.
//
// The backend sends either a bare string ("ROLE_ADMIN") or an object
// ({"id":1,"name":"ROLE_ADMIN","displayName":"Admin"}); both decode here.
type Role struct {
	ID          int64  `json:"id,omitempty"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
}

// UnmarshalJSON accepts a string or an object.
func (r *Role) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var name string
		if err := json.Unmarshal(b, &name); err != nil {
			return err
		}
		*r = Role{Name: name}
		return nil
	}

	type plain Role
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Role(p)
	return nil
}

// Normalized returns the role's canonical name.
func (r Role) Normalized() string { return NormalizeRoleName(r.Name) }

// User is the cached profile of the signed-in principal.
type User struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Roles     []Role `json:"roles"`
	Enabled   bool   `json:"enabled"`
}

// DisplayName returns "First Last" when known, else the username.
func (u User) DisplayName() string {
	full := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if full != "" {
		return full
	}
	return u.Username
}

// Validate checks the minimum a session needs to trust the record.
func (u User) Validate() error {
	if strings.TrimSpace(u.Username) == "" {
		return OpError{Op: "identity.User", Kind: ErrInvalidInput, Msg: "username is required"}
	}
	return nil
}

// WithUniqueRoles returns a copy of u whose roles are de-duplicated by normalized name.
// The first occurrence wins; order is otherwise preserved.
func (u User) WithUniqueRoles() User {
	seen := make(map[string]struct{}, len(u.Roles))
	out := make([]Role, 0, len(u.Roles))
	for _, r := range u.Roles {
		n := r.Normalized()
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, r)
	}
	u.Roles = out
	return u
}

// Capabilities derives the user's capability flags.
func (u User) Capabilities() Capabilities { return CapabilitiesFor(u.Roles) }

// RoleNames returns the user's normalized role names, without the ROLE_ prefix.
func (u User) RoleNames() []string {
	out := make([]string, 0, len(u.Roles))
	for _, r := range u.WithUniqueRoles().Roles {
		out = append(out, r.Normalized())
	}
	return out
}

// HasRole reports whether the user holds role (any spelling).
func (u User) HasRole(role string) bool {
	want := NormalizeRoleName(role)
	if want == "" {
		return false
	}
	for _, r := range u.Roles {
		if r.Normalized() == want {
			return true
		}
	}
	return false
}

// HasAnyRole reports whether the user holds at least one of roles.
func (u User) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if u.HasRole(r) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the user holds every one of roles.
// An empty list is vacuously satisfied.
func (u User) HasAllRoles(roles ...string) bool {
	for _, r := range roles {
		if !u.HasRole(r) {
			return false
		}
	}
	return true
}
