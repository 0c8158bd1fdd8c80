// Package identity holds the modeler's principal model: users, roles,
// and the capability flags derived from a role set.
//
// Roles are reference data owned by the backend. The backend is not
// consistent about role naming ("ADMIN" vs "ROLE_ADMIN"), so every lookup
// goes through NormalizeRoleName first.
package identity
