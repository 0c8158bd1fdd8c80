package authapi

import (
	"time"

	"modeler/cmd/identity"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type registerRequest struct {
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

type userResponse struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	DisplayName string   `json:"displayName"`
	Roles       []string `json:"roles"`
}

// sessionResponse never carries tokens; callers reach the backend through /api.
type sessionResponse struct {
	State         string                `json:"state"`
	Authenticated bool                  `json:"authenticated"`
	User          *userResponse         `json:"user,omitempty"`
	Capabilities  identity.Capabilities `json:"capabilities"`
	ExpiresAt     *time.Time            `json:"expiresAt,omitempty"`
}

type logoutResponse struct {
	OK bool `json:"ok"`
}
