package session

import "modeler/cmd/identity"

// Auth endpoint paths, relative to Config.APIBaseURL.
const (
	PathLogin    = "/auth/login"
	PathRegister = "/auth/register"
	PathRefresh  = "/auth/refresh-token"
	PathLogout   = "/auth/logout"
	PathUser     = "/auth/user"
)

// AuthResponse is the backend's answer to login, register and refresh.
// Refresh may omit RefreshToken and User; the previous values are kept.
type AuthResponse struct {
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken,omitempty"`
	User         *identity.User `json:"user,omitempty"`

	// ExpiresIn is the access-token lifetime in seconds, when the backend reports it.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

// LoginRequest is the login payload.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegisterRequest is the self-registration payload.
type RegisterRequest struct {
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	FirstName string   `json:"firstName,omitempty"`
	LastName  string   `json:"lastName,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// errorBody is the tolerant shape of backend error responses.
type errorBody struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
}
