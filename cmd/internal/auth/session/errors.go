package session

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidCredentials is returned when login is rejected by the backend.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrSessionExpired is returned when the session cannot be renewed and the user must sign in again.
	ErrSessionExpired = errors.New("session expired")

	// ErrForbidden is returned when a valid session lacks the role for a resource. It never triggers a logout.
	ErrForbidden = errors.New("forbidden")

	// ErrServerError is returned for backend failures that are surfaced as-is and not retried.
	ErrServerError = errors.New("server error")

	// ErrNotAuthenticated is returned by operations that need a signed-in user.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrUnauthorized is returned by Backend calls rejected with HTTP 401.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// ServerError carries the backend's status and error body.
type ServerError struct {
	Status  int
	Code    string
	Message string

	// Err is the transport error when no response was received.
	Err error
}

func (e *ServerError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", ErrServerError.Error(), e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %d %s", ErrServerError.Error(), e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: %d %s", ErrServerError.Error(), e.Status, http.StatusText(e.Status))
	}
}

func (e *ServerError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrServerError}
	}
	return []error{ErrServerError, e.Err}
}

// ForbiddenError describes a request refused with HTTP 403.
type ForbiddenError struct {
	Method string
	Path   string
}

func (e *ForbiddenError) Error() string {
	if e.Path == "" {
		return ErrForbidden.Error()
	}
	return fmt.Sprintf("%s: %s %s", ErrForbidden.Error(), e.Method, e.Path)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }
