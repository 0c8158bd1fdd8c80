package token

import "errors"

// Public, stable errors for callers.
var (
	// ErrMalformedToken is returned when a token's claims cannot be decoded.
	ErrMalformedToken = errors.New("malformed token")

	// ErrConfig is returned when a codec cannot be built from configuration.
	ErrConfig = errors.New("invalid token codec config")
)
