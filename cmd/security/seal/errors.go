package seal

import "errors"

var (
	// ErrConfig is returned for an unusable passphrase or parameter set.
	ErrConfig = errors.New("invalid seal config")

	// ErrInvalidFormat is returned when a sealed value cannot be parsed.
	ErrInvalidFormat = errors.New("invalid sealed format")

	// ErrOpen is returned when decryption fails (wrong passphrase or tampering).
	ErrOpen = errors.New("cannot open sealed value")
)
