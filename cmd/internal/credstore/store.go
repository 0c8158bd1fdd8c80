package credstore

import (
	"context"
	"errors"
)

// Fixed keys of the persisted credential layout.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyCurrentUser  = "current_user"
)

var (
	// ErrStorageUnavailable is returned when the backing storage cannot be read or written.
	ErrStorageUnavailable = errors.New("credential storage unavailable")

	// ErrIncompleteRecord is returned by Save when a record lacks one of its three parts.
	ErrIncompleteRecord = errors.New("incomplete credential record")
)

// Store is a durable key-value backend.
//
// Get returns ok=false when the key is absent. Implementations wrap backend
// failures with ErrStorageUnavailable.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
}

// unavailable wraps a backend error so callers can match ErrStorageUnavailable.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return &opError{op: op, err: err}
}

type opError struct {
	op  string
	err error
}

func (e *opError) Error() string { return "credstore." + e.op + ": " + e.err.Error() }

func (e *opError) Unwrap() []error { return []error{ErrStorageUnavailable, e.err} }
