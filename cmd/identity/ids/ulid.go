// Package ids provides sortable identifiers (ULID) for requests and subscribers.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars) stamped with now.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewRequestID returns a ULID for correlating an outgoing request in logs.
// It never fails; ulid.Make panics only if the system entropy source does.
func NewRequestID() string {
	return ulid.Make().String()
}
