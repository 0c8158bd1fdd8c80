package realtime

import (
	"time"

	"modeler/cmd/identity/ids"
)

// newSubscriberID returns a ULID naming one stream connection.
func newSubscriberID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ids.NewRequestID()
	}
	return id
}

// newEnvelopeID returns a ULID for an outgoing envelope.
func newEnvelopeID() string { return ids.NewRequestID() }
