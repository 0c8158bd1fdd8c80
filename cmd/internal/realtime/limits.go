package realtime

import "time"

const (
	// Client frames are small control messages.
	maxFrameBytes = 4 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection limit on client frames.
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
