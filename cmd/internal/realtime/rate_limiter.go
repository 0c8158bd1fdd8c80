package realtime

import "time"

// RateLimiter is a per-connection sliding-window limiter over a fixed ring.
// It is used from a single read loop and is not safe for concurrent use.
type RateLimiter struct {
	ring   []time.Time
	next   int
	window time.Duration
}

// NewRateLimiter allows limit events per window. Invalid inputs get the defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{ring: make([]time.Time, limit), window: window}
}

// Allow reports whether an event at now is permitted, and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	// The slot about to be overwritten holds the limit-th most recent event.
	oldest := r.ring[r.next]
	if !oldest.IsZero() && now.Sub(oldest) < r.window {
		return false
	}
	r.ring[r.next] = now
	r.next = (r.next + 1) % len(r.ring)
	return true
}
