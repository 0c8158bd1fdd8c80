package authapi

import (
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"
)

// maxTrackedFailures bounds per-key history.
const maxTrackedFailures = 64

type lockoutTier struct {
	Threshold int
	Duration  time.Duration
}

// loginLimiter throttles bridge logins by client IP and by username.
// Failures are kept in memory only; a restart clears them.
type loginLimiter struct {
	cfg Config

	mu     sync.Mutex
	byIP   map[string][]time.Time
	byUser map[string][]time.Time
}

func newLoginLimiter(cfg Config) *loginLimiter {
	return &loginLimiter{
		cfg:    cfg,
		byIP:   make(map[string][]time.Time),
		byUser: make(map[string][]time.Time),
	}
}

// check reports whether a login from ip for user must be refused, and for how long.
func (l *loginLimiter) check(ip, user string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ip != "" && l.cfg.LoginIPMax > 0 {
		if blocked, retry := evaluateWindowThrottle(now, l.byIP[ip], l.cfg.LoginIPMax, l.cfg.LoginIPWindow); blocked {
			return true, retry
		}
	}
	if user != "" {
		if blocked, retry := evaluateProgressiveLockout(now, l.byUser[user], l.cfg.lockoutTiers()); blocked {
			return true, retry
		}
	}
	return false, 0
}

func (l *loginLimiter) fail(ip, user string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	horizon := now.Add(-l.horizon())
	if ip != "" {
		l.byIP[ip] = record(l.byIP[ip], now, horizon)
	}
	if user != "" {
		l.byUser[user] = record(l.byUser[user], now, horizon)
	}
}

// succeed forgets the user's failures. IP history is kept.
func (l *loginLimiter) succeed(user string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byUser, user)
}

func (l *loginLimiter) horizon() time.Duration {
	h := l.cfg.LoginIPWindow
	for _, t := range l.cfg.lockoutTiers() {
		h = max(h, t.Duration)
	}
	return h
}

func record(failures []time.Time, now, horizon time.Time) []time.Time {
	kept := failures[:0]
	for _, f := range failures {
		if f.After(horizon) {
			kept = append(kept, f)
		}
	}
	kept = append(kept, now)
	if len(kept) > maxTrackedFailures {
		kept = kept[len(kept)-maxTrackedFailures:]
	}
	return kept
}

// evaluateWindowThrottle blocks once max failures fall inside window. The retry
// delay lasts until enough of them age out to drop below max.
func evaluateWindowThrottle(now time.Time, failures []time.Time, max int, window time.Duration) (bool, time.Duration) {
	if max <= 0 || window <= 0 {
		return false, 0
	}
	cut := now.Add(-window)
	recent := make([]time.Time, 0, len(failures))
	for _, f := range failures {
		if f.After(cut) {
			recent = append(recent, f)
		}
	}
	if len(recent) < max {
		return false, 0
	}
	newestFirst(recent)
	return true, recent[max-1].Add(window).Sub(now)
}

// evaluateProgressiveLockout applies the first tier whose threshold the failure
// count reaches and whose lockout, measured from the newest failure, has not ended.
func evaluateProgressiveLockout(now time.Time, failures []time.Time, tiers []lockoutTier) (bool, time.Duration) {
	if len(failures) == 0 {
		return false, 0
	}
	sorted := slices.Clone(failures)
	newestFirst(sorted)
	latest := sorted[0]

	for _, t := range tiers {
		if len(sorted) < t.Threshold {
			continue
		}
		if retry := latest.Add(t.Duration).Sub(now); retry > 0 {
			return true, retry
		}
	}
	return false, 0
}

func newestFirst(ts []time.Time) {
	slices.SortFunc(ts, func(a, b time.Time) int { return b.Compare(a) })
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64((retryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
