package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls the session bridge endpoints.
type Config struct {
	TrustProxy   bool
	MaxBodyBytes int64

	LoginIPMax    int
	LoginIPWindow time.Duration

	LockoutShortThreshold  int
	LockoutShortDuration   time.Duration
	LockoutLongThreshold   int
	LockoutLongDuration    time.Duration
	LockoutSevereThreshold int
	LockoutSevereDuration  time.Duration
}

// DefaultConfig returns the bridge defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:           64 << 10,
		LoginIPMax:             20,
		LoginIPWindow:          5 * time.Minute,
		LockoutShortThreshold:  5,
		LockoutShortDuration:   time.Minute,
		LockoutLongThreshold:   10,
		LockoutLongDuration:    15 * time.Minute,
		LockoutSevereThreshold: 20,
		LockoutSevereDuration:  time.Hour,
	}
}

// LoadConfigFromEnv loads bridge config from MODELER_BRIDGE_* variables.
// Invalid or non-positive values fall back to the defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		TrustProxy:             envBool("MODELER_BRIDGE_TRUST_PROXY", false),
		MaxBodyBytes:           envInt64("MODELER_BRIDGE_MAX_BODY_BYTES", def.MaxBodyBytes),
		LoginIPMax:             envInt("MODELER_BRIDGE_LOGIN_IP_MAX", def.LoginIPMax),
		LoginIPWindow:          envDuration("MODELER_BRIDGE_LOGIN_IP_WINDOW", def.LoginIPWindow),
		LockoutShortThreshold:  envInt("MODELER_BRIDGE_LOCKOUT_SHORT_THRESHOLD", def.LockoutShortThreshold),
		LockoutShortDuration:   envDuration("MODELER_BRIDGE_LOCKOUT_SHORT_DURATION", def.LockoutShortDuration),
		LockoutLongThreshold:   envInt("MODELER_BRIDGE_LOCKOUT_LONG_THRESHOLD", def.LockoutLongThreshold),
		LockoutLongDuration:    envDuration("MODELER_BRIDGE_LOCKOUT_LONG_DURATION", def.LockoutLongDuration),
		LockoutSevereThreshold: envInt("MODELER_BRIDGE_LOCKOUT_SEVERE_THRESHOLD", def.LockoutSevereThreshold),
		LockoutSevereDuration:  envDuration("MODELER_BRIDGE_LOCKOUT_SEVERE_DURATION", def.LockoutSevereDuration),
	}
}

func (c Config) lockoutTiers() []lockoutTier {
	tiers := []lockoutTier{
		{Threshold: c.LockoutSevereThreshold, Duration: c.LockoutSevereDuration},
		{Threshold: c.LockoutLongThreshold, Duration: c.LockoutLongDuration},
		{Threshold: c.LockoutShortThreshold, Duration: c.LockoutShortDuration},
	}
	out := tiers[:0]
	for _, t := range tiers {
		if t.Threshold > 0 && t.Duration > 0 {
			out = append(out, t)
		}
	}
	return out
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
