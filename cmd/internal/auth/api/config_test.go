package authapi

import (
	"testing"
	"time"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("MODELER_BRIDGE_TRUST_PROXY", "true")
	t.Setenv("MODELER_BRIDGE_LOGIN_IP_MAX", "3")
	t.Setenv("MODELER_BRIDGE_LOGIN_IP_WINDOW", "90s")
	t.Setenv("MODELER_BRIDGE_MAX_BODY_BYTES", "-1")
	t.Setenv("MODELER_BRIDGE_LOCKOUT_SHORT_DURATION", "soon")

	cfg := LoadConfigFromEnv()
	def := DefaultConfig()

	if !cfg.TrustProxy {
		t.Fatalf("expected TrustProxy")
	}
	if cfg.LoginIPMax != 3 || cfg.LoginIPWindow != 90*time.Second {
		t.Fatalf("ip throttle = %d/%v", cfg.LoginIPMax, cfg.LoginIPWindow)
	}
	if cfg.MaxBodyBytes != def.MaxBodyBytes {
		t.Fatalf("negative body limit should fall back, got %d", cfg.MaxBodyBytes)
	}
	if cfg.LockoutShortDuration != def.LockoutShortDuration {
		t.Fatalf("unparseable duration should fall back, got %v", cfg.LockoutShortDuration)
	}
}

func TestConfig_LockoutTiersSkipDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LockoutLongThreshold = 0

	tiers := cfg.lockoutTiers()
	if len(tiers) != 2 {
		t.Fatalf("tiers = %+v", tiers)
	}
	if tiers[0].Threshold != cfg.LockoutSevereThreshold {
		t.Fatalf("severe tier must come first: %+v", tiers)
	}
}
