package session

import (
	"net/url"
	"os"
	"strings"
	"time"

	"modeler/cmd/security/token"
)

// DefaultAPIBaseURL is the backend base path used when none is configured.
const DefaultAPIBaseURL = "http://localhost:8080/api/v1"

// Config defines the runtime configuration of the session subsystem.
type Config struct {
	// APIBaseURL is the backend root; auth endpoints live under <base>/auth.
	APIBaseURL string

	// RefreshLeeway is how long before expiry the proactive refresher renews the token.
	RefreshLeeway time.Duration

	// ClockSkew is subtracted from token lifetimes when judging expiry locally.
	ClockSkew time.Duration

	// RefreshTimeout bounds one refresh call. Zero means no client-side bound.
	RefreshTimeout time.Duration

	// LogoutTimeout bounds the best-effort backend logout notification.
	LogoutTimeout time.Duration

	// RequestTimeout bounds calls to the auth endpoints.
	RequestTimeout time.Duration

	// TokenFormat selects the access-token codec.
	TokenFormat token.Kind

	// PasetoPublicKeyHex is required when TokenFormat is paseto.
	PasetoPublicKeyHex string
}

// DefaultConfig returns the defaults for a local development backend.
func DefaultConfig() Config {
	return Config{
		APIBaseURL:     DefaultAPIBaseURL,
		RefreshLeeway:  5 * time.Minute,
		ClockSkew:      30 * time.Second,
		RefreshTimeout: 0,
		LogoutTimeout:  5 * time.Second,
		RequestTimeout: 30 * time.Second,
		TokenFormat:    token.KindJWT,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Optional (durations must be valid Go duration strings):
//   - MODELER_API_BASE_URL
//   - MODELER_AUTH_REFRESH_LEEWAY
//   - MODELER_AUTH_CLOCK_SKEW
//   - MODELER_AUTH_REFRESH_TIMEOUT (0 disables)
//   - MODELER_AUTH_LOGOUT_TIMEOUT
//   - MODELER_AUTH_REQUEST_TIMEOUT
//   - MODELER_AUTH_TOKEN_FORMAT (jwt|paseto)
//   - MODELER_AUTH_PASETO_PUBLIC_KEY_HEX (required for paseto)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	return ApplyEnv(DefaultConfig())
}

// ApplyEnv overlays environment variables onto cfg and validates the result.
func ApplyEnv(cfg Config) (Config, error) {
	if v := strings.TrimSpace(os.Getenv("MODELER_API_BASE_URL")); v != "" {
		cfg.APIBaseURL = v
	}

	durations := []struct {
		env    string
		dst    *time.Duration
		zeroOK bool
	}{
		{"MODELER_AUTH_REFRESH_LEEWAY", &cfg.RefreshLeeway, true},
		{"MODELER_AUTH_CLOCK_SKEW", &cfg.ClockSkew, true},
		{"MODELER_AUTH_REFRESH_TIMEOUT", &cfg.RefreshTimeout, true},
		{"MODELER_AUTH_LOGOUT_TIMEOUT", &cfg.LogoutTimeout, false},
		{"MODELER_AUTH_REQUEST_TIMEOUT", &cfg.RequestTimeout, false},
	}
	for _, d := range durations {
		v := strings.TrimSpace(os.Getenv(d.env))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.zeroOK) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := strings.TrimSpace(os.Getenv("MODELER_AUTH_TOKEN_FORMAT")); v != "" {
		cfg.TokenFormat = token.Kind(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("MODELER_AUTH_PASETO_PUBLIC_KEY_HEX")); v != "" {
		cfg.PasetoPublicKeyHex = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants between fields.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrConfig
	}
	kind, err := token.ParseKind(string(c.TokenFormat))
	if err != nil {
		return ErrConfig
	}
	if kind == token.KindPaseto && c.PasetoPublicKeyHex == "" {
		return ErrConfig
	}
	if c.RefreshLeeway < 0 || c.ClockSkew < 0 || c.RefreshTimeout < 0 {
		return ErrConfig
	}
	if c.LogoutTimeout <= 0 || c.RequestTimeout <= 0 {
		return ErrConfig
	}
	return nil
}
