package app

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ValidateSecurityConfig enforces the bridge's startup policy. It fails fast
// instead of silently running with weaker settings.
//
//   - The HTTP listener must be loopback unless MODELER_ALLOW_NON_LOOPBACK is set.
//     The bridge holds a signed-in session and must not serve other hosts.
//   - A file credential store needs MODELER_CREDSTORE_PASSPHRASE unless
//     MODELER_CREDSTORE_REQUIRE_SEAL=false.
//   - A postgres credential store needs MODELER_DATABASE_URL.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.AllowNonLoopback && !isLoopbackAddr(cfg.HTTPAddr) {
		return fmt.Errorf("security policy: %s is not a loopback address (set MODELER_ALLOW_NON_LOOPBACK=true to override)", cfg.HTTPAddr)
	}

	switch cfg.CredStore {
	case CredStoreMemory, CredStoreSQLite:
	case CredStoreFile:
		if cfg.RequireSealedFile && strings.TrimSpace(cfg.CredStorePassphrase) == "" {
			return errors.New("security policy: file credential store requires MODELER_CREDSTORE_PASSPHRASE")
		}
	case CredStorePostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: postgres credential store requires MODELER_DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown credential store %q", cfg.CredStore)
	}

	switch cfg.LogFormat {
	case "json", "pretty":
	default:
		return fmt.Errorf("config: unknown log format %q", cfg.LogFormat)
	}
	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
