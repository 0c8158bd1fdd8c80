package app

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential store kinds.
const (
	CredStoreMemory   = "memory"
	CredStoreFile     = "file"
	CredStoreSQLite   = "sqlite"
	CredStorePostgres = "postgres"
)

// Config contains the bridge runtime configuration.
//
// Values come from an optional YAML file named by MODELER_CONFIG_FILE, then
// environment variables override individual fields.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json|pretty

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`

	// AllowNonLoopback permits binding HTTPAddr to a non-loopback interface.
	AllowNonLoopback bool `yaml:"allow_non_loopback"`

	DatabaseURL string `yaml:"database_url"`
	DBMaxConns  int32  `yaml:"db_max_conns"`
	DBMinConns  int32  `yaml:"db_min_conns"`

	// If true, /readyz returns 503 unless the database is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	CredStore           string `yaml:"credstore"`
	CredStorePath       string `yaml:"credstore_path"`
	CredStoreProfile    string `yaml:"credstore_profile"`
	CredStorePassphrase string `yaml:"-"`
	// RequireSealedFile rejects an unencrypted file credential store.
	RequireSealedFile bool `yaml:"require_sealed_file"`

	// BackendTimeout bounds proxied and diagram requests to the backend.
	BackendTimeout  time.Duration `yaml:"backend_timeout"`
	ProxyEnabled    bool          `yaml:"proxy_enabled"`
	DiagramMaxBytes int64         `yaml:"diagram_max_bytes"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds"`
}

// DefaultConfig returns the defaults for a bridge next to a local backend.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:  "127.0.0.1:7070",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MaxHeaderBytes:    1 << 20,

		DBMaxConns: 4,

		CredStore:         CredStoreMemory,
		CredStoreProfile:  "default",
		RequireSealedFile: true,

		BackendTimeout:  30 * time.Second,
		ProxyEnabled:    true,
		DiagramMaxBytes: 8 << 20,

		CORSAllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		CORSMaxAgeSeconds:  600,
	}
}

// LoadConfig loads Config from the optional YAML file and the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if path := EnvString("MODELER_CONFIG_FILE", ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	return applyEnv(cfg), nil
}

func loadConfigFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path) // #nosec G304 -- operator supplied path.
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg Config) Config {
	cfg.HTTPAddr = EnvString("MODELER_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("MODELER_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(EnvString("MODELER_LOG_FORMAT", cfg.LogFormat))

	cfg.ReadHeaderTimeout = EnvDuration("MODELER_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("MODELER_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("MODELER_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("MODELER_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.ShutdownTimeout = EnvDuration("MODELER_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.MaxHeaderBytes = EnvInt("MODELER_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)
	cfg.AllowNonLoopback = EnvBool("MODELER_ALLOW_NON_LOOPBACK", cfg.AllowNonLoopback)

	cfg.DatabaseURL = EnvString("MODELER_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("MODELER_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("MODELER_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.ReadinessRequireDB = EnvBool("MODELER_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.CredStore = strings.ToLower(EnvString("MODELER_CREDSTORE", cfg.CredStore))
	cfg.CredStorePath = EnvString("MODELER_CREDSTORE_PATH", cfg.CredStorePath)
	cfg.CredStoreProfile = EnvString("MODELER_CREDSTORE_PROFILE", cfg.CredStoreProfile)
	cfg.CredStorePassphrase = os.Getenv("MODELER_CREDSTORE_PASSPHRASE")
	cfg.RequireSealedFile = EnvBool("MODELER_CREDSTORE_REQUIRE_SEAL", cfg.RequireSealedFile)

	cfg.BackendTimeout = EnvDuration("MODELER_BACKEND_TIMEOUT", cfg.BackendTimeout)
	cfg.ProxyEnabled = EnvBool("MODELER_PROXY_ENABLED", cfg.ProxyEnabled)
	cfg.DiagramMaxBytes = int64(EnvInt("MODELER_DIAGRAM_MAX_BYTES", int(cfg.DiagramMaxBytes)))

	cfg.CORSAllowedOrigins = EnvCSV("MODELER_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("MODELER_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("MODELER_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)
	return cfg
}
