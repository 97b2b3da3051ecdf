// Package config loads the engine's YAML configuration with defaults and
// validation. The config decides things once at startup; nothing here is
// consulted mid-execution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"reprorun/internal/policy"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	CAS      CASConfig      `yaml:"cas"`
	Quotas   policy.Quotas  `yaml:"quotas"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

// EngineConfig controls the digest primitive and scheduling.
type EngineConfig struct {
	// AllowHashFallback permits the SHA-256 fallback when the BLAKE3
	// self-test fails. Every result then carries compat_degraded.
	AllowHashFallback bool `yaml:"allow_hash_fallback"`

	SchedulerMode  string        `yaml:"scheduler_mode"`
	Workers        int           `yaml:"workers"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxOutputBytes int           `yaml:"max_output_bytes"`
	WorkspaceRoot  string        `yaml:"workspace_root"`
	CommitToCAS    bool          `yaml:"commit_to_cas"`
	DriftRuns      int           `yaml:"drift_runs"`
}

// CASConfig locates the store and its optional S3 mirror.
type CASConfig struct {
	Root        string       `yaml:"root"`
	Compress    bool         `yaml:"compress"`
	CompressMin int          `yaml:"compress_min_bytes"`
	Mirror      MirrorConfig `yaml:"mirror"`
	Peer        PeerConfig   `yaml:"peer"`
}

// PeerConfig configures the optional read-through cache peer. Disabled when
// Port is zero.
type PeerConfig struct {
	Port     int    `yaml:"port"`
	Upstream string `yaml:"upstream"`
	APIKey   string `yaml:"api_key"`
	Secret   string `yaml:"secret"`
}

// MirrorConfig configures the optional S3-compatible mirror. Disabled when
// Endpoint is empty.
type MirrorConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseTLS    bool   `yaml:"use_tls"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    65 * time.Second, // > max execution timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  100 << 20,
		},
		Engine: EngineConfig{
			AllowHashFallback: false,
			SchedulerMode:     policy.SchedulerTurbo,
			Workers:           0, // one per CPU
			DefaultTimeout:    10 * time.Second,
			MaxTimeout:        60 * time.Second,
			MaxOutputBytes:    1 << 20,
			WorkspaceRoot:     "/var/lib/reprorun/workspaces",
			CommitToCAS:       true,
			DriftRuns:         200,
		},
		CAS: CASConfig{
			Root:        "/var/lib/reprorun/cas",
			Compress:    true,
			CompressMin: 4096,
		},
		Quotas: policy.DefaultQuotas(),
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Engine.SchedulerMode {
	case policy.SchedulerRepro, policy.SchedulerTurbo:
	default:
		return fmt.Errorf("engine.scheduler_mode must be repro or turbo, got %q", c.Engine.SchedulerMode)
	}
	if c.Engine.DefaultTimeout > c.Engine.MaxTimeout {
		return fmt.Errorf("engine.default_timeout (%s) must be <= max_timeout (%s)",
			c.Engine.DefaultTimeout, c.Engine.MaxTimeout)
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("engine.workers must be >= 0")
	}
	if c.Engine.DriftRuns < 1 {
		return fmt.Errorf("engine.drift_runs must be >= 1")
	}
	if c.CAS.Root == "" {
		return fmt.Errorf("cas.root is required")
	}
	if c.CAS.Peer.Port > 0 && c.CAS.Peer.Upstream == "" {
		return fmt.Errorf("cas.peer.upstream is required when a peer port is set")
	}
	if c.CAS.Mirror.Endpoint != "" && c.CAS.Mirror.Bucket == "" {
		return fmt.Errorf("cas.mirror.bucket is required when a mirror endpoint is set")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Engine.WorkspaceRoot != "" && !filepath.IsAbs(c.Engine.WorkspaceRoot) {
		return fmt.Errorf("engine.workspace_root must be an absolute path, got %q", c.Engine.WorkspaceRoot)
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable; connections to Postgres are unencrypted")
	}
	if c.Engine.AllowHashFallback {
		log.Warn().Msg("hash fallback is enabled; results may be marked compatibility-degraded")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
