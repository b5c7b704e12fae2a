// Package config loads and validates application configuration from YAML,
// layered over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"safe-sketch-sandbox/pkg/capset"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Validation ValidationConfig `yaml:"validation"`
	Generation GenerationConfig `yaml:"generation"`
	Database   DatabaseConfig   `yaml:"database"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Policy     PolicyConfig     `yaml:"policy"`
	Security   SecurityConfig   `yaml:"security"`
	Pool       PoolConfig       `yaml:"pool"`
	TLS        TLSConfig        `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	DefaultLevel     string        `yaml:"default_level"` // strict, moderate, relaxed
	MaxExecution     time.Duration `yaml:"max_execution"`
	MaxMemoryBytes   int64         `yaml:"max_memory_bytes"`
	MaxFrames        int           `yaml:"max_frames"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	CanvasWidth      int           `yaml:"canvas_width"`
	CanvasHeight     int           `yaml:"canvas_height"`
}

type ValidationConfig struct {
	HeuristicWarn    int64         `yaml:"heuristic_warn"`
	HeuristicCeiling int64         `yaml:"heuristic_ceiling"`
	SmokeTimeout     time.Duration `yaml:"smoke_timeout"`
}

type GenerationConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	TokenEnv         string        `yaml:"token_env"` // env var holding the API token
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AuditBuffer     int           `yaml:"audit_buffer"`
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

// PoolConfig controls pre-warmed interpreter state pooling.
type PoolConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinIdle     int           `yaml:"min_idle"`
	MaxIdle     int           `yaml:"max_idle"`
	RefillDelay time.Duration `yaml:"refill_delay"`
}

// PolicyConfig widens the stock per-level capability profiles. Only canvas
// operations are grantable; denied capability classes cannot be configured
// back in.
type PolicyConfig struct {
	ExtraAllows map[string][]string `yaml:"extra_allows"` // level -> operation ids
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
			WriteTimeout:    35 * time.Second, // > max session timeout + overhead
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Sandbox: SandboxConfig{
			DefaultLevel:     "strict",
			MaxExecution:     2 * time.Second,
			MaxMemoryBytes:   4 << 20,
			MaxFrames:        60,
			MaxConcurrent:    64,
			WatchdogInterval: 25 * time.Millisecond,
			CanvasWidth:      400,
			CanvasHeight:     400,
		},
		Validation: ValidationConfig{
			HeuristicWarn:    1_000_000,
			HeuristicCeiling: 100_000_000,
			SmokeTimeout:     250 * time.Millisecond,
		},
		Generation: GenerationConfig{
			TokenEnv:         "SKETCHBOX_GENERATION_TOKEN",
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			AuditBuffer:     10000,
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
		Pool: PoolConfig{
			Enabled:     true,
			MinIdle:     4,
			MaxIdle:     16,
			RefillDelay: 100 * time.Millisecond,
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
	switch c.Sandbox.DefaultLevel {
	case string(capset.LevelStrict), string(capset.LevelModerate), string(capset.LevelRelaxed):
	default:
		return fmt.Errorf("sandbox.default_level must be strict, moderate, or relaxed, got %q", c.Sandbox.DefaultLevel)
	}
	if c.Sandbox.MaxExecution < 50*time.Millisecond || c.Sandbox.MaxExecution > 30*time.Second {
		return fmt.Errorf("sandbox.max_execution must be 50ms-30s, got %s", c.Sandbox.MaxExecution)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.MaxFrames < 1 || c.Sandbox.MaxFrames > 10000 {
		return fmt.Errorf("sandbox.max_frames must be 1-10000, got %d", c.Sandbox.MaxFrames)
	}
	if c.Validation.HeuristicCeiling <= c.Validation.HeuristicWarn {
		return fmt.Errorf("validation.heuristic_ceiling must exceed heuristic_warn")
	}
	if c.Validation.SmokeTimeout >= c.Sandbox.MaxExecution {
		return fmt.Errorf("validation.smoke_timeout must be below sandbox.max_execution")
	}
	for level, ops := range c.Policy.ExtraAllows {
		switch level {
		case string(capset.LevelStrict), string(capset.LevelModerate), string(capset.LevelRelaxed):
		default:
			return fmt.Errorf("policy.extra_allows: unknown level %q", level)
		}
		for _, op := range ops {
			if _, ok := capset.ParseOperation(op); !ok {
				return fmt.Errorf("policy.extra_allows.%s: %q is not a grantable operation", level, op)
			}
		}
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// ProfileFor builds the capability profile for a level, widened by any
// policy.extra_allows entries for it.
func (c *Config) ProfileFor(level capset.SecurityLevel) capset.Profile {
	extras := c.Policy.ExtraAllows[string(level)]
	if len(extras) == 0 {
		return capset.ForLevel(level)
	}
	ops := make([]capset.OperationID, 0, len(extras))
	for _, s := range extras {
		if op, ok := capset.ParseOperation(s); ok {
			ops = append(ops, op)
		}
	}
	return capset.ForLevelWith(level, ops...)
}

// GenerationToken resolves the upstream API token from the environment so
// it never appears in config files.
func (c *Config) GenerationToken() string {
	if c.Generation.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Generation.TokenEnv)
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
