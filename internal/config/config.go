// Package config handles loading and validating ngome configuration.
// The config file supplies the security level, default resource limits,
// and host-mode settings; this package owns none of the policy, it only
// carries it to the components that do.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for ngome.
type Config struct {
	// Workspace is the default project directory commands run against
	// when a request does not name one. Override: NGOME_WORKSPACE.
	Workspace string `json:"workspace,omitempty" yaml:"workspace,omitempty"`

	Security      SecurityConfig       `json:"security" yaml:"security"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Limits        LimitsConfig         `json:"limits" yaml:"limits"`
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`               // nil = serve mode disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// SecurityConfig selects the validator posture.
type SecurityConfig struct {
	// Level is "strict", "permissive", or "development".
	// Unknown values fail closed to strict.
	Level string `json:"level" yaml:"level"`

	// ExtraWhitelist adds executable names to the built-in whitelist.
	ExtraWhitelist []string `json:"extra_whitelist,omitempty" yaml:"extra_whitelist,omitempty"`
}

// SandboxConfig configures the execution backends.
type SandboxConfig struct {
	Runtime             string `json:"runtime,omitempty" yaml:"runtime,omitempty"` // Container runtime CLI. Default: "docker".
	Image               string `json:"image,omitempty" yaml:"image,omitempty"`     // Trusted base image.
	PIDsLimit           int    `json:"pids_limit,omitempty" yaml:"pids_limit,omitempty"`
	StagingRoot         string `json:"staging_root,omitempty" yaml:"staging_root,omitempty"`
	FastTestMode        bool   `json:"fast_test_mode" yaml:"fast_test_mode"` // Skip dependency installation in the local backend.
	CleanupGraceSeconds int    `json:"cleanup_grace_seconds,omitempty" yaml:"cleanup_grace_seconds,omitempty"`
}

// LimitsConfig is the executor-wide default resource budget.
// Per-request overrides are carried on the execution request.
type LimitsConfig struct {
	MaxMemoryMB         int     `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUFraction      float64 `json:"max_cpu_fraction" yaml:"max_cpu_fraction"`
	MaxExecutionSeconds int     `json:"max_execution_seconds" yaml:"max_execution_seconds"`
	MaxDiskMB           int     `json:"max_disk_mb" yaml:"max_disk_mb"`
	AllowNetwork        bool    `json:"allow_network" yaml:"allow_network"`
}

// ServerConfig configures the HTTP API host mode.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"` // e.g. ":8080"
	EnableDocs bool   `json:"enable_docs" yaml:"enable_docs"`

	// APIKeys maps API key to caller ID. Values starting with "env:"
	// are resolved from the environment at load time.
	APIKeys map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`

	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Reaper    *ReaperConfig   `json:"reaper,omitempty" yaml:"reaper,omitempty"` // nil = reaper disabled
}

// RateLimitConfig configures the per-caller token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ReaperConfig schedules periodic cleanup of stale backend resources.
// Executions whose handles are never cleaned by their owner leak until
// the reaper acts; this is the external reaper the design assumes.
type ReaperConfig struct {
	Schedule      string `json:"schedule" yaml:"schedule"`               // cron spec, e.g. "@every 5m"
	MaxAgeSeconds int    `json:"max_age_seconds" yaml:"max_age_seconds"` // handles older than this are reaped
}

// ObservabilityConfig configures metrics and tracing exposure.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing via OTLP.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"` // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"` // "grpc" (default) or "http"
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"` // 0 = 1.0
}

// DefaultConfigPath returns ~/.ngome/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".ngome", "config.yaml")
}

// Default returns a configuration usable without any config file:
// strict security, conservative limits, no server.
func Default() *Config {
	return &Config{
		Security: SecurityConfig{Level: "strict"},
		Limits: LimitsConfig{
			MaxMemoryMB:         512,
			MaxCPUFraction:      1.0,
			MaxExecutionSeconds: 30,
			MaxDiskMB:           512,
		},
	}
}

// Load reads a YAML or JSON config file, applies environment overrides,
// and validates. A missing file is not an error: defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults apply.
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if strings.HasSuffix(path, ".json") {
				err = json.Unmarshal(data, cfg)
			} else {
				err = yaml.Unmarshal(data, cfg)
			}
			if err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)
	resolveAPIKeys(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the executor cannot honor.
func (c *Config) Validate() error {
	if c.Limits.MaxMemoryMB < 0 || c.Limits.MaxDiskMB < 0 || c.Limits.MaxExecutionSeconds < 0 {
		return fmt.Errorf("resource limits must not be negative")
	}
	if c.Limits.MaxCPUFraction < 0 {
		return fmt.Errorf("max_cpu_fraction must not be negative")
	}
	if c.Server != nil && c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required when server is configured")
	}
	if c.Server != nil && c.Server.Reaper != nil {
		if c.Server.Reaper.Schedule == "" {
			return fmt.Errorf("server.reaper.schedule is required when the reaper is configured")
		}
		if c.Server.Reaper.MaxAgeSeconds <= 0 {
			return fmt.Errorf("server.reaper.max_age_seconds must be positive")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NGOME_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
	if v := os.Getenv("NGOME_SECURITY_LEVEL"); v != "" {
		cfg.Security.Level = v
	}
	if v := os.Getenv("NGOME_SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("NGOME_SANDBOX_RUNTIME"); v != "" {
		cfg.Sandbox.Runtime = v
	}
}

// resolveAPIKeys replaces "env:NAME" key entries with the value of the
// named environment variable, dropping entries whose variable is unset.
// Keeps secrets out of config files.
func resolveAPIKeys(cfg *Config) {
	if cfg.Server == nil || len(cfg.Server.APIKeys) == 0 {
		return
	}
	resolved := make(map[string]string, len(cfg.Server.APIKeys))
	for key, caller := range cfg.Server.APIKeys {
		if name, ok := strings.CutPrefix(key, "env:"); ok {
			if v := os.Getenv(name); v != "" {
				resolved[v] = caller
			}
			continue
		}
		resolved[key] = caller
	}
	cfg.Server.APIKeys = resolved
}
