package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	if cfg.Security.Level != "strict" {
		t.Errorf("default security level = %q, want strict", cfg.Security.Level)
	}
	if cfg.Limits.MaxMemoryMB != 512 {
		t.Errorf("default memory = %d, want 512", cfg.Limits.MaxMemoryMB)
	}
	if cfg.Server != nil {
		t.Error("server configured by default")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
workspace: /srv/projects/demo
security:
  level: development
  extra_whitelist: [mytool]
sandbox:
  image: ngome-runtime:v2
  fast_test_mode: true
limits:
  max_memory_mb: 256
  max_execution_seconds: 10
server:
  listen_addr: ":9090"
  rate_limit:
    requests_per_minute: 30
  reaper:
    schedule: "@every 5m"
    max_age_seconds: 900
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workspace != "/srv/projects/demo" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.Security.Level != "development" {
		t.Errorf("level = %q", cfg.Security.Level)
	}
	if len(cfg.Security.ExtraWhitelist) != 1 || cfg.Security.ExtraWhitelist[0] != "mytool" {
		t.Errorf("extra whitelist = %v", cfg.Security.ExtraWhitelist)
	}
	if !cfg.Sandbox.FastTestMode {
		t.Error("fast_test_mode not parsed")
	}
	if cfg.Limits.MaxMemoryMB != 256 || cfg.Limits.MaxExecutionSeconds != 10 {
		t.Errorf("limits = %+v", cfg.Limits)
	}
	if cfg.Server == nil || cfg.Server.ListenAddr != ":9090" {
		t.Fatalf("server = %+v", cfg.Server)
	}
	if cfg.Server.Reaper == nil || cfg.Server.Reaper.MaxAgeSeconds != 900 {
		t.Errorf("reaper = %+v", cfg.Server.Reaper)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"security":{"level":"permissive"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Security.Level != "permissive" {
		t.Errorf("level = %q, want permissive", cfg.Security.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", "security: [:::")
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("NGOME_WORKSPACE", "/env/ws")
	t.Setenv("NGOME_SECURITY_LEVEL", "permissive")
	t.Setenv("NGOME_SANDBOX_IMAGE", "custom:latest")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workspace != "/env/ws" {
		t.Errorf("workspace = %q", cfg.Workspace)
	}
	if cfg.Security.Level != "permissive" {
		t.Errorf("level = %q", cfg.Security.Level)
	}
	if cfg.Sandbox.Image != "custom:latest" {
		t.Errorf("image = %q", cfg.Sandbox.Image)
	}
}

func TestResolveAPIKeysFromEnv(t *testing.T) {
	t.Setenv("NGOME_TEST_KEY", "secret-token")
	path := writeConfig(t, "config.yaml", `
server:
  listen_addr: ":8080"
  api_keys:
    "env:NGOME_TEST_KEY": alice
    "env:NGOME_UNSET_KEY": bob
    "literal-key": carol
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	keys := cfg.Server.APIKeys
	if keys["secret-token"] != "alice" {
		t.Errorf("env key not resolved: %v", keys)
	}
	if keys["literal-key"] != "carol" {
		t.Errorf("literal key lost: %v", keys)
	}
	if len(keys) != 2 {
		t.Errorf("unset env key should be dropped: %v", keys)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"negative memory", func(c *Config) { c.Limits.MaxMemoryMB = -1 }, true},
		{"negative cpu", func(c *Config) { c.Limits.MaxCPUFraction = -0.5 }, true},
		{"server without addr", func(c *Config) { c.Server = &ServerConfig{} }, true},
		{"reaper without schedule", func(c *Config) {
			c.Server = &ServerConfig{ListenAddr: ":8080", Reaper: &ReaperConfig{MaxAgeSeconds: 60}}
		}, true},
		{"reaper without max age", func(c *Config) {
			c.Server = &ServerConfig{ListenAddr: ":8080", Reaper: &ReaperConfig{Schedule: "@every 5m"}}
		}, true},
		{"valid server", func(c *Config) {
			c.Server = &ServerConfig{ListenAddr: ":8080", Reaper: &ReaperConfig{Schedule: "@every 5m", MaxAgeSeconds: 60}}
		}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
