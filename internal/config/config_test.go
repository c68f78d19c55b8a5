package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 8080\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Type != "postgres" || cfg.Database.Port != 5432 {
		t.Fatalf("database defaults = %+v", cfg.Database)
	}
	if !cfg.Scheduler.IsEnabled() {
		t.Fatal("scheduler should default to enabled")
	}
	d, err := cfg.Scheduler.Durations()
	if err != nil {
		t.Fatalf("Durations error: %v", err)
	}
	if d.SweepInterval != time.Minute || d.ExpiryInterval != time.Hour || d.ClaimTimeout != 5*time.Minute {
		t.Fatalf("unexpected durations: %+v", d)
	}
	if cfg.Redis.Prefix != "herald:jobs" {
		t.Fatalf("Redis.Prefix = %q", cfg.Redis.Prefix)
	}
}

func TestLoadConfigSchedulerDisabled(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  enabled: false\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Scheduler.IsEnabled() {
		t.Fatal("scheduler should be disabled")
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("HERALD_TEST_API_KEY", "secret-key")
	path := writeConfig(t, "auth:\n  api_key: ${HERALD_TEST_API_KEY}\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Auth.APIKey != "secret-key" {
		t.Fatalf("APIKey = %q, want secret-key", cfg.Auth.APIKey)
	}
	if !cfg.Auth.Enabled() {
		t.Fatal("auth should be enabled when an api key is set")
	}
}

func TestLoadConfigInvalidDuration(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  claim_timeout: soon\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for invalid claim_timeout")
	}
}

func TestLoadConfigUnsupportedDatabase(t *testing.T) {
	path := writeConfig(t, "database:\n  type: oracle\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for unsupported database type")
	}
}

func TestApplyDefaultsMySQLPort(t *testing.T) {
	t.Parallel()
	cfg := &Config{Database: DatabaseConfig{Type: "mysql"}}
	ApplyDefaults(cfg)
	if cfg.Database.Port != 3306 {
		t.Fatalf("Port = %d, want 3306", cfg.Database.Port)
	}
}
