package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Backend.Timeout != 30 {
		t.Fatalf("backend timeout %d, want default 30", cfg.Backend.Timeout)
	}
	if cfg.Session.WarningAfter != 19.5 || cfg.Session.LogoutAfter != 20 {
		t.Fatalf("session thresholds %.1f/%.1f, want defaults 19.5/20",
			cfg.Session.WarningAfter, cfg.Session.LogoutAfter)
	}
	if cfg.Realtime.SendQueueSize != 64 {
		t.Fatalf("send queue size %d, want default 64", cfg.Realtime.SendQueueSize)
	}
}

func TestLoadConfig_ReadsYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
env: test
log:
  level: warn
backend:
  base_url: http://localhost:9999
tracking:
  minutes_per_km: 7
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("log level %q", cfg.Log.Level)
	}
	if cfg.Backend.BaseURL != "http://localhost:9999" {
		t.Fatalf("backend url %q", cfg.Backend.BaseURL)
	}
	if cfg.Tracking.MinutesPerKm != 7 {
		t.Fatalf("minutes per km %.1f", cfg.Tracking.MinutesPerKm)
	}
	// Untouched keys keep their defaults
	if cfg.Bridge.Port != 9321 {
		t.Fatalf("bridge port %d", cfg.Bridge.Port)
	}
}

func TestLoadConfig_RejectsInvertedThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
session:
  warning_after: 25
  logout_after: 20
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("warning_after above logout_after accepted")
	}
}
