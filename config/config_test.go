package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ============================================================================
// TEST: Loading and overrides
// ============================================================================

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.InitialCash != 10000 {
		t.Errorf("Expected default initial cash 10000, got %.2f", cfg.InitialCash)
	}
	if cfg.CycleInterval() != 60*time.Second {
		t.Errorf("Expected default interval 60s, got %s", cfg.CycleInterval())
	}
	if !cfg.Scheduler.AlignToWallClock {
		t.Error("Expected wall-clock alignment by default")
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"initial_cash": 25000, "symbols": ["BTCUSDT"], "scheduler": {"interval_seconds": 120, "max_consecutive_errors": 5, "shutdown_timeout_seconds": 30}}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.InitialCash != 25000 {
		t.Errorf("Expected initial cash 25000, got %.2f", cfg.InitialCash)
	}
	if cfg.CycleInterval() != 120*time.Second {
		t.Errorf("Expected interval 120s, got %s", cfg.CycleInterval())
	}
	if len(cfg.Symbols) != 1 || cfg.Symbols[0] != "BTCUSDT" {
		t.Errorf("Expected symbols [BTCUSDT], got %v", cfg.Symbols)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("CYCLE_INTERVAL_SECONDS", "30")
	t.Setenv("INITIAL_CASH", "5000")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.CycleInterval() != 30*time.Second {
		t.Errorf("Expected interval 30s from env, got %s", cfg.CycleInterval())
	}
	if cfg.InitialCash != 5000 {
		t.Errorf("Expected initial cash 5000 from env, got %.2f", cfg.InitialCash)
	}
}

// ============================================================================
// TEST: Validation bounds
// ============================================================================

func TestValidate_IntervalBounds(t *testing.T) {
	for _, seconds := range []int{5, 3601, 0} {
		cfg := Default()
		cfg.Scheduler.IntervalSeconds = seconds
		if err := cfg.validate(); err == nil {
			t.Errorf("Expected validation failure for interval %ds", seconds)
		}
	}
	for _, seconds := range []int{10, 60, 3600} {
		cfg := Default()
		cfg.Scheduler.IntervalSeconds = seconds
		if err := cfg.validate(); err != nil {
			t.Errorf("Expected interval %ds accepted: %v", seconds, err)
		}
	}
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cash", func(c *Config) { c.InitialCash = 0 }},
		{"no symbols", func(c *Config) { c.Symbols = nil }},
		{"zero max errors", func(c *Config) { c.Scheduler.MaxConsecutiveErrors = 0 }},
		{"inverted leverage", func(c *Config) { c.Risk.MinLeverage = 40; c.Risk.MaxLeverage = 5 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.validate(); err == nil {
			t.Errorf("%s: expected validation failure", tc.name)
		}
	}
}
