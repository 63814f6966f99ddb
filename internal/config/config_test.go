package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
	if cfg.Game.RoundDurationSeconds != 30 {
		t.Errorf("round duration = %d, want 30", cfg.Game.RoundDurationSeconds)
	}
	if cfg.Game.CountdownSeconds != 20 {
		t.Errorf("countdown = %d, want 20", cfg.Game.CountdownSeconds)
	}
	if !cfg.Game.VirtualBase.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("virtual base = %s, want 0.5", cfg.Game.VirtualBase)
	}
	if !cfg.Game.FeeRate.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("fee rate = %s, want 0.02", cfg.Game.FeeRate)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
port: 9000
game:
  round_duration_seconds: 60
  fee_rate: "0.05"
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Port)
	}
	if cfg.Game.RoundDurationSeconds != 60 {
		t.Errorf("round duration = %d, want 60", cfg.Game.RoundDurationSeconds)
	}
	if !cfg.Game.FeeRate.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("fee rate = %s, want 0.05", cfg.Game.FeeRate)
	}
	// Untouched keys keep their defaults.
	if cfg.Game.CountdownSeconds != 20 {
		t.Errorf("countdown = %d, want default 20", cfg.Game.CountdownSeconds)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	t.Setenv("PORT", "7777")
	t.Setenv("DATABASE_URL", "postgres://env/db")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7777 {
		t.Errorf("port = %d, want env override 7777", cfg.Port)
	}
	if cfg.DatabaseURL != "postgres://env/db" {
		t.Errorf("database url = %q, want env override", cfg.DatabaseURL)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad port", "port: -1\n"},
		{"fee rate over 1", "game:\n  fee_rate: \"1.5\"\n"},
		{"zero virtual base", "game:\n  virtual_base: \"0\"\n"},
		{"zero round duration", "game:\n  round_duration_seconds: -5\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}
