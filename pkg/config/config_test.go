package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.DataDir != "./data" {
		t.Fatalf("expected default data dir, got %q", cfg.Node.DataDir)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default logging level, got %q", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	contents := "node:\n  data_dir: /tmp/somewhere\n  first: true\n  max_capacity_bytes: 1024\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Node.DataDir != "/tmp/somewhere" {
		t.Fatalf("expected overridden data dir, got %q", cfg.Node.DataDir)
	}
	if !cfg.Node.First {
		t.Fatalf("expected first=true to be read from file")
	}
	if cfg.Node.MaxCapacityBytes != 1024 {
		t.Fatalf("expected max_capacity_bytes=1024, got %d", cfg.Node.MaxCapacityBytes)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STORNET_LOGGING_LEVEL", "debug")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected env override to win, got %q", cfg.Logging.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing config file")
	}
}
