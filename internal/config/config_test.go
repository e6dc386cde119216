package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFrom(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
model: /models/llama.m
tokenizer: /models/tokenizer.t
workers:
  - 10.0.0.2:9990
  - 10.0.0.3:9990
nthreads: 4
temperature: 0.7
net_turbo: false
status_addr: 127.0.0.1:8080
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadFrom(path)
	if cfg.ModelPath != "/models/llama.m" || len(cfg.Workers) != 2 {
		t.Fatalf("config mismatch: %+v", cfg)
	}
	if cfg.NThreads == nil || *cfg.NThreads != 4 {
		t.Errorf("nthreads not parsed: %v", cfg.NThreads)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.7 {
		t.Errorf("temperature not parsed: %v", cfg.Temperature)
	}
	if cfg.NetTurbo == nil || *cfg.NetTurbo {
		t.Errorf("net_turbo not parsed: %v", cfg.NetTurbo)
	}
	if cfg.Seed != nil {
		t.Errorf("seed should be unset, got %v", *cfg.Seed)
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	t.Parallel()

	cfg := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if cfg.ModelPath != "" || cfg.NThreads != nil {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadFromMalformedFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := LoadFrom(path)
	if cfg.ModelPath != "" {
		t.Fatalf("expected zero config for malformed file, got %+v", cfg)
	}
}
