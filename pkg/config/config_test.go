package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config failed validation: %v", err)
	}

	if cfg.Store.Type != "memory" {
		t.Errorf("Expected memory store, got %s", cfg.Store.Type)
	}
	if cfg.Pool.Workers != 10 {
		t.Errorf("Expected 10 workers, got %d", cfg.Pool.Workers)
	}
	if cfg.Sweeper.TimeoutThreshold != 90*time.Second {
		t.Errorf("Expected 90s timeout threshold, got %v", cfg.Sweeper.TimeoutThreshold)
	}
	if cfg.Sweeper.TaskRetention != 7*24*time.Hour {
		t.Errorf("Expected 7d task retention, got %v", cfg.Sweeper.TaskRetention)
	}
	if cfg.Sweeper.MemoryRetention != 30*24*time.Hour {
		t.Errorf("Expected 30d memory retention, got %v", cfg.Sweeper.MemoryRetention)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quill.yaml")
	data := []byte(`
store:
  type: badger
  path: /tmp/quill-data
pool:
  workers: 4
  queue_size: 20
logging:
  level: debug
  format: text
  output: stdout
`)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Store.Type != "badger" || cfg.Store.Path != "/tmp/quill-data" {
		t.Errorf("Store config not applied: %+v", cfg.Store)
	}
	if cfg.Pool.Workers != 4 || cfg.Pool.QueueSize != 20 {
		t.Errorf("Pool config not applied: %+v", cfg.Pool)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging config not applied: %+v", cfg.Logging)
	}

	// Untouched sections keep their defaults
	if cfg.Sweeper.TimeoutThreshold != 90*time.Second {
		t.Errorf("Expected default timeout threshold, got %v", cfg.Sweeper.TimeoutThreshold)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("QUILL_POOL_WORKERS", "3")
	t.Setenv("QUILL_TIMEOUT_THRESHOLD", "45s")
	t.Setenv("QUILL_LOG_LEVEL", "warn")
	t.Setenv("QUILL_ANTHROPIC_API_KEY", "test-key")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Pool.Workers != 3 {
		t.Errorf("Expected 3 workers from env, got %d", cfg.Pool.Workers)
	}
	if cfg.Sweeper.TimeoutThreshold != 45*time.Second {
		t.Errorf("Expected 45s threshold from env, got %v", cfg.Sweeper.TimeoutThreshold)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Expected warn level from env, got %s", cfg.Logging.Level)
	}
	if cfg.Providers.Anthropic.APIKey != "test-key" {
		t.Error("Expected API key from env")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid store type", func(c *Config) { c.Store.Type = "redis" }},
		{"badger without path", func(c *Config) { c.Store.Type = "badger"; c.Store.Path = "" }},
		{"zero workers", func(c *Config) { c.Pool.Workers = 0 }},
		{"zero queue size", func(c *Config) { c.Pool.QueueSize = 0 }},
		{"zero timeout threshold", func(c *Config) { c.Sweeper.TimeoutThreshold = 0 }},
		{"zero task retention", func(c *Config) { c.Sweeper.TaskRetention = 0 }},
		{"invalid metrics port", func(c *Config) { c.Metrics.Port = -1 }},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

func TestSaveToFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pool.Workers = 7

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to reload config: %v", err)
	}
	if loaded.Pool.Workers != 7 {
		t.Errorf("Expected 7 workers after reload, got %d", loaded.Pool.Workers)
	}
}
