// Package config provides configuration management for quill
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete configuration for quill
type Config struct {
	// State store configuration
	Store StoreConfig `yaml:"store" json:"store"`

	// Worker pool configuration
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// Timeout and retention sweeps
	Sweeper SweeperConfig `yaml:"sweeper" json:"sweeper"`

	// External provider configuration
	Providers ProvidersConfig `yaml:"providers" json:"providers"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics and tracing configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// StoreConfig holds state store configuration
type StoreConfig struct {
	Type     string        `yaml:"type" json:"type"` // "memory" or "badger"
	Path     string        `yaml:"path" json:"path"` // data directory for badger
	EventTTL time.Duration `yaml:"event_ttl" json:"event_ttl"`
}

// PoolConfig holds worker pool sizing
type PoolConfig struct {
	Workers   int `yaml:"workers" json:"workers"`
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// SweeperConfig holds timeout and retention sweep configuration
type SweeperConfig struct {
	TimeoutInterval   time.Duration `yaml:"timeout_interval" json:"timeout_interval"`
	TimeoutThreshold  time.Duration `yaml:"timeout_threshold" json:"timeout_threshold"`
	RetentionInterval time.Duration `yaml:"retention_interval" json:"retention_interval"`
	TaskRetention     time.Duration `yaml:"task_retention" json:"task_retention"`
	MemoryRetention   time.Duration `yaml:"memory_retention" json:"memory_retention"`
}

// ProvidersConfig holds external service configuration
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic" json:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai" json:"openai"`

	// Requests per second allowed against each provider; zero disables
	// rate limiting
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
	RateBurst int     `yaml:"rate_burst" json:"rate_burst"`
}

// AnthropicConfig holds Anthropic API configuration
type AnthropicConfig struct {
	APIKey      string  `yaml:"api_key" json:"api_key"`
	Model       string  `yaml:"model" json:"model"`
	MaxTokens   int64   `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
}

// OpenAIConfig holds OpenAI API configuration
type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key" json:"api_key"`
	Model       string  `yaml:"model" json:"model"`
	MaxTokens   int64   `yaml:"max_tokens" json:"max_tokens"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// MetricsConfig holds Prometheus metrics and tracing configuration
type MetricsConfig struct {
	Enabled   bool          `yaml:"enabled" json:"enabled"`
	Host      string        `yaml:"host" json:"host"`
	Port      int           `yaml:"port" json:"port"`
	Path      string        `yaml:"path" json:"path"`
	Namespace string        `yaml:"namespace" json:"namespace"`
	Tracing   TracingConfig `yaml:"tracing" json:"tracing"`

	// Window for failure-rate aggregates
	FailureWindow time.Duration `yaml:"failure_window" json:"failure_window"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	Endpoint     string        `yaml:"endpoint" json:"endpoint"`
	ServiceName  string        `yaml:"service_name" json:"service_name"`
	SampleRate   float64       `yaml:"sample_rate" json:"sample_rate"`
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Type:     "memory",
			EventTTL: 7 * 24 * time.Hour,
		},
		Pool: PoolConfig{
			Workers:   10,
			QueueSize: 100,
		},
		Sweeper: SweeperConfig{
			TimeoutInterval:   2 * time.Minute,
			TimeoutThreshold:  90 * time.Second,
			RetentionInterval: time.Hour,
			TaskRetention:     7 * 24 * time.Hour,
			MemoryRetention:   30 * 24 * time.Hour,
		},
		Providers: ProvidersConfig{
			Anthropic: AnthropicConfig{
				Model:       "claude-sonnet-4-20250514",
				MaxTokens:   4096,
				Temperature: 0.2,
			},
			OpenAI: OpenAIConfig{
				Model:       "gpt-4o",
				MaxTokens:   4096,
				Temperature: 0.2,
			},
			RateLimit: 5,
			RateBurst: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			Host:          "0.0.0.0",
			Port:          9091,
			Path:          "/metrics",
			Namespace:     "quill",
			FailureWindow: 10 * time.Minute,
			Tracing: TracingConfig{
				Enabled:      false,
				ServiceName:  "quill",
				SampleRate:   0.1,
				BatchTimeout: 5 * time.Second,
			},
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Load from file if provided
	if configPath != "" {
		if err := loadConfigFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Override with environment variables
	loadConfigFromEnv(config)

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// loadConfigFromFile loads configuration from YAML or JSON file
func loadConfigFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".json":
		return json.Unmarshal(data, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// loadConfigFromEnv loads configuration from environment variables
func loadConfigFromEnv(config *Config) {
	// Store configuration
	if val := os.Getenv("QUILL_STORE_TYPE"); val != "" {
		config.Store.Type = val
	}
	if val := os.Getenv("QUILL_STORE_PATH"); val != "" {
		config.Store.Path = val
	}

	// Pool configuration
	if val := os.Getenv("QUILL_POOL_WORKERS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Pool.Workers = n
		}
	}
	if val := os.Getenv("QUILL_POOL_QUEUE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			config.Pool.QueueSize = n
		}
	}

	// Sweeper configuration
	if val := os.Getenv("QUILL_TIMEOUT_THRESHOLD"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Sweeper.TimeoutThreshold = d
		}
	}
	if val := os.Getenv("QUILL_TASK_RETENTION"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Sweeper.TaskRetention = d
		}
	}
	if val := os.Getenv("QUILL_MEMORY_RETENTION"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Sweeper.MemoryRetention = d
		}
	}

	// Provider configuration
	if val := os.Getenv("QUILL_ANTHROPIC_API_KEY"); val != "" {
		config.Providers.Anthropic.APIKey = val
	}
	if val := os.Getenv("QUILL_ANTHROPIC_MODEL"); val != "" {
		config.Providers.Anthropic.Model = val
	}
	if val := os.Getenv("QUILL_OPENAI_API_KEY"); val != "" {
		config.Providers.OpenAI.APIKey = val
	}
	if val := os.Getenv("QUILL_OPENAI_MODEL"); val != "" {
		config.Providers.OpenAI.Model = val
	}
	if val := os.Getenv("QUILL_PROVIDER_RATE_LIMIT"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			config.Providers.RateLimit = f
		}
	}

	// Logging configuration
	if val := os.Getenv("QUILL_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("QUILL_LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}

	// Metrics configuration
	if val := os.Getenv("QUILL_METRICS_ENABLED"); val != "" {
		config.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("QUILL_METRICS_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.Metrics.Port = port
		}
	}
	if val := os.Getenv("QUILL_TRACING_ENABLED"); val != "" {
		config.Metrics.Tracing.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("QUILL_TRACING_ENDPOINT"); val != "" {
		config.Metrics.Tracing.Endpoint = val
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate store configuration
	validStores := []string{"memory", "badger"}
	if !contains(validStores, c.Store.Type) {
		return fmt.Errorf("invalid store type: %s, must be one of %v", c.Store.Type, validStores)
	}
	if c.Store.Type == "badger" && c.Store.Path == "" {
		return fmt.Errorf("store path must be specified for badger store")
	}

	// Validate pool configuration
	if c.Pool.Workers <= 0 {
		return fmt.Errorf("invalid worker count: %d", c.Pool.Workers)
	}
	if c.Pool.QueueSize <= 0 {
		return fmt.Errorf("invalid queue size: %d", c.Pool.QueueSize)
	}

	// Validate sweeper configuration
	if c.Sweeper.TimeoutThreshold <= 0 {
		return fmt.Errorf("invalid timeout threshold: %v", c.Sweeper.TimeoutThreshold)
	}
	if c.Sweeper.TaskRetention <= 0 {
		return fmt.Errorf("invalid task retention: %v", c.Sweeper.TaskRetention)
	}
	if c.Sweeper.MemoryRetention <= 0 {
		return fmt.Errorf("invalid memory retention: %v", c.Sweeper.MemoryRetention)
	}

	// Validate metrics configuration
	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}

	// Validate logging configuration
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("invalid log level: %s, must be one of %v", c.Logging.Level, validLogLevels)
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, strings.ToLower(c.Logging.Format)) {
		return fmt.Errorf("invalid log format: %s, must be one of %v", c.Logging.Format, validLogFormats)
	}

	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// SaveToFile saves the configuration to a file
func (c *Config) SaveToFile(path string) error {
	ext := strings.ToLower(filepath.Ext(path))
	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// contains checks if a slice contains a string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
