package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all backend configuration. Values come from environment
// variables; an optional TOML file (SANDBOX_CONFIG_FILE) is applied first
// and the environment overrides it.
type Config struct {
	Server    ServerConfig
	Sandbox   SandboxConfig
	Network   NetworkConfig
	Storage   StorageConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" toml:"port" default:"8000"`
	Host string `envconfig:"HOST" toml:"host" default:"0.0.0.0"`
}

// SandboxConfig holds isolate pool and resource-limit configuration.
type SandboxConfig struct {
	MaxIsolates      int           `envconfig:"SANDBOX_MAX_ISOLATES" toml:"max_isolates" default:"10"`
	StartupTimeout   time.Duration `envconfig:"SANDBOX_STARTUP_TIMEOUT" toml:"startup_timeout" default:"5s"`
	ShutdownGrace    time.Duration `envconfig:"SANDBOX_SHUTDOWN_GRACE" toml:"shutdown_grace" default:"3s"`
	CallTimeout      time.Duration `envconfig:"SANDBOX_CALL_TIMEOUT" toml:"call_timeout" default:"10s"`
	ExecTimeout      time.Duration `envconfig:"SANDBOX_EXEC_TIMEOUT" toml:"exec_timeout" default:"30s"`
	MemoryLimitBytes uint64        `envconfig:"SANDBOX_MEMORY_LIMIT" toml:"memory_limit_bytes" default:"134217728"`
	StorageQuota     int64         `envconfig:"SANDBOX_STORAGE_QUOTA" toml:"storage_quota_bytes" default:"5242880"`
	WorkspaceDir     string        `envconfig:"SANDBOX_WORKSPACE_DIR" toml:"workspace_dir" default:"/tmp/symposium-workspace"`
	AllowedCommands  []string      `envconfig:"SANDBOX_ALLOWED_COMMANDS" toml:"allowed_commands"`
}

// NetworkConfig holds the outbound URL allow-list shared by network.request
// and import resolution.
type NetworkConfig struct {
	AllowedURLPrefixes []string      `envconfig:"NETWORK_ALLOWED_URLS" toml:"allowed_url_prefixes"`
	RequestTimeout     time.Duration `envconfig:"NETWORK_REQUEST_TIMEOUT" toml:"request_timeout" default:"10s"`
	MaxRetries         int           `envconfig:"NETWORK_MAX_RETRIES" toml:"max_retries" default:"3"`
}

// StorageConfig holds persistent storage configuration.
type StorageConfig struct {
	Driver string `envconfig:"STORAGE_DRIVER" toml:"driver" default:"sqlite"`
	Path   string `envconfig:"STORAGE_PATH" toml:"path" default:"/tmp/symposium-storage/blocks.db"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" toml:"level" default:"info"`
	Development bool   `envconfig:"LOG_DEV" toml:"development" default:"false"`
}

// RateLimitConfig holds per-IP rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" toml:"requests_per_second" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" toml:"burst" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" toml:"enabled" default:"true"`
}

// Load builds configuration from the optional TOML file and the environment.
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("SANDBOX_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration or falls back to defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8000", Host: "0.0.0.0"},
		Sandbox: SandboxConfig{
			MaxIsolates:      10,
			StartupTimeout:   5 * time.Second,
			ShutdownGrace:    3 * time.Second,
			CallTimeout:      10 * time.Second,
			ExecTimeout:      30 * time.Second,
			MemoryLimitBytes: 128 << 20,
			StorageQuota:     5 << 20,
			WorkspaceDir:     "/tmp/symposium-workspace",
		},
		Network: NetworkConfig{
			RequestTimeout: 10 * time.Second,
			MaxRetries:     3,
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "/tmp/symposium-storage/blocks.db"},
		Logging: LogConfig{Level: "info", Development: false},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
