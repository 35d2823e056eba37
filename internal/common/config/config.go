// Package config provides configuration management for the Agentica session manager.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the session manager.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Inference InferenceConfig `mapstructure:"inference"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	LogStore  LogStoreConfig  `mapstructure:"logstore"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// InferenceConfig holds remote inference endpoint configuration.
type InferenceConfig struct {
	// BaseURL is the default chat-completions endpoint.
	BaseURL string `mapstructure:"baseUrl"`

	// RouterURL is the OpenRouter-compatible fallback endpoint used for
	// "openrouter:" model identifiers and unknown "<provider>/<slug>" models.
	RouterURL string `mapstructure:"routerUrl"`

	APIKey string `mapstructure:"apiKey"`

	// MaxRetries bounds rate-limit retries per call.
	MaxRetries int `mapstructure:"maxRetries"`

	// RetryBaseDelayMs is the initial backoff delay in milliseconds.
	RetryBaseDelayMs int `mapstructure:"retryBaseDelayMs"`

	// ReadTimeout is the per-call overall timeout in seconds (0 = unbounded).
	ReadTimeout int `mapstructure:"readTimeout"`

	// MaxConnections caps the shared HTTP client's connection pool (0 = default).
	MaxConnections int `mapstructure:"maxConnections"`
}

// SandboxConfig holds execution sandbox configuration.
type SandboxConfig struct {
	// Backend selects the guest implementation: "docker" or "none" (in-process).
	// AGENTICA_NO_SANDBOX=1 forces "none".
	Backend string `mapstructure:"backend"`

	// Image is the container image used for docker guests.
	Image string `mapstructure:"image"`

	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`

	// MemoryLimitMB and CPUQuota bound each guest container.
	MemoryLimitMB int   `mapstructure:"memoryLimitMb"`
	CPUQuota      int64 `mapstructure:"cpuQuota"`
}

// LimitsConfig holds invocation admission and drain limits.
type LimitsConfig struct {
	// MaxConcurrentInvocations bounds in-flight invocations across all agents.
	MaxConcurrentInvocations int `mapstructure:"maxConcurrentInvocations"`

	// DrainTimeout bounds the wait for invocation tasks on multiplexer stop (seconds).
	DrainTimeout int `mapstructure:"drainTimeout"`

	// WatchdogSeconds aborts the process after N seconds of task stagnation.
	// Zero disables the watchdog. Debug aid only.
	WatchdogSeconds int `mapstructure:"watchdogSeconds"`
}

// LogStoreConfig holds the invocation log store configuration.
type LogStoreConfig struct {
	// Driver is "sqlite3" or "pgx". The DSN selects the database.
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// NATSConfig holds optional NATS configuration for the notifier fan-out.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TelemetryConfig holds tracing configuration.
type TelemetryConfig struct {
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// RetryBaseDelay returns the retry base delay as a time.Duration.
func (i *InferenceConfig) RetryBaseDelay() time.Duration {
	return time.Duration(i.RetryBaseDelayMs) * time.Millisecond
}

// ReadTimeoutDuration returns the per-call timeout as a time.Duration.
func (i *InferenceConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(i.ReadTimeout) * time.Second
}

// DrainTimeoutDuration returns the drain timeout as a time.Duration.
func (l *LimitsConfig) DrainTimeoutDuration() time.Duration {
	return time.Duration(l.DrainTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTICA_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Inference defaults
	v.SetDefault("inference.baseUrl", "https://api.openai.com/v1/chat/completions")
	v.SetDefault("inference.routerUrl", "https://openrouter.ai/api/v1/chat/completions")
	v.SetDefault("inference.apiKey", "")
	v.SetDefault("inference.maxRetries", 5)
	v.SetDefault("inference.retryBaseDelayMs", 500)
	v.SetDefault("inference.readTimeout", 0)
	v.SetDefault("inference.maxConnections", 0)

	// Sandbox defaults
	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.image", "agentica/warp-guest:latest")
	v.SetDefault("sandbox.host", "unix:///var/run/docker.sock")
	v.SetDefault("sandbox.apiVersion", "")
	v.SetDefault("sandbox.defaultNetwork", "")
	v.SetDefault("sandbox.memoryLimitMb", 1024)
	v.SetDefault("sandbox.cpuQuota", 0)

	// Limits defaults
	v.SetDefault("limits.maxConcurrentInvocations", 64)
	v.SetDefault("limits.drainTimeout", 10)
	v.SetDefault("limits.watchdogSeconds", 0)

	// Log store defaults
	v.SetDefault("logstore.driver", "sqlite3")
	v.SetDefault("logstore.dsn", "./agentica.db")

	// NATS defaults - empty URL means use in-memory notifier bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentica-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Telemetry defaults
	v.SetDefault("telemetry.serviceName", "agentica-server")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTICA_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/agentica/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where env var naming differs from config key naming.
	_ = v.BindEnv("inference.apiKey", "AGENTICA_INFERENCE_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("inference.baseUrl", "AGENTICA_INFERENCE_BASE_URL")
	_ = v.BindEnv("sandbox.backend", "AGENTICA_SANDBOX_BACKEND")
	_ = v.BindEnv("limits.maxConcurrentInvocations", "AGENTICA_LIMITS_MAX_CONCURRENT_INVOCATIONS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentica/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// AGENTICA_NO_SANDBOX=1 forces the in-process guest regardless of config.
	if os.Getenv("AGENTICA_NO_SANDBOX") == "1" {
		cfg.Sandbox.Backend = "none"
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Limits.MaxConcurrentInvocations <= 0 {
		errs = append(errs, "limits.maxConcurrentInvocations must be positive")
	}
	if cfg.Limits.DrainTimeout < 0 {
		errs = append(errs, "limits.drainTimeout must be non-negative")
	}

	switch cfg.Sandbox.Backend {
	case "docker", "none":
	default:
		errs = append(errs, "sandbox.backend must be one of: docker, none")
	}

	switch cfg.LogStore.Driver {
	case "sqlite3", "pgx":
	default:
		errs = append(errs, "logstore.driver must be one of: sqlite3, pgx")
	}

	if cfg.Inference.MaxRetries < 0 {
		errs = append(errs, "inference.maxRetries must be non-negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
