// Package config loads praetor server settings from a JSON file with
// PRAETOR_* environment overrides layered on top.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SQLDatabase describes one named read-only database for sql_query steps.
type SQLDatabase struct {
	Driver         string   `json:"driver"`
	DSN            string   `json:"dsn"`
	AllowedQueries []string `json:"allowed_queries,omitempty"`
	MaxRows        int      `json:"max_rows,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// RunLimits bounds execution starts and concurrency. Zero fields mean no
// limit of that kind; a nil block disables limiting entirely.
type RunLimits struct {
	MaxConcurrent               int `json:"max_concurrent,omitempty"`
	MaxConcurrentPerPlaybook    int `json:"max_concurrent_per_playbook,omitempty"`
	MaxStartsPerHour            int `json:"max_starts_per_hour,omitempty"`
	MaxStartsPerHourPerPlaybook int `json:"max_starts_per_hour_per_playbook,omitempty"`
	DryRunAllowance             int `json:"dry_run_allowance,omitempty"`
}

// Config holds the praetor server configuration.
type Config struct {
	// ListenAddr is the HTTP bind address.
	ListenAddr string `json:"listen_addr"`

	// DataDir holds the SQLite databases. When it cannot be created the
	// server falls back to in-memory stores.
	DataDir string `json:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// AuthEnabled turns on bearer API key authentication.
	AuthEnabled bool `json:"auth_enabled"`

	// ShellEnabled arms the shell_command action. It stays off unless set
	// here; there is no way to enable it after startup.
	ShellEnabled bool     `json:"shell_enabled"`
	ShellAllowed []string `json:"shell_allowed,omitempty"`
	ShellBlocked []string `json:"shell_blocked,omitempty"`

	// SQLDatabases names the databases sql_query may read from. An empty
	// map keeps the action disabled.
	SQLDatabases map[string]SQLDatabase `json:"sql_databases,omitempty"`

	// Redis settings for the awareness feed and rule change broadcasts.
	// An empty RedisAddr keeps both in process.
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisFeedKey  string `json:"redis_feed_key,omitempty"`
	RedisChannel  string `json:"redis_channel,omitempty"`

	// OTLPEndpoint enables trace export to an OTLP gRPC collector.
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// RunLimits bounds execution starts and concurrency.
	RunLimits *RunLimits `json:"run_limits,omitempty"`

	// MaxParallelSteps caps concurrently running steps within one wave.
	MaxParallelSteps int `json:"max_parallel_steps"`

	// HTTPTimeoutSeconds bounds http_request steps without an explicit
	// timeout argument.
	HTTPTimeoutSeconds int `json:"http_timeout_seconds"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		ListenAddr:         ":8080",
		DataDir:            "/var/lib/praetor",
		LogLevel:           "info",
		RedisFeedKey:       "praetor:awareness",
		RedisChannel:       "praetor:rules",
		MaxParallelSteps:   5,
		HTTPTimeoutSeconds: 30,
	}
}

// Load reads the config file at path (when non-empty) over the defaults,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

// LoadFromEnv builds a configuration from defaults and environment
// overrides alone.
func LoadFromEnv() Config {
	cfg := Default()
	applyEnv(&cfg)
	return cfg
}

// Save writes the configuration as indented JSON.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

// HasRedis reports whether awareness and rule broadcasts go through Redis.
func (c Config) HasRedis() bool {
	return c.RedisAddr != ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PRAETOR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PRAETOR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("PRAETOR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PRAETOR_AUTH"); v != "" {
		cfg.AuthEnabled = isTruthy(v)
	}
	if v := os.Getenv("PRAETOR_SHELL_ENABLED"); v != "" {
		cfg.ShellEnabled = isTruthy(v)
	}
	if v := os.Getenv("PRAETOR_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("PRAETOR_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("PRAETOR_REDIS_FEED_KEY"); v != "" {
		cfg.RedisFeedKey = v
	}
	if v := os.Getenv("PRAETOR_REDIS_CHANNEL"); v != "" {
		cfg.RedisChannel = v
	}
	if v := os.Getenv("PRAETOR_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("PRAETOR_MAX_PARALLEL_STEPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxParallelSteps = n
		}
	}
	if v := os.Getenv("PRAETOR_HTTP_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPTimeoutSeconds = n
		}
	}
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
