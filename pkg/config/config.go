package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	envConfigPath     = "CHATROSTER_CONFIG"
	envSubscriberID   = "CHATROSTER_SUBSCRIBER_ID"
	envFixture        = "CHATROSTER_FIXTURE"
	envDatabaseURL    = "DATABASE_URL"
	envRedisURL       = "REDIS_URL"
	envAllowedOrigins = "CHATROSTER_ALLOWED_ORIGINS"
)

// Source backend names.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// ErrConfigNotFound means no config file exists at the fallback paths.
var ErrConfigNotFound = errors.New("config.json not found")

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Session   SessionConfig   `json:"session"`
	Sources   SourcesConfig   `json:"sources"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// SessionConfig describes the roster session of the local subscriber.
type SessionConfig struct {
	SubscriberID string `json:"subscriber_id"`
	DedupWindow  int    `json:"dedup_window,omitempty"`
	BusBuffer    int    `json:"bus_buffer,omitempty"`
}

// SourcesConfig picks a backend per feed and carries backend settings.
type SourcesConfig struct {
	Directory string         `json:"directory"`
	History   string         `json:"history"`
	Presence  string         `json:"presence"`
	Fixture   string         `json:"fixture,omitempty"`
	Postgres  PostgresConfig `json:"postgres"`
	Redis     RedisConfig    `json:"redis"`
}

// PostgresConfig configures the PostgreSQL directory and history backend.
type PostgresConfig struct {
	URL          string `json:"url"`
	Channel      string `json:"channel,omitempty"`
	EnsureSchema bool   `json:"ensure_schema,omitempty"`
}

// RedisConfig configures the Redis presence and history backend.
type RedisConfig struct {
	URL                  string `json:"url"`
	Prefix               string `json:"prefix,omitempty"`
	PresenceTTLSeconds   int    `json:"presence_ttl_seconds,omitempty"`
	SweepIntervalSeconds int    `json:"sweep_interval_seconds,omitempty"`
}

// ReconnectConfig bounds feed resubscription backoff.
type ReconnectConfig struct {
	InitialIntervalMillis int `json:"initial_interval_ms,omitempty"`
	MaxIntervalSeconds    int `json:"max_interval_seconds,omitempty"`
	MaxElapsedSeconds     int `json:"max_elapsed_seconds,omitempty"`
	GapLookbackSeconds    int `json:"gap_lookback_seconds,omitempty"`
}

// GatewayConfig configures HTTP gateway bind settings.
type GatewayConfig struct {
	Host                       string   `json:"host"`
	Port                       int      `json:"port"`
	HealthCheckIntervalSeconds int      `json:"health_check_interval_seconds,omitempty"`
	SessionIdleSeconds         int      `json:"session_idle_seconds,omitempty"`
	AllowedOrigins             []string `json:"allowed_origins,omitempty"`
}

// Default returns the configuration used when no config file exists: every
// feed served from memory.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig loads .env, resolves config.json, unmarshals it, and applies
// environment overrides.
func LoadConfig() (*Config, error) {
	// A missing .env is fine; variables may come from the environment.
	_ = godotenv.Load()

	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadConfigOrDefault behaves like LoadConfig but falls back to Default with
// environment overrides when no config file exists.
func LoadConfigOrDefault() (*Config, error) {
	cfg, err := LoadConfig()
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, ErrConfigNotFound) {
		return nil, err
	}

	cfg = Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Sources.Directory == "" {
		cfg.Sources.Directory = BackendMemory
	}
	if cfg.Sources.History == "" {
		cfg.Sources.History = BackendMemory
	}
	if cfg.Sources.Presence == "" {
		cfg.Sources.Presence = BackendMemory
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18790
	}
	if cfg.Gateway.HealthCheckIntervalSeconds == 0 {
		cfg.Gateway.HealthCheckIntervalSeconds = 30
	}
	if cfg.Gateway.SessionIdleSeconds == 0 {
		cfg.Gateway.SessionIdleSeconds = 600
	}
	if cfg.Sources.Redis.SweepIntervalSeconds == 0 {
		cfg.Sources.Redis.SweepIntervalSeconds = 30
	}
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if id := strings.TrimSpace(os.Getenv(envSubscriberID)); id != "" {
		cfg.Session.SubscriberID = id
	}
	if fixture := strings.TrimSpace(os.Getenv(envFixture)); fixture != "" {
		cfg.Sources.Fixture = fixture
	}
	if url := strings.TrimSpace(os.Getenv(envDatabaseURL)); url != "" {
		cfg.Sources.Postgres.URL = url
	}
	if url := strings.TrimSpace(os.Getenv(envRedisURL)); url != "" {
		cfg.Sources.Redis.URL = url
	}
	if rawOrigins := strings.TrimSpace(os.Getenv(envAllowedOrigins)); rawOrigins != "" {
		cfg.Gateway.AllowedOrigins = parseCSV(rawOrigins)
	}
}

// Validate checks backend names and that each selected backend is reachable
// by configuration.
func (c *Config) Validate() error {
	checks := []struct {
		feed    string
		backend string
		allowed []string
	}{
		{feed: "directory", backend: c.Sources.Directory, allowed: []string{BackendMemory, BackendPostgres}},
		{feed: "history", backend: c.Sources.History, allowed: []string{BackendMemory, BackendPostgres, BackendRedis}},
		{feed: "presence", backend: c.Sources.Presence, allowed: []string{BackendMemory, BackendRedis}},
	}

	for _, check := range checks {
		if !slices.Contains(check.allowed, check.backend) {
			return fmt.Errorf("sources.%s: unsupported backend %q (want one of %s)", check.feed, check.backend, strings.Join(check.allowed, ", "))
		}
		switch check.backend {
		case BackendPostgres:
			if c.Sources.Postgres.URL == "" {
				return fmt.Errorf("sources.%s uses postgres but sources.postgres.url (or %s) is empty", check.feed, envDatabaseURL)
			}
		case BackendRedis:
			if c.Sources.Redis.URL == "" {
				return fmt.Errorf("sources.%s uses redis but sources.redis.url (or %s) is empty", check.feed, envRedisURL)
			}
		}
	}

	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	return nil
}

// Uses reports whether any feed is served by backend.
func (s SourcesConfig) Uses(backend string) bool {
	return s.Directory == backend || s.History == backend || s.Presence == backend
}

// PresenceTTL returns the configured heartbeat TTL, or zero for the default.
func (r RedisConfig) PresenceTTL() time.Duration {
	return time.Duration(r.PresenceTTLSeconds) * time.Second
}

// SweepInterval returns how often expired heartbeats are turned into leave
// events.
func (r RedisConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSeconds) * time.Second
}

// InitialInterval returns the first backoff delay, or zero for the default.
func (r ReconnectConfig) InitialInterval() time.Duration {
	return time.Duration(r.InitialIntervalMillis) * time.Millisecond
}

// MaxInterval returns the backoff ceiling, or zero for the default.
func (r ReconnectConfig) MaxInterval() time.Duration {
	return time.Duration(r.MaxIntervalSeconds) * time.Second
}

// MaxElapsed returns how long to keep retrying; zero retries forever.
func (r ReconnectConfig) MaxElapsed() time.Duration {
	return time.Duration(r.MaxElapsedSeconds) * time.Second
}

// GapLookback returns the reload window before the newest seen message after
// a reconnect; zero reloads the whole history.
func (r ReconnectConfig) GapLookback() time.Duration {
	return time.Duration(r.GapLookbackSeconds) * time.Second
}

// SessionIdle returns how long an unused gateway session is kept.
func (g GatewayConfig) SessionIdle() time.Duration {
	return time.Duration(g.SessionIdleSeconds) * time.Second
}

// Addr returns host:port.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is CHATROSTER_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s and %s)", ErrConfigNotFound, candidates[0], candidates[1])
}
