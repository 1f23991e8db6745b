// Package config loads and validates all runtime configuration for the
// bridge.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example UPSTREAM_API_KEY becomes
// upstream_api_key in YAML.
//
// UPSTREAM_API_KEY is the only mandatory value — the process refuses to
// start without it. Redis is optional; set CACHE_MODE=memory to use the
// built-in in-process cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 11434,
	// the port native clients expect.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstream describes the chat-completions backend every request is
	// forwarded to.
	Upstream UpstreamConfig

	// Redis holds the connection URL for the Redis-backed cache.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls response caching for non-streaming requests.
	Cache CacheConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// UpstreamConfig holds the connection settings for the backend.
type UpstreamConfig struct {
	// Host is the backend hostname or IP. Default: 127.0.0.1.
	Host string

	// Port is the backend TCP port. Default: 8080.
	Port int

	// APIKey is sent as a bearer token on every outbound call. Required.
	APIKey string

	// Timeout bounds a whole non-streaming call and the response headers
	// of a streaming call. Default: 30s.
	Timeout time.Duration
}

// BaseURL returns the backend origin, scheme included, no path.
func (u UpstreamConfig) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", u.Host, u.Port)
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Shared across replicas.
	//   "memory" — In-process TTL cache. No external deps.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// Load reads configuration from environment variables and (optionally)
// from config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 11434)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("UPSTREAM_HOST", "127.0.0.1")
	v.SetDefault("UPSTREAM_PORT", 8080)
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Upstream: UpstreamConfig{
			Host:    v.GetString("UPSTREAM_HOST"),
			Port:    v.GetInt("UPSTREAM_PORT"),
			APIKey:  v.GetString("UPSTREAM_API_KEY"),
			Timeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// The upstream key is mandatory: refusing to start beats forwarding
	// unauthenticated requests that will all come back 401.
	if c.Upstream.APIKey == "" {
		return fmt.Errorf("config: UPSTREAM_API_KEY is required")
	}

	if c.Upstream.Host == "" {
		return fmt.Errorf("config: UPSTREAM_HOST must not be empty")
	}
	if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
		return fmt.Errorf("config: invalid UPSTREAM_PORT %d", c.Upstream.Port)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("config: UPSTREAM_TIMEOUT must be a positive duration")
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
