package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Upstream backend credentials
	UpstreamBaseURL    string
	UpstreamClientID   string
	UpstreamPassword   string
	UpstreamTOTPSecret string

	// Live polling
	PollIntervalMs int
	FetchTimeoutMs int

	// Infrastructure
	ListenAddr    string
	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	SQLitePath    string

	// History
	HistoryCacheTTLSec int

	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		UpstreamBaseURL:    mustEnv("UPSTREAM_BASE_URL"),
		UpstreamClientID:   getEnv("UPSTREAM_CLIENT_ID", ""),
		UpstreamPassword:   getEnv("UPSTREAM_PASSWORD", ""),
		UpstreamTOTPSecret: getEnv("UPSTREAM_TOTP_SECRET", ""),

		PollIntervalMs: getEnvInt("POLL_INTERVAL_MS", 200),
		FetchTimeoutMs: getEnvInt("FETCH_TIMEOUT_MS", 3000),

		ListenAddr:    getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/bars.db"),

		HistoryCacheTTLSec: getEnvInt("HISTORY_CACHE_TTL_SEC", 30),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// PollInterval returns the live poll cadence as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// FetchTimeout returns the per-poll upstream fetch budget as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMs) * time.Millisecond
}

// HistoryCacheTTL returns the Redis history cache TTL as a duration.
func (c *Config) HistoryCacheTTL() time.Duration {
	return time.Duration(c.HistoryCacheTTLSec) * time.Second
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}
