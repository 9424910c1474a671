package config

import (
	"os"
	"strconv"
	"time"
)

const (
	defaultNATSURL         = "nats://localhost:4222"
	defaultRedisURL        = "redis://localhost:6379"
	defaultGraphConfig     = ""
	defaultHandlerTimeout  = 30 * time.Second
	defaultMaxRetries      = 3
	defaultMaxPolls        = 20
	defaultInitialBackoff  = 2 * time.Second
	defaultMaxBackoff      = 5 * time.Minute
	defaultBackoffMultiple = 2.0
	defaultPendingAge      = 30 * time.Second
	defaultPollInterval    = 15 * time.Second

	envNATSURL         = "NATS_URL"
	envRedisURL        = "REDIS_URL"
	envMySQLDSN        = "MYSQL_DSN"
	envGraphConfigPath = "GRAPH_CONFIG_PATH"
	envHandlerTimeout  = "HANDLER_TIMEOUT"
	envMaxRetries      = "STEP_MAX_RETRIES"
	envMaxPolls        = "STEP_MAX_POLLS"
	envInitialBackoff  = "STEP_RETRY_BACKOFF"
	envMaxBackoff      = "STEP_RETRY_BACKOFF_MAX"
	envPendingAge      = "PENDING_AGE"
	envPollInterval    = "TRACKER_POLL_INTERVAL"
)

// Config holds runtime configuration for engine processes.
type Config struct {
	NatsURL         string
	RedisURL        string
	MySQLDSN        string
	GraphConfigPath string

	HandlerTimeout time.Duration
	MaxRetries     int
	MaxPolls       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	PendingAge          time.Duration
	TrackerPollInterval time.Duration
}

// Load returns configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:             envOr(envNATSURL, defaultNATSURL),
		RedisURL:            envOr(envRedisURL, defaultRedisURL),
		MySQLDSN:            os.Getenv(envMySQLDSN),
		GraphConfigPath:     envOr(envGraphConfigPath, defaultGraphConfig),
		HandlerTimeout:      durationOr(envHandlerTimeout, defaultHandlerTimeout),
		MaxRetries:          intOr(envMaxRetries, defaultMaxRetries),
		MaxPolls:            intOr(envMaxPolls, defaultMaxPolls),
		InitialBackoff:      durationOr(envInitialBackoff, defaultInitialBackoff),
		MaxBackoff:          durationOr(envMaxBackoff, defaultMaxBackoff),
		PendingAge:          durationOr(envPendingAge, defaultPendingAge),
		TrackerPollInterval: durationOr(envPollInterval, defaultPollInterval),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func intOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
