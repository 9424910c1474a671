package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.NatsURL != defaultNATSURL {
		t.Fatalf("expected default nats url")
	}
	if cfg.RedisURL != defaultRedisURL {
		t.Fatalf("expected default redis url")
	}
	if cfg.MySQLDSN != "" {
		t.Fatalf("expected empty mysql dsn")
	}
	if cfg.HandlerTimeout != defaultHandlerTimeout {
		t.Fatalf("expected default handler timeout")
	}
	if cfg.MaxRetries != defaultMaxRetries {
		t.Fatalf("expected default max retries")
	}
	if cfg.MaxPolls != defaultMaxPolls {
		t.Fatalf("expected default max polls")
	}
	if cfg.PendingAge != defaultPendingAge {
		t.Fatalf("expected default pending age")
	}
	if cfg.TrackerPollInterval != defaultPollInterval {
		t.Fatalf("expected default poll interval")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envNATSURL, "nats://example:4222")
	t.Setenv(envRedisURL, "redis://example:6379")
	t.Setenv(envMySQLDSN, "user:pass@tcp(db:3306)/stepflow")
	t.Setenv(envGraphConfigPath, "custom/graphs.yaml")
	t.Setenv(envHandlerTimeout, "45s")
	t.Setenv(envMaxRetries, "5")
	t.Setenv(envMaxPolls, "8")
	t.Setenv(envInitialBackoff, "1s")
	t.Setenv(envMaxBackoff, "1m")
	t.Setenv(envPendingAge, "10s")
	t.Setenv(envPollInterval, "3s")

	cfg := Load()
	if cfg.NatsURL != "nats://example:4222" {
		t.Fatalf("unexpected nats url")
	}
	if cfg.RedisURL != "redis://example:6379" {
		t.Fatalf("unexpected redis url")
	}
	if cfg.MySQLDSN != "user:pass@tcp(db:3306)/stepflow" {
		t.Fatalf("unexpected mysql dsn")
	}
	if cfg.GraphConfigPath != "custom/graphs.yaml" {
		t.Fatalf("unexpected graph config path")
	}
	if cfg.HandlerTimeout != 45*time.Second {
		t.Fatalf("unexpected handler timeout")
	}
	if cfg.MaxRetries != 5 || cfg.MaxPolls != 8 {
		t.Fatalf("unexpected retry bounds")
	}
	if cfg.InitialBackoff != time.Second || cfg.MaxBackoff != time.Minute {
		t.Fatalf("unexpected backoff bounds")
	}
	if cfg.PendingAge != 10*time.Second || cfg.TrackerPollInterval != 3*time.Second {
		t.Fatalf("unexpected tracker cadence")
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv(envHandlerTimeout, "soon")
	t.Setenv(envMaxRetries, "many")

	cfg := Load()
	if cfg.HandlerTimeout != defaultHandlerTimeout {
		t.Fatalf("expected malformed duration ignored")
	}
	if cfg.MaxRetries != defaultMaxRetries {
		t.Fatalf("expected malformed int ignored")
	}
}
