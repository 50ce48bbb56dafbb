package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 1)
	require.Error(t, err)
	assert.Equal(t, `TEST_FLOAT_BAD="fast" is not a valid number`, err.Error())
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("HIBIKI_PORT", "abc")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HIBIKI_PORT")
	assert.Contains(t, err.Error(), "abc")
}

func TestLoadReportsEveryInvalidVariable(t *testing.T) {
	t.Setenv("HIBIKI_PORT", "abc")
	t.Setenv("HIBIKI_IDLE_TIMEOUT", "soon")
	t.Setenv("HIBIKI_RATE_LIMIT_ENABLED", "perhaps")
	_, err := Load()
	require.Error(t, err)
	for _, key := range []string{"HIBIKI_PORT", "HIBIKI_IDLE_TIMEOUT", "HIBIKI_RATE_LIMIT_ENABLED"} {
		assert.True(t, strings.Contains(err.Error(), key), "error should mention %s: %s", key, err)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StoragePostgres, cfg.Storage)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention)
	assert.Equal(t, 256, cfg.SubscriberQueue)
	assert.False(t, cfg.RateLimitEnabled)
	assert.Zero(t, cfg.ForwardTimeout)
}

func TestLoadForwardTimeout(t *testing.T) {
	t.Setenv("HIBIKI_FORWARD_TIMEOUT", "45s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ForwardTimeout)

	t.Setenv("HIBIKI_FORWARD_TIMEOUT", "a while")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HIBIKI_FORWARD_TIMEOUT")
}

func TestLoadSQLite(t *testing.T) {
	t.Setenv("HIBIKI_STORAGE", "sqlite")
	t.Setenv("HIBIKI_SQLITE_PATH", "/tmp/hibiki-test.db")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StorageSQLite, cfg.Storage)
	assert.Equal(t, "/tmp/hibiki-test.db", cfg.SQLitePath)
}

func TestValidate(t *testing.T) {
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown storage", func(c *Config) { c.Storage = "redis" }, "HIBIKI_STORAGE"},
		{"sqlite with notify", func(c *Config) { c.Storage = StorageSQLite; c.NotifyURL = "postgres://x" }, "NOTIFY_URL"},
		{"zero queue", func(c *Config) { c.SubscriberQueue = 0 }, "HIBIKI_SUBSCRIBER_QUEUE"},
		{"negative retention", func(c *Config) { c.Retention = -time.Hour }, "HIBIKI_RETENTION"},
		{"zero concurrency", func(c *Config) { c.MaxIngestConcurrency = 0 }, "HIBIKI_MAX_INGEST_CONCURRENCY"},
		{"rate limit without burst", func(c *Config) { c.RateLimitEnabled = true; c.RateLimitBurst = 0 }, "HIBIKI_RATE_LIMIT_BURST"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "HIBIKI_PORT"},
		{"negative forward timeout", func(c *Config) { c.ForwardTimeout = -time.Second }, "HIBIKI_FORWARD_TIMEOUT"},
		{"zero forward delay", func(c *Config) { c.ForwardBaseDelay = 0 }, "HIBIKI_FORWARD_BASE_DELAY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
