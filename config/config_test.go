package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DISPATCH_CONCURRENCY", "")
	t.Setenv("SMTP_POOL_SIZE", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Dispatch.Concurrency)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.RetryStep)
	assert.Equal(t, 60*time.Second, cfg.Dispatch.RetryMax)
	assert.Equal(t, 100, cfg.Email.PoolSize)
	assert.Equal(t, 30*time.Second, cfg.Queue.LockDuration)
	assert.Equal(t, 10*time.Minute, cfg.Validator.CacheTTL)
	assert.Equal(t, 90*time.Second, cfg.Server.ShutdownTimeout)
	assert.Greater(t, cfg.Server.ShutdownTimeout, cfg.Dispatch.RetryMax)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://:pw@cache:6380/2")
	t.Setenv("DISPATCH_CONCURRENCY", "25")
	t.Setenv("QUEUE_LOCK_DURATION", "45s")
	t.Setenv("SMTP_PORT", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis://:pw@cache:6380/2", cfg.Redis.URL)
	assert.Equal(t, 25, cfg.Dispatch.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Queue.LockDuration)
	assert.Equal(t, 587, cfg.Email.SMTPPort, "unparsable values fall back")
}

func TestLoadRejectsNonPositiveConcurrency(t *testing.T) {
	t.Setenv("DISPATCH_CONCURRENCY", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsShutdownShorterThanRetry(t *testing.T) {
	t.Setenv("DISPATCH_CONCURRENCY", "")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("DISPATCH_RETRY_MAX", "60s")
	_, err := Load()
	assert.ErrorContains(t, err, "SHUTDOWN_TIMEOUT")

	t.Setenv("DISPATCH_RETRY_MAX", "20s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "mailer", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@db:5432/mailer?sslmode=disable", c.DSN())

	c.URL = "postgres://override"
	assert.Equal(t, "postgres://override", c.DSN())
}
