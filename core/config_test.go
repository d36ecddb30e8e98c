package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, "jobriver", cfg.Redis.KeyPrefix)
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, 10, cfg.Scheduler.MaxConcurrentJobs)
	assert.Equal(t, 100, cfg.Scheduler.MaxQueueSize)
	assert.Equal(t, 3, cfg.Scheduler.MaxPlatforms)
	assert.Equal(t, 64, cfg.SyncBus.BatchSize)
	assert.Equal(t, 50, cfg.SyncBus.RateLimitPerClient)
	assert.Equal(t, 0.5, cfg.Integrity.MinPlatformCoverage)
	assert.Equal(t, 0.7, cfg.Integrity.MinOverallQuality)
	assert.Equal(t, 30, cfg.Notify.RatePerHour)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
redis:
  url: redis://cache:6379
  key_prefix: jr-test
scheduler:
  max_concurrent_jobs: 4
  max_queue_size: 20
sync_bus:
  heartbeat_interval: 5s
  client_timeout: 20s
  rate_limit_per_client: 10
integrity:
  min_overall_quality: 0.85
log_level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379", cfg.Redis.URL)
	assert.Equal(t, "jr-test", cfg.Redis.KeyPrefix)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrentJobs)
	assert.Equal(t, 20, cfg.Scheduler.MaxQueueSize)
	assert.Equal(t, 5*time.Second, cfg.SyncBus.HeartbeatInterval)
	assert.Equal(t, 10, cfg.SyncBus.RateLimitPerClient)
	assert.Equal(t, 0.85, cfg.Integrity.MinOverallQuality)
	assert.Equal(t, "debug", cfg.LogLevel)

	// Unset fields still pick up defaults
	assert.Equal(t, 24*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, 3, cfg.Scheduler.MaxPlatforms)
}

func TestLoadConfigRejectsBadHeartbeat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
sync_bus:
  heartbeat_interval: 30s
  client_timeout: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, DebugLevel, ParseLogLevel("debug"))
	assert.Equal(t, WarnLevel, ParseLogLevel("WARNING"))
	assert.Equal(t, ErrorLevel, ParseLogLevel("error"))
	assert.Equal(t, InfoLevel, ParseLogLevel("bogus"))
}
