// Package core configuration.
//
// Config is the top-level process configuration loaded from YAML. Every
// component also exposes its own Config struct with DefaultXxxConfig();
// this file carries the shared knobs the coordinator wires through.
package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the orchestration core.
type Config struct {
	// Redis configures the job store backend
	Redis RedisConfig `yaml:"redis"`

	// Scheduler configures admission control and dispatch
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// SyncBus configures the live event channel
	SyncBus SyncBusConfig `yaml:"sync_bus"`

	// Integrity configures validation thresholds
	Integrity IntegrityConfig `yaml:"integrity"`

	// Notify configures delivery channels
	Notify NotifyConfig `yaml:"notify"`

	// RegistryPath points at the platform catalog YAML (optional;
	// the built-in catalog is used when empty)
	RegistryPath string `yaml:"registry_path"`

	// LogLevel controls the process logger (debug|info|warn|error)
	LogLevel string `yaml:"log_level"`
}

// RedisConfig configures the Redis connection for the job store.
type RedisConfig struct {
	// URL is a redis:// connection URL
	URL string `yaml:"url"`

	// KeyPrefix namespaces all keys. Default: "jobriver"
	KeyPrefix string `yaml:"key_prefix"`

	// TTL is how long terminal job data is retained. Default: 24h
	TTL time.Duration `yaml:"ttl"`

	// OpTimeout bounds each storage operation. Exceeding it is treated
	// as fatal for the enclosing transition. Default: 5s
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// SchedulerConfig configures admission control and dispatch shape.
type SchedulerConfig struct {
	// MaxConcurrentJobs is the dispatcher ceiling. Default: 10
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`

	// MaxQueueSize is the back-pressure limit on pending submissions.
	// Submit returns ErrQueueFull beyond it. Default: 100
	MaxQueueSize int `yaml:"max_queue_size"`

	// JobTimeout is the per-job end-to-end deadline. Default: 5m
	JobTimeout time.Duration `yaml:"job_timeout"`

	// MaxPlatforms trims the registry candidate list on submissions
	// without an explicit platform set. Default: 3
	MaxPlatforms int `yaml:"max_platforms"`

	// SlotWaitTimeout bounds how long a worker waits for a platform
	// slot before yielding back to the queue. Default: 2s
	SlotWaitTimeout time.Duration `yaml:"slot_wait_timeout"`

	// ShutdownTimeout bounds Stop. Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SyncBusConfig configures the live event channel.
type SyncBusConfig struct {
	// HeartbeatInterval is the server ping period. Default: 15s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// ClientTimeout drops clients with no heartbeat. Default: 60s
	ClientTimeout time.Duration `yaml:"client_timeout"`

	// BatchSize bounds events consumed per dispatch tick. Default: 64
	BatchSize int `yaml:"batch_size"`

	// BatchTimeout flushes a partial batch. Default: 100ms
	BatchTimeout time.Duration `yaml:"batch_timeout"`

	// RateLimitPerClient is the per-client events/second cap; excess
	// events are dropped and counted. Default: 50
	RateLimitPerClient int `yaml:"rate_limit_per_client"`

	// QueueSize bounds the inbound event queue. Default: 4096
	QueueSize int `yaml:"queue_size"`
}

// IntegrityConfig configures validation thresholds.
type IntegrityConfig struct {
	// MinPlatformCoverage is the minimum |actual|/|expected|. Default: 0.5
	MinPlatformCoverage float64 `yaml:"min_platform_coverage"`

	// MaxDuplicateRate is the per-platform duplicate ceiling. Default: 0.3
	MaxDuplicateRate float64 `yaml:"max_duplicate_rate"`

	// MinOverallQuality is the pass threshold. Default: 0.7
	MinOverallQuality float64 `yaml:"min_overall_quality"`

	// MinCompleteness is the per-platform completeness floor. Default: 0.6
	MinCompleteness float64 `yaml:"min_completeness"`

	// FreshnessHorizonDays flags records older than this. Default: 90
	FreshnessHorizonDays int `yaml:"freshness_horizon_days"`
}

// NotifyConfig configures delivery channels.
type NotifyConfig struct {
	// SMTP configures the email channel
	SMTP SMTPConfig `yaml:"smtp"`

	// WebhookURL is the generic webhook endpoint
	WebhookURL string `yaml:"webhook_url"`

	// WebhookSecret signs webhook payloads
	WebhookSecret string `yaml:"webhook_secret"`

	// SlackWebhookURL is the Slack incoming-webhook endpoint
	SlackWebhookURL string `yaml:"slack_webhook_url"`

	// RatePerHour is the per-recipient-per-channel sliding window cap.
	// Default: 30
	RatePerHour int `yaml:"rate_per_hour"`

	// Cooldown is the per-channel minimum gap between sends. Default: 1s
	Cooldown time.Duration `yaml:"cooldown"`

	// MaxRetries caps delivery retries. Default: 3
	MaxRetries int `yaml:"max_retries"`

	// Workers is the sender worker count. Default: 2
	Workers int `yaml:"workers"`
}

// SMTPConfig holds SMTP credentials for the email channel.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "jobriver"
	}
	if c.Redis.TTL <= 0 {
		c.Redis.TTL = 24 * time.Hour
	}
	if c.Redis.OpTimeout <= 0 {
		c.Redis.OpTimeout = 5 * time.Second
	}

	if c.Scheduler.MaxConcurrentJobs <= 0 {
		c.Scheduler.MaxConcurrentJobs = 10
	}
	if c.Scheduler.MaxQueueSize <= 0 {
		c.Scheduler.MaxQueueSize = 100
	}
	if c.Scheduler.JobTimeout <= 0 {
		c.Scheduler.JobTimeout = 5 * time.Minute
	}
	if c.Scheduler.MaxPlatforms <= 0 {
		c.Scheduler.MaxPlatforms = 3
	}
	if c.Scheduler.SlotWaitTimeout <= 0 {
		c.Scheduler.SlotWaitTimeout = 2 * time.Second
	}
	if c.Scheduler.ShutdownTimeout <= 0 {
		c.Scheduler.ShutdownTimeout = 30 * time.Second
	}

	if c.SyncBus.HeartbeatInterval <= 0 {
		c.SyncBus.HeartbeatInterval = 15 * time.Second
	}
	if c.SyncBus.ClientTimeout <= 0 {
		c.SyncBus.ClientTimeout = 60 * time.Second
	}
	if c.SyncBus.BatchSize <= 0 {
		c.SyncBus.BatchSize = 64
	}
	if c.SyncBus.BatchTimeout <= 0 {
		c.SyncBus.BatchTimeout = 100 * time.Millisecond
	}
	if c.SyncBus.RateLimitPerClient <= 0 {
		c.SyncBus.RateLimitPerClient = 50
	}
	if c.SyncBus.QueueSize <= 0 {
		c.SyncBus.QueueSize = 4096
	}

	if c.Integrity.MinPlatformCoverage <= 0 {
		c.Integrity.MinPlatformCoverage = 0.5
	}
	if c.Integrity.MaxDuplicateRate <= 0 {
		c.Integrity.MaxDuplicateRate = 0.3
	}
	if c.Integrity.MinOverallQuality <= 0 {
		c.Integrity.MinOverallQuality = 0.7
	}
	if c.Integrity.MinCompleteness <= 0 {
		c.Integrity.MinCompleteness = 0.6
	}
	if c.Integrity.FreshnessHorizonDays <= 0 {
		c.Integrity.FreshnessHorizonDays = 90
	}

	if c.Notify.RatePerHour <= 0 {
		c.Notify.RatePerHour = 30
	}
	if c.Notify.Cooldown <= 0 {
		c.Notify.Cooldown = time.Second
	}
	if c.Notify.MaxRetries <= 0 {
		c.Notify.MaxRetries = 3
	}
	if c.Notify.Workers <= 0 {
		c.Notify.Workers = 2
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.SyncBus.ClientTimeout <= c.SyncBus.HeartbeatInterval {
		return fmt.Errorf("%w: client_timeout must exceed heartbeat_interval", ErrInvalidConfig)
	}
	if c.Integrity.MinOverallQuality > 1 || c.Integrity.MinPlatformCoverage > 1 || c.Integrity.MaxDuplicateRate > 1 {
		return fmt.Errorf("%w: integrity thresholds must be in (0, 1]", ErrInvalidConfig)
	}
	return nil
}

// ErrInvalidConfig marks configuration validation failures.
var ErrInvalidConfig = fmt.Errorf("invalid configuration")

// LoadConfig reads a YAML config file, applies defaults and validates.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
