// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package config holds all application configuration loaded from defaults, an
// optional YAML file, and environment variables (in that precedence order,
// lowest to highest). Config is immutable after Load and safe for concurrent
// reads.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration for the platform.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Store      StoreConfig      `koanf:"store"`
	Cache      CacheConfig      `koanf:"cache"`
	Warmup     WarmupConfig     `koanf:"warmup"`
	Queue      QueueConfig      `koanf:"queue"`
	DLQ        DLQConfig        `koanf:"dlq"`
	Monitoring MonitoringConfig `koanf:"monitoring"`
	Forwarder  ForwarderConfig  `koanf:"forwarder"`
}

// ServerConfig holds HTTP server settings for the admin surface.
type ServerConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// StoreConfig selects and configures the key-value store backing locks,
// cached values, and queue storage.
type StoreConfig struct {
	// Backend is "memory" or "badger".
	Backend string `koanf:"backend" validate:"oneof=memory badger"`
	// Path is the badger data directory (badger backend only).
	Path string `koanf:"path"`
	// BreakerEnabled wraps store calls from periodic collectors in a
	// circuit breaker.
	BreakerEnabled bool `koanf:"breaker_enabled"`
}

// CacheConfig holds structured-key and stampede-protection settings.
type CacheConfig struct {
	KeyPrefix   string        `koanf:"key_prefix"`
	KeyVersion  string        `koanf:"key_version"`
	DefaultTTL  time.Duration `koanf:"default_ttl"`
	LockTTL     time.Duration `koanf:"lock_ttl"`
	LockRetry   time.Duration `koanf:"lock_retry"`
	LockRetries int           `koanf:"lock_retries"`
}

// WarmupConfig holds cache warmer settings.
type WarmupConfig struct {
	StartupConcurrency int           `koanf:"startup_concurrency"`
	StartupTimeout     time.Duration `koanf:"startup_timeout"`
	MaxRetries         int           `koanf:"max_retries"`
	RetryDelay         time.Duration `koanf:"retry_delay"`
	OnDemandCooldown   time.Duration `koanf:"on_demand_cooldown"`
	AccessWindow       time.Duration `koanf:"access_window"`
}

// QueueConfig holds message-processor and job-queue settings.
type QueueConfig struct {
	DefaultAttempts    int           `koanf:"default_attempts"`
	BackoffBase        time.Duration `koanf:"backoff_base"`
	ProcessTimeout     time.Duration `koanf:"process_timeout"`
	ProcessMaxRetries  int           `koanf:"process_max_retries"`
	ProcessRetryDelay  time.Duration `koanf:"process_retry_delay"`
	DefaultConcurrency int           `koanf:"default_concurrency"`
}

// DLQConfig holds dead-letter-queue settings.
type DLQConfig struct {
	QueueName     string        `koanf:"queue_name"`
	MaxRetries    int           `koanf:"max_retries"`
	RetryInterval time.Duration `koanf:"retry_interval"`
	TTL           time.Duration `koanf:"ttl"`
	CleanupEvery  time.Duration `koanf:"cleanup_every"`
	// TestMode disables the background sweeper.
	TestMode bool `koanf:"test_mode"`
}

// MonitoringConfig holds observability-core settings.
type MonitoringConfig struct {
	MetricPrefix      string        `koanf:"metric_prefix"`
	SystemInterval    time.Duration `koanf:"system_interval"`
	HealthInterval    time.Duration `koanf:"health_interval"`
	CheckTimeout      time.Duration `koanf:"check_timeout"`
	MaxAlertHistory   int           `koanf:"max_alert_history"`
	OptimizeEnabled   bool          `koanf:"optimize_enabled"`
	OptimizeAutomatic bool          `koanf:"optimize_automatic"`
	OptimizeInterval  time.Duration `koanf:"optimize_interval"`
	CollectorInterval time.Duration `koanf:"collector_interval"`
}

// ForwarderConfig holds the optional NATS JetStream event forwarder settings.
// When disabled, queue lifecycle events stay on the in-process bus only.
type ForwarderConfig struct {
	Enabled        bool          `koanf:"enabled"`
	URL            string        `koanf:"url"`
	EmbeddedServer bool          `koanf:"embedded_server"`
	StoreDir       string        `koanf:"store_dir"`
	TopicPrefix    string        `koanf:"topic_prefix"`
	MaxReconnects  int           `koanf:"max_reconnects"`
	ReconnectWait  time.Duration `koanf:"reconnect_wait"`
}

// validate applies the struct-tag rules.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate applies the field tags, then the cross-field constraints tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store.Backend == "badger" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the badger backend")
	}
	if c.Cache.KeyPrefix == "" {
		return fmt.Errorf("cache.key_prefix must not be empty")
	}
	if c.Cache.LockTTL <= 0 {
		return fmt.Errorf("cache.lock_ttl must be positive")
	}
	if c.Warmup.StartupConcurrency <= 0 {
		return fmt.Errorf("warmup.startup_concurrency must be positive")
	}
	if c.DLQ.MaxRetries <= 0 {
		return fmt.Errorf("dlq.max_retries must be positive")
	}
	if c.Monitoring.MaxAlertHistory <= 0 {
		return fmt.Errorf("monitoring.max_alert_history must be positive")
	}
	if c.Forwarder.Enabled && c.Forwarder.URL == "" && !c.Forwarder.EmbeddedServer {
		return fmt.Errorf("forwarder.url is required when the forwarder is enabled without an embedded server")
	}
	return nil
}
