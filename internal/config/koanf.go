// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order
// of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/rdp/config.yaml",
	"/etc/rdp/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Default returns a Config with all default values applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Store: StoreConfig{
			Backend:        "memory",
			Path:           "/data/rdp/store",
			BreakerEnabled: true,
		},
		Cache: CacheConfig{
			KeyPrefix:   "rdp",
			KeyVersion:  "v1",
			DefaultTTL:  time.Hour,
			LockTTL:     10 * time.Second,
			LockRetry:   100 * time.Millisecond,
			LockRetries: 150,
		},
		Warmup: WarmupConfig{
			StartupConcurrency: 5,
			StartupTimeout:     30 * time.Second,
			MaxRetries:         3,
			RetryDelay:         time.Second,
			OnDemandCooldown:   5 * time.Minute,
			AccessWindow:       time.Hour,
		},
		Queue: QueueConfig{
			DefaultAttempts:    3,
			BackoffBase:        time.Second,
			ProcessTimeout:     30 * time.Second,
			ProcessMaxRetries:  3,
			ProcessRetryDelay:  time.Second,
			DefaultConcurrency: 1,
		},
		DLQ: DLQConfig{
			QueueName:     "dead-letter-queue",
			MaxRetries:    3,
			RetryInterval: time.Minute,
			TTL:           7 * 24 * time.Hour,
			CleanupEvery:  24 * time.Hour,
			TestMode:      false,
		},
		Monitoring: MonitoringConfig{
			MetricPrefix:      "app_",
			SystemInterval:    10 * time.Second,
			HealthInterval:    30 * time.Second,
			CheckTimeout:      5 * time.Second,
			MaxAlertHistory:   1000,
			OptimizeEnabled:   true,
			OptimizeAutomatic: false,
			OptimizeInterval:  5 * time.Minute,
			CollectorInterval: 15 * time.Second,
		},
		Forwarder: ForwarderConfig{
			Enabled:        false,
			URL:            "nats://127.0.0.1:4222",
			EmbeddedServer: false,
			StoreDir:       "/data/rdp/jetstream",
			TopicPrefix:    "rdp.queue",
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
		},
	}
}

// Load loads configuration using koanf with layered sources:
//  1. struct defaults
//  2. optional YAML config file
//  3. environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are the paths parsed as comma-separated slices when they
// arrive as env-var strings.
var sliceConfigPaths = []string{
	"server.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so unrelated env vars cannot pollute config.
func envTransformFunc(key string) string {
	mappings := map[string]string{
		"HTTP_HOST":             "server.host",
		"HTTP_PORT":             "server.port",
		"HTTP_READ_TIMEOUT":     "server.read_timeout",
		"HTTP_WRITE_TIMEOUT":    "server.write_timeout",
		"HTTP_SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
		"CORS_ORIGINS":          "server.cors_origins",
		"RATE_LIMIT_REQUESTS":   "server.rate_limit_reqs",
		"RATE_LIMIT_WINDOW":     "server.rate_limit_window",

		"LOG_LEVEL":  "logging.level",
		"LOG_FORMAT": "logging.format",
		"LOG_CALLER": "logging.caller",

		"STORE_BACKEND":         "store.backend",
		"STORE_PATH":            "store.path",
		"STORE_BREAKER_ENABLED": "store.breaker_enabled",

		"CACHE_KEY_PREFIX":   "cache.key_prefix",
		"CACHE_KEY_VERSION":  "cache.key_version",
		"CACHE_DEFAULT_TTL":  "cache.default_ttl",
		"CACHE_LOCK_TTL":     "cache.lock_ttl",
		"CACHE_LOCK_RETRY":   "cache.lock_retry",
		"CACHE_LOCK_RETRIES": "cache.lock_retries",

		"WARMUP_STARTUP_CONCURRENCY": "warmup.startup_concurrency",
		"WARMUP_STARTUP_TIMEOUT":     "warmup.startup_timeout",
		"WARMUP_MAX_RETRIES":         "warmup.max_retries",
		"WARMUP_RETRY_DELAY":         "warmup.retry_delay",
		"WARMUP_ON_DEMAND_COOLDOWN":  "warmup.on_demand_cooldown",
		"WARMUP_ACCESS_WINDOW":       "warmup.access_window",

		"QUEUE_DEFAULT_ATTEMPTS":    "queue.default_attempts",
		"QUEUE_BACKOFF_BASE":        "queue.backoff_base",
		"QUEUE_PROCESS_TIMEOUT":     "queue.process_timeout",
		"QUEUE_PROCESS_MAX_RETRIES": "queue.process_max_retries",
		"QUEUE_PROCESS_RETRY_DELAY": "queue.process_retry_delay",
		"QUEUE_DEFAULT_CONCURRENCY": "queue.default_concurrency",

		"DLQ_QUEUE_NAME":     "dlq.queue_name",
		"DLQ_MAX_RETRIES":    "dlq.max_retries",
		"DLQ_RETRY_INTERVAL": "dlq.retry_interval",
		"DLQ_TTL":            "dlq.ttl",
		"DLQ_CLEANUP_EVERY":  "dlq.cleanup_every",
		"DLQ_TEST_MODE":      "dlq.test_mode",

		"METRIC_PREFIX":      "monitoring.metric_prefix",
		"SYSTEM_INTERVAL":    "monitoring.system_interval",
		"HEALTH_INTERVAL":    "monitoring.health_interval",
		"CHECK_TIMEOUT":      "monitoring.check_timeout",
		"MAX_ALERT_HISTORY":  "monitoring.max_alert_history",
		"OPTIMIZE_ENABLED":   "monitoring.optimize_enabled",
		"OPTIMIZE_AUTOMATIC": "monitoring.optimize_automatic",
		"OPTIMIZE_INTERVAL":  "monitoring.optimize_interval",
		"COLLECTOR_INTERVAL": "monitoring.collector_interval",

		"FORWARDER_ENABLED":        "forwarder.enabled",
		"FORWARDER_URL":            "forwarder.url",
		"FORWARDER_EMBEDDED":       "forwarder.embedded_server",
		"FORWARDER_STORE_DIR":      "forwarder.store_dir",
		"FORWARDER_TOPIC_PREFIX":   "forwarder.topic_prefix",
		"FORWARDER_MAX_RECONNECTS": "forwarder.max_reconnects",
		"FORWARDER_RECONNECT_WAIT": "forwarder.reconnect_wait",
	}

	if mapped, ok := mappings[key]; ok {
		return mapped
	}
	return ""
}
