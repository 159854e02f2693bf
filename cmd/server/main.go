// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Command server runs the operational substrate: the monitoring core, the
// cache layer, the queue layer with its dead-letter queue, and the admin
// HTTP surface, supervised as one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yebeike/RealtimeDataPlatform/internal/api"
	"github.com/yebeike/RealtimeDataPlatform/internal/cache"
	"github.com/yebeike/RealtimeDataPlatform/internal/config"
	"github.com/yebeike/RealtimeDataPlatform/internal/dlq"
	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
	"github.com/yebeike/RealtimeDataPlatform/internal/monitoring"
	"github.com/yebeike/RealtimeDataPlatform/internal/queue"
	"github.com/yebeike/RealtimeDataPlatform/internal/store"
	"github.com/yebeike/RealtimeDataPlatform/internal/supervisor"
)

func main() {
	if err := run(); err != nil {
		logging.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("store", cfg.Store.Backend).
		Int("port", cfg.Server.Port).
		Msg("Starting server")

	kv, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	// Observability core.
	mon, err := monitoring.New(monitoring.Config{
		MetricPrefix:    cfg.Monitoring.MetricPrefix,
		HealthInterval:  cfg.Monitoring.HealthInterval,
		SystemInterval:  cfg.Monitoring.SystemInterval,
		CollectInterval: cfg.Monitoring.CollectorInterval,
		MaxAlertHistory: cfg.Monitoring.MaxAlertHistory,
		AutoOptimize:    cfg.Monitoring.OptimizeEnabled && cfg.Monitoring.OptimizeAutomatic,
		AutoInterval:    cfg.Monitoring.OptimizeInterval,
	})
	if err != nil {
		return fmt.Errorf("build monitoring: %w", err)
	}

	// Cache layer.
	keys := cache.NewKeyBuilder(cfg.Cache.KeyPrefix, cfg.Cache.KeyVersion)
	lock := cache.NewLock(kv, cfg.Cache.LockTTL)
	cacheSvc := cache.NewService(kv, keys, lock, cfg.Cache.DefaultTTL)
	warmer := cache.NewWarmer(cacheSvc, cfg.Warmup.StartupConcurrency,
		cfg.Warmup.StartupTimeout, cfg.Warmup.OnDemandCooldown)

	// Queue layer with lifecycle events and the dead-letter queue.
	bus := queue.NewBus()
	defer bus.Close()
	queues := queue.NewManager(kv, bus, queue.JobOptions{
		Attempts:         cfg.Queue.DefaultAttempts,
		Backoff:          cfg.Queue.BackoffBase,
		RemoveOnComplete: true,
	})
	defer queues.CloseAll()

	letters, err := dlq.New(queues, dlq.Config{
		QueueName:       cfg.DLQ.QueueName,
		MaxRetries:      cfg.DLQ.MaxRetries,
		RetryInterval:   cfg.DLQ.RetryInterval,
		TTL:             cfg.DLQ.TTL,
		CleanupInterval: cfg.DLQ.CleanupEvery,
		TestMode:        cfg.DLQ.TestMode,
	})
	if err != nil {
		return fmt.Errorf("build dead-letter queue: %w", err)
	}
	defer letters.Close()

	forwarder, embedded, err := startForwarder(cfg.Forwarder, bus)
	if err != nil {
		return err
	}
	if forwarder != nil {
		defer func() { _ = forwarder.Close() }()
	}
	if embedded != nil {
		defer embedded.Shutdown()
	}

	// Adapter wiring: store, queues, and cache feed the metric registry
	// and health checking.
	if err := mon.RegisterKeyValueStore(kv); err != nil {
		return fmt.Errorf("register store adapter: %w", err)
	}
	if err := mon.RegisterQueueSystem(queues, nil); err != nil {
		return fmt.Errorf("register queue adapter: %w", err)
	}
	if err := mon.RegisterCacheService(cacheSvc, nil); err != nil {
		return fmt.Errorf("register cache adapter: %w", err)
	}

	mon.Start()
	defer mon.Shutdown()

	adminServer := api.NewServer(api.Config{
		Addr:            fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		RequestsPerMin:  cfg.Server.RateLimitReqs,
		AllowedOrigins:  cfg.Server.CORSOrigins,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, mon, queues, letters)

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddProcessingService(supervisor.WarmupService{Warmer: warmer})
	tree.AddAPIService(supervisor.APIServer{Server: adminServer})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().Msg("Supervision tree starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor: %w", err)
	}
	logging.Info().Msg("Server stopped")
	return nil
}

// openStore builds the configured KV backend, optionally wrapped in the
// circuit breaker.
func openStore(cfg config.StoreConfig) (store.Store, error) {
	var (
		kv  store.Store
		err error
	)
	switch cfg.Backend {
	case "badger":
		kv, err = store.NewBadger(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
	default:
		kv = store.NewMemory()
	}
	if cfg.BreakerEnabled {
		kv = store.NewWithBreaker(kv, store.DefaultBreakerConfig())
	}
	return kv, nil
}

// startForwarder optionally bridges queue lifecycle events onto NATS,
// starting an embedded server first when configured.
func startForwarder(cfg config.ForwarderConfig, bus *queue.Bus) (*queue.Forwarder, *queue.EmbeddedServer, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	var embedded *queue.EmbeddedServer
	url := cfg.URL
	if cfg.EmbeddedServer {
		var err error
		embedded, err = queue.NewEmbeddedServer(queue.EmbeddedServerConfig{StoreDir: cfg.StoreDir})
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded NATS server: %w", err)
		}
		url = embedded.ClientURL()
	}

	fwdCfg := queue.DefaultForwarderConfig()
	fwdCfg.URL = url
	if cfg.TopicPrefix != "" {
		fwdCfg.Subject = cfg.TopicPrefix + ".queue.events"
	}
	if cfg.MaxReconnects > 0 {
		fwdCfg.MaxReconnects = cfg.MaxReconnects
	}
	if cfg.ReconnectWait > 0 {
		fwdCfg.ReconnectWait = cfg.ReconnectWait
	}
	forwarder, err := queue.NewForwarder(bus, fwdCfg)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, fmt.Errorf("start event forwarder: %w", err)
	}
	return forwarder, embedded, nil
}
