// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yebeike/RealtimeDataPlatform/internal/cache"
	"github.com/yebeike/RealtimeDataPlatform/internal/health"
	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
	"github.com/yebeike/RealtimeDataPlatform/internal/metrics"
	"github.com/yebeike/RealtimeDataPlatform/internal/optimize"
	"github.com/yebeike/RealtimeDataPlatform/internal/queue"
	"github.com/yebeike/RealtimeDataPlatform/internal/store"
)

// collector runs one sampling function on a fixed interval.
type collector struct {
	name     string
	interval time.Duration
	sample   func(ctx context.Context)

	once sync.Once
	quit chan struct{}
	done chan struct{}
}

func newCollector(name string, interval time.Duration, sample func(ctx context.Context)) *collector {
	return &collector{
		name:     name,
		interval: interval,
		sample:   sample,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (c *collector) start() {
	c.once.Do(func() {
		go c.run()
	})
}

func (c *collector) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.sample(context.Background())
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			c.sample(context.Background())
		}
	}
}

func (c *collector) stop() {
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
	<-c.done
}

// addCollector registers a collector, starting it at once when the service
// is already running.
func (s *Service) addCollector(c *collector) {
	s.mu.Lock()
	s.collectors = append(s.collectors, c)
	running := s.started
	s.mu.Unlock()
	if running {
		c.start()
	}
}

// Database is the adapter surface a SQL pool registers: tuning control
// plus a liveness probe.
type Database interface {
	optimize.PoolControl
	Ping(ctx context.Context) error
}

// RegisterDatabase wires a database pool into health checking, pool
// metrics, and the pool optimizer.
func (s *Service) RegisterDatabase(db Database) error {
	gauges := []struct{ name, help string }{
		{"db_pool_active", "Database connections in use"},
		{"db_pool_idle", "Idle database connections"},
		{"db_pool_max", "Database pool size limit"},
		{"db_pool_wait_ms", "Average wait for a database connection in milliseconds"},
	}
	for _, g := range gauges {
		if _, err := s.metrics.Register(g.name, metrics.KindGauge, g.help); err != nil {
			return fmt.Errorf("register database metric %s: %w", g.name, err)
		}
	}

	s.health.Register("database", true, db.Ping)
	s.loop.Register(optimize.NewPoolOptimizer(db, 0))

	s.addCollector(newCollector("database", s.cfg.CollectInterval, func(ctx context.Context) {
		stats, err := db.Stats(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("Database stats collection failed")
			return
		}
		s.metrics.Set("db_pool_active", float64(stats.Active), nil)
		s.metrics.Set("db_pool_idle", float64(stats.Idle), nil)
		s.metrics.Set("db_pool_max", float64(stats.Max), nil)
		s.metrics.Set("db_pool_wait_ms", stats.AvgWaitMs, nil)
	}))
	return nil
}

// RegisterKeyValueStore wires the KV store into health checking and
// keyspace metrics.
func (s *Service) RegisterKeyValueStore(kv store.Store) error {
	if _, err := s.metrics.Register("store_keys", metrics.KindGauge, "Keys held by the key-value store"); err != nil {
		return fmt.Errorf("register store metric: %w", err)
	}
	if _, err := s.metrics.Register("store_ping_ms", metrics.KindGauge, "Key-value store round-trip in milliseconds"); err != nil {
		return fmt.Errorf("register store metric: %w", err)
	}

	s.health.Register("store", true, health.StoreCheck(kv))

	s.addCollector(newCollector("store", s.cfg.CollectInterval, func(ctx context.Context) {
		start := time.Now()
		if err := kv.Ping(ctx); err != nil {
			logging.Warn().Err(err).Msg("Store ping failed during collection")
			return
		}
		s.metrics.Set("store_ping_ms", float64(time.Since(start).Milliseconds()), nil)
		keys, err := kv.Keys(ctx, "")
		if err != nil {
			logging.Warn().Err(err).Msg("Store keyspace scan failed")
			return
		}
		s.metrics.Set("store_keys", float64(len(keys)), nil)
	}))
	return nil
}

// RegisterQueueSystem wires the queue manager into health checking, depth
// metrics, and the queue optimizer. control may be nil when worker
// concurrency is not adjustable.
func (s *Service) RegisterQueueSystem(manager *queue.Manager, control optimize.QueueControl) error {
	if _, err := s.metrics.Register("queue_backlog_total", metrics.KindGauge, "Unfinished jobs across all queues"); err != nil {
		return fmt.Errorf("register queue metric: %w", err)
	}
	if _, err := s.metrics.Register("queue_depth", metrics.KindGauge, "Unfinished jobs per queue", "queue"); err != nil {
		return fmt.Errorf("register queue metric: %w", err)
	}

	s.health.Register("queues", false, func(ctx context.Context) error {
		_, err := manager.TotalBacklog(ctx)
		return err
	})
	if control != nil {
		s.loop.Register(optimize.NewQueueOptimizer(control, 0))
	}

	s.addCollector(newCollector("queues", s.cfg.CollectInterval, func(ctx context.Context) {
		statuses, err := manager.Statuses(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("Queue status collection failed")
			return
		}
		var total int
		for name, counts := range statuses {
			backlog := counts.Backlog()
			total += backlog
			s.metrics.Set("queue_depth", float64(backlog), map[string]string{"queue": name})
		}
		s.metrics.Set("queue_backlog_total", float64(total), nil)
	}))
	return nil
}

// RegisterCacheService wires the cache into hit-rate metrics and the cache
// optimizer. control may be nil when TTLs are not adjustable.
func (s *Service) RegisterCacheService(c *cache.Service, control optimize.CacheControl) error {
	if _, err := s.metrics.Register("cache_hit_rate", metrics.KindGauge, "Cache hit rate in percent"); err != nil {
		return fmt.Errorf("register cache metric: %w", err)
	}
	if _, err := s.metrics.Register("cache_requests_total", metrics.KindCounter, "Cache lookups", "result"); err != nil {
		return fmt.Errorf("register cache metric: %w", err)
	}

	if control != nil {
		s.loop.Register(optimize.NewCacheOptimizer(control, 0))
	}

	var lastHits, lastMisses int64
	s.addCollector(newCollector("cache", s.cfg.CollectInterval, func(_ context.Context) {
		stats := c.Stats()
		s.metrics.Set("cache_hit_rate", stats.HitRate*100, nil)
		s.metrics.IncrementCounter("cache_requests_total", float64(stats.Hits-lastHits), map[string]string{"result": "hit"})
		s.metrics.IncrementCounter("cache_requests_total", float64(stats.Misses-lastMisses), map[string]string{"result": "miss"})
		lastHits, lastMisses = stats.Hits, stats.Misses
	}))
	return nil
}
