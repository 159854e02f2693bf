// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package optimize

import (
	"context"
	"fmt"
	"time"
)

// PoolStats describes a connection pool's current shape.
type PoolStats struct {
	Active      int
	Idle        int
	Max         int
	WaitCount   int64
	AvgWaitMs   float64
	SlowQueries int64
}

// PoolControl is the adapter surface a database registers for tuning.
type PoolControl interface {
	Stats(ctx context.Context) (PoolStats, error)
	Resize(ctx context.Context, max int) error
}

// PoolOptimizer grows or shrinks a connection pool based on wait pressure.
type PoolOptimizer struct {
	control PoolControl
	settle  time.Duration
}

// NewPoolOptimizer wraps a pool control. settle overrides the verification
// delay (10s default).
func NewPoolOptimizer(control PoolControl, settle time.Duration) *PoolOptimizer {
	if settle <= 0 {
		settle = 10 * time.Second
	}
	return &PoolOptimizer{control: control, settle: settle}
}

func (*PoolOptimizer) Name() string { return "database" }

func (p *PoolOptimizer) SettleDelay() time.Duration { return p.settle }

func (p *PoolOptimizer) IsApplicable(_ context.Context) bool { return p.control != nil }

func (p *PoolOptimizer) Analyze(ctx context.Context) (Analysis, error) {
	stats, err := p.control.Stats(ctx)
	if err != nil {
		return Analysis{}, fmt.Errorf("read pool stats: %w", err)
	}
	utilization := 0.0
	if stats.Max > 0 {
		utilization = float64(stats.Active) / float64(stats.Max)
	}
	return Analysis{
		// Saturated or wait-heavy pools are worth resizing.
		Optimizable: utilization > 0.8 || stats.AvgWaitMs > 50,
		Metrics: map[string]float64{
			"utilization":  utilization,
			"avg_wait_ms":  stats.AvgWaitMs,
			"slow_queries": float64(stats.SlowQueries),
		},
		Evidence: map[string]any{
			"active": stats.Active,
			"idle":   stats.Idle,
			"max":    stats.Max,
		},
	}, nil
}

func (p *PoolOptimizer) Optimize(ctx context.Context, analysis Analysis) (Optimization, error) {
	stats, err := p.control.Stats(ctx)
	if err != nil {
		return Optimization{}, fmt.Errorf("read pool stats: %w", err)
	}
	newMax := stats.Max
	if analysis.Metrics["utilization"] > 0.8 || analysis.Metrics["avg_wait_ms"] > 50 {
		newMax = stats.Max + stats.Max/2
		if newMax == stats.Max {
			newMax = stats.Max + 1
		}
	}
	if newMax == stats.Max {
		return Optimization{Actions: []string{"no-op"}}, nil
	}
	if err := p.control.Resize(ctx, newMax); err != nil {
		return Optimization{}, fmt.Errorf("resize pool to %d: %w", newMax, err)
	}
	return Optimization{
		Actions: []string{fmt.Sprintf("resized pool %d -> %d", stats.Max, newMax)},
		Details: map[string]any{"old_max": stats.Max, "new_max": newMax},
	}, nil
}

// CacheStats describes observed cache effectiveness.
type CacheStats struct {
	HitRate      float64 // 0..1
	Entries      int
	DefaultTTL   time.Duration
	EvictionRate float64
}

// CacheControl is the adapter surface a cache registers for tuning.
type CacheControl interface {
	Stats(ctx context.Context) (CacheStats, error)
	SetDefaultTTL(ctx context.Context, ttl time.Duration) error
	Prewarm(ctx context.Context) error
}

// CacheOptimizer stretches TTLs and triggers prewarming when the hit rate
// sags.
type CacheOptimizer struct {
	control CacheControl
	settle  time.Duration
}

// NewCacheOptimizer wraps a cache control. settle overrides the
// verification delay (10s default).
func NewCacheOptimizer(control CacheControl, settle time.Duration) *CacheOptimizer {
	if settle <= 0 {
		settle = 10 * time.Second
	}
	return &CacheOptimizer{control: control, settle: settle}
}

func (*CacheOptimizer) Name() string { return "cache" }

func (c *CacheOptimizer) SettleDelay() time.Duration { return c.settle }

func (c *CacheOptimizer) IsApplicable(_ context.Context) bool { return c.control != nil }

func (c *CacheOptimizer) Analyze(ctx context.Context) (Analysis, error) {
	stats, err := c.control.Stats(ctx)
	if err != nil {
		return Analysis{}, fmt.Errorf("read cache stats: %w", err)
	}
	missRate := 1 - stats.HitRate
	return Analysis{
		Optimizable: stats.HitRate < 0.7,
		Metrics: map[string]float64{
			"miss_rate":     missRate,
			"eviction_rate": stats.EvictionRate,
			"entries":       float64(stats.Entries),
		},
		Evidence: map[string]any{
			"hit_rate":    stats.HitRate,
			"default_ttl": stats.DefaultTTL.String(),
		},
	}, nil
}

func (c *CacheOptimizer) Optimize(ctx context.Context, analysis Analysis) (Optimization, error) {
	stats, err := c.control.Stats(ctx)
	if err != nil {
		return Optimization{}, fmt.Errorf("read cache stats: %w", err)
	}
	var actions []string
	if analysis.Metrics["miss_rate"] > 0.3 && stats.DefaultTTL > 0 {
		newTTL := stats.DefaultTTL * 2
		if err := c.control.SetDefaultTTL(ctx, newTTL); err != nil {
			return Optimization{Actions: actions}, fmt.Errorf("stretch cache ttl: %w", err)
		}
		actions = append(actions, fmt.Sprintf("stretched default ttl %s -> %s", stats.DefaultTTL, newTTL))
	}
	if err := c.control.Prewarm(ctx); err != nil {
		return Optimization{Actions: actions}, fmt.Errorf("trigger prewarm: %w", err)
	}
	actions = append(actions, "triggered prewarm")
	return Optimization{Actions: actions}, nil
}

// QueueStats describes processing pressure on a queue system.
type QueueStats struct {
	Backlog          int
	Workers          int
	ThroughputPerSec float64
	FailureRate      float64
}

// QueueControl is the adapter surface a queue system registers for tuning.
type QueueControl interface {
	Stats(ctx context.Context) (QueueStats, error)
	SetConcurrency(ctx context.Context, workers int) error
}

// QueueOptimizer scales worker concurrency against the backlog.
type QueueOptimizer struct {
	control    QueueControl
	settle     time.Duration
	maxWorkers int
}

// NewQueueOptimizer wraps a queue control. settle overrides the
// verification delay (15s default).
func NewQueueOptimizer(control QueueControl, settle time.Duration) *QueueOptimizer {
	if settle <= 0 {
		settle = 15 * time.Second
	}
	return &QueueOptimizer{control: control, settle: settle, maxWorkers: 32}
}

func (*QueueOptimizer) Name() string { return "queue" }

func (q *QueueOptimizer) SettleDelay() time.Duration { return q.settle }

func (q *QueueOptimizer) IsApplicable(_ context.Context) bool { return q.control != nil }

func (q *QueueOptimizer) Analyze(ctx context.Context) (Analysis, error) {
	stats, err := q.control.Stats(ctx)
	if err != nil {
		return Analysis{}, fmt.Errorf("read queue stats: %w", err)
	}
	perWorker := 0.0
	if stats.Workers > 0 {
		perWorker = float64(stats.Backlog) / float64(stats.Workers)
	}
	return Analysis{
		Optimizable: perWorker > 100 && stats.Workers < q.maxWorkers,
		Metrics: map[string]float64{
			"backlog":            float64(stats.Backlog),
			"backlog_per_worker": perWorker,
			"failure_rate":       stats.FailureRate,
		},
		Evidence: map[string]any{
			"workers":    stats.Workers,
			"throughput": stats.ThroughputPerSec,
		},
	}, nil
}

func (q *QueueOptimizer) Optimize(ctx context.Context, analysis Analysis) (Optimization, error) {
	stats, err := q.control.Stats(ctx)
	if err != nil {
		return Optimization{}, fmt.Errorf("read queue stats: %w", err)
	}
	if analysis.Metrics["backlog_per_worker"] <= 100 {
		return Optimization{Actions: []string{"no-op"}}, nil
	}
	newWorkers := stats.Workers * 2
	if newWorkers > q.maxWorkers {
		newWorkers = q.maxWorkers
	}
	if newWorkers <= stats.Workers {
		return Optimization{Actions: []string{"no-op"}}, nil
	}
	if err := q.control.SetConcurrency(ctx, newWorkers); err != nil {
		return Optimization{}, fmt.Errorf("scale workers to %d: %w", newWorkers, err)
	}
	return Optimization{
		Actions: []string{fmt.Sprintf("scaled workers %d -> %d", stats.Workers, newWorkers)},
		Details: map[string]any{"old_workers": stats.Workers, "new_workers": newWorkers},
	}, nil
}
