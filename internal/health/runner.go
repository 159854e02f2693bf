// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package health

import (
	"context"
	"sync"
	"time"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// DefaultRunInterval is how often the periodic runner re-checks.
const DefaultRunInterval = 30 * time.Second

// StatusListener receives the aggregate report after each periodic run.
type StatusListener func(Report)

// Runner periodically runs all checks and notifies listeners on every run.
// It implements suture.Service via Serve.
type Runner struct {
	registry *Registry
	interval time.Duration

	mu        sync.RWMutex
	listeners []StatusListener
	last      Report
}

// NewRunner creates a periodic runner (DefaultRunInterval when zero).
func NewRunner(registry *Registry, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultRunInterval
	}
	return &Runner{
		registry: registry,
		interval: interval,
	}
}

// OnReport registers a listener invoked after each periodic run. Listeners
// run synchronously in the runner goroutine; they must not block.
func (r *Runner) OnReport(fn StatusListener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Last returns the report from the most recent run.
func (r *Runner) Last() Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Serve runs checks on a fixed interval until ctx is cancelled. The first
// run happens immediately so status is populated at startup.
func (r *Runner) Serve(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	report := r.registry.CheckAll(ctx)

	r.mu.Lock()
	prev := r.last.Status
	r.last = report
	listeners := append([]StatusListener(nil), r.listeners...)
	r.mu.Unlock()

	if prev != "" && prev != report.Status {
		logging.Info().
			Str("from", string(prev)).
			Str("to", string(report.Status)).
			Msg("Aggregate health status changed")
	}

	for _, fn := range listeners {
		fn(report)
	}
}

// String implements fmt.Stringer for supervisor logs.
func (r *Runner) String() string {
	return "health-runner"
}
