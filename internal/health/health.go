// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package health implements the tri-state health check registry: named
// checks run concurrently under per-check timeouts, and the aggregate status
// degrades or fails depending on whether a failing check is critical.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// Status is the tri-state check result.
type Status string

// Health states. Unknown means the check has never run.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckFunc probes one dependency. A nil error is healthy; an error is
// unhealthy with the error text as the message.
type CheckFunc func(ctx context.Context) error

// DefaultCheckTimeout bounds a single check run.
const DefaultCheckTimeout = 5 * time.Second

// Result is the outcome of one check run.
type Result struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Report is the aggregate of the most recent run of every check.
type Report struct {
	Status    Status    `json:"status"`
	Checks    []Result  `json:"checks"`
	CheckedAt time.Time `json:"checked_at"`
}

type check struct {
	name     string
	fn       CheckFunc
	critical bool
	timeout  time.Duration

	mu   sync.RWMutex
	last *Result
}

// Registry holds named checks and their latest results.
type Registry struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]*check
	order  []string
}

// NewRegistry creates a check registry. timeout bounds each check run
// (DefaultCheckTimeout when zero).
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Registry{
		timeout: timeout,
		checks:  make(map[string]*check),
	}
}

// Register adds a named check. Critical checks drive the aggregate to
// unhealthy when they fail; non-critical failures only degrade it.
// Re-registering a name replaces the previous check.
func (r *Registry) Register(name string, critical bool, fn CheckFunc) {
	r.RegisterWithTimeout(name, critical, r.timeout, fn)
}

// RegisterWithTimeout adds a named check with its own timeout.
func (r *Registry) RegisterWithTimeout(name string, critical bool, timeout time.Duration, fn CheckFunc) {
	if timeout <= 0 {
		timeout = r.timeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[name]; !exists {
		r.order = append(r.order, name)
	}
	r.checks[name] = &check{
		name:     name,
		fn:       fn,
		critical: critical,
		timeout:  timeout,
	}
}

// Unregister removes a check by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		return
	}
	delete(r.checks, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Names returns registered check names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// RunCheck runs one named check and records the result.
func (r *Registry) RunCheck(ctx context.Context, name string) (Result, error) {
	r.mu.RLock()
	c := r.checks[name]
	r.mu.RUnlock()
	if c == nil {
		return Result{}, fmt.Errorf("health: unknown check %q", name)
	}
	return c.run(ctx), nil
}

// CheckAll runs every registered check concurrently and returns the
// aggregate report. Each check is bounded by its own timeout; a timed-out
// check is unhealthy with a timeout message.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	checks := make([]*check, 0, len(r.order))
	for _, name := range r.order {
		checks = append(checks, r.checks[name])
	}
	r.mu.RUnlock()

	results := make([]Result, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c *check) {
			defer wg.Done()
			results[i] = c.run(ctx)
		}(i, c)
	}
	wg.Wait()

	return Report{
		Status:    aggregate(results),
		Checks:    results,
		CheckedAt: time.Now().UTC(),
	}
}

// Snapshot returns the latest recorded results without running anything.
// Checks that have never run report unknown.
func (r *Registry) Snapshot() Report {
	r.mu.RLock()
	checks := make([]*check, 0, len(r.order))
	for _, name := range r.order {
		checks = append(checks, r.checks[name])
	}
	r.mu.RUnlock()

	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		c.mu.RLock()
		if c.last != nil {
			results = append(results, *c.last)
		} else {
			results = append(results, Result{
				Name:     c.name,
				Status:   StatusUnknown,
				Critical: c.critical,
			})
		}
		c.mu.RUnlock()
	}

	return Report{
		Status:    aggregate(results),
		Checks:    results,
		CheckedAt: time.Now().UTC(),
	}
}

func (c *check) run(ctx context.Context) Result {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("check panicked: %v", rec)
			}
		}()
		done <- c.fn(runCtx)
	}()

	result := Result{
		Name:      c.name,
		Critical:  c.critical,
		CheckedAt: start.UTC(),
	}

	select {
	case err := <-done:
		result.Duration = time.Since(start)
		if err != nil {
			result.Status = StatusUnhealthy
			result.Message = err.Error()
		} else {
			result.Status = StatusHealthy
		}
	case <-runCtx.Done():
		result.Duration = time.Since(start)
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("timeout after %s", c.timeout)
	}

	if result.Status == StatusUnhealthy {
		logging.Warn().
			Str("check", c.name).
			Bool("critical", c.critical).
			Str("message", result.Message).
			Msg("Health check failed")
	}

	c.mu.Lock()
	stored := result
	c.last = &stored
	c.mu.Unlock()

	return result
}

// aggregate folds individual results into the tri-state overall status:
// any failing critical check is unhealthy, any other failure degrades,
// all-unknown stays unknown.
func aggregate(results []Result) Status {
	if len(results) == 0 {
		return StatusUnknown
	}
	allUnknown := true
	degraded := false
	for _, res := range results {
		if res.Status != StatusUnknown {
			allUnknown = false
		}
		if res.Status == StatusUnhealthy {
			if res.Critical {
				return StatusUnhealthy
			}
			degraded = true
		}
	}
	if allUnknown {
		return StatusUnknown
	}
	if degraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// SortedResults returns a copy of results ordered by name, for stable
// rendering in API responses.
func SortedResults(results []Result) []Result {
	out := append([]Result(nil), results...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
