// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yebeike/RealtimeDataPlatform/internal/optimize"
	"github.com/yebeike/RealtimeDataPlatform/internal/queue"
	"github.com/yebeike/RealtimeDataPlatform/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := New(Config{
		HealthInterval:  time.Hour,
		SystemInterval:  time.Hour,
		CollectInterval: 20 * time.Millisecond,
		RuleInterval:    time.Hour,
	})
	require.NoError(t, err)
	return s
}

func TestNewRegistersRequestMetrics(t *testing.T) {
	s := newTestService(t)
	names := make(map[string]bool)
	for _, snap := range s.Metrics().Snapshot() {
		names[snap.Name] = true
	}
	for _, want := range []string{MetricRequestsTotal, MetricRequestsActive, MetricRequestsErrors, MetricRequestDuration} {
		assert.True(t, names[want], "metric %s should be registered", want)
	}
}

func TestErrorRate(t *testing.T) {
	s := newTestService(t)

	rate, err := s.errorRate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rate)

	s.Metrics().IncrementCounter(MetricRequestsTotal, 100, nil)
	s.Metrics().IncrementCounter(MetricRequestsErrors, 7, nil)

	rate, err = s.errorRate(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 7.0, rate, 1e-9)
}

func TestOptionalGaugeBeforeRegistration(t *testing.T) {
	s := newTestService(t)

	_, err := s.optionalGauge("cache_hit_rate")(context.Background())
	assert.Error(t, err)

	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	manager := queue.NewManager(mem, nil, queue.DefaultJobOptions())
	t.Cleanup(manager.CloseAll)
	require.NoError(t, s.RegisterQueueSystem(manager, nil))

	// Registered but never sampled: still an error, not a zero reading.
	_, err = s.optionalGauge("queue_backlog_total")(context.Background())
	assert.Error(t, err)
}

func TestInterceptorCountsRequests(t *testing.T) {
	s := newTestService(t)

	router := chi.NewRouter()
	router.Use(s.Interceptor())
	router.Get("/items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	server := httptest.NewServer(router)
	defer server.Close()

	for _, path := range []string{"/items/1", "/items/2", "/broken"} {
		resp, err := http.Get(server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
	}

	total, ok := s.Metrics().Get(MetricRequestsTotal, nil)
	require.True(t, ok)
	assert.Equal(t, 3.0, total.Value)

	errs, ok := s.Metrics().Get(MetricRequestsErrors, nil)
	require.True(t, ok)
	assert.Equal(t, 1.0, errs.Value)

	active, ok := s.Metrics().Get(MetricRequestsActive, nil)
	require.True(t, ok)
	assert.Zero(t, active.Value)

	duration, ok := s.Metrics().Get(MetricRequestDuration, map[string]string{
		"method": "GET", "route": "/items/{id}", "status": "200",
	})
	require.True(t, ok)
	require.NotNil(t, duration.Histogram)
	assert.Equal(t, uint64(2), duration.Histogram.Count)
}

func TestRegisterQueueSystemCollectsDepth(t *testing.T) {
	s := newTestService(t)

	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	manager := queue.NewManager(mem, nil, queue.DefaultJobOptions())
	t.Cleanup(manager.CloseAll)

	orders, err := manager.Queue("orders")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = orders.Add(context.Background(), i, nil)
		require.NoError(t, err)
	}

	require.NoError(t, s.RegisterQueueSystem(manager, nil))
	s.Start()
	t.Cleanup(s.Shutdown)

	require.Eventually(t, func() bool {
		v, ok := s.Metrics().Get("queue_backlog_total", nil)
		return ok && v.Value == 3
	}, 2*time.Second, 10*time.Millisecond)

	depth, ok := s.Metrics().Get("queue_depth", map[string]string{"queue": "orders"})
	require.True(t, ok)
	assert.Equal(t, 3.0, depth.Value)
}

type fakePool struct {
	stats optimize.PoolStats
}

func (f *fakePool) Stats(_ context.Context) (optimize.PoolStats, error) { return f.stats, nil }
func (f *fakePool) Resize(_ context.Context, max int) error             { f.stats.Max = max; return nil }
func (f *fakePool) Ping(_ context.Context) error                        { return nil }

func TestRegisterDatabase(t *testing.T) {
	s := newTestService(t)
	pool := &fakePool{stats: optimize.PoolStats{Active: 4, Idle: 6, Max: 10}}
	require.NoError(t, s.RegisterDatabase(pool))

	assert.Contains(t, s.Health().Names(), "database")

	s.Start()
	t.Cleanup(s.Shutdown)

	require.Eventually(t, func() bool {
		v, ok := s.Metrics().Get("db_pool_active", nil)
		return ok && v.Value == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusSummary(t *testing.T) {
	s := newTestService(t)
	status := s.Status()
	assert.Equal(t, optimize.StateIdle, status.Optimization)
	assert.False(t, status.AutoOptimize)
	assert.Zero(t, status.ActiveAlerts)
	assert.Positive(t, status.Metrics)
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := newTestService(t)
	s.Start()
	s.Shutdown()
	s.Shutdown()
}
