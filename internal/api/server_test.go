// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yebeike/RealtimeDataPlatform/internal/alerting"
	"github.com/yebeike/RealtimeDataPlatform/internal/dlq"
	"github.com/yebeike/RealtimeDataPlatform/internal/monitoring"
	"github.com/yebeike/RealtimeDataPlatform/internal/queue"
	"github.com/yebeike/RealtimeDataPlatform/internal/store"
)

type testEnv struct {
	server  *httptest.Server
	mon     *monitoring.Service
	queues  *queue.Manager
	letters *dlq.DLQ
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mon, err := monitoring.New(monitoring.Config{
		HealthInterval: time.Hour,
		SystemInterval: time.Hour,
		RuleInterval:   time.Hour,
	})
	require.NoError(t, err)

	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	manager := queue.NewManager(mem, nil, queue.DefaultJobOptions())
	t.Cleanup(manager.CloseAll)

	cfg := dlq.DefaultConfig()
	cfg.TestMode = true
	letters, err := dlq.New(manager, cfg)
	require.NoError(t, err)
	t.Cleanup(letters.Close)

	cfgSrv := DefaultConfig()
	cfgSrv.RequestsPerMin = 0
	srv := NewServer(cfgSrv, mon, manager, letters)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, mon: mon, queues: manager, letters: letters}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, payload
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodGet, "/v1/monitoring/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"health"`)
	assert.Contains(t, string(body), `"optimization"`)
}

func TestHealthEndpointStatusMapping(t *testing.T) {
	env := newTestEnv(t)

	// Nothing has run yet: unknown reads as unavailable, not healthy.
	resp, _ := env.request(t, http.MethodGet, "/v1/monitoring/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	env.mon.Health().Register("up", false, func(_ context.Context) error { return nil })
	env.mon.Health().CheckAll(context.Background())

	resp, _ = env.request(t, http.MethodGet, "/v1/monitoring/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.mon.Health().Register("down", true, func(_ context.Context) error {
		return errors.New("dependency unreachable")
	})
	env.mon.Health().CheckAll(context.Background())

	resp, body := env.request(t, http.MethodGet, "/v1/monitoring/health", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "dependency unreachable")
}

func TestMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.mon.Metrics().IncrementCounter(monitoring.MetricRequestsTotal, 5, nil)

	resp, body := env.request(t, http.MethodGet, "/v1/monitoring/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var snapshots []map[string]any
	require.NoError(t, json.Unmarshal(body, &snapshots))
	assert.NotEmpty(t, snapshots)

	resp, body = env.request(t, http.MethodGet, "/v1/monitoring/metrics/prometheus", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(body), "# TYPE app_requests_total counter")
}

func TestPrometheusScrapeEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.mon.Metrics().IncrementCounter(monitoring.MetricRequestsTotal, 2, nil)

	resp, body := env.request(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "app_requests_total")
}

func TestAlertLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	engine := env.mon.Alerts()
	engine.Raise(context.Background(), "disk_full", "Disk almost full", alerting.SeverityError, nil, nil, 0)

	resp, body := env.request(t, http.MethodGet, "/v1/monitoring/alerts", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var alerts alertsResponse
	require.NoError(t, json.Unmarshal(body, &alerts))
	require.Len(t, alerts.Active, 1)
	assert.Equal(t, "disk_full", alerts.Active[0].Name)

	// Acknowledge without the required field.
	resp, _ = env.request(t, http.MethodPost, "/v1/monitoring/alerts/disk_full/acknowledge", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/v1/monitoring/alerts/disk_full/acknowledge",
		map[string]string{"acknowledgedBy": "oncall"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/v1/monitoring/alerts/disk_full/resolve", map[string]string{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/v1/monitoring/alerts/disk_full/resolve", map[string]string{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSilenceOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.request(t, http.MethodPost, "/v1/monitoring/alerts/noisy/silence",
		map[string]any{"silencedBy": "oncall"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.request(t, http.MethodPost, "/v1/monitoring/alerts/noisy/silence",
		map[string]any{"duration": "30m", "silencedBy": "oncall"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var silence map[string]string
	require.NoError(t, json.Unmarshal(body, &silence))
	require.NotEmpty(t, silence["silenceId"])

	resp, _ = env.request(t, http.MethodDelete, "/v1/monitoring/alerts/silence/"+silence["silenceId"], nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodDelete, "/v1/monitoring/alerts/silence/"+silence["silenceId"], nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOptimizationDisabled(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.request(t, http.MethodGet, "/v1/monitoring/optimization", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"enabled":false}`, string(body))

	resp, _ = env.request(t, http.MethodPost, "/v1/monitoring/optimization/analyze", nil)
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/v1/monitoring/optimization/optimize",
		map[string]any{"optimizers": []string{"database"}})
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestOptimizationToggleValidation(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.request(t, http.MethodPost, "/v1/monitoring/optimization/toggle", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/v1/monitoring/optimization/toggle",
		map[string]any{"enabled": false})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestQueueAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	orders, err := env.queues.Queue("orders")
	require.NoError(t, err)
	_, err = orders.Add(ctx, "x", nil)
	require.NoError(t, err)

	resp, body := env.request(t, http.MethodGet, "/v1/queues/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"orders"`)

	resp, body = env.request(t, http.MethodGet, "/v1/queues/orders", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"waiting":1`)

	resp, _ = env.request(t, http.MethodGet, "/v1/queues/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.request(t, http.MethodPost, "/v1/queues/orders/pause", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, orders.Paused())

	resp, _ = env.request(t, http.MethodPost, "/v1/queues/orders/resume", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, orders.Paused())

	resp, _ = env.request(t, http.MethodDelete, "/v1/queues/orders/jobs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	counts, err := orders.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Backlog())
}

func TestDLQAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.letters.AddFailedMessage(ctx, "m1", "orders",
		json.RawMessage(`{"n":1}`), errors.New("boom"), 3)
	require.NoError(t, err)

	resp, body := env.request(t, http.MethodGet, "/v1/dlq/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"m1"`)

	resp, body = env.request(t, http.MethodGet, "/v1/dlq/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"total":1`)
	assert.Contains(t, string(body), `"orders":1`)

	resp, body = env.request(t, http.MethodPost, "/v1/dlq/cleanup", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"removed":0}`, string(body))

	resp, body = env.request(t, http.MethodPost, "/v1/dlq/m1/retry", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"retried":true}`, string(body))

	resp, _ = env.request(t, http.MethodPost, "/v1/dlq/ghost/retry", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = env.request(t, http.MethodPost, "/v1/dlq/retry-batch",
		map[string]any{"queue_name": "emails"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"skipped":1`)

	resp, _ = env.request(t, http.MethodDelete, "/v1/dlq/m1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.request(t, http.MethodDelete, "/v1/dlq/m1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestErrorBodyShape(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.request(t, http.MethodPost, "/v1/monitoring/alerts/ghost/acknowledge",
		map[string]string{"acknowledgedBy": "oncall"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, codeNotFound, e.Code)
	assert.True(t, strings.Contains(e.Message, "ghost"))
}
