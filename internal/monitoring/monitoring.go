// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package monitoring is the process-wide observability handle. It owns the
// metric registry, health checking, alerting, and the optimization loop,
// registers the standard alert rules, and runs periodic collectors for the
// systems registered through its adapter methods.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yebeike/RealtimeDataPlatform/internal/alerting"
	"github.com/yebeike/RealtimeDataPlatform/internal/health"
	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
	"github.com/yebeike/RealtimeDataPlatform/internal/metrics"
	"github.com/yebeike/RealtimeDataPlatform/internal/optimize"
)

// Request metric names, registered under the configured prefix.
const (
	MetricRequestsTotal   = "requests_total"
	MetricRequestsActive  = "requests_active"
	MetricRequestsErrors  = "requests_errors"
	MetricRequestDuration = "request_duration"
)

// Standard rule evaluation interval.
const DefaultRuleInterval = 30 * time.Second

// DefaultCollectInterval is the adapter collector sampling period.
const DefaultCollectInterval = 15 * time.Second

// Config tunes the façade. Zero values fall back to defaults.
type Config struct {
	MetricPrefix    string
	HealthInterval  time.Duration
	SystemInterval  time.Duration
	CollectInterval time.Duration
	RuleInterval    time.Duration
	MaxAlertHistory int
	AutoOptimize    bool
	AutoInterval    time.Duration
}

// Service wires the observability core together.
type Service struct {
	cfg Config

	metrics *metrics.Registry
	health  *health.Registry
	runner  *health.Runner
	engine  *alerting.Engine
	loop    *optimize.Loop
	system  *metrics.SystemCollector

	active atomic.Int64

	mu         sync.Mutex
	started    bool
	collectors []*collector
	runnerStop context.CancelFunc
	runnerDone chan struct{}
}

// New builds the façade: components, request metrics, standard rules, and
// the health-to-alert bridge. Call Start to begin periodic activity.
func New(cfg Config) (*Service, error) {
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = DefaultCollectInterval
	}
	if cfg.RuleInterval <= 0 {
		cfg.RuleInterval = DefaultRuleInterval
	}

	registry := metrics.NewRegistry(cfg.MetricPrefix)
	healthReg := health.NewRegistry(0)
	runner := health.NewRunner(healthReg, cfg.HealthInterval)
	engine := alerting.NewEngine(cfg.MaxAlertHistory)
	engine.AddNotifier(alerting.NewLoggerNotifier())
	loop := optimize.NewLoop(cfg.AutoInterval)

	s := &Service{
		cfg:     cfg,
		metrics: registry,
		health:  healthReg,
		runner:  runner,
		engine:  engine,
		loop:    loop,
		system:  metrics.NewSystemCollector(registry, cfg.SystemInterval),
	}
	if err := s.registerRequestMetrics(); err != nil {
		return nil, err
	}
	if err := s.registerStandardRules(); err != nil {
		return nil, err
	}
	engine.AddHealthCheckRule(runner)
	return s, nil
}

// Metrics returns the metric registry.
func (s *Service) Metrics() *metrics.Registry { return s.metrics }

// Health returns the health check registry.
func (s *Service) Health() *health.Registry { return s.health }

// HealthRunner returns the periodic health runner.
func (s *Service) HealthRunner() *health.Runner { return s.runner }

// Alerts returns the alert engine.
func (s *Service) Alerts() *alerting.Engine { return s.engine }

// Optimizer returns the optimization loop.
func (s *Service) Optimizer() *optimize.Loop { return s.loop }

func (s *Service) registerRequestMetrics() error {
	regs := []struct {
		name   string
		kind   metrics.Kind
		help   string
		labels []string
	}{
		{MetricRequestsTotal, metrics.KindCounter, "Total HTTP requests handled", nil},
		{MetricRequestsActive, metrics.KindGauge, "HTTP requests currently in flight", nil},
		{MetricRequestsErrors, metrics.KindCounter, "HTTP requests answered with 4xx or 5xx", nil},
		{MetricRequestDuration, metrics.KindHistogram, "HTTP request duration in milliseconds",
			[]string{"method", "route", "status"}},
	}
	for _, reg := range regs {
		if _, err := s.metrics.Register(reg.name, reg.kind, reg.help, reg.labels...); err != nil {
			return fmt.Errorf("register request metric %s: %w", reg.name, err)
		}
	}
	return nil
}

// gaugeValue reads an unlabelled gauge or counter, zero when absent.
func (s *Service) gaugeValue(name string) float64 {
	v, ok := s.metrics.Get(name, nil)
	if !ok {
		return 0
	}
	return v.Value
}

// optionalGauge samples a gauge that only exists once its adapter has been
// registered. Until then the rule's condition reads as an error, which the
// engine treats as not triggered.
func (s *Service) optionalGauge(name string) alerting.MetricFunc {
	return func(_ context.Context) (float64, error) {
		for _, snap := range s.metrics.Snapshot() {
			if snap.Name != name {
				continue
			}
			if len(snap.Series) == 0 {
				return 0, fmt.Errorf("metric %s has no samples yet", name)
			}
			return snap.Series[0].Value.Value, nil
		}
		return 0, fmt.Errorf("metric %s not registered", name)
	}
}

func (s *Service) registerStandardRules() error {
	type rule struct {
		name      string
		metric    alerting.MetricFunc
		cmp       alerting.Comparison
		threshold float64
		severity  alerting.Severity
		message   string
	}
	rules := []rule{
		{
			name: "high_cpu_usage",
			metric: func(_ context.Context) (float64, error) {
				return s.gaugeValue(metrics.MetricCPUUsage), nil
			},
			cmp: alerting.CmpGreater, threshold: 90,
			severity: alerting.SeverityWarning,
			message:  "CPU usage above 90%",
		},
		{
			name: "high_memory_usage",
			metric: func(_ context.Context) (float64, error) {
				return s.gaugeValue(metrics.MetricMemUsedPercent), nil
			},
			cmp: alerting.CmpGreater, threshold: 90,
			severity: alerting.SeverityWarning,
			message:  "Memory usage above 90%",
		},
		{
			name:   "high_error_rate",
			metric: s.errorRate,
			cmp:    alerting.CmpGreater, threshold: 5,
			severity: alerting.SeverityError,
			message:  "HTTP error rate above 5%",
		},
		{
			name:   "low_cache_hit_rate",
			metric: s.optionalGauge("cache_hit_rate"),
			cmp:    alerting.CmpLess, threshold: 50,
			severity: alerting.SeverityWarning,
			message:  "Cache hit rate below 50%",
		},
		{
			name:   "queue_backlog",
			metric: s.optionalGauge("queue_backlog_total"),
			cmp:    alerting.CmpGreater, threshold: 10000,
			severity: alerting.SeverityError,
			message:  "Total queue backlog above 10000 jobs",
		},
	}
	for _, r := range rules {
		err := s.engine.AddMetricRule(r.name, r.metric, r.cmp, r.threshold, r.severity, r.message, s.cfg.RuleInterval)
		if err != nil {
			return fmt.Errorf("register standard rule %s: %w", r.name, err)
		}
	}
	return nil
}

// errorRate computes the 4xx/5xx share of all requests, in percent. A
// service that has served nothing has a zero error rate.
func (s *Service) errorRate(_ context.Context) (float64, error) {
	total := s.gaugeValue(MetricRequestsTotal)
	if total == 0 {
		return 0, nil
	}
	return s.gaugeValue(MetricRequestsErrors) / total * 100, nil
}

// Start begins periodic activity: system sampling, health runs, rule
// evaluation, and automatic optimization if configured.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.system.Start()
	s.engine.Start()

	ctx, cancel := context.WithCancel(context.Background())
	s.runnerStop = cancel
	s.runnerDone = make(chan struct{})
	go func() {
		defer close(s.runnerDone)
		_ = s.runner.Serve(ctx)
	}()

	for _, c := range s.collectors {
		c.start()
	}
	if s.cfg.AutoOptimize {
		s.loop.EnableAutomatic()
	}
	logging.Info().Msg("Monitoring service started")
}

// StatusSummary is the admin status payload.
type StatusSummary struct {
	Health       health.Status  `json:"health"`
	ActiveAlerts int            `json:"active_alerts"`
	Metrics      int            `json:"metrics"`
	Optimization optimize.State `json:"optimization"`
	AutoOptimize bool           `json:"auto_optimize"`
	Time         time.Time      `json:"time"`
}

// Status summarizes the observability core for the admin surface.
func (s *Service) Status() StatusSummary {
	return StatusSummary{
		Health:       s.runner.Last().Status,
		ActiveAlerts: len(s.engine.ActiveAlerts()),
		Metrics:      len(s.metrics.Snapshot()),
		Optimization: s.loop.State(),
		AutoOptimize: s.loop.Automatic(),
		Time:         time.Now().UTC(),
	}
}

// Shutdown stops every periodic activity the façade owns. Registered
// adapters' own resources are the caller's to close.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	collectors := s.collectors
	stop := s.runnerStop
	done := s.runnerDone
	s.mu.Unlock()

	for _, c := range collectors {
		c.stop()
	}
	s.loop.Stop()
	s.engine.Stop()
	s.system.Stop()
	if stop != nil {
		stop()
		<-done
	}
	logging.Info().Msg("Monitoring service stopped")
}
