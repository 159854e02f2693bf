// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package api exposes the admin HTTP surface: monitoring reads and
// controls under /v1/monitoring, queue and dead-letter administration, and
// a Prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yebeike/RealtimeDataPlatform/internal/dlq"
	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
	"github.com/yebeike/RealtimeDataPlatform/internal/monitoring"
	"github.com/yebeike/RealtimeDataPlatform/internal/queue"
)

// Config tunes the admin server.
type Config struct {
	Addr            string
	RequestsPerMin  int
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		RequestsPerMin:  600,
		AllowedOrigins:  []string{"*"},
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the admin HTTP server.
type Server struct {
	cfg        Config
	monitoring *monitoring.Service
	queues     *queue.Manager
	deadLetter *dlq.DLQ
	httpServer *http.Server
}

// NewServer builds the admin server. queues and deadLetter may be nil when
// the queue layer is not deployed; their routes then answer 404.
func NewServer(cfg Config, mon *monitoring.Service, queues *queue.Manager, deadLetter *dlq.DLQ) *Server {
	s := &Server{
		cfg:        cfg,
		monitoring: mon,
		queues:     queues,
		deadLetter: deadLetter,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Routes assembles the router. Exposed separately for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.monitoring.Interceptor())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))
	if s.cfg.RequestsPerMin > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RequestsPerMin, time.Minute))
	}

	r.Route("/v1/monitoring", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/metrics/prometheus", s.handleMetricsText)

		r.Get("/alerts", s.handleAlerts)
		r.Post("/alerts/{name}/acknowledge", s.handleAcknowledge)
		r.Post("/alerts/{name}/resolve", s.handleResolve)
		r.Post("/alerts/{name}/silence", s.handleSilence)
		r.Delete("/alerts/silence/{id}", s.handleUnsilence)

		r.Get("/optimization", s.handleOptimizationStatus)
		r.Post("/optimization/analyze", s.handleAnalyze)
		r.Post("/optimization/optimize", s.handleOptimize)
		r.Post("/optimization/toggle", s.handleToggle)
	})

	if s.queues != nil {
		r.Route("/v1/queues", func(r chi.Router) {
			r.Get("/", s.handleQueues)
			r.Get("/{name}", s.handleQueueStatus)
			r.Post("/{name}/pause", s.handleQueuePause)
			r.Post("/{name}/resume", s.handleQueueResume)
			r.Delete("/{name}/jobs", s.handleQueueClear)
		})
	}
	if s.deadLetter != nil {
		r.Route("/v1/dlq", func(r chi.Router) {
			r.Get("/", s.handleDLQRecords)
			r.Get("/stats", s.handleDLQStats)
			r.Post("/cleanup", s.handleDLQCleanup)
			r.Post("/retry-batch", s.handleDLQRetryBatch)
			r.Post("/{id}/retry", s.handleDLQRetry)
			r.Delete("/{id}", s.handleDLQRemove)
		})
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(s.monitoring.Metrics())
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	return r
}

// Start serves until Shutdown or a listener error.
func (s *Server) Start() error {
	logging.Info().Str("addr", s.cfg.Addr).Msg("Admin server listening")
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
