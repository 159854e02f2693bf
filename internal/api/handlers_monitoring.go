// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yebeike/RealtimeDataPlatform/internal/alerting"
	"github.com/yebeike/RealtimeDataPlatform/internal/health"
)

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitoring.Status())
}

// handleHealth maps the aggregate to the HTTP status: 200 healthy, 503
// degraded or never-run, 500 unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitoring.Health().Snapshot()
	status := http.StatusOK
	switch report.Status {
	case health.StatusHealthy:
		status = http.StatusOK
	case health.StatusUnhealthy:
		status = http.StatusInternalServerError
	default:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.monitoring.Metrics().Snapshot())
}

func (s *Server) handleMetricsText(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(s.monitoring.Metrics().RenderText()))
}

// alertsResponse pairs the live set with filtered history.
type alertsResponse struct {
	Active  []*alerting.Alert `json:"active"`
	History []*alerting.Alert `json:"history"`
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	filter := alerting.HistoryFilter{
		Severity: alerting.Severity(r.URL.Query().Get("severity")),
		Status:   alerting.Status(r.URL.Query().Get("status")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = limit
	}
	var err error
	if filter.StartTime, err = parseTimeParam(r, "startTime"); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	if filter.EndTime, err = parseTimeParam(r, "endTime"); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}

	engine := s.monitoring.Alerts()
	writeJSON(w, http.StatusOK, alertsResponse{
		Active:  engine.ActiveAlerts(),
		History: engine.History(filter),
	})
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AcknowledgedBy string `json:"acknowledgedBy"`
		Message        string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if body.AcknowledgedBy == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "acknowledgedBy is required")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.monitoring.Alerts().Acknowledge(name, body.AcknowledgedBy, body.Message); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.monitoring.Alerts().Resolve(name, body.Message); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

func (s *Server) handleSilence(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Duration   string   `json:"duration"`
		Labels     []string `json:"labels"`
		SilencedBy string   `json:"silencedBy"`
		Message    string   `json:"message"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if body.Duration == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "duration is required")
		return
	}
	if body.SilencedBy == "" {
		writeError(w, http.StatusBadRequest, codeBadRequest, "silencedBy is required")
		return
	}
	duration, err := time.ParseDuration(body.Duration)
	if err != nil || duration <= 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "duration must be a positive Go duration, e.g. 30m")
		return
	}

	name := chi.URLParam(r, "name")
	id, err := s.monitoring.Alerts().Silence(name, body.Labels, duration, body.SilencedBy, body.Message)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"silenceId": id})
}

func (s *Server) handleUnsilence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.monitoring.Alerts().Unsilence(id); err != nil {
		writeError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unsilenced"})
}

func (s *Server) handleOptimizationStatus(w http.ResponseWriter, r *http.Request) {
	loop := s.monitoring.Optimizer()
	if len(loop.Registered()) == 0 {
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
		return
	}
	history := loop.History()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, codeBadRequest, "limit must be a non-negative integer")
			return
		}
		if limit < len(history) {
			history = history[:limit]
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":    true,
		"state":      loop.State(),
		"automatic":  loop.Automatic(),
		"optimizers": loop.Registered(),
		"history":    history,
	})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	loop := s.monitoring.Optimizer()
	if len(loop.Registered()) == 0 {
		writeError(w, http.StatusNotImplemented, codeDisabled, "optimization is not enabled")
		return
	}
	optimizable, err := loop.Analyze(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"optimizable": optimizable})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	loop := s.monitoring.Optimizer()
	if len(loop.Registered()) == 0 {
		writeError(w, http.StatusNotImplemented, codeDisabled, "optimization is not enabled")
		return
	}
	var body struct {
		Optimizers []string `json:"optimizers"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if len(body.Optimizers) == 0 {
		writeError(w, http.StatusBadRequest, codeBadRequest, "optimizers is required")
		return
	}
	record, err := loop.Optimize(r.Context(), body.Optimizers)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid JSON body")
		return
	}
	if body.Enabled == nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "enabled is required")
		return
	}
	loop := s.monitoring.Optimizer()
	if *body.Enabled {
		loop.EnableAutomatic()
	} else {
		loop.DisableAutomatic()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"automatic": *body.Enabled})
}
