// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Interceptor instruments every request: total and error counters, an
// in-flight gauge, and a duration histogram labelled by method, route
// pattern, and status.
func (s *Service) Interceptor() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			s.metrics.IncrementCounter(MetricRequestsTotal, 1, nil)
			s.metrics.Set(MetricRequestsActive, float64(s.active.Add(1)), nil)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				s.metrics.Set(MetricRequestsActive, float64(s.active.Add(-1)), nil)
				if status >= 400 {
					s.metrics.IncrementCounter(MetricRequestsErrors, 1, nil)
				}
				s.metrics.ObserveHistogram(MetricRequestDuration,
					float64(time.Since(start).Milliseconds()), map[string]string{
						"method": r.Method,
						"route":  routePattern(r),
						"status": strconv.Itoa(status),
					})
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// routePattern resolves the chi route template, falling back to the raw
// path outside a chi router.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
