// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/yebeike/RealtimeDataPlatform/internal/store"
)

// StoreCheck probes the key-value store.
func StoreCheck(s store.Store) CheckFunc {
	return func(ctx context.Context) error {
		if err := s.Ping(ctx); err != nil {
			return fmt.Errorf("store unreachable: %w", err)
		}
		return nil
	}
}

// HTTPCheck probes an HTTP endpoint and requires a 2xx response.
func HTTPCheck(url string) CheckFunc {
	client := &http.Client{}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("probe %s: unexpected status %d", url, resp.StatusCode)
		}
		return nil
	}
}

// SystemCheck fails when CPU or memory usage exceeds the given percentage
// thresholds. A zero threshold disables that dimension.
func SystemCheck(cpuThreshold, memThreshold float64) CheckFunc {
	return func(ctx context.Context) error {
		if cpuThreshold > 0 {
			percents, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil {
				return fmt.Errorf("read cpu usage: %w", err)
			}
			if len(percents) > 0 && percents[0] > cpuThreshold {
				return fmt.Errorf("cpu usage %.1f%% above threshold %.1f%%", percents[0], cpuThreshold)
			}
		}
		if memThreshold > 0 {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return fmt.Errorf("read memory usage: %w", err)
			}
			if vm.UsedPercent > memThreshold {
				return fmt.Errorf("memory usage %.1f%% above threshold %.1f%%", vm.UsedPercent, memThreshold)
			}
		}
		return nil
	}
}

// ReadinessFunc reports whether a component is accepting work.
type ReadinessFunc func() (ready bool, detail string)

// ReadinessCheck adapts a component readiness probe into a check.
func ReadinessCheck(fn ReadinessFunc) CheckFunc {
	return func(_ context.Context) error {
		ready, detail := fn()
		if !ready {
			if detail == "" {
				detail = "not ready"
			}
			return fmt.Errorf("%s", detail)
		}
		return nil
	}
}

// StalenessCheck fails when the supplied timestamp falls further than maxAge
// behind now. Used to watch periodic activities that should keep producing.
func StalenessCheck(lastActivity func() time.Time, maxAge time.Duration) CheckFunc {
	return func(_ context.Context) error {
		last := lastActivity()
		if last.IsZero() {
			return nil // never ran yet, not stale
		}
		if age := time.Since(last); age > maxAge {
			return fmt.Errorf("no activity for %s (max %s)", age.Round(time.Second), maxAge)
		}
		return nil
	}
}
