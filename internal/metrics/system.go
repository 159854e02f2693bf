// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// System metric names, registered under the registry prefix.
const (
	MetricCPUUsage       = "system_cpu_usage_percent"
	MetricMemTotal       = "system_memory_total_bytes"
	MetricMemFree        = "system_memory_free_bytes"
	MetricMemUsedPercent = "system_memory_used_percent"
	MetricLoad1          = "system_load1"
	MetricGoroutines     = "system_goroutines"
	MetricHeapAlloc      = "system_heap_alloc_bytes"
	MetricUptime         = "system_uptime_seconds"
)

// DefaultSystemInterval is the sampling period for system metrics.
const DefaultSystemInterval = 10 * time.Second

// SystemCollector periodically samples host and runtime state into gauges.
type SystemCollector struct {
	registry *Registry
	interval time.Duration
	started  time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewSystemCollector registers the system gauges and returns a collector
// sampling at the given interval (DefaultSystemInterval when zero).
func NewSystemCollector(registry *Registry, interval time.Duration) *SystemCollector {
	if interval <= 0 {
		interval = DefaultSystemInterval
	}
	registry.MustRegister(MetricCPUUsage, KindGauge, "CPU usage percentage across all cores")
	registry.MustRegister(MetricMemTotal, KindGauge, "Total physical memory in bytes")
	registry.MustRegister(MetricMemFree, KindGauge, "Available physical memory in bytes")
	registry.MustRegister(MetricMemUsedPercent, KindGauge, "Physical memory usage percentage")
	registry.MustRegister(MetricLoad1, KindGauge, "One-minute load average")
	registry.MustRegister(MetricGoroutines, KindGauge, "Number of running goroutines")
	registry.MustRegister(MetricHeapAlloc, KindGauge, "Heap bytes allocated and in use")
	registry.MustRegister(MetricUptime, KindGauge, "Process uptime in seconds")
	return &SystemCollector{
		registry: registry,
		interval: interval,
		started:  time.Now(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins sampling in a background goroutine. Safe to call once.
func (s *SystemCollector) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

func (s *SystemCollector) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

// Stop halts sampling and waits for the loop to exit.
func (s *SystemCollector) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

// sample takes one reading. Individual probe failures are logged and skipped
// so one flaky source never blanks the rest.
func (s *SystemCollector) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		logging.Warn().Err(err).Msg("System collector: cpu sample failed")
	} else if len(percents) > 0 {
		s.registry.Set(MetricCPUUsage, percents[0], nil)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		logging.Warn().Err(err).Msg("System collector: memory sample failed")
	} else {
		s.registry.Set(MetricMemTotal, float64(vm.Total), nil)
		s.registry.Set(MetricMemFree, float64(vm.Available), nil)
		s.registry.Set(MetricMemUsedPercent, vm.UsedPercent, nil)
	}

	if avg, err := load.AvgWithContext(ctx); err != nil {
		logging.Warn().Err(err).Msg("System collector: load sample failed")
	} else {
		s.registry.Set(MetricLoad1, avg.Load1, nil)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s.registry.Set(MetricGoroutines, float64(runtime.NumGoroutine()), nil)
	s.registry.Set(MetricHeapAlloc, float64(ms.HeapAlloc), nil)
	s.registry.Set(MetricUptime, time.Since(s.started).Seconds(), nil)
}
