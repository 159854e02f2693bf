// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/yebeike/RealtimeDataPlatform/internal/health"
)

// Comparison selects how a metric rule compares the sampled value to its
// threshold.
type Comparison string

// Metric rule comparisons.
const (
	CmpGreater        Comparison = ">"
	CmpLess           Comparison = "<"
	CmpGreaterOrEqual Comparison = ">="
	CmpLessOrEqual    Comparison = "<="
	CmpEqual          Comparison = "=="
	CmpNotEqual       Comparison = "!="
)

// compare applies the comparison.
func (c Comparison) compare(value, threshold float64) (bool, error) {
	switch c {
	case CmpGreater:
		return value > threshold, nil
	case CmpLess:
		return value < threshold, nil
	case CmpGreaterOrEqual:
		return value >= threshold, nil
	case CmpLessOrEqual:
		return value <= threshold, nil
	case CmpEqual:
		return value == threshold, nil
	case CmpNotEqual:
		return value != threshold, nil
	default:
		return false, fmt.Errorf("alerting: unknown comparison %q", c)
	}
}

// MetricFunc samples the value a metric rule compares against its
// threshold.
type MetricFunc func(ctx context.Context) (float64, error)

// AddMetricRule registers a threshold rule over a sampled metric value.
func (e *Engine) AddMetricRule(name string, metric MetricFunc, cmp Comparison, threshold float64, severity Severity, message string, checkInterval time.Duration) error {
	if _, err := cmp.compare(0, 0); err != nil {
		return err
	}
	condition := func(ctx context.Context) (ConditionResult, error) {
		value, err := metric(ctx)
		if err != nil {
			return ConditionResult{}, fmt.Errorf("sample metric for rule %s: %w", name, err)
		}
		triggered, err := cmp.compare(value, threshold)
		if err != nil {
			return ConditionResult{}, err
		}
		return ConditionResult{
			Triggered: triggered,
			Data: map[string]any{
				"value":      value,
				"threshold":  threshold,
				"comparison": string(cmp),
			},
		}, nil
	}
	return e.AddRule(Rule{
		Name:          name,
		Condition:     condition,
		Message:       message,
		Severity:      severity,
		CheckInterval: checkInterval,
		Enabled:       true,
	})
}

// systemHealthAlert is the composite alert raised while the aggregate
// health status is not healthy.
const systemHealthAlert = "system_health"

// AddHealthCheckRule subscribes to the health runner: each failing check
// raises health_check_<name> (critical checks at critical severity, others
// at warning), resolving once the check recovers. A composite system_health
// alert tracks the aggregate status.
func (e *Engine) AddHealthCheckRule(runner *health.Runner) {
	runner.OnReport(func(report health.Report) {
		ctx := context.Background()
		for _, result := range report.Checks {
			alertName := "health_check_" + result.Name
			if result.Status == health.StatusUnhealthy {
				severity := SeverityWarning
				if result.Critical {
					severity = SeverityCritical
				}
				message := fmt.Sprintf("Health check %s failed: %s", result.Name, result.Message)
				e.Raise(ctx, alertName, message, severity, []string{"health", result.Name}, nil, 0)
			} else if _, active := e.Active(alertName); active {
				_ = e.Resolve(alertName, ResolveConditionCleared)
			}
		}

		switch report.Status {
		case health.StatusDegraded, health.StatusUnhealthy:
			severity := SeverityWarning
			if report.Status == health.StatusUnhealthy {
				severity = SeverityCritical
			}
			message := fmt.Sprintf("Overall system health is %s", report.Status)
			e.Raise(ctx, systemHealthAlert, message, severity, []string{"health", "system"}, nil, 0)
		case health.StatusHealthy:
			if _, active := e.Active(systemHealthAlert); active {
				_ = e.Resolve(systemHealthAlert, ResolveConditionCleared)
			}
		}
	})
}
