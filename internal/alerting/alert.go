// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package alerting implements alert rule evaluation, active-alert lifecycle
// (raise, acknowledge, silence, resolve), bounded history, and best-effort
// fan-out to registered notifier sinks.
package alerting

import (
	"fmt"
	"time"
)

// Severity orders alerts from informational to critical.
type Severity string

// Alert severities.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// rank returns the ordering weight for severity filters.
func (s Severity) rank() int {
	switch s {
	case SeverityInfo:
		return 0
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.rank() >= 0
}

// Status is the alert lifecycle state.
type Status string

// Alert statuses.
const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusSilenced     Status = "silenced"
	StatusResolved     Status = "resolved"
)

// DeliveryRecord is one notifier attempt for an alert.
type DeliveryRecord struct {
	Notifier string    `json:"notifier"`
	Time     time.Time `json:"time"`
	Success  bool      `json:"success"`
	Error    string    `json:"error,omitempty"`
}

// Alert is a raised condition. ID is unique per raise; Name identifies the
// condition and is unique within the active set.
type Alert struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Message        string           `json:"message"`
	Severity       Severity         `json:"severity"`
	Labels         []string         `json:"labels,omitempty"`
	Status         Status           `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	LastUpdated    time.Time        `json:"last_updated"`
	AcknowledgedAt *time.Time       `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string           `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
	ResolveMessage string           `json:"resolve_message,omitempty"`
	SilencedBy     string           `json:"silenced_by,omitempty"`
	Data           map[string]any   `json:"data,omitempty"`
	Deliveries     []DeliveryRecord `json:"deliveries,omitempty"`
}

// clone returns a deep copy so history entries never alias live alerts.
func (a *Alert) clone() *Alert {
	cp := *a
	cp.Labels = append([]string(nil), a.Labels...)
	cp.Deliveries = append([]DeliveryRecord(nil), a.Deliveries...)
	if a.Data != nil {
		cp.Data = make(map[string]any, len(a.Data))
		for k, v := range a.Data {
			cp.Data[k] = v
		}
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		cp.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// newAlertID derives the unique alert id from name and raise time.
func newAlertID(name string, at time.Time) string {
	return fmt.Sprintf("%s-%d", name, at.UnixNano())
}

// Silence suppresses raises matching its name (or wildcard) and labels.
type Silence struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"` // "*" matches any alert name
	Labels     []string  `json:"labels,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpireAt   time.Time `json:"expire_at"` // zero = permanent
	SilencedBy string    `json:"silenced_by"`
	Reason     string    `json:"reason,omitempty"`
}

// Wildcard matches any alert name in a silence.
const Wildcard = "*"

// expired reports whether the silence has lapsed.
func (s *Silence) expired(now time.Time) bool {
	return !s.ExpireAt.IsZero() && now.After(s.ExpireAt)
}

// matches reports whether the silence covers an alert with the given name
// and labels: the name matches exactly (or the silence is wildcard) and
// every silence label appears among the alert labels.
func (s *Silence) matches(name string, labels []string) bool {
	if s.Name != Wildcard && s.Name != name {
		return false
	}
	for _, want := range s.Labels {
		found := false
		for _, have := range labels {
			if want == have {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
