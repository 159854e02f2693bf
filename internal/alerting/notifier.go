// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package alerting

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// Notifier is an alert delivery sink. Notify is best-effort; failures are
// recorded in the alert's delivery log and never block other sinks.
type Notifier interface {
	// Name identifies the sink in delivery records.
	Name() string

	// Notify delivers the alert.
	Notify(ctx context.Context, alert *Alert) error

	// Filter reports whether this sink wants the alert.
	Filter(alert *Alert) bool
}

// LoggerNotifier writes alerts to the structured log, mapping severity to
// log level. It accepts every alert.
type LoggerNotifier struct{}

// NewLoggerNotifier returns the built-in log sink.
func NewLoggerNotifier() *LoggerNotifier {
	return &LoggerNotifier{}
}

func (*LoggerNotifier) Name() string { return "logger" }

func (*LoggerNotifier) Filter(_ *Alert) bool { return true }

func (*LoggerNotifier) Notify(_ context.Context, alert *Alert) error {
	event := logging.Info()
	switch alert.Severity {
	case SeverityWarning:
		event = logging.Warn()
	case SeverityError, SeverityCritical:
		event = logging.Error()
	}
	event.
		Str("alert", alert.Name).
		Str("severity", string(alert.Severity)).
		Strs("labels", alert.Labels).
		Msg(alert.Message)
	return nil
}

// WebhookNotifier posts alerts as JSON to a chat-webhook endpoint. Default
// filter: warning and above.
type WebhookNotifier struct {
	url         string
	minSeverity Severity
	client      *http.Client
}

// NewWebhookNotifier creates a webhook sink posting to url.
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:         url,
		minSeverity: SeverityWarning,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// WithMinSeverity overrides the default severity filter.
func (w *WebhookNotifier) WithMinSeverity(min Severity) *WebhookNotifier {
	w.minSeverity = min
	return w
}

func (*WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) Filter(alert *Alert) bool {
	return alert.Severity.AtLeast(w.minSeverity)
}

func (w *WebhookNotifier) Notify(ctx context.Context, alert *Alert) error {
	payload := map[string]any{
		"id":       alert.ID,
		"name":     alert.Name,
		"message":  alert.Message,
		"severity": alert.Severity,
		"labels":   alert.Labels,
		"time":     alert.CreatedAt.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// EmailSender abstracts the outbound mail transport.
type EmailSender func(ctx context.Context, to []string, subject, body string) error

// EmailNotifier delivers alerts by mail. Default filter: error and above.
type EmailNotifier struct {
	recipients  []string
	minSeverity Severity
	send        EmailSender
}

// NewEmailNotifier creates a mail sink using the given transport.
func NewEmailNotifier(recipients []string, send EmailSender) *EmailNotifier {
	return &EmailNotifier{
		recipients:  recipients,
		minSeverity: SeverityError,
		send:        send,
	}
}

func (*EmailNotifier) Name() string { return "email" }

func (e *EmailNotifier) Filter(alert *Alert) bool {
	return alert.Severity.AtLeast(e.minSeverity)
}

func (e *EmailNotifier) Notify(ctx context.Context, alert *Alert) error {
	subject := fmt.Sprintf("[%s] %s", alert.Severity, alert.Name)
	body := fmt.Sprintf("%s\n\nAlert: %s\nSeverity: %s\nRaised: %s\nLabels: %v\n",
		alert.Message, alert.Name, alert.Severity, alert.CreatedAt.Format(time.RFC3339), alert.Labels)
	if err := e.send(ctx, e.recipients, subject, body); err != nil {
		return fmt.Errorf("send alert mail: %w", err)
	}
	return nil
}
