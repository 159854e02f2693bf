// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// DefaultMaxHistory bounds the alert history ring.
const DefaultMaxHistory = 1000

// ResolveConditionCleared is the resolve message used when a rule's
// condition stops holding.
const ResolveConditionCleared = "Condition no longer met"

// ConditionResult is a rule evaluation outcome. Message and Data, when set,
// override the rule's static message and annotate the raised alert.
type ConditionResult struct {
	Triggered bool
	Message   string
	Data      map[string]any
}

// Condition evaluates a rule. Errors are logged and treated as not
// triggered.
type Condition func(ctx context.Context) (ConditionResult, error)

// Rule is a periodic alert rule.
type Rule struct {
	Name             string
	Condition        Condition
	Message          string
	Severity         Severity
	Labels           []string
	CheckInterval    time.Duration
	AutoResolveAfter time.Duration
	Enabled          bool
}

// ruleState tracks the running timer and overlap guard for one rule.
type ruleState struct {
	rule    Rule
	cancel  context.CancelFunc
	ticking sync.Mutex // overlap guard: a tick in flight blocks the next
}

// Engine owns the active alert set, history ring, silences, and rule
// timers. All state transitions for a given alert name are serialized under
// the engine mutex.
type Engine struct {
	maxHistory int

	mu        sync.Mutex
	active    map[string]*Alert // keyed by alert name
	history   []*Alert          // newest first, bounded by maxHistory
	silences  map[string]*Silence
	rules     map[string]*ruleState
	notifiers []Notifier
	started   bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewEngine creates an alert engine. maxHistory bounds the history ring
// (DefaultMaxHistory when zero or negative).
func NewEngine(maxHistory int) *Engine {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		maxHistory: maxHistory,
		active:     make(map[string]*Alert),
		silences:   make(map[string]*Silence),
		rules:      make(map[string]*ruleState),
		runCtx:     ctx,
		runCancel:  cancel,
	}
}

// AddNotifier appends a delivery sink. Order is preserved for fan-out.
func (e *Engine) AddNotifier(n Notifier) {
	e.mu.Lock()
	e.notifiers = append(e.notifiers, n)
	e.mu.Unlock()
}

// AddRule registers a rule and, if the engine is started and the rule
// enabled, begins its timer. Replaces any prior rule with the same name.
func (e *Engine) AddRule(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("alerting: rule name must not be empty")
	}
	if rule.Condition == nil {
		return fmt.Errorf("alerting: rule %q has no condition", rule.Name)
	}
	if rule.CheckInterval <= 0 {
		return fmt.Errorf("alerting: rule %q has no check interval", rule.Name)
	}
	if !rule.Severity.Valid() {
		return fmt.Errorf("alerting: rule %q has invalid severity %q", rule.Name, rule.Severity)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prev, ok := e.rules[rule.Name]; ok && prev.cancel != nil {
		prev.cancel()
	}
	state := &ruleState{rule: rule}
	e.rules[rule.Name] = state
	if e.started && rule.Enabled {
		e.startRuleLocked(state)
	}
	return nil
}

// RemoveRule stops and forgets a rule. The rule's active alert, if any,
// stays until resolved.
func (e *Engine) RemoveRule(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.rules[name]; ok {
		if state.cancel != nil {
			state.cancel()
		}
		delete(e.rules, name)
	}
}

// Start begins all enabled rule timers.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	for _, state := range e.rules {
		if state.rule.Enabled {
			e.startRuleLocked(state)
		}
	}
}

// Stop cancels all timers and waits for in-flight ticks.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.started = false
	e.runCancel()
	e.mu.Unlock()
	e.wg.Wait()
}

// startRuleLocked launches the rule's evaluation loop. Caller holds e.mu.
func (e *Engine) startRuleLocked(state *ruleState) {
	ctx, cancel := context.WithCancel(e.runCtx)
	state.cancel = cancel
	e.wg.Add(1)
	go e.ruleLoop(ctx, state)
}

func (e *Engine) ruleLoop(ctx context.Context, state *ruleState) {
	defer e.wg.Done()
	ticker := time.NewTicker(state.rule.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Skip the tick rather than queue behind a slow evaluation.
			if !state.ticking.TryLock() {
				continue
			}
			e.evaluateRule(ctx, state.rule)
			state.ticking.Unlock()
		}
	}
}

// evaluateRule runs one tick of a rule: raise on newly-truthy, keep on
// still-truthy, resolve on falsey-with-active.
func (e *Engine) evaluateRule(ctx context.Context, rule Rule) {
	result, err := rule.Condition(ctx)
	if err != nil {
		logging.Warn().Err(err).Str("rule", rule.Name).Msg("Alert rule condition failed, treated as not triggered")
		result = ConditionResult{}
	}

	if result.Triggered {
		message := rule.Message
		if result.Message != "" {
			message = result.Message
		}
		e.Raise(ctx, rule.Name, message, rule.Severity, rule.Labels, result.Data, rule.AutoResolveAfter)
		return
	}
	if _, active := e.Active(rule.Name); active {
		_ = e.Resolve(rule.Name, ResolveConditionCleared)
	}
}

// Raise creates and fans out an alert unless one is already active under
// name or a silence matches. Returns the alert, or nil when suppressed.
func (e *Engine) Raise(ctx context.Context, name, message string, severity Severity, labels []string, data map[string]any, autoResolveAfter time.Duration) *Alert {
	now := time.Now().UTC()

	e.mu.Lock()
	if _, exists := e.active[name]; exists {
		e.mu.Unlock()
		return nil
	}
	if silence := e.matchingSilenceLocked(name, labels, now); silence != nil {
		e.mu.Unlock()
		logging.Debug().Str("alert", name).Str("silence", silence.ID).Msg("Alert raise suppressed by silence")
		return nil
	}

	alert := &Alert{
		ID:          newAlertID(name, now),
		Name:        name,
		Message:     message,
		Severity:    severity,
		Labels:      append([]string(nil), labels...),
		Status:      StatusActive,
		CreatedAt:   now,
		LastUpdated: now,
		Data:        data,
	}
	e.active[name] = alert
	e.pushHistoryLocked(alert)
	notifiers := append([]Notifier(nil), e.notifiers...)
	e.mu.Unlock()

	e.fanOut(ctx, alert, notifiers)

	if autoResolveAfter > 0 {
		e.scheduleAutoResolve(alert.ID, name, autoResolveAfter)
	}
	return alert
}

// fanOut delivers to each passing notifier and records the attempts.
func (e *Engine) fanOut(ctx context.Context, alert *Alert, notifiers []Notifier) {
	for _, n := range notifiers {
		if !n.Filter(alert) {
			continue
		}
		record := DeliveryRecord{Notifier: n.Name(), Time: time.Now().UTC(), Success: true}
		if err := n.Notify(ctx, alert); err != nil {
			record.Success = false
			record.Error = err.Error()
			logging.Warn().Err(err).Str("alert", alert.Name).Str("notifier", n.Name()).Msg("Notifier delivery failed")
		}
		e.mu.Lock()
		alert.Deliveries = append(alert.Deliveries, record)
		e.syncHistoryLocked(alert)
		e.mu.Unlock()
	}
}

func (e *Engine) scheduleAutoResolve(id, name string, after time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-e.runCtx.Done():
		case <-time.After(after):
			e.mu.Lock()
			current, ok := e.active[name]
			stillSame := ok && current.ID == id
			e.mu.Unlock()
			if stillSame {
				_ = e.Resolve(name, "Auto-resolved after timeout")
			}
		}
	}()
}

// Resolve transitions the named active alert to resolved, removes it from
// the active set, and updates its history entry.
func (e *Engine) Resolve(name, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, ok := e.active[name]
	if !ok {
		return fmt.Errorf("alerting: no active alert %q", name)
	}
	now := time.Now().UTC()
	alert.Status = StatusResolved
	alert.ResolvedAt = &now
	alert.LastUpdated = now
	if message != "" {
		alert.ResolveMessage = message
	}
	delete(e.active, name)
	e.syncHistoryLocked(alert)
	logging.Info().Str("alert", name).Str("message", message).Msg("Alert resolved")
	return nil
}

// Acknowledge marks the named active alert acknowledged while keeping it in
// the active set.
func (e *Engine) Acknowledge(name, by, message string) error {
	if by == "" {
		return fmt.Errorf("alerting: acknowledgedBy must not be empty")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, ok := e.active[name]
	if !ok {
		return fmt.Errorf("alerting: no active alert %q", name)
	}
	now := time.Now().UTC()
	alert.Status = StatusAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = by
	alert.LastUpdated = now
	if message != "" {
		alert.Message = message
	}
	e.syncHistoryLocked(alert)
	return nil
}

// Silence stores a suppression and silences any currently matching active
// alert. duration <= 0 creates a permanent silence. Returns the silence id.
func (e *Engine) Silence(name string, labels []string, duration time.Duration, by, reason string) (string, error) {
	if by == "" {
		return "", fmt.Errorf("alerting: silencedBy must not be empty")
	}
	now := time.Now().UTC()
	silence := &Silence{
		ID:         uuid.NewString(),
		Name:       name,
		Labels:     append([]string(nil), labels...),
		CreatedAt:  now,
		SilencedBy: by,
		Reason:     reason,
	}
	if duration > 0 {
		silence.ExpireAt = now.Add(duration)
	}

	e.mu.Lock()
	e.silences[silence.ID] = silence
	for _, alert := range e.active {
		if silence.matches(alert.Name, alert.Labels) {
			alert.Status = StatusSilenced
			alert.SilencedBy = silence.ID
			alert.LastUpdated = now
			e.syncHistoryLocked(alert)
		}
	}
	e.mu.Unlock()

	if duration > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			select {
			case <-e.runCtx.Done():
			case <-time.After(duration):
				_ = e.Unsilence(silence.ID)
			}
		}()
	}
	return silence.ID, nil
}

// Unsilence removes a silence and restores any alert it had silenced back
// to active.
func (e *Engine) Unsilence(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.silences[id]; !ok {
		return fmt.Errorf("alerting: no silence %q", id)
	}
	delete(e.silences, id)
	now := time.Now().UTC()
	for _, alert := range e.active {
		if alert.SilencedBy == id {
			alert.Status = StatusActive
			alert.SilencedBy = ""
			alert.LastUpdated = now
			e.syncHistoryLocked(alert)
		}
	}
	return nil
}

// Silences returns all unexpired silences, pruning lapsed ones.
func (e *Engine) Silences() []*Silence {
	now := time.Now().UTC()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Silence, 0, len(e.silences))
	for id, s := range e.silences {
		if s.expired(now) {
			delete(e.silences, id)
			continue
		}
		cp := *s
		out = append(out, &cp)
	}
	return out
}

// Active returns a copy of the named active alert.
func (e *Engine) Active(name string) (*Alert, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	alert, ok := e.active[name]
	if !ok {
		return nil, false
	}
	return alert.clone(), true
}

// ActiveAlerts returns copies of all active alerts.
func (e *Engine) ActiveAlerts() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Alert, 0, len(e.active))
	for _, alert := range e.active {
		out = append(out, alert.clone())
	}
	return out
}

// HistoryFilter narrows History results. Zero values match everything.
type HistoryFilter struct {
	Limit     int
	Severity  Severity
	Status    Status
	StartTime time.Time
	EndTime   time.Time
}

// History returns history entries, newest first, applying the filter.
func (e *Engine) History(filter HistoryFilter) []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Alert, 0, len(e.history))
	for _, alert := range e.history {
		if filter.Severity != "" && alert.Severity != filter.Severity {
			continue
		}
		if filter.Status != "" && alert.Status != filter.Status {
			continue
		}
		if !filter.StartTime.IsZero() && alert.CreatedAt.Before(filter.StartTime) {
			continue
		}
		if !filter.EndTime.IsZero() && alert.CreatedAt.After(filter.EndTime) {
			continue
		}
		out = append(out, alert.clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// matchingSilenceLocked returns a live silence covering (name, labels),
// pruning expired entries on the way. Caller holds e.mu.
func (e *Engine) matchingSilenceLocked(name string, labels []string, now time.Time) *Silence {
	for id, s := range e.silences {
		if s.expired(now) {
			delete(e.silences, id)
			continue
		}
		if s.matches(name, labels) {
			return s
		}
	}
	return nil
}

// pushHistoryLocked prepends a deep copy to the bounded history ring.
// Caller holds e.mu.
func (e *Engine) pushHistoryLocked(alert *Alert) {
	e.history = append([]*Alert{alert.clone()}, e.history...)
	if len(e.history) > e.maxHistory {
		e.history = e.history[:e.maxHistory]
	}
}

// syncHistoryLocked refreshes the history entry matching the alert's id.
// Caller holds e.mu.
func (e *Engine) syncHistoryLocked(alert *Alert) {
	for i, entry := range e.history {
		if entry.ID == alert.ID {
			e.history[i] = alert.clone()
			return
		}
	}
}
