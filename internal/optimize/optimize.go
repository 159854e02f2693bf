// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package optimize implements the analyze-optimize-verify feedback loop.
// Registered optimizers inspect live metrics, apply tuning through
// adapter-provided controls, and verify the effect after a settle delay.
package optimize

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// State is the loop's lifecycle phase.
type State string

// Loop states. Any external trigger while not idle is rejected.
const (
	StateIdle       State = "idle"
	StateAnalyzing  State = "analyzing"
	StateOptimizing State = "optimizing"
	StateVerifying  State = "verifying"
)

// DefaultAutoInterval is the periodic analysis interval in automatic mode.
const DefaultAutoInterval = 5 * time.Minute

// DefaultSettleDelay applies to optimizers that do not declare their own.
const DefaultSettleDelay = 10 * time.Second

// Analysis is one optimizer's assessment of current conditions.
type Analysis struct {
	Optimizable bool               `json:"optimizable"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	Evidence    map[string]any     `json:"evidence,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Optimization is the applied tuning for one optimizer.
type Optimization struct {
	Actions []string       `json:"actions"`
	Details map[string]any `json:"details,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Verification compares metric state before and after an optimization.
type Verification struct {
	Before             map[string]float64 `json:"before"`
	After              map[string]float64 `json:"after"`
	Improvements       map[string]float64 `json:"improvements"`
	OverallImprovement float64            `json:"overall_improvement"`
	Success            bool               `json:"success"`
	Error              string             `json:"error,omitempty"`
}

// Benchmark is a full analysis pass across all applicable optimizers.
type Benchmark struct {
	Timestamp time.Time           `json:"timestamp"`
	Analyses  map[string]Analysis `json:"analyses"`
}

// Record is one completed optimization run kept in history.
type Record struct {
	Timestamp     time.Time                `json:"timestamp"`
	Optimizers    []string                 `json:"optimizers"`
	Optimizations map[string]Optimization  `json:"optimizations"`
	Verifications map[string]*Verification `json:"verifications,omitempty"`
}

// Optimizer analyzes one subsystem and applies tuning.
type Optimizer interface {
	// Name identifies the optimizer for external control.
	Name() string

	// IsApplicable reports whether this optimizer's subsystem is wired.
	IsApplicable(ctx context.Context) bool

	// Analyze assesses current conditions.
	Analyze(ctx context.Context) (Analysis, error)

	// Optimize applies tuning based on a prior analysis.
	Optimize(ctx context.Context, analysis Analysis) (Optimization, error)
}

// Verifier is implemented by optimizers that can confirm their effect.
// SettleDelay is waited between optimization and re-analysis.
type Verifier interface {
	SettleDelay() time.Duration
}

// maxHistory bounds the optimization run history.
const maxHistory = 100

// Loop owns the optimizer registry and drives the state machine.
type Loop struct {
	autoInterval time.Duration

	mu         sync.Mutex
	state      State
	optimizers map[string]Optimizer
	order      []string
	benchmark  *Benchmark
	history    []Record
	automatic  bool
	autoCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewLoop creates an idle optimization loop. autoInterval drives automatic
// mode (DefaultAutoInterval when zero).
func NewLoop(autoInterval time.Duration) *Loop {
	if autoInterval <= 0 {
		autoInterval = DefaultAutoInterval
	}
	return &Loop{
		autoInterval: autoInterval,
		state:        StateIdle,
		optimizers:   make(map[string]Optimizer),
	}
}

// Register adds an optimizer. Re-registering a name replaces it.
func (l *Loop) Register(opt Optimizer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.optimizers[opt.Name()]; !exists {
		l.order = append(l.order, opt.Name())
	}
	l.optimizers[opt.Name()] = opt
}

// Registered returns optimizer names in registration order.
func (l *Loop) Registered() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// State returns the current phase.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Automatic reports whether automatic mode is on.
func (l *Loop) Automatic() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.automatic
}

// History returns completed runs, newest first.
func (l *Loop) History() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.history))
	copy(out, l.history)
	return out
}

// LastBenchmark returns the most recent analysis pass.
func (l *Loop) LastBenchmark() *Benchmark {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.benchmark == nil {
		return nil
	}
	cp := *l.benchmark
	return &cp
}

// Analyze runs every applicable optimizer's analysis and returns the names
// found optimizable. In automatic mode a non-empty result immediately
// proceeds to optimization. Rejected while the loop is not idle.
func (l *Loop) Analyze(ctx context.Context) ([]string, error) {
	if !l.transition(StateIdle, StateAnalyzing) {
		return nil, fmt.Errorf("optimize: loop busy (%s)", l.State())
	}

	benchmark, toRun := l.analyzePass(ctx, nil)

	l.mu.Lock()
	l.benchmark = benchmark
	automatic := l.automatic
	l.mu.Unlock()

	if automatic && len(toRun) > 0 {
		// Internally driven Analyzing -> Optimizing transition.
		l.setState(StateOptimizing)
		l.optimizeAndVerify(ctx, toRun)
		return toRun, nil
	}

	l.setState(StateIdle)
	return toRun, nil
}

// Optimize applies the named optimizers using the most recent benchmark,
// then verifies. Rejected while the loop is not idle or before any analysis.
func (l *Loop) Optimize(ctx context.Context, names []string) (*Record, error) {
	l.mu.Lock()
	if l.benchmark == nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("optimize: no benchmark, run analyze first")
	}
	l.mu.Unlock()

	if !l.transition(StateIdle, StateOptimizing) {
		return nil, fmt.Errorf("optimize: loop busy (%s)", l.State())
	}
	record := l.optimizeAndVerify(ctx, names)
	return record, nil
}

// optimizeAndVerify runs the optimize and verify phases and returns to
// idle. Caller must have moved the state to optimizing.
func (l *Loop) optimizeAndVerify(ctx context.Context, names []string) *Record {
	l.mu.Lock()
	benchmark := l.benchmark
	l.mu.Unlock()

	record := Record{
		Timestamp:     time.Now().UTC(),
		Optimizers:    append([]string(nil), names...),
		Optimizations: make(map[string]Optimization, len(names)),
	}

	optimized := make([]string, 0, len(names))
	for _, name := range names {
		opt := l.optimizer(name)
		if opt == nil {
			record.Optimizations[name] = Optimization{Error: "unknown optimizer"}
			continue
		}
		analysis := benchmark.Analyses[name]
		result, err := opt.Optimize(ctx, analysis)
		if err != nil {
			// Isolated: a failing optimizer never stops its siblings.
			logging.Warn().Err(err).Str("optimizer", name).Msg("Optimization failed")
			result.Error = err.Error()
		} else {
			optimized = append(optimized, name)
		}
		record.Optimizations[name] = result
	}

	l.setState(StateVerifying)
	record.Verifications = l.verify(ctx, benchmark, optimized)

	l.mu.Lock()
	l.history = append([]Record{record}, l.history...)
	if len(l.history) > maxHistory {
		l.history = l.history[:maxHistory]
	}
	l.mu.Unlock()

	l.setState(StateIdle)
	return &record
}

// verify waits each optimizer's settle delay, re-analyzes, and computes
// per-metric and overall improvements.
func (l *Loop) verify(ctx context.Context, benchmark *Benchmark, names []string) map[string]*Verification {
	out := make(map[string]*Verification, len(names))
	for _, name := range names {
		opt := l.optimizer(name)
		if opt == nil {
			continue
		}
		verifier, ok := opt.(Verifier)
		if !ok {
			continue
		}

		delay := verifier.SettleDelay()
		if delay <= 0 {
			delay = DefaultSettleDelay
		}
		select {
		case <-ctx.Done():
			out[name] = &Verification{Error: ctx.Err().Error()}
			continue
		case <-time.After(delay):
		}

		before := benchmark.Analyses[name].Metrics
		after, err := opt.Analyze(ctx)
		if err != nil {
			out[name] = &Verification{Before: before, Error: err.Error()}
			continue
		}
		out[name] = compareMetrics(before, after.Metrics)
	}
	return out
}

// compareMetrics computes relative improvement per metric (positive means
// the value went down) and the unweighted overall mean.
func compareMetrics(before, after map[string]float64) *Verification {
	v := &Verification{
		Before:       before,
		After:        after,
		Improvements: make(map[string]float64),
	}
	var total float64
	var counted int
	for name, b := range before {
		a, ok := after[name]
		if !ok || b == 0 {
			continue
		}
		improvement := (b - a) / b
		v.Improvements[name] = improvement
		total += improvement
		counted++
	}
	if counted > 0 {
		v.OverallImprovement = total / float64(counted)
	}
	v.Success = v.OverallImprovement >= 0
	return v
}

// analyzePass runs Analyze on applicable optimizers (all when names is nil)
// and returns the benchmark plus optimizable names.
func (l *Loop) analyzePass(ctx context.Context, names []string) (*Benchmark, []string) {
	l.mu.Lock()
	if names == nil {
		names = append([]string(nil), l.order...)
	}
	l.mu.Unlock()

	benchmark := &Benchmark{
		Timestamp: time.Now().UTC(),
		Analyses:  make(map[string]Analysis, len(names)),
	}
	var toRun []string
	for _, name := range names {
		opt := l.optimizer(name)
		if opt == nil || !opt.IsApplicable(ctx) {
			continue
		}
		analysis, err := opt.Analyze(ctx)
		if err != nil {
			logging.Warn().Err(err).Str("optimizer", name).Msg("Analysis failed")
			analysis = Analysis{Error: err.Error()}
		}
		benchmark.Analyses[name] = analysis
		if analysis.Optimizable {
			toRun = append(toRun, name)
		}
	}
	return benchmark, toRun
}

// EnableAutomatic turns on automatic mode and starts the periodic analysis
// timer.
func (l *Loop) EnableAutomatic() {
	l.mu.Lock()
	if l.automatic {
		l.mu.Unlock()
		return
	}
	l.automatic = true
	ctx, cancel := context.WithCancel(context.Background())
	l.autoCancel = cancel
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.autoInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.Analyze(ctx); err != nil {
					logging.Debug().Err(err).Msg("Automatic analysis skipped")
				}
			}
		}
	}()
}

// DisableAutomatic turns off automatic mode and stops the timer.
func (l *Loop) DisableAutomatic() {
	l.mu.Lock()
	if !l.automatic {
		l.mu.Unlock()
		return
	}
	l.automatic = false
	cancel := l.autoCancel
	l.autoCancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

// Stop disables automatic mode. In-flight runs finish on their own.
func (l *Loop) Stop() {
	l.DisableAutomatic()
}

func (l *Loop) optimizer(name string) Optimizer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.optimizers[name]
}

// transition atomically moves from one state to another, reporting whether
// the move happened. This is the single-flight guard.
func (l *Loop) transition(from, to State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != from {
		return false
	}
	l.state = to
	return true
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}
