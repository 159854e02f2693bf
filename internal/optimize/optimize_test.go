// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package optimize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOptimizer is a scriptable optimizer for loop tests.
type fakeOptimizer struct {
	name        string
	applicable  bool
	optimizable bool
	analyzeErr  error
	optimizeErr error
	settle      time.Duration

	mu        sync.Mutex
	analyzed  int
	optimized int
	metrics   map[string]float64
}

func (f *fakeOptimizer) Name() string                        { return f.name }
func (f *fakeOptimizer) IsApplicable(_ context.Context) bool { return f.applicable }
func (f *fakeOptimizer) SettleDelay() time.Duration          { return f.settle }

func (f *fakeOptimizer) Analyze(_ context.Context) (Analysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzed++
	if f.analyzeErr != nil {
		return Analysis{}, f.analyzeErr
	}
	return Analysis{Optimizable: f.optimizable, Metrics: f.metrics}, nil
}

func (f *fakeOptimizer) Optimize(_ context.Context, _ Analysis) (Optimization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.optimized++
	if f.optimizeErr != nil {
		return Optimization{}, f.optimizeErr
	}
	return Optimization{Actions: []string{"tuned"}}, nil
}

func (f *fakeOptimizer) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.analyzed, f.optimized
}

func TestAnalyzeCollectsOptimizableNames(t *testing.T) {
	l := NewLoop(time.Hour)
	l.Register(&fakeOptimizer{name: "a", applicable: true, optimizable: true, settle: time.Millisecond})
	l.Register(&fakeOptimizer{name: "b", applicable: true, optimizable: false, settle: time.Millisecond})
	l.Register(&fakeOptimizer{name: "c", applicable: false, optimizable: true, settle: time.Millisecond})

	toRun, err := l.Analyze(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, toRun)
	assert.Equal(t, StateIdle, l.State())

	bench := l.LastBenchmark()
	require.NotNil(t, bench)
	assert.Contains(t, bench.Analyses, "a")
	assert.Contains(t, bench.Analyses, "b")
	assert.NotContains(t, bench.Analyses, "c")
}

func TestAnalyzeErrorIsolated(t *testing.T) {
	l := NewLoop(time.Hour)
	l.Register(&fakeOptimizer{name: "broken", applicable: true, analyzeErr: errors.New("stats down"), settle: time.Millisecond})
	l.Register(&fakeOptimizer{name: "fine", applicable: true, optimizable: true, settle: time.Millisecond})

	toRun, err := l.Analyze(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"fine"}, toRun)

	bench := l.LastBenchmark()
	assert.Contains(t, bench.Analyses["broken"].Error, "stats down")
}

func TestOptimizeRequiresBenchmark(t *testing.T) {
	l := NewLoop(time.Hour)
	_, err := l.Optimize(context.Background(), []string{"a"})
	assert.Error(t, err)
}

func TestOptimizeRunsAndVerifies(t *testing.T) {
	l := NewLoop(time.Hour)
	opt := &fakeOptimizer{
		name: "a", applicable: true, optimizable: true,
		settle:  time.Millisecond,
		metrics: map[string]float64{"latency": 100},
	}
	l.Register(opt)

	_, err := l.Analyze(context.Background())
	require.NoError(t, err)

	record, err := l.Optimize(context.Background(), []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, l.State())
	assert.Equal(t, []string{"tuned"}, record.Optimizations["a"].Actions)
	require.Contains(t, record.Verifications, "a")
	assert.True(t, record.Verifications["a"].Success)

	analyzed, optimized := opt.counts()
	assert.Equal(t, 2, analyzed) // initial analysis + verification pass
	assert.Equal(t, 1, optimized)

	history := l.History()
	require.Len(t, history, 1)
	assert.Equal(t, record.Timestamp, history[0].Timestamp)
}

func TestOptimizerFailureIsolated(t *testing.T) {
	l := NewLoop(time.Hour)
	l.Register(&fakeOptimizer{name: "broken", applicable: true, optimizable: true, optimizeErr: errors.New("boom"), settle: time.Millisecond})
	l.Register(&fakeOptimizer{name: "fine", applicable: true, optimizable: true, settle: time.Millisecond})

	_, err := l.Analyze(context.Background())
	require.NoError(t, err)

	record, err := l.Optimize(context.Background(), []string{"broken", "fine"})
	require.NoError(t, err)
	assert.Contains(t, record.Optimizations["broken"].Error, "boom")
	assert.Equal(t, []string{"tuned"}, record.Optimizations["fine"].Actions)
	// Failed optimizers are not verified.
	assert.NotContains(t, record.Verifications, "broken")
	assert.Contains(t, record.Verifications, "fine")
}

func TestSingleFlight(t *testing.T) {
	l := NewLoop(time.Hour)
	block := make(chan struct{})
	slow := &slowOptimizer{release: block}
	l.Register(slow)

	done := make(chan struct{})
	go func() {
		_, _ = l.Analyze(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return l.State() == StateAnalyzing }, time.Second, time.Millisecond)

	_, err := l.Analyze(context.Background())
	assert.Error(t, err)
	_, err = l.Optimize(context.Background(), []string{"slow"})
	assert.Error(t, err)

	close(block)
	<-done
	assert.Equal(t, StateIdle, l.State())
}

// slowOptimizer blocks analysis until released.
type slowOptimizer struct {
	release chan struct{}
}

func (*slowOptimizer) Name() string                        { return "slow" }
func (*slowOptimizer) IsApplicable(_ context.Context) bool { return true }

func (s *slowOptimizer) Analyze(_ context.Context) (Analysis, error) {
	<-s.release
	return Analysis{}, nil
}

func (*slowOptimizer) Optimize(_ context.Context, _ Analysis) (Optimization, error) {
	return Optimization{}, nil
}

func TestAutomaticModeProceedsFromAnalyze(t *testing.T) {
	l := NewLoop(time.Hour)
	opt := &fakeOptimizer{name: "a", applicable: true, optimizable: true, settle: time.Millisecond}
	l.Register(opt)

	l.EnableAutomatic()
	defer l.DisableAutomatic()
	require.True(t, l.Automatic())

	toRun, err := l.Analyze(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, toRun)

	// Automatic mode optimizes immediately after analysis.
	_, optimized := opt.counts()
	assert.Equal(t, 1, optimized)
	assert.Len(t, l.History(), 1)
}

func TestCompareMetrics(t *testing.T) {
	v := compareMetrics(
		map[string]float64{"latency": 100, "errors": 10},
		map[string]float64{"latency": 50, "errors": 10},
	)
	assert.InDelta(t, 0.5, v.Improvements["latency"], 1e-9)
	assert.InDelta(t, 0.0, v.Improvements["errors"], 1e-9)
	assert.InDelta(t, 0.25, v.OverallImprovement, 1e-9)
	assert.True(t, v.Success)

	worse := compareMetrics(
		map[string]float64{"latency": 50},
		map[string]float64{"latency": 100},
	)
	assert.False(t, worse.Success)
}

// fakePool is an in-memory PoolControl.
type fakePool struct {
	mu    sync.Mutex
	stats PoolStats
}

func (f *fakePool) Stats(_ context.Context) (PoolStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakePool) Resize(_ context.Context, max int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Max = max
	return nil
}

func TestPoolOptimizerGrowsSaturatedPool(t *testing.T) {
	pool := &fakePool{stats: PoolStats{Active: 9, Max: 10, AvgWaitMs: 80}}
	opt := NewPoolOptimizer(pool, time.Millisecond)

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)
	assert.True(t, analysis.Optimizable)

	result, err := opt.Optimize(context.Background(), analysis)
	require.NoError(t, err)
	require.NotEmpty(t, result.Actions)

	stats, _ := pool.Stats(context.Background())
	assert.Equal(t, 15, stats.Max)
}

func TestPoolOptimizerIdlePoolNoOp(t *testing.T) {
	pool := &fakePool{stats: PoolStats{Active: 2, Max: 10, AvgWaitMs: 1}}
	opt := NewPoolOptimizer(pool, time.Millisecond)

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)
	assert.False(t, analysis.Optimizable)
}

// fakeQueueControl is an in-memory QueueControl.
type fakeQueueControl struct {
	mu    sync.Mutex
	stats QueueStats
}

func (f *fakeQueueControl) Stats(_ context.Context) (QueueStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeQueueControl) SetConcurrency(_ context.Context, workers int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats.Workers = workers
	return nil
}

func TestQueueOptimizerScalesBacklog(t *testing.T) {
	qc := &fakeQueueControl{stats: QueueStats{Backlog: 5000, Workers: 4}}
	opt := NewQueueOptimizer(qc, time.Millisecond)

	analysis, err := opt.Analyze(context.Background())
	require.NoError(t, err)
	assert.True(t, analysis.Optimizable)

	_, err = opt.Optimize(context.Background(), analysis)
	require.NoError(t, err)

	stats, _ := qc.Stats(context.Background())
	assert.Equal(t, 8, stats.Workers)
}
