// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package cache

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// Warmer defaults.
const (
	DefaultWarmConcurrency  = 5
	DefaultStartupTimeout   = 30 * time.Second
	DefaultOnDemandCooldown = 5 * time.Minute
	DefaultAccessWindow     = time.Hour

	thresholdFloor   = 20
	thresholdCeiling = 200
)

// TaskOptions tunes a warm task.
type TaskOptions struct {
	Priority    int           // 1 (highest) .. 10
	TTL         time.Duration // cache TTL for the fetched value
	IsCore      bool
	RetryTimes  int
	RetryDelay  time.Duration
	IsScheduled bool
	CronSpec    string // only "0 */N * * *" is accepted
}

// WarmTask fetches one cache entry's value.
type WarmTask struct {
	Key     string
	Fetcher FetchFunc
	Options TaskOptions
}

// taskState tracks runtime counters for one registered task.
type taskState struct {
	task WarmTask

	mu          sync.Mutex
	successes   int64
	failures    int64
	meanLatency time.Duration
	window      *AccessWindow
	hits        int64
	accesses    int64
	threshold   float64
	lastWarm    time.Time
}

// TaskStatus is an external view of one task's counters.
type TaskStatus struct {
	Key         string        `json:"key"`
	Priority    int           `json:"priority"`
	Successes   int64         `json:"successes"`
	Failures    int64         `json:"failures"`
	MeanLatency time.Duration `json:"mean_latency"`
	Threshold   float64       `json:"threshold"`
	IsScheduled bool          `json:"is_scheduled"`
}

// WarmResult aggregates a startup warm pass.
type WarmResult struct {
	Successful []string `json:"successful"`
	Failed     []string `json:"failed"`
}

// Warmer populates the cache proactively: once at startup, periodically for
// scheduled tasks, and on demand when miss pressure on a key builds up.
type Warmer struct {
	cache       *Service
	concurrency int
	timeout     time.Duration
	cooldown    time.Duration

	mu       sync.Mutex
	tasks    map[string]*taskState
	order    []string
	inFlight bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewWarmer creates a warmer over the cache service. Zero arguments use the
// defaults.
func NewWarmer(cache *Service, concurrency int, timeout, cooldown time.Duration) *Warmer {
	if concurrency <= 0 {
		concurrency = DefaultWarmConcurrency
	}
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	if cooldown <= 0 {
		cooldown = DefaultOnDemandCooldown
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Warmer{
		cache:       cache,
		concurrency: concurrency,
		timeout:     timeout,
		cooldown:    cooldown,
		tasks:       make(map[string]*taskState),
		runCtx:      ctx,
		runCancel:   cancel,
	}
}

// RegisterTask adds a warm task. Re-registering a key replaces the task but
// keeps its counters.
func (w *Warmer) RegisterTask(task WarmTask) error {
	if task.Key == "" {
		return fmt.Errorf("cache: warm task key must not be empty")
	}
	if task.Fetcher == nil {
		return fmt.Errorf("cache: warm task %s has no fetcher", task.Key)
	}
	if task.Options.Priority < 1 || task.Options.Priority > 10 {
		return fmt.Errorf("cache: warm task %s priority %d out of range 1-10", task.Key, task.Options.Priority)
	}
	if task.Options.IsScheduled {
		if _, err := parseCronEveryNHours(task.Options.CronSpec); err != nil {
			return err
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if existing, ok := w.tasks[task.Key]; ok {
		existing.task = task
		return nil
	}
	w.tasks[task.Key] = &taskState{
		task:      task,
		window:    NewAccessWindow(DefaultAccessWindow, 60),
		threshold: initialThreshold(task.Options.Priority),
	}
	w.order = append(w.order, task.Key)
	return nil
}

// initialThreshold derives the on-demand trigger threshold from priority:
// higher-priority tasks warm on less pressure.
func initialThreshold(priority int) float64 {
	t := float64(100 - priority*10)
	if t < thresholdFloor {
		t = thresholdFloor
	}
	return t
}

// cronEveryN matches the only accepted cron form, "0 */N * * *".
var cronEveryN = regexp.MustCompile(`^0 \*/(\d+) \* \* \*$`)

// parseCronEveryNHours interprets "0 */N * * *" as an every-N-hours
// interval.
func parseCronEveryNHours(spec string) (time.Duration, error) {
	m := cronEveryN.FindStringSubmatch(spec)
	if m == nil {
		return 0, fmt.Errorf(`cache: unsupported cron spec %q (want "0 */N * * *")`, spec)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("cache: invalid cron hour interval in %q", spec)
	}
	return time.Duration(n) * time.Hour, nil
}

// WarmStartup runs all registered tasks ordered by priority (1 first) with
// bounded concurrency under an overall wall-clock timeout.
func (w *Warmer) WarmStartup(ctx context.Context) WarmResult {
	w.mu.Lock()
	states := make([]*taskState, 0, len(w.order))
	for _, key := range w.order {
		states = append(states, w.tasks[key])
	}
	w.mu.Unlock()

	sort.SliceStable(states, func(i, j int) bool {
		return states[i].task.Options.Priority < states[j].task.Options.Priority
	})

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var result WarmResult
	var resultMu sync.Mutex

	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(w.concurrency)
	for _, state := range states {
		state := state
		g.Go(func() error {
			ok := w.executeTask(gctx, state)
			resultMu.Lock()
			if ok {
				result.Successful = append(result.Successful, state.task.Key)
			} else {
				result.Failed = append(result.Failed, state.task.Key)
			}
			resultMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	logging.Info().
		Int("successful", len(result.Successful)).
		Int("failed", len(result.Failed)).
		Msg("Startup cache warm finished")
	return result
}

// StartScheduled launches a timer per scheduled task. Ticks re-run the task
// with its configured retries; a tick is skipped while another warm of the
// same task is in flight.
func (w *Warmer) StartScheduled() {
	w.mu.Lock()
	states := make([]*taskState, 0, len(w.order))
	for _, key := range w.order {
		if st := w.tasks[key]; st.task.Options.IsScheduled {
			states = append(states, st)
		}
	}
	w.mu.Unlock()

	for _, state := range states {
		interval, err := parseCronEveryNHours(state.task.Options.CronSpec)
		if err != nil {
			logging.Warn().Err(err).Str("key", state.task.Key).Msg("Scheduled warm skipped")
			continue
		}
		w.wg.Add(1)
		go w.scheduledLoop(state, interval)
	}
}

func (w *Warmer) scheduledLoop(state *taskState, interval time.Duration) {
	defer w.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.runCtx.Done():
			return
		case <-ticker.C:
			if !w.beginWarm() {
				continue
			}
			w.executeWithRetries(w.runCtx, state)
			w.endWarm()
		}
	}
}

// beginWarm takes the global in-flight guard.
func (w *Warmer) beginWarm() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight {
		return false
	}
	w.inFlight = true
	return true
}

func (w *Warmer) endWarm() {
	w.mu.Lock()
	w.inFlight = false
	w.mu.Unlock()
}

// executeWithRetries runs the task with exponential retry delays.
func (w *Warmer) executeWithRetries(ctx context.Context, state *taskState) bool {
	retries := state.task.Options.RetryTimes
	delay := state.task.Options.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}
	for attempt := 0; ; attempt++ {
		if w.executeTask(ctx, state) {
			return true
		}
		if attempt >= retries {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay * time.Duration(1<<attempt)):
		}
	}
}

// executeTask runs one fetch-and-store pass and updates the task counters.
func (w *Warmer) executeTask(ctx context.Context, state *taskState) bool {
	start := time.Now()
	value, err := state.task.Fetcher(ctx)
	elapsed := time.Since(start)

	success := err == nil
	if success && value != nil {
		if setErr := w.cache.Set(ctx, state.task.Key, value, state.task.Options.TTL); setErr != nil {
			logging.Warn().Err(setErr).Str("key", state.task.Key).Msg("Warm value store failed")
			success = false
		}
	} else if err != nil {
		logging.Warn().Err(err).Str("key", state.task.Key).Msg("Warm fetch failed")
	}

	state.mu.Lock()
	if success {
		state.successes++
	} else {
		state.failures++
	}
	// Rolling mean over all runs.
	runs := state.successes + state.failures
	state.meanLatency += (elapsed - state.meanLatency) / time.Duration(runs)
	state.mu.Unlock()
	return success
}

// RecordAccess feeds the on-demand trigger: every access lands in the
// task's sliding window; a miss under sufficient recent pressure (and past
// the cooldown) kicks off an async warm.
func (w *Warmer) RecordAccess(key string, isHit bool) {
	w.mu.Lock()
	state, ok := w.tasks[key]
	w.mu.Unlock()
	if !ok {
		return
	}

	state.window.Increment()
	state.mu.Lock()
	state.accesses++
	if isHit {
		state.hits++
		state.mu.Unlock()
		return
	}
	recent := state.window.Count()
	due := float64(recent) >= state.threshold && time.Since(state.lastWarm) >= w.cooldown
	if due {
		state.lastWarm = time.Now()
	}
	state.mu.Unlock()

	if !due {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ok := w.executeTask(w.runCtx, state)
		state.mu.Lock()
		if ok {
			state.threshold *= 0.9
			if state.threshold < thresholdFloor {
				state.threshold = thresholdFloor
			}
		} else {
			state.threshold *= 1.2
			if state.threshold > thresholdCeiling {
				state.threshold = thresholdCeiling
			}
		}
		state.mu.Unlock()
	}()
}

// Statuses returns per-task counters in registration order.
func (w *Warmer) Statuses() []TaskStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]TaskStatus, 0, len(w.order))
	for _, key := range w.order {
		state := w.tasks[key]
		state.mu.Lock()
		out = append(out, TaskStatus{
			Key:         key,
			Priority:    state.task.Options.Priority,
			Successes:   state.successes,
			Failures:    state.failures,
			MeanLatency: state.meanLatency,
			Threshold:   state.threshold,
			IsScheduled: state.task.Options.IsScheduled,
		})
		state.mu.Unlock()
	}
	return out
}

// Stop cancels scheduled and in-flight warms and waits for them.
func (w *Warmer) Stop() {
	w.runCancel()
	w.wg.Wait()
}
