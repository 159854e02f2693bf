// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
	"github.com/yebeike/RealtimeDataPlatform/internal/store"
)

// JobStatus is a job's lifecycle state.
type JobStatus string

// Job statuses.
const (
	StatusWaiting   JobStatus = "waiting"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusDelayed   JobStatus = "delayed"
)

// JobOptions tunes a job's retry behavior.
type JobOptions struct {
	Attempts         int           `json:"attempts"`           // max attempts
	Backoff          time.Duration `json:"backoff"`            // exponential base
	RemoveOnComplete bool          `json:"remove_on_complete"` // drop instead of keeping completed
	Delay            time.Duration `json:"delay"`              // initial delay before first run
}

// DefaultJobOptions returns the standard retry profile.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:         3,
		Backoff:          time.Second,
		RemoveOnComplete: true,
	}
}

// Job is one persisted unit of queue work.
type Job struct {
	ID               string          `json:"id"`
	Queue            string          `json:"queue"`
	Data             json.RawMessage `json:"data"`
	Status           JobStatus       `json:"status"`
	AttemptsMade     int             `json:"attempts_made"`
	MaxAttempts      int             `json:"max_attempts"`
	Backoff          time.Duration   `json:"backoff"`
	RemoveOnComplete bool            `json:"remove_on_complete"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	NextRunAt        time.Time       `json:"next_run_at"`
	LastError        string          `json:"last_error,omitempty"`
}

// ProcessFunc handles one job.
type ProcessFunc func(ctx context.Context, job *Job) error

// FailedFunc observes a job's terminal failure (for dead-letter routing).
type FailedFunc func(ctx context.Context, job *Job, err error)

// StatusCounts summarizes a queue's population.
type StatusCounts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
}

// Backlog is the work not yet finished.
func (c StatusCounts) Backlog() int {
	return c.Waiting + c.Active + c.Delayed
}

// pollInterval is the worker's claim scan period.
const pollInterval = 100 * time.Millisecond

// stalledAfter resets active jobs whose holder died back to waiting.
const stalledAfter = time.Minute

// Queue is a named, store-backed job queue with an optional worker pool.
type Queue struct {
	name     string
	store    store.Store
	bus      *Bus
	defaults JobOptions

	mu        sync.Mutex
	paused    bool
	process   ProcessFunc
	onFailed  FailedFunc
	completed int
	failed    int

	workerCtx    context.Context
	workerCancel context.CancelFunc
	wg           sync.WaitGroup
	closeOnce    sync.Once
}

// New creates a queue. defaults fills unset per-job options; bus may be nil.
func New(name string, s store.Store, bus *Bus, defaults JobOptions) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue: name must not be empty")
	}
	if defaults.Attempts <= 0 {
		defaults.Attempts = DefaultJobOptions().Attempts
	}
	if defaults.Backoff <= 0 {
		defaults.Backoff = DefaultJobOptions().Backoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:         name,
		store:        s,
		bus:          bus,
		defaults:     defaults,
		workerCtx:    ctx,
		workerCancel: cancel,
	}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// jobKey builds the store key for a job id.
func (q *Queue) jobKey(id string) string {
	return fmt.Sprintf("queue:%s:%s", q.name, id)
}

func (q *Queue) keyPrefix() string {
	return fmt.Sprintf("queue:%s:", q.name)
}

// Add enqueues one job. opts may be nil to use the queue defaults; a
// non-positive Attempts or Backoff falls back to the defaults too.
func (q *Queue) Add(ctx context.Context, data any, opts *JobOptions) (*Job, error) {
	return q.AddWithID(ctx, uuid.NewString(), data, opts)
}

// AddWithID enqueues one job under a caller-chosen id. Fails if the id is
// already present.
func (q *Queue) AddWithID(ctx context.Context, id string, data any, opts *JobOptions) (*Job, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode job data: %w", err)
	}

	merged := q.defaults
	if opts != nil {
		if opts.Attempts > 0 {
			merged.Attempts = opts.Attempts
		}
		if opts.Backoff > 0 {
			merged.Backoff = opts.Backoff
		}
		merged.RemoveOnComplete = opts.RemoveOnComplete
		merged.Delay = opts.Delay
	}

	now := time.Now().UTC()
	job := &Job{
		ID:               id,
		Queue:            q.name,
		Data:             raw,
		Status:           StatusWaiting,
		MaxAttempts:      merged.Attempts,
		Backoff:          merged.Backoff,
		RemoveOnComplete: merged.RemoveOnComplete,
		CreatedAt:        now,
		UpdatedAt:        now,
		NextRunAt:        now,
	}
	if merged.Delay > 0 {
		job.Status = StatusDelayed
		job.NextRunAt = now.Add(merged.Delay)
	}

	encoded, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}
	ok, err := q.store.SetNX(ctx, q.jobKey(id), encoded, store.NoTTL)
	if err != nil {
		return nil, fmt.Errorf("store job %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("queue %s: job %s already exists", q.name, id)
	}

	q.emit(EventWaiting, job.ID, "")
	return job, nil
}

// AddBulk enqueues jobs in order, stopping at the first error.
func (q *Queue) AddBulk(ctx context.Context, datas []any, opts *JobOptions) ([]*Job, error) {
	jobs := make([]*Job, 0, len(datas))
	for _, data := range datas {
		job, err := q.Add(ctx, data, opts)
		if err != nil {
			return jobs, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetJob loads a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, bool, error) {
	raw, ok, err := q.store.Get(ctx, q.jobKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("load job %s: %w", id, err)
	}
	if !ok {
		return nil, false, nil
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, false, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, true, nil
}

// Remove deletes a job by id.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.store.Delete(ctx, q.jobKey(id)); err != nil {
		return fmt.Errorf("remove job %s: %w", id, err)
	}
	return nil
}

// SetProcessor installs the handler and starts the worker pool. Calling it
// twice is an error.
func (q *Queue) SetProcessor(fn ProcessFunc, concurrency int) error {
	if fn == nil {
		return fmt.Errorf("queue %s: nil processor", q.name)
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.process != nil {
		return fmt.Errorf("queue %s: processor already set", q.name)
	}
	q.process = fn
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return nil
}

// OnFailed registers a callback for terminal job failures.
func (q *Queue) OnFailed(fn FailedFunc) {
	q.mu.Lock()
	q.onFailed = fn
	q.mu.Unlock()
}

// Pause stops workers from claiming new jobs; in-flight jobs finish.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lets workers claim again.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Status counts jobs by lifecycle state.
func (q *Queue) Status(ctx context.Context) (StatusCounts, error) {
	jobs, err := q.Jobs(ctx)
	if err != nil {
		return StatusCounts{}, err
	}
	var counts StatusCounts
	for _, job := range jobs {
		switch job.Status {
		case StatusWaiting:
			counts.Waiting++
		case StatusActive:
			counts.Active++
		case StatusCompleted:
			counts.Completed++
		case StatusFailed:
			counts.Failed++
		case StatusDelayed:
			counts.Delayed++
		}
	}
	return counts, nil
}

// Jobs loads every stored job, oldest first.
func (q *Queue) Jobs(ctx context.Context) ([]*Job, error) {
	keys, err := q.store.Keys(ctx, q.keyPrefix())
	if err != nil {
		return nil, fmt.Errorf("scan queue %s: %w", q.name, err)
	}
	raws, err := q.store.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("load queue %s jobs: %w", q.name, err)
	}
	jobs := make([]*Job, 0, len(raws))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		var job Job
		if err := json.Unmarshal(raw, &job); err != nil {
			logging.Warn().Err(err).Str("key", keys[i]).Msg("Corrupt job record skipped")
			continue
		}
		jobs = append(jobs, &job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

// Clear removes every job in the queue.
func (q *Queue) Clear(ctx context.Context) error {
	keys, err := q.store.Keys(ctx, q.keyPrefix())
	if err != nil {
		return fmt.Errorf("scan queue %s: %w", q.name, err)
	}
	for _, key := range keys {
		if err := q.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("clear queue %s: %w", q.name, err)
		}
	}
	return nil
}

// Close stops the worker pool. Stored jobs survive for the next start.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.workerCancel()
		q.wg.Wait()
	})
}

func (q *Queue) worker() {
	defer q.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.workerCtx.Done():
			return
		case <-ticker.C:
			for q.runNext() {
				select {
				case <-q.workerCtx.Done():
					return
				default:
				}
			}
		}
	}
}

// runNext claims and processes one due job, reporting whether it did work.
func (q *Queue) runNext() bool {
	job, ok := q.claim()
	if !ok {
		return false
	}

	err := q.invokeProcessor(job)
	if err == nil {
		q.finishSuccess(job)
	} else {
		q.finishFailure(job, err)
	}
	return true
}

// claim picks the oldest due job and transitions it to active. The claim
// scan is serialized per queue instance; the manager guarantees one
// instance per name.
func (q *Queue) claim() (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || q.process == nil {
		return nil, false
	}

	ctx := q.workerCtx
	jobs, err := q.Jobs(ctx)
	if err != nil {
		logging.Warn().Err(err).Str("queue", q.name).Msg("Job scan failed")
		return nil, false
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		switch job.Status {
		case StatusWaiting:
		case StatusDelayed:
			if job.NextRunAt.After(now) {
				continue
			}
		case StatusActive:
			// A holder that died leaves the job active; reset it.
			if now.Sub(job.UpdatedAt) > stalledAfter {
				job.Status = StatusWaiting
				job.UpdatedAt = now
				if err := q.persist(ctx, job); err == nil {
					q.emit(EventStalled, job.ID, "")
				}
			}
			continue
		default:
			continue
		}

		job.Status = StatusActive
		job.UpdatedAt = now
		if err := q.persist(ctx, job); err != nil {
			logging.Warn().Err(err).Str("job", job.ID).Msg("Job claim failed")
			return nil, false
		}
		q.emit(EventActive, job.ID, "")
		return job, true
	}
	return nil, false
}

func (q *Queue) invokeProcessor(job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panicked: %v", rec)
		}
	}()
	q.mu.Lock()
	process := q.process
	q.mu.Unlock()
	return process(q.workerCtx, job)
}

func (q *Queue) finishSuccess(job *Job) {
	ctx := q.workerCtx
	now := time.Now().UTC()
	job.AttemptsMade++
	job.UpdatedAt = now

	if job.RemoveOnComplete {
		if err := q.store.Delete(ctx, q.jobKey(job.ID)); err != nil {
			logging.Warn().Err(err).Str("job", job.ID).Msg("Completed job removal failed")
		}
	} else {
		job.Status = StatusCompleted
		if err := q.persist(ctx, job); err != nil {
			logging.Warn().Err(err).Str("job", job.ID).Msg("Completed job persist failed")
		}
	}

	q.mu.Lock()
	q.completed++
	q.mu.Unlock()
	q.emit(EventCompleted, job.ID, "")
}

func (q *Queue) finishFailure(job *Job, procErr error) {
	ctx := q.workerCtx
	now := time.Now().UTC()
	job.AttemptsMade++
	job.UpdatedAt = now
	job.LastError = procErr.Error()

	if job.AttemptsMade < job.MaxAttempts {
		job.Status = StatusDelayed
		job.NextRunAt = now.Add(backoffDelay(job.Backoff, job.AttemptsMade))
		if err := q.persist(ctx, job); err != nil {
			logging.Warn().Err(err).Str("job", job.ID).Msg("Retry scheduling failed")
		}
		return
	}

	job.Status = StatusFailed
	if err := q.persist(ctx, job); err != nil {
		logging.Warn().Err(err).Str("job", job.ID).Msg("Failed job persist failed")
	}

	q.mu.Lock()
	q.failed++
	onFailed := q.onFailed
	q.mu.Unlock()

	q.emit(EventFailed, job.ID, procErr.Error())
	if onFailed != nil {
		onFailed(ctx, job, procErr)
	}
}

func (q *Queue) persist(ctx context.Context, job *Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := q.store.Set(ctx, q.jobKey(job.ID), encoded, store.NoTTL); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) emit(t EventType, jobID, errMsg string) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(Event{Type: t, Queue: q.name, JobID: jobID, Time: time.Now().UTC(), Error: errMsg})
}
