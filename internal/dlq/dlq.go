// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package dlq implements the dead-letter queue: terminal failures are
// parked with their error and context, retried manually or in filtered
// batches under a bounded retry budget, and swept after a TTL.
package dlq

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
	"github.com/yebeike/RealtimeDataPlatform/internal/queue"
)

// DLQ defaults.
const (
	DefaultQueueName       = "dead-letter-queue"
	DefaultMaxRetries      = 3
	DefaultRetryInterval   = time.Minute
	DefaultTTL             = 7 * 24 * time.Hour
	DefaultCleanupInterval = 24 * time.Hour

	idPrefix = "dlq:"
)

// RecordError captures what failed.
type RecordError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// RecordContext captures where and when it failed.
type RecordContext struct {
	FailedAt      time.Time `json:"failed_at"`
	OriginalQueue string    `json:"original_queue"`
	Attempts      int       `json:"attempts"`
}

// RecordMeta tracks the retry budget.
type RecordMeta struct {
	AddedAt     time.Time `json:"added_at"`
	RetryCount  int       `json:"retry_count"`
	LastRetryAt time.Time `json:"last_retry_at,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
}

// Record wraps a failed message with its error, context, and retry
// metadata.
type Record struct {
	OriginalMessage json.RawMessage `json:"original_message"`
	OriginalID      string          `json:"original_id"`
	Error           RecordError     `json:"error"`
	Context         RecordContext   `json:"context"`
	Meta            RecordMeta      `json:"meta"`
}

// BatchFilters narrows RetryBatch. Zero values match everything.
type BatchFilters struct {
	MinAge     time.Duration `json:"min_age"`
	MaxRetries int           `json:"max_retries"`
	QueueName  string        `json:"queue_name"`
}

// BatchResult summarizes a RetryBatch run.
type BatchResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Config tunes the DLQ.
type Config struct {
	QueueName       string
	MaxRetries      int
	RetryInterval   time.Duration
	TTL             time.Duration
	CleanupInterval time.Duration
	TestMode        bool // disables the background sweeper
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueName:       DefaultQueueName,
		MaxRetries:      DefaultMaxRetries,
		RetryInterval:   DefaultRetryInterval,
		TTL:             DefaultTTL,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// DLQ parks terminally failed messages in a dedicated queue.
type DLQ struct {
	cfg     Config
	manager *queue.Manager
	queue   *queue.Queue

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates the DLQ over the queue manager and starts the sweeper unless
// test mode disables it.
func New(manager *queue.Manager, cfg Config) (*DLQ, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = DefaultQueueName
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	q, err := manager.QueueWithOptions(cfg.QueueName, queue.JobOptions{
		Attempts:         1,
		Backoff:          time.Second,
		RemoveOnComplete: false,
	})
	if err != nil {
		return nil, fmt.Errorf("create dlq queue: %w", err)
	}

	d := &DLQ{
		cfg:     cfg,
		manager: manager,
		queue:   q,
		stop:    make(chan struct{}),
	}
	if !cfg.TestMode {
		d.wg.Add(1)
		go d.sweeper()
	}
	return d, nil
}

// recordID derives the DLQ job id for an original message id.
func recordID(originalID string) string {
	return idPrefix + originalID
}

// AddFailedMessage parks a failed job. The record id is derived from the
// original message id, so re-adding the same message overwrites nothing and
// returns an error.
func (d *DLQ) AddFailedMessage(ctx context.Context, originalID, originalQueue string, payload json.RawMessage, failure error, attempts int) (*Record, error) {
	if originalID == "" {
		return nil, fmt.Errorf("dlq: original message id must not be empty")
	}
	if failure == nil {
		return nil, fmt.Errorf("dlq: failure error must not be nil")
	}
	now := time.Now().UTC()
	record := &Record{
		OriginalMessage: payload,
		OriginalID:      originalID,
		Error:           RecordError{Message: failure.Error()},
		Context: RecordContext{
			FailedAt:      now,
			OriginalQueue: originalQueue,
			Attempts:      attempts,
		},
		Meta: RecordMeta{AddedAt: now},
	}
	if _, err := d.queue.AddWithID(ctx, recordID(originalID), record, &queue.JobOptions{
		Attempts:         1,
		RemoveOnComplete: false,
	}); err != nil {
		return nil, fmt.Errorf("park message %s: %w", originalID, err)
	}
	logging.Info().
		Str("message", originalID).
		Str("queue", originalQueue).
		Str("error", record.Error.Message).
		Msg("Message parked in dead-letter queue")
	return record, nil
}

// HookQueue wires a queue's terminal failures into the DLQ.
func (d *DLQ) HookQueue(q *queue.Queue) {
	q.OnFailed(func(ctx context.Context, job *queue.Job, err error) {
		if _, addErr := d.AddFailedMessage(ctx, job.ID, job.Queue, job.Data, err, job.AttemptsMade); addErr != nil {
			logging.Error().Err(addErr).Str("job", job.ID).Msg("Dead-letter parking failed")
		}
	})
}

// Record loads the DLQ record for an original message id.
func (d *DLQ) Record(ctx context.Context, originalID string) (*Record, bool, error) {
	job, ok, err := d.queue.GetJob(ctx, recordID(originalID))
	if err != nil || !ok {
		return nil, false, err
	}
	record, err := decodeRecord(job)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// decodeRecord parses a DLQ job, filling defaults for missing meta and
// context blocks so hand-written records stay retryable.
func decodeRecord(job *queue.Job) (*Record, error) {
	var record Record
	if err := json.Unmarshal(job.Data, &record); err != nil {
		return nil, fmt.Errorf("decode dlq record %s: %w", job.ID, err)
	}
	if record.OriginalID == "" {
		record.OriginalID = strings.TrimPrefix(job.ID, idPrefix)
	}
	if record.Meta.AddedAt.IsZero() {
		record.Meta.AddedAt = job.CreatedAt
	}
	if record.Context.FailedAt.IsZero() {
		record.Context.FailedAt = job.CreatedAt
	}
	return &record, nil
}

// RetryMessage re-enqueues the original message onto its original queue.
// Returns false without re-enqueueing once the retry budget is spent.
func (d *DLQ) RetryMessage(ctx context.Context, originalID string) (bool, error) {
	job, ok, err := d.queue.GetJob(ctx, recordID(originalID))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("dlq: no record for message %s", originalID)
	}
	record, err := decodeRecord(job)
	if err != nil {
		return false, err
	}

	if record.Meta.RetryCount >= d.cfg.MaxRetries {
		logging.Warn().
			Str("message", originalID).
			Int("retries", record.Meta.RetryCount).
			Msg("Dead-letter retry budget exhausted")
		return false, nil
	}
	if record.Context.OriginalQueue == "" {
		return false, fmt.Errorf("dlq: record %s has no original queue", originalID)
	}

	target, err := d.manager.Queue(record.Context.OriginalQueue)
	if err != nil {
		return false, fmt.Errorf("open queue %s: %w", record.Context.OriginalQueue, err)
	}

	now := time.Now().UTC()
	record.Meta.RetryCount++
	record.Meta.LastRetryAt = now
	record.Meta.NextRetryAt = now.Add(d.cfg.RetryInterval * time.Duration(1<<record.Meta.RetryCount))

	retryID := fmt.Sprintf("%s-retry-%d", record.OriginalID, record.Meta.RetryCount)
	var data any
	if err := json.Unmarshal(record.OriginalMessage, &data); err != nil {
		data = string(record.OriginalMessage)
	}
	if _, err := target.AddWithID(ctx, retryID, data, &queue.JobOptions{Attempts: 1, RemoveOnComplete: true}); err != nil {
		return false, fmt.Errorf("re-enqueue message %s: %w", originalID, err)
	}

	if err := d.updateRecord(ctx, job, record); err != nil {
		return false, err
	}
	return true, nil
}

// updateRecord rewrites the DLQ job's payload in place.
func (d *DLQ) updateRecord(ctx context.Context, job *queue.Job, record *Record) error {
	if err := d.queue.Remove(ctx, job.ID); err != nil {
		return err
	}
	if _, err := d.queue.AddWithID(ctx, job.ID, record, &queue.JobOptions{
		Attempts:         1,
		RemoveOnComplete: false,
	}); err != nil {
		return fmt.Errorf("update dlq record %s: %w", job.ID, err)
	}
	return nil
}

// RetryBatch retries every parked record passing the filters and counts
// the outcomes. Records excluded by a filter are skipped, not failed.
func (d *DLQ) RetryBatch(ctx context.Context, filters BatchFilters) (BatchResult, error) {
	jobs, err := d.queue.Jobs(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	now := time.Now().UTC()
	for _, job := range jobs {
		if !strings.HasPrefix(job.ID, idPrefix) {
			continue
		}
		result.Total++

		record, err := decodeRecord(job)
		if err != nil {
			logging.Warn().Err(err).Str("job", job.ID).Msg("Corrupt dead-letter record skipped")
			result.Skipped++
			continue
		}
		if filters.MinAge > 0 && now.Sub(record.Meta.AddedAt) < filters.MinAge {
			result.Skipped++
			continue
		}
		if filters.MaxRetries > 0 && record.Meta.RetryCount >= filters.MaxRetries {
			result.Skipped++
			continue
		}
		if filters.QueueName != "" && record.Context.OriginalQueue != filters.QueueName {
			result.Skipped++
			continue
		}

		ok, err := d.RetryMessage(ctx, record.OriginalID)
		switch {
		case err != nil:
			logging.Warn().Err(err).Str("message", record.OriginalID).Msg("Batch retry failed")
			result.Failed++
		case ok:
			result.Succeeded++
		default:
			result.Skipped++
		}
	}
	return result, nil
}

// Records returns all parked records, oldest first.
func (d *DLQ) Records(ctx context.Context) ([]*Record, error) {
	jobs, err := d.queue.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(jobs))
	for _, job := range jobs {
		if !strings.HasPrefix(job.ID, idPrefix) {
			continue
		}
		record, err := decodeRecord(job)
		if err != nil {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

// Stats summarises the parked records.
type Stats struct {
	Total     int            `json:"total"`
	ByQueue   map[string]int `json:"byQueue"`
	Exhausted int            `json:"exhausted"`
	Oldest    *time.Time     `json:"oldest,omitempty"`
}

// Stats aggregates the current records: totals per original queue, how many
// have spent their retry budget, and the oldest arrival time.
func (d *DLQ) Stats(ctx context.Context) (Stats, error) {
	records, err := d.Records(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByQueue: make(map[string]int)}
	for _, record := range records {
		stats.Total++
		stats.ByQueue[record.Context.OriginalQueue]++
		if record.Meta.RetryCount >= d.cfg.MaxRetries {
			stats.Exhausted++
		}
		if stats.Oldest == nil || record.Meta.AddedAt.Before(*stats.Oldest) {
			added := record.Meta.AddedAt
			stats.Oldest = &added
		}
	}
	return stats, nil
}

// Remove drops the record for an original message id.
func (d *DLQ) Remove(ctx context.Context, originalID string) error {
	return d.queue.Remove(ctx, recordID(originalID))
}

// Cleanup removes records older than the TTL, returning how many were
// dropped. The sweeper calls this periodically; it is also callable
// directly from the admin surface.
func (d *DLQ) Cleanup(ctx context.Context) (int, error) {
	jobs, err := d.queue.Jobs(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-d.cfg.TTL)
	var removed int
	for _, job := range jobs {
		if !strings.HasPrefix(job.ID, idPrefix) {
			continue
		}
		record, err := decodeRecord(job)
		if err != nil {
			continue
		}
		if record.Meta.AddedAt.Before(cutoff) {
			if err := d.queue.Remove(ctx, job.ID); err != nil {
				logging.Warn().Err(err).Str("job", job.ID).Msg("Dead-letter cleanup removal failed")
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		logging.Info().Int("removed", removed).Msg("Dead-letter records expired")
	}
	return removed, nil
}

func (d *DLQ) sweeper() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			if _, err := d.Cleanup(context.Background()); err != nil {
				logging.Warn().Err(err).Msg("Dead-letter sweep failed")
			}
		}
	}
}

// Close stops the sweeper.
func (d *DLQ) Close() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	d.wg.Wait()
}
