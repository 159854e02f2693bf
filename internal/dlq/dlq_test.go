// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yebeike/RealtimeDataPlatform/internal/queue"
	"github.com/yebeike/RealtimeDataPlatform/internal/store"
)

func newTestDLQ(t *testing.T) (*DLQ, *queue.Manager) {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	manager := queue.NewManager(mem, nil, queue.DefaultJobOptions())
	t.Cleanup(manager.CloseAll)

	cfg := DefaultConfig()
	cfg.TestMode = true
	d, err := New(manager, cfg)
	require.NoError(t, err)
	t.Cleanup(d.Close)
	return d, manager
}

func park(t *testing.T, d *DLQ, id, queueName string) *Record {
	t.Helper()
	record, err := d.AddFailedMessage(context.Background(), id, queueName,
		json.RawMessage(`{"n":1}`), errors.New("handler rejected"), 3)
	require.NoError(t, err)
	return record
}

func TestAddFailedMessageStoresRecord(t *testing.T) {
	d, _ := newTestDLQ(t)
	ctx := context.Background()

	park(t, d, "m1", "orders")

	record, ok, err := d.Record(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m1", record.OriginalID)
	assert.Equal(t, "orders", record.Context.OriginalQueue)
	assert.Equal(t, 3, record.Context.Attempts)
	assert.Equal(t, "handler rejected", record.Error.Message)
	assert.Zero(t, record.Meta.RetryCount)
	assert.False(t, record.Meta.AddedAt.IsZero())
}

func TestAddFailedMessageValidation(t *testing.T) {
	d, _ := newTestDLQ(t)
	ctx := context.Background()

	_, err := d.AddFailedMessage(ctx, "", "orders", nil, errors.New("x"), 1)
	assert.Error(t, err)
	_, err = d.AddFailedMessage(ctx, "m1", "orders", nil, nil, 1)
	assert.Error(t, err)
}

func TestHookQueueParksTerminalFailures(t *testing.T) {
	d, manager := newTestDLQ(t)
	ctx := context.Background()

	orders, err := manager.Queue("orders")
	require.NoError(t, err)
	d.HookQueue(orders)

	require.NoError(t, orders.SetProcessor(func(_ context.Context, _ *queue.Job) error {
		return errors.New("always fails")
	}, 1))

	job, err := orders.Add(ctx, "doomed", &queue.JobOptions{Attempts: 1, RemoveOnComplete: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok, err := d.Record(ctx, job.ID)
		return err == nil && ok
	}, 3*time.Second, 10*time.Millisecond)

	record, _, err := d.Record(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "orders", record.Context.OriginalQueue)
	assert.Contains(t, record.Error.Message, "always fails")
}

func TestRetryMessageReEnqueues(t *testing.T) {
	d, manager := newTestDLQ(t)
	ctx := context.Background()

	park(t, d, "m1", "orders")

	before := time.Now().UTC()
	ok, err := d.RetryMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	orders, err := manager.Queue("orders")
	require.NoError(t, err)
	job, found, err := orders.GetJob(ctx, "m1-retry-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1, job.MaxAttempts)
	assert.JSONEq(t, `{"n":1}`, string(job.Data))

	record, _, err := d.Record(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, record.Meta.RetryCount)
	assert.False(t, record.Meta.LastRetryAt.Before(before))
	// Backoff doubles per retry: first interval is retryInterval*2.
	assert.True(t, record.Meta.NextRetryAt.After(record.Meta.LastRetryAt))
}

func TestRetryMessageUnknownID(t *testing.T) {
	d, _ := newTestDLQ(t)
	_, err := d.RetryMessage(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRetryBudgetExhausted(t *testing.T) {
	d, manager := newTestDLQ(t)
	ctx := context.Background()

	park(t, d, "m1", "orders")

	for i := 1; i <= 3; i++ {
		ok, err := d.RetryMessage(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, ok, "retry %d should run", i)
	}

	// The fourth attempt is refused and nothing new is enqueued.
	ok, err := d.RetryMessage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, ok)

	orders, err := manager.Queue("orders")
	require.NoError(t, err)
	_, found, err := orders.GetJob(ctx, "m1-retry-4")
	require.NoError(t, err)
	assert.False(t, found)

	record, _, err := d.Record(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 3, record.Meta.RetryCount)
}

func TestRetryBatchFilters(t *testing.T) {
	d, _ := newTestDLQ(t)
	ctx := context.Background()

	park(t, d, "a", "orders")
	park(t, d, "b", "orders")
	park(t, d, "c", "emails")

	// Queue filter: only the orders records retry.
	result, err := d.RetryBatch(ctx, BatchFilters{QueueName: "orders"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Failed)

	// MaxRetries filter: the two retried records are now at count 1.
	result, err = d.RetryBatch(ctx, BatchFilters{MaxRetries: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 2, result.Skipped)
}

func TestRetryBatchMinAge(t *testing.T) {
	d, _ := newTestDLQ(t)
	ctx := context.Background()

	park(t, d, "fresh", "orders")

	result, err := d.RetryBatch(ctx, BatchFilters{MinAge: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	assert.Zero(t, result.Succeeded)
	assert.Equal(t, 1, result.Skipped)
}

func TestRecordsAndRemove(t *testing.T) {
	d, _ := newTestDLQ(t)
	ctx := context.Background()

	park(t, d, "a", "orders")
	park(t, d, "b", "orders")

	records, err := d.Records(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	require.NoError(t, d.Remove(ctx, "a"))
	records, err = d.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].OriginalID)
}

func TestCleanupExpiresOldRecords(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	manager := queue.NewManager(mem, nil, queue.DefaultJobOptions())
	t.Cleanup(manager.CloseAll)

	cfg := DefaultConfig()
	cfg.TestMode = true
	cfg.TTL = time.Hour
	d, err := New(manager, cfg)
	require.NoError(t, err)
	t.Cleanup(d.Close)

	ctx := context.Background()
	park(t, d, "old", "orders")
	park(t, d, "new", "orders")

	// Age the first record past the TTL by rewriting its meta.
	record, _, err := d.Record(ctx, "old")
	require.NoError(t, err)
	record.Meta.AddedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, d.Remove(ctx, "old"))
	dlqQueue, err := manager.Queue(cfg.QueueName)
	require.NoError(t, err)
	_, err = dlqQueue.AddWithID(ctx, "dlq:old", record, &queue.JobOptions{Attempts: 1, RemoveOnComplete: false})
	require.NoError(t, err)

	removed, err := d.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, ok, err := d.Record(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = d.Record(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStatsAggregatesRecords(t *testing.T) {
	d, _ := newTestDLQ(t)
	ctx := context.Background()

	park(t, d, "m1", "orders")
	park(t, d, "m2", "orders")
	park(t, d, "m3", "emails")

	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByQueue["orders"])
	assert.Equal(t, 1, stats.ByQueue["emails"])
	assert.Zero(t, stats.Exhausted)
	require.NotNil(t, stats.Oldest)
	assert.WithinDuration(t, time.Now().UTC(), *stats.Oldest, time.Minute)
}
