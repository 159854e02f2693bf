// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yebeike/RealtimeDataPlatform/internal/store"
)

func newTestQueue(t *testing.T, name string) *Queue {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	q, err := New(name, mem, nil, DefaultJobOptions())
	require.NoError(t, err)
	t.Cleanup(q.Close)
	return q
}

func TestAddAndGetJob(t *testing.T) {
	q := newTestQueue(t, "orders")
	ctx := context.Background()

	job, err := q.Add(ctx, map[string]any{"order": 42}, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.True(t, job.RemoveOnComplete)

	loaded, ok, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.ID, loaded.ID)
	assert.JSONEq(t, `{"order":42}`, string(loaded.Data))
}

func TestAddWithIDRejectsDuplicate(t *testing.T) {
	q := newTestQueue(t, "orders")
	ctx := context.Background()

	_, err := q.AddWithID(ctx, "fixed", "a", nil)
	require.NoError(t, err)
	_, err = q.AddWithID(ctx, "fixed", "b", nil)
	assert.Error(t, err)
}

func TestAddDelayedJob(t *testing.T) {
	q := newTestQueue(t, "orders")

	job, err := q.Add(context.Background(), "later", &JobOptions{Delay: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, StatusDelayed, job.Status)
	assert.True(t, job.NextRunAt.After(time.Now().Add(30*time.Minute)))
}

func TestRemoveJob(t *testing.T) {
	q := newTestQueue(t, "orders")
	ctx := context.Background()

	job, err := q.Add(ctx, "x", nil)
	require.NoError(t, err)
	require.NoError(t, q.Remove(ctx, job.ID))

	_, ok, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatusCounts(t *testing.T) {
	q := newTestQueue(t, "orders")
	ctx := context.Background()

	_, err := q.Add(ctx, "a", nil)
	require.NoError(t, err)
	_, err = q.Add(ctx, "b", &JobOptions{Delay: time.Hour})
	require.NoError(t, err)

	counts, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Waiting)
	assert.Equal(t, 1, counts.Delayed)
	assert.Equal(t, 2, counts.Backlog())
}

func TestProcessorCompletesAndRemoves(t *testing.T) {
	q := newTestQueue(t, "orders")
	ctx := context.Background()

	var processed atomic.Int32
	require.NoError(t, q.SetProcessor(func(_ context.Context, job *Job) error {
		processed.Add(1)
		return nil
	}, 1))

	job, err := q.Add(ctx, "work", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return processed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Default remove-on-complete drops the record.
	require.Eventually(t, func() bool {
		_, ok, err := q.GetJob(ctx, job.ID)
		return err == nil && !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessorKeepsCompletedWhenConfigured(t *testing.T) {
	q := newTestQueue(t, "orders")
	ctx := context.Background()

	require.NoError(t, q.SetProcessor(func(_ context.Context, _ *Job) error { return nil }, 1))

	job, err := q.Add(ctx, "work", &JobOptions{RemoveOnComplete: false})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		loaded, ok, err := q.GetJob(ctx, job.ID)
		return err == nil && ok && loaded.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessorRetriesThenFails(t *testing.T) {
	q := newTestQueue(t, "orders")
	ctx := context.Background()

	var calls atomic.Int32
	require.NoError(t, q.SetProcessor(func(_ context.Context, _ *Job) error {
		calls.Add(1)
		return errors.New("handler rejected")
	}, 1))

	var failedMu sync.Mutex
	var failedJob *Job
	q.OnFailed(func(_ context.Context, job *Job, _ error) {
		failedMu.Lock()
		failedJob = job
		failedMu.Unlock()
	})

	job, err := q.Add(ctx, "doomed", &JobOptions{Attempts: 2, Backoff: 10 * time.Millisecond, RemoveOnComplete: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		loaded, ok, err := q.GetJob(ctx, job.ID)
		return err == nil && ok && loaded.Status == StatusFailed
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), calls.Load())

	failedMu.Lock()
	defer failedMu.Unlock()
	require.NotNil(t, failedJob)
	assert.Equal(t, job.ID, failedJob.ID)
	assert.Contains(t, failedJob.LastError, "handler rejected")
}

func TestPauseAndResume(t *testing.T) {
	q := newTestQueue(t, "orders")
	ctx := context.Background()

	var processed atomic.Int32
	require.NoError(t, q.SetProcessor(func(_ context.Context, _ *Job) error {
		processed.Add(1)
		return nil
	}, 1))

	q.Pause()
	assert.True(t, q.Paused())

	_, err := q.Add(ctx, "held", nil)
	require.NoError(t, err)

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, processed.Load())

	q.Resume()
	require.Eventually(t, func() bool { return processed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClear(t *testing.T) {
	q := newTestQueue(t, "orders")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Add(ctx, i, nil)
		require.NoError(t, err)
	}
	require.NoError(t, q.Clear(ctx))

	counts, err := q.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Backlog())
}

func TestQueueEmitsLifecycleEvents(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx, "orders")
	require.NoError(t, err)

	q, err := New("orders", mem, bus, DefaultJobOptions())
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.SetProcessor(func(_ context.Context, _ *Job) error { return nil }, 1))

	_, err = q.Add(ctx, "tracked", nil)
	require.NoError(t, err)

	var seen []EventType
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case event := <-events:
			seen = append(seen, event.Type)
		case <-deadline:
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.Equal(t, []EventType{EventWaiting, EventActive, EventCompleted}, seen)
}

func TestManagerDeduplicatesByName(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	m := NewManager(mem, nil, DefaultJobOptions())
	defer m.CloseAll()

	q1, err := m.Queue("orders")
	require.NoError(t, err)
	q2, err := m.Queue("orders")
	require.NoError(t, err)
	assert.Same(t, q1, q2)

	q3, err := m.Queue("emails")
	require.NoError(t, err)
	assert.NotSame(t, q1, q3)

	assert.Equal(t, []string{"emails", "orders"}, m.Names())
}

func TestManagerTotalBacklog(t *testing.T) {
	mem := store.NewMemory()
	defer mem.Close()
	m := NewManager(mem, nil, DefaultJobOptions())
	defer m.CloseAll()

	ctx := context.Background()
	orders, err := m.Queue("orders")
	require.NoError(t, err)
	emails, err := m.Queue("emails")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = orders.Add(ctx, i, nil)
		require.NoError(t, err)
	}
	_, err = emails.Add(ctx, "hi", nil)
	require.NoError(t, err)

	total, err := m.TotalBacklog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestBusSubscribeFiltersByQueue(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.Subscribe(ctx, "only")
	require.NoError(t, err)

	bus.Publish(Event{Type: EventWaiting, Queue: "other", JobID: "a", Time: time.Now()})
	bus.Publish(Event{Type: EventWaiting, Queue: "only", JobID: "b", Time: time.Now()})

	select {
	case event := <-events:
		assert.Equal(t, "b", event.JobID)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}
