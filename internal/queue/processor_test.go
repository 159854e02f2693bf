// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler(result any) Handler {
	return func(_ context.Context, _ json.RawMessage) (any, error) {
		return result, nil
	}
}

func TestProcessorRegisterValidation(t *testing.T) {
	p := NewProcessor(0, 0, 0, nil)
	assert.Error(t, p.RegisterHandler("", okHandler("x")))
	assert.Error(t, p.RegisterHandler("t", nil))
	assert.NoError(t, p.RegisterHandler("t", okHandler("x")))
}

func TestProcessSuccess(t *testing.T) {
	p := NewProcessor(time.Second, 3, time.Millisecond, nil)
	require.NoError(t, p.RegisterHandler("t", okHandler("done")))

	result, err := p.Process(context.Background(), Message{ID: "m1", Type: "t"})
	require.NoError(t, err)
	assert.Equal(t, "done", result)
	assert.Zero(t, p.InFlight())
}

func TestProcessUnknownType(t *testing.T) {
	p := NewProcessor(time.Second, 3, time.Millisecond, nil)
	_, err := p.Process(context.Background(), Message{ID: "m1", Type: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler")
}

func TestProcessRetriesWithBackoff(t *testing.T) {
	p := NewProcessor(time.Second, 3, 100*time.Millisecond, nil)

	var calls atomic.Int32
	require.NoError(t, p.RegisterHandler("t", func(_ context.Context, _ json.RawMessage) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}))

	start := time.Now()
	result, err := p.Process(context.Background(), Message{ID: "j1", Type: "t"})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, int32(3), calls.Load())
	// Two retries: 100ms then 200ms of backoff.
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestProcessExhaustsRetries(t *testing.T) {
	p := NewProcessor(time.Second, 2, time.Millisecond, nil)

	var calls atomic.Int32
	require.NoError(t, p.RegisterHandler("t", func(_ context.Context, _ json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, errors.New("permanent")
	}))

	_, err := p.Process(context.Background(), Message{ID: "j1", Type: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permanent")
	// Initial attempt plus maxRetries more.
	assert.Equal(t, int32(3), calls.Load())
}

func TestProcessPriorAttemptsCounted(t *testing.T) {
	p := NewProcessor(time.Second, 3, time.Millisecond, nil)

	var calls atomic.Int32
	require.NoError(t, p.RegisterHandler("t", func(_ context.Context, _ json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, errors.New("nope")
	}))

	_, err := p.Process(context.Background(), Message{ID: "j1", Type: "t", Attempts: 2})
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestProcessDuplicateInFlightRejected(t *testing.T) {
	p := NewProcessor(time.Second, 0, time.Millisecond, nil)

	release := make(chan struct{})
	require.NoError(t, p.RegisterHandler("t", func(_ context.Context, _ json.RawMessage) (any, error) {
		<-release
		return "ok", nil
	}))

	done := make(chan struct{})
	go func() {
		_, _ = p.Process(context.Background(), Message{ID: "dup", Type: "t"})
		close(done)
	}()

	require.Eventually(t, func() bool { return p.InFlight() == 1 }, time.Second, time.Millisecond)

	_, err := p.Process(context.Background(), Message{ID: "dup", Type: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in flight")

	close(release)
	<-done
	assert.Zero(t, p.InFlight())
}

func TestProcessTimeout(t *testing.T) {
	p := NewProcessor(30*time.Millisecond, 0, time.Millisecond, nil)
	require.NoError(t, p.RegisterHandler("t", func(ctx context.Context, _ json.RawMessage) (any, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return nil, ctx.Err()
	}))

	_, err := p.Process(context.Background(), Message{ID: "slow", Type: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestProcessHandlerPanicIsFailure(t *testing.T) {
	p := NewProcessor(time.Second, 0, time.Millisecond, nil)
	require.NoError(t, p.RegisterHandler("t", func(_ context.Context, _ json.RawMessage) (any, error) {
		panic("boom")
	}))

	_, err := p.Process(context.Background(), Message{ID: "p1", Type: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestBackoffDelay(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, backoffDelay(100*time.Millisecond, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(100*time.Millisecond, 2))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(100*time.Millisecond, 3))
	assert.Equal(t, maxBackoff, backoffDelay(time.Second, 10))
	assert.Equal(t, time.Second, backoffDelay(time.Second, 0))
}

func TestProcessBatch(t *testing.T) {
	p := NewProcessor(time.Second, 0, time.Millisecond, nil)
	require.NoError(t, p.RegisterHandler("ok", okHandler("fine")))
	require.NoError(t, p.RegisterHandler("bad", func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, errors.New("rejected")
	}))

	result := p.ProcessBatch(context.Background(), []Message{
		{ID: "a", Type: "ok"},
		{ID: "b", Type: "bad"},
		{ID: "c", Type: "ok"},
	})

	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Entries, 3)
	assert.True(t, result.Entries[0].OK)
	assert.Equal(t, "fine", result.Entries[0].Result)
	assert.False(t, result.Entries[1].OK)
	assert.Contains(t, result.Entries[1].Error, "rejected")
}

func TestCleanupTimedOut(t *testing.T) {
	p := NewProcessor(10*time.Millisecond, 0, time.Millisecond, nil)

	p.mu.Lock()
	p.inFlight["stale"] = time.Now().Add(-time.Minute)
	p.inFlight["fresh"] = time.Now()
	p.mu.Unlock()

	assert.Equal(t, 1, p.CleanupTimedOut())
	assert.Equal(t, 1, p.InFlight())
}

func TestProcessEmitsEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx, "")
	require.NoError(t, err)

	p := NewProcessor(time.Second, 0, time.Millisecond, bus)
	require.NoError(t, p.RegisterHandler("t", okHandler("ok")))

	_, err = p.Process(context.Background(), Message{ID: "e1", Type: "t"})
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, EventCompleted, event.Type)
		assert.Equal(t, "e1", event.JobID)
	case <-time.After(time.Second):
		t.Fatal("no completion event received")
	}
}
