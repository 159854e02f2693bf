// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

func TestTreeRunsAndStopsServices(t *testing.T) {
	tree := NewTree(logging.NewSlogLogger(), DefaultTreeConfig())

	var running atomic.Bool
	tree.AddObservabilityService(ServiceFunc{
		ServiceName: "probe",
		Run: func(ctx context.Context) error {
			running.Store(true)
			<-ctx.Done()
			running.Store(false)
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return running.Load() }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.False(t, running.Load())
}

func TestTreeRestartsFailedService(t *testing.T) {
	cfg := DefaultTreeConfig()
	cfg.FailureBackoff = 10 * time.Millisecond
	tree := NewTree(logging.NewSlogLogger(), cfg)

	var starts atomic.Int32
	tree.AddProcessingService(ServiceFunc{
		ServiceName: "flaky",
		Run: func(ctx context.Context) error {
			if starts.Add(1) < 3 {
				return assert.AnError
			}
			<-ctx.Done()
			return ctx.Err()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := tree.ServeBackground(ctx)

	require.Eventually(t, func() bool { return starts.Load() >= 3 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestServiceFuncString(t *testing.T) {
	svc := ServiceFunc{ServiceName: "probe"}
	assert.Equal(t, "probe", svc.String())
	assert.Equal(t, "admin-server", APIServer{}.String())
	assert.Equal(t, "cache-warmup", WarmupService{}.String())
}
