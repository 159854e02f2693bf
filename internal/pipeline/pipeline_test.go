// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upper(_ context.Context, s string) (string, error) {
	return strings.ToUpper(s), nil
}

func trim(_ context.Context, s string) (string, error) {
	return strings.TrimSpace(s), nil
}

func rejectEmpty(_ context.Context, s string) (string, error) {
	if s == "" {
		return s, errors.New("empty item")
	}
	return s, nil
}

func newTestRegistry(t *testing.T) *Registry[string] {
	t.Helper()
	r := NewRegistry[string]()
	require.NoError(t, r.Register("upper", upper))
	require.NoError(t, r.Register("trim", trim))
	require.NoError(t, r.Register("reject-empty", rejectEmpty))
	return r
}

func TestRegisterValidation(t *testing.T) {
	r := NewRegistry[string]()
	assert.Error(t, r.Register("", upper))
	assert.Error(t, r.Register("x", nil))
	require.NoError(t, r.Register("x", upper))
	assert.Error(t, r.Register("x", trim))
}

func TestBuildUnknownStep(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Build(Options{}, "upper", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestBuildRequiresSteps(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Build(Options{})
	assert.Error(t, err)
}

func TestProcessRunsChainInOrder(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Build(Options{}, "trim", "upper")
	require.NoError(t, err)

	out, err := p.Process(context.Background(), "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", out)
	assert.Equal(t, []string{"trim", "upper"}, p.Steps())
}

func TestProcessErrorNamesStep(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Build(Options{}, "trim", "reject-empty")
	require.NoError(t, err)

	_, err = p.Process(context.Background(), "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step reject-empty")
}

func TestProcessBatchCollectErrors(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Build(Options{Concurrency: 2, ErrorPolicy: CollectErrors}, "reject-empty", "upper")
	require.NoError(t, err)

	batch, err := p.ProcessBatch(context.Background(), []string{"a", "", "c"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "C"}, batch.Items)
	require.Len(t, batch.Errors, 1)
	assert.Contains(t, batch.Errors[0].Error(), "item 1")
	require.Len(t, batch.Results, 3)
	assert.NoError(t, batch.Results[0].Err)
	assert.Error(t, batch.Results[1].Err)
}

func TestProcessBatchSkipErrors(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Build(Options{ErrorPolicy: SkipErrors}, "reject-empty", "upper")
	require.NoError(t, err)

	batch, err := p.ProcessBatch(context.Background(), []string{"a", "", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, batch.Items)
	assert.Empty(t, batch.Errors)
}

func TestProcessBatchFailFast(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Build(Options{ErrorPolicy: FailFast}, "reject-empty")
	require.NoError(t, err)

	_, err = p.ProcessBatch(context.Background(), []string{"a", "", "c"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "item 1")
}

func TestProcessBatchBoundedConcurrency(t *testing.T) {
	r := NewRegistry[int]()
	var active, peak atomic.Int32
	require.NoError(t, r.Register("slow", func(_ context.Context, n int) (int, error) {
		cur := active.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		return n * 2, nil
	}))

	p, err := r.Build(Options{Concurrency: 2}, "slow")
	require.NoError(t, err)

	batch, err := p.ProcessBatch(context.Background(), []int{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Len(t, batch.Items, 5)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProcessBatchPreservesInputOrder(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.Build(Options{Concurrency: 4}, "upper")
	require.NoError(t, err)

	batch, err := p.ProcessBatch(context.Background(), []string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C", "D"}, batch.Items)
}

func TestErrorPolicyString(t *testing.T) {
	assert.Equal(t, "fail_fast", FailFast.String())
	assert.Equal(t, "collect_errors", CollectErrors.String())
	assert.Equal(t, "skip_errors", SkipErrors.String())
}
