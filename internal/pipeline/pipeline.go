// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package pipeline provides composable item transformations. Steps are
// registered by name, composed into processors at build time, and applied
// to single items or batches with bounded concurrency and a selectable
// error policy.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// Transformer rewrites one item. Returning an error fails the item.
type Transformer[T any] func(ctx context.Context, item T) (T, error)

// ErrorPolicy selects how batch processing reacts to item failures.
type ErrorPolicy int

const (
	// FailFast aborts the batch on the first item error.
	FailFast ErrorPolicy = iota
	// CollectErrors processes every item and reports all failures.
	CollectErrors
	// SkipErrors processes every item and silently drops failures,
	// logging each one.
	SkipErrors
)

// String returns the policy name for logs and config round-trips.
func (p ErrorPolicy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case CollectErrors:
		return "collect_errors"
	case SkipErrors:
		return "skip_errors"
	default:
		return fmt.Sprintf("error_policy(%d)", int(p))
	}
}

// step pairs a registered name with its transformer.
type step[T any] struct {
	name      string
	transform Transformer[T]
}

// Registry holds named transformers. Registration is validated eagerly so
// misconfiguration surfaces at startup, not mid-batch.
type Registry[T any] struct {
	mu    sync.RWMutex
	steps map[string]Transformer[T]
}

// NewRegistry creates an empty transformer registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{steps: make(map[string]Transformer[T])}
}

// Register adds a named transformer. Empty names, nil transformers, and
// duplicate names are rejected.
func (r *Registry[T]) Register(name string, fn Transformer[T]) error {
	if name == "" {
		return fmt.Errorf("pipeline: step name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("pipeline: step %s has nil transformer", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.steps[name]; exists {
		return fmt.Errorf("pipeline: step %s already registered", name)
	}
	r.steps[name] = fn
	return nil
}

// Names returns registered step names, sorted.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Options tunes batch processing.
type Options struct {
	Concurrency int         // parallel items per batch, min 1
	ErrorPolicy ErrorPolicy // batch failure handling
}

// Processor applies an ordered chain of transformers.
type Processor[T any] struct {
	steps []step[T]
	opts  Options
}

// Build composes a processor from registered step names, in order. An
// unknown name fails the build.
func (r *Registry[T]) Build(opts Options, names ...string) (*Processor[T], error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("pipeline: at least one step is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	steps := make([]step[T], 0, len(names))
	for _, name := range names {
		fn, ok := r.steps[name]
		if !ok {
			return nil, fmt.Errorf("pipeline: unknown step %s", name)
		}
		steps = append(steps, step[T]{name: name, transform: fn})
	}
	return &Processor[T]{steps: steps, opts: opts}, nil
}

// Steps returns the chain's step names in execution order.
func (p *Processor[T]) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.name
	}
	return names
}

// Process runs one item through the chain. The error names the failing
// step.
func (p *Processor[T]) Process(ctx context.Context, item T) (T, error) {
	current := item
	for _, s := range p.steps {
		if err := ctx.Err(); err != nil {
			return current, err
		}
		next, err := s.transform(ctx, current)
		if err != nil {
			return current, fmt.Errorf("step %s: %w", s.name, err)
		}
		current = next
	}
	return current, nil
}

// ItemResult is one batch entry's outcome. Index refers to the input
// slice.
type ItemResult[T any] struct {
	Index int
	Item  T
	Err   error
}

// BatchResult summarizes a batch run. Items holds successful outputs in
// input order; Errors holds per-item failures (empty under SkipErrors).
type BatchResult[T any] struct {
	Items   []T
	Results []ItemResult[T]
	Errors  []error
}

// ProcessBatch runs every item through the chain with the configured
// concurrency and error policy.
func (p *Processor[T]) ProcessBatch(ctx context.Context, items []T) (BatchResult[T], error) {
	results := make([]ItemResult[T], len(items))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.opts.Concurrency)
	for i, item := range items {
		i, item := i, item
		group.Go(func() error {
			out, err := p.Process(groupCtx, item)
			results[i] = ItemResult[T]{Index: i, Item: out, Err: err}
			if err != nil && p.opts.ErrorPolicy == FailFast {
				return fmt.Errorf("item %d: %w", i, err)
			}
			return nil
		})
	}
	failFastErr := group.Wait()

	var batch BatchResult[T]
	batch.Results = results
	for _, res := range results {
		switch {
		case res.Err == nil:
			batch.Items = append(batch.Items, res.Item)
		case p.opts.ErrorPolicy == SkipErrors:
			logging.Debug().Err(res.Err).Int("item", res.Index).Msg("Pipeline item skipped")
		case p.opts.ErrorPolicy == CollectErrors:
			batch.Errors = append(batch.Errors, fmt.Errorf("item %d: %w", res.Index, res.Err))
		}
	}

	if p.opts.ErrorPolicy == FailFast && failFastErr != nil {
		return batch, failFastErr
	}
	return batch, nil
}
