// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package store

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// BreakerConfig configures the circuit breaker wrapped around a Store.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
}

// DefaultBreakerConfig returns production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "store",
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

// WithBreaker wraps a Store so that repeated backend failures open a circuit
// and subsequent calls fail fast instead of piling up. Used by the periodic
// collectors, which tolerate a stale sample better than a stalled tick.
type WithBreaker struct {
	inner Store
	cb    *gobreaker.CircuitBreaker[any]
}

// NewWithBreaker wraps inner with a circuit breaker.
func NewWithBreaker(inner Store, cfg BreakerConfig) *WithBreaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Store circuit breaker state change")
		},
	}
	return &WithBreaker{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker[any](settings),
	}
}

// State returns the current breaker state as a string.
func (w *WithBreaker) State() string {
	return w.cb.State().String()
}

func (w *WithBreaker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	type result struct {
		value []byte
		ok    bool
	}
	res, err := w.cb.Execute(func() (any, error) {
		value, ok, err := w.inner.Get(ctx, key)
		return result{value, ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	r := res.(result)
	return r.value, r.ok, nil
}

func (w *WithBreaker) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := w.cb.Execute(func() (any, error) {
		return nil, w.inner.Set(ctx, key, value, ttl)
	})
	return err
}

func (w *WithBreaker) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := w.cb.Execute(func() (any, error) {
		ok, err := w.inner.SetNX(ctx, key, value, ttl)
		return ok, err
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (w *WithBreaker) Delete(ctx context.Context, key string) error {
	_, err := w.cb.Execute(func() (any, error) {
		return nil, w.inner.Delete(ctx, key)
	})
	return err
}

func (w *WithBreaker) Exists(ctx context.Context, key string) (bool, error) {
	res, err := w.cb.Execute(func() (any, error) {
		ok, err := w.inner.Exists(ctx, key)
		return ok, err
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

func (w *WithBreaker) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	type result struct {
		ttl time.Duration
		ok  bool
	}
	res, err := w.cb.Execute(func() (any, error) {
		ttl, ok, err := w.inner.TTL(ctx, key)
		return result{ttl, ok}, err
	})
	if err != nil {
		return 0, false, err
	}
	r := res.(result)
	return r.ttl, r.ok, nil
}

func (w *WithBreaker) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	res, err := w.cb.Execute(func() (any, error) {
		values, err := w.inner.MGet(ctx, keys)
		return values, err
	})
	if err != nil {
		return nil, err
	}
	return res.([][]byte), nil
}

func (w *WithBreaker) Keys(ctx context.Context, prefix string) ([]string, error) {
	res, err := w.cb.Execute(func() (any, error) {
		keys, err := w.inner.Keys(ctx, prefix)
		return keys, err
	})
	if err != nil {
		return nil, err
	}
	return res.([]string), nil
}

func (w *WithBreaker) Ping(ctx context.Context) error {
	_, err := w.cb.Execute(func() (any, error) {
		return nil, w.inner.Ping(ctx)
	})
	return err
}

func (w *WithBreaker) Close() error {
	return w.inner.Close()
}
