// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/yebeike/RealtimeDataPlatform/internal/store"
)

// Cache operation defaults.
const (
	DefaultTTL        = time.Hour
	lockRetryDelay    = 100 * time.Millisecond
	lockRetryAttempts = 150 // with the retry delay, outlasts a full lock TTL
)

// FetchFunc computes a value on cache miss. The returned value is JSON
// encoded before storage; a nil value is not cached.
type FetchFunc func(ctx context.Context) (any, error)

// Service wraps the key-value store with structured keys, JSON values, and
// the lock-guarded single-flight getOrCompute.
type Service struct {
	store      store.Store
	keys       *KeyBuilder
	lock       *Lock
	defaultTTL time.Duration

	hits   atomic.Int64
	misses atomic.Int64
}

// Stats is a point-in-time hit/miss summary.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// NewService creates a cache service over the store.
func NewService(s store.Store, keys *KeyBuilder, lock *Lock, defaultTTL time.Duration) *Service {
	if keys == nil {
		keys = NewKeyBuilder("", "")
	}
	if lock == nil {
		lock = NewLock(s, 0)
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Service{
		store:      s,
		keys:       keys,
		lock:       lock,
		defaultTTL: defaultTTL,
	}
}

// Keys returns the service's key builder.
func (s *Service) Keys() *KeyBuilder {
	return s.keys
}

// Get reads key and unmarshals into dest. Returns false on miss.
func (s *Service) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !ok {
		s.misses.Add(1)
		return false, nil
	}
	s.hits.Add(1)
	if dest != nil {
		if err := json.Unmarshal(raw, dest); err != nil {
			return false, fmt.Errorf("decode cached value %s: %w", key, err)
		}
	}
	return true, nil
}

// Set JSON-encodes value and writes it under key with ttl (the service
// default when zero).
func (s *Service) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value %s: %w", key, err)
	}
	if err := s.store.Set(ctx, key, raw, ttl); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *Service) Delete(ctx context.Context, key string) error {
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	return s.store.Exists(ctx, key)
}

// TTL returns the remaining time to live for key.
func (s *Service) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	return s.store.TTL(ctx, key)
}

// MGet returns raw JSON values for keys in order; misses yield nil.
func (s *Service) MGet(ctx context.Context, keys []string) ([]json.RawMessage, error) {
	raws, err := s.store.MGet(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("cache mget: %w", err)
	}
	out := make([]json.RawMessage, len(raws))
	for i, raw := range raws {
		if raw == nil {
			s.misses.Add(1)
			continue
		}
		s.hits.Add(1)
		out[i] = json.RawMessage(raw)
	}
	return out, nil
}

// GetOrCompute returns the cached value for (entity, operation, identifier)
// or computes it via fallback under the cache-key lock. Under concurrent
// demand for the same missing key, fallback runs at most once per
// lock-holder epoch; other callers wait and re-read.
func (s *Service) GetOrCompute(ctx context.Context, entity, operation, identifier string, fallback FetchFunc, ttl time.Duration) (json.RawMessage, error) {
	key, err := s.keys.Build(entity, operation, identifier)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	for attempt := 0; attempt < lockRetryAttempts; attempt++ {
		raw, ok, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("cache get %s: %w", key, err)
		}
		if ok {
			s.hits.Add(1)
			return json.RawMessage(raw), nil
		}
		s.misses.Add(1)

		acquired, err := s.lock.Acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if !acquired {
			// Another holder is computing; wait and retry from the top.
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(lockRetryDelay):
			}
			continue
		}

		// Double-check under the lock: the previous holder may have
		// filled the key between our miss and the acquire.
		raw, ok, err = s.store.Get(ctx, key)
		if err != nil {
			_ = s.lock.Release(ctx, key)
			return nil, fmt.Errorf("cache get %s: %w", key, err)
		}
		if ok {
			_ = s.lock.Release(ctx, key)
			return json.RawMessage(raw), nil
		}

		value, err := fallback(ctx)
		if err != nil {
			_ = s.lock.Release(ctx, key)
			return nil, fmt.Errorf("compute %s: %w", key, err)
		}
		if value == nil {
			_ = s.lock.Release(ctx, key)
			return nil, nil
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			_ = s.lock.Release(ctx, key)
			return nil, fmt.Errorf("encode computed value %s: %w", key, err)
		}
		if err := s.store.Set(ctx, key, encoded, ttl); err != nil {
			_ = s.lock.Release(ctx, key)
			return nil, fmt.Errorf("cache set %s: %w", key, err)
		}
		_ = s.lock.Release(ctx, key)
		return json.RawMessage(encoded), nil
	}
	return nil, fmt.Errorf("cache: gave up waiting for %s after %d attempts", key, lockRetryAttempts)
}

// Stats returns cumulative hit/miss counts.
func (s *Service) Stats() Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	stats := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total)
	}
	return stats
}
