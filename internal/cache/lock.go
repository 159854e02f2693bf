// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/yebeike/RealtimeDataPlatform/internal/store"
)

// DefaultLockTTL bounds how long a dead holder can block waiters.
const DefaultLockTTL = 10 * time.Second

// Lock is the per-cache-key mutual exclusion used for stampede protection.
// The TTL is the sole recovery path when a holder dies; there is no fencing
// token, so callers must tolerate spurious contention.
type Lock struct {
	store store.Store
	ttl   time.Duration
}

// NewLock creates a lock over the store (DefaultLockTTL when ttl is zero).
func NewLock(s store.Store, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Lock{store: s, ttl: ttl}
}

// Acquire attempts to take the lock for cacheKey. Returns true on success.
func (l *Lock) Acquire(ctx context.Context, cacheKey string) (bool, error) {
	ok, err := l.store.SetNX(ctx, LockKey(cacheKey), []byte("1"), l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock for %s: %w", cacheKey, err)
	}
	return ok, nil
}

// Release unconditionally drops the lock for cacheKey.
func (l *Lock) Release(ctx context.Context, cacheKey string) error {
	if err := l.store.Delete(ctx, LockKey(cacheKey)); err != nil {
		return fmt.Errorf("release lock for %s: %w", cacheKey, err)
	}
	return nil
}
