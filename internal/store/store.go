// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package store defines the key-value store used for cache values,
// distributed locks, and queue storage, with in-memory and badger-backed
// implementations.
//
// The Store contract deliberately mirrors the primitives the rest of the
// platform needs: plain get/set with TTL, atomic set-if-absent (the basis of
// the cache lock), and prefix scans (the basis of queue iteration).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("store: closed")

// NoTTL marks an entry without expiry.
const NoTTL time.Duration = 0

// Store is the key-value contract backing locks, cache values, and queues.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes key with a TTL. NoTTL stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX atomically writes key only if it is absent. Returns true when
	// the write happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining time to live. Returns NoTTL for keys
	// without expiry and false when the key is absent.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// MGet returns values for keys in order; absent keys yield nil.
	MGet(ctx context.Context, keys []string) ([][]byte, error)

	// Keys returns all keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources. The store is unusable afterwards.
	Close() error
}
