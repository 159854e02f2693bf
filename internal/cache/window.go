// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package cache

import (
	"sync"
	"time"
)

// AccessWindow is a memory-efficient sliding window counter. Time is
// divided into a circular buffer of buckets whose sum is the count within
// the window; expired buckets are zeroed as the window advances.
//
// Complexity: Increment O(1), Count O(k) for k buckets, memory O(k).
type AccessWindow struct {
	mu         sync.Mutex
	buckets    []int64
	bucketSize time.Duration
	numBuckets int
	current    int
	lastUpdate time.Time
}

// NewAccessWindow creates a window of the given total duration divided into
// numBuckets buckets.
func NewAccessWindow(windowSize time.Duration, numBuckets int) *AccessWindow {
	if numBuckets <= 0 {
		numBuckets = 60
	}
	if windowSize <= 0 {
		windowSize = time.Hour
	}
	return &AccessWindow{
		buckets:    make([]int64, numBuckets),
		bucketSize: windowSize / time.Duration(numBuckets),
		numBuckets: numBuckets,
		lastUpdate: time.Now(),
	}
}

// Increment adds one access to the current bucket.
func (w *AccessWindow) Increment() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	w.buckets[w.current]++
}

// Count returns the number of accesses within the window.
func (w *AccessWindow) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.advance()
	var total int64
	for _, c := range w.buckets {
		total += c
	}
	return total
}

// advance rotates the circular buffer past elapsed buckets. Caller holds
// the lock.
func (w *AccessWindow) advance() {
	now := time.Now()
	elapsed := int(now.Sub(w.lastUpdate) / w.bucketSize)
	if elapsed <= 0 {
		return
	}
	if elapsed >= w.numBuckets {
		for i := range w.buckets {
			w.buckets[i] = 0
		}
		w.current = 0
	} else {
		for i := 0; i < elapsed; i++ {
			w.current = (w.current + 1) % w.numBuckets
			w.buckets[w.current] = 0
		}
	}
	w.lastUpdate = now
}
