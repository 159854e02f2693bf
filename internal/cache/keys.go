// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package cache implements the stampede-protected cache layer: structured
// key construction, a TTL-bounded distributed lock, JSON-valued store access
// with single-flight getOrCompute, and the three-trigger cache warmer.
package cache

import (
	"fmt"
	"regexp"
)

// Key template defaults.
const (
	DefaultPrefix  = "rdp"
	DefaultVersion = "v1"
)

// LockPrefix precedes the cache key in lock keys.
const LockPrefix = "lock:"

// segmentPattern validates one key segment.
var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// keyPattern validates a complete five-segment cache key.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(:[A-Za-z0-9_-]+){4}$`)

// KeyBuilder composes cache keys of the form
// "{prefix}:{entity}:{operation}:{identifier}:{version}".
type KeyBuilder struct {
	prefix  string
	version string
}

// NewKeyBuilder creates a builder; empty arguments use the defaults.
func NewKeyBuilder(prefix, version string) *KeyBuilder {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if version == "" {
		version = DefaultVersion
	}
	return &KeyBuilder{prefix: prefix, version: version}
}

// Build composes and validates a cache key.
func (b *KeyBuilder) Build(entity, operation, identifier string) (string, error) {
	for _, seg := range []struct{ name, value string }{
		{"entity", entity},
		{"operation", operation},
		{"identifier", identifier},
	} {
		if seg.value == "" {
			return "", fmt.Errorf("cache: %s must not be empty", seg.name)
		}
		if !segmentPattern.MatchString(seg.value) {
			return "", fmt.Errorf("cache: invalid %s %q", seg.name, seg.value)
		}
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s", b.prefix, entity, operation, identifier, b.version), nil
}

// ValidKey reports whether key matches the five-segment grammar.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// LockKey derives the lock key guarding a cache key.
func LockKey(cacheKey string) string {
	return LockPrefix + cacheKey
}
