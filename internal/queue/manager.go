// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/yebeike/RealtimeDataPlatform/internal/store"
)

// Manager is the process-wide queue registry. Queues are deduplicated by
// name so every caller shares the same instance and its worker pool.
type Manager struct {
	store    store.Store
	bus      *Bus
	defaults JobOptions

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewManager creates a queue registry over the store. defaults applies to
// queues created without their own options.
func NewManager(s store.Store, bus *Bus, defaults JobOptions) *Manager {
	return &Manager{
		store:    s,
		bus:      bus,
		defaults: defaults,
		queues:   make(map[string]*Queue),
	}
}

// Bus returns the lifecycle event bus shared by all queues.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Queue returns the named queue, creating it on first use.
func (m *Manager) Queue(name string) (*Queue, error) {
	return m.QueueWithOptions(name, m.defaults)
}

// QueueWithOptions returns the named queue, creating it with the given
// defaults on first use. Options are ignored for an existing queue.
func (m *Manager) QueueWithOptions(name string, defaults JobOptions) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		return q, nil
	}
	q, err := New(name, m.store, m.bus, defaults)
	if err != nil {
		return nil, err
	}
	m.queues[name] = q
	return q, nil
}

// Names returns registered queue names, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Statuses returns per-queue status counts keyed by queue name.
func (m *Manager) Statuses(ctx context.Context) (map[string]StatusCounts, error) {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	out := make(map[string]StatusCounts, len(queues))
	for _, q := range queues {
		counts, err := q.Status(ctx)
		if err != nil {
			return nil, err
		}
		out[q.Name()] = counts
	}
	return out, nil
}

// TotalBacklog sums unfinished work across all queues.
func (m *Manager) TotalBacklog(ctx context.Context) (int, error) {
	statuses, err := m.Statuses(ctx)
	if err != nil {
		return 0, err
	}
	var total int
	for _, counts := range statuses {
		total += counts.Backlog()
	}
	return total, nil
}

// CloseAll stops every queue's workers.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()
	for _, q := range queues {
		q.Close()
	}
}
