// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

// Package metrics implements the typed metric registry at the heart of the
// observability core: counters, gauges, and histograms with optional label
// dimensions, a JSON-friendly snapshot, and a Prometheus-compatible text
// exposition. The registry also implements prometheus.Collector so the same
// series can be scraped through promhttp.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/yebeike/RealtimeDataPlatform/internal/logging"
)

// Kind is the metric type.
type Kind string

// Metric kinds.
const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// DefaultBuckets is the fixed histogram bucket ladder. An implicit +Inf
// bucket always equals the observation count.
var DefaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// DefaultPrefix is prepended to metric names in the text exposition.
const DefaultPrefix = "app_"

// HistogramValue is a point-in-time histogram cell.
type HistogramValue struct {
	Sum     float64  `json:"sum"`
	Count   uint64   `json:"count"`
	Buckets []uint64 `json:"buckets"` // cumulative counts per DefaultBuckets bound
}

// Value is a point-in-time cell value for any metric kind.
type Value struct {
	Kind      Kind            `json:"kind"`
	Value     float64         `json:"value,omitempty"`
	Histogram *HistogramValue `json:"histogram,omitempty"`
}

// Series is one label tuple of a metric with its current value.
type Series struct {
	Labels map[string]string `json:"labels,omitempty"`
	Value  Value             `json:"value"`
}

// Snapshot is a point-in-time view of one registered metric.
type Snapshot struct {
	Name       string   `json:"name"`
	FullName   string   `json:"full_name"`
	Kind       Kind     `json:"kind"`
	Help       string   `json:"help"`
	LabelNames []string `json:"label_names,omitempty"`
	Series     []Series `json:"series"`
}

// cell holds a single value slot. Counter and gauge use value; histogram uses
// sum/count/buckets. Each cell has its own mutex so updates to different
// label tuples never contend.
type cell struct {
	mu      sync.Mutex
	value   float64
	sum     float64
	count   uint64
	buckets []uint64
}

// Metric is a registered metric descriptor with its cells.
type Metric struct {
	Name       string
	Kind       Kind
	Help       string
	LabelNames []string

	mu        sync.RWMutex
	cells     map[string]*cell    // keyed by joined label values
	tupleVals map[string][]string // label values per key, registration order
	keyOrder  []string            // first-seen order of label tuples
}

// labelKeySep joins label values into a cell key. The byte cannot appear in
// metric label values coming from this codebase.
const labelKeySep = "\xff"

// Registry stores typed metrics and renders expositions. All methods are safe
// for concurrent use; locking is per metric and per cell.
type Registry struct {
	prefix string

	mu      sync.RWMutex
	metrics map[string]*Metric
	order   []string
}

// NewRegistry creates a registry with the given exposition prefix.
// An empty prefix falls back to DefaultPrefix.
func NewRegistry(prefix string) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Registry{
		prefix:  prefix,
		metrics: make(map[string]*Metric),
	}
}

// Prefix returns the exposition prefix.
func (r *Registry) Prefix() string {
	return r.prefix
}

// Register registers a metric. Registration is idempotent: re-registering an
// existing name returns the existing descriptor untouched.
func (r *Registry) Register(name string, kind Kind, help string, labelNames ...string) (*Metric, error) {
	switch kind {
	case KindCounter, KindGauge, KindHistogram:
	default:
		return nil, fmt.Errorf("metrics: unknown kind %q for %s", kind, name)
	}
	if name == "" {
		return nil, fmt.Errorf("metrics: metric name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.metrics[name]; ok {
		return existing, nil
	}

	m := &Metric{
		Name:       name,
		Kind:       kind,
		Help:       help,
		LabelNames: append([]string(nil), labelNames...),
		cells:      make(map[string]*cell),
		tupleVals:  make(map[string][]string),
	}
	r.metrics[name] = m
	r.order = append(r.order, name)
	return m, nil
}

// MustRegister registers a metric and panics on invalid input. Intended for
// process-startup registration of well-known metrics.
func (r *Registry) MustRegister(name string, kind Kind, help string, labelNames ...string) *Metric {
	m, err := r.Register(name, kind, help, labelNames...)
	if err != nil {
		panic(err)
	}
	return m
}

// lookup returns the metric or warns and returns nil. Unknown metric names
// are a warn-and-drop condition, not an error, so instrumentation call sites
// stay unconditional.
func (r *Registry) lookup(name string) *Metric {
	r.mu.RLock()
	m := r.metrics[name]
	r.mu.RUnlock()
	if m == nil {
		logging.Warn().Str("metric", name).Msg("Operation on unregistered metric dropped")
	}
	return m
}

// Set updates a metric according to its kind: gauges are assigned, counters
// are incremented by value, histograms observe value.
func (r *Registry) Set(name string, value float64, labels map[string]string) {
	m := r.lookup(name)
	if m == nil {
		return
	}
	switch m.Kind {
	case KindGauge:
		m.cell(labels).setGauge(value)
	case KindCounter:
		m.addCounter(name, value, labels)
	case KindHistogram:
		m.cell(labels).observe(value)
	}
}

// IncrementCounter adds delta (default call sites pass 1) to a counter.
// Negative deltas are rejected with a warning.
func (r *Registry) IncrementCounter(name string, delta float64, labels map[string]string) {
	m := r.lookup(name)
	if m == nil {
		return
	}
	if m.Kind != KindCounter {
		logging.Warn().Str("metric", name).Str("kind", string(m.Kind)).Msg("IncrementCounter on non-counter dropped")
		return
	}
	m.addCounter(name, delta, labels)
}

// ObserveHistogram records one observation.
func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	m := r.lookup(name)
	if m == nil {
		return
	}
	if m.Kind != KindHistogram {
		logging.Warn().Str("metric", name).Str("kind", string(m.Kind)).Msg("ObserveHistogram on non-histogram dropped")
		return
	}
	m.cell(labels).observe(value)
}

// Get returns the current value for one label tuple.
func (r *Registry) Get(name string, labels map[string]string) (Value, bool) {
	r.mu.RLock()
	m := r.metrics[name]
	r.mu.RUnlock()
	if m == nil {
		return Value{}, false
	}

	key := m.key(labels)
	m.mu.RLock()
	c := m.cells[key]
	m.mu.RUnlock()
	if c == nil {
		return Value{}, false
	}
	return c.load(m.Kind), true
}

// Snapshot returns all metrics with their per-label-tuple values, in
// registration order.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.RLock()
	names := append([]string(nil), r.order...)
	byName := make(map[string]*Metric, len(names))
	for _, name := range names {
		byName[name] = r.metrics[name]
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(names))
	for _, name := range names {
		m := byName[name]
		snap := Snapshot{
			Name:       m.Name,
			FullName:   r.prefix + m.Name,
			Kind:       m.Kind,
			Help:       m.Help,
			LabelNames: m.LabelNames,
		}

		m.mu.RLock()
		for _, key := range m.keyOrder {
			c := m.cells[key]
			values := m.tupleVals[key]
			labels := make(map[string]string, len(m.LabelNames))
			for i, ln := range m.LabelNames {
				labels[ln] = values[i]
			}
			snap.Series = append(snap.Series, Series{
				Labels: labels,
				Value:  c.load(m.Kind),
			})
		}
		m.mu.RUnlock()

		out = append(out, snap)
	}
	return out
}

// cell returns (creating if needed) the cell for the label tuple. Missing
// labels are warned about and filled with the empty string.
func (m *Metric) cell(labels map[string]string) *cell {
	key := m.key(labels)

	m.mu.RLock()
	c := m.cells[key]
	m.mu.RUnlock()
	if c != nil {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c = m.cells[key]; c != nil {
		return c
	}
	c = &cell{}
	if m.Kind == KindHistogram {
		c.buckets = make([]uint64, len(DefaultBuckets))
	}
	values := make([]string, len(m.LabelNames))
	for i, ln := range m.LabelNames {
		values[i] = labels[ln]
	}
	m.cells[key] = c
	m.tupleVals[key] = values
	m.keyOrder = append(m.keyOrder, key)
	return c
}

// key builds the cell key from labels in LabelNames order.
func (m *Metric) key(labels map[string]string) string {
	if len(m.LabelNames) == 0 {
		return ""
	}
	parts := make([]string, len(m.LabelNames))
	for i, ln := range m.LabelNames {
		v, ok := labels[ln]
		if !ok {
			logging.Warn().Str("metric", m.Name).Str("label", ln).Msg("Missing metric label filled with empty string")
		}
		parts[i] = v
	}
	if extra := len(labels) - len(m.LabelNames); extra > 0 {
		unknown := make([]string, 0, extra)
		for l := range labels {
			if !contains(m.LabelNames, l) {
				unknown = append(unknown, l)
			}
		}
		sort.Strings(unknown)
		logging.Warn().Str("metric", m.Name).Strs("labels", unknown).Msg("Unknown metric labels ignored")
	}
	return strings.Join(parts, labelKeySep)
}

func (m *Metric) addCounter(name string, delta float64, labels map[string]string) {
	if delta < 0 {
		logging.Warn().Str("metric", name).Float64("delta", delta).Msg("Negative counter delta dropped")
		return
	}
	m.cell(labels).addValue(delta)
}

func (c *cell) setGauge(v float64) {
	c.mu.Lock()
	c.value = v
	c.mu.Unlock()
}

func (c *cell) addValue(delta float64) {
	c.mu.Lock()
	c.value += delta
	c.mu.Unlock()
}

func (c *cell) observe(v float64) {
	c.mu.Lock()
	c.sum += v
	c.count++
	for i, bound := range DefaultBuckets {
		if v <= bound {
			c.buckets[i]++
		}
	}
	c.mu.Unlock()
}

func (c *cell) load(kind Kind) Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == KindHistogram {
		buckets := append([]uint64(nil), c.buckets...)
		return Value{
			Kind: kind,
			Histogram: &HistogramValue{
				Sum:     c.sum,
				Count:   c.count,
				Buckets: buckets,
			},
		}
	}
	return Value{Kind: kind, Value: c.value}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
