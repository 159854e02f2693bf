// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Describe implements prometheus.Collector. The registry is an unchecked
// collector: metric sets grow at runtime as label tuples appear, so no
// descriptors are sent up front.
func (r *Registry) Describe(_ chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector, bridging the registry's current
// state into const metrics so the same series are scrapeable through
// promhttp alongside the custom text exposition.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, snap := range r.Snapshot() {
		desc := prometheus.NewDesc(snap.FullName, snap.Help, snap.LabelNames, nil)
		for _, series := range snap.Series {
			values := make([]string, len(snap.LabelNames))
			for i, name := range snap.LabelNames {
				values[i] = series.Labels[name]
			}
			switch snap.Kind {
			case KindCounter:
				ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, series.Value.Value, values...)
			case KindGauge:
				ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, series.Value.Value, values...)
			case KindHistogram:
				h := series.Value.Histogram
				buckets := make(map[float64]uint64, len(DefaultBuckets))
				for i, bound := range DefaultBuckets {
					buckets[bound] = h.Buckets[i]
				}
				ch <- prometheus.MustNewConstHistogram(desc, h.Count, h.Sum, buckets, values...)
			}
		}
	}
}
