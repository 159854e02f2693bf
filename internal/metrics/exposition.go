// RealtimeDataPlatform - Operational Substrate for Long-Running Services
// Copyright 2026 yebeike
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/yebeike/RealtimeDataPlatform

package metrics

import (
	"strconv"
	"strings"
)

// RenderText renders all registered metrics in the Prometheus text
// exposition format. Metrics appear in registration order, label tuples in
// first-seen order, labels in declaration order. Histograms expand to
// cumulative _bucket lines (including +Inf), _sum, and _count.
func (r *Registry) RenderText() string {
	var b strings.Builder
	for _, snap := range r.Snapshot() {
		full := snap.FullName

		b.WriteString("# HELP ")
		b.WriteString(full)
		b.WriteByte(' ')
		b.WriteString(snap.Help)
		b.WriteByte('\n')

		b.WriteString("# TYPE ")
		b.WriteString(full)
		b.WriteByte(' ')
		b.WriteString(string(snap.Kind))
		b.WriteByte('\n')

		for _, series := range snap.Series {
			labels := renderLabels(snap.LabelNames, series.Labels)
			switch snap.Kind {
			case KindHistogram:
				h := series.Value.Histogram
				for i, bound := range DefaultBuckets {
					b.WriteString(full)
					b.WriteString("_bucket")
					b.WriteString(renderLabelsWithLE(snap.LabelNames, series.Labels, formatValue(bound)))
					b.WriteByte(' ')
					b.WriteString(strconv.FormatUint(h.Buckets[i], 10))
					b.WriteByte('\n')
				}
				b.WriteString(full)
				b.WriteString("_bucket")
				b.WriteString(renderLabelsWithLE(snap.LabelNames, series.Labels, "+Inf"))
				b.WriteByte(' ')
				b.WriteString(strconv.FormatUint(h.Count, 10))
				b.WriteByte('\n')

				b.WriteString(full)
				b.WriteString("_sum")
				b.WriteString(labels)
				b.WriteByte(' ')
				b.WriteString(formatValue(h.Sum))
				b.WriteByte('\n')

				b.WriteString(full)
				b.WriteString("_count")
				b.WriteString(labels)
				b.WriteByte(' ')
				b.WriteString(strconv.FormatUint(h.Count, 10))
				b.WriteByte('\n')
			default:
				b.WriteString(full)
				b.WriteString(labels)
				b.WriteByte(' ')
				b.WriteString(formatValue(series.Value.Value))
				b.WriteByte('\n')
			}
		}
	}
	return b.String()
}

// renderLabels renders {name="value",...} in declaration order, or the empty
// string for unlabeled metrics.
func renderLabels(names []string, labels map[string]string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		writeLabelPair(&b, name, labels[name])
	}
	b.WriteByte('}')
	return b.String()
}

// renderLabelsWithLE renders labels with the trailing le bucket bound.
func renderLabelsWithLE(names []string, labels map[string]string, le string) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, name := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		writeLabelPair(&b, name, labels[name])
	}
	if len(names) > 0 {
		b.WriteByte(',')
	}
	writeLabelPair(&b, "le", le)
	b.WriteByte('}')
	return b.String()
}

func writeLabelPair(b *strings.Builder, name, value string) {
	b.WriteString(name)
	b.WriteString(`="`)
	b.WriteString(escapeLabelValue(value))
	b.WriteByte('"')
}

// escapeLabelValue escapes backslash, double quote, and newline per the
// exposition format.
func escapeLabelValue(v string) string {
	if !strings.ContainsAny(v, "\\\"\n") {
		return v
	}
	var b strings.Builder
	for _, r := range v {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// formatValue formats a sample value with minimal digits.
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
