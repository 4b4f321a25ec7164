// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package metrics aggregates what the engine observes into metric points:
// RED metrics from spans, traffic counters from closed connections and the
// agent's own counters.
package metrics

import "time"

// Metric represents a single metric data point.
type Metric struct {
	Name        string
	Description string
	Unit        string
	Type        MetricType
	Value       float64
	Timestamp   time.Time
	// StartTime anchors cumulative counters and histograms.
	StartTime   time.Time
	Labels      map[string]string
	Histogram   *HistogramData
	ServiceName string
}

// HistogramData holds histogram bucket data for export.
type HistogramData struct {
	Count   uint64
	Sum     float64
	Buckets []HistogramBucket
}

// HistogramBucket is a single histogram bucket.
type HistogramBucket struct {
	UpperBound float64
	Count      uint64 // cumulative count of values <= UpperBound
}

// MetricType identifies the kind of metric.
type MetricType int

const (
	Gauge MetricType = iota
	Counter
	Histogram
)

func (t MetricType) String() string {
	switch t {
	case Gauge:
		return "gauge"
	case Counter:
		return "counter"
	case Histogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Source produces the current points of one metric family.
type Source interface {
	Collect(now time.Time) []*Metric
}
