// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/usm/pkg/traces"
)

// DefaultBuckets are the default histogram bucket boundaries in seconds.
var DefaultBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// RequestMetrics tracks RED (rate, errors, duration) metrics per service,
// protocol and side of the exchange.
type RequestMetrics struct {
	mu        sync.RWMutex
	series    map[requestKey]*requestSeries
	buckets   []float64
	startTime time.Time
}

type requestKey struct {
	service  string
	protocol string
	kind     traces.SpanKind
}

type requestSeries struct {
	count   atomic.Uint64
	errors  atomic.Uint64
	sumNs   atomic.Int64
	buckets []atomic.Uint64 // not cumulative
}

// NewRequestMetrics creates a RED tracker. Empty buckets select
// DefaultBuckets.
func NewRequestMetrics(buckets []float64) *RequestMetrics {
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}
	return &RequestMetrics{
		series:    make(map[requestKey]*requestSeries),
		buckets:   buckets,
		startTime: time.Now(),
	}
}

// RecordSpans records a batch of completed spans.
func (r *RequestMetrics) RecordSpans(spans []*traces.Span) {
	for _, s := range spans {
		r.RecordSpan(s)
	}
}

// RecordSpan records one completed span.
func (r *RequestMetrics) RecordSpan(span *traces.Span) {
	service := span.ServiceName
	if service == "" {
		service = "unknown"
	}
	rs := r.getOrCreate(requestKey{service: service, protocol: span.Protocol, kind: span.Kind})
	rs.count.Add(1)
	if span.IsError() {
		rs.errors.Add(1)
	}
	rs.sumNs.Add(span.Duration.Nanoseconds())

	sec := span.Duration.Seconds()
	for i, bound := range r.buckets {
		if sec <= bound {
			rs.buckets[i].Add(1)
			return
		}
	}
	// Overflow lands in +Inf, derived from the count at export.
}

func (r *RequestMetrics) getOrCreate(key requestKey) *requestSeries {
	r.mu.RLock()
	rs, ok := r.series[key]
	r.mu.RUnlock()
	if ok {
		return rs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rs, ok = r.series[key]; ok {
		return rs
	}
	rs = &requestSeries{buckets: make([]atomic.Uint64, len(r.buckets))}
	r.series[key] = rs
	return rs
}

// Collect returns the cumulative RED metrics.
func (r *RequestMetrics) Collect(now time.Time) []*Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Metric
	for key, rs := range r.series {
		count := rs.count.Load()
		if count == 0 {
			continue
		}
		labels := map[string]string{
			"usm.protocol": key.protocol,
			"span.kind":    key.kind.String(),
		}
		sum := float64(rs.sumNs.Load()) / float64(time.Second)

		buckets := make([]HistogramBucket, len(r.buckets))
		var cumulative uint64
		for i, bound := range r.buckets {
			cumulative += rs.buckets[i].Load()
			buckets[i] = HistogramBucket{UpperBound: bound, Count: cumulative}
		}

		out = append(out,
			&Metric{
				Name:        "usm.request.duration",
				Description: "Duration of observed requests",
				Unit:        "s",
				Type:        Histogram,
				Value:       sum,
				Timestamp:   now,
				StartTime:   r.startTime,
				Labels:      labels,
				Histogram:   &HistogramData{Count: count, Sum: sum, Buckets: buckets},
				ServiceName: key.service,
			},
			&Metric{
				Name:        "usm.request.errors",
				Description: "Observed requests that failed",
				Unit:        "{requests}",
				Type:        Counter,
				Value:       float64(rs.errors.Load()),
				Timestamp:   now,
				StartTime:   r.startTime,
				Labels:      labels,
				ServiceName: key.service,
			},
			&Metric{
				Name:        "usm.request.duration.p99",
				Unit:        "s",
				Type:        Gauge,
				Value:       r.percentile(rs, 0.99),
				Timestamp:   now,
				Labels:      labels,
				ServiceName: key.service,
			},
		)
	}
	return out
}

// percentile returns the upper bound of the bucket holding quantile p.
func (r *RequestMetrics) percentile(rs *requestSeries, p float64) float64 {
	total := rs.count.Load()
	if total == 0 {
		return 0
	}
	target := uint64(float64(total) * p)
	var cumulative uint64
	for i, bound := range r.buckets {
		cumulative += rs.buckets[i].Load()
		if cumulative >= target {
			return bound
		}
	}
	return r.buckets[len(r.buckets)-1]
}

// Summary returns a human-readable summary for a service and protocol.
func (r *RequestMetrics) Summary(service, protocol string, kind traces.SpanKind) string {
	r.mu.RLock()
	rs, ok := r.series[requestKey{service: service, protocol: protocol, kind: kind}]
	r.mu.RUnlock()
	if !ok {
		return "no data"
	}

	count, errors := rs.count.Load(), rs.errors.Load()
	var avgMs, errorRate float64
	if count > 0 {
		avgMs = float64(rs.sumNs.Load()) / float64(count) / float64(time.Millisecond)
		errorRate = float64(errors) / float64(count) * 100
	}
	return fmt.Sprintf("requests=%d errors=%d (%.1f%%) avg_latency=%.1fms", count, errors, errorRate, avgMs)
}
