// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package telemetry holds the engine's self-observation counters: generic
// counters and gauges grouped by namespace, the per-map error table and the
// per-program helper error table. Everything is exported to Prometheus
// through Registry, which implements prometheus.Collector.
package telemetry

import (
	"sort"
	"strings"

	"go.uber.org/atomic"
)

type kind uint8

const (
	kindCounter kind = iota
	kindGauge
)

type metricBase struct {
	name  string
	tags  []string
	kind  kind
	value *atomic.Int64
}

func newMetricBase(name string, k kind, tags []string) *metricBase {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return &metricBase{name: name, kind: k, tags: sorted, value: atomic.NewInt64(0)}
}

// Name returns the metric name followed by its tags.
func (m *metricBase) Name() string {
	return strings.Join(append([]string{m.name}, m.tags...), ",")
}

// Get loads the current value.
func (m *metricBase) Get() int64 { return m.value.Load() }

// Counter grows monotonically.
type Counter struct {
	*metricBase
}

// Add adds v. Non-positive values are ignored.
func (c *Counter) Add(v int64) {
	if v > 0 {
		c.value.Add(v)
	}
}

// Inc adds one.
func (c *Counter) Inc() { c.value.Inc() }

// Gauge goes up and down.
type Gauge struct {
	*metricBase
}

// Set stores v.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Add adds v, which may be negative.
func (g *Gauge) Add(v int64) { g.value.Add(v) }

// TLSAwareCounter keeps one counter for plaintext and one for TLS traffic.
type TLSAwareCounter struct {
	plain *Counter
	tls   *Counter
}

// NewTLSAwareCounter registers both halves in mg.
func NewTLSAwareCounter(mg *MetricGroup, name string, tags ...string) *TLSAwareCounter {
	return &TLSAwareCounter{
		plain: mg.NewCounter(name, append(tags, "encrypted:false")...),
		tls:   mg.NewCounter(name, append(tags, "encrypted:true")...),
	}
}

// Add adds delta to the half matching isTLS.
func (c *TLSAwareCounter) Add(delta int64, isTLS bool) {
	if isTLS {
		c.tls.Add(delta)
		return
	}
	c.plain.Add(delta)
}

// Get returns the half matching isTLS.
func (c *TLSAwareCounter) Get(isTLS bool) int64 {
	if isTLS {
		return c.tls.Get()
	}
	return c.plain.Get()
}
