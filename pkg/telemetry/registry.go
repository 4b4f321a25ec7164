// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package telemetry

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricGroup is a set of metrics sharing a namespace and base tags.
type MetricGroup struct {
	namespace string
	tags      []string

	mu      sync.Mutex
	metrics map[string]*metricBase
}

// NewCounter returns the counter name in this group, creating it if needed.
// Tags have the form "key:value".
func (mg *MetricGroup) NewCounter(name string, tags ...string) *Counter {
	return &Counter{mg.findOrCreate(name, kindCounter, tags)}
}

// NewGauge returns the gauge name in this group, creating it if needed.
func (mg *MetricGroup) NewGauge(name string, tags ...string) *Gauge {
	return &Gauge{mg.findOrCreate(name, kindGauge, tags)}
}

func (mg *MetricGroup) findOrCreate(name string, k kind, tags []string) *metricBase {
	m := newMetricBase(name, k, append(append([]string(nil), mg.tags...), tags...))
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if existing, ok := mg.metrics[m.Name()]; ok {
		return existing
	}
	mg.metrics[m.Name()] = m
	return m
}

// Snapshot returns the current value of every metric keyed by its full name.
func (mg *MetricGroup) Snapshot() map[string]int64 {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	out := make(map[string]int64, len(mg.metrics))
	for key, m := range mg.metrics {
		out[mg.namespace+"."+key] = m.Get()
	}
	return out
}

// Registry owns every metric group plus the error tables.
type Registry struct {
	mu     sync.Mutex
	groups map[string]*MetricGroup

	MapErrors    *MapErrors
	HelperErrors *HelperErrors
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		groups:       make(map[string]*MetricGroup),
		MapErrors:    NewMapErrors(),
		HelperErrors: NewHelperErrors(),
	}
}

// NewMetricGroup returns the group for namespace, creating it if needed.
func (r *Registry) NewMetricGroup(namespace string, tags ...string) *MetricGroup {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.groups[namespace]; ok {
		return g
	}
	g := &MetricGroup{namespace: namespace, tags: tags, metrics: make(map[string]*metricBase)}
	r.groups[namespace] = g
	return g
}

// Snapshot flattens every group into one map.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.Lock()
	groups := make([]*MetricGroup, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	out := make(map[string]int64)
	for _, g := range groups {
		for k, v := range g.Snapshot() {
			out[k] = v
		}
	}
	return out
}

// Describe sends nothing, which makes Registry an unchecked collector: the
// metric set grows as connections exercise new code paths.
func (r *Registry) Describe(chan<- *prometheus.Desc) {}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	r.mu.Lock()
	groups := make([]*MetricGroup, 0, len(r.groups))
	for _, g := range r.groups {
		groups = append(groups, g)
	}
	r.mu.Unlock()

	for _, g := range groups {
		g.mu.Lock()
		metrics := make([]*metricBase, 0, len(g.metrics))
		for _, m := range g.metrics {
			metrics = append(metrics, m)
		}
		g.mu.Unlock()

		for _, m := range metrics {
			labels := tagsToLabels(m.tags)
			desc := prometheus.NewDesc(promName(g.namespace, m.name), m.name, nil, labels)
			vt := prometheus.CounterValue
			if m.kind == kindGauge {
				vt = prometheus.GaugeValue
			}
			ch <- prometheus.MustNewConstMetric(desc, vt, float64(m.Get()))
		}
	}

	r.MapErrors.collect(ch)
	r.HelperErrors.collect(ch)
}

func promName(namespace, name string) string {
	full := namespace + "_" + name
	if namespace != "usm" && !strings.HasPrefix(namespace, "usm.") {
		full = "usm_" + full
	}
	return strings.NewReplacer(".", "_", "-", "_", "/", "_").Replace(full)
}

func tagsToLabels(tags []string) prometheus.Labels {
	if len(tags) == 0 {
		return nil
	}
	labels := make(prometheus.Labels, len(tags))
	for _, t := range tags {
		k, v, ok := strings.Cut(t, ":")
		if !ok {
			k, v = t, "true"
		}
		labels[strings.ReplaceAll(k, "-", "_")] = v
	}
	return labels
}
