// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocols

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mbeema/usm/pkg/telemetry"
)

// DefaultInFlightSize bounds every in-flight map unless configured.
const DefaultInFlightSize = 10000

// InFlight is a bounded map of per-connection parser state. When full, the
// least recently used entry is evicted and counted; eviction is how aged
// transactions time out.
type InFlight[K comparable, V any] struct {
	name    string
	cache   *lru.Cache[K, V]
	evicted *telemetry.Counter
}

// NewInFlight returns an in-flight map of size entries registered under
// name in the "usm.maps" metric group.
func NewInFlight[K comparable, V any](name string, size int, reg *telemetry.Registry) *InFlight[K, V] {
	if size <= 0 {
		size = DefaultInFlightSize
	}
	cache, err := lru.New[K, V](size)
	if err != nil {
		// Only a non-positive size fails and that is handled above.
		panic(err)
	}
	return &InFlight[K, V]{
		name:    name,
		cache:   cache,
		evicted: reg.NewMetricGroup("usm.maps").NewCounter("evicted", "map:"+name),
	}
}

// Name returns the map name used in telemetry.
func (m *InFlight[K, V]) Name() string { return m.name }

// Get returns the entry for k and refreshes its recency.
func (m *InFlight[K, V]) Get(k K) (V, bool) { return m.cache.Get(k) }

// Peek returns the entry for k without touching its recency.
func (m *InFlight[K, V]) Peek(k K) (V, bool) { return m.cache.Peek(k) }

// Put stores v under k.
func (m *InFlight[K, V]) Put(k K, v V) {
	if m.cache.Add(k, v) {
		m.evicted.Inc()
	}
}

// PutIfAbsent stores v only when k has no entry, like BPF_NOEXIST.
func (m *InFlight[K, V]) PutIfAbsent(k K, v V) bool {
	ok, evicted := m.cache.ContainsOrAdd(k, v)
	if evicted {
		m.evicted.Inc()
	}
	return !ok
}

// Delete removes k and reports whether it was present.
func (m *InFlight[K, V]) Delete(k K) bool { return m.cache.Remove(k) }

// Keys returns the keys from oldest to newest.
func (m *InFlight[K, V]) Keys() []K { return m.cache.Keys() }

// Len returns the number of entries.
func (m *InFlight[K, V]) Len() int { return m.cache.Len() }

// Evicted returns the number of capacity evictions so far.
func (m *InFlight[K, V]) Evicted() int64 { return m.evicted.Get() }
