// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mbeema/usm/pkg/telemetry"
)

// Stats summarizes the agent for the /status endpoint.
type Stats struct {
	startTime time.Time
	registry  *telemetry.Registry
	now       func() time.Time
}

// NewStats creates Stats over the agent's counters.
func NewStats(reg *telemetry.Registry) *Stats {
	return &Stats{startTime: time.Now(), registry: reg, now: time.Now}
}

// Uptime returns agent uptime.
func (s *Stats) Uptime() time.Duration {
	return s.now().Sub(s.startTime)
}

// Snapshot is a point-in-time view of the agent.
type Snapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Goroutines    int     `json:"goroutines"`
	HeapBytes     uint64  `json:"heap_bytes"`
	// Counters holds every internal counter, grouped by the first two
	// segments of its name, e.g. "usm.http".
	Counters map[string]map[string]int64 `json:"counters"`
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	snap := Snapshot{
		UptimeSeconds: s.Uptime().Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		HeapBytes:     mem.HeapAlloc,
		Counters:      make(map[string]map[string]int64),
	}
	if s.registry == nil {
		return snap
	}
	for key, v := range s.registry.Snapshot() {
		group, name := splitGroup(key)
		if snap.Counters[group] == nil {
			snap.Counters[group] = make(map[string]int64)
		}
		snap.Counters[group][name] = v
	}
	return snap
}

// Groups returns the counter groups in name order.
func (s Snapshot) Groups() []string {
	out := make([]string, 0, len(s.Counters))
	for g := range s.Counters {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func splitGroup(key string) (string, string) {
	first := strings.IndexByte(key, '.')
	if first < 0 {
		return "", key
	}
	second := strings.IndexByte(key[first+1:], '.')
	if second < 0 {
		return key[:first], key[first+1:]
	}
	cut := first + 1 + second
	return key[:cut], key[cut+1:]
}
