// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/mbeema/usm/pkg/conntrack"
	"github.com/mbeema/usm/pkg/conntuple"
)

// DefaultMaxConnSeries bounds the server endpoints tracked individually.
const DefaultMaxConnSeries = 4096

// overflowAddr collects endpoints past the series limit.
const overflowAddr = "other"

// ConnMetrics accumulates the counters of closed connections per server
// endpoint and direction.
type ConnMetrics struct {
	mu        sync.Mutex
	series    map[connKey]*connSeries
	max       int
	startTime time.Time
}

type connKey struct {
	server    string
	port      uint16
	direction conntuple.ConnDirection
}

type connSeries struct {
	closed      uint64
	sentBytes   uint64
	recvBytes   uint64
	sentPackets uint64
	recvPackets uint64
	retransmits uint64
}

// NewConnMetrics returns an aggregator tracking at most max endpoints.
func NewConnMetrics(max int) *ConnMetrics {
	if max <= 0 {
		max = DefaultMaxConnSeries
	}
	return &ConnMetrics{series: make(map[connKey]*connSeries), max: max, startTime: time.Now()}
}

// Record adds a batch of close events.
func (c *ConnMetrics) Record(events []conntrack.ConnCloseEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range events {
		ev := &events[i]
		key := connKey{
			server:    ev.Tup.DestAddr().String(),
			port:      ev.Tup.Dport,
			direction: conntuple.ConnDirection(ev.Direction),
		}
		cs, ok := c.series[key]
		if !ok {
			if len(c.series) >= c.max {
				key = connKey{server: overflowAddr, direction: key.direction}
				cs = c.series[key]
			}
			if cs == nil {
				cs = &connSeries{}
				c.series[key] = cs
			}
		}
		cs.closed++
		cs.sentBytes += ev.SentBytes
		cs.recvBytes += ev.RecvBytes
		cs.sentPackets += uint64(ev.SentPackets)
		cs.recvPackets += uint64(ev.RecvPackets)
		cs.retransmits += uint64(ev.Retransmits)
	}
}

// Collect returns the cumulative connection counters.
func (c *ConnMetrics) Collect(now time.Time) []*Metric {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Metric, 0, len(c.series)*6)
	for key, cs := range c.series {
		labels := map[string]string{
			"server.address":    key.server,
			"network.direction": key.direction.String(),
		}
		if key.port != 0 {
			labels["server.port"] = strconv.Itoa(int(key.port))
		}
		counter := func(name, unit string, v uint64) *Metric {
			return &Metric{
				Name:      name,
				Unit:      unit,
				Type:      Counter,
				Value:     float64(v),
				Timestamp: now,
				StartTime: c.startTime,
				Labels:    labels,
			}
		}
		out = append(out,
			counter("usm.connection.closed", "{connections}", cs.closed),
			counter("usm.connection.sent", "By", cs.sentBytes),
			counter("usm.connection.received", "By", cs.recvBytes),
			counter("usm.connection.packets_sent", "{packets}", cs.sentPackets),
			counter("usm.connection.packets_received", "{packets}", cs.recvPackets),
			counter("usm.connection.retransmits", "{segments}", cs.retransmits),
		)
	}
	return out
}
