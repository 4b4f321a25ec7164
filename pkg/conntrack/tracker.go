// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package conntrack keeps per-connection counters, emits a close event when
// a connection ends and resolves (pid, fd) pairs to connection tuples.
package conntrack

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/telemetry"
)

const (
	// DefaultMaxConns bounds the connection stats table.
	DefaultMaxConns = 65536
	// maxTrackedSockets limits the (pid, fd) table under connection storms.
	maxTrackedSockets = 100000
	// recentlyClosed is how many closed tuples are remembered to spot a
	// second close of the same connection.
	recentlyClosed = 4096
)

// ConnStats are the counters of one connection. Sent is the direction from
// the normalized source to the destination.
type ConnStats struct {
	SentBytes   uint64
	RecvBytes   uint64
	SentPackets uint32
	RecvPackets uint32
	Retransmits uint32
	Direction   conntuple.ConnDirection
	LastSeen    uint64
}

// ConnCloseEvent is written when a connection ends. The layout is fixed.
type ConnCloseEvent struct {
	Tup         conntuple.ConnTuple
	SentBytes   uint64
	RecvBytes   uint64
	SentPackets uint32
	RecvPackets uint32
	Retransmits uint32
	Direction   uint8
	_           [3]byte
	Timestamp   uint64
}

// CloseSink receives close events. events.Batcher implements it.
type CloseSink interface {
	Enqueue(cpu int, ev ConnCloseEvent) bool
	OutputUnbatched(cpu int, ev ConnCloseEvent) error
}

// Telemetry counts tracker activity.
type Telemetry struct {
	Closed      *telemetry.Counter
	DoubleClose *telemetry.Counter
	CloseLost   *telemetry.Counter
	Evicted     *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry) *Telemetry {
	mg := reg.NewMetricGroup("usm.conntrack")
	return &Telemetry{
		Closed:      mg.NewCounter("closed"),
		DoubleClose: mg.NewCounter("double_close"),
		CloseLost:   mg.NewCounter("close_lost"),
		Evicted:     mg.NewCounter("sockets_evicted"),
	}
}

// sockKey identifies a socket by process and descriptor.
type sockKey struct {
	PID uint32
	FD  int32
}

type sockInfo struct {
	Tup        conntuple.ConnTuple
	Registered time.Time
}

// Tracker holds connection stats keyed by the normalized tuple without pid,
// and the (pid, fd) table used by the TLS hooks.
type Tracker struct {
	ports    conntuple.EphemeralRange
	bindings conntuple.PortBindings
	closes   CloseSink

	conns  *lru.Cache[conntuple.ConnTuple, ConnStats]
	closed *lru.Cache[conntuple.ConnTuple, struct{}]

	mu      sync.RWMutex
	sockets map[sockKey]sockInfo

	tel    *Telemetry
	usm    *telemetry.USM
	logger *zap.Logger
	now    func() time.Time
}

// NewTracker returns a tracker emitting close events into closes. bindings
// may be nil.
func NewTracker(maxConns int, ports conntuple.EphemeralRange, bindings conntuple.PortBindings, closes CloseSink, reg *telemetry.Registry, logger *zap.Logger) *Tracker {
	if maxConns <= 0 {
		maxConns = DefaultMaxConns
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conns, _ := lru.New[conntuple.ConnTuple, ConnStats](maxConns)
	closed, _ := lru.New[conntuple.ConnTuple, struct{}](recentlyClosed)
	return &Tracker{
		ports:    ports,
		bindings: bindings,
		closes:   closes,
		conns:    conns,
		closed:   closed,
		sockets:  make(map[sockKey]sockInfo),
		tel:      newTelemetry(reg),
		usm:      telemetry.NewUSM(reg),
		logger:   logger.Named("conntrack"),
		now:      time.Now,
	}
}

// Telemetry returns the tracker counters.
func (t *Tracker) Telemetry() *Telemetry { return t.tel }

func (t *Tracker) key(tup conntuple.ConnTuple) (conntuple.ConnTuple, bool) {
	k := tup.WithoutPID()
	flipped := k.Normalize(t.ports)
	return k, flipped
}

// Observe accounts a segment of payload bytes sent by tup's source.
func (t *Tracker) Observe(tup conntuple.ConnTuple, payload int, now uint64) {
	k, flipped := t.key(tup)
	st, ok := t.conns.Get(k)
	if !ok {
		st.Direction = conntuple.Direction(k.Netns, k.Sport, t.ports, t.bindings)
		// A new connection reopens a tuple closed earlier.
		t.closed.Remove(k)
	}
	if flipped {
		st.RecvBytes += uint64(payload)
		st.RecvPackets++
	} else {
		st.SentBytes += uint64(payload)
		st.SentPackets++
	}
	st.LastSeen = now
	t.conns.Add(k, st)
}

// Retransmit counts n retransmitted segments on tup.
func (t *Tracker) Retransmit(tup conntuple.ConnTuple, n uint32) {
	k, _ := t.key(tup)
	st, _ := t.conns.Get(k)
	st.Retransmits += n
	t.conns.Add(k, st)
}

// Stats returns the counters of tup.
func (t *Tracker) Stats(tup conntuple.ConnTuple) (ConnStats, bool) {
	k, _ := t.key(tup)
	return t.conns.Peek(k)
}

// Len returns the number of connections with stats.
func (t *Tracker) Len() int { return t.conns.Len() }

// Close ends tup and emits its close event. The event goes through the
// batch of cpu; when the batch refuses it, it is written on its own. A
// second close of the same connection is counted and ignored.
func (t *Tracker) Close(tup conntuple.ConnTuple, cpu int, now uint64) {
	k, _ := t.key(tup)
	if t.closed.Contains(k) {
		t.tel.DoubleClose.Inc()
		return
	}
	t.closed.Add(k, struct{}{})
	st, ok := t.conns.Peek(k)
	if ok {
		t.conns.Remove(k)
	} else {
		st.Direction = conntuple.Direction(k.Netns, k.Sport, t.ports, t.bindings)
	}
	t.tel.Closed.Inc()
	if t.closes == nil {
		return
	}

	ev := ConnCloseEvent{
		Tup:         k,
		SentBytes:   st.SentBytes,
		RecvBytes:   st.RecvBytes,
		SentPackets: st.SentPackets,
		RecvPackets: st.RecvPackets,
		Retransmits: st.Retransmits,
		Direction:   uint8(st.Direction),
		Timestamp:   now,
	}
	if t.closes.Enqueue(cpu, ev) {
		return
	}
	if k.Type() == conntuple.TCP {
		t.usm.UnbatchedTCPClose.Inc()
	} else {
		t.usm.UnbatchedUDPClose.Inc()
	}
	if err := t.closes.OutputUnbatched(cpu, ev); err != nil {
		t.tel.CloseLost.Inc()
		t.logger.Debug("close event lost", zap.Stringer("tuple", k), zap.Error(err))
	}
}

// Register maps the descriptor fd of pid to tup, local endpoint as source.
func (t *Tracker) Register(pid uint32, fd int32, tup conntuple.ConnTuple) {
	t.mu.Lock()
	if len(t.sockets) >= maxTrackedSockets {
		t.evictOldestLocked()
	}
	t.sockets[sockKey{PID: pid, FD: fd}] = sockInfo{Tup: tup, Registered: t.now()}
	t.mu.Unlock()
}

// Lookup returns the tuple registered for (pid, fd).
func (t *Tracker) Lookup(pid uint32, fd int32) (conntuple.ConnTuple, bool) {
	t.mu.RLock()
	info, ok := t.sockets[sockKey{PID: pid, FD: fd}]
	t.mu.RUnlock()
	return info.Tup, ok
}

// Unregister forgets (pid, fd) and returns what it mapped to.
func (t *Tracker) Unregister(pid uint32, fd int32) (conntuple.ConnTuple, bool) {
	key := sockKey{PID: pid, FD: fd}
	t.mu.Lock()
	info, ok := t.sockets[key]
	delete(t.sockets, key)
	t.mu.Unlock()
	return info.Tup, ok
}

// Sockets returns the number of registered descriptors.
func (t *Tracker) Sockets() int {
	t.mu.RLock()
	n := len(t.sockets)
	t.mu.RUnlock()
	return n
}

// evictOldestLocked removes the oldest socket. Must be called under t.mu.
func (t *Tracker) evictOldestLocked() {
	var oldestKey sockKey
	var oldest time.Time
	first := true
	for k, info := range t.sockets {
		if first || info.Registered.Before(oldest) {
			oldestKey = k
			oldest = info.Registered
			first = false
		}
	}
	if !first {
		delete(t.sockets, oldestKey)
		t.tel.Evicted.Inc()
	}
}

// CleanStale removes sockets registered longer than maxAge ago.
func (t *Tracker) CleanStale(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)
	removed := 0

	t.mu.Lock()
	for key, info := range t.sockets {
		if info.Registered.Before(cutoff) {
			delete(t.sockets, key)
			removed++
		}
	}
	t.mu.Unlock()

	return removed
}
