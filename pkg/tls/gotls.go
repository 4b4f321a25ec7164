// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tls

import (
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

// Go TLS map names.
const (
	GoOffsetsMap   = "offsets_data"
	GoReadArgsMap  = "go_tls_read_args"
	GoConnTupleMap = "conn_tup_by_go_tls_conn"
)

// goCall is a call in flight on one goroutine.
type goCall struct {
	PID  uint32
	GoID uint64
}

type goRead struct {
	Conn uint64
	FD   int32
}

type goConn struct {
	PID  uint32
	Conn uint64
}

// GoTLS follows crypto/tls.(*Conn) calls of registered Go processes. Read
// calls are paired per goroutine; the connection tuple is cached per
// *tls.Conn in read orientation, peer as source, so writes flip it.
type GoTLS struct {
	deliverer
	resolver SocketResolver

	binaries *protocols.InFlight[uint32, *Binary]
	reads    *protocols.InFlight[goCall, goRead]
	conns    *protocols.InFlight[goConn, conntuple.ConnTuple]

	tel    *Telemetry
	logger *zap.Logger
}

// NewGoTLS returns the Go TLS state. resolver maps the descriptor read
// through the offsets to its connection.
func NewGoTLS(sink Sink, resolver SocketResolver, ports conntuple.EphemeralRange, mapSize int, reg *telemetry.Registry, logger *zap.Logger) *GoTLS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GoTLS{
		deliverer: deliverer{sink: sink, ports: ports, tag: protocols.TagGo, usm: telemetry.NewUSM(reg)},
		resolver:  resolver,
		binaries:  protocols.NewInFlight[uint32, *Binary](GoOffsetsMap, mapSize, reg),
		reads:     protocols.NewInFlight[goCall, goRead](GoReadArgsMap, mapSize, reg),
		conns:     protocols.NewInFlight[goConn, conntuple.ConnTuple](GoConnTupleMap, mapSize, reg),
		tel:       newTelemetry(reg, libraryName(protocols.TagGo)),
		logger:    logger.Named("gotls"),
	}
}

// Telemetry returns the Go TLS counters.
func (g *GoTLS) Telemetry() *Telemetry { return g.tel }

// Register attaches the inspected binary to pid. Calls of processes that were
// never registered are ignored.
func (g *GoTLS) Register(pid uint32, b *Binary) {
	g.binaries.Put(pid, b)
	g.logger.Debug("go process registered",
		zap.Uint32("pid", pid), zap.String("binary", b.Path), zap.String("go_version", b.GoVersion))
}

// Offsets returns the offsets registered for pid.
func (g *GoTLS) Offsets(pid uint32) (Offsets, bool) {
	b, ok := g.binaries.Peek(pid)
	if !ok {
		return Offsets{}, false
	}
	return b.Offsets, true
}

// Forget drops everything known about pid.
func (g *GoTLS) Forget(pid uint32) {
	g.binaries.Delete(pid)
	for _, k := range g.reads.Keys() {
		if k.PID == pid {
			g.reads.Delete(k)
		}
	}
	for _, k := range g.conns.Keys() {
		if k.PID == pid {
			g.conns.Delete(k)
		}
	}
}

func (g *GoTLS) registered(pid uint32) bool {
	if _, ok := g.binaries.Peek(pid); ok {
		return true
	}
	g.tel.UnknownBinary.Inc()
	return false
}

// ReadEnter records the connection a goroutine reads from.
func (g *GoTLS) ReadEnter(pid uint32, goid, conn uint64, fd int32) {
	if !g.registered(pid) {
		return
	}
	g.reads.Put(goCall{PID: pid, GoID: goid}, goRead{Conn: conn, FD: fd})
}

// ReadReturn delivers what the read of goid returned.
func (g *GoTLS) ReadReturn(pid uint32, goid uint64, data []byte, ret int, c Call) {
	key := goCall{PID: pid, GoID: goid}
	call, ok := g.reads.Peek(key)
	if !ok {
		g.tel.NoEnter.Inc()
		return
	}
	g.reads.Delete(key)
	g.tel.Reads.Inc()
	if ret <= 0 {
		g.tel.NonPositiveRet.Inc()
		return
	}
	tup, ok := g.tupleFor(pid, call.Conn, call.FD)
	if !ok {
		return
	}
	data = returned(data, ret)
	g.tel.Bytes.Add(int64(len(data)))
	g.deliver(tup, data, c)
}

// Write delivers what a Write on conn consumed.
func (g *GoTLS) Write(pid uint32, conn uint64, fd int32, data []byte, ret int, c Call) {
	if !g.registered(pid) {
		return
	}
	g.tel.Writes.Inc()
	if ret <= 0 {
		g.tel.NonPositiveRet.Inc()
		return
	}
	tup, ok := g.tupleFor(pid, conn, fd)
	if !ok {
		return
	}
	tup.Flip()
	data = returned(data, ret)
	g.tel.Bytes.Add(int64(len(data)))
	g.deliver(tup, data, c)
}

// Close ends the session of conn.
func (g *GoTLS) Close(pid uint32, conn uint64, c Call) {
	key := goConn{PID: pid, Conn: conn}
	tup, ok := g.conns.Peek(key)
	if !ok {
		return
	}
	g.conns.Delete(key)
	g.tel.Shutdowns.Inc()
	g.terminate(tup, c)
}

func (g *GoTLS) tupleFor(pid uint32, conn uint64, fd int32) (conntuple.ConnTuple, bool) {
	key := goConn{PID: pid, Conn: conn}
	if tup, ok := g.conns.Get(key); ok {
		return tup, true
	}
	if g.resolver != nil && fd >= 0 {
		if tup, ok := g.resolver.Lookup(pid, fd); ok {
			tup.Pid = pid
			tup.Flip()
			g.conns.Put(key, tup)
			return tup, true
		}
	}
	g.usm.PlaintextWithoutTuple.Inc()
	g.logger.Debug("plaintext without tuple", zap.Uint32("pid", pid), zap.Uint64("conn", conn))
	return conntuple.ConnTuple{}, false
}
