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

// Map names, also used as eviction telemetry tags.
const (
	SockByCtxMap    = "ssl_sock_by_ctx"
	ReadArgsMap     = "ssl_read_args"
	WriteArgsMap    = "ssl_write_args"
	CtxByPidTgidMap = "ssl_ctx_by_pid_tgid"
	BIONewSocketMap = "bio_new_socket_args"
	FDByBIOMap      = "fd_by_ssl_bio"

	DefaultMapSize = 1024
)

// ctxKey names an SSL context, or a BIO, inside one process.
type ctxKey struct {
	PID uint32
	Ptr uint64
}

// sock is what is known about the socket behind a context.
type sock struct {
	FD     int32
	Tup    conntuple.ConnTuple
	HasTup bool
}

func pidOf(pidTgid uint64) uint32 { return uint32(pidTgid >> 32) }

// Native follows one TLS library (OpenSSL or GnuTLS) through its probes.
// Calls of one thread arrive in order; different threads may interleave.
type Native struct {
	deliverer
	resolver SocketResolver

	socks        *protocols.InFlight[ctxKey, sock]
	readArgs     *protocols.InFlight[uint64, uint64]
	writeArgs    *protocols.InFlight[uint64, uint64]
	ctxByPidTgid *protocols.InFlight[uint64, uint64]
	bioNewSocket *protocols.InFlight[uint64, int32]
	fdByBIO      *protocols.InFlight[ctxKey, int32]

	tel    *Telemetry
	logger *zap.Logger
}

// NewNative returns the probe state of the library tagged tag. resolver may
// be nil, in which case only the tcp_sendmsg pairing yields tuples.
func NewNative(tag protocols.ConnTag, sink Sink, resolver SocketResolver, ports conntuple.EphemeralRange, mapSize int, reg *telemetry.Registry, logger *zap.Logger) *Native {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := libraryName(tag)
	return &Native{
		deliverer: deliverer{sink: sink, ports: ports, tag: tag, usm: telemetry.NewUSM(reg)},
		resolver:  resolver,

		socks:        protocols.NewInFlight[ctxKey, sock](SockByCtxMap, mapSize, reg),
		readArgs:     protocols.NewInFlight[uint64, uint64](ReadArgsMap, mapSize, reg),
		writeArgs:    protocols.NewInFlight[uint64, uint64](WriteArgsMap, mapSize, reg),
		ctxByPidTgid: protocols.NewInFlight[uint64, uint64](CtxByPidTgidMap, mapSize, reg),
		bioNewSocket: protocols.NewInFlight[uint64, int32](BIONewSocketMap, mapSize, reg),
		fdByBIO:      protocols.NewInFlight[ctxKey, int32](FDByBIOMap, mapSize, reg),

		tel:    newTelemetry(reg, name),
		logger: logger.Named("tls").With(zap.String("library", name)),
	}
}

// Telemetry returns the library counters.
func (n *Native) Telemetry() *Telemetry { return n.tel }

// Handshake records the context the thread works on, so the next
// tcp_sendmsg of the thread can name its socket.
func (n *Native) Handshake(pidTgid, ctx uint64) {
	n.rememberCtx(pidTgid, ctx)
}

func (n *Native) rememberCtx(pidTgid, ctx uint64) {
	if t, ok := n.socks.Peek(ctxKey{PID: pidOf(pidTgid), Ptr: ctx}); ok && t.HasTup {
		return
	}
	n.ctxByPidTgid.Put(pidTgid, ctx)
}

// SetFD binds ctx to a file descriptor (SSL_set_fd, gnutls_transport_set_int).
func (n *Native) SetFD(pid uint32, ctx uint64, fd int32) {
	n.socks.Put(ctxKey{PID: pid, Ptr: ctx}, sock{FD: fd})
}

// BIONewSocket records the descriptor of a BIO being created by the thread.
func (n *Native) BIONewSocket(pidTgid uint64, fd int32) {
	n.bioNewSocket.Put(pidTgid, fd)
}

// BIONewSocketReturn pairs the created BIO with the descriptor.
func (n *Native) BIONewSocketReturn(pidTgid, bio uint64) {
	fd, ok := n.bioNewSocket.Peek(pidTgid)
	if !ok {
		n.tel.NoEnter.Inc()
		return
	}
	n.bioNewSocket.Delete(pidTgid)
	if bio == 0 {
		return
	}
	n.fdByBIO.Put(ctxKey{PID: pidOf(pidTgid), Ptr: bio}, fd)
}

// SetBIO binds ctx to the descriptor of bio.
func (n *Native) SetBIO(pid uint32, ctx, bio uint64) {
	fd, ok := n.fdByBIO.Peek(ctxKey{PID: pid, Ptr: bio})
	if !ok {
		return
	}
	n.fdByBIO.Delete(ctxKey{PID: pid, Ptr: bio})
	n.SetFD(pid, ctx, fd)
}

// TCPSendmsg offers the socket of a tcp_sendmsg call to the context the same
// thread used last. The pairing is a guess and is wrong for asynchronous SSL
// usage.
func (n *Native) TCPSendmsg(pidTgid uint64, tup conntuple.ConnTuple) {
	ctx, ok := n.ctxByPidTgid.Peek(pidTgid)
	if !ok {
		return
	}
	n.ctxByPidTgid.Delete(pidTgid)
	key := ctxKey{PID: pidOf(pidTgid), Ptr: ctx}
	s, ok := n.socks.Peek(key)
	if ok && s.HasTup {
		return
	}
	if !ok {
		s.FD = -1
	}
	tup.Pid = key.PID
	s.Tup, s.HasTup = tup, true
	n.socks.Put(key, s)
	n.tel.SendmsgMapped.Inc()
}

// ReadEnter records the context of an SSL_read/gnutls_record_recv call.
func (n *Native) ReadEnter(pidTgid, ctx uint64) {
	n.readArgs.Put(pidTgid, ctx)
	n.rememberCtx(pidTgid, ctx)
}

// ReadReturn delivers the bytes a read returned. ret is the return value of
// the call and data the buffer it filled.
func (n *Native) ReadReturn(pidTgid uint64, data []byte, ret int, c Call) {
	ctx, ok := n.readArgs.Peek(pidTgid)
	if !ok {
		n.tel.NoEnter.Inc()
		return
	}
	n.readArgs.Delete(pidTgid)
	n.tel.Reads.Inc()
	n.complete(pidTgid, ctx, data, ret, c, true)
}

// WriteEnter records the context of an SSL_write/gnutls_record_send call.
func (n *Native) WriteEnter(pidTgid, ctx uint64) {
	n.writeArgs.Put(pidTgid, ctx)
	n.rememberCtx(pidTgid, ctx)
}

// WriteReturn delivers the bytes a write consumed.
func (n *Native) WriteReturn(pidTgid uint64, data []byte, ret int, c Call) {
	ctx, ok := n.writeArgs.Peek(pidTgid)
	if !ok {
		n.tel.NoEnter.Inc()
		return
	}
	n.writeArgs.Delete(pidTgid)
	n.tel.Writes.Inc()
	n.complete(pidTgid, ctx, data, ret, c, false)
}

func (n *Native) complete(pidTgid, ctx uint64, data []byte, ret int, c Call, read bool) {
	if ret <= 0 {
		n.tel.NonPositiveRet.Inc()
		return
	}
	tup, ok := n.tupleFor(pidOf(pidTgid), ctx)
	if !ok {
		n.usm.PlaintextWithoutTuple.Inc()
		n.logger.Debug("plaintext without tuple", zap.Uint32("pid", pidOf(pidTgid)), zap.Uint64("ctx", ctx))
		return
	}
	data = returned(data, ret)
	n.tel.Bytes.Add(int64(len(data)))
	if read {
		// Bytes read were sent by the peer.
		tup.Flip()
	}
	n.deliver(tup, data, c)
}

// Shutdown ends the session of ctx and forgets it.
func (n *Native) Shutdown(pidTgid, ctx uint64, c Call) {
	key := ctxKey{PID: pidOf(pidTgid), Ptr: ctx}
	tup, ok := n.tupleFor(key.PID, ctx)
	n.socks.Delete(key)
	if cur, ok := n.ctxByPidTgid.Peek(pidTgid); ok && cur == ctx {
		n.ctxByPidTgid.Delete(pidTgid)
	}
	if !ok {
		return
	}
	n.tel.Shutdowns.Inc()
	n.terminate(tup, c)
}

// tupleFor resolves the connection of ctx, caching what the resolver says.
func (n *Native) tupleFor(pid uint32, ctx uint64) (conntuple.ConnTuple, bool) {
	key := ctxKey{PID: pid, Ptr: ctx}
	s, ok := n.socks.Get(key)
	if !ok {
		return conntuple.ConnTuple{}, false
	}
	if s.HasTup {
		return s.Tup, true
	}
	if s.FD < 0 || n.resolver == nil {
		return conntuple.ConnTuple{}, false
	}
	tup, ok := n.resolver.Lookup(pid, s.FD)
	if !ok {
		return conntuple.ConnTuple{}, false
	}
	tup.Pid = pid
	s.Tup, s.HasTup = tup, true
	n.socks.Put(key, s)
	return tup, true
}
