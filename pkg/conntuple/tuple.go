// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package conntuple defines the canonical connection key shared by every
// per-connection table, and extracts it from packets or socket snapshots.
package conntuple

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
)

// ErrTupleNotReadable is the single failure mode of tuple extraction.
// Callers treat it as "ignore this event".
var ErrTupleNotReadable = errors.New("conntuple: tuple not readable")

// ConnType is the transport of a connection.
type ConnType uint8

const (
	UDP ConnType = 0
	TCP ConnType = 1
)

func (t ConnType) String() string {
	if t == TCP {
		return "TCP"
	}
	return "UDP"
}

// ConnFamily is the address family of a connection.
type ConnFamily uint8

const (
	IPv4 ConnFamily = 0
	IPv6 ConnFamily = 1
)

func (f ConnFamily) String() string {
	if f == IPv6 {
		return "v6"
	}
	return "v4"
}

// ConnDirection tells who initiated a connection.
type ConnDirection uint8

const (
	Unknown ConnDirection = iota
	Incoming
	Outgoing
)

func (d ConnDirection) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Metadata bits.
const (
	metaTCP uint32 = 1 << 0
	metaV6  uint32 = 1 << 1
)

// ConnTuple is the fixed-layout connection key. Addresses are 128 bits split
// in a high and a low half; an IPv4 address lives in the low 32 bits of the
// low half. The struct is comparable and is used directly as a map key.
type ConnTuple struct {
	SaddrH   uint64
	SaddrL   uint64
	DaddrH   uint64
	DaddrL   uint64
	Sport    uint16
	Dport    uint16
	Netns    uint32
	Pid      uint32
	Metadata uint32
}

// New builds a tuple from two endpoints. IPv4-mapped IPv6 addresses are
// collapsed to IPv4.
func New(src, dst netip.AddrPort, typ ConnType, netns, pid uint32) ConnTuple {
	s, d := src.Addr().Unmap(), dst.Addr().Unmap()
	t := ConnTuple{
		Sport: src.Port(),
		Dport: dst.Port(),
		Netns: netns,
		Pid:   pid,
	}
	if typ == TCP {
		t.Metadata |= metaTCP
	}
	if s.Is4() && d.Is4() {
		t.SaddrL = uint64(binary.BigEndian.Uint32(s.AsSlice()))
		t.DaddrL = uint64(binary.BigEndian.Uint32(d.AsSlice()))
		return t
	}
	t.Metadata |= metaV6
	t.SaddrH, t.SaddrL = split16(s.As16())
	t.DaddrH, t.DaddrL = split16(d.As16())
	return t
}

func split16(a [16]byte) (uint64, uint64) {
	return binary.BigEndian.Uint64(a[:8]), binary.BigEndian.Uint64(a[8:])
}

func join16(h, l uint64) netip.Addr {
	var a [16]byte
	binary.BigEndian.PutUint64(a[:8], h)
	binary.BigEndian.PutUint64(a[8:], l)
	return netip.AddrFrom16(a)
}

// Type returns the transport.
func (t ConnTuple) Type() ConnType {
	if t.Metadata&metaTCP != 0 {
		return TCP
	}
	return UDP
}

// Family returns the address family.
func (t ConnTuple) Family() ConnFamily {
	if t.Metadata&metaV6 != 0 {
		return IPv6
	}
	return IPv4
}

func (t ConnTuple) addr(h, l uint64) netip.Addr {
	if t.Family() == IPv4 {
		var a [4]byte
		binary.BigEndian.PutUint32(a[:], uint32(l))
		return netip.AddrFrom4(a)
	}
	return join16(h, l)
}

// SourceAddr returns the source address.
func (t ConnTuple) SourceAddr() netip.Addr { return t.addr(t.SaddrH, t.SaddrL) }

// DestAddr returns the destination address.
func (t ConnTuple) DestAddr() netip.Addr { return t.addr(t.DaddrH, t.DaddrL) }

// Source returns the source endpoint.
func (t ConnTuple) Source() netip.AddrPort { return netip.AddrPortFrom(t.SourceAddr(), t.Sport) }

// Dest returns the destination endpoint.
func (t ConnTuple) Dest() netip.AddrPort { return netip.AddrPortFrom(t.DestAddr(), t.Dport) }

// IsZero reports whether the tuple carries no endpoint information.
func (t ConnTuple) IsZero() bool {
	return t.SaddrH == 0 && t.SaddrL == 0 && t.DaddrH == 0 && t.DaddrL == 0 &&
		t.Sport == 0 && t.Dport == 0
}

// Flip swaps source and destination in place.
func (t *ConnTuple) Flip() {
	t.SaddrH, t.DaddrH = t.DaddrH, t.SaddrH
	t.SaddrL, t.DaddrL = t.DaddrL, t.SaddrL
	t.Sport, t.Dport = t.Dport, t.Sport
}

// Flipped returns a flipped copy.
func (t ConnTuple) Flipped() ConnTuple {
	t.Flip()
	return t
}

// WithoutPID returns a copy with the pid cleared. Packet-derived and
// socket-derived observations of the same connection meet on this key.
func (t ConnTuple) WithoutPID() ConnTuple {
	t.Pid = 0
	return t
}

// Normalize forces the ephemeral endpoint into the source position and
// reports whether the tuple was flipped. When both or neither port is
// ephemeral the higher port becomes the source, and equal ports are ordered
// by address. Normalize is idempotent.
func (t *ConnTuple) Normalize(r EphemeralRange) bool {
	sEph, dEph := r.Contains(t.Sport), r.Contains(t.Dport)
	switch {
	case sEph && !dEph:
		return false
	case dEph && !sEph:
		t.Flip()
		return true
	case t.Sport < t.Dport:
		t.Flip()
		return true
	case t.Sport > t.Dport:
		return false
	}
	if t.SaddrH < t.DaddrH || (t.SaddrH == t.DaddrH && t.SaddrL < t.DaddrL) {
		t.Flip()
		return true
	}
	return false
}

// Normalized returns the normalized copy and whether it was flipped.
func (t ConnTuple) Normalized(r EphemeralRange) (ConnTuple, bool) {
	flipped := t.Normalize(r)
	return t, flipped
}

func (t ConnTuple) String() string {
	return fmt.Sprintf("[%s%s] [%s ⇄ %s] [netns=%d pid=%d]",
		t.Type(), t.Family(), t.Source(), t.Dest(), t.Netns, t.Pid)
}
