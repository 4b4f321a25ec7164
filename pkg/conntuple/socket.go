// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntuple

import (
	"encoding/binary"
	"net/netip"
)

// Address families as stored in struct sock_common.
const (
	AFInet  = 2
	AFInet6 = 10
)

// SocketOffsets locates the fields of struct sock inside a memory snapshot.
// They come either from BTF or from offset guessing.
type SocketOffsets struct {
	Family uint64 `yaml:"family"`
	Saddr  uint64 `yaml:"saddr"`
	Daddr  uint64 `yaml:"daddr"`
	Sport  uint64 `yaml:"sport"`
	Dport  uint64 `yaml:"dport"`
	Netns  uint64 `yaml:"netns"`
	Saddr6 uint64 `yaml:"saddr6"`
	Daddr6 uint64 `yaml:"daddr6"`
}

// Constants renders the offsets under the names the kernel objects load
// them with.
func (o SocketOffsets) Constants() map[string]uint64 {
	return map[string]uint64{
		"offset_family":   o.Family,
		"offset_saddr":    o.Saddr,
		"offset_daddr":    o.Daddr,
		"offset_sport":    o.Sport,
		"offset_dport":    o.Dport,
		"offset_netns":    o.Netns,
		"offset_saddr_v6": o.Saddr6,
		"offset_daddr_v6": o.Daddr6,
	}
}

// FromSocket reads the tuple of a socket out of a struct sock snapshot. The
// local port (skc_num) is host order, the remote port (skc_dport) network
// order.
func FromSocket(snapshot []byte, off SocketOffsets, typ ConnType, pid uint32) (ConnTuple, error) {
	read := func(at uint64, n int) ([]byte, bool) {
		if at+uint64(n) > uint64(len(snapshot)) {
			return nil, false
		}
		return snapshot[at : at+uint64(n)], true
	}

	fam, ok := read(off.Family, 2)
	if !ok {
		return ConnTuple{}, ErrTupleNotReadable
	}
	sp, ok1 := read(off.Sport, 2)
	dp, ok2 := read(off.Dport, 2)
	ns, ok3 := read(off.Netns, 4)
	if !ok1 || !ok2 || !ok3 {
		return ConnTuple{}, ErrTupleNotReadable
	}
	sport := binary.LittleEndian.Uint16(sp)
	dport := binary.BigEndian.Uint16(dp)
	netns := binary.LittleEndian.Uint32(ns)

	var src, dst netip.Addr
	switch binary.LittleEndian.Uint16(fam) {
	case AFInet:
		s, ok1 := read(off.Saddr, 4)
		d, ok2 := read(off.Daddr, 4)
		if !ok1 || !ok2 {
			return ConnTuple{}, ErrTupleNotReadable
		}
		src, _ = netip.AddrFromSlice(s)
		dst, _ = netip.AddrFromSlice(d)
	case AFInet6:
		s, ok1 := read(off.Saddr6, 16)
		d, ok2 := read(off.Daddr6, 16)
		if !ok1 || !ok2 {
			return ConnTuple{}, ErrTupleNotReadable
		}
		src, _ = netip.AddrFromSlice(s)
		dst, _ = netip.AddrFromSlice(d)
	default:
		return ConnTuple{}, ErrTupleNotReadable
	}
	if sport == 0 || dport == 0 {
		return ConnTuple{}, ErrTupleNotReadable
	}

	return New(netip.AddrPortFrom(src, sport), netip.AddrPortFrom(dst, dport), typ, netns, pid), nil
}
