// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package offsetguess finds the offsets of struct sock and struct pid fields
// on kernels without BTF. The loader provokes tcp_getsockopt on sockets whose
// addresses, ports and namespace are known, collects raw memory snapshots of
// the kernel structs and hands them here; each field is located by scanning
// for its known value.
package offsetguess

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
)

// DefaultMaxOffset bounds every scan.
const DefaultMaxOffset = 4096

// ErrNotFound is returned when no offset matches every snapshot.
var ErrNotFound = errors.New("offsetguess: field not found")

// State is a step of the socket guessing state machine.
type State uint8

const (
	GuessSaddr State = iota
	GuessDaddr
	GuessFamily
	GuessSport
	GuessDport
	GuessNetns
	GuessSaddr6
	GuessDaddr6
	StateReady
)

func (s State) String() string {
	switch s {
	case GuessSaddr:
		return "saddr"
	case GuessDaddr:
		return "daddr"
	case GuessFamily:
		return "family"
	case GuessSport:
		return "sport"
	case GuessDport:
		return "dport"
	case GuessNetns:
		return "netns"
	case GuessSaddr6:
		return "saddr6"
	case GuessDaddr6:
		return "daddr6"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Expected holds the field values of a provoked socket.
type Expected struct {
	Saddr netip.Addr
	Daddr netip.Addr
	Sport uint16 // skc_num, host order
	Dport uint16 // skc_dport, network order
	Netns uint32
}

// Snapshot is the raw memory of one struct sock and what it should contain.
type Snapshot struct {
	Memory   []byte
	Expected Expected
}

// Guesser runs the guessing state machine.
type Guesser struct {
	MaxOffset int
	logger    *zap.Logger
}

// NewGuesser returns a guesser scanning up to maxOffset bytes.
func NewGuesser(maxOffset int, logger *zap.Logger) *Guesser {
	if maxOffset <= 0 {
		maxOffset = DefaultMaxOffset
	}
	return &Guesser{MaxOffset: maxOffset, logger: logger}
}

type field struct {
	state State
	size  int
	align int
	value func(e Expected) ([]byte, bool)
	dest  func(o *conntuple.SocketOffsets) *uint64
}

var fields = []field{
	{GuessSaddr, 4, 4, func(e Expected) ([]byte, bool) { return v4(e.Saddr) },
		func(o *conntuple.SocketOffsets) *uint64 { return &o.Saddr }},
	{GuessDaddr, 4, 4, func(e Expected) ([]byte, bool) { return v4(e.Daddr) },
		func(o *conntuple.SocketOffsets) *uint64 { return &o.Daddr }},
	{GuessFamily, 2, 2, func(e Expected) ([]byte, bool) {
		fam := uint16(conntuple.AFInet)
		if !e.Saddr.Unmap().Is4() {
			fam = conntuple.AFInet6
		}
		return binary.LittleEndian.AppendUint16(nil, fam), true
	}, func(o *conntuple.SocketOffsets) *uint64 { return &o.Family }},
	{GuessSport, 2, 2, func(e Expected) ([]byte, bool) {
		return binary.LittleEndian.AppendUint16(nil, e.Sport), true
	}, func(o *conntuple.SocketOffsets) *uint64 { return &o.Sport }},
	{GuessDport, 2, 2, func(e Expected) ([]byte, bool) {
		return binary.BigEndian.AppendUint16(nil, e.Dport), true
	}, func(o *conntuple.SocketOffsets) *uint64 { return &o.Dport }},
	{GuessNetns, 4, 4, func(e Expected) ([]byte, bool) {
		return binary.LittleEndian.AppendUint32(nil, e.Netns), true
	}, func(o *conntuple.SocketOffsets) *uint64 { return &o.Netns }},
	{GuessSaddr6, 16, 4, func(e Expected) ([]byte, bool) { return v6(e.Saddr) },
		func(o *conntuple.SocketOffsets) *uint64 { return &o.Saddr6 }},
	{GuessDaddr6, 16, 4, func(e Expected) ([]byte, bool) { return v6(e.Daddr) },
		func(o *conntuple.SocketOffsets) *uint64 { return &o.Daddr6 }},
}

func v4(a netip.Addr) ([]byte, bool) {
	a = a.Unmap()
	if !a.Is4() {
		return nil, false
	}
	b := a.As4()
	return b[:], true
}

func v6(a netip.Addr) ([]byte, bool) {
	if !a.Is6() || a.Is4In6() {
		return nil, false
	}
	b := a.As16()
	return b[:], true
}

type span struct{ lo, hi int }

// GuessSocket walks the state machine over snapshots. IPv6 fields are only
// guessed when at least one snapshot carries IPv6 addresses. Each field takes
// the lowest aligned offset that matches in every applicable snapshot and
// does not overlap a field found earlier.
func (g *Guesser) GuessSocket(snaps []Snapshot) (conntuple.SocketOffsets, error) {
	var out conntuple.SocketOffsets
	if len(snaps) == 0 {
		return out, fmt.Errorf("guess socket offsets: no snapshots")
	}

	var claimed []span
	for _, f := range fields {
		off, ok, err := g.scan(f, snaps, claimed)
		if err != nil {
			return out, fmt.Errorf("guess %s: %w", f.state, err)
		}
		if !ok {
			continue
		}
		*f.dest(&out) = uint64(off)
		claimed = append(claimed, span{off, off + f.size})
		if g.logger != nil {
			g.logger.Debug("offset guessed", zap.Stringer("field", f.state), zap.Int("offset", off))
		}
	}
	return out, nil
}

// scan returns ok=false when no snapshot applies to the field.
func (g *Guesser) scan(f field, snaps []Snapshot, claimed []span) (int, bool, error) {
	type probe struct {
		mem  []byte
		want []byte
	}
	var probes []probe
	for _, s := range snaps {
		if want, ok := f.value(s.Expected); ok {
			probes = append(probes, probe{s.Memory, want})
		}
	}
	if len(probes) == 0 {
		return 0, false, nil
	}

next:
	for off := 0; off+f.size <= g.MaxOffset; off += f.align {
		for _, c := range claimed {
			if off < c.hi && off+f.size > c.lo {
				continue next
			}
		}
		for _, p := range probes {
			if off+f.size > len(p.mem) || !bytes.Equal(p.mem[off:off+f.size], p.want) {
				continue next
			}
		}
		return off, true, nil
	}
	return 0, true, ErrNotFound
}

// GuessPIDOffset finds the offset of the numeric pid inside struct pid
// snapshots taken at get_pid_task.
func GuessPIDOffset(snaps [][]byte, pids []uint32, maxOffset int) (uint64, error) {
	if len(snaps) == 0 || len(snaps) != len(pids) {
		return 0, fmt.Errorf("guess pid offset: need one pid per snapshot")
	}
	if maxOffset <= 0 {
		maxOffset = DefaultMaxOffset
	}
next:
	for off := 0; off+4 <= maxOffset; off += 4 {
		for i, mem := range snaps {
			if off+4 > len(mem) || binary.LittleEndian.Uint32(mem[off:]) != pids[i] {
				continue next
			}
		}
		return uint64(off), nil
	}
	return 0, fmt.Errorf("guess pid offset: %w", ErrNotFound)
}
