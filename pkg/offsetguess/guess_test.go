// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package offsetguess

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mbeema/usm/pkg/conntuple"
)

// layout used by the synthetic kernel below.
var layout = conntuple.SocketOffsets{
	Daddr: 8, Saddr: 12, Dport: 20, Sport: 22, Family: 24, Netns: 32, Daddr6: 64, Saddr6: 80,
}

func fakeSock(e Expected) []byte {
	mem := make([]byte, 128)
	for i := range mem {
		mem[i] = 0xAA
	}
	if e.Saddr.Is4() {
		s, d := e.Saddr.As4(), e.Daddr.As4()
		copy(mem[layout.Saddr:], s[:])
		copy(mem[layout.Daddr:], d[:])
		binary.LittleEndian.PutUint16(mem[layout.Family:], conntuple.AFInet)
	} else {
		s, d := e.Saddr.As16(), e.Daddr.As16()
		copy(mem[layout.Saddr6:], s[:])
		copy(mem[layout.Daddr6:], d[:])
		binary.LittleEndian.PutUint16(mem[layout.Family:], conntuple.AFInet6)
	}
	binary.BigEndian.PutUint16(mem[layout.Dport:], e.Dport)
	binary.LittleEndian.PutUint16(mem[layout.Sport:], e.Sport)
	binary.LittleEndian.PutUint32(mem[layout.Netns:], e.Netns)
	return mem
}

func TestGuessSocket(t *testing.T) {
	snaps := []Snapshot{
		{Expected: Expected{
			Saddr: netip.MustParseAddr("127.0.0.1"), Daddr: netip.MustParseAddr("127.0.0.2"),
			Sport: 45123, Dport: 8080, Netns: 4026531993,
		}},
		{Expected: Expected{
			Saddr: netip.MustParseAddr("::1"), Daddr: netip.MustParseAddr("fe80::2"),
			Sport: 45124, Dport: 8081, Netns: 4026531993,
		}},
	}
	for i := range snaps {
		snaps[i].Memory = fakeSock(snaps[i].Expected)
	}

	g := NewGuesser(128, zaptest.NewLogger(t))
	got, err := g.GuessSocket(snaps)
	require.NoError(t, err)
	assert.Equal(t, layout, got)

	// The guessed offsets read the tuple back.
	tup, err := conntuple.FromSocket(snaps[0].Memory, got, conntuple.TCP, 0)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:45123", tup.Source().String())
	assert.Equal(t, "127.0.0.2:8080", tup.Dest().String())

	consts := got.Constants()
	assert.Equal(t, uint64(20), consts["offset_dport"])
}

func TestGuessSocketNotFound(t *testing.T) {
	snap := Snapshot{
		Memory: make([]byte, 64),
		Expected: Expected{
			Saddr: netip.MustParseAddr("10.9.9.9"), Daddr: netip.MustParseAddr("10.8.8.8"),
			Sport: 1, Dport: 2, Netns: 3,
		},
	}
	_, err := NewGuesser(64, nil).GuessSocket([]Snapshot{snap})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewGuesser(64, nil).GuessSocket(nil)
	assert.Error(t, err)
}

func TestGuessPIDOffset(t *testing.T) {
	a := make([]byte, 64)
	b := make([]byte, 64)
	binary.LittleEndian.PutUint32(a[12:], 1234)
	binary.LittleEndian.PutUint32(b[12:], 999)
	binary.LittleEndian.PutUint32(b[4:], 1234) // decoy in one snapshot only

	off, err := GuessPIDOffset([][]byte{a, b}, []uint32{1234, 999}, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), off)

	_, err = GuessPIDOffset([][]byte{a}, []uint32{42}, 64)
	assert.ErrorIs(t, err, ErrNotFound)
}
