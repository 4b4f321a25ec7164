// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ebpf

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/offsetguess"
)

func TestGuessedOffsetsFillGaps(t *testing.T) {
	const netns = 4026531993
	// daddr, saddr, dport, sport, family, netns as struct sock_common lays
	// them out on x86_64.
	layout := conntuple.SocketOffsets{Daddr: 0, Saddr: 4, Dport: 12, Sport: 14, Family: 16, Netns: 48}

	var snaps []offsetguess.Snapshot
	for i := 0; i < guessSamples; i++ {
		local := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, byte(10 + i)}), uint16(40000+i))
		remote := netip.MustParseAddrPort("127.0.0.2:9000")
		e := expectedFor(local, remote, netns)

		mem := make([]byte, 96)
		d, s := e.Daddr.As4(), e.Saddr.As4()
		copy(mem[layout.Daddr:], d[:])
		copy(mem[layout.Saddr:], s[:])
		binary.BigEndian.PutUint16(mem[layout.Dport:], e.Dport)
		binary.LittleEndian.PutUint16(mem[layout.Sport:], e.Sport)
		binary.LittleEndian.PutUint16(mem[layout.Family:], conntuple.AFInet)
		binary.LittleEndian.PutUint32(mem[layout.Netns:], e.Netns)
		snaps = append(snaps, offsetguess.Snapshot{Memory: mem, Expected: e})
	}

	got, err := offsetguess.NewGuesser(96, nil).GuessSocket(snaps)
	require.NoError(t, err)
	assert.Equal(t, layout.Saddr, got.Saddr)
	assert.Equal(t, layout.Dport, got.Dport)
	assert.Equal(t, layout.Netns, got.Netns)

	consts := map[string]uint64{"offset_netns": 52, "offset_saddr": 0}
	n := mergeGuessed(consts, got.Constants())
	assert.Equal(t, uint64(52), consts["offset_netns"], "configured offsets win")
	assert.Equal(t, layout.Saddr, consts["offset_saddr"])
	assert.Equal(t, layout.Sport, consts["offset_sport"])
	assert.Positive(t, n)
}
