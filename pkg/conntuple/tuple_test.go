// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntuple

import (
	"encoding/binary"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ap(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func TestNewCollapsesMappedV4(t *testing.T) {
	tup := New(ap("[::ffff:10.0.0.1]:40000"), ap("[::ffff:10.0.0.2]:80"), TCP, 7, 0)
	assert.Equal(t, IPv4, tup.Family())
	assert.Equal(t, TCP, tup.Type())
	assert.Equal(t, "10.0.0.1:40000", tup.Source().String())
	assert.Equal(t, "10.0.0.2:80", tup.Dest().String())
	assert.Zero(t, tup.SaddrH)

	v6 := New(ap("[2001:db8::1]:40000"), ap("[2001:db8::2]:443"), UDP, 0, 0)
	assert.Equal(t, IPv6, v6.Family())
	assert.Equal(t, UDP, v6.Type())
	assert.Equal(t, "[2001:db8::2]:443", v6.Dest().String())
}

func TestNormalize(t *testing.T) {
	r := DefaultEphemeralRange
	tests := []struct {
		name    string
		src     string
		dst     string
		flipped bool
		wantSrc uint16
	}{
		{"client to server", "10.0.0.1:40000", "10.0.0.2:80", false, 40000},
		{"server to client", "10.0.0.2:80", "10.0.0.1:40000", true, 40000},
		{"neither ephemeral", "10.0.0.2:5432", "10.0.0.1:8080", true, 8080},
		{"both ephemeral", "10.0.0.2:50000", "10.0.0.1:40000", false, 50000},
		{"equal ports lower source address", "10.0.0.1:9000", "10.0.0.2:9000", true, 9000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tup := New(ap(tt.src), ap(tt.dst), TCP, 0, 0)
			flipped := tup.Normalize(r)
			assert.Equal(t, tt.flipped, flipped)
			assert.Equal(t, tt.wantSrc, tup.Sport)

			again := tup
			assert.False(t, again.Normalize(r), "normalize must be idempotent")
			assert.Equal(t, tup, again)
		})
	}
}

func TestNormalizeBothSidesCollide(t *testing.T) {
	a := New(ap("10.0.0.1:40000"), ap("10.0.0.2:6379"), TCP, 1, 0)
	b := a.Flipped()
	na, _ := a.Normalized(DefaultEphemeralRange)
	nb, _ := b.Normalized(DefaultEphemeralRange)
	assert.Equal(t, na, nb)
}

func TestDirection(t *testing.T) {
	bound := fakeBindings{{netns: 1, port: 8080}: true}
	r := DefaultEphemeralRange
	assert.Equal(t, Incoming, Direction(1, 8080, r, bound))
	assert.Equal(t, Outgoing, Direction(1, 45000, r, bound))
	assert.Equal(t, Unknown, Direction(2, 8080, r, bound))
}

type bindKey struct {
	netns uint32
	port  uint16
}

type fakeBindings map[bindKey]bool

func (f fakeBindings) IsBound(netns uint32, port uint16) bool { return f[bindKey{netns, port}] }

func TestReadEphemeralRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "range")
	require.NoError(t, os.WriteFile(path, []byte("1024\t65000\n"), 0o644))

	r, err := ReadEphemeralRange(path)
	require.NoError(t, err)
	assert.Equal(t, EphemeralRange{Low: 1024, High: 65000}, r)

	require.NoError(t, os.WriteFile(path, []byte("9 1\n"), 0o644))
	_, err = ReadEphemeralRange(path)
	assert.Error(t, err)
}

func buildTCPPacket(t *testing.T, src, dst string, sport, dport uint16, seq uint32, fin bool, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     seq,
		ACK:     true,
		FIN:     fin,
		Window:  1024,
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func TestDecodePacket(t *testing.T) {
	payload := []byte("GET / HTTP/1.1\r\n\r\n")
	pkt := buildTCPPacket(t, "10.1.1.1", "10.1.1.2", 41000, 80, 1234, false, payload)

	tup, info, err := FromPacket(pkt, layers.LayerTypeEthernet, 9)
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1:41000", tup.Source().String())
	assert.Equal(t, "10.1.1.2:80", tup.Dest().String())
	assert.Equal(t, uint32(9), tup.Netns)
	assert.Equal(t, uint32(0), tup.Pid)
	assert.Equal(t, uint32(1234), info.TCPSeq)
	assert.False(t, info.IsTermination())
	assert.Equal(t, payload, pkt[info.DataOff:info.DataEnd])
}

func TestDecodePacketFIN(t *testing.T) {
	pkt := buildTCPPacket(t, "10.1.1.2", "10.1.1.1", 80, 41000, 99, true, nil)
	_, info, err := FromPacket(pkt, layers.LayerTypeEthernet, 0)
	require.NoError(t, err)
	assert.True(t, info.IsTermination())
	assert.Zero(t, info.PayloadLen())
}

func TestDecodeGarbage(t *testing.T) {
	_, _, err := FromPacket([]byte{0x45, 0x00}, layers.LayerTypeIPv4, 0)
	assert.ErrorIs(t, err, ErrTupleNotReadable)
}

func TestFromSocket(t *testing.T) {
	off := SocketOffsets{Family: 16, Saddr: 4, Daddr: 0, Sport: 14, Dport: 12, Netns: 48, Saddr6: 56, Daddr6: 72}
	snap := make([]byte, 96)
	copy(snap[0:4], []byte{10, 0, 0, 2})
	copy(snap[4:8], []byte{10, 0, 0, 1})
	binary.BigEndian.PutUint16(snap[12:], 443)
	binary.LittleEndian.PutUint16(snap[14:], 51000)
	binary.LittleEndian.PutUint16(snap[16:], AFInet)
	binary.LittleEndian.PutUint32(snap[48:], 4026531993)

	tup, err := FromSocket(snap, off, TCP, 42)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:51000", tup.Source().String())
	assert.Equal(t, "10.0.0.2:443", tup.Dest().String())
	assert.Equal(t, uint32(4026531993), tup.Netns)
	assert.Equal(t, uint32(42), tup.Pid)

	_, err = FromSocket(snap[:10], off, TCP, 42)
	assert.ErrorIs(t, err, ErrTupleNotReadable)

	binary.LittleEndian.PutUint16(snap[16:], 99)
	_, err = FromSocket(snap, off, TCP, 42)
	assert.ErrorIs(t, err, ErrTupleNotReadable)
}
