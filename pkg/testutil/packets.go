// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package testutil builds wire packets for tests.
package testutil

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"

	"github.com/mbeema/usm/pkg/conntuple"
)

// Segment describes one TCP segment.
type Segment struct {
	Src, Dst string // "addr:port"
	Seq      uint32
	Flags    uint8 // conntuple.Flag* bits; ACK is always set
	Payload  []byte
	// Ethernet prefixes an Ethernet header; otherwise the packet starts
	// with the IP header.
	Ethernet bool
}

// TCP serializes s with valid lengths and checksums.
func TCP(t testing.TB, s Segment) []byte {
	t.Helper()
	src := netip.MustParseAddrPort(s.Src)
	dst := netip.MustParseAddrPort(s.Dst)

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     s.Seq,
		ACK:     true,
		FIN:     s.Flags&conntuple.FlagFIN != 0,
		SYN:     s.Flags&conntuple.FlagSYN != 0,
		RST:     s.Flags&conntuple.FlagRST != 0,
		PSH:     s.Flags&conntuple.FlagPSH != 0,
		Window:  1024,
	}

	var (
		ip        gopacket.SerializableLayer
		ethType   layers.EthernetType
		netLayer  gopacket.NetworkLayer
		stackList []gopacket.SerializableLayer
	)
	if src.Addr().Is4() {
		ip4 := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    net.IP(src.Addr().AsSlice()),
			DstIP:    net.IP(dst.Addr().AsSlice()),
		}
		ip, ethType, netLayer = ip4, layers.EthernetTypeIPv4, ip4
	} else {
		ip6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      net.IP(src.Addr().AsSlice()),
			DstIP:      net.IP(dst.Addr().AsSlice()),
		}
		ip, ethType, netLayer = ip6, layers.EthernetTypeIPv6, ip6
	}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(netLayer))

	if s.Ethernet {
		stackList = append(stackList, &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 6},
			EthernetType: ethType,
		})
	}
	stackList = append(stackList, ip, tcp, gopacket.Payload(s.Payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, stackList...))
	return buf.Bytes()
}
