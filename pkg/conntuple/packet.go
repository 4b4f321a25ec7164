// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntuple

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// TCP flag bits as they appear in the TCP header.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
)

// SkbInfo describes where the application payload sits inside a packet.
type SkbInfo struct {
	DataOff  int
	DataEnd  int
	TCPSeq   uint32
	TCPFlags uint8
}

// IsTermination reports whether the segment carries FIN or RST.
func (s SkbInfo) IsTermination() bool {
	return s.TCPFlags&(FlagFIN|FlagRST) != 0
}

// PayloadLen returns the application payload length.
func (s SkbInfo) PayloadLen() int { return s.DataEnd - s.DataOff }

// Decoder extracts tuples from raw packets. A Decoder reuses its layer
// structs between calls and must not be shared between goroutines.
type Decoder struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	payload gopacket.Payload

	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewDecoder returns a decoder whose packets start with the given layer,
// usually layers.LayerTypeEthernet for AF_PACKET or LayerTypeIPv4 /
// LayerTypeIPv6 for raw IP captures.
func NewDecoder(first gopacket.LayerType) *Decoder {
	d := &Decoder{decoded: make([]gopacket.LayerType, 0, 6)}
	d.parser = gopacket.NewDecodingLayerParser(first,
		&d.eth, &d.ip4, &d.ip6, &d.tcp, &d.udp, &d.payload)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode parses data and returns the tuple as seen on the wire (not
// normalized) and the payload location.
func (d *Decoder) Decode(data []byte, netns uint32) (ConnTuple, SkbInfo, error) {
	d.decoded = d.decoded[:0]
	if err := d.parser.DecodeLayers(data, &d.decoded); err != nil {
		return ConnTuple{}, SkbInfo{}, ErrTupleNotReadable
	}

	var (
		src, dst       netip.Addr
		haveIP         bool
		sport, dport   uint16
		typ            ConnType
		haveL4         bool
		info           SkbInfo
		transportLayer []byte
	)
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			src, _ = netip.AddrFromSlice(d.ip4.SrcIP.To4())
			dst, _ = netip.AddrFromSlice(d.ip4.DstIP.To4())
			haveIP = true
		case layers.LayerTypeIPv6:
			src, _ = netip.AddrFromSlice(d.ip6.SrcIP.To16())
			dst, _ = netip.AddrFromSlice(d.ip6.DstIP.To16())
			haveIP = true
		case layers.LayerTypeTCP:
			sport, dport = uint16(d.tcp.SrcPort), uint16(d.tcp.DstPort)
			typ, haveL4 = TCP, true
			info.TCPSeq = d.tcp.Seq
			info.TCPFlags = tcpFlags(&d.tcp)
			transportLayer = d.tcp.Payload
		case layers.LayerTypeUDP:
			sport, dport = uint16(d.udp.SrcPort), uint16(d.udp.DstPort)
			typ, haveL4 = UDP, true
			transportLayer = d.udp.Payload
		}
	}
	if !haveIP || !haveL4 || !src.IsValid() || !dst.IsValid() {
		return ConnTuple{}, SkbInfo{}, ErrTupleNotReadable
	}

	// The payload is a subslice of data, so the capacity difference is its
	// offset inside the packet.
	if len(transportLayer) > 0 {
		info.DataOff = cap(data) - cap(transportLayer)
		info.DataEnd = info.DataOff + len(transportLayer)
	} else {
		info.DataOff = len(data)
		info.DataEnd = len(data)
	}

	t := New(netip.AddrPortFrom(src, sport), netip.AddrPortFrom(dst, dport), typ, netns, 0)
	return t, info, nil
}

func tcpFlags(tcp *layers.TCP) uint8 {
	var f uint8
	if tcp.FIN {
		f |= FlagFIN
	}
	if tcp.SYN {
		f |= FlagSYN
	}
	if tcp.RST {
		f |= FlagRST
	}
	if tcp.PSH {
		f |= FlagPSH
	}
	if tcp.ACK {
		f |= FlagACK
	}
	return f
}

// FromPacket is a convenience wrapper for one-off decoding.
func FromPacket(data []byte, first gopacket.LayerType, netns uint32) (ConnTuple, SkbInfo, error) {
	return NewDecoder(first).Decode(data, netns)
}
