// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/mbeema/usm/pkg/conntuple"
)

// Message types of the hook wire protocol.
const (
	MsgPacket       = 1  // socket-filter packet, Arg = netns
	MsgTLSRead      = 2  // plaintext returned by a TLS read, Arg = ctx
	MsgTLSWrite     = 3  // plaintext passed to a TLS write, Arg = ctx
	MsgTLSHandshake = 4  // handshake on ctx
	MsgTLSSetFD     = 5  // ctx bound to FD
	MsgTLSSetBIO    = 6  // ctx bound to the BIO in the payload
	MsgBIONewSocket = 7  // BIO in Arg created over FD
	MsgTLSShutdown  = 8  // ctx shut down
	MsgGoTLSRead    = 9  // Go crypto/tls read, TID = goroutine id, Arg = conn
	MsgGoTLSWrite   = 10 // Go crypto/tls write, Arg = conn
	MsgGoTLSClose   = 11 // Go crypto/tls close, Arg = conn
	MsgTCPSendmsg   = 12 // endpoints of a tcp_sendmsg by PID/TID
	MsgSocketFD     = 13 // FD of PID refers to the endpoints
	MsgBind         = 14 // port bound, endpoints carry netns and port
	MsgAccept       = 15 // connection accepted on FD
	MsgListenStop   = 16 // listening socket closed
	MsgTCPClose     = 17 // connection closed
	MsgRetransmit   = 18 // Ret segments retransmitted
)

// Header flags.
const (
	// FlagEthernet marks a packet that starts with an Ethernet header.
	FlagEthernet uint8 = 1 << 0
)

// TLS library ids in the Lib header field.
const (
	LibOpenSSL uint8 = 1
	LibGnuTLS  uint8 = 2
)

// HeaderSize is the fixed size of the binary wire protocol header.
const HeaderSize = 40

// MaxPayload is the maximum payload per message.
const MaxPayload = 16 * 1024

// EndpointsSize is the encoded size of a connection's endpoints.
const EndpointsSize = 48

var (
	// ErrShortMessage is returned for a buffer smaller than its header
	// announces.
	ErrShortMessage = errors.New("hook: short message")
	// ErrBadEndpoints is returned when the endpoint block cannot be decoded.
	ErrBadEndpoints = errors.New("hook: malformed endpoints")
)

// Header is the fixed part of every message.
//
//	0  type    uint8
//	1  flags   uint8
//	2  lib     uint8
//	4  pid     uint32
//	8  tid     uint32
//	12 fd      int32
//	16 len     uint32
//	20 ret     int32
//	24 ts      uint64
//	32 arg     uint64
type Header struct {
	MsgType     uint8
	Flags       uint8
	Lib         uint8
	PID         uint32
	TID         uint32
	FD          int32
	PayloadLen  uint32
	Ret         int32
	TimestampNS uint64
	Arg         uint64
}

// PidTgid packs PID and TID the way the kernel helper returns them.
func (h Header) PidTgid() uint64 { return uint64(h.PID)<<32 | uint64(h.TID) }

// Message is a complete hook event with header and optional payload.
type Message struct {
	Header  Header
	Payload []byte

	// Filled by the transport for messages that carry a connection.
	Tuple    conntuple.ConnTuple
	Skb      conntuple.SkbInfo
	HasTuple bool
}

// MsgTypeName returns a human-readable name for a message type.
func MsgTypeName(t uint8) string {
	switch t {
	case MsgPacket:
		return "PACKET"
	case MsgTLSRead:
		return "TLS_READ"
	case MsgTLSWrite:
		return "TLS_WRITE"
	case MsgTLSHandshake:
		return "TLS_HANDSHAKE"
	case MsgTLSSetFD:
		return "TLS_SET_FD"
	case MsgTLSSetBIO:
		return "TLS_SET_BIO"
	case MsgBIONewSocket:
		return "BIO_NEW_SOCKET"
	case MsgTLSShutdown:
		return "TLS_SHUTDOWN"
	case MsgGoTLSRead:
		return "GO_TLS_READ"
	case MsgGoTLSWrite:
		return "GO_TLS_WRITE"
	case MsgGoTLSClose:
		return "GO_TLS_CLOSE"
	case MsgTCPSendmsg:
		return "TCP_SENDMSG"
	case MsgSocketFD:
		return "SOCKET_FD"
	case MsgBind:
		return "BIND"
	case MsgAccept:
		return "ACCEPT"
	case MsgListenStop:
		return "LISTEN_STOP"
	case MsgTCPClose:
		return "TCP_CLOSE"
	case MsgRetransmit:
		return "RETRANSMIT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// carriesEndpoints reports whether the payload of t is an endpoint block.
func carriesEndpoints(t uint8) bool {
	switch t {
	case MsgTCPSendmsg, MsgSocketFD, MsgBind, MsgAccept, MsgListenStop, MsgTCPClose, MsgRetransmit:
		return true
	}
	return false
}

// IsTLS returns true if the message was captured from a TLS library.
func (m *Message) IsTLS() bool {
	return m.Header.MsgType >= MsgTLSRead && m.Header.MsgType <= MsgGoTLSClose
}

// ParseHeader decodes a 40-byte binary header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d < %d", ErrShortMessage, len(buf), HeaderSize)
	}

	return Header{
		MsgType:     buf[0],
		Flags:       buf[1],
		Lib:         buf[2],
		PID:         binary.LittleEndian.Uint32(buf[4:8]),
		TID:         binary.LittleEndian.Uint32(buf[8:12]),
		FD:          int32(binary.LittleEndian.Uint32(buf[12:16])),
		PayloadLen:  binary.LittleEndian.Uint32(buf[16:20]),
		Ret:         int32(binary.LittleEndian.Uint32(buf[20:24])),
		TimestampNS: binary.LittleEndian.Uint64(buf[24:32]),
		Arg:         binary.LittleEndian.Uint64(buf[32:40]),
	}, nil
}

// ParseMessage decodes a complete message from a byte buffer. Messages with
// an endpoint block get their tuple decoded.
func ParseMessage(buf []byte) (*Message, error) {
	hdr, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if hdr.PayloadLen > MaxPayload {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d", hdr.PayloadLen, MaxPayload)
	}

	msg := &Message{Header: hdr}

	if hdr.PayloadLen > 0 {
		if uint32(len(buf)) < uint32(HeaderSize)+hdr.PayloadLen {
			return nil, fmt.Errorf("%w: payload has %d, need %d",
				ErrShortMessage, len(buf)-HeaderSize, hdr.PayloadLen)
		}
		msg.Payload = make([]byte, hdr.PayloadLen)
		copy(msg.Payload, buf[HeaderSize:HeaderSize+hdr.PayloadLen])
	}

	if carriesEndpoints(hdr.MsgType) {
		tup, err := DecodeEndpoints(msg.Payload, hdr.PID)
		if err != nil {
			return nil, err
		}
		msg.Tuple, msg.HasTuple = tup, true
	}

	return msg, nil
}

// EncodeMessage is the inverse of ParseMessage. PayloadLen is taken from
// payload.
func EncodeMessage(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = h.MsgType
	buf[1] = h.Flags
	buf[2] = h.Lib
	binary.LittleEndian.PutUint32(buf[4:8], h.PID)
	binary.LittleEndian.PutUint32(buf[8:12], h.TID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.FD))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(h.Ret))
	binary.LittleEndian.PutUint64(buf[24:32], h.TimestampNS)
	binary.LittleEndian.PutUint64(buf[32:40], h.Arg)
	copy(buf[HeaderSize:], payload)
	return buf
}

// Endpoint block layout:
//
//	0  family uint8 (4 or 6)
//	1  proto  uint8 (6 tcp, 17 udp)
//	2  sport  uint16
//	4  dport  uint16
//	8  netns  uint32
//	16 saddr  [16]byte
//	32 daddr  [16]byte
const (
	protoTCP = 6
	protoUDP = 17
)

// EncodeEndpoints writes the endpoint block of t.
func EncodeEndpoints(t conntuple.ConnTuple) []byte {
	buf := make([]byte, EndpointsSize)
	src, dst := t.SourceAddr(), t.DestAddr()
	if src.Is4() {
		buf[0] = 4
		s4, d4 := src.As4(), dst.As4()
		copy(buf[16:20], s4[:])
		copy(buf[32:36], d4[:])
	} else {
		buf[0] = 6
		s16, d16 := src.As16(), dst.As16()
		copy(buf[16:32], s16[:])
		copy(buf[32:48], d16[:])
	}
	buf[1] = protoTCP
	if t.Type() == conntuple.UDP {
		buf[1] = protoUDP
	}
	binary.LittleEndian.PutUint16(buf[2:4], t.Sport)
	binary.LittleEndian.PutUint16(buf[4:6], t.Dport)
	binary.LittleEndian.PutUint32(buf[8:12], t.Netns)
	return buf
}

// DecodeEndpoints reads an endpoint block and returns the tuple it names,
// tagged with pid.
func DecodeEndpoints(b []byte, pid uint32) (conntuple.ConnTuple, error) {
	if len(b) < EndpointsSize {
		return conntuple.ConnTuple{}, fmt.Errorf("%w: %d bytes", ErrBadEndpoints, len(b))
	}
	var src, dst netip.Addr
	switch b[0] {
	case 4:
		src = netip.AddrFrom4([4]byte(b[16:20]))
		dst = netip.AddrFrom4([4]byte(b[32:36]))
	case 6:
		src = netip.AddrFrom16([16]byte(b[16:32]))
		dst = netip.AddrFrom16([16]byte(b[32:48]))
	default:
		return conntuple.ConnTuple{}, fmt.Errorf("%w: family %d", ErrBadEndpoints, b[0])
	}
	var typ conntuple.ConnType
	switch b[1] {
	case protoTCP:
		typ = conntuple.TCP
	case protoUDP:
		typ = conntuple.UDP
	default:
		return conntuple.ConnTuple{}, fmt.Errorf("%w: protocol %d", ErrBadEndpoints, b[1])
	}
	sport := binary.LittleEndian.Uint16(b[2:4])
	dport := binary.LittleEndian.Uint16(b[4:6])
	netns := binary.LittleEndian.Uint32(b[8:12])
	return conntuple.New(netip.AddrPortFrom(src, sport), netip.AddrPortFrom(dst, dport), typ, netns, pid), nil
}
