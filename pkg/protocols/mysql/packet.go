// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package mysql recognizes client commands and server greetings of the
// MySQL wire protocol and pairs each query with the next server packet.
package mysql

import (
	"bytes"
	"encoding/binary"
)

const (
	// QuerySize is the number of statement bytes kept per transaction.
	QuerySize = 80

	// HeaderSize is the 3-byte payload length plus the sequence id.
	HeaderSize = 4

	// maxPacketSize is the largest payload one packet carries.
	maxPacketSize = 1<<24 - 1
)

// Command bytes.
const (
	ComQuery       = 0x03
	ComStmtPrepare = 0x16
)

// Greeting protocol versions.
const (
	greetingV9  = 0x09
	greetingV10 = 0x0a
)

// Response packet markers.
const (
	ResponseOK        = 0x00
	ResponseEOF       = 0xfe
	ResponseERR       = 0xff
	ResponseResultSet = 0x01 // any column count
)

var keywords = [...][]byte{
	[]byte("ALTER"), []byte("CREATE"), []byte("DELETE"), []byte("DROP"),
	[]byte("INSERT"), []byte("SELECT"), []byte("UPDATE"),
}

// Packet is a decoded packet header and the visible part of its payload.
type Packet struct {
	Length   int
	Sequence uint8
	Payload  []byte
}

// ReadPacket decodes the header at the start of b.
func ReadPacket(b []byte) (Packet, bool) {
	if len(b) < HeaderSize+1 {
		return Packet{}, false
	}
	n := int(b[0]) | int(b[1])<<8 | int(b[2])<<16
	if n == 0 || n > maxPacketSize {
		return Packet{}, false
	}
	payload := b[HeaderSize:]
	if len(payload) > n {
		payload = payload[:n]
	}
	return Packet{Length: n, Sequence: b[3], Payload: payload}, true
}

// hasKeyword reports whether the statement starts with one of the tracked
// SQL keywords, ignoring case.
func hasKeyword(stmt []byte) bool {
	for _, kw := range keywords {
		if len(stmt) >= len(kw) && bytes.EqualFold(stmt[:len(kw)], kw) {
			return true
		}
	}
	return false
}

// IsQuery reports whether b starts with a QUERY or PREPARE command whose
// statement starts with a tracked keyword.
func IsQuery(b []byte) bool {
	pkt, ok := ReadPacket(b)
	if !ok || pkt.Sequence != 0 {
		return false
	}
	switch pkt.Payload[0] {
	case ComQuery, ComStmtPrepare:
		return hasKeyword(pkt.Payload[1:])
	}
	return false
}

// IsServerGreeting reports whether b starts with a v9 or v10 handshake
// whose server version reads <major>.<minor>.<bugfix>.
func IsServerGreeting(b []byte) bool {
	pkt, ok := ReadPacket(b)
	if !ok || pkt.Sequence != 0 {
		return false
	}
	switch pkt.Payload[0] {
	case greetingV9, greetingV10:
		return validVersion(pkt.Payload[1:])
	}
	return false
}

// validVersion checks the version prefix: 1-2 digit major and minor, 1-3
// digit bugfix, then a NUL or a suffix such as "-log".
func validVersion(b []byte) bool {
	limits := [...]int{2, 2, 3}
	off := 0
	for i, limit := range limits {
		n := 0
		for off < len(b) && n <= limit && b[off] >= '0' && b[off] <= '9' {
			off++
			n++
		}
		if n == 0 || n > limit {
			return false
		}
		if i < len(limits)-1 {
			if off >= len(b) || b[off] != '.' {
				return false
			}
			off++
		}
	}
	// The fragment may end right after the version.
	return off == len(b) || b[off] == 0 || b[off] == '-' || b[off] == '+' || b[off] == '.'
}

// Statement returns the statement text of a command packet.
func (p Packet) Statement() []byte {
	if len(p.Payload) < 2 {
		return nil
	}
	return p.Payload[1:]
}

// ErrorCode returns the code of an ERR packet.
func (p Packet) ErrorCode() uint16 {
	if len(p.Payload) < 3 || p.Payload[0] != ResponseERR {
		return 0
	}
	return binary.LittleEndian.Uint16(p.Payload[1:3])
}
