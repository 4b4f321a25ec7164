// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http2

import (
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/mbeema/usm/pkg/buffer"
	"github.com/mbeema/usm/pkg/protocols/http"
)

// MaxStaticTableIndex is the last index of the HPACK static table.
const MaxStaticTableIndex = 61

// maxIntContinuation bounds the continuation bytes of an HPACK integer.
const maxIntContinuation = 2

// Static table slots the parser cares about.
const (
	staticMethodGet   = 2
	staticMethodPost  = 3
	staticPathRoot    = 4
	staticPathIndex   = 5
	staticStatus200   = 8
	staticStatus500   = 14
	staticContentType = 31
)

var staticStatus = map[uint64]uint16{
	8: 200, 9: 204, 10: 206, 11: 304, 12: 400, 13: 404, 14: 500,
}

type headerKind uint8

const (
	headerOther headerKind = iota
	headerMethod
	headerPath
	headerStatus
	headerContentType
)

// kindOf maps a static name index to the header it names.
func kindOf(idx uint64) headerKind {
	switch {
	case idx == staticMethodGet || idx == staticMethodPost:
		return headerMethod
	case idx == staticPathRoot || idx == staticPathIndex:
		return headerPath
	case idx >= staticStatus200 && idx <= staticStatus500:
		return headerStatus
	case idx == staticContentType:
		return headerContentType
	}
	return headerOther
}

// kindOfName maps a literal header name to the header it names.
func kindOfName(name string) headerKind {
	switch strings.ToLower(name) {
	case ":method":
		return headerMethod
	case ":path":
		return headerPath
	case ":status":
		return headerStatus
	case "content-type":
		return headerContentType
	}
	return headerOther
}

// readInt decodes an HPACK integer whose prefix is the low n bits of first.
// When the prefix is saturated it reads at most two continuation bytes.
func readInt(b *buffer.Buffer, first byte, n uint) (uint64, bool) {
	limit := uint64(1)<<n - 1
	v := uint64(first) & limit
	if v < limit {
		return v, true
	}
	var shift uint
	for i := 0; i < maxIntContinuation; i++ {
		c, err := b.Uint8()
		if err != nil {
			return 0, false
		}
		v += uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, true
		}
		shift += 7
	}
	return 0, false
}

// stringRef points at a string literal inside the buffer.
type stringRef struct {
	off     int
	length  int
	huffman bool
	// available is how many of the length bytes are inside the frame.
	available int
}

// readString reads the length prefix of a string literal and skips its
// bytes. A literal running past the frame is reported as truncated.
func readString(b *buffer.Buffer) (stringRef, bool) {
	first, err := b.Uint8()
	if err != nil {
		return stringRef{}, false
	}
	n, ok := readInt(b, first, 7)
	if !ok {
		return stringRef{}, false
	}
	ref := stringRef{off: b.Offset(), length: int(n), huffman: first&0x80 != 0}
	ref.available = ref.length
	if ref.available > b.Remaining() {
		ref.available = b.Remaining()
	}
	b.Advance(ref.available)
	return ref, true
}

func (r stringRef) truncated() bool { return r.available < r.length }

func (r stringRef) bytes(b *buffer.Buffer) []byte {
	p, err := b.LoadAt(r.off, r.available)
	if err != nil {
		return nil
	}
	return p
}

// decodeString returns the literal as text, undoing huffman coding.
func decodeString(raw []byte, huffman bool) (string, bool) {
	if !huffman {
		return string(raw), true
	}
	s, err := hpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", false
	}
	return s, true
}

func parseStatus(raw []byte, huffman bool) uint16 {
	s, ok := decodeString(raw, huffman)
	if !ok || len(s) != 3 {
		return 0
	}
	code, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(code)
}

func parseMethod(raw []byte, huffman bool) http.Method {
	s, ok := decodeString(raw, huffman)
	if !ok {
		return http.MethodUnknown
	}
	return http.ParseMethod(s)
}

func isGRPCContentType(raw []byte, huffman bool) bool {
	s, ok := decodeString(raw, huffman)
	return ok && strings.HasPrefix(s, "application/grpc")
}
