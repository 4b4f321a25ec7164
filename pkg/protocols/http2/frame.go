// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http2

import (
	"encoding/binary"

	"golang.org/x/net/http2"

	"github.com/mbeema/usm/pkg/conntuple"
)

const (
	// FrameHeaderSize is the fixed length of an HTTP/2 frame header.
	FrameHeaderSize = 9
	// PrefaceSize is the length of the client connection preface.
	PrefaceSize = len(http2.ClientPreface)
)

const (
	frameHeaders   = http2.FrameHeaders
	frameRSTStream = http2.FrameRSTStream

	flagHeadersPadded   = http2.FlagHeadersPadded
	flagHeadersPriority = http2.FlagHeadersPriority
)

// FrameHeader is a decoded frame header.
type FrameHeader struct {
	Length   uint32
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
}

// ParseFrameHeader decodes the first 9 bytes of b.
func ParseFrameHeader(b []byte) (FrameHeader, bool) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, false
	}
	return FrameHeader{
		Length:   uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Type:     http2.FrameType(b[3]),
		Flags:    http2.Flags(b[4]),
		StreamID: binary.BigEndian.Uint32(b[5:9]) & (1<<31 - 1),
	}, true
}

// EndStream reports whether the frame closes its side of the stream.
func (h FrameHeader) EndStream() bool {
	switch h.Type {
	case http2.FrameData:
		return h.Flags.Has(http2.FlagDataEndStream)
	case http2.FrameHeaders:
		return h.Flags.Has(http2.FlagHeadersEndStream)
	}
	return false
}

// interesting reports whether the parser needs to look at the frame.
func (h FrameHeader) interesting() bool {
	if h.StreamID == 0 {
		return false
	}
	switch h.Type {
	case http2.FrameHeaders, http2.FrameRSTStream:
		return true
	case http2.FrameData:
		return h.EndStream()
	}
	return false
}

// IsSettingsHeader reports whether b starts with a plausible SETTINGS frame
// header: payload a multiple of 6, type SETTINGS and stream 0.
func IsSettingsHeader(b []byte) bool {
	h, ok := ParseFrameHeader(b)
	if !ok {
		return false
	}
	return h.Type == http2.FrameSettings && h.StreamID == 0 && h.Length%6 == 0
}

// IsPreface reports whether b starts with the client preface.
func IsPreface(b []byte) bool {
	return len(b) >= PrefaceSize && string(b[:PrefaceSize]) == http2.ClientPreface
}

// frameRef is a frame retained by the filter for the later stages.
type frameRef struct {
	header FrameHeader
	// payload offsets inside the buffer; end is clipped to the buffer end.
	off, end int
}

// remainderKey scopes a remainder to one direction of a connection.
type remainderKey struct {
	Tup     conntuple.ConnTuple
	Flipped bool
}

// FrameRemainder is what is left over from the previous segment of one
// direction: the first HeaderLength bytes of a frame header, or the number
// of payload bytes still to skip.
type FrameRemainder struct {
	HeaderLength     uint8
	Header           [FrameHeaderSize]byte
	PayloadRemainder uint32
}

func (r FrameRemainder) empty() bool { return r.HeaderLength == 0 && r.PayloadRemainder == 0 }
