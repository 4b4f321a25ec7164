// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package buffer provides a bounds-checked read view over an application
// payload, which is either the payload of a captured packet or a plaintext
// buffer handed over by a TLS library hook. Parsers only ever read through a
// Buffer, so the same parser body serves both entry points.
package buffer

import (
	"encoding/binary"
	"errors"
)

// ErrOutOfBounds is returned by reads that would cross the end of the view.
var ErrOutOfBounds = errors.New("buffer: read out of bounds")

// Kind tells where the bytes of a Buffer come from.
type Kind uint8

const (
	KindPacket Kind = iota // payload of a socket-filter packet
	KindTLS                // user-space plaintext from a TLS hook
)

func (k Kind) String() string {
	switch k {
	case KindPacket:
		return "packet"
	case KindTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Buffer is a cursor over data[off:end]. The zero value is an empty view.
type Buffer struct {
	kind Kind
	data []byte
	off  int
	end  int
}

// New returns a view over data starting at off. An offset beyond the data
// yields an empty view.
func New(kind Kind, data []byte, off int) Buffer {
	if off < 0 || off > len(data) {
		off = len(data)
	}
	return Buffer{kind: kind, data: data, off: off, end: len(data)}
}

// NewRange returns a view over data[off:end].
func NewRange(kind Kind, data []byte, off, end int) Buffer {
	if end > len(data) || end < 0 {
		end = len(data)
	}
	if off < 0 || off > end {
		off = end
	}
	return Buffer{kind: kind, data: data, off: off, end: end}
}

// Kind returns the source of the view.
func (b *Buffer) Kind() Kind { return b.kind }

// Offset returns the current read offset.
func (b *Buffer) Offset() int { return b.off }

// End returns the end offset of the view.
func (b *Buffer) End() int { return b.end }

// Remaining returns the number of readable bytes left.
func (b *Buffer) Remaining() int { return b.end - b.off }

// Empty reports whether no bytes are left.
func (b *Buffer) Empty() bool { return b.off >= b.end }

// Advance moves the cursor forward by n bytes. It fails, leaving the cursor
// untouched, if fewer than n bytes remain.
func (b *Buffer) Advance(n int) bool {
	if n < 0 || n > b.Remaining() {
		return false
	}
	b.off += n
	return true
}

// Seek moves the cursor to an absolute offset inside the view.
func (b *Buffer) Seek(off int) bool {
	if off < 0 || off > b.end {
		return false
	}
	b.off = off
	return true
}

// Load returns the n bytes at the current offset without copying or
// advancing.
func (b *Buffer) Load(n int) ([]byte, error) {
	return b.LoadAt(b.off, n)
}

// LoadAt returns the n bytes at an absolute offset.
func (b *Buffer) LoadAt(off, n int) ([]byte, error) {
	if n < 0 || off < 0 || off+n > b.end {
		return nil, ErrOutOfBounds
	}
	return b.data[off : off+n], nil
}

// ReadInto copies up to len(dst) bytes from the current offset into dst and
// returns the number of bytes copied. It is the fixed-size bulk reader used
// for request fragments: a short read is not an error.
func (b *Buffer) ReadInto(dst []byte) int {
	if b.off >= b.end {
		return 0
	}
	return copy(dst, b.data[b.off:b.end])
}

// Fragment returns at most limit bytes from the current offset.
func (b *Buffer) Fragment(limit int) []byte {
	n := b.Remaining()
	if n > limit {
		n = limit
	}
	if n <= 0 {
		return nil
	}
	return b.data[b.off : b.off+n]
}

// Bytes returns every remaining byte of the view.
func (b *Buffer) Bytes() []byte {
	if b.off >= b.end {
		return nil
	}
	return b.data[b.off:b.end]
}

// Uint8 reads one byte at the current offset and advances.
func (b *Buffer) Uint8() (uint8, error) {
	if b.Remaining() < 1 {
		return 0, ErrOutOfBounds
	}
	v := b.data[b.off]
	b.off++
	return v, nil
}

// Uint16BE reads a big-endian uint16 and advances.
func (b *Buffer) Uint16BE() (uint16, error) {
	p, err := b.Load(2)
	if err != nil {
		return 0, err
	}
	b.off += 2
	return binary.BigEndian.Uint16(p), nil
}

// Uint32BE reads a big-endian uint32 and advances.
func (b *Buffer) Uint32BE() (uint32, error) {
	p, err := b.Load(4)
	if err != nil {
		return 0, err
	}
	b.off += 4
	return binary.BigEndian.Uint32(p), nil
}

// Uint32LE reads a little-endian uint32 and advances.
func (b *Buffer) Uint32LE() (uint32, error) {
	p, err := b.Load(4)
	if err != nil {
		return 0, err
	}
	b.off += 4
	return binary.LittleEndian.Uint32(p), nil
}

// Clone returns an independent cursor over the same bytes.
func (b *Buffer) Clone() Buffer { return *b }

// Window returns a cursor over the next n bytes, clipped to the view end.
// The window keeps absolute offsets.
func (b *Buffer) Window(n int) Buffer {
	end := b.off + n
	if n < 0 || end > b.end {
		end = b.end
	}
	return Buffer{kind: b.kind, data: b.data, off: b.off, end: end}
}
