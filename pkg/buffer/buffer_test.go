// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferReads(t *testing.T) {
	data := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}
	b := New(KindPacket, data, 2)

	assert.Equal(t, 2, b.Offset())
	assert.Equal(t, 8, b.End())
	assert.Equal(t, 6, b.Remaining())

	v, err := b.Uint16BE()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0203), v)

	w, err := b.Uint32LE()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x07060504), w)
	assert.True(t, b.Empty())

	_, err = b.Uint8()
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestBufferAdvanceIsBounded(t *testing.T) {
	b := New(KindTLS, []byte("hello"), 0)
	assert.False(t, b.Advance(6))
	assert.Equal(t, 0, b.Offset())
	assert.True(t, b.Advance(5))
	assert.True(t, b.Empty())
	assert.False(t, b.Advance(1))
}

func TestBufferLoadAndFragment(t *testing.T) {
	b := New(KindPacket, []byte("GET /api HTTP/1.1\r\n"), 0)

	p, err := b.Load(3)
	require.NoError(t, err)
	assert.Equal(t, "GET", string(p))
	assert.Equal(t, 0, b.Offset(), "Load must not advance")

	_, err = b.LoadAt(17, 3)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	assert.Equal(t, "GET /", string(b.Fragment(5)))
	assert.Len(t, b.Fragment(100), 19)
}

func TestBufferReadInto(t *testing.T) {
	b := New(KindPacket, []byte("abc"), 1)
	dst := make([]byte, 8)
	n := b.ReadInto(dst)
	assert.Equal(t, 2, n)
	assert.Equal(t, "bc", string(dst[:n]))
}

func TestNewRangeClamps(t *testing.T) {
	b := NewRange(KindPacket, []byte("abcdef"), 4, 100)
	assert.Equal(t, 6, b.End())
	assert.Equal(t, "ef", string(b.Bytes()))

	empty := New(KindPacket, []byte("ab"), 10)
	assert.True(t, empty.Empty())
	assert.Nil(t, empty.Bytes())
}

func TestWindow(t *testing.T) {
	b := New(KindTLS, []byte("0123456789"), 2)
	w := b.Window(3)
	assert.Equal(t, 2, w.Offset())
	assert.Equal(t, 5, w.End())
	assert.Equal(t, KindTLS, w.Kind())
	assert.Equal(t, "234", string(w.Bytes()))

	w.Advance(3)
	_, err := w.Uint8()
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.Equal(t, 2, b.Offset(), "the parent cursor does not move")

	whole := b.Window(100)
	assert.Equal(t, 10, whole.End())
}
