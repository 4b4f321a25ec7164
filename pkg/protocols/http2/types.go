// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package http2 reassembles HTTP/2 frames across segments, decodes the HPACK
// headers it needs (method, path, status, content-type) against a bounded
// per-connection dynamic table, and emits one record per completed stream.
package http2

import (
	"fmt"
	"time"

	"golang.org/x/net/http2/hpack"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/protocols/http"
)

// BufferSize is the length of the raw path kept per stream and of a
// dynamic-table value.
const BufferSize = 160

// EbpfTx is a completed stream.
type EbpfTx struct {
	Tup                conntuple.ConnTuple
	StreamID           uint32
	ResponseStatusCode uint16
	RequestMethod      uint8
	PathSize           uint8
	RequestStarted     uint64
	ResponseLastSeen   uint64
	Tags               uint64
	PathHuffman        bool
	PathTruncated      bool
	_                  [6]byte
	RequestPath        [BufferSize]byte
}

// Method returns the request method.
func (tx *EbpfTx) Method() http.Method { return http.Method(tx.RequestMethod) }

// StatusCode returns the :status value or 0.
func (tx *EbpfTx) StatusCode() uint16 { return tx.ResponseStatusCode }

// ConnTags returns the tags recorded with the stream.
func (tx *EbpfTx) ConnTags() protocols.ConnTag { return protocols.ConnTag(tx.Tags) }

// IsGRPC reports whether the stream carried gRPC.
func (tx *EbpfTx) IsGRPC() bool { return tx.ConnTags()&protocols.TagGRPC != 0 }

// Path decodes the captured :path. It returns false when nothing usable was
// captured.
func (tx *EbpfTx) Path() (string, bool) {
	if tx.PathSize == 0 || int(tx.PathSize) > len(tx.RequestPath) {
		return "", false
	}
	raw := tx.RequestPath[:tx.PathSize]
	if !tx.PathHuffman {
		return string(raw), len(raw) > 0 && raw[0] == '/'
	}
	s, err := hpack.HuffmanDecodeToString(raw)
	if err != nil || len(s) == 0 || s[0] != '/' {
		return "", false
	}
	return s, true
}

// RequestLatency is the time from the request headers to the last response
// frame.
func (tx *EbpfTx) RequestLatency() time.Duration {
	if tx.RequestStarted == 0 || tx.ResponseLastSeen < tx.RequestStarted {
		return 0
	}
	return time.Duration(tx.ResponseLastSeen - tx.RequestStarted)
}

// Incomplete reports whether any of method, path or status is missing.
func (tx *EbpfTx) Incomplete() bool {
	return tx.RequestStarted == 0 || tx.ResponseLastSeen == 0 || tx.StatusCode() == 0 ||
		tx.PathSize == 0 || tx.Method() == http.MethodUnknown
}

func (tx *EbpfTx) String() string {
	path, _ := tx.Path()
	return fmt.Sprintf("http2.ebpfTx{Stream: %d, Method: %s, Path: %q, Status: %d}",
		tx.StreamID, tx.Method(), path, tx.StatusCode())
}

// TerminatedConn is emitted when a connection that carried HTTP/2 closes.
type TerminatedConn struct {
	Tup conntuple.ConnTuple
}

// StreamKey identifies a stream of a connection.
type StreamKey struct {
	Tup      conntuple.ConnTuple
	StreamID uint32
}

// side of a stream, relative to the normalized tuple.
const (
	sideUnknown uint8 = iota
	sideSource
	sideDest
)

func sideOf(flipped bool) uint8 {
	if flipped {
		return sideDest
	}
	return sideSource
}

// stream is the in-flight state of one stream.
type stream struct {
	tx          EbpfTx
	requestSide uint8
	requestEOS  bool
	responseEOS bool
}

func (s *stream) requestSideOrDefault() uint8 {
	if s.requestSide != sideUnknown {
		return s.requestSide
	}
	// The normalized source holds the ephemeral port, usually the client.
	return sideSource
}

// DynamicKey addresses one dynamic-table entry: the connection direction
// plus the absolute insertion index.
type DynamicKey struct {
	Tup     conntuple.ConnTuple
	Flipped bool
	Index   uint64
}

// DynamicEntry is a value inserted into the dynamic table. Only the headers
// the parser cares about keep their bytes.
type DynamicEntry struct {
	OriginalIndex uint8
	StringLen     uint8
	IsHuffman     bool
	Buffer        [BufferSize]byte
}

func (e *DynamicEntry) value() []byte {
	n := int(e.StringLen)
	if n > len(e.Buffer) {
		n = len(e.Buffer)
	}
	return e.Buffer[:n]
}

// counterKey addresses the insertion counter of one direction.
type counterKey struct {
	Tup     conntuple.ConnTuple
	Flipped bool
}

// DynamicCounter counts insertions into one direction's table. The counter
// never decreases; PreviousCleanup is the index below which entries are
// already gone.
type DynamicCounter struct {
	Value           uint64
	PreviousCleanup uint64
}
