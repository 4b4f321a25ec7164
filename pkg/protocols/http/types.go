// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package http tracks HTTP/1.1 request/response pairs per connection.
package http

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
)

// BufferSize is the length of the request fragment kept per transaction.
const BufferSize = 160

// Method is the HTTP request method.
type Method uint8

const (
	MethodUnknown Method = iota
	MethodGet
	MethodPost
	MethodPut
	MethodDelete
	MethodHead
	MethodOptions
	MethodPatch
	MethodTrace
	MethodConnect
)

var methodNames = [...]string{"UNKNOWN", "GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS", "PATCH", "TRACE", "CONNECT"}

func (m Method) String() string {
	if int(m) < len(methodNames) {
		return methodNames[m]
	}
	return methodNames[MethodUnknown]
}

// ParseMethod maps a method name to a Method.
func ParseMethod(name string) Method {
	for i, n := range methodNames {
		if i > 0 && strings.EqualFold(n, name) {
			return Method(i)
		}
	}
	return MethodUnknown
}

var methodPrefixes = []struct {
	prefix []byte
	method Method
}{
	{[]byte("GET "), MethodGet},
	{[]byte("POST "), MethodPost},
	{[]byte("PUT "), MethodPut},
	{[]byte("DELETE "), MethodDelete},
	{[]byte("HEAD "), MethodHead},
	{[]byte("OPTIONS "), MethodOptions},
	{[]byte("PATCH "), MethodPatch},
}

// MethodFromPrefix returns the method a request line starts with, and the
// length of the method token including the trailing space.
func MethodFromPrefix(b []byte) (Method, int) {
	for _, m := range methodPrefixes {
		if bytes.HasPrefix(b, m.prefix) {
			return m.method, len(m.prefix)
		}
	}
	return MethodUnknown, 0
}

var responsePrefix = []byte("HTTP/")

// IsResponse reports whether b starts a status line.
func IsResponse(b []byte) bool { return bytes.HasPrefix(b, responsePrefix) }

// StatusCode reads the three digit status of "HTTP/1.1 NNN ". It returns 0
// when the digits are not there.
func StatusCode(b []byte) uint16 {
	if len(b) < 12 || !IsResponse(b) {
		return 0
	}
	var code uint16
	for _, c := range b[9:12] {
		if c < '0' || c > '9' {
			return 0
		}
		code = code*10 + uint16(c-'0')
	}
	return code
}

// EbpfTx is the in-flight transaction and, once complete, the event record.
// The layout is fixed so it can travel through the batch pages.
type EbpfTx struct {
	Tup                conntuple.ConnTuple
	RequestStarted     uint64
	ResponseLastSeen   uint64
	Tags               uint64
	TCPSeq             uint32
	ResponseStatusCode uint16
	OwnedBySrcPort     uint16
	RequestMethod      uint8
	_                  [7]byte
	RequestFragment    [BufferSize]byte
}

// Method returns the request method.
func (tx *EbpfTx) Method() Method { return Method(tx.RequestMethod) }

// StatusCode returns the response status or 0.
func (tx *EbpfTx) StatusCode() uint16 { return tx.ResponseStatusCode }

// ConnTags returns the tags recorded with the transaction.
func (tx *EbpfTx) ConnTags() protocols.ConnTag { return protocols.ConnTag(tx.Tags) }

// Incomplete reports whether only one side of the exchange was observed.
func (tx *EbpfTx) Incomplete() bool {
	return tx.RequestStarted == 0 || tx.ResponseLastSeen == 0 || tx.ResponseStatusCode == 0
}

// RequestLatency is the time between the request line and the last
// response segment.
func (tx *EbpfTx) RequestLatency() time.Duration {
	if tx.RequestStarted == 0 || tx.ResponseLastSeen < tx.RequestStarted {
		return 0
	}
	return time.Duration(tx.ResponseLastSeen - tx.RequestStarted)
}

// Fragment returns the captured request bytes, trimmed at the first NUL.
func (tx *EbpfTx) Fragment() []byte {
	b := tx.RequestFragment[:]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return b
}

// Path returns the request target without the query string. The boolean is
// false when the target runs past the captured fragment.
func (tx *EbpfTx) Path() (string, bool) {
	b := tx.Fragment()
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return "", false
	}
	b = b[i+1:]
	end := bytes.IndexAny(b, " ?")
	if end < 0 {
		return string(b), false
	}
	return string(b[:end]), true
}

func (tx *EbpfTx) String() string {
	path, _ := tx.Path()
	return fmt.Sprintf("http.ebpfTx{Method: %s, Path: %q, Status: %d, Latency: %s}",
		tx.Method(), path, tx.StatusCode(), tx.RequestLatency())
}
