// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package kafka validates Produce and Fetch request headers and reports the
// first topic of each request.
package kafka

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kmsg"
)

const (
	// TopicNameSize is the number of topic bytes kept per request.
	TopicNameSize = 80

	// headerSize is the fixed part of a request header: size, api key,
	// api version, correlation id and client id length.
	headerSize = 4 + 2 + 2 + 4 + 2

	maxClientIDSize  = 255
	maxTopicNameSize = 255
	maxTopicsCount   = 1 << 14
)

// Supported request versions. Flexible (tagged-field) encodings are out of
// range.
const (
	minProduceVersion = 1
	maxProduceVersion = 8
	minFetchVersion   = 0
	maxFetchVersion   = 11
)

var (
	ErrShortHeader        = errors.New("kafka: short request header")
	ErrMessageSize        = errors.New("kafka: message size not above header size")
	ErrUnsupportedAPI     = errors.New("kafka: unsupported api key or version")
	ErrInvalidClientID    = errors.New("kafka: invalid client id")
	ErrInvalidRequestBody = errors.New("kafka: invalid request body")
	ErrInvalidTopic       = errors.New("kafka: invalid topic name")
)

// Request is the part of a Produce or Fetch request the parser keeps.
type Request struct {
	MessageSize   int32
	APIKey        int16
	APIVersion    int16
	CorrelationID int32
	ClientID      string
	// Topic holds at most TopicNameSize bytes of the first topic.
	Topic          string
	TopicTruncated bool
}

// APIName returns the request name, e.g. "Produce".
func (r Request) APIName() string { return kmsg.NameForKey(r.APIKey) }

func (r Request) String() string {
	return fmt.Sprintf("kafka.request{API: %s v%d, Correlation: %d, Topic: %q}",
		r.APIName(), r.APIVersion, r.CorrelationID, r.Topic)
}

// reader is a bounds-checked big-endian cursor.
type reader struct {
	b   []byte
	off int
}

func (r *reader) remaining() int { return len(r.b) - r.off }

func (r *reader) int8() (int8, bool) {
	if r.remaining() < 1 {
		return 0, false
	}
	v := int8(r.b[r.off])
	r.off++
	return v, true
}

func (r *reader) int16() (int16, bool) {
	if r.remaining() < 2 {
		return 0, false
	}
	v := int16(binary.BigEndian.Uint16(r.b[r.off:]))
	r.off += 2
	return v, true
}

func (r *reader) int32() (int32, bool) {
	if r.remaining() < 4 {
		return 0, false
	}
	v := int32(binary.BigEndian.Uint32(r.b[r.off:]))
	r.off += 4
	return v, true
}

func (r *reader) skip(n int) bool {
	if n < 0 || r.remaining() < n {
		return false
	}
	r.off += n
	return true
}

// validName reports whether b only holds [a-zA-Z0-9._-].
func validName(b []byte) bool {
	for _, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func supported(key, version int16) bool {
	switch kmsg.Key(key) {
	case kmsg.Produce:
		return version >= minProduceVersion && version <= maxProduceVersion
	case kmsg.Fetch:
		return version >= minFetchVersion && version <= maxFetchVersion
	}
	return false
}

// ParseRequest validates the request header at the start of b and walks the
// body to the first topic name. Only the visible bytes are checked; the
// topic may be cut by the end of b, in which case it is kept truncated.
func ParseRequest(b []byte) (Request, error) {
	if len(b) < headerSize {
		return Request{}, ErrShortHeader
	}
	r := &reader{b: b}
	var req Request
	req.MessageSize, _ = r.int32()
	req.APIKey, _ = r.int16()
	req.APIVersion, _ = r.int16()
	req.CorrelationID, _ = r.int32()
	clientIDSize, _ := r.int16()

	if !supported(req.APIKey, req.APIVersion) {
		return Request{}, ErrUnsupportedAPI
	}
	if req.CorrelationID < 0 {
		return Request{}, ErrUnsupportedAPI
	}
	if clientIDSize < -1 || clientIDSize > maxClientIDSize {
		return Request{}, ErrInvalidClientID
	}
	if clientIDSize > 0 {
		n := int(clientIDSize)
		if n > r.remaining() {
			n = r.remaining()
		}
		id := b[r.off : r.off+n]
		if !validName(id) {
			return Request{}, ErrInvalidClientID
		}
		req.ClientID = string(id)
		if !r.skip(int(clientIDSize)) {
			return Request{}, ErrInvalidRequestBody
		}
	}
	if int(req.MessageSize) <= r.off-4 {
		return Request{}, ErrMessageSize
	}

	var ok bool
	switch kmsg.Key(req.APIKey) {
	case kmsg.Produce:
		ok = skipProduceBody(r, req.APIVersion)
	case kmsg.Fetch:
		ok = skipFetchBody(r, req.APIVersion)
	}
	if !ok {
		return Request{}, ErrInvalidRequestBody
	}

	topics, ok := r.int32()
	if !ok || topics <= 0 || topics > maxTopicsCount {
		return Request{}, ErrInvalidRequestBody
	}
	size, ok := r.int16()
	if !ok || size <= 0 || size > maxTopicNameSize {
		return Request{}, ErrInvalidTopic
	}
	n := int(size)
	if n > r.remaining() {
		n = r.remaining()
	}
	if n == 0 {
		return Request{}, ErrInvalidTopic
	}
	if n > TopicNameSize {
		n = TopicNameSize
	}
	name := b[r.off : r.off+n]
	if !validName(name) {
		return Request{}, ErrInvalidTopic
	}
	req.Topic = string(name)
	req.TopicTruncated = n < int(size)
	return req, nil
}

func skipProduceBody(r *reader, version int16) bool {
	if version >= 3 {
		txID, ok := r.int16()
		if !ok || txID < -1 || !r.skip(max(int(txID), 0)) {
			return false
		}
	}
	acks, ok := r.int16()
	if !ok || acks < -1 || acks > 1 {
		return false
	}
	timeout, ok := r.int32()
	return ok && timeout >= 0
}

func skipFetchBody(r *reader, version int16) bool {
	replica, ok := r.int32()
	if !ok || replica < -1 {
		return false
	}
	maxWait, ok := r.int32()
	if !ok || maxWait < 0 {
		return false
	}
	minBytes, ok := r.int32()
	if !ok || minBytes < 0 {
		return false
	}
	if version >= 3 {
		maxBytes, ok := r.int32()
		if !ok || maxBytes < 0 {
			return false
		}
	}
	if version >= 4 {
		isolation, ok := r.int8()
		if !ok || isolation < 0 || isolation > 1 {
			return false
		}
	}
	if version >= 7 {
		sessionID, ok := r.int32()
		if !ok || sessionID < 0 {
			return false
		}
		epoch, ok := r.int32()
		if !ok || epoch < -1 {
			return false
		}
	}
	return true
}
