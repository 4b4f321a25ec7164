// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package events batches completed transactions per shard and hands the
// pages to a ring or perf style channel, where a Consumer decodes them back
// into typed events.
package events

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Event families. Each one owns a channel of its own.
const (
	FamilyConnClose       = "conn_close_event"
	FamilyHTTP            = "http_batch_events"
	FamilyHTTP2           = "http2_batch_events"
	FamilyTerminatedHTTP2 = "terminated_http2_batch_events"
	FamilyKafka           = "kafka_batch_events"
	FamilyPostgres        = "postgres_batch_events"
	FamilyRedis           = "redis_batch_events"
	FamilyMongo           = "mongo_batch_events"
	FamilyMySQL           = "mysql_batch_events"
	FamilyAMQP            = "amqp_batch_events"
	FamilySharedLibraries = "shared_libraries"
)

// DefaultBatchSize is the number of slots in one page.
const DefaultBatchSize = 15

// DefaultPages is the depth of the per-shard page ring.
const DefaultPages = 4

// UnbatchedIdx marks a record carrying a single event that bypassed the
// page ring.
const UnbatchedIdx = math.MaxUint64

// HeaderSize is the encoded size of a BatchHeader.
const HeaderSize = 16

var (
	// ErrMalformedBatch is returned for records that do not decode.
	ErrMalformedBatch = errors.New("events: malformed batch")
	// ErrEventSize is returned when the record was produced for another
	// event layout.
	ErrEventSize = errors.New("events: event size mismatch")
)

// BatchHeader precedes the events of every record.
type BatchHeader struct {
	Idx       uint64
	CPU       uint16
	Len       uint16
	Cap       uint16
	EventSize uint16
}

// Unbatched reports whether the record came from the direct output path.
func (h BatchHeader) Unbatched() bool { return h.Idx == UnbatchedIdx }

// eventSize returns the encoded size of V, or an error when V has no fixed
// layout.
func eventSize[V any]() (int, error) {
	var v V
	n := binary.Size(&v)
	if n <= 0 {
		return 0, fmt.Errorf("events: %T has no fixed binary layout", v)
	}
	return n, nil
}

// encodeBatch writes the header followed by evs in little endian.
func encodeBatch[V any](h BatchHeader, evs []V) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(evs)*int(h.EventSize)))
	h.Len = uint16(len(evs))
	if err := binary.Write(buf, binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	for i := range evs {
		if err := binary.Write(buf, binary.LittleEndian, &evs[i]); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeBatch splits a record into its header and typed events.
func DecodeBatch[V any](data []byte) (BatchHeader, []V, error) {
	var h BatchHeader
	if len(data) < HeaderSize {
		return h, nil, ErrMalformedBatch
	}
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	size, err := eventSize[V]()
	if err != nil {
		return h, nil, err
	}
	if int(h.EventSize) != size {
		return h, nil, ErrEventSize
	}
	if h.Len > h.Cap || HeaderSize+int(h.Len)*size > len(data) {
		return h, nil, ErrMalformedBatch
	}
	out := make([]V, h.Len)
	for i := range out {
		if err := binary.Read(r, binary.LittleEndian, &out[i]); err != nil {
			return h, nil, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
		}
	}
	return h, out, nil
}
