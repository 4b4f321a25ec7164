// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package kafka

import (
	"encoding/binary"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mbeema/usm/pkg/buffer"
	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

type sink struct{ txs []EbpfTx }

func (s *sink) Enqueue(_ int, tx EbpfTx) bool {
	s.txs = append(s.txs, tx)
	return true
}

var tup = conntuple.New(
	netip.MustParseAddrPort("10.0.0.1:45000"),
	netip.MustParseAddrPort("10.0.0.2:9092"),
	conntuple.TCP, 1, 0)

// enc appends big-endian request fields.
type enc struct{ b []byte }

func (e *enc) i8(v int8) *enc   { e.b = append(e.b, byte(v)); return e }
func (e *enc) i16(v int16) *enc { e.b = binary.BigEndian.AppendUint16(e.b, uint16(v)); return e }
func (e *enc) i32(v int32) *enc { e.b = binary.BigEndian.AppendUint32(e.b, uint32(v)); return e }
func (e *enc) str(s string) *enc {
	e.i16(int16(len(s)))
	e.b = append(e.b, s...)
	return e
}

func header(size int32, key, version int16, corr int32, clientID string) *enc {
	return (&enc{}).i32(size).i16(key).i16(version).i32(corr).str(clientID)
}

// produceV3 is a Produce v3 request with an empty transactional id, acks -1
// and a 30s timeout.
func produceV3(clientID, topic string) []byte {
	return header(42, 0, 3, 7, clientID).
		str("").i16(-1).i32(30000).
		i32(1).str(topic).i32(1).b
}

func fetch(version int16, clientID, topic string) []byte {
	e := header(100, 1, version, 11, clientID).i32(-1).i32(500).i32(1)
	if version >= 3 {
		e.i32(1 << 20)
	}
	if version >= 4 {
		e.i8(0)
	}
	if version >= 7 {
		e.i32(0).i32(-1)
	}
	return e.i32(1).str(topic).b
}

func TestParseProduce(t *testing.T) {
	b := produceV3("kafka-go", "events")
	require.Equal(t, 46, len(b), "size field plus 42 bytes of request")

	req, err := ParseRequest(b)
	require.NoError(t, err)
	assert.Equal(t, int16(0), req.APIKey)
	assert.Equal(t, int16(3), req.APIVersion)
	assert.Equal(t, int32(7), req.CorrelationID)
	assert.Equal(t, "kafka-go", req.ClientID)
	assert.Equal(t, "events", req.Topic)
	assert.False(t, req.TopicTruncated)
	assert.Equal(t, "Produce", req.APIName())
}

func TestParseFetchVersions(t *testing.T) {
	for _, v := range []int16{0, 3, 4, 7, 11} {
		req, err := ParseRequest(fetch(v, "consumer-1", "orders"))
		require.NoError(t, err, "version %d", v)
		assert.Equal(t, "orders", req.Topic)
		assert.Equal(t, "Fetch", req.APIName())
	}
}

func TestParseRejects(t *testing.T) {
	for _, tc := range []struct {
		name string
		b    []byte
		err  error
	}{
		{"short", []byte{0, 0, 0, 10, 0, 0}, ErrShortHeader},
		{"non ascii client id", fetch(4, "caf\xc3\xa9", "orders"), ErrInvalidClientID},
		{"fetch v12 is flexible", fetch(12, "c", "orders"), ErrUnsupportedAPI},
		{"produce v0", header(40, 0, 0, 1, "c").i16(1).i32(10).i32(1).str("t").b, ErrUnsupportedAPI},
		{"metadata", header(40, 3, 1, 1, "c").i32(1).str("t").b, ErrUnsupportedAPI},
		{"message size", header(4, 1, 0, 1, "c").i32(-1).i32(0).i32(0).i32(1).str("t").b, ErrMessageSize},
		{"cut header", header(40, 1, 0, 1, "").b[:12], ErrShortHeader},
		{"bad acks", header(40, 0, 3, 1, "c").str("").i16(2).i32(10).i32(1).str("t").b, ErrInvalidRequestBody},
		{"no topics", header(40, 0, 1, 1, "c").i16(1).i32(10).i32(0).b, ErrInvalidRequestBody},
		{"bad topic", fetch(0, "c", "bad topic"), ErrInvalidTopic},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRequest(tc.b)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestTopicTruncation(t *testing.T) {
	long := strings.Repeat("a", 100)
	req, err := ParseRequest(fetch(0, "c", long))
	require.NoError(t, err)
	assert.Len(t, req.Topic, TopicNameSize)
	assert.True(t, req.TopicTruncated)

	// The segment ends inside the topic name.
	b := fetch(0, "c", "topic-name")
	req, err = ParseRequest(b[:len(b)-6])
	require.NoError(t, err)
	assert.Equal(t, "topi", req.Topic)
	assert.True(t, req.TopicTruncated)
}

func newTestParser(t *testing.T) (*Parser, *sink) {
	s := &sink{}
	return NewParser(s, 16, telemetry.NewRegistry(), zaptest.NewLogger(t)), s
}

func segment(b []byte, seq uint32, flipped bool) *protocols.Args {
	return &protocols.Args{
		Tuple:   tup,
		Flipped: flipped,
		Buf:     buffer.New(buffer.KindPacket, b, 0),
		Skb:     conntuple.SkbInfo{DataEnd: len(b), TCPSeq: seq},
		Now:     1000,
	}
}

func TestProduceEmittedAtRequest(t *testing.T) {
	p, out := newTestParser(t)

	p.Process(segment(produceV3("kafka-go", "events"), 1, false))

	assert.Zero(t, p.InFlight())
	require.Len(t, out.txs, 1)
	tx := out.txs[0]
	assert.Equal(t, "events", tx.Topic())
	assert.Equal(t, int16(3), tx.APIVersion)
	assert.Equal(t, int32(7), tx.CorrelationID)
	assert.Equal(t, uint64(1000), tx.RequestStarted)
	assert.Equal(t, int64(1), p.Telemetry().Produce.Get(false))
}

func TestResponsesAndRetransmitsIgnored(t *testing.T) {
	p, out := newTestParser(t)

	p.Process(segment(fetch(4, "c", "orders"), 10, false))
	p.Process(segment(fetch(4, "c", "orders"), 10, false))
	p.Process(segment(fetch(4, "c", "orders"), 20, true))
	p.Process(segment(fetch(4, "c", "orders"), 30, false))

	assert.Len(t, out.txs, 2)
	assert.Equal(t, int64(1), p.Telemetry().Retrans.Get())

	p.Terminate(segment(nil, 0, false))
	p.Process(segment(fetch(4, "c", "orders"), 40, true))
	assert.Len(t, out.txs, 3, "a new connection learns its request side again")
}
