// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package classifier

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/http2"

	"github.com/mbeema/usm/pkg/buffer"
	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

var tup = conntuple.New(
	netip.MustParseAddrPort("10.0.0.1:45000"),
	netip.MustParseAddrPort("10.0.0.2:8080"),
	conntuple.TCP, 1, 0)

func classify(c *Classifier, b []byte) protocols.ProtocolType {
	return c.Classify(tup, buffer.New(buffer.KindPacket, b, 0))
}

func newTestClassifier(t *testing.T) *Classifier {
	return New(16, telemetry.NewRegistry(), zaptest.NewLogger(t))
}

// kafkaRequest encodes a request header followed by body fields.
func kafkaRequest(size int32, key, version int16, clientID string, body ...any) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(size))
	b = binary.BigEndian.AppendUint16(b, uint16(key))
	b = binary.BigEndian.AppendUint16(b, uint16(version))
	b = binary.BigEndian.AppendUint32(b, 7)
	b = binary.BigEndian.AppendUint16(b, uint16(len(clientID)))
	b = append(b, clientID...)
	for _, f := range body {
		switch v := f.(type) {
		case int16:
			b = binary.BigEndian.AppendUint16(b, uint16(v))
		case int32:
			b = binary.BigEndian.AppendUint32(b, uint32(v))
		case string:
			b = binary.BigEndian.AppendUint16(b, uint16(len(v)))
			b = append(b, v...)
		}
	}
	return b
}

func mongoMessage(reqID, respTo int32, op wiremessage.OpCode) []byte {
	b := wiremessage.AppendHeader(nil, 40, reqID, respTo, op)
	return append(b, make([]byte, 24)...)
}

func TestClassify(t *testing.T) {
	settings := []byte{0, 0, 12, byte(http2.FrameSettings), 0, 0, 0, 0, 0}

	for _, tc := range []struct {
		name string
		b    []byte
		want protocols.ProtocolType
	}{
		{"http request", []byte("GET /api HTTP/1.1\r\nHost: x\r\n\r\n"), protocols.HTTP},
		{"http options star", []byte("OPTIONS * HTTP/1.1\r\n"), protocols.HTTP},
		{"http response", []byte("HTTP/1.1 200 OK\r\n"), protocols.HTTP},
		{"http method without path", []byte("GET index HTTP/1.1\r\n"), protocols.Unknown},
		{"http2 preface only", []byte(http2.ClientPreface), protocols.HTTP2},
		{"http2 settings", settings, protocols.HTTP2},
		{"tls client hello", []byte{0x16, 0x03, 0x01, 0x02, 0x00, 0x01}, protocols.TLS},
		{"tls app data", []byte{0x17, 0x03, 0x03, 0x00, 0x20}, protocols.TLS},
		{"tls bad minor", []byte{0x16, 0x03, 0x05, 0x00, 0x20}, protocols.Unknown},
		{"amqp header", []byte("AMQP\x00\x00\x09\x01"), protocols.AMQP},
		{"redis array", []byte("*3\r\n$3\r\nSET\r\n$5\r\nmykey\r\n$5\r\nvalue\r\n"), protocols.Redis},
		{"redis error", []byte("-ERR unknown command\r\n"), protocols.Redis},
		{"postgres query", append([]byte{'Q', 0, 0, 0, 13}, "SELECT 1;\x00"...), protocols.Postgres},
		{"postgres startup", []byte{0, 0, 0, 8, 0, 3, 0, 0}, protocols.Postgres},
		{"mysql query", append([]byte{9, 0, 0, 0, 0x03}, "SELECT 1"...), protocols.MySQL},
		{"mysql greeting", append([]byte{20, 0, 0, 0, 0x0a}, "8.0.36\x00"...), protocols.MySQL},
		{"kafka produce", kafkaRequest(42, 0, 3, "kafka-go", "", int16(-1), int32(30000), int32(1), "events", int32(1)), protocols.Kafka},
		{"empty", nil, protocols.Unknown},
		{"random", []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}, protocols.Unknown},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClassifier(t)
			assert.Equal(t, tc.want, classify(c, tc.b))
		})
	}
}

func TestKafkaProduceScenario(t *testing.T) {
	c := newTestClassifier(t)
	b := kafkaRequest(42, 0, 3, "kafka-go", "", int16(-1), int32(30000), int32(1), "events", int32(1))
	require.Len(t, b, 46)

	assert.Equal(t, protocols.Kafka, classify(c, b))
	assert.Equal(t, int64(1), c.Telemetry().Classified[protocols.Kafka].Get())
}

func TestMongoReplyNeedsRequest(t *testing.T) {
	c := newTestClassifier(t)

	assert.Equal(t, protocols.Unknown, classify(c, mongoMessage(1, 12345, wiremessage.OpReply)))
	assert.Equal(t, int64(1), c.Telemetry().MongoOrphanReplies.Get())

	assert.Equal(t, protocols.Mongo, classify(c, mongoMessage(77, 0, wiremessage.OpQuery)))
	assert.Equal(t, protocols.Mongo, classify(c, mongoMessage(900, 77, wiremessage.OpReply)))
	// The request was consumed by its reply.
	assert.Equal(t, protocols.Unknown, classify(c, mongoMessage(901, 77, wiremessage.OpReply)))
}

func TestMongoRequestsScopedToTuple(t *testing.T) {
	c := newTestClassifier(t)
	other := conntuple.New(
		netip.MustParseAddrPort("10.0.0.9:45000"),
		netip.MustParseAddrPort("10.0.0.2:27017"),
		conntuple.TCP, 1, 0)

	require.Equal(t, protocols.Mongo, classify(c, mongoMessage(5, 0, wiremessage.OpMsg)))
	got := c.Classify(other, buffer.New(buffer.KindPacket, mongoMessage(6, 5, wiremessage.OpMsg), 0))
	assert.Equal(t, protocols.Unknown, got)
}

func TestBinaryPlusIsNotRedis(t *testing.T) {
	c := newTestClassifier(t)

	assert.Equal(t, protocols.Unknown, classify(c, []byte{'+', 0x9f, 0x00, 0xff, 0x13, '\r', '\n'}))
	assert.Equal(t, protocols.Unknown, classify(c, []byte("+OK no line end")))
	assert.Equal(t, protocols.Redis, classify(c, []byte("+OK\r\n")))
}

func TestFetchWithNonASCIIClientID(t *testing.T) {
	c := newTestClassifier(t)

	fetch := kafkaRequest(100, 1, 4, "caf\xc3\xa9", int32(-1), int32(500), int32(1), int32(1<<20))
	fetch = append(fetch, 0)
	fetch = binary.BigEndian.AppendUint32(fetch, 1)
	fetch = binary.BigEndian.AppendUint16(fetch, 6)
	fetch = append(fetch, "orders"...)
	assert.Equal(t, protocols.Unknown, classify(c, fetch))

	ok := kafkaRequest(100, 1, 4, "cafe", int32(-1), int32(500), int32(1), int32(1<<20))
	ok = append(ok, 0)
	ok = binary.BigEndian.AppendUint32(ok, 1)
	ok = binary.BigEndian.AppendUint16(ok, 6)
	ok = append(ok, "orders"...)
	assert.Equal(t, protocols.Kafka, classify(c, ok))
}

func TestClassifyRespectsOffset(t *testing.T) {
	c := newTestClassifier(t)
	b := append([]byte("xxxx"), "GET / HTTP/1.1\r\n"...)

	assert.Equal(t, protocols.HTTP, c.Classify(tup, buffer.New(buffer.KindPacket, b, 4)))
	assert.Equal(t, int64(1), c.Telemetry().Classified[protocols.HTTP].Get())
}
