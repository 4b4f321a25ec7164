// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package mysql

import (
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
	netip.MustParseAddrPort("10.0.0.2:3306"),
	conntuple.TCP, 1, 0)

func packet(seq uint8, payload string) []byte {
	n := len(payload)
	return append([]byte{byte(n), byte(n >> 8), byte(n >> 16), seq}, payload...)
}

func segment(b []byte, now uint64, fromClient bool) *protocols.Args {
	return &protocols.Args{
		Tuple:   tup,
		Flipped: !fromClient,
		Buf:     buffer.New(buffer.KindPacket, b, 0),
		Now:     now,
	}
}

func newTestParser(t *testing.T) (*Parser, *sink) {
	s := &sink{}
	return NewParser(s, 16, telemetry.NewRegistry(), zaptest.NewLogger(t)), s
}

func TestQueryOK(t *testing.T) {
	p, out := newTestParser(t)

	p.Process(segment(packet(0, "\x03update users set name = 'x' where id = 1"), 10, true))
	require.Equal(t, 1, p.InFlight())

	p.Process(segment(packet(1, "\x00\x01\x00\x02\x00\x00\x00"), 25, false))
	require.Len(t, out.txs, 1)
	tx := out.txs[0]
	assert.Equal(t, uint8(ComQuery), tx.Command)
	assert.Equal(t, "update users set name = 'x' where id = 1", tx.Statement())
	assert.Equal(t, uint8(ResponseOK), tx.ResponseType)
	assert.False(t, tx.Failed())
	assert.EqualValues(t, 15, tx.RequestLatency())
}

func TestQueryError(t *testing.T) {
	p, out := newTestParser(t)

	p.Process(segment(packet(0, "\x03SELECT * FROM nope"), 1, true))
	p.Process(segment(packet(1, "\xff\x7a\x04#42S02Table 'db.nope' doesn't exist"), 2, false))

	require.Len(t, out.txs, 1)
	assert.True(t, out.txs[0].Failed())
	assert.Equal(t, uint16(1146), out.txs[0].ErrorCode)
}

func TestPrepareResultSet(t *testing.T) {
	p, out := newTestParser(t)

	p.Process(segment(packet(0, "\x16SELECT id FROM t WHERE a = ?"), 1, true))
	p.Process(segment(packet(1, "\x02"), 2, false))

	require.Len(t, out.txs, 1)
	assert.Equal(t, uint8(ComStmtPrepare), out.txs[0].Command)
	assert.Equal(t, uint8(ResponseResultSet), out.txs[0].ResponseType)
}

func TestLongStatementTruncated(t *testing.T) {
	p, _ := newTestParser(t)

	p.Process(segment(packet(0, "\x03INSERT INTO t VALUES ("+strings.Repeat("1,", 100)+"1)"), 1, true))
	cur, ok := p.inFlight.Peek(tup)
	require.True(t, ok)
	assert.True(t, cur.tx.Truncated)
	assert.Equal(t, QuerySize, int(cur.tx.QuerySize))
}

func TestIgnoredCommands(t *testing.T) {
	p, _ := newTestParser(t)

	p.Process(segment(packet(0, "\x0e"), 1, true))
	p.Process(segment(packet(0, "\x03SHOW TABLES"), 2, true))
	p.Process(segment(packet(0, "\x03"), 3, true))
	assert.Zero(t, p.InFlight())

	p.Process(segment(packet(0, "\x03select 1"), 4, true))
	p.Terminate(segment(nil, 5, true))
	assert.Zero(t, p.InFlight())
	assert.Equal(t, int64(1), p.Telemetry().Dropped.Get())
}

func TestIsQuery(t *testing.T) {
	assert.True(t, IsQuery(packet(0, "\x03select 1")))
	assert.True(t, IsQuery(packet(0, "\x16DELETE FROM t")))
	assert.False(t, IsQuery(packet(1, "\x03select 1")), "commands start a sequence")
	assert.False(t, IsQuery(packet(0, "\x03BEGIN")))
	assert.False(t, IsQuery([]byte{0, 0, 0, 0, 3}))
}

func TestServerGreeting(t *testing.T) {
	for _, tc := range []struct {
		version string
		want    bool
	}{
		{"8.0.36\x00", true},
		{"5.7.44-log\x00", true},
		{"10.11.6-MariaDB\x00", true},
		{"8.0.100\x00", true},
		{"8.0", false},
		{"123.0.1\x00", false},
		{"8.0.1000\x00", false},
		{"v8.0.1\x00", false},
	} {
		got := IsServerGreeting(packet(0, "\x0a"+tc.version+"\x08\x00\x00\x00"))
		assert.Equal(t, tc.want, got, "%q", tc.version)
	}
	assert.True(t, IsServerGreeting(packet(0, "\x098.0.1\x00")))
	assert.False(t, IsServerGreeting(packet(0, "\x0b8.0.1\x00")))
}
