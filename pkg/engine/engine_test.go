// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"context"
	"encoding/binary"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mbeema/usm/pkg/config"
	"github.com/mbeema/usm/pkg/conntrack"
	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/hook"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/protocols/http"
	"github.com/mbeema/usm/pkg/protocols/redis"
	"github.com/mbeema/usm/pkg/telemetry"
	"github.com/mbeema/usm/pkg/testutil"
)

const (
	clientAddr = "10.0.0.1:45000"
	serverAddr = "10.0.0.2:8080"
	netns      = 4026531840
)

type results struct {
	mu     sync.Mutex
	http   []http.EbpfTx
	redis  []redis.EbpfTx
	closes []conntrack.ConnCloseEvent
}

func (r *results) handlers() Handlers {
	return Handlers{
		HTTP: func(txs []http.EbpfTx) {
			r.mu.Lock()
			r.http = append(r.http, txs...)
			r.mu.Unlock()
		},
		Redis: func(txs []redis.EbpfTx) {
			r.mu.Lock()
			r.redis = append(r.redis, txs...)
			r.mu.Unlock()
		},
		ConnClose: func(evs []conntrack.ConnCloseEvent) {
			r.mu.Lock()
			r.closes = append(r.closes, evs...)
			r.mu.Unlock()
		},
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.EBPF.EphemeralLow = 32768
	cfg.EBPF.EphemeralHigh = 60999
	cfg.Hook.Workers = 1
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts Options) (*Engine, *results, *telemetry.Registry) {
	t.Helper()
	r := &results{}
	reg := telemetry.NewRegistry()
	e, err := New(cfg, r.handlers(), opts, reg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return e, r, reg
}

// run feeds msgs through a single-worker pool, so they are handled in order,
// and then writes every pending batch.
func run(t *testing.T, e *Engine, reg *telemetry.Registry, msgs ...*hook.Message) {
	t.Helper()
	p := hook.NewPool(1, len(msgs)+1, e.Callbacks(), "test", reg, zaptest.NewLogger(t))
	for _, m := range msgs {
		p.Submit(m)
	}
	p.Stop()
	e.Sync()
}

func packet(t *testing.T, src, dst string, seq uint32, flags uint8, payload string, ts uint64) *hook.Message {
	frame := testutil.TCP(t, testutil.Segment{Src: src, Dst: dst, Seq: seq, Flags: flags, Payload: []byte(payload), Ethernet: true})
	return &hook.Message{
		Header:  hook.Header{MsgType: hook.MsgPacket, Flags: hook.FlagEthernet, TimestampNS: ts, Arg: netns},
		Payload: frame,
	}
}

func withEndpoints(t *testing.T, h hook.Header, tup conntuple.ConnTuple) *hook.Message {
	m, err := hook.ParseMessage(hook.EncodeMessage(h, hook.EncodeEndpoints(tup)))
	require.NoError(t, err)
	return m
}

func tuple(src, dst string) conntuple.ConnTuple {
	return conntuple.New(netip.MustParseAddrPort(src), netip.MustParseAddrPort(dst), conntuple.TCP, netns, 0)
}

func TestPacketsToHTTPTransaction(t *testing.T) {
	e, r, reg := newTestEngine(t, testConfig(), Options{CloseOnTermination: true})

	req := "GET /users/42 HTTP/1.1\r\nHost: api\r\n\r\n"
	resp := "HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n"
	run(t, e, reg,
		packet(t, clientAddr, serverAddr, 100, conntuple.FlagPSH, req, 1000),
		packet(t, serverAddr, clientAddr, 900, conntuple.FlagPSH, resp, 5000),
		packet(t, clientAddr, serverAddr, 200, conntuple.FlagFIN, "", 6000),
	)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.http, 1)
	tx := r.http[0]
	assert.Equal(t, http.MethodGet, tx.Method())
	assert.Equal(t, uint16(201), tx.StatusCode())
	path, _ := tx.Path()
	assert.Equal(t, "/users/42", path)
	assert.Equal(t, uint64(1000), tx.RequestStarted)

	require.Len(t, r.closes, 1)
	ev := r.closes[0]
	assert.Equal(t, uint64(len(req)+len(resp)), ev.SentBytes+ev.RecvBytes)
	assert.Equal(t, uint32(3), ev.SentPackets+ev.RecvPackets)
	assert.Equal(t, uint64(6000), ev.Timestamp)

	st, ok := e.Dispatcher().Stack(tuple(clientAddr, serverAddr))
	assert.False(t, ok, "termination clears the verdict, got %v", st)
}

func TestDisabledProtocolIsSkipped(t *testing.T) {
	cfg := testConfig()
	cfg.Protocols.Redis = false
	e, r, reg := newTestEngine(t, cfg, Options{})
	assert.False(t, e.Dispatcher().Enabled(protocols.Redis))

	cmd := "*2\r\n$3\r\nGET\r\n$3\r\nkey\r\n"
	run(t, e, reg,
		packet(t, "10.0.0.1:41000", "10.0.0.3:6379", 1, conntuple.FlagPSH, cmd, 10),
		packet(t, "10.0.0.3:6379", "10.0.0.1:41000", 1, conntuple.FlagPSH, "$1\r\nv\r\n", 20),
	)
	assert.Empty(t, r.redis)
	assert.Equal(t, int64(2), e.Dispatcher().Telemetry().ProgramsDisabledSkipped.Get())

	cfg.Protocols.Redis = true
	e.Apply(cfg.Protocols)
	assert.True(t, e.Dispatcher().Enabled(protocols.Redis))
}

func TestNativeTLSPlaintext(t *testing.T) {
	e, r, reg := newTestEngine(t, testConfig(), Options{})

	const (
		pid = 7
		fd  = 5
		ctx = 0xabc
	)
	local := tuple("10.0.0.1:45000", "10.0.0.2:443")
	req := "GET /secure HTTP/1.1\r\nHost: api\r\n\r\n"
	resp := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	tls := func(typ uint8, payload string, ts uint64) *hook.Message {
		return &hook.Message{
			Header: hook.Header{
				MsgType: typ, Lib: hook.LibOpenSSL, PID: pid, TID: pid, FD: fd,
				PayloadLen: uint32(len(payload)), Ret: int32(len(payload)), TimestampNS: ts, Arg: ctx,
			},
			Payload: []byte(payload),
		}
	}

	run(t, e, reg,
		withEndpoints(t, hook.Header{MsgType: hook.MsgSocketFD, PID: pid, FD: fd}, local),
		tls(hook.MsgTLSSetFD, "", 1),
		tls(hook.MsgTLSWrite, req, 100),
		tls(hook.MsgTLSRead, resp, 300),
		tls(hook.MsgTLSShutdown, "", 400),
	)

	got, ok := e.Tracker().Lookup(pid, fd)
	require.True(t, ok)
	assert.Equal(t, uint16(443), got.Dport)

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.http, 1)
	tx := r.http[0]
	assert.Equal(t, uint16(200), tx.StatusCode())
	assert.NotZero(t, tx.ConnTags()&protocols.TagOpenSSL)
	path, _ := tx.Path()
	assert.Equal(t, "/secure", path)
}

func TestSetBIOReadsPointerFromPayload(t *testing.T) {
	e, _, reg := newTestEngine(t, testConfig(), Options{})
	bio := make([]byte, 8)
	binary.LittleEndian.PutUint64(bio, 0xb10)

	run(t, e, reg,
		&hook.Message{Header: hook.Header{MsgType: hook.MsgBIONewSocket, Lib: hook.LibGnuTLS, PID: 3, TID: 3, FD: 9, Arg: 0xb10}},
		&hook.Message{Header: hook.Header{MsgType: hook.MsgTLSSetBIO, Lib: hook.LibGnuTLS, PID: 3, PayloadLen: 8, Arg: 0xc7}, Payload: bio},
		&hook.Message{Header: hook.Header{MsgType: hook.MsgTLSSetBIO, Lib: 42, PID: 3, PayloadLen: 8, Arg: 0xc8}, Payload: bio},
	)
	assert.Zero(t, e.native[hook.LibGnuTLS].Telemetry().NoEnter.Get())
}

func TestPortBindingsFollowSocketLifecycle(t *testing.T) {
	e, r, reg := newTestEngine(t, testConfig(), Options{})
	listener := tuple("10.0.0.2:8080", "0.0.0.0:0")
	accepted := tuple("10.0.0.2:8080", "10.0.0.1:45000")

	run(t, e, reg,
		withEndpoints(t, hook.Header{MsgType: hook.MsgBind, PID: 1}, listener),
		withEndpoints(t, hook.Header{MsgType: hook.MsgAccept, PID: 1}, accepted),
	)
	assert.True(t, e.Bindings().IsBound(netns, 8080))
	assert.Equal(t, uint32(2), e.Bindings().RefCount(netns, 8080))

	run(t, e, reg,
		withEndpoints(t, hook.Header{MsgType: hook.MsgRetransmit, PID: 1, Ret: 2}, accepted),
		withEndpoints(t, hook.Header{MsgType: hook.MsgTCPClose, PID: 1, FD: -1, TimestampNS: 77}, accepted),
		withEndpoints(t, hook.Header{MsgType: hook.MsgListenStop, PID: 1}, listener),
	)
	assert.False(t, e.Bindings().IsBound(netns, 8080))

	r.mu.Lock()
	defer r.mu.Unlock()
	require.Len(t, r.closes, 1)
	assert.Equal(t, uint32(2), r.closes[0].Retransmits)
	assert.Equal(t, uint64(77), r.closes[0].Timestamp)
}

func TestStartStop(t *testing.T) {
	e, r, reg := newTestEngine(t, testConfig(), Options{CloseOnTermination: true})
	e.Start(context.Background())
	e.Start(context.Background())

	run(t, e, reg, packet(t, clientAddr, serverAddr, 1, conntuple.FlagRST, "", 10))
	e.Stop()
	e.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.closes, 1)
}
