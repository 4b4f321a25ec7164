// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
	"github.com/mbeema/usm/pkg/testutil"
)

type seen struct {
	cpu int
	msg *Message
}

type collector struct {
	mu  sync.Mutex
	got []seen
}

func (c *collector) handle(cpu int, m *Message) {
	c.mu.Lock()
	c.got = append(c.got, seen{cpu, m})
	c.mu.Unlock()
}

func (c *collector) snapshot() []seen {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]seen(nil), c.got...)
}

func TestShardKeyIsSymmetric(t *testing.T) {
	assert.Equal(t, ShardKey(conn), ShardKey(conn.Flipped()))
	other := conn
	other.Sport++
	assert.NotEqual(t, ShardKey(conn), ShardKey(other))
}

func TestPoolKeepsConnectionOnOneWorker(t *testing.T) {
	c := &collector{}
	reg := telemetry.NewRegistry()
	p := NewPool(4, 64, Callbacks{OnPacket: c.handle, OnTCPClose: c.handle}, "test", reg, zaptest.NewLogger(t))

	for i := 0; i < 10; i++ {
		src, dst := "10.0.0.1:45000", "10.0.0.2:8080"
		if i%2 == 1 {
			src, dst = dst, src
		}
		frame := testutil.TCP(t, testutil.Segment{Src: src, Dst: dst, Seq: uint32(i), Payload: []byte{byte(i)}, Ethernet: true})
		p.Submit(&Message{Header: Header{MsgType: MsgPacket, Flags: FlagEthernet, Arg: uint64(conn.Netns)}, Payload: frame})
	}
	msg, err := ParseMessage(EncodeMessage(Header{MsgType: MsgTCPClose, PID: 9}, EncodeEndpoints(conn)))
	require.NoError(t, err)
	p.Submit(msg)
	p.Stop()

	got := c.snapshot()
	require.Len(t, got, 11)
	for i, s := range got {
		assert.Equal(t, got[0].cpu, s.cpu)
		if i < 10 {
			require.True(t, s.msg.HasTuple)
			assert.Equal(t, uint32(i), s.msg.Skb.TCPSeq, "arrival order kept")
			assert.Equal(t, conn.Netns, s.msg.Tuple.Netns)
		}
	}
	assert.Equal(t, uint8(MsgTCPClose), got[10].msg.Header.MsgType)
	assert.Equal(t, int64(11), p.Telemetry().Received.Get())
}

func TestPoolDecodesRawIPv6(t *testing.T) {
	c := &collector{}
	p := NewPool(1, 8, Callbacks{OnPacket: c.handle}, "test", telemetry.NewRegistry(), zaptest.NewLogger(t))
	frame := testutil.TCP(t, testutil.Segment{Src: "[2001:db8::1]:50000", Dst: "[2001:db8::2]:443", Payload: []byte("x")})
	p.Submit(&Message{Header: Header{MsgType: MsgPacket}, Payload: frame})
	p.Stop()

	got := c.snapshot()
	require.Len(t, got, 1)
	require.True(t, got[0].msg.HasTuple)
	assert.Equal(t, conntuple.IPv6, got[0].msg.Tuple.Family())
	assert.Equal(t, 1, got[0].msg.Skb.PayloadLen())
}

func TestPoolCountsUnhandledAndParseErrors(t *testing.T) {
	p := NewPool(1, 8, Callbacks{}, "test", telemetry.NewRegistry(), zaptest.NewLogger(t))
	p.SubmitRaw([]byte{1, 2, 3})
	p.SubmitRaw(EncodeMessage(Header{MsgType: MsgTLSHandshake}, nil))
	p.Stop()
	assert.Equal(t, int64(1), p.Telemetry().ParseErrors.Get())
	assert.Equal(t, int64(1), p.Telemetry().Unhandled.Get())
}

func TestManagerReceivesDatagrams(t *testing.T) {
	dir, err := os.MkdirTemp("", "usmhook")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	sock := filepath.Join(dir, "hook.sock")

	c := &collector{}
	m := NewManager(Options{SocketPath: sock, Workers: 2}, telemetry.NewRegistry(), zaptest.NewLogger(t))
	require.NoError(t, m.Start(context.Background(), Callbacks{OnTLSWrite: c.handle, OnGoTLSRead: c.handle}))
	defer m.Stop()

	client, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: sock, Net: "unixgram"})
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(EncodeMessage(Header{MsgType: MsgTLSWrite, PID: 7, TID: 8, Lib: LibOpenSSL, Ret: 4, Arg: 0xabc}, []byte("PING")))
	require.NoError(t, err)
	_, err = client.Write(EncodeMessage(Header{MsgType: MsgGoTLSRead, PID: 7, TID: 99}, []byte("PONG")))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, 5*time.Second, 10*time.Millisecond)
	got := c.snapshot()
	assert.Equal(t, got[0].cpu, got[1].cpu, "messages of one process share a worker")
	assert.Equal(t, "PING", string(got[0].msg.Payload))
	assert.Equal(t, uint64(0xabc), got[0].msg.Header.Arg)

	require.NotNil(t, m.Control())
	mask := ProgramMask(map[protocols.ProtocolType]bool{protocols.HTTP: true, protocols.Redis: true, protocols.Kafka: false})
	require.NoError(t, m.Control().SetPrograms(mask))
	back, err := m.Control().Programs()
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<protocols.ProgramHTTP|1<<protocols.ProgramRedis), back)

	require.NoError(t, m.Stop())
	_, err = os.Stat(sock)
	assert.True(t, os.IsNotExist(err))
}
