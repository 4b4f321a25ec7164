// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mbeema/usm/pkg/hook"
	"github.com/mbeema/usm/pkg/telemetry"
	"github.com/mbeema/usm/pkg/testutil"
)

var start = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func writePcap(t *testing.T, link layers.LinkType, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, link))
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	return path
}

type sink struct {
	mu   sync.Mutex
	msgs []*hook.Message
}

func (s *sink) packet(_ int, m *hook.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
}

func replay(t *testing.T, opts Options) (*sink, *Provider) {
	t.Helper()
	s := &sink{}
	p := NewProvider(opts, telemetry.NewRegistry(), zaptest.NewLogger(t))
	require.NoError(t, p.Start(context.Background(), hook.Callbacks{OnPacket: s.packet}))
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish")
	}
	require.NoError(t, p.Stop())
	return s, p
}

func TestReplayEthernetPcap(t *testing.T) {
	req := testutil.TCP(t, testutil.Segment{Src: "10.0.0.1:40000", Dst: "10.0.0.2:80", Seq: 1, Flags: 0x08, Payload: []byte("GET / HTTP/1.1\r\n\r\n"), Ethernet: true})
	resp := testutil.TCP(t, testutil.Segment{Src: "10.0.0.2:80", Dst: "10.0.0.1:40000", Seq: 7, Payload: []byte("HTTP/1.1 200 OK\r\n\r\n"), Ethernet: true})
	path := writePcap(t, layers.LinkTypeEthernet, req, resp)

	s, p := replay(t, Options{PcapFile: path, Netns: 99, Workers: 2})
	require.Len(t, s.msgs, 2)
	for _, m := range s.msgs {
		require.True(t, m.HasTuple)
		assert.Equal(t, uint32(99), m.Tuple.Netns)
		assert.Equal(t, hook.FlagEthernet, m.Header.Flags&hook.FlagEthernet)
	}
	assert.Equal(t, uint64(start.UnixNano()), s.msgs[0].Header.TimestampNS)
	assert.Equal(t, int64(2), p.Telemetry().Packets.Get())
	assert.Equal(t, int64(len(req)+len(resp)), p.Telemetry().Bytes.Get())
}

func TestReplayRawAndCookedLinks(t *testing.T) {
	raw := testutil.TCP(t, testutil.Segment{Src: "[2001:db8::1]:5000", Dst: "[2001:db8::2]:6379", Payload: []byte("*1\r\n$4\r\nPING\r\n")})

	s, _ := replay(t, Options{PcapFile: writePcap(t, layers.LinkTypeRaw, raw)})
	require.Len(t, s.msgs, 1)
	assert.True(t, s.msgs[0].HasTuple)
	assert.Equal(t, uint16(6379), s.msgs[0].Tuple.Dport)

	cooked := append(make([]byte, 16), raw...)
	s, _ = replay(t, Options{PcapFile: writePcap(t, layers.LinkTypeLinuxSLL, cooked)})
	require.Len(t, s.msgs, 1)
	assert.True(t, s.msgs[0].HasTuple)
}

func TestReplayUnsupportedLink(t *testing.T) {
	s, p := replay(t, Options{PcapFile: writePcap(t, layers.LinkTypeIEEE802_11, []byte{1, 2, 3})})
	assert.Empty(t, s.msgs)
	assert.Equal(t, int64(1), p.Telemetry().Unsupported.Get())
}

func TestSnaplenTruncates(t *testing.T) {
	frame := testutil.TCP(t, testutil.Segment{Src: "10.0.0.1:40000", Dst: "10.0.0.2:80", Payload: make([]byte, 500), Ethernet: true})
	s, _ := replay(t, Options{PcapFile: writePcap(t, layers.LinkTypeEthernet, frame), Snaplen: 100})
	require.Len(t, s.msgs, 1)
	assert.Len(t, s.msgs[0].Payload, 100)
}

func TestStartErrors(t *testing.T) {
	p := NewProvider(Options{}, telemetry.NewRegistry(), zaptest.NewLogger(t))
	assert.Error(t, p.Start(context.Background(), hook.Callbacks{}))

	bad := filepath.Join(t.TempDir(), "bad.pcap")
	require.NoError(t, os.WriteFile(bad, []byte("garbage"), 0o644))
	p = NewProvider(Options{PcapFile: bad}, telemetry.NewRegistry(), zaptest.NewLogger(t))
	assert.Error(t, p.Start(context.Background(), hook.Callbacks{}))
	assert.NoError(t, p.Stop())
}
