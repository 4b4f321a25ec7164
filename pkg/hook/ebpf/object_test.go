// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ebpf

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mbeema/usm/pkg/events"
	"github.com/mbeema/usm/pkg/hook"
	"github.com/mbeema/usm/pkg/protocols"
)

func TestCheckArch(t *testing.T) {
	assert.Equal(t, "x86_64", metadataArch([]byte("<arch:x86_64>\x00")))
	assert.Equal(t, "", metadataArch([]byte("<build:debug>")))

	assert.NoError(t, checkArch([]byte("<arch:x86_64>"), "amd64"))
	assert.NoError(t, checkArch([]byte("<arch:arm64>"), "arm64"))
	assert.NoError(t, checkArch(nil, "amd64"), "untagged objects load anywhere")
	assert.ErrorIs(t, checkArch([]byte("<arch:arm64>"), "amd64"), ErrArchMismatch)
	assert.ErrorIs(t, checkArch([]byte("<arch:x86_64>"), "riscv64"), ErrArchMismatch)
}

func TestReadMetadataRejectsNonELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usm.o")
	require.NoError(t, os.WriteFile(path, []byte("not an object"), 0o644))
	_, err := readMetadata(path)
	assert.Error(t, err)
}

func TestLoadConstantsScalesWakeup(t *testing.T) {
	out := loadConstants(map[string]uint64{
		"ringbuffer_wakeup_size":  4,
		"http_monitoring_enabled": 1,
	})
	assert.Equal(t, uint64(events.RingWakeupSize(4, recordSize)), out["ringbuffer_wakeup_size"])
	assert.Equal(t, uint64(1), out["http_monitoring_enabled"])
}

func TestParseSection(t *testing.T) {
	for sec, want := range map[string]probe{
		"kprobe/tcp_sendmsg":                    {kind: kindKprobe, target: "tcp_sendmsg"},
		"kretprobe/inet_csk_accept":             {kind: kindKretprobe, target: "inet_csk_accept"},
		"tracepoint/net/netif_receive_skb":      {kind: kindTracepoint, group: "net", target: "netif_receive_skb"},
		"socket/protocol_dispatcher":            {kind: kindSocket, target: "protocol_dispatcher"},
		"uprobe/SSL_read":                       {kind: kindUprobe, target: "SSL_read"},
		"uretprobe/gnutls_record_recv":          {kind: kindUretprobe, target: "gnutls_record_recv"},
		"uprobe/crypto/tls.(*Conn).Write":       {kind: kindUprobe, target: "crypto/tls.(*Conn).Write"},
		"uprobe/crypto/tls.(*Conn).Read/return": {kind: kindUprobe, target: "crypto/tls.(*Conn).Read", returns: true},
		"tailcall/kafka":                        {kind: kindTailCall, target: "kafka", slot: protocols.ProgramKafka},
		"tailcall/tcp":                          {},
		"tracepoint/sched_process_exit":         {},
		"license":                               {},
	} {
		assert.Equal(t, want, parseSection(sec), sec)
	}
}

func TestSymbolLibrary(t *testing.T) {
	assert.Equal(t, protocols.TagOpenSSL, symbolLibrary("SSL_write"))
	assert.Equal(t, protocols.TagOpenSSL, symbolLibrary("BIO_new_socket"))
	assert.Equal(t, protocols.TagGnuTLS, symbolLibrary("gnutls_record_send"))
	assert.Equal(t, protocols.TagGo, symbolLibrary("crypto/tls.(*Conn).Close"))
	assert.Equal(t, protocols.ConnTag(0), symbolLibrary("tcp_sendmsg"))
}

func TestSupportFor(t *testing.T) {
	s := supportFor("5.15.0-91-generic", true)
	assert.True(t, s.Available)
	assert.True(t, s.HasBTF)
	assert.True(t, s.RingBuffer)

	s = supportFor("4.9.0", true)
	assert.False(t, s.Available)
	assert.False(t, s.HasBTF)
	assert.Contains(t, s.Reason, "4.14")

	assert.False(t, supportFor("garbage", false).Available)
	assert.True(t, supportFor("5.8.0", false).RingBuffer)
	assert.True(t, supportFor("6.1.0", false).RingBuffer)
	assert.False(t, supportFor("5.4.0-1030-aws", false).RingBuffer)
}

func TestStubProvider(t *testing.T) {
	s := NewStubProvider("no kernel", zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background(), hook.Callbacks{}))
	assert.NoError(t, s.SetPrograms(1))
	assert.Equal(t, "stub", s.Name())
	assert.Equal(t, "no kernel", s.Reason())
	assert.NoError(t, s.Stop())
}
