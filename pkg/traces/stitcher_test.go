// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/telemetry"
)

type collector struct {
	mu    sync.Mutex
	spans []*Span
}

func (c *collector) emit(spans []*Span) {
	c.mu.Lock()
	c.spans = append(c.spans, spans...)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.spans)
}

var epoch = time.Unix(1700000000, 0)

func connSpan(kind SpanKind, name string, offset time.Duration) *Span {
	s := NewSpan(name, kind, epoch.Add(offset), epoch.Add(offset+time.Millisecond))
	s.Client = netip.MustParseAddrPort("10.0.0.1:45000")
	s.Server = netip.MustParseAddrPort("10.0.0.2:8080")
	return s
}

func newTestStitcher(window time.Duration) (*Stitcher, *collector, *telemetry.Registry) {
	c := &collector{}
	reg := telemetry.NewRegistry()
	return NewStitcher(window, 100, c.emit, reg, zap.NewNop()), c, reg
}

func TestStitcherClientThenServer(t *testing.T) {
	s, c, reg := newTestStitcher(time.Second)
	client := connSpan(SpanKindClient, "GET /orders", 0)
	server := connSpan(SpanKindServer, "GET /orders", 2*time.Millisecond)

	s.Process([]*Span{client})
	assert.Zero(t, c.len(), "client waits for its server half")
	assert.Equal(t, 1, s.Pending())

	s.Process([]*Span{server})
	require.Equal(t, 2, c.len())
	assert.Equal(t, client.TraceID, server.TraceID)
	assert.Equal(t, client.SpanID, server.ParentSpanID)
	assert.Equal(t, "true", server.Attributes["usm.stitched"])
	assert.Empty(t, client.ParentSpanID)
	assert.Zero(t, s.Pending())
	assert.Equal(t, int64(1), reg.Snapshot()["usm.stitcher.stitched"])
}

func TestStitcherServerThenClient(t *testing.T) {
	s, c, _ := newTestStitcher(time.Second)
	server := connSpan(SpanKindServer, "SET", 0)
	client := connSpan(SpanKindClient, "SET", -time.Millisecond)

	s.Process([]*Span{server, client})
	require.Equal(t, 2, c.len())
	assert.Equal(t, client.SpanID, server.ParentSpanID)
}

func TestStitcherLeavesMismatchesAlone(t *testing.T) {
	s, c, reg := newTestStitcher(time.Second)
	client := connSpan(SpanKindClient, "GET /a", 0)
	otherName := connSpan(SpanKindServer, "GET /b", 0)
	late := connSpan(SpanKindServer, "GET /a", 5*time.Second)
	sameKind := connSpan(SpanKindClient, "GET /a", time.Millisecond)

	s.Process([]*Span{client, otherName, late, sameKind})
	assert.Zero(t, c.len())

	s.Flush()
	require.Equal(t, 4, c.len())
	for _, span := range c.spans {
		assert.Empty(t, span.ParentSpanID)
	}
	assert.Equal(t, int64(4), reg.Snapshot()["usm.stitcher.unmatched"])
}

func TestStitcherPassesMessagingSpans(t *testing.T) {
	s, c, _ := newTestStitcher(time.Second)
	s.Process([]*Span{nil, connSpan(SpanKindProducer, "Produce orders", 0)})
	assert.Equal(t, 1, c.len())
	assert.Zero(t, s.Pending())
}

func TestStitcherExpiresUnmatched(t *testing.T) {
	s, c, _ := newTestStitcher(20 * time.Millisecond)
	s.Process([]*Span{connSpan(SpanKindClient, "GET /", 0)})
	require.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStitcherBoundsSpansPerConnection(t *testing.T) {
	s, c, _ := newTestStitcher(time.Minute)
	first := connSpan(SpanKindClient, "PING", 0)
	s.Process([]*Span{first})
	for i := 1; i <= maxPerConn; i++ {
		s.Process([]*Span{connSpan(SpanKindClient, "PING", time.Duration(i))})
	}
	require.Equal(t, 1, c.len())
	assert.Same(t, first, c.spans[0])
}
