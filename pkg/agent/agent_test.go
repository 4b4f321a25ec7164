// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/mbeema/usm/pkg/config"
	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/export"
	"github.com/mbeema/usm/pkg/hook"
	"github.com/mbeema/usm/pkg/metrics"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/testutil"
	"github.com/mbeema/usm/pkg/traces"
)

type fakeExporter struct {
	mu      sync.Mutex
	spans   []*traces.Span
	metrics []*metrics.Metric
	closed  bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []*traces.Span) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spans = append(f.spans, spans...)
	return nil
}

func (f *fakeExporter) ExportMetrics(_ context.Context, points []*metrics.Metric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metrics = append(f.metrics, points...)
	return nil
}

func (f *fakeExporter) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeExporter) metricNames() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make(map[string]bool)
	for _, m := range f.metrics {
		names[m.Name] = true
	}
	return names
}

type fakeProvider struct {
	startErr error

	mu        sync.Mutex
	callbacks hook.Callbacks
	masks     []uint64
	stops     int
}

func (p *fakeProvider) Start(_ context.Context, callbacks hook.Callbacks) error {
	if p.startErr != nil {
		return p.startErr
	}
	p.mu.Lock()
	p.callbacks = callbacks
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) Stop() error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) SetPrograms(mask uint64) error {
	p.mu.Lock()
	p.masks = append(p.masks, mask)
	p.mu.Unlock()
	return nil
}

func (p *fakeProvider) lastMask() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.masks) == 0 {
		return 0
	}
	return p.masks[len(p.masks)-1]
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.EBPF.EphemeralLow = 32768
	cfg.EBPF.EphemeralHigh = 60999
	cfg.Hook.Enabled = false
	cfg.Hook.Workers = 1
	cfg.Health.Enabled = false
	cfg.Exporters.Stdout.Enabled = false
	return cfg
}

func writePcap(t *testing.T, frames ...[]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "exchange.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, frame := range frames {
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(frame),
			Length:        len(frame),
		}, frame))
	}
	return path
}

func segment(t *testing.T, src, dst string, seq uint32, flags uint8, payload string) []byte {
	return testutil.TCP(t, testutil.Segment{Src: src, Dst: dst, Seq: seq, Flags: flags, Payload: []byte(payload), Ethernet: true})
}

func TestReplayExportsSpansAndMetrics(t *testing.T) {
	const client, server = "10.0.0.1:45000", "10.0.0.2:8080"
	path := writePcap(t,
		segment(t, client, server, 100, conntuple.FlagPSH, "GET /users/42 HTTP/1.1\r\nHost: api\r\n\r\n"),
		segment(t, server, client, 900, conntuple.FlagPSH, "HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n"),
		segment(t, client, server, 200, conntuple.FlagFIN, ""),
	)

	cfg := testConfig()
	cfg.ServiceName = "checkout"
	cfg.Capture.Enabled = true
	cfg.Capture.PcapFile = path
	cfg.Health.Enabled = true
	cfg.Health.Port = "127.0.0.1:0"
	cfg.Traces.ServicePorts = map[uint16]string{8080: "users"}
	cfg.Traces.StitchWindow = 50 * time.Millisecond

	exp := &fakeExporter{}
	a, err := New(cfg, Options{Version: "test", Exporters: []export.Exporter{exp}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	resp, err := http.Get(fmt.Sprintf("http://%s/ready", a.health.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	done := a.Done()
	require.NotNil(t, done)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish")
	}
	// The client span waits out the stitch window before it is emitted.
	assert.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://%s/servicemap?format=dot", a.health.Addr()))
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		dot, err := io.ReadAll(resp.Body)
		return err == nil && strings.Contains(string(dot), `"checkout" -> "users"`)
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.Stop())

	exp.mu.Lock()
	require.Len(t, exp.spans, 1)
	span := exp.spans[0]
	assert.Equal(t, "GET /users/{id}", span.Name)
	assert.Equal(t, "http", span.Protocol)
	assert.Equal(t, traces.SpanKindClient, span.Kind)
	assert.Equal(t, "checkout", span.ServiceName)
	assert.Equal(t, "201", span.Attributes["http.response.status_code"])
	assert.True(t, exp.closed)
	exp.mu.Unlock()

	names := exp.metricNames()
	assert.True(t, names["usm.request.duration"])
	assert.True(t, names["usm.connection.closed"])
	assert.True(t, names["usm.servicemap.calls"])

	snap := a.Registry().Snapshot()
	assert.Equal(t, int64(3), snap["usm.capture.packets"])
	assert.Equal(t, int64(1+len(exp.metrics)), snap["usm.export.exported"])
}

func TestNewNeedsASource(t *testing.T) {
	cfg := testConfig()
	_, err := New(cfg, Options{Exporters: []export.Exporter{&fakeExporter{}}}, zap.NewNop())
	assert.Error(t, err)
}

func TestStartFailsWhenNoSourceStarts(t *testing.T) {
	broken := &fakeProvider{startErr: errors.New("no permission")}
	a, err := New(testConfig(), Options{
		Exporters: []export.Exporter{&fakeExporter{}},
		Providers: []hook.Provider{broken},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	err = a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no permission")
	assert.NoError(t, a.Stop(), "stopping an agent that never started is a no-op")
}

func TestStartSkipsFailedSources(t *testing.T) {
	good, broken := &fakeProvider{}, &fakeProvider{startErr: errors.New("boom")}
	a, err := New(testConfig(), Options{
		Exporters: []export.Exporter{&fakeExporter{}},
		Providers: []hook.Provider{broken, good},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	assert.Nil(t, a.Done(), "live sources never run dry")

	want := hook.ProgramMask(a.Config().Protocols.Enabled())
	assert.Equal(t, want, good.lastMask())

	require.NoError(t, a.Stop())
	require.NoError(t, a.Stop())
	assert.Equal(t, 1, good.stops)
	assert.Equal(t, 0, broken.stops)
}

func TestReload(t *testing.T) {
	src := &fakeProvider{}
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	a, err := New(testConfig(), Options{
		Level:     &level,
		Exporters: []export.Exporter{&fakeExporter{}},
		Providers: []hook.Provider{src},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	before := src.lastMask()

	next := testConfig()
	next.Protocols.Redis = false
	next.LogLevel = "debug"
	next.Traces.SampleRate = 0.5
	require.NoError(t, a.Reload(next))

	assert.Same(t, next, a.Config())
	assert.False(t, a.Engine().Dispatcher().Enabled(protocols.Redis))
	assert.NotEqual(t, before, src.lastMask())
	assert.Equal(t, hook.ProgramMask(next.Protocols.Enabled()), src.lastMask())
	assert.Equal(t, zap.DebugLevel, level.Level())
	assert.Equal(t, 0.5, a.sampler.Load().Rate())

	bad := testConfig()
	bad.LogLevel = "chatty"
	assert.Error(t, a.Reload(bad))
	assert.Same(t, next, a.Config(), "an invalid config is not applied")
}

func TestEmitSpansSamplesAfterMetrics(t *testing.T) {
	cfg := testConfig()
	cfg.Traces.SampleRate = 0
	a, err := New(cfg, Options{
		Exporters: []export.Exporter{&fakeExporter{}},
		Providers: []hook.Provider{&fakeProvider{}},
	}, zap.NewNop())
	require.NoError(t, err)

	ok := &traces.Span{TraceID: traces.GenerateTraceID(), Name: "GET /", Protocol: "http", ServiceName: "api", Kind: traces.SpanKindServer}
	failed := &traces.Span{TraceID: traces.GenerateTraceID(), Name: "GET /", Protocol: "http", ServiceName: "api", Kind: traces.SpanKindServer, Status: traces.StatusError}
	a.emitSpans([]*traces.Span{ok, failed})

	assert.Equal(t, int64(1), a.sampledOut.Get())
	var count uint64
	for _, m := range a.requests.Collect(time.Now()) {
		if m.Name == "usm.request.duration" {
			count += m.Histogram.Count
		}
	}
	assert.Equal(t, uint64(2), count, "metrics see sampled-out spans too")
}

func TestHealthAddr(t *testing.T) {
	assert.Equal(t, ":8686", healthAddr("8686"))
	assert.Equal(t, ":8686", healthAddr(":8686"))
	assert.Equal(t, "127.0.0.1:0", healthAddr("127.0.0.1:0"))
	assert.Equal(t, "", healthAddr(""))
}
