// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	for p, on := range cfg.Protocols.Enabled() {
		assert.True(t, on, p.String())
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usm.yaml")
	writeFile(t, path, `
log_level: debug
protocols:
  kafka: false
quotas:
  max_in_flight: 2048
  http2_frames_per_call: 16
exporters:
  stdout:
    format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.Protocols.Kafka)
	assert.True(t, cfg.Protocols.HTTP, "untouched fields keep their default")
	assert.Equal(t, 2048, cfg.Quotas.MaxInFlight)
	assert.Equal(t, 16, cfg.Quotas.FramesPerCall)
	assert.Equal(t, "json", cfg.Exporters.Stdout.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), "service_name: edge\n")
	writeFile(t, filepath.Join(dir, "protocols.yaml"), "protocols:\n  redis: false\ntls:\n  go: false\n")

	cfg, err := LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "edge", cfg.ServiceName)
	assert.False(t, cfg.Protocols.Redis)
	assert.False(t, cfg.TLS.Go)
	assert.True(t, cfg.TLS.Native)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("USM_LOG_LEVEL", "warn")
	t.Setenv("USM_HTTP2_ENABLED", "false")
	t.Setenv("USM_RINGBUFFER_ENABLED", "0")
	t.Setenv("USM_MAX_CONNS", "512")
	t.Setenv("USM_HOOK_WORKERS", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.False(t, cfg.Protocols.HTTP2)
	assert.False(t, cfg.Events.RingBufferEnabled)
	assert.Equal(t, 512, cfg.Quotas.MaxConns)
	assert.Equal(t, 4, cfg.Hook.Workers)
}

func TestTracesSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usm.yaml")
	writeFile(t, path, `
traces:
  sample_rate: 0.25
  stitch_window: 500ms
  service_ports:
    5432: orders-db
`)
	t.Setenv("USM_SAMPLE_RATE", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Traces.SampleRate, "environment wins over the file")
	assert.Equal(t, 500*time.Millisecond, cfg.Traces.StitchWindow)
	assert.Equal(t, 10000, cfg.Traces.StitchCapacity)
	assert.Equal(t, "orders-db", cfg.Traces.ServicePorts[5432])

	cfg.Traces.SampleRate = 1.5
	assert.Error(t, cfg.Validate())
}

func TestValidateReportsEveryError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "chatty"
	cfg.Hook.SocketPath = ""
	cfg.Capture.Enabled = true
	cfg.Events.RingBufferSize = 1000
	cfg.Exporters.OTLP.Enabled = true
	cfg.Exporters.OTLP.Protocol = "udp"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 5)
}

func TestConstants(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Protocols.Kafka = false
	cfg.Protocols.DNSStats = true
	cfg.Events.WakeupCount = 8
	cfg.EBPF.ProgramIDKey = 3
	cfg.EBPF.Offsets = conntuple.SocketOffsets{Family: 16, Sport: 14}

	c := cfg.Constants()
	assert.Equal(t, uint64(1), c["http_monitoring_enabled"])
	assert.Equal(t, uint64(1), c["http2_monitoring_enabled"])
	assert.Equal(t, uint64(0), c["kafka_monitoring_enabled"])
	assert.Equal(t, uint64(1), c["dns_stats_enabled"])
	assert.Equal(t, uint64(0), c["tcp_failed_connections_enabled"])
	assert.Equal(t, uint64(1), c["ringbuffer_enabled"])
	assert.Equal(t, uint64(8), c["ringbuffer_wakeup_size"])
	assert.Equal(t, uint64(3), c["telemetry_program_id_key"])
	assert.Equal(t, uint64(16), c["offset_family"])
	assert.Equal(t, uint64(14), c["offset_sport"])
}

func TestEphemeralRange(t *testing.T) {
	e := EBPFConfig{EphemeralLow: 1024, EphemeralHigh: 2048}
	assert.Equal(t, conntuple.EphemeralRange{Low: 1024, High: 2048}, e.EphemeralRange())
	assert.True(t, EBPFConfig{}.EphemeralRange().Contains(EBPFConfig{}.EphemeralRange().Low))
}

func TestProtocolsEnabled(t *testing.T) {
	p := ProtocolsConfig{HTTP: true, AMQP: true}
	en := p.Enabled()
	assert.Len(t, en, 8)
	assert.True(t, en[protocols.HTTP])
	assert.True(t, en[protocols.AMQP])
	assert.False(t, en[protocols.Mongo])
}

func TestWatcherReloadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "usm.yaml")
	writeFile(t, path, "log_level: info\n")

	got := make(chan *Config, 4)
	w := NewWatcher(path, func(c *Config, _ string) { got <- c }, zap.NewNop())
	w.debounce = 100 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	// Unrelated files in the same directory are ignored.
	writeFile(t, filepath.Join(dir, "other.yaml"), "log_level: nonsense\n")
	writeFile(t, path, "log_level: debug\n")

	select {
	case c := <-got:
		assert.Equal(t, "debug", c.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}

func TestWatcherSkipsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "base.yaml"), "log_level: info\n")

	got := make(chan *Config, 4)
	w := NewWatcher(dir, func(c *Config, _ string) { got <- c }, zap.NewNop())
	w.debounce = 100 * time.Millisecond
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	writeFile(t, filepath.Join(dir, "base.yaml"), "log_level: chatty\n")
	select {
	case <-got:
		t.Fatal("invalid config delivered")
	case <-time.After(500 * time.Millisecond):
	}
	w.Stop()
}

func TestMetricsSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usm.yaml")
	writeFile(t, path, `
metrics:
  interval: 30s
  buckets: [0.01, 0.1, 1]
`)
	t.Setenv("USM_METRICS_ENABLED", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Metrics.Interval)
	assert.Equal(t, []float64{0.01, 0.1, 1}, cfg.Metrics.Buckets)
	assert.Equal(t, 10000, cfg.Metrics.MaxConnSeries)
	assert.Equal(t, 10000, cfg.Metrics.ServiceMapEdges)

	cfg.Metrics.Interval = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "usm.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Traces.ServicePorts[5432])
	assert.Len(t, cfg.Metrics.Buckets, 8)
}
