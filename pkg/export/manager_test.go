// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/metrics"
	"github.com/mbeema/usm/pkg/telemetry"
	"github.com/mbeema/usm/pkg/traces"
)

type fakeExporter struct {
	mu       sync.Mutex
	spans    []*traces.Span
	points   []*metrics.Metric
	calls    int
	failures int // calls left to fail
	shutdown bool
}

func (f *fakeExporter) ExportSpans(_ context.Context, spans []*traces.Span) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("collector unavailable")
	}
	f.spans = append(f.spans, spans...)
	return nil
}

func (f *fakeExporter) ExportMetrics(_ context.Context, points []*metrics.Metric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeExporter) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func (f *fakeExporter) spanCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spans)
}

func newTestManager(opts ManagerOptions, exps ...Exporter) (*Manager, *telemetry.Registry) {
	reg := telemetry.NewRegistry()
	m := NewManager(exps, opts, reg, zap.NewNop())
	m.sleep = func(ctx context.Context, _ time.Duration) bool { return ctx.Err() == nil }
	return m, reg
}

func spans(n int) []*traces.Span {
	out := make([]*traces.Span, n)
	for i := range out {
		out[i] = testSpan("api", 1)
	}
	return out
}

func TestManagerFlushesFullBatches(t *testing.T) {
	exp := &fakeExporter{}
	m, _ := newTestManager(ManagerOptions{BatchSize: 2, FlushInterval: time.Hour}, exp)
	m.Start(context.Background())
	defer m.Stop(context.Background())

	m.ExportSpans(spans(4))
	require.Eventually(t, func() bool { return exp.spanCount() == 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestManagerStopDrainsAndShutsDown(t *testing.T) {
	exp := &fakeExporter{}
	m, reg := newTestManager(ManagerOptions{BatchSize: 100, FlushInterval: time.Hour}, exp)
	m.Start(context.Background())

	m.ExportSpans(spans(3))
	m.ExportMetrics([]*metrics.Metric{{Name: "usm.request.errors", Type: metrics.Counter}})
	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()), "stop is idempotent")

	assert.Equal(t, 3, exp.spanCount())
	assert.Len(t, exp.points, 1)
	assert.True(t, exp.shutdown)
	exported, dropped := m.Stats()
	assert.Equal(t, int64(4), exported)
	assert.Zero(t, dropped)
	assert.Equal(t, int64(4), reg.Snapshot()["usm.export.exported"])
}

func TestManagerRetries(t *testing.T) {
	exp := &fakeExporter{failures: 2}
	m, _ := newTestManager(ManagerOptions{MaxRetries: 3}, exp)

	m.flushSpans(context.Background(), spans(1))
	assert.Equal(t, 3, exp.calls)
	assert.Equal(t, 1, exp.spanCount())
}

func TestManagerGivesUpAndOpensBreaker(t *testing.T) {
	exp := &fakeExporter{failures: 100}
	m, reg := newTestManager(ManagerOptions{MaxRetries: 1, BreakerThreshold: 2}, exp)

	m.flushSpans(context.Background(), spans(2))
	assert.Equal(t, 2, exp.calls)
	assert.Equal(t, CircuitOpen, m.sinks[0].breaker.State())

	m.flushSpans(context.Background(), spans(1))
	assert.Equal(t, 2, exp.calls, "an open breaker skips the sink")

	snap := reg.Snapshot()
	assert.Equal(t, int64(3), snap["usm.export.dropped"])
	assert.Equal(t, int64(2), snap["usm.export.failed_batches"])
}

func TestManagerIsolatesSinks(t *testing.T) {
	bad := &fakeExporter{failures: 100}
	good := &fakeExporter{}
	m, _ := newTestManager(ManagerOptions{MaxRetries: -1}, bad, good)

	m.flushSpans(context.Background(), spans(1))
	assert.Equal(t, 1, good.spanCount())
	assert.Equal(t, 1, bad.calls, "no retries")
}

func TestManagerDropsWhenQueueFull(t *testing.T) {
	m, reg := newTestManager(ManagerOptions{QueueSize: 2}, &fakeExporter{})

	m.ExportSpans(spans(5))
	assert.Equal(t, int64(3), reg.Snapshot()["usm.export.dropped"])
	assert.Equal(t, int64(2), reg.Snapshot()["usm.export.queued"])
}

func TestBatcherFlushesOnTick(t *testing.T) {
	var mu sync.Mutex
	var got [][]int
	b := newBatcher("ints", ManagerOptions{BatchSize: 10, FlushInterval: 10 * time.Millisecond, QueueSize: 10}, func(_ context.Context, batch []int) {
		mu.Lock()
		got = append(got, batch)
		mu.Unlock()
	})
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() { b.run(context.Background(), stop); close(done) }()

	require.Zero(t, b.enqueue([]int{1, 2}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(stop)
	<-done
	assert.Equal(t, []int{1, 2}, got[0])
}
