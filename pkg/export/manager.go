// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/metrics"
	"github.com/mbeema/usm/pkg/telemetry"
	"github.com/mbeema/usm/pkg/traces"
)

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	defaultQueueSize     = 10000

	defaultMaxRetries = 3
	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 5 * time.Second
	backoffFactor     = 2.0
	exportTimeout     = 10 * time.Second
)

// ManagerOptions tune batching and retries. Zero values take defaults.
type ManagerOptions struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueSize     int
	MaxRetries    int
	// BreakerThreshold and BreakerReset shape each exporter's breaker.
	BreakerThreshold int
	BreakerReset     time.Duration
}

func (o *ManagerOptions) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = defaultBatchSize
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerReset <= 0 {
		o.BreakerReset = 30 * time.Second
	}
}

// sink pairs an exporter with its own breaker so one failing backend does
// not silence the others.
type sink struct {
	exp     Exporter
	breaker *CircuitBreaker
}

// Manager queues spans and metric points, batches them and hands every
// batch to each exporter with retries. Enqueueing never blocks: a full
// queue drops and counts.
type Manager struct {
	logger *zap.Logger
	opts   ManagerOptions
	sinks  []sink

	spans   *batcher[*traces.Span]
	metrics *batcher[*metrics.Metric]

	exported *telemetry.Counter
	dropped  *telemetry.Counter
	failed   *telemetry.Counter
	queued   *telemetry.Gauge

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
	sleep     func(ctx context.Context, d time.Duration) bool
}

// NewManager returns a manager over exporters.
func NewManager(exporters []Exporter, opts ManagerOptions, reg *telemetry.Registry, logger *zap.Logger) *Manager {
	opts.setDefaults()
	mg := reg.NewMetricGroup("usm.export")
	m := &Manager{
		logger:   logger.Named("export"),
		opts:     opts,
		exported: mg.NewCounter("exported"),
		dropped:  mg.NewCounter("dropped"),
		failed:   mg.NewCounter("failed_batches"),
		queued:   mg.NewGauge("queued"),
		stopCh:   make(chan struct{}),
		sleep:    sleepCtx,
	}
	for _, exp := range exporters {
		m.sinks = append(m.sinks, sink{exp: exp, breaker: NewCircuitBreaker(opts.BreakerThreshold, opts.BreakerReset)})
	}
	m.spans = newBatcher("spans", opts, m.flushSpans)
	m.metrics = newBatcher("metrics", opts, m.flushMetrics)
	return m
}

// Start runs the batch loops until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.wg.Add(2)
		go func() { defer m.wg.Done(); m.spans.run(ctx, m.stopCh) }()
		go func() { defer m.wg.Done(); m.metrics.run(ctx, m.stopCh) }()
		m.logger.Info("export manager started",
			zap.Int("exporters", len(m.sinks)),
			zap.Int("batch_size", m.opts.BatchSize),
			zap.Duration("flush_interval", m.opts.FlushInterval),
		)
	})
}

// Stop flushes what is queued and shuts every exporter down.
func (m *Manager) Stop(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		for _, s := range m.sinks {
			err = multierr.Append(err, s.exp.Shutdown(ctx))
		}
		m.logger.Info("export manager stopped",
			zap.Int64("exported", m.exported.Get()),
			zap.Int64("dropped", m.dropped.Get()),
		)
	})
	return err
}

// ExportSpans queues spans.
func (m *Manager) ExportSpans(spans []*traces.Span) {
	m.dropped.Add(int64(m.spans.enqueue(spans)))
	m.queued.Set(int64(m.spans.depth() + m.metrics.depth()))
}

// ExportMetrics queues metric points.
func (m *Manager) ExportMetrics(points []*metrics.Metric) {
	m.dropped.Add(int64(m.metrics.enqueue(points)))
	m.queued.Set(int64(m.spans.depth() + m.metrics.depth()))
}

func (m *Manager) flushSpans(ctx context.Context, spans []*traces.Span) {
	m.flush(ctx, "spans", len(spans), func(ctx context.Context, exp Exporter) error {
		return exp.ExportSpans(ctx, spans)
	})
}

func (m *Manager) flushMetrics(ctx context.Context, points []*metrics.Metric) {
	m.flush(ctx, "metrics", len(points), func(ctx context.Context, exp Exporter) error {
		return exp.ExportMetrics(ctx, points)
	})
}

func (m *Manager) flush(ctx context.Context, signal string, n int, fn func(context.Context, Exporter) error) {
	for _, s := range m.sinks {
		if m.retryExport(ctx, signal, s, fn) {
			m.exported.Add(int64(n))
		} else {
			m.failed.Inc()
			m.dropped.Add(int64(n))
		}
	}
	m.queued.Set(int64(m.spans.depth() + m.metrics.depth()))
}

// retryExport tries one sink with exponential backoff, honoring its
// breaker, and reports whether the batch got through.
func (m *Manager) retryExport(ctx context.Context, signal string, s sink, fn func(context.Context, Exporter) error) bool {
	backoff := initialBackoff
	for attempt := 0; attempt <= m.opts.MaxRetries; attempt++ {
		if !s.breaker.Allow() {
			m.logger.Debug("circuit open, dropping batch", zap.String("signal", signal))
			return false
		}
		exportCtx, cancel := context.WithTimeout(ctx, exportTimeout)
		err := fn(exportCtx, s.exp)
		cancel()
		if err == nil {
			s.breaker.RecordSuccess()
			return true
		}
		s.breaker.RecordFailure()

		if attempt == m.opts.MaxRetries {
			m.logger.Error("export failed after retries",
				zap.String("signal", signal),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return false
		}
		m.logger.Warn("export failed, retrying",
			zap.String("signal", signal),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if !m.sleep(ctx, backoff) {
			return false
		}
		backoff = time.Duration(math.Min(float64(backoff)*backoffFactor, float64(maxBackoff)))
	}
	return false
}

// Stats returns items exported and dropped so far.
func (m *Manager) Stats() (exported, dropped int64) {
	return m.exported.Get(), m.dropped.Get()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// batcher is one signal's queue and flush loop.
type batcher[T any] struct {
	name     string
	ch       chan T
	size     int
	interval time.Duration
	flush    func(context.Context, []T)
}

func newBatcher[T any](name string, opts ManagerOptions, flush func(context.Context, []T)) *batcher[T] {
	return &batcher[T]{
		name:     name,
		ch:       make(chan T, opts.QueueSize),
		size:     opts.BatchSize,
		interval: opts.FlushInterval,
		flush:    flush,
	}
}

// enqueue queues items and returns how many did not fit.
func (b *batcher[T]) enqueue(items []T) int {
	for i, item := range items {
		select {
		case b.ch <- item:
		default:
			return len(items) - i
		}
	}
	return 0
}

func (b *batcher[T]) depth() int { return len(b.ch) }

func (b *batcher[T]) run(ctx context.Context, stop <-chan struct{}) {
	batch := make([]T, 0, b.size)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	send := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		b.flush(ctx, batch)
		batch = make([]T, 0, b.size)
	}
	drain := func(ctx context.Context) {
		for {
			select {
			case item := <-b.ch:
				batch = append(batch, item)
				if len(batch) >= b.size {
					send(ctx)
				}
			default:
				send(ctx)
				return
			}
		}
	}

	for {
		select {
		case item := <-b.ch:
			batch = append(batch, item)
			if len(batch) >= b.size {
				send(ctx)
			}
		case <-ticker.C:
			send(ctx)
		case <-stop:
			drain(context.WithoutCancel(ctx))
			return
		case <-ctx.Done():
			drain(context.WithoutCancel(ctx))
			return
		}
	}
}
