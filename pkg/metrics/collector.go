// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/telemetry"
)

const defaultInterval = 15 * time.Second

// Collector polls every source on an interval and hands the points to
// emit. It also reports the agent's own resource use and its internal
// counters.
type Collector struct {
	interval  time.Duration
	sources   []Source
	emit      func([]*Metric)
	logger    *zap.Logger
	startTime time.Time

	self *process.Process

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector returns a collector over sources.
func NewCollector(interval time.Duration, emit func([]*Metric), logger *zap.Logger, sources ...Source) *Collector {
	if interval <= 0 {
		interval = defaultInterval
	}
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Debug("self process metrics unavailable", zap.Error(err))
	}
	return &Collector{
		interval:  interval,
		sources:   sources,
		emit:      emit,
		logger:    logger,
		startTime: time.Now(),
		self:      self,
		stopCh:    make(chan struct{}),
	}
}

// Start begins periodic collection.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				c.CollectNow(now)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	c.logger.Info("metrics collector started", zap.Duration("interval", c.interval))
}

// Stop halts collection after a last round.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		c.CollectNow(time.Now())
	})
}

// CollectNow gathers every source once.
func (c *Collector) CollectNow(now time.Time) {
	var out []*Metric
	for _, src := range c.sources {
		out = append(out, src.Collect(now)...)
	}
	out = append(out, c.collectSelf(now)...)
	if len(out) > 0 {
		c.emit(out)
	}
}

func (c *Collector) collectSelf(now time.Time) []*Metric {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	out := []*Metric{
		{Name: "process.runtime.go.goroutines", Unit: "{goroutines}", Type: Gauge, Value: float64(runtime.NumGoroutine()), Timestamp: now},
		{Name: "process.runtime.go.mem.heap_alloc", Unit: "By", Type: Gauge, Value: float64(ms.HeapAlloc), Timestamp: now},
		{Name: "process.runtime.go.gc.count", Unit: "{collections}", Type: Counter, Value: float64(ms.NumGC), Timestamp: now, StartTime: c.startTime},
	}
	if c.self == nil {
		return out
	}
	if pct, err := c.self.CPUPercent(); err == nil {
		out = append(out, &Metric{Name: "process.cpu.utilization", Unit: "1", Type: Gauge, Value: pct / 100, Timestamp: now})
	}
	if mem, err := c.self.MemoryInfo(); err == nil {
		out = append(out, &Metric{Name: "process.memory.usage", Unit: "By", Type: Gauge, Value: float64(mem.RSS), Timestamp: now})
	}
	return out
}

// RegistrySource exports the internal counters of a telemetry registry.
type RegistrySource struct {
	Registry *telemetry.Registry
}

// Collect reports every registry metric as a gauge; the registry does not
// tell counters from gauges in its snapshot.
func (r RegistrySource) Collect(now time.Time) []*Metric {
	snap := r.Registry.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Metric, 0, len(names))
	for _, name := range names {
		out = append(out, &Metric{
			Name:      name,
			Type:      Gauge,
			Value:     float64(snap[name]),
			Timestamp: now,
		})
	}
	return out
}
