// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/telemetry"
)

// Consumer reads the records of one family and hands decoded events to a
// callback, one call per record.
type Consumer[V any] struct {
	family   string
	ch       Channel
	callback func([]V)
	logger   *zap.Logger

	mu      sync.Mutex
	lastIdx map[uint16]uint64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	batches *telemetry.Counter
	events  *telemetry.Counter
	missed  *telemetry.Counter
	invalid *telemetry.Counter
}

// NewConsumer returns a consumer of ch. The callback must not keep the slice.
func NewConsumer[V any](family string, ch Channel, callback func([]V), reg *telemetry.Registry, logger *zap.Logger) (*Consumer[V], error) {
	if callback == nil {
		return nil, errors.New("events: callback function is required")
	}
	if _, err := eventSize[V](); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	mg := reg.NewMetricGroup("usm.consumer")
	tag := "family:" + family
	return &Consumer[V]{
		family:   family,
		ch:       ch,
		callback: callback,
		logger:   logger.With(zap.String("family", family)),
		lastIdx:  make(map[uint16]uint64),
		batches:  mg.NewCounter("batches_read", tag),
		events:   mg.NewCounter("events_captured", tag),
		missed:   mg.NewCounter("batches_missed", tag),
		invalid:  mg.NewCounter("invalid_records", tag),
	}, nil
}

// Start launches the read loop.
func (c *Consumer[V]) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
	c.logger.Debug("consumer started")
}

func (c *Consumer[V]) run(ctx context.Context) {
	defer close(c.done)
	for {
		recs, err := c.ch.Read(ctx)
		c.handle(recs)
		if err != nil {
			return
		}
	}
}

// Sync processes whatever the channel holds right now. Producers call their
// batcher's Sync first so partial pages are included.
func (c *Consumer[V]) Sync() {
	c.handle(c.ch.Drain())
}

// Stop ends the read loop and processes the records still queued.
func (c *Consumer[V]) Stop() {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		c.handle(c.ch.Drain())
	})
}

func (c *Consumer[V]) handle(recs []Record) {
	if len(recs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range recs {
		h, evs, err := DecodeBatch[V](rec.Data)
		if err != nil {
			c.invalid.Inc()
			c.logger.Debug("dropping record", zap.Int("cpu", rec.CPU), zap.Error(err))
			continue
		}
		c.track(h)
		c.batches.Inc()
		c.events.Add(int64(len(evs)))
		if len(evs) > 0 {
			c.callback(evs)
		}
	}
}

// track counts pages skipped by the producer. A partial flush and the later
// full flush of the same page share one index.
func (c *Consumer[V]) track(h BatchHeader) {
	if h.Unbatched() {
		return
	}
	last, seen := c.lastIdx[h.CPU]
	if seen && h.Idx > last+1 {
		c.missed.Add(int64(h.Idx - last - 1))
	}
	if !seen || h.Idx > last {
		c.lastIdx[h.CPU] = h.Idx
	}
}
