// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/mbeema/usm/pkg/events"
)

// stream is the type-erased side of one event family.
type stream interface {
	start()
	flush(cpu int)
	sync()
	stop()
}

// familyStream pairs the batcher parsers write to with the consumer
// reading the channel between them.
type familyStream[V any] struct {
	batcher  *events.Batcher[V]
	consumer *events.Consumer[V]
}

// newStream builds the channel, batcher and consumer of family and adds
// them to e.
func newStream[V any](e *Engine, family string, handle func([]V)) (*familyStream[V], error) {
	if handle == nil {
		handle = func([]V) {}
	}
	ev := e.cfg.Events
	shards := ev.Shards
	if w := e.cfg.Hook.Workers; w > shards {
		shards = w
	}
	batchSize := ev.BatchSize
	if batchSize <= 0 {
		batchSize = events.DefaultBatchSize
	}

	var zero V
	record := events.HeaderSize + batchSize*binary.Size(&zero)
	chCfg := events.ChannelConfig{
		RingBufferEnabled: ev.RingBufferEnabled,
		Size:              ev.RingBufferSize,
		WakeupSize:        events.RingWakeupSize(ev.WakeupCount, record),
		WakeupEvents:      ev.WakeupCount,
		Shards:            shards,
		PollInterval:      ev.PollInterval,
	}
	if !ev.RingBufferEnabled {
		// Per-shard perf capacity is counted in records.
		chCfg.Size = ev.Pages * 16
		if chCfg.Size <= 0 {
			chCfg.Size = events.DefaultPages * 16
		}
	}
	ch := events.NewChannel(chCfg)

	b, err := events.NewBatcher[V](family, events.BatcherConfig{
		Shards:    shards,
		BatchSize: batchSize,
		Pages:     ev.Pages,
	}, ch, e.reg)
	if err != nil {
		return nil, fmt.Errorf("%s batcher: %w", family, err)
	}
	c, err := events.NewConsumer[V](family, ch, handle, e.reg, e.logger)
	if err != nil {
		return nil, fmt.Errorf("%s consumer: %w", family, err)
	}
	s := &familyStream[V]{batcher: b, consumer: c}
	e.streams = append(e.streams, s)
	return s, nil
}

func (s *familyStream[V]) start()        { s.consumer.Start() }
func (s *familyStream[V]) flush(cpu int) { s.batcher.Flush(cpu) }

func (s *familyStream[V]) sync() {
	s.batcher.Sync()
	s.consumer.Sync()
}

func (s *familyStream[V]) stop() {
	s.batcher.Sync()
	s.consumer.Stop()
}
