// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mbeema/usm/pkg/telemetry"
)

// BatcherConfig sizes the page ring.
type BatcherConfig struct {
	Shards    int
	BatchSize int
	Pages     int
}

func (c *BatcherConfig) setDefaults() {
	if c.Shards <= 0 {
		c.Shards = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Pages <= 0 {
		c.Pages = DefaultPages
	}
}

// Batcher accumulates events of one family into per-shard pages. A page that
// fills advances the shard index; it is written to the channel by the next
// Flush. Sync also writes the unsent tail of the current page.
type Batcher[V any] struct {
	family    string
	eventSize int
	batchSize int
	out       Channel
	shards    []*shard[V]

	helperErrors *telemetry.HelperErrors
	outputHelper telemetry.Helper

	enqueued    *telemetry.Counter
	dropped     *telemetry.Counter
	flushed     *telemetry.Counter
	lost        *telemetry.Counter
	doubleFlush *telemetry.Counter
	unbatched   *telemetry.Counter
}

type page[V any] struct {
	idx    uint64
	events []V
	// sent counts events already written by a partial flush.
	sent int
	full bool
}

type shard[V any] struct {
	mu      sync.Mutex
	cpu     int
	cur     uint64
	flushed uint64
	pages   []page[V]
}

// NewBatcher returns a batcher writing to out. V must have a fixed binary
// layout.
func NewBatcher[V any](family string, cfg BatcherConfig, out Channel, reg *telemetry.Registry) (*Batcher[V], error) {
	if out == nil {
		return nil, errors.New("events: nil channel")
	}
	size, err := eventSize[V]()
	if err != nil {
		return nil, err
	}
	if size > 0xffff {
		return nil, fmt.Errorf("events: %s event of %d bytes does not fit a page", family, size)
	}
	cfg.setDefaults()

	mg := reg.NewMetricGroup("usm.events")
	tag := "family:" + family
	b := &Batcher[V]{
		family:       family,
		eventSize:    size,
		batchSize:    cfg.BatchSize,
		out:          out,
		helperErrors: reg.HelperErrors,
		outputHelper: telemetry.HelperPerfEventOutput,
		enqueued:     mg.NewCounter("enqueued", tag),
		dropped:      mg.NewCounter("dropped", tag),
		flushed:      mg.NewCounter("batches_flushed", tag),
		lost:         mg.NewCounter("lost", tag),
		doubleFlush:  mg.NewCounter("double_flush_attempts", tag),
		unbatched:    mg.NewCounter("unbatched", tag),
	}
	if _, ok := out.(*RingBuffer); ok {
		b.outputHelper = telemetry.HelperRingbufOutput
	}
	b.shards = make([]*shard[V], cfg.Shards)
	for i := range b.shards {
		s := &shard[V]{cpu: i, pages: make([]page[V], cfg.Pages)}
		for j := range s.pages {
			s.pages[j].events = make([]V, 0, cfg.BatchSize)
		}
		b.shards[i] = s
	}
	return b, nil
}

// Family returns the event family name.
func (b *Batcher[V]) Family() string { return b.family }

// EventSize returns the encoded size of one event.
func (b *Batcher[V]) EventSize() int { return b.eventSize }

func (b *Batcher[V]) shard(cpu int) *shard[V] {
	if cpu < 0 {
		cpu = -cpu
	}
	return b.shards[cpu%len(b.shards)]
}

// Enqueue appends ev to the current page of cpu. It returns false when the
// ring wrapped onto a page that was never flushed.
func (b *Batcher[V]) Enqueue(cpu int, ev V) bool {
	s := b.shard(cpu)
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &s.pages[s.cur%uint64(len(s.pages))]
	if p.full {
		b.dropped.Inc()
		return false
	}
	p.idx = s.cur
	p.events = append(p.events, ev)
	b.enqueued.Inc()
	if len(p.events) == b.batchSize {
		p.full = true
		s.cur++
	}
	return true
}

// IsFull reports whether cpu has pages waiting for a flush.
func (b *Batcher[V]) IsFull(cpu int) bool {
	s := b.shard(cpu)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed < s.cur
}

// Flush writes every full page of cpu to the channel and returns how many
// pages went out.
func (b *Batcher[V]) Flush(cpu int) int {
	s := b.shard(cpu)
	s.mu.Lock()
	defer s.mu.Unlock()
	return b.flushFull(s)
}

func (b *Batcher[V]) flushFull(s *shard[V]) int {
	n := 0
	for s.flushed < s.cur {
		p := &s.pages[s.flushed%uint64(len(s.pages))]
		if !p.full || p.idx != s.flushed {
			// Someone else already emptied this slot.
			b.doubleFlush.Inc()
			s.flushed++
			continue
		}
		b.write(s.cpu, p.idx, p.events[p.sent:])
		p.reset()
		s.flushed++
		n++
	}
	return n
}

// FlushAll flushes the full pages of every shard.
func (b *Batcher[V]) FlushAll() int {
	n := 0
	for i := range b.shards {
		n += b.Flush(i)
	}
	return n
}

// Sync flushes the full pages and then the unsent part of each current page.
func (b *Batcher[V]) Sync() {
	for _, s := range b.shards {
		s.mu.Lock()
		b.flushFull(s)
		p := &s.pages[s.cur%uint64(len(s.pages))]
		if !p.full && len(p.events) > p.sent {
			b.write(s.cpu, s.cur, p.events[p.sent:])
			p.sent = len(p.events)
		}
		s.mu.Unlock()
	}
}

// OutputUnbatched writes ev as a record of its own.
func (b *Batcher[V]) OutputUnbatched(cpu int, ev V) error {
	b.unbatched.Inc()
	if !b.write(cpu, UnbatchedIdx, []V{ev}) {
		return ErrChannelFull
	}
	return nil
}

func (b *Batcher[V]) write(cpu int, idx uint64, evs []V) bool {
	if len(evs) == 0 {
		return true
	}
	h := BatchHeader{
		Idx:       idx,
		CPU:       uint16(cpu),
		Cap:       uint16(b.batchSize),
		EventSize: uint16(b.eventSize),
	}
	if idx == UnbatchedIdx {
		h.Cap = 1
	}
	data, err := encodeBatch(h, evs)
	if err != nil {
		b.lost.Add(int64(len(evs)))
		return false
	}
	if err := b.out.Output(cpu, data); err != nil {
		b.helperErrors.Record(b.family, b.outputHelper)
		b.lost.Add(int64(len(evs)))
		return false
	}
	b.flushed.Inc()
	return true
}

func (p *page[V]) reset() {
	p.events = p.events[:0]
	p.sent = 0
	p.full = false
}
