// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// PerfBuffer keeps one bounded queue per shard, like a perf event array.
// The reader is woken once a shard holds wakeupEvents records.
type PerfBuffer struct {
	shards       []perfShard
	capacity     int
	wakeupEvents int

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
	poll   time.Duration

	Lost atomic.Uint64
}

type perfShard struct {
	mu    sync.Mutex
	queue []Record
}

// NewPerfBuffer returns a perf channel with capacity records per shard.
func NewPerfBuffer(shards, capacity, wakeupEvents int, poll time.Duration) *PerfBuffer {
	if wakeupEvents <= 0 {
		wakeupEvents = 1
	}
	return &PerfBuffer{
		shards:       make([]perfShard, shards),
		capacity:     capacity,
		wakeupEvents: wakeupEvents,
		wake:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
		poll:         poll,
	}
}

// Output implements Channel.
func (p *PerfBuffer) Output(cpu int, data []byte) error {
	select {
	case <-p.closed:
		return ErrChannelClosed
	default:
	}

	s := &p.shards[cpu%len(p.shards)]
	s.mu.Lock()
	if p.capacity > 0 && len(s.queue) >= p.capacity {
		s.mu.Unlock()
		p.Lost.Inc()
		return ErrChannelFull
	}
	s.queue = append(s.queue, Record{CPU: cpu, Data: data})
	n := len(s.queue)
	s.mu.Unlock()

	if n >= p.wakeupEvents {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// Read implements Channel.
func (p *PerfBuffer) Read(ctx context.Context) ([]Record, error) {
	timer := time.NewTimer(p.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return p.Drain(), ErrChannelClosed
	case <-p.wake:
	case <-timer.C:
	}
	return p.Drain(), nil
}

// Drain implements Channel. Records come out shard by shard; order across
// shards is not preserved.
func (p *PerfBuffer) Drain() []Record {
	var out []Record
	for i := range p.shards {
		s := &p.shards[i]
		s.mu.Lock()
		out = append(out, s.queue...)
		s.queue = nil
		s.mu.Unlock()
	}
	return out
}

// Close implements Channel.
func (p *PerfBuffer) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
