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

// RingBuffer is a single byte-bounded queue shared by all shards. A producer
// wakes the reader only when the pending bytes plus the new record reach the
// wakeup size; otherwise the reader picks the record up on its next poll.
type RingBuffer struct {
	mu         sync.Mutex
	queue      []Record
	pending    int
	size       int
	wakeupSize int

	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
	poll   time.Duration

	Wakeups   atomic.Uint64
	NoWakeups atomic.Uint64
	Lost      atomic.Uint64
}

// NewRingBuffer returns a ring of size bytes. A zero wakeupSize wakes the
// reader on every record.
func NewRingBuffer(size, wakeupSize int, poll time.Duration) *RingBuffer {
	return &RingBuffer{
		size:       size,
		wakeupSize: wakeupSize,
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
		poll:       poll,
	}
}

// Output implements Channel.
func (r *RingBuffer) Output(cpu int, data []byte) error {
	select {
	case <-r.closed:
		return ErrChannelClosed
	default:
	}

	recSize := len(data) + ringbufHeaderSize
	r.mu.Lock()
	if r.size > 0 && r.pending+recSize > r.size {
		r.mu.Unlock()
		r.Lost.Inc()
		return ErrChannelFull
	}
	wakeup := r.pending+recSize >= r.wakeupSize
	r.queue = append(r.queue, Record{CPU: cpu, Data: data})
	r.pending += recSize
	r.mu.Unlock()

	if !wakeup {
		r.NoWakeups.Inc()
		return nil
	}
	r.Wakeups.Inc()
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the bytes queued and not yet read.
func (r *RingBuffer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// Read implements Channel.
func (r *RingBuffer) Read(ctx context.Context) ([]Record, error) {
	timer := time.NewTimer(r.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.closed:
		return r.Drain(), ErrChannelClosed
	case <-r.wake:
	case <-timer.C:
	}
	return r.Drain(), nil
}

// Drain implements Channel.
func (r *RingBuffer) Drain() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.queue
	r.queue = nil
	r.pending = 0
	return out
}

// Close implements Channel.
func (r *RingBuffer) Close() error {
	r.once.Do(func() { close(r.closed) })
	return nil
}
