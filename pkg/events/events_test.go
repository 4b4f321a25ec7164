// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mbeema/usm/pkg/telemetry"
)

type testEvent struct {
	ID    uint64
	Code  uint16
	Frag  [6]byte
	Flags uint8
	_     uint8
}

func newTestBatcher(t *testing.T, ch Channel, cfg BatcherConfig) (*Batcher[testEvent], *telemetry.Registry) {
	reg := telemetry.NewRegistry()
	b, err := NewBatcher[testEvent]("test_events", cfg, ch, reg)
	require.NoError(t, err)
	return b, reg
}

func TestCodecRoundTrip(t *testing.T) {
	evs := []testEvent{{ID: 1, Code: 200}, {ID: 2, Code: 404, Frag: [6]byte{'G', 'E', 'T'}}}
	data, err := encodeBatch(BatchHeader{Idx: 7, CPU: 3, Cap: 15, EventSize: 18}, evs)
	require.NoError(t, err)
	assert.Len(t, data, HeaderSize+2*18)

	h, got, err := DecodeBatch[testEvent](data)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), h.Idx)
	assert.Equal(t, uint16(3), h.CPU)
	assert.Equal(t, uint16(2), h.Len)
	assert.Equal(t, evs, got)

	_, _, err = DecodeBatch[testEvent](data[:10])
	assert.ErrorIs(t, err, ErrMalformedBatch)

	_, _, err = DecodeBatch[testEvent](data[:HeaderSize+18])
	assert.ErrorIs(t, err, ErrMalformedBatch)

	type other struct{ A uint32 }
	_, _, err = DecodeBatch[other](data)
	assert.ErrorIs(t, err, ErrEventSize)
}

func TestBatcherRejectsVariableLayout(t *testing.T) {
	_, err := NewBatcher[struct{ S []byte }]("bad", BatcherConfig{}, NewRingBuffer(0, 0, time.Millisecond), telemetry.NewRegistry())
	assert.Error(t, err)
}

func TestBatcherPagesAndFlush(t *testing.T) {
	ring := NewRingBuffer(0, 0, time.Millisecond)
	b, _ := newTestBatcher(t, ring, BatcherConfig{Shards: 2, BatchSize: 3, Pages: 2})

	for i := 0; i < 3; i++ {
		assert.True(t, b.Enqueue(1, testEvent{ID: uint64(i)}))
	}
	assert.True(t, b.IsFull(1))
	assert.False(t, b.IsFull(0))
	assert.Empty(t, ring.Drain(), "a full page waits for the flush entry point")

	assert.Equal(t, 1, b.Flush(1))
	recs := ring.Drain()
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].CPU)
	h, evs, err := DecodeBatch[testEvent](recs[0].Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h.Idx)
	assert.Len(t, evs, 3)

	assert.Equal(t, 0, b.Flush(1), "nothing left to flush")
}

func TestBatcherRingWrapDrops(t *testing.T) {
	ring := NewRingBuffer(0, 0, time.Millisecond)
	b, reg := newTestBatcher(t, ring, BatcherConfig{BatchSize: 1, Pages: 2})

	assert.True(t, b.Enqueue(0, testEvent{ID: 1}))
	assert.True(t, b.Enqueue(0, testEvent{ID: 2}))
	assert.False(t, b.Enqueue(0, testEvent{ID: 3}), "both pages are waiting for a flush")
	assert.Equal(t, int64(1), reg.Snapshot()["usm.events.dropped,family:test_events"])

	assert.Equal(t, 2, b.FlushAll())
	assert.True(t, b.Enqueue(0, testEvent{ID: 3}))
}

func TestBatcherSyncPartialPage(t *testing.T) {
	ring := NewRingBuffer(0, 0, time.Millisecond)
	b, _ := newTestBatcher(t, ring, BatcherConfig{BatchSize: 3})

	b.Enqueue(0, testEvent{ID: 1})
	b.Sync()
	b.Enqueue(0, testEvent{ID: 2})
	b.Enqueue(0, testEvent{ID: 3})
	b.Flush(0)

	var ids []uint64
	for _, rec := range ring.Drain() {
		h, evs, err := DecodeBatch[testEvent](rec.Data)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), h.Idx)
		for _, ev := range evs {
			ids = append(ids, ev.ID)
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids, "a partial flush is never repeated")
}

func TestBatcherOutputFailureCounted(t *testing.T) {
	ring := NewRingBuffer(HeaderSize+18+ringbufHeaderSize, 0, time.Millisecond)
	b, reg := newTestBatcher(t, ring, BatcherConfig{BatchSize: 1})

	require.NoError(t, b.OutputUnbatched(0, testEvent{ID: 1}))
	assert.ErrorIs(t, b.OutputUnbatched(0, testEvent{ID: 2}), ErrChannelFull)
	assert.Equal(t, uint64(1), reg.HelperErrors.Get("test_events", telemetry.HelperRingbufOutput))

	recs := ring.Drain()
	require.Len(t, recs, 1)
	h, _, err := DecodeBatch[testEvent](recs[0].Data)
	require.NoError(t, err)
	assert.True(t, h.Unbatched())
}

func TestRingBufferWakeupPolicy(t *testing.T) {
	rec := make([]byte, 24)
	ring := NewRingBuffer(0, RingWakeupSize(2, len(rec)), time.Hour)

	require.NoError(t, ring.Output(0, rec))
	assert.Equal(t, uint64(1), ring.NoWakeups.Load(), "one record is below the threshold")
	require.NoError(t, ring.Output(0, rec))
	assert.Equal(t, uint64(1), ring.Wakeups.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	recs, err := ring.Read(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Zero(t, ring.Pending())
}

func TestPerfBuffer(t *testing.T) {
	perf := NewPerfBuffer(2, 1, 1, time.Hour)
	require.NoError(t, perf.Output(0, []byte{1}))
	require.NoError(t, perf.Output(3, []byte{2}))
	assert.ErrorIs(t, perf.Output(2, []byte{3}), ErrChannelFull)
	assert.Equal(t, uint64(1), perf.Lost.Load())

	recs, err := perf.Read(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	require.NoError(t, perf.Close())
	assert.ErrorIs(t, perf.Output(0, nil), ErrChannelClosed)
}

func TestNewChannel(t *testing.T) {
	cfg := DefaultChannelConfig()
	_, ok := NewChannel(cfg).(*RingBuffer)
	assert.True(t, ok)
	cfg.RingBufferEnabled = false
	_, ok = NewChannel(cfg).(*PerfBuffer)
	assert.True(t, ok)
}

func TestConsumer(t *testing.T) {
	ring := NewRingBuffer(0, 0, 10*time.Millisecond)
	b, reg := newTestBatcher(t, ring, BatcherConfig{BatchSize: 2})

	var mu sync.Mutex
	var got []uint64
	c, err := NewConsumer[testEvent]("test_events", ring, func(evs []testEvent) {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range evs {
			got = append(got, ev.ID)
		}
	}, reg, zaptest.NewLogger(t))
	require.NoError(t, err)
	c.Start()

	for i := uint64(1); i <= 4; i++ {
		b.Enqueue(0, testEvent{ID: i})
	}
	b.Flush(0)
	b.Enqueue(0, testEvent{ID: 5})
	b.Sync()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, got)
	mu.Unlock()
	assert.Equal(t, int64(5), reg.Snapshot()["usm.consumer.events_captured,family:test_events"])
}

func TestConsumerCountsMissedPages(t *testing.T) {
	ring := NewRingBuffer(0, 0, time.Hour)
	reg := telemetry.NewRegistry()
	c, err := NewConsumer[testEvent]("test_events", ring, func([]testEvent) {}, reg, nil)
	require.NoError(t, err)

	for _, idx := range []uint64{0, 1, 4} {
		data, err := encodeBatch(BatchHeader{Idx: idx, Cap: 15, EventSize: 18}, []testEvent{{ID: idx}})
		require.NoError(t, err)
		require.NoError(t, ring.Output(0, data))
	}
	require.NoError(t, ring.Output(0, []byte("garbage")))
	c.Sync()

	snap := reg.Snapshot()
	assert.Equal(t, int64(2), snap["usm.consumer.batches_missed,family:test_events"])
	assert.Equal(t, int64(1), snap["usm.consumer.invalid_records,family:test_events"])
}
