// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package events

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrChannelFull is returned when the channel has no room for a record.
	ErrChannelFull = errors.New("events: channel full")
	// ErrChannelClosed is returned once Close has been called.
	ErrChannelClosed = errors.New("events: channel closed")
)

// Record is one encoded batch together with the shard that produced it.
type Record struct {
	CPU  int
	Data []byte
}

// Channel moves encoded records from producers to one consumer.
type Channel interface {
	// Output queues a record. It never blocks.
	Output(cpu int, data []byte) error
	// Read blocks until the channel wakes the reader, the poll interval
	// passes, or ctx is done, then returns every queued record.
	Read(ctx context.Context) ([]Record, error)
	// Drain returns the queued records without waiting.
	Drain() []Record
	Close() error
}

// ChannelConfig selects and sizes a channel.
type ChannelConfig struct {
	// RingBufferEnabled picks the ring buffer; otherwise per-shard perf
	// queues are used.
	RingBufferEnabled bool
	// Size is the ring capacity in bytes, or the per-shard perf capacity in
	// records.
	Size int
	// WakeupSize is the pending byte count that wakes the ring reader.
	WakeupSize int
	// WakeupEvents is the per-shard record count that wakes the perf reader.
	WakeupEvents int
	Shards       int
	PollInterval time.Duration
}

// DefaultChannelConfig mirrors the loader defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		RingBufferEnabled: true,
		Size:              1 << 20,
		WakeupSize:        0,
		WakeupEvents:      1,
		Shards:            1,
		PollInterval:      100 * time.Millisecond,
	}
}

// RingWakeupSize returns the byte threshold at which count records of
// recordSize wake the ring reader.
func RingWakeupSize(count, recordSize int) int {
	return count * (recordSize + ringbufHeaderSize)
}

// NewChannel returns the channel kind selected by cfg.
func NewChannel(cfg ChannelConfig) Channel {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.RingBufferEnabled {
		return NewRingBuffer(cfg.Size, cfg.WakeupSize, cfg.PollInterval)
	}
	return NewPerfBuffer(cfg.Shards, cfg.Size, cfg.WakeupEvents, cfg.PollInterval)
}
