// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package ebpf

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/ringbuf"
)

// eventReader reads the records the programs output, from a ring buffer or
// a perf event array. Records use the hook message framing.
type eventReader struct {
	ring *ringbuf.Reader
	perf *perf.Reader
}

// newEventReader opens a reader for m. perfSize is the total perf buffer
// size, split across CPUs.
func newEventReader(m *ebpf.Map, perfSize int) (*eventReader, error) {
	if m.Type() == ebpf.RingBuf {
		rd, err := ringbuf.NewReader(m)
		if err != nil {
			return nil, fmt.Errorf("create ring buffer reader: %w", err)
		}
		return &eventReader{ring: rd}, nil
	}
	perCPU := perfSize / runtime.NumCPU()
	if perCPU < os.Getpagesize() {
		perCPU = os.Getpagesize()
	}
	rd, err := perf.NewReader(m, perCPU)
	if err != nil {
		return nil, fmt.Errorf("create perf reader: %w", err)
	}
	return &eventReader{perf: rd}, nil
}

// read blocks for the next record. lost counts records the kernel could not
// write since the previous call.
func (r *eventReader) read() (sample []byte, lost uint64, err error) {
	if r.ring != nil {
		rec, err := r.ring.Read()
		if err != nil {
			return nil, 0, err
		}
		return rec.RawSample, 0, nil
	}
	rec, err := r.perf.Read()
	if err != nil {
		return nil, 0, err
	}
	return rec.RawSample, rec.LostSamples, nil
}

func (r *eventReader) close() error {
	if r.ring != nil {
		return r.ring.Close()
	}
	return r.perf.Close()
}

func isClosed(err error) bool {
	return errors.Is(err, ringbuf.ErrClosed) || errors.Is(err, perf.ErrClosed)
}
