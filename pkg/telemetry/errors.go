// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package telemetry

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// errno slots tracked per map. Anything else lands in the last slot.
var mapErrnoSlots = []unix.Errno{unix.E2BIG, unix.EEXIST, unix.ENOENT, unix.EBUSY, unix.ENOMEM}

const mapErrSlotOther = 5

// MapErrors counts failed map updates per map and errno.
type MapErrors struct {
	mu     sync.RWMutex
	counts map[string]*[6]atomic.Uint64
}

// NewMapErrors returns an empty table.
func NewMapErrors() *MapErrors {
	return &MapErrors{counts: make(map[string]*[6]atomic.Uint64)}
}

func (m *MapErrors) slots(name string) *[6]atomic.Uint64 {
	m.mu.RLock()
	s, ok := m.counts[name]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.counts[name]; !ok {
		s = new([6]atomic.Uint64)
		m.counts[name] = s
	}
	return s
}

// RecordErrno counts one failure of errno on map name.
func (m *MapErrors) RecordErrno(name string, errno unix.Errno) {
	s := m.slots(name)
	for i, e := range mapErrnoSlots {
		if e == errno {
			s[i].Inc()
			return
		}
	}
	s[mapErrSlotOther].Inc()
}

// Record counts err on map name. Errors that do not wrap an errno land in the
// "other" slot.
func (m *MapErrors) Record(name string, err error) {
	if err == nil {
		return
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		m.RecordErrno(name, errno)
		return
	}
	m.slots(name)[mapErrSlotOther].Inc()
}

// Get returns the count of errno on map name.
func (m *MapErrors) Get(name string, errno unix.Errno) uint64 {
	m.mu.RLock()
	s, ok := m.counts[name]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	for i, e := range mapErrnoSlots {
		if e == errno {
			return s[i].Load()
		}
	}
	return s[mapErrSlotOther].Load()
}

var mapErrDesc = prometheus.NewDesc("usm_map_errors_total",
	"Failed map updates by map and errno.", []string{"map", "errno"}, nil)

func (m *MapErrors) collect(ch chan<- prometheus.Metric) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, s := range m.counts {
		for i := range s {
			v := s[i].Load()
			if v == 0 {
				continue
			}
			label := "other"
			if i < len(mapErrnoSlots) {
				label = unix.ErrnoName(mapErrnoSlots[i])
			}
			ch <- prometheus.MustNewConstMetric(mapErrDesc, prometheus.CounterValue, float64(v), name, label)
		}
	}
}

// Helper identifies the operation that failed inside a program.
type Helper uint8

const (
	HelperProbeRead Helper = iota
	HelperProbeReadUser
	HelperTailCall
	HelperRingbufOutput
	HelperPerfEventOutput
	helperCount
)

func (h Helper) String() string {
	switch h {
	case HelperProbeRead:
		return "bpf_probe_read"
	case HelperProbeReadUser:
		return "bpf_probe_read_user"
	case HelperTailCall:
		return "bpf_tail_call"
	case HelperRingbufOutput:
		return "bpf_ringbuf_output"
	case HelperPerfEventOutput:
		return "bpf_perf_event_output"
	default:
		return "unknown"
	}
}

// HelperErrors counts helper failures per program.
type HelperErrors struct {
	mu     sync.RWMutex
	counts map[string]*[helperCount]atomic.Uint64
}

// NewHelperErrors returns an empty table.
func NewHelperErrors() *HelperErrors {
	return &HelperErrors{counts: make(map[string]*[helperCount]atomic.Uint64)}
}

// Record counts one failure of helper in program.
func (h *HelperErrors) Record(program string, helper Helper) {
	if helper >= helperCount {
		return
	}
	h.mu.RLock()
	s, ok := h.counts[program]
	h.mu.RUnlock()
	if !ok {
		h.mu.Lock()
		if s, ok = h.counts[program]; !ok {
			s = new([helperCount]atomic.Uint64)
			h.counts[program] = s
		}
		h.mu.Unlock()
	}
	s[helper].Inc()
}

// Get returns the failure count of helper in program.
func (h *HelperErrors) Get(program string, helper Helper) uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.counts[program]
	if !ok || helper >= helperCount {
		return 0
	}
	return s[helper].Load()
}

var helperErrDesc = prometheus.NewDesc("usm_helper_errors_total",
	"Helper failures by program and helper.", []string{"program", "helper"}, nil)

func (h *HelperErrors) collect(ch chan<- prometheus.Metric) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for program, s := range h.counts {
		for i := range s {
			if v := s[i].Load(); v > 0 {
				ch <- prometheus.MustNewConstMetric(helperErrDesc, prometheus.CounterValue,
					float64(v), program, Helper(i).String())
			}
		}
	}
}
