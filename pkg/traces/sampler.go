// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"encoding/binary"
	"encoding/hex"
)

// Sampler is a head sampler keyed on the trace ID. Applied after
// stitching, both halves of an exchange share the trace ID and so the
// decision.
type Sampler struct {
	rate      float64
	threshold uint64
}

// NewSampler returns a sampler keeping rate of the traces, clamped to
// [0, 1].
func NewSampler(rate float64) *Sampler {
	switch {
	case rate <= 0:
		return &Sampler{}
	case rate >= 1:
		return &Sampler{rate: 1, threshold: ^uint64(0)}
	}
	return &Sampler{rate: rate, threshold: uint64(rate * float64(^uint64(0)))}
}

// Keep reports whether span is exported.
func (s *Sampler) Keep(span *Span) bool { return s.ShouldSample(span.TraceID, span.IsError()) }

// ShouldSample decides on the first 8 bytes of traceID. Errors are always
// kept, and so are IDs that cannot be decoded.
func (s *Sampler) ShouldSample(traceID string, isError bool) bool {
	if isError || s.rate >= 1 {
		return true
	}
	if s.rate <= 0 {
		return false
	}
	if len(traceID) < 16 {
		return true
	}
	b, err := hex.DecodeString(traceID[:16])
	if err != nil {
		return true
	}
	return binary.BigEndian.Uint64(b) <= s.threshold
}

// Filter returns the spans to keep, reusing the backing array of spans.
func (s *Sampler) Filter(spans []*Span) []*Span {
	if s.rate >= 1 {
		return spans
	}
	kept := spans[:0]
	for _, span := range spans {
		if s.Keep(span) {
			kept = append(kept, span)
		}
	}
	return kept
}

// Rate returns the configured sampling rate.
func (s *Sampler) Rate() float64 { return s.rate }
