// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSamplerBounds(t *testing.T) {
	keep, drop := NewSampler(1.0), NewSampler(0)
	for i := 0; i < 100; i++ {
		id := GenerateTraceID()
		assert.True(t, keep.ShouldSample(id, false))
		assert.False(t, drop.ShouldSample(id, false))
		assert.True(t, drop.ShouldSample(id, true), "errors are always kept")
	}
	assert.Equal(t, 1.0, NewSampler(7).Rate())
	assert.Equal(t, 0.0, NewSampler(-1).Rate())
}

func TestSamplerDeterministic(t *testing.T) {
	s := NewSampler(0.5)
	id := GenerateTraceID()
	first := s.ShouldSample(id, false)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, s.ShouldSample(id, false))
	}
}

func TestSamplerApproximateRate(t *testing.T) {
	s := NewSampler(0.1)
	kept, total := 0, 10000
	for i := 0; i < total; i++ {
		if s.ShouldSample(GenerateTraceID(), false) {
			kept++
		}
	}
	rate := float64(kept) / float64(total)
	assert.InDelta(t, 0.1, rate, 0.05)
}

func TestSamplerKeepsMalformedIDs(t *testing.T) {
	s := NewSampler(0.0001)
	assert.True(t, s.ShouldSample("short", false))
	assert.True(t, s.ShouldSample("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", false))
}

func TestGenerateIDs(t *testing.T) {
	traceID, spanID := GenerateTraceID(), GenerateSpanID()
	assert.Len(t, traceID, 32)
	assert.Len(t, spanID, 16)
	assert.NotEqual(t, traceID, GenerateTraceID())
	assert.NotEqual(t, spanID, GenerateSpanID())
}

func TestSamplerFilter(t *testing.T) {
	id := GenerateTraceID()
	pair := []*Span{
		{TraceID: id, SpanID: GenerateSpanID()},
		{TraceID: id, SpanID: GenerateSpanID()},
		{TraceID: GenerateTraceID(), Status: StatusError},
	}
	assert.Len(t, NewSampler(1).Filter(append([]*Span(nil), pair...)), 3)

	kept := NewSampler(0).Filter(append([]*Span(nil), pair...))
	assert.Len(t, kept, 1)
	assert.True(t, kept[0].IsError())

	half := NewSampler(0.5).Filter(append([]*Span(nil), pair[:2]...))
	assert.True(t, len(half) == 0 || len(half) == 2, "both halves share a decision")
}
