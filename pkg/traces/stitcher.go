// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/telemetry"
)

// maxPerConn bounds the spans waiting on one connection and name.
const maxPerConn = 16

// Stitcher joins the two halves of an exchange seen on both of its ends,
// when client and server run on the same host. Matching is bidirectional:
// whichever span arrives first waits for its counterpart. Two spans match
// when they share the connection endpoints and the name, have opposite
// kinds and start within the window of each other. The server span then
// joins the client's trace as its child.
//
// A span that finds no counterpart is emitted unchanged when the window
// expires, when capacity runs out or on Flush.
type Stitcher struct {
	window time.Duration
	emit   func([]*Span)
	logger *zap.Logger

	// mu orders lookups against inserts. The cache takes its own lock and
	// calls onEvict under it, so onEvict never takes mu.
	mu      sync.Mutex
	pending *expirable.LRU[stitchKey, *pendingSet]

	stitched *telemetry.Counter
	expired  *telemetry.Counter
	passed   *telemetry.Counter
}

type stitchKey struct {
	client, server string
	name           string
}

type pendingSet struct {
	mu    sync.Mutex
	spans []*Span
	done  bool
}

// NewStitcher returns a stitcher. emit receives every span exactly once
// and must not call back into the stitcher.
func NewStitcher(window time.Duration, capacity int, emit func([]*Span), reg *telemetry.Registry, logger *zap.Logger) *Stitcher {
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	if capacity <= 0 {
		capacity = 10000
	}
	mg := reg.NewMetricGroup("usm.stitcher")
	s := &Stitcher{
		window:   window,
		emit:     emit,
		logger:   logger.Named("stitcher"),
		stitched: mg.NewCounter("stitched"),
		expired:  mg.NewCounter("unmatched"),
		passed:   mg.NewCounter("passed_through"),
	}
	s.pending = expirable.NewLRU[stitchKey, *pendingSet](capacity, s.onEvict, window)
	return s
}

// Process stitches spans or holds them for their counterpart.
func (s *Stitcher) Process(spans []*Span) {
	var ready []*Span
	for _, span := range spans {
		if span == nil {
			continue
		}
		if span.Kind != SpanKindClient && span.Kind != SpanKindServer {
			s.passed.Inc()
			ready = append(ready, span)
			continue
		}
		if peer := s.match(span); peer != nil {
			ready = append(ready, peer, span)
		}
	}
	if len(ready) > 0 {
		s.emit(ready)
	}
}

// match returns the stored counterpart of span, stitched, or stores span
// and returns nil.
func (s *Stitcher) match(span *Span) *Span {
	key := stitchKey{client: span.Client.String(), server: span.Server.String(), name: span.Name}

	s.mu.Lock()
	defer s.mu.Unlock()

	if set, ok := s.pending.Get(key); ok {
		set.mu.Lock()
		if !set.done {
			for i, cand := range set.spans {
				if cand.Kind == span.Kind || !within(cand.StartTime, span.StartTime, s.window) {
					continue
				}
				set.spans = append(set.spans[:i], set.spans[i+1:]...)
				empty := len(set.spans) == 0
				if empty {
					set.done = true
				}
				set.mu.Unlock()
				if empty {
					s.pending.Remove(key)
				}
				s.stitched.Inc()
				stitch(cand, span)
				return cand
			}
			if len(set.spans) < maxPerConn {
				set.spans = append(set.spans, span)
				set.mu.Unlock()
				return nil
			}
			// Full: the oldest span leaves unmatched.
			oldest := set.spans[0]
			set.spans = append(set.spans[1:], span)
			set.mu.Unlock()
			s.expired.Inc()
			s.emit([]*Span{oldest})
			return nil
		}
		set.mu.Unlock()
	}
	// An expired entry may still sit in the cache; Add would overwrite it
	// without eviction.
	s.pending.Remove(key)
	s.pending.Add(key, &pendingSet{spans: []*Span{span}})
	return nil
}

// stitch makes the server span a child of the client span.
func stitch(a, b *Span) {
	client, server := a, b
	if a.Kind == SpanKindServer {
		client, server = b, a
	}
	server.TraceID = client.TraceID
	server.ParentSpanID = client.SpanID
	server.SetAttribute("usm.stitched", "true")
}

func within(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func (s *Stitcher) onEvict(_ stitchKey, set *pendingSet) {
	set.mu.Lock()
	spans := set.spans
	set.spans = nil
	set.done = true
	set.mu.Unlock()
	if len(spans) == 0 {
		return
	}
	s.expired.Add(int64(len(spans)))
	s.emit(spans)
}

// Flush emits every waiting span.
func (s *Stitcher) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Purge()
}

// Pending returns the number of connections with waiting spans.
func (s *Stitcher) Pending() int { return s.pending.Len() }
