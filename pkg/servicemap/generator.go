// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package servicemap builds the dependency graph of the services seen
// talking to each other.
package servicemap

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/metrics"
	"github.com/mbeema/usm/pkg/traces"
)

const (
	defaultMaxEdges = 10000
	defaultMaxAge   = 10 * time.Minute
)

// Edge is a caller depending on a callee over one protocol and port.
type Edge struct {
	Source        string        `json:"source"`
	Destination   string        `json:"destination"`
	Port          uint16        `json:"port"`
	Protocol      string        `json:"protocol"`
	Count         uint64        `json:"count"`
	ErrorCount    uint64        `json:"errors"`
	TotalDuration time.Duration `json:"-"`
	LastSeen      time.Time     `json:"last_seen"`
}

// AvgLatency returns the mean duration of the calls.
func (e *Edge) AvgLatency() time.Duration {
	if e.Count == 0 {
		return 0
	}
	return e.TotalDuration / time.Duration(e.Count)
}

// ErrorRate returns the share of failed calls.
func (e *Edge) ErrorRate() float64 {
	if e.Count == 0 {
		return 0
	}
	return float64(e.ErrorCount) / float64(e.Count)
}

// Namer names the service listening on addr:port, or returns "".
type Namer func(addr string, port uint16) string

type edgeKey struct {
	source, destination string
	port                uint16
	protocol            string
}

// Generator accumulates edges from spans. The edge set is bounded; the
// least recently seen edge goes first.
type Generator struct {
	logger    *zap.Logger
	names     Namer
	maxAge    time.Duration
	now       func() time.Time
	startTime time.Time

	mu    sync.Mutex
	edges *lru.Cache[edgeKey, *Edge]
}

// NewGenerator returns a generator keeping up to maxEdges edges. Edges
// idle for longer than maxAge are dropped on Collect.
func NewGenerator(maxEdges int, maxAge time.Duration, names Namer, logger *zap.Logger) *Generator {
	if maxEdges <= 0 {
		maxEdges = defaultMaxEdges
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	edges, _ := lru.New[edgeKey, *Edge](maxEdges)
	return &Generator{
		logger:    logger,
		names:     names,
		maxAge:    maxAge,
		now:       time.Now,
		startTime: time.Now(),
		edges:     edges,
	}
}

// RecordSpans adds the calls spans describe. Only the calling side of an
// exchange makes an edge, so a stitched pair counts once.
func (g *Generator) RecordSpans(spans []*traces.Span) {
	for _, s := range spans {
		switch s.Kind {
		case traces.SpanKindClient, traces.SpanKindProducer, traces.SpanKindConsumer:
			g.RecordSpan(s.ServiceName, g.peer(s.RemoteAddr, s.RemotePort), s.RemotePort, s.Protocol, s.IsError(), s.Duration)
		}
	}
}

func (g *Generator) peer(addr string, port uint16) string {
	if g.names != nil {
		if name := g.names(addr, port); name != "" {
			return name
		}
	}
	return net.JoinHostPort(addr, strconv.Itoa(int(port)))
}

// RecordSpan records one call from source to destination.
func (g *Generator) RecordSpan(source, destination string, port uint16, protocol string, isError bool, d time.Duration) {
	if source == "" {
		source = "unknown"
	}
	key := edgeKey{source, destination, port, protocol}

	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.edges.Get(key)
	if !ok {
		e = &Edge{Source: source, Destination: destination, Port: port, Protocol: protocol}
		g.edges.Add(key, e)
	}
	e.Count++
	if isError {
		e.ErrorCount++
	}
	e.TotalDuration += d
	e.LastSeen = g.now()
}

// Edges returns a copy of every edge, ordered by source and destination.
func (g *Generator) Edges() []Edge {
	g.mu.Lock()
	out := make([]Edge, 0, g.edges.Len())
	for _, e := range g.edges.Values() {
		out = append(out, *e)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Destination != b.Destination {
			return a.Destination < b.Destination
		}
		if a.Port != b.Port {
			return a.Port < b.Port
		}
		return a.Protocol < b.Protocol
	})
	return out
}

// Services returns every service on either end of an edge, sorted.
func (g *Generator) Services() []string {
	seen := make(map[string]bool)
	for _, e := range g.Edges() {
		seen[e.Source] = true
		seen[e.Destination] = true
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DOT renders the graph for Graphviz.
func (g *Generator) DOT() string {
	var sb strings.Builder
	sb.WriteString("digraph ServiceMap {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")
	for _, s := range g.Services() {
		fmt.Fprintf(&sb, "  %q;\n", s)
	}
	sb.WriteString("\n")
	for _, e := range g.Edges() {
		fmt.Fprintf(&sb, "  %q -> %q [label=\"%s:%d\\n%d calls\"];\n",
			e.Source, e.Destination, e.Protocol, e.Port, e.Count)
	}
	sb.WriteString("}\n")
	return sb.String()
}

// CleanStale drops the edges not seen within maxAge.
func (g *Generator) CleanStale(maxAge time.Duration) int {
	cutoff := g.now().Add(-maxAge)
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for _, key := range g.edges.Keys() {
		if e, ok := g.edges.Peek(key); ok && e.LastSeen.Before(cutoff) {
			g.edges.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of edges.
func (g *Generator) Len() int { return g.edges.Len() }

// Collect reports the calls and failures of every live edge.
func (g *Generator) Collect(now time.Time) []*metrics.Metric {
	if n := g.CleanStale(g.maxAge); n > 0 && g.logger != nil {
		g.logger.Debug("stale service map edges removed", zap.Int("count", n))
	}
	edges := g.Edges()
	out := make([]*metrics.Metric, 0, 2*len(edges))
	for _, e := range edges {
		labels := map[string]string{
			"client":       e.Source,
			"server":       e.Destination,
			"server.port":  strconv.Itoa(int(e.Port)),
			"usm.protocol": e.Protocol,
		}
		out = append(out,
			&metrics.Metric{
				Name: "usm.servicemap.calls", Unit: "{calls}", Type: metrics.Counter,
				Value: float64(e.Count), Timestamp: now, StartTime: g.startTime,
				Labels: labels, ServiceName: e.Source,
			},
			&metrics.Metric{
				Name: "usm.servicemap.errors", Unit: "{calls}", Type: metrics.Counter,
				Value: float64(e.ErrorCount), Timestamp: now, StartTime: g.startTime,
				Labels: labels, ServiceName: e.Source,
			},
		)
	}
	return out
}

// Handler serves the graph as JSON, or as DOT with ?format=dot.
func (g *Generator) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == "dot" {
			w.Header().Set("Content-Type", "text/vnd.graphviz")
			_, _ = w.Write([]byte(g.DOT()))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Services []string `json:"services"`
			Edges    []Edge   `json:"edges"`
		}{g.Services(), g.Edges()})
	})
}
