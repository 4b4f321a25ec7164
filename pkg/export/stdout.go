// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/usm/pkg/metrics"
	"github.com/mbeema/usm/pkg/traces"
)

// StdoutExporter prints telemetry for debugging, as text or JSON lines.
type StdoutExporter struct {
	format string

	mu sync.Mutex
	w  io.Writer
}

// NewStdoutExporter creates a stdout exporter. A nil w means os.Stdout.
func NewStdoutExporter(format string, w io.Writer) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	if w == nil {
		w = os.Stdout
	}
	return &StdoutExporter{format: format, w: w}
}

// ExportSpans prints spans.
func (e *StdoutExporter) ExportSpans(_ context.Context, spans []*traces.Span) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range spans {
		if e.format == "json" {
			if err := e.printJSON("span", map[string]interface{}{
				"trace_id":    s.TraceID,
				"span_id":     s.SpanID,
				"parent_id":   s.ParentSpanID,
				"name":        s.Name,
				"kind":        s.Kind.String(),
				"start":       s.StartTime.Format(time.RFC3339Nano),
				"end":         s.EndTime.Format(time.RFC3339Nano),
				"duration_us": s.Duration.Microseconds(),
				"error":       s.IsError(),
				"service":     s.ServiceName,
				"protocol":    s.Protocol,
				"remote":      fmt.Sprintf("%s:%d", s.RemoteAddr, s.RemotePort),
				"attributes":  s.Attributes,
			}); err != nil {
				return err
			}
			continue
		}
		status := "OK"
		if s.IsError() {
			status = "ERR"
		}
		fmt.Fprintf(e.w, "[SPAN] trace=%s span=%s %-8s %-6s %-40s %s %8s %s:%d pid=%d %s\n",
			short(s.TraceID, 16), short(s.SpanID, 8), s.Protocol, s.Kind, s.Name,
			status, s.Duration, s.RemoteAddr, s.RemotePort, s.PID,
			formatLabels(s.Attributes, 6),
		)
	}
	return nil
}

// ExportMetrics prints metric points.
func (e *StdoutExporter) ExportMetrics(_ context.Context, points []*metrics.Metric) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range points {
		value := m.Value
		if m.Histogram != nil {
			value = float64(m.Histogram.Count)
		}
		if e.format == "json" {
			if err := e.printJSON("metric", map[string]interface{}{
				"name":      m.Name,
				"type":      m.Type.String(),
				"value":     value,
				"unit":      m.Unit,
				"service":   m.ServiceName,
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"labels":    m.Labels,
			}); err != nil {
				return err
			}
			continue
		}
		fmt.Fprintf(e.w, "[METRIC] %-40s %-9s %.4f %s %s\n",
			m.Name, m.Type, value, m.Unit, formatLabels(m.Labels, 0))
	}
	return nil
}

// Shutdown is a no-op.
func (e *StdoutExporter) Shutdown(context.Context) error { return nil }

func (e *StdoutExporter) printJSON(typ string, data map[string]interface{}) error {
	data["_type"] = typ
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.w, "%s\n", b)
	return err
}

// formatLabels renders labels in key order; limit > 0 truncates.
func formatLabels(labels map[string]string, limit int) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for i, k := range keys {
		if limit > 0 && i == limit {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
