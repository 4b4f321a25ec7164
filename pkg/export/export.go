// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package export ships spans and metric points to their sinks: an OTLP
// collector over gRPC or HTTP, or stdout.
package export

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/config"
	"github.com/mbeema/usm/pkg/metrics"
	"github.com/mbeema/usm/pkg/traces"
)

// Exporter is the interface for telemetry sinks.
type Exporter interface {
	ExportSpans(ctx context.Context, spans []*traces.Span) error
	ExportMetrics(ctx context.Context, points []*metrics.Metric) error
	Shutdown(ctx context.Context) error
}

// Resource describes the agent to the backend. Spans carry their own
// service name; Resource fills in for the ones that don't.
type Resource struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// NewExporters builds every exporter enabled in cfg.
func NewExporters(cfg *config.ExportersConfig, res Resource, logger *zap.Logger) ([]Exporter, error) {
	var out []Exporter
	if cfg.OTLP.Enabled {
		var (
			exp Exporter
			err error
		)
		switch cfg.OTLP.Protocol {
		case "http":
			exp, err = NewHTTPOTLPExporter(&cfg.OTLP, res, logger)
		default:
			exp, err = NewOTLPExporter(&cfg.OTLP, res, logger)
		}
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		out = append(out, exp)
	}
	if cfg.Stdout.Enabled {
		out = append(out, NewStdoutExporter(cfg.Stdout.Format, nil))
	}
	return out, nil
}
