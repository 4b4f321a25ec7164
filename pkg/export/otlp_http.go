// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/mbeema/usm/pkg/config"
	"github.com/mbeema/usm/pkg/metrics"
	"github.com/mbeema/usm/pkg/traces"
)

// HTTPOTLPExporter sends telemetry via OTLP HTTP/protobuf.
type HTTPOTLPExporter struct {
	logger      *zap.Logger
	res         Resource
	endpoint    string
	compression string
	headers     map[string]string
	client      *http.Client
}

// NewHTTPOTLPExporter creates an OTLP HTTP exporter. The endpoint may
// carry its own scheme; otherwise Insecure picks http over https.
func NewHTTPOTLPExporter(cfg *config.OTLPConfig, res Resource, logger *zap.Logger) (*HTTPOTLPExporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty OTLP endpoint")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if !strings.Contains(endpoint, "://") {
		scheme := "https"
		if cfg.Insecure {
			scheme = "http"
		}
		endpoint = scheme + "://" + endpoint
	}
	compression := cfg.Compression
	if compression == "" {
		compression = "gzip"
	}
	return &HTTPOTLPExporter{
		logger:      logger.Named("otlp-http"),
		res:         res,
		endpoint:    endpoint,
		compression: compression,
		headers:     cfg.Headers,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// ExportSpans posts spans to /v1/traces.
func (e *HTTPOTLPExporter) ExportSpans(ctx context.Context, spans []*traces.Span) error {
	if len(spans) == 0 {
		return nil
	}
	return e.post(ctx, "/v1/traces", spansRequest(e.res, spans, e.logger))
}

// ExportMetrics posts metric points to /v1/metrics.
func (e *HTTPOTLPExporter) ExportMetrics(ctx context.Context, points []*metrics.Metric) error {
	if len(points) == 0 {
		return nil
	}
	return e.post(ctx, "/v1/metrics", metricsRequest(e.res, points))
}

func (e *HTTPOTLPExporter) post(ctx context.Context, path string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal protobuf: %w", err)
	}

	var body io.Reader = bytes.NewReader(data)
	if e.compression == "gzip" {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		if _, err := gz.Write(data); err != nil {
			return fmt.Errorf("gzip compress: %w", err)
		}
		if err := gz.Close(); err != nil {
			return fmt.Errorf("gzip close: %w", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	if e.compression == "gzip" {
		req.Header.Set("Content-Encoding", "gzip")
	}
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return fmt.Errorf("OTLP HTTP %s returned %d", path, resp.StatusCode)
}

// Shutdown closes idle connections.
func (e *HTTPOTLPExporter) Shutdown(context.Context) error {
	e.client.CloseIdleConnections()
	return nil
}
