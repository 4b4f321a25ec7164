// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // registers the gzip compressor
	"google.golang.org/grpc/metadata"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/mbeema/usm/pkg/config"
	"github.com/mbeema/usm/pkg/metrics"
	"github.com/mbeema/usm/pkg/traces"
)

const (
	scopeName    = "usm"
	scopeVersion = "0.1.0"
)

// OTLPExporter sends telemetry via OTLP gRPC and reconnects when the
// channel fails.
type OTLPExporter struct {
	logger   *zap.Logger
	res      Resource
	endpoint string
	headers  map[string]string
	opts     []grpc.DialOption

	mu        sync.RWMutex
	conn      *grpc.ClientConn
	traceSvc  coltracepb.TraceServiceClient
	metricSvc colmetricspb.MetricsServiceClient
}

// NewOTLPExporter creates an OTLP gRPC exporter. The connection is lazy;
// an unreachable collector surfaces on the first export.
func NewOTLPExporter(cfg *config.OTLPConfig, res Resource, logger *zap.Logger) (*OTLPExporter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:   logger.Named("otlp"),
		res:      res,
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		opts:     opts,
	}
	if err := e.connect(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}
	e.conn = conn
	e.traceSvc = coltracepb.NewTraceServiceClient(conn)
	e.metricSvc = colmetricspb.NewMetricsServiceClient(conn)
	return nil
}

// ensureConnected replaces a connection that has shut down or failed.
func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn != nil {
		switch conn.GetState() {
		case connectivity.TransientFailure, connectivity.Shutdown:
		default:
			return nil
		}
	}
	return e.reconnect()
}

func (e *OTLPExporter) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		state := e.conn.GetState()
		if state != connectivity.TransientFailure && state != connectivity.Shutdown {
			return nil
		}
		_ = e.conn.Close()
	}
	e.logger.Info("reconnecting to OTLP endpoint", zap.String("endpoint", e.endpoint))
	if err := e.connect(); err != nil {
		e.logger.Error("reconnect failed", zap.Error(err))
		return err
	}
	return nil
}

func (e *OTLPExporter) outgoing(ctx context.Context) context.Context {
	if len(e.headers) == 0 {
		return ctx
	}
	return metadata.NewOutgoingContext(ctx, metadata.New(e.headers))
}

// ExportSpans sends spans, one ResourceSpans per observed service.
func (e *OTLPExporter) ExportSpans(ctx context.Context, spans []*traces.Span) error {
	if len(spans) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}
	req := spansRequest(e.res, spans, e.logger)

	e.mu.RLock()
	svc := e.traceSvc
	e.mu.RUnlock()
	_, err := svc.Export(e.outgoing(ctx), req)
	return err
}

// ExportMetrics sends metric points, one ResourceMetrics per service.
func (e *OTLPExporter) ExportMetrics(ctx context.Context, points []*metrics.Metric) error {
	if len(points) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}
	req := metricsRequest(e.res, points)

	e.mu.RLock()
	svc := e.metricSvc
	e.mu.RUnlock()
	_, err := svc.Export(e.outgoing(ctx), req)
	return err
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// spansRequest groups spans by service and process.
func spansRequest(res Resource, spans []*traces.Span, logger *zap.Logger) *coltracepb.ExportTraceServiceRequest {
	type svcKey struct {
		name string
		pid  uint32
	}
	grouped := make(map[svcKey][]*tracepb.Span)
	var order []svcKey
	for _, s := range spans {
		ps, err := convertSpan(s)
		if err != nil {
			logger.Debug("skip span conversion", zap.String("span", s.Name), zap.Error(err))
			continue
		}
		key := svcKey{name: s.ServiceName, pid: s.PID}
		if _, ok := grouped[key]; !ok {
			order = append(order, key)
		}
		grouped[key] = append(grouped[key], ps)
	}

	scope := &commonpb.InstrumentationScope{Name: scopeName, Version: scopeVersion}
	out := make([]*tracepb.ResourceSpans, 0, len(order))
	for _, key := range order {
		out = append(out, &tracepb.ResourceSpans{
			Resource:   resourceFor(res, key.name, key.pid),
			ScopeSpans: []*tracepb.ScopeSpans{{Scope: scope, Spans: grouped[key]}},
		})
	}
	return &coltracepb.ExportTraceServiceRequest{ResourceSpans: out}
}

// metricsRequest groups points by service; agent metrics carry no service.
func metricsRequest(res Resource, points []*metrics.Metric) *colmetricspb.ExportMetricsServiceRequest {
	grouped := make(map[string][]*metricspb.Metric)
	var order []string
	for _, m := range points {
		pm := convertMetric(m)
		if pm == nil {
			continue
		}
		if _, ok := grouped[m.ServiceName]; !ok {
			order = append(order, m.ServiceName)
		}
		grouped[m.ServiceName] = append(grouped[m.ServiceName], pm)
	}

	scope := &commonpb.InstrumentationScope{Name: scopeName, Version: scopeVersion}
	out := make([]*metricspb.ResourceMetrics, 0, len(order))
	for _, svc := range order {
		out = append(out, &metricspb.ResourceMetrics{
			Resource:     resourceFor(res, svc, uint32(os.Getpid())),
			ScopeMetrics: []*metricspb.ScopeMetrics{{Scope: scope, Metrics: grouped[svc]}},
		})
	}
	return &colmetricspb.ExportMetricsServiceRequest{ResourceMetrics: out}
}

func resourceFor(res Resource, serviceName string, pid uint32) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	if serviceName == "" {
		serviceName = res.ServiceName
	}
	attrs := []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", scopeName),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("telemetry.sdk.version", scopeVersion),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}
	if res.ServiceVersion != "" {
		attrs = append(attrs, strAttr("service.version", res.ServiceVersion))
	}
	if res.Environment != "" {
		attrs = append(attrs, strAttr("deployment.environment", res.Environment))
	}
	return &resourcepb.Resource{Attributes: attrs}
}

func convertSpan(s *traces.Span) (*tracepb.Span, error) {
	traceID, err := hexToBytes(s.TraceID, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid trace ID: %w", err)
	}
	spanID, err := hexToBytes(s.SpanID, 8)
	if err != nil {
		return nil, fmt.Errorf("invalid span ID: %w", err)
	}

	ps := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		Name:              sanitizeUTF8(s.Name),
		Kind:              convertSpanKind(s.Kind),
		StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(s.EndTime.UnixNano()),
		Attributes:        stringAttrs(s.Attributes),
		Status:            &tracepb.Status{},
	}
	if s.ParentSpanID != "" {
		if parent, err := hexToBytes(s.ParentSpanID, 8); err == nil {
			ps.ParentSpanId = parent
		}
	}

	switch s.Status {
	case traces.StatusOK:
		ps.Status.Code = tracepb.Status_STATUS_CODE_OK
	case traces.StatusError:
		ps.Status.Code = tracepb.Status_STATUS_CODE_ERROR
		ps.Status.Message = sanitizeUTF8(s.StatusMsg)
	default:
		ps.Status.Code = tracepb.Status_STATUS_CODE_UNSET
	}

	return ps, nil
}

// convertMetric maps a point to its OTLP form. Counters and histograms are
// cumulative from StartTime.
func convertMetric(m *metrics.Metric) *metricspb.Metric {
	pm := &metricspb.Metric{
		Name:        m.Name,
		Description: m.Description,
		Unit:        m.Unit,
	}
	attrs := stringAttrs(m.Labels)
	ts := uint64(m.Timestamp.UnixNano())
	var start uint64
	if !m.StartTime.IsZero() {
		start = uint64(m.StartTime.UnixNano())
	}

	switch m.Type {
	case metrics.Gauge:
		pm.Data = &metricspb.Metric_Gauge{Gauge: &metricspb.Gauge{
			DataPoints: []*metricspb.NumberDataPoint{{
				TimeUnixNano: ts,
				Value:        &metricspb.NumberDataPoint_AsDouble{AsDouble: m.Value},
				Attributes:   attrs,
			}},
		}}
	case metrics.Counter:
		pm.Data = &metricspb.Metric_Sum{Sum: &metricspb.Sum{
			IsMonotonic:            true,
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
			DataPoints: []*metricspb.NumberDataPoint{{
				StartTimeUnixNano: start,
				TimeUnixNano:      ts,
				Value:             &metricspb.NumberDataPoint_AsDouble{AsDouble: m.Value},
				Attributes:        attrs,
			}},
		}}
	case metrics.Histogram:
		if m.Histogram == nil {
			return nil
		}
		bounds, counts := bucketCounts(m.Histogram)
		sum := m.Histogram.Sum
		pm.Data = &metricspb.Metric_Histogram{Histogram: &metricspb.Histogram{
			AggregationTemporality: metricspb.AggregationTemporality_AGGREGATION_TEMPORALITY_CUMULATIVE,
			DataPoints: []*metricspb.HistogramDataPoint{{
				StartTimeUnixNano: start,
				TimeUnixNano:      ts,
				Count:             m.Histogram.Count,
				Sum:               &sum,
				ExplicitBounds:    bounds,
				BucketCounts:      counts,
				Attributes:        attrs,
			}},
		}}
	default:
		return nil
	}
	return pm
}

// bucketCounts turns cumulative buckets into OTLP's per-bucket counts,
// which carry one extra +Inf bucket.
func bucketCounts(h *metrics.HistogramData) ([]float64, []uint64) {
	n := len(h.Buckets)
	bounds := make([]float64, n)
	counts := make([]uint64, n+1)
	var prev uint64
	for i, b := range h.Buckets {
		bounds[i] = b.UpperBound
		if b.Count >= prev {
			counts[i] = b.Count - prev
			prev = b.Count
		}
	}
	if h.Count >= prev {
		counts[n] = h.Count - prev
	}
	return bounds, counts
}

func stringAttrs(m map[string]string) []*commonpb.KeyValue {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, strAttr(k, sanitizeUTF8(m[k])))
	}
	return out
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// sanitizeUTF8 replaces invalid sequences: captured payloads may be
// truncated mid-rune, and protobuf rejects invalid strings.
func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}

func hexToBytes(s string, expectedLen int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != expectedLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", expectedLen, len(b))
	}
	return b, nil
}

func convertSpanKind(k traces.SpanKind) tracepb.Span_SpanKind {
	switch k {
	case traces.SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case traces.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case traces.SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case traces.SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_INTERNAL
	}
}
