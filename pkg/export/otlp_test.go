// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/mbeema/usm/pkg/metrics"
	"github.com/mbeema/usm/pkg/traces"
)

var testEpoch = time.Unix(1700000000, 0)

func testSpan(service string, pid uint32) *traces.Span {
	s := traces.NewSpan("GET /api", traces.SpanKindServer, testEpoch, testEpoch.Add(100*time.Millisecond))
	s.ServiceName = service
	s.PID = pid
	s.Protocol = "http"
	s.SetAttribute("http.request.method", "GET")
	return s
}

func attrMap(kvs []*commonpb.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if v, ok := kv.Value.Value.(*commonpb.AnyValue_IntValue); ok {
			out[kv.Key] = strconv.FormatInt(v.IntValue, 10)
			continue
		}
		out[kv.Key] = kv.Value.GetStringValue()
	}
	return out
}

func resourceAttrs(r *resourcepb.Resource) map[string]string { return attrMap(r.Attributes) }

func TestResourceAttributes(t *testing.T) {
	res := Resource{ServiceName: "usm", ServiceVersion: "2.0.0", Environment: "staging"}

	attrs := resourceAttrs(resourceFor(res, "my-app", 1234))
	assert.Equal(t, "my-app", attrs["service.name"])
	assert.Equal(t, "2.0.0", attrs["service.version"])
	assert.Equal(t, "staging", attrs["deployment.environment"])
	assert.Equal(t, "usm", attrs["telemetry.sdk.name"])

	attrs = resourceAttrs(resourceFor(Resource{ServiceName: "fallback"}, "", 1))
	assert.Equal(t, "fallback", attrs["service.name"])
	assert.NotContains(t, attrs, "service.version")
	assert.NotContains(t, attrs, "deployment.environment")
}

func TestConvertSpan(t *testing.T) {
	parent := testSpan("api", 1)
	s := testSpan("api", 1)
	s.ParentSpanID = parent.SpanID
	s.SetError("boom")
	s.Name = "bad\xffname"

	ps, err := convertSpan(s)
	require.NoError(t, err)
	assert.Len(t, ps.TraceId, 16)
	assert.Len(t, ps.SpanId, 8)
	assert.Len(t, ps.ParentSpanId, 8)
	assert.Equal(t, tracepb.Span_SPAN_KIND_SERVER, ps.Kind)
	assert.Equal(t, tracepb.Status_STATUS_CODE_ERROR, ps.Status.Code)
	assert.Equal(t, "boom", ps.Status.Message)
	assert.Equal(t, "bad�name", ps.Name)
	assert.Equal(t, uint64(testEpoch.UnixNano()), ps.StartTimeUnixNano)
	assert.Equal(t, "GET", attrMap(ps.Attributes)["http.request.method"])
	assert.Equal(t, "boom", attrMap(ps.Attributes)["error.type"])

	s.TraceID = "zz"
	_, err = convertSpan(s)
	assert.Error(t, err)
}

func TestSpanKinds(t *testing.T) {
	assert.Equal(t, tracepb.Span_SPAN_KIND_CLIENT, convertSpanKind(traces.SpanKindClient))
	assert.Equal(t, tracepb.Span_SPAN_KIND_PRODUCER, convertSpanKind(traces.SpanKindProducer))
	assert.Equal(t, tracepb.Span_SPAN_KIND_CONSUMER, convertSpanKind(traces.SpanKindConsumer))
	assert.Equal(t, tracepb.Span_SPAN_KIND_INTERNAL, convertSpanKind(traces.SpanKindInternal))
}

func TestSpansRequestGroupsByService(t *testing.T) {
	bad := testSpan("api", 1)
	bad.SpanID = ""
	req := spansRequest(Resource{}, []*traces.Span{
		testSpan("api", 1), testSpan("db", 2), testSpan("api", 1), bad,
	}, zap.NewNop())

	require.Len(t, req.ResourceSpans, 2)
	assert.Equal(t, "api", resourceAttrs(req.ResourceSpans[0].Resource)["service.name"])
	assert.Len(t, req.ResourceSpans[0].ScopeSpans[0].Spans, 2, "the malformed span is skipped")
	assert.Equal(t, "usm", req.ResourceSpans[0].ScopeSpans[0].Scope.Name)
	assert.Equal(t, "db", resourceAttrs(req.ResourceSpans[1].Resource)["service.name"])
}

func TestConvertHistogram(t *testing.T) {
	m := &metrics.Metric{
		Name:      "usm.request.duration",
		Type:      metrics.Histogram,
		Timestamp: testEpoch,
		StartTime: testEpoch.Add(-time.Minute),
		Labels:    map[string]string{"protocol": "http"},
		Histogram: &metrics.HistogramData{
			Count: 10,
			Sum:   1.5,
			Buckets: []metrics.HistogramBucket{
				{UpperBound: 0.1, Count: 4},
				{UpperBound: 0.5, Count: 7},
				{UpperBound: 1, Count: 7},
			},
		},
	}
	pm := convertMetric(m)
	require.NotNil(t, pm)
	dp := pm.GetHistogram().DataPoints[0]
	assert.Equal(t, []float64{0.1, 0.5, 1}, dp.ExplicitBounds)
	assert.Equal(t, []uint64{4, 3, 0, 3}, dp.BucketCounts)
	assert.Equal(t, uint64(10), dp.Count)
	assert.Equal(t, 1.5, dp.GetSum())
	assert.Equal(t, uint64(testEpoch.Add(-time.Minute).UnixNano()), dp.StartTimeUnixNano)

	assert.Nil(t, convertMetric(&metrics.Metric{Type: metrics.Histogram}), "a histogram without data")
}

func TestConvertNumbers(t *testing.T) {
	sum := convertMetric(&metrics.Metric{Name: "usm.request.errors", Type: metrics.Counter, Value: 3, Timestamp: testEpoch}).GetSum()
	require.NotNil(t, sum)
	assert.True(t, sum.IsMonotonic)
	assert.Equal(t, 3.0, sum.DataPoints[0].GetAsDouble())

	gauge := convertMetric(&metrics.Metric{Name: "usm.agent.goroutines", Type: metrics.Gauge, Value: 12}).GetGauge()
	require.NotNil(t, gauge)
	assert.Equal(t, 12.0, gauge.DataPoints[0].GetAsDouble())
}

func TestMetricsRequestGroupsByService(t *testing.T) {
	req := metricsRequest(Resource{ServiceName: "usm"}, []*metrics.Metric{
		{Name: "a", Type: metrics.Gauge, ServiceName: "api"},
		{Name: "b", Type: metrics.Gauge},
		{Name: "c", Type: metrics.Counter, ServiceName: "api"},
	})
	require.Len(t, req.ResourceMetrics, 2)
	assert.Len(t, req.ResourceMetrics[0].ScopeMetrics[0].Metrics, 2)
	assert.Equal(t, "usm", resourceAttrs(req.ResourceMetrics[1].Resource)["service.name"])
}
