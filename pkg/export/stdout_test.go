// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbeema/usm/pkg/metrics"
	"github.com/mbeema/usm/pkg/traces"
)

func TestStdoutText(t *testing.T) {
	var buf bytes.Buffer
	exp := NewStdoutExporter("", &buf)

	s := testSpan("api", 7)
	s.SetError("boom")
	require.NoError(t, exp.ExportSpans(context.Background(), []*traces.Span{s}))
	require.NoError(t, exp.ExportMetrics(context.Background(), []*metrics.Metric{
		{Name: "usm.request.errors", Type: metrics.Counter, Value: 1, Labels: map[string]string{"protocol": "http"}},
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "[SPAN] trace="+s.TraceID[:16]))
	assert.Contains(t, lines[0], "ERR")
	assert.Contains(t, lines[0], "pid=7")
	assert.Contains(t, lines[1], `{protocol="http"}`)
}

func TestStdoutJSON(t *testing.T) {
	var buf bytes.Buffer
	exp := NewStdoutExporter("json", &buf)
	require.NoError(t, exp.ExportSpans(context.Background(), []*traces.Span{testSpan("api", 1)}))

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "span", line["_type"])
	assert.Equal(t, "SERVER", line["kind"])
	assert.Equal(t, "api", line["service"])
	assert.Equal(t, false, line["error"])
}

func TestFormatLabelsLimit(t *testing.T) {
	assert.Equal(t, `{a="1",b="2",...}`, formatLabels(map[string]string{"c": "3", "a": "1", "b": "2"}, 2))
	assert.Empty(t, formatLabels(nil, 0))
}
