// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http2

import "github.com/mbeema/usm/pkg/telemetry"

// pathSizeDelta is the width of the "just too long" path bucket.
const pathSizeDelta = 20

// Telemetry mirrors the kernel-side HTTP/2 counters.
type Telemetry struct {
	RequestSeen    *telemetry.TLSAwareCounter
	ResponseSeen   *telemetry.TLSAwareCounter
	EndOfStream    *telemetry.Counter
	EndOfStreamRST *telemetry.Counter
	Emitted        *telemetry.Counter
	DroppedRST     *telemetry.Counter

	// Paths longer than the buffer, split at BufferSize+pathSizeDelta.
	LargePathInDelta      *telemetry.Counter
	LargePathOutsideDelta *telemetry.Counter

	LiteralValueExceedsFrame      *telemetry.Counter
	ExceedingMaxInterestingFrames *telemetry.Counter
	ExceedingMaxFramesToFilter    *telemetry.Counter
	ExceedingMaxHeaders           *telemetry.Counter
	FragmentedFrameHeaders        *telemetry.Counter
	FragmentedFramePayloads       *telemetry.Counter

	DynamicTableInserts  *telemetry.Counter
	DynamicTableMisses   *telemetry.Counter
	DynamicTableCleanups *telemetry.Counter
	TerminatedConns      *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry) *Telemetry {
	mg := reg.NewMetricGroup("usm.http2")
	return &Telemetry{
		RequestSeen:                   telemetry.NewTLSAwareCounter(mg, "request_seen"),
		ResponseSeen:                  telemetry.NewTLSAwareCounter(mg, "response_seen"),
		EndOfStream:                   mg.NewCounter("end_of_stream"),
		EndOfStreamRST:                mg.NewCounter("end_of_stream_rst"),
		Emitted:                       mg.NewCounter("emitted"),
		DroppedRST:                    mg.NewCounter("dropped_rst_without_status"),
		LargePathInDelta:              mg.NewCounter("large_path_in_delta"),
		LargePathOutsideDelta:         mg.NewCounter("large_path_outside_delta"),
		LiteralValueExceedsFrame:      mg.NewCounter("literal_value_exceeds_frame"),
		ExceedingMaxInterestingFrames: mg.NewCounter("exceeding_max_interesting_frames"),
		ExceedingMaxFramesToFilter:    mg.NewCounter("exceeding_max_frames_to_filter"),
		ExceedingMaxHeaders:           mg.NewCounter("exceeding_max_headers"),
		FragmentedFrameHeaders:        mg.NewCounter("fragmented_frame_headers"),
		FragmentedFramePayloads:       mg.NewCounter("fragmented_frame_payloads"),
		DynamicTableInserts:           mg.NewCounter("dynamic_table_inserts"),
		DynamicTableMisses:            mg.NewCounter("dynamic_table_misses"),
		DynamicTableCleanups:          mg.NewCounter("dynamic_table_cleanups"),
		TerminatedConns:               mg.NewCounter("terminated_connections"),
	}
}

func (t *Telemetry) countPathSize(n int) {
	switch {
	case n <= BufferSize:
	case n <= BufferSize+pathSizeDelta:
		t.LargePathInDelta.Inc()
	default:
		t.LargePathOutsideDelta.Inc()
	}
}
