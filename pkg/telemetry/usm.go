// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package telemetry

// USM groups the engine-wide counters that do not belong to one protocol.
type USM struct {
	TupleExtractFailed       *Counter
	RetransmitsSkipped       *Counter
	TerminationsCollapsed    *Counter
	TailCallDepthExceeded    *Counter
	DoubleFlushAttemptsClose *Counter
	DoubleFlushAttemptsDone  *Counter
	UnbatchedTCPClose        *Counter
	UnbatchedUDPClose        *Counter
	PlaintextWithoutTuple    *Counter
	ProgramsDisabledSkipped  *Counter
}

// NewUSM registers the engine counters in r.
func NewUSM(r *Registry) *USM {
	mg := r.NewMetricGroup("usm")
	return &USM{
		TupleExtractFailed:       mg.NewCounter("tuple_extract_failed"),
		RetransmitsSkipped:       mg.NewCounter("retransmits_skipped"),
		TerminationsCollapsed:    mg.NewCounter("terminations_collapsed"),
		TailCallDepthExceeded:    mg.NewCounter("tail_call_depth_exceeded"),
		DoubleFlushAttemptsClose: mg.NewCounter("double_flush_attempts_close"),
		DoubleFlushAttemptsDone:  mg.NewCounter("double_flush_attempts_done"),
		UnbatchedTCPClose:        mg.NewCounter("unbatched_tcp_close"),
		UnbatchedUDPClose:        mg.NewCounter("unbatched_udp_close"),
		PlaintextWithoutTuple:    mg.NewCounter("plaintext_without_tuple"),
		ProgramsDisabledSkipped:  mg.NewCounter("programs_disabled_skipped"),
	}
}
