// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocols

// MaxTailCalls is the deepest continuation chain one invocation may take.
const MaxTailCalls = 33

// Continuation slots.
const (
	ContHTTP2FrameFilter = iota
	ContHTTP2HeadersParser
	ContHTTP2DynamicTableCleaner
	ContHTTP2EOSParser
	NumContinuations
)

// Stage is one continuation body.
type Stage func(args *Args)

// Staged is implemented by programs that split their work into stages.
type Staged interface {
	Stages() map[int]Stage
}

// Stages is a ContinuationTable backed by a fixed array.
type Stages struct {
	stages [NumContinuations]Stage

	// OnDepthExceeded and OnMissing, when set, are called when a tail call
	// is refused.
	OnDepthExceeded func()
	OnMissing       func(idx int)
}

// Set installs st in slot idx. Out of range slots are ignored.
func (s *Stages) Set(idx int, st Stage) {
	if idx >= 0 && idx < len(s.stages) {
		s.stages[idx] = st
	}
}

// Clear empties slot idx.
func (s *Stages) Clear(idx int) { s.Set(idx, nil) }

// TailCall implements ContinuationTable.
func (s *Stages) TailCall(idx int, args *Args) bool {
	if idx < 0 || idx >= len(s.stages) || s.stages[idx] == nil {
		if s.OnMissing != nil {
			s.OnMissing(idx)
		}
		return false
	}
	if args.EnterTailCall() > MaxTailCalls {
		if s.OnDepthExceeded != nil {
			s.OnDepthExceeded()
		}
		return false
	}
	s.stages[idx](args)
	return true
}
