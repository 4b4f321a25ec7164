// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocols

import (
	"github.com/mbeema/usm/pkg/buffer"
	"github.com/mbeema/usm/pkg/conntuple"
)

// ProgramType indexes the dispatcher tables.
type ProgramType uint8

const (
	ProgramHTTP ProgramType = iota
	ProgramHTTP2
	ProgramKafka
	ProgramPostgres
	ProgramRedis
	ProgramMongo
	ProgramMySQL
	ProgramAMQP
	programCount
)

// NumPrograms is the size of the program tables.
const NumPrograms = int(programCount)

// ProgramFor maps an application protocol to its table slot.
func ProgramFor(p ProtocolType) (ProgramType, bool) {
	switch p {
	case HTTP:
		return ProgramHTTP, true
	case HTTP2:
		return ProgramHTTP2, true
	case Kafka:
		return ProgramKafka, true
	case Postgres:
		return ProgramPostgres, true
	case Redis:
		return ProgramRedis, true
	case Mongo:
		return ProgramMongo, true
	case MySQL:
		return ProgramMySQL, true
	case AMQP:
		return ProgramAMQP, true
	default:
		return 0, false
	}
}

// ConnTag annotates transactions with how the bytes were observed.
type ConnTag uint64

const (
	TagGnuTLS  ConnTag = 1 << 0
	TagOpenSSL ConnTag = 1 << 1
	TagGo      ConnTag = 1 << 2
	TagTLS     ConnTag = 1 << 3
	TagGRPC    ConnTag = 1 << 4
)

// IsTLS reports whether the bytes came from a TLS library hook.
func (t ConnTag) IsTLS() bool { return t&(TagGnuTLS|TagOpenSSL|TagGo|TagTLS) != 0 }

// ContinuationTable lets a program hand the same Args to a follow-up stage.
type ContinuationTable interface {
	// TailCall runs stage idx with args. It returns false when the stage is
	// missing or the chain is too deep; the caller then stops processing.
	TailCall(idx int, args *Args) bool
}

// StackUpdater lets a parser refine the protocol stack of its connection.
type StackUpdater interface {
	SetProtocol(tup conntuple.ConnTuple, p ProtocolType)
}

// Args is what the dispatcher hands to a program. The tuple is normalized;
// Flipped tells whether the segment travelled from the normalized
// destination to the normalized source.
type Args struct {
	Tuple   conntuple.ConnTuple
	Flipped bool
	Skb     conntuple.SkbInfo
	Buf     buffer.Buffer
	Tags    ConnTag
	Now     uint64 // nanoseconds, monotonic source of the engine
	CPU     int    // shard of the worker running this invocation

	// OriginalSport is the source port of the segment before normalization.
	OriginalSport uint16

	Continuations ContinuationTable
	Stack         StackUpdater

	// Scratch carries stage-private state between continuations of one
	// invocation.
	Scratch any

	depth int
}

// Depth returns the number of tail calls taken so far.
func (a *Args) Depth() int { return a.depth }

// EnterTailCall bumps the depth counter; used by continuation tables.
func (a *Args) EnterTailCall() int {
	a.depth++
	return a.depth
}

// ResetDepth clears the tail-call depth and scratch before a fresh dispatch.
func (a *Args) ResetDepth() {
	a.depth = 0
	a.Scratch = nil
}

// IsTermination reports whether this invocation is the connection teardown.
func (a *Args) IsTermination() bool { return a.Skb.IsTermination() }

// Emitter receives completed transactions. Batchers implement it.
type Emitter[V any] interface {
	Enqueue(cpu int, ev V) bool
}

// Program is one parser as seen by the dispatcher.
type Program interface {
	Name() string
	// Process handles one fragment of a classified connection.
	Process(args *Args)
	// Terminate flushes or drops per-connection state on FIN/RST or TLS
	// shutdown.
	Terminate(args *Args)
}
