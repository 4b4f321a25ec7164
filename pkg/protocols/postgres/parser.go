// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package postgres

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

// InFlightMap is the telemetry name of the in-flight map.
const InFlightMap = "postgres_in_flight"

// EbpfTx is one query and its completion.
type EbpfTx struct {
	Tup              conntuple.ConnTuple
	RequestStarted   uint64
	ResponseLastSeen uint64
	Tags             uint64
	MessageType      uint8
	Completions      uint8
	Failed           bool
	Truncated        bool
	QuerySize        uint8
	ErrorCode        [5]byte
	_                [6]byte
	Query            [QuerySize]byte
}

// QueryText returns the captured query fragment.
func (tx *EbpfTx) QueryText() string {
	n := int(tx.QuerySize)
	if n > len(tx.Query) {
		n = len(tx.Query)
	}
	return string(tx.Query[:n])
}

// Operation returns the first word of the query, upper-cased.
func (tx *EbpfTx) Operation() string {
	q := bytes.TrimSpace(tx.Query[:tx.QuerySize])
	if i := bytes.IndexAny(q, " \t\r\n;("); i >= 0 {
		q = q[:i]
	}
	return string(bytes.ToUpper(q))
}

// SQLState returns the error code of a failed query.
func (tx *EbpfTx) SQLState() string { return string(bytes.TrimRight(tx.ErrorCode[:], "\x00")) }

// ConnTags returns the tags recorded with the query.
func (tx *EbpfTx) ConnTags() protocols.ConnTag { return protocols.ConnTag(tx.Tags) }

// RequestLatency is the time from the query to its completion.
func (tx *EbpfTx) RequestLatency() time.Duration {
	if tx.RequestStarted == 0 || tx.ResponseLastSeen < tx.RequestStarted {
		return 0
	}
	return time.Duration(tx.ResponseLastSeen - tx.RequestStarted)
}

func (tx *EbpfTx) String() string {
	return fmt.Sprintf("postgres.ebpfTx{Op: %s, Query: %q, Failed: %t, Latency: %s}",
		tx.Operation(), tx.QueryText(), tx.Failed, tx.RequestLatency())
}

// Telemetry holds the Postgres parser counters.
type Telemetry struct {
	Queries   *telemetry.TLSAwareCounter
	Completed *telemetry.TLSAwareCounter
	Failed    *telemetry.Counter
	Emitted   *telemetry.Counter
	Truncated *telemetry.Counter
	Replaced  *telemetry.Counter
	Dropped   *telemetry.Counter
	TooMany   *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry) *Telemetry {
	mg := reg.NewMetricGroup("usm.postgres")
	return &Telemetry{
		Queries:   telemetry.NewTLSAwareCounter(mg, "queries"),
		Completed: telemetry.NewTLSAwareCounter(mg, "completed"),
		Failed:    mg.NewCounter("failed"),
		Emitted:   mg.NewCounter("emitted"),
		Truncated: mg.NewCounter("query_truncated"),
		Replaced:  mg.NewCounter("pipelined_replaced"),
		Dropped:   mg.NewCounter("dropped_on_termination"),
		TooMany:   mg.NewCounter("exceeding_max_messages"),
	}
}

type pending struct {
	tx      EbpfTx
	flipped bool
}

// Parser is the Postgres program.
type Parser struct {
	inFlight *protocols.InFlight[conntuple.ConnTuple, pending]
	out      protocols.Emitter[EbpfTx]
	tel      *Telemetry
	logger   *zap.Logger
}

// NewParser returns a Postgres parser emitting into out.
func NewParser(out protocols.Emitter[EbpfTx], maxInFlight int, reg *telemetry.Registry, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		inFlight: protocols.NewInFlight[conntuple.ConnTuple, pending](InFlightMap, maxInFlight, reg),
		out:      out,
		tel:      newTelemetry(reg),
		logger:   logger.Named("postgres"),
	}
}

// Name implements protocols.Program.
func (p *Parser) Name() string { return "postgres" }

// Telemetry returns the parser counters.
func (p *Parser) Telemetry() *Telemetry { return p.tel }

// InFlight returns the number of open queries.
func (p *Parser) InFlight() int { return p.inFlight.Len() }

// Process implements protocols.Program.
func (p *Parser) Process(args *protocols.Args) {
	msgs := Walk(args.Buf.Bytes(), MaxMessages)
	if len(msgs) == 0 {
		return
	}
	if len(msgs) == MaxMessages {
		p.tel.TooMany.Inc()
	}

	cur, ok := p.inFlight.Get(args.Tuple)
	if ok && cur.flipped != args.Flipped {
		p.processResponse(args, cur, msgs)
		return
	}

	for _, m := range msgs {
		if m.Type != QueryMessage && m.Type != ParseMessage {
			continue
		}
		if ok {
			p.tel.Replaced.Inc()
		}
		tx := EbpfTx{
			Tup:            args.Tuple,
			RequestStarted: args.Now,
			Tags:           uint64(args.Tags),
			MessageType:    m.Type,
		}
		q := QueryText(m)
		tx.QuerySize = uint8(copy(tx.Query[:], q))
		tx.Truncated = !m.Complete || len(q) > QuerySize
		if tx.Truncated {
			p.tel.Truncated.Inc()
		}
		p.inFlight.Put(args.Tuple, pending{tx: tx, flipped: args.Flipped})
		p.tel.Queries.Add(1, args.Tags.IsTLS())
		return
	}
}

// processResponse counts completions; every CommandComplete of a
// multi-statement query chains onto the same transaction.
func (p *Parser) processResponse(args *protocols.Args, cur pending, msgs []Message) {
	seen := false
	for _, m := range msgs {
		switch m.Type {
		case CommandCompleteMessage:
			seen = true
			if cur.tx.Completions < 255 {
				cur.tx.Completions++
			}
		case ErrorResponseMessage:
			seen = true
			cur.tx.Failed = true
			copy(cur.tx.ErrorCode[:], ErrorCode(m))
		}
	}
	if !seen {
		return
	}
	p.inFlight.Delete(args.Tuple)
	cur.tx.ResponseLastSeen = args.Now
	p.tel.Completed.Add(1, args.Tags.IsTLS())
	if cur.tx.Failed {
		p.tel.Failed.Inc()
	}
	if !p.out.Enqueue(args.CPU, cur.tx) {
		p.logger.Debug("batch full, transaction lost", zap.Stringer("tuple", args.Tuple))
		return
	}
	p.tel.Emitted.Inc()
}

// Terminate implements protocols.Program. An unanswered query is dropped.
func (p *Parser) Terminate(args *protocols.Args) {
	if _, ok := p.inFlight.Peek(args.Tuple); ok {
		p.inFlight.Delete(args.Tuple)
		p.tel.Dropped.Inc()
	}
}
