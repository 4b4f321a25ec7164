// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package mysql

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

// InFlightMap is the telemetry name of the in-flight map.
const InFlightMap = "mysql_in_flight"

// EbpfTx is one command and the first packet of its response.
type EbpfTx struct {
	Tup              conntuple.ConnTuple
	RequestStarted   uint64
	ResponseLastSeen uint64
	Tags             uint64
	Command          uint8
	ResponseType     uint8
	ErrorCode        uint16
	QuerySize        uint8
	Truncated        bool
	_                [2]byte
	Query            [QuerySize]byte
}

// Statement returns the captured statement fragment.
func (tx *EbpfTx) Statement() string {
	n := int(tx.QuerySize)
	if n > len(tx.Query) {
		n = len(tx.Query)
	}
	return string(tx.Query[:n])
}

// Failed reports whether the server answered with ERR.
func (tx *EbpfTx) Failed() bool { return tx.ResponseType == ResponseERR }

// ConnTags returns the tags recorded with the command.
func (tx *EbpfTx) ConnTags() protocols.ConnTag { return protocols.ConnTag(tx.Tags) }

// RequestLatency is the time from the command to the response.
func (tx *EbpfTx) RequestLatency() time.Duration {
	if tx.RequestStarted == 0 || tx.ResponseLastSeen < tx.RequestStarted {
		return 0
	}
	return time.Duration(tx.ResponseLastSeen - tx.RequestStarted)
}

func (tx *EbpfTx) String() string {
	return fmt.Sprintf("mysql.ebpfTx{Command: %#x, Statement: %q, Error: %d, Latency: %s}",
		tx.Command, tx.Statement(), tx.ErrorCode, tx.RequestLatency())
}

func responseType(marker byte) uint8 {
	switch marker {
	case ResponseOK, ResponseERR, ResponseEOF:
		return marker
	}
	return ResponseResultSet
}

// Telemetry holds the MySQL parser counters.
type Telemetry struct {
	Requests  *telemetry.TLSAwareCounter
	Responses *telemetry.TLSAwareCounter
	Errors    *telemetry.Counter
	Emitted   *telemetry.Counter
	Truncated *telemetry.Counter
	Dropped   *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry) *Telemetry {
	mg := reg.NewMetricGroup("usm.mysql")
	return &Telemetry{
		Requests:  telemetry.NewTLSAwareCounter(mg, "requests"),
		Responses: telemetry.NewTLSAwareCounter(mg, "responses"),
		Errors:    mg.NewCounter("error_responses"),
		Emitted:   mg.NewCounter("emitted"),
		Truncated: mg.NewCounter("statement_truncated"),
		Dropped:   mg.NewCounter("dropped_on_termination"),
	}
}

type pending struct {
	tx      EbpfTx
	flipped bool
}

// Parser is the MySQL program.
type Parser struct {
	inFlight *protocols.InFlight[conntuple.ConnTuple, pending]
	out      protocols.Emitter[EbpfTx]
	tel      *Telemetry
	logger   *zap.Logger
}

// NewParser returns a MySQL parser emitting into out.
func NewParser(out protocols.Emitter[EbpfTx], maxInFlight int, reg *telemetry.Registry, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		inFlight: protocols.NewInFlight[conntuple.ConnTuple, pending](InFlightMap, maxInFlight, reg),
		out:      out,
		tel:      newTelemetry(reg),
		logger:   logger.Named("mysql"),
	}
}

// Name implements protocols.Program.
func (p *Parser) Name() string { return "mysql" }

// Telemetry returns the parser counters.
func (p *Parser) Telemetry() *Telemetry { return p.tel }

// InFlight returns the number of open commands.
func (p *Parser) InFlight() int { return p.inFlight.Len() }

// Process implements protocols.Program. The next packet travelling opposite
// to a pending command is its response.
func (p *Parser) Process(args *protocols.Args) {
	b := args.Buf.Bytes()
	pkt, ok := ReadPacket(b)
	if !ok {
		return
	}

	cur, pendingOK := p.inFlight.Get(args.Tuple)
	if pendingOK && cur.flipped != args.Flipped {
		p.inFlight.Delete(args.Tuple)
		cur.tx.ResponseLastSeen = args.Now
		cur.tx.ResponseType = responseType(pkt.Payload[0])
		cur.tx.ErrorCode = pkt.ErrorCode()
		p.tel.Responses.Add(1, args.Tags.IsTLS())
		if cur.tx.Failed() {
			p.tel.Errors.Inc()
		}
		if !p.out.Enqueue(args.CPU, cur.tx) {
			p.logger.Debug("batch full, transaction lost", zap.Stringer("tuple", args.Tuple))
			return
		}
		p.tel.Emitted.Inc()
		return
	}

	if !IsQuery(b) {
		return
	}
	tx := EbpfTx{
		Tup:            args.Tuple,
		RequestStarted: args.Now,
		Tags:           uint64(args.Tags),
		Command:        pkt.Payload[0],
	}
	stmt := pkt.Statement()
	tx.QuerySize = uint8(copy(tx.Query[:], stmt))
	tx.Truncated = len(stmt) > QuerySize || len(pkt.Payload) < pkt.Length
	if tx.Truncated {
		p.tel.Truncated.Inc()
	}
	p.inFlight.Put(args.Tuple, pending{tx: tx, flipped: args.Flipped})
	p.tel.Requests.Add(1, args.Tags.IsTLS())
}

// Terminate implements protocols.Program. An unanswered command is dropped.
func (p *Parser) Terminate(args *protocols.Args) {
	if _, ok := p.inFlight.Peek(args.Tuple); ok {
		p.inFlight.Delete(args.Tuple)
		p.tel.Dropped.Inc()
	}
}
