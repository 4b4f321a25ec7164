// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redis

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

// InFlightMap is the telemetry name of the in-flight map.
const InFlightMap = "redis_in_flight"

// EbpfTx is one command and its reply.
type EbpfTx struct {
	Tup              conntuple.ConnTuple
	RequestStarted   uint64
	ResponseLastSeen uint64
	Tags             uint64
	Command          uint8
	ErrorType        uint8
	IsError          bool
	Truncated        bool
	KeySize          uint8
	_                [3]byte
	Key              [KeySize]byte
}

// CommandType returns the request command.
func (tx *EbpfTx) CommandType() Command { return Command(tx.Command) }

// Error returns the error class of the reply.
func (tx *EbpfTx) Error() ErrorType { return ErrorType(tx.ErrorType) }

// KeyName returns the captured key.
func (tx *EbpfTx) KeyName() string {
	n := int(tx.KeySize)
	if n > len(tx.Key) {
		n = len(tx.Key)
	}
	return string(tx.Key[:n])
}

// ConnTags returns the tags recorded with the command.
func (tx *EbpfTx) ConnTags() protocols.ConnTag { return protocols.ConnTag(tx.Tags) }

// RequestLatency is the time from the command to its reply.
func (tx *EbpfTx) RequestLatency() time.Duration {
	if tx.RequestStarted == 0 || tx.ResponseLastSeen < tx.RequestStarted {
		return 0
	}
	return time.Duration(tx.ResponseLastSeen - tx.RequestStarted)
}

func (tx *EbpfTx) String() string {
	truncated := ""
	if tx.Truncated {
		truncated = " (truncated)"
	}
	return fmt.Sprintf("redis.ebpfTx{Command: %s, Key: %s%s, Error: %s, Latency: %s}",
		tx.CommandType(), tx.KeyName(), truncated, tx.Error(), tx.RequestLatency())
}

// Telemetry holds the Redis parser counters.
type Telemetry struct {
	Requests  *telemetry.TLSAwareCounter
	Responses *telemetry.TLSAwareCounter
	Errors    *telemetry.Counter
	Emitted   *telemetry.Counter
	Replaced  *telemetry.Counter
	Dropped   *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry) *Telemetry {
	mg := reg.NewMetricGroup("usm.redis")
	return &Telemetry{
		Requests:  telemetry.NewTLSAwareCounter(mg, "requests"),
		Responses: telemetry.NewTLSAwareCounter(mg, "responses"),
		Errors:    mg.NewCounter("error_replies"),
		Emitted:   mg.NewCounter("emitted"),
		Replaced:  mg.NewCounter("pipelined_replaced"),
		Dropped:   mg.NewCounter("dropped_on_termination"),
	}
}

type pending struct {
	tx      EbpfTx
	flipped bool
}

// Parser is the Redis program. One command per connection is in flight.
type Parser struct {
	inFlight *protocols.InFlight[conntuple.ConnTuple, pending]
	out      protocols.Emitter[EbpfTx]
	tel      *Telemetry
	logger   *zap.Logger
}

// NewParser returns a Redis parser emitting into out.
func NewParser(out protocols.Emitter[EbpfTx], maxInFlight int, reg *telemetry.Registry, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		inFlight: protocols.NewInFlight[conntuple.ConnTuple, pending](InFlightMap, maxInFlight, reg),
		out:      out,
		tel:      newTelemetry(reg),
		logger:   logger.Named("redis"),
	}
}

// Name implements protocols.Program.
func (p *Parser) Name() string { return "redis" }

// Telemetry returns the parser counters.
func (p *Parser) Telemetry() *Telemetry { return p.tel }

// InFlight returns the number of open commands.
func (p *Parser) InFlight() int { return p.inFlight.Len() }

// Process implements protocols.Program. A reply is a segment travelling
// opposite to the pending command.
func (p *Parser) Process(args *protocols.Args) {
	b := args.Buf.Bytes()
	cur, ok := p.inFlight.Get(args.Tuple)
	if ok && cur.flipped != args.Flipped {
		reply, ok := ParseReply(b)
		if !ok {
			return
		}
		p.inFlight.Delete(args.Tuple)
		cur.tx.ResponseLastSeen = args.Now
		cur.tx.IsError = reply.IsError
		cur.tx.ErrorType = uint8(reply.Error)
		p.tel.Responses.Add(1, args.Tags.IsTLS())
		if reply.IsError {
			p.tel.Errors.Inc()
		}
		p.emit(args, cur.tx)
		return
	}

	req, ok := ParseRequest(b)
	if !ok {
		return
	}
	if cur.tx.RequestStarted != 0 {
		p.tel.Replaced.Inc()
	}
	tx := EbpfTx{
		Tup:            args.Tuple,
		RequestStarted: args.Now,
		Tags:           uint64(args.Tags),
		Command:        uint8(req.Command),
		Truncated:      req.Truncated,
	}
	tx.KeySize = uint8(copy(tx.Key[:], req.Key))
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

func (p *Parser) emit(args *protocols.Args, tx EbpfTx) {
	if !p.out.Enqueue(args.CPU, tx) {
		p.logger.Debug("batch full, transaction lost", zap.Stringer("tuple", tx.Tup))
		return
	}
	p.tel.Emitted.Inc()
}
