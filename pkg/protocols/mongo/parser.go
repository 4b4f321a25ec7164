// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package mongo pairs wire-protocol requests with their replies by request
// id.
package mongo

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

const (
	// InFlightMap is the telemetry name of the in-flight map.
	InFlightMap = "mongo_in_flight"

	// HeaderSize is the length of the standard message header.
	HeaderSize = 16
	// maxMessageSize is the server default for maxMessageSizeBytes.
	maxMessageSize = 48 * 1000 * 1000
)

// Header is a decoded message header.
type Header struct {
	Length     int32
	RequestID  int32
	ResponseTo int32
	OpCode     wiremessage.OpCode
}

// ReadHeader decodes and validates the header at the start of b: a length
// of at least 16 bytes, a non-negative request id and a known op code.
func ReadHeader(b []byte) (Header, bool) {
	length, reqID, respTo, op, _, ok := wiremessage.ReadHeader(b)
	if !ok || length < HeaderSize || length > maxMessageSize || reqID < 0 {
		return Header{}, false
	}
	switch op {
	case wiremessage.OpUpdate, wiremessage.OpInsert, wiremessage.OpDelete, wiremessage.OpReply,
		wiremessage.OpQuery, wiremessage.OpGetMore, wiremessage.OpCompressed, wiremessage.OpMsg:
	default:
		return Header{}, false
	}
	return Header{Length: length, RequestID: reqID, ResponseTo: respTo, OpCode: op}, true
}

// IsRequest reports whether the header opens an exchange the parser pairs.
func (h Header) IsRequest() bool {
	switch h.OpCode {
	case wiremessage.OpQuery, wiremessage.OpGetMore:
		return true
	case wiremessage.OpMsg, wiremessage.OpCompressed:
		return h.ResponseTo == 0
	}
	return false
}

// IsReply reports whether the header answers an earlier request.
func (h Header) IsReply() bool {
	switch h.OpCode {
	case wiremessage.OpReply:
		return true
	case wiremessage.OpMsg, wiremessage.OpCompressed:
		return h.ResponseTo != 0
	}
	return false
}

// EbpfTx is one request and its reply.
type EbpfTx struct {
	Tup              conntuple.ConnTuple
	RequestStarted   uint64
	ResponseLastSeen uint64
	Tags             uint64
	RequestID        int32
	RequestOpCode    int32
	ResponseOpCode   int32
	_                [4]byte
}

// ConnTags returns the tags recorded with the request.
func (tx *EbpfTx) ConnTags() protocols.ConnTag { return protocols.ConnTag(tx.Tags) }

// RequestLatency is the time from the request to its reply.
func (tx *EbpfTx) RequestLatency() time.Duration {
	if tx.RequestStarted == 0 || tx.ResponseLastSeen < tx.RequestStarted {
		return 0
	}
	return time.Duration(tx.ResponseLastSeen - tx.RequestStarted)
}

func (tx *EbpfTx) String() string {
	return fmt.Sprintf("mongo.ebpfTx{Request: %d (%s), Reply: %s, Latency: %s}",
		tx.RequestID, wiremessage.OpCode(tx.RequestOpCode), wiremessage.OpCode(tx.ResponseOpCode), tx.RequestLatency())
}

type requestKey struct {
	Tup       conntuple.ConnTuple
	RequestID int32
}

// Telemetry holds the Mongo parser counters.
type Telemetry struct {
	Requests *telemetry.TLSAwareCounter
	Replies  *telemetry.TLSAwareCounter
	Orphans  *telemetry.Counter
	Emitted  *telemetry.Counter
	Dropped  *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry) *Telemetry {
	mg := reg.NewMetricGroup("usm.mongo")
	return &Telemetry{
		Requests: telemetry.NewTLSAwareCounter(mg, "requests"),
		Replies:  telemetry.NewTLSAwareCounter(mg, "replies"),
		Orphans:  mg.NewCounter("orphan_replies"),
		Emitted:  mg.NewCounter("emitted"),
		Dropped:  mg.NewCounter("dropped_on_termination"),
	}
}

// Parser is the Mongo program. Several requests of one connection may be
// in flight; replies find theirs through responseTo.
type Parser struct {
	inFlight *protocols.InFlight[requestKey, EbpfTx]
	out      protocols.Emitter[EbpfTx]
	tel      *Telemetry
	logger   *zap.Logger
}

// NewParser returns a Mongo parser emitting into out.
func NewParser(out protocols.Emitter[EbpfTx], maxInFlight int, reg *telemetry.Registry, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		inFlight: protocols.NewInFlight[requestKey, EbpfTx](InFlightMap, maxInFlight, reg),
		out:      out,
		tel:      newTelemetry(reg),
		logger:   logger.Named("mongo"),
	}
}

// Name implements protocols.Program.
func (p *Parser) Name() string { return "mongo" }

// Telemetry returns the parser counters.
func (p *Parser) Telemetry() *Telemetry { return p.tel }

// InFlight returns the number of unanswered requests.
func (p *Parser) InFlight() int { return p.inFlight.Len() }

// Process implements protocols.Program.
func (p *Parser) Process(args *protocols.Args) {
	h, ok := ReadHeader(args.Buf.Bytes())
	if !ok {
		return
	}

	if h.IsReply() {
		key := requestKey{Tup: args.Tuple, RequestID: h.ResponseTo}
		tx, ok := p.inFlight.Peek(key)
		if !ok {
			p.tel.Orphans.Inc()
			return
		}
		p.inFlight.Delete(key)
		tx.ResponseLastSeen = args.Now
		tx.ResponseOpCode = int32(h.OpCode)
		p.tel.Replies.Add(1, args.Tags.IsTLS())
		if !p.out.Enqueue(args.CPU, tx) {
			p.logger.Debug("batch full, transaction lost", zap.Stringer("tuple", args.Tuple))
			return
		}
		p.tel.Emitted.Inc()
		return
	}

	if !h.IsRequest() {
		return
	}
	tx := EbpfTx{
		Tup:            args.Tuple,
		RequestStarted: args.Now,
		Tags:           uint64(args.Tags),
		RequestID:      h.RequestID,
		RequestOpCode:  int32(h.OpCode),
	}
	if p.inFlight.PutIfAbsent(requestKey{Tup: args.Tuple, RequestID: h.RequestID}, tx) {
		p.tel.Requests.Add(1, args.Tags.IsTLS())
	}
}

// Terminate implements protocols.Program. Unanswered requests of the
// connection are dropped.
func (p *Parser) Terminate(args *protocols.Args) {
	for _, k := range p.inFlight.Keys() {
		if k.Tup == args.Tuple {
			p.inFlight.Delete(k)
			p.tel.Dropped.Inc()
		}
	}
}
