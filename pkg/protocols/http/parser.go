// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http

import (
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

// InFlightMap is the telemetry name of the in-flight map.
const InFlightMap = "http_in_flight"

type packetKind uint8

const (
	packetUnknown packetKind = iota
	packetRequest
	packetResponse
)

// Telemetry holds the HTTP parser counters.
type Telemetry struct {
	Requests   *telemetry.TLSAwareCounter
	Responses  *telemetry.TLSAwareCounter
	Emitted    *telemetry.Counter
	Forced     *telemetry.Counter
	Orphans    *telemetry.Counter
	Dropped    *telemetry.Counter
	Retransmit *telemetry.Counter
	Hits       [5]*telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry) *Telemetry {
	mg := reg.NewMetricGroup("usm.http")
	t := &Telemetry{
		Requests:   telemetry.NewTLSAwareCounter(mg, "requests"),
		Responses:  telemetry.NewTLSAwareCounter(mg, "responses"),
		Emitted:    mg.NewCounter("emitted"),
		Forced:     mg.NewCounter("forced_flush"),
		Orphans:    mg.NewCounter("orphan_responses"),
		Dropped:    mg.NewCounter("dropped_on_termination"),
		Retransmit: mg.NewCounter("retransmits_skipped"),
	}
	for i := range t.Hits {
		t.Hits[i] = mg.NewCounter("hits", "status:"+string(rune('1'+i))+"xx")
	}
	return t
}

// Parser is the HTTP/1.1 program. One transaction per connection is in
// flight at any time.
type Parser struct {
	inFlight *protocols.InFlight[conntuple.ConnTuple, EbpfTx]
	out      protocols.Emitter[EbpfTx]
	tel      *Telemetry
	logger   *zap.Logger
}

// NewParser returns an HTTP parser emitting into out.
func NewParser(out protocols.Emitter[EbpfTx], maxInFlight int, reg *telemetry.Registry, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		inFlight: protocols.NewInFlight[conntuple.ConnTuple, EbpfTx](InFlightMap, maxInFlight, reg),
		out:      out,
		tel:      newTelemetry(reg),
		logger:   logger.Named("http"),
	}
}

// Name implements protocols.Program.
func (p *Parser) Name() string { return "http" }

// Telemetry returns the parser counters.
func (p *Parser) Telemetry() *Telemetry { return p.tel }

// InFlight returns the number of open transactions.
func (p *Parser) InFlight() int { return p.inFlight.Len() }

func classifyPacket(b []byte) (packetKind, Method) {
	if IsResponse(b) {
		return packetResponse, MethodUnknown
	}
	if m, _ := MethodFromPrefix(b); m != MethodUnknown {
		return packetRequest, m
	}
	return packetUnknown, MethodUnknown
}

// Process implements protocols.Program.
func (p *Parser) Process(args *protocols.Args) {
	frag := args.Buf.Fragment(BufferSize)
	kind, method := classifyPacket(frag)

	tx, exists := p.inFlight.Get(args.Tuple)
	if !exists && kind != packetRequest {
		if kind == packetResponse {
			p.tel.Orphans.Inc()
		}
		return
	}
	if exists && !args.Tags.IsTLS() && args.Skb.TCPSeq != 0 && tx.TCPSeq == args.Skb.TCPSeq {
		p.tel.Retransmit.Inc()
		return
	}

	switch kind {
	case packetRequest:
		if exists {
			// The previous exchange is over, or its response never came.
			if tx.ResponseStatusCode == 0 {
				p.tel.Forced.Inc()
			}
			p.emit(args, tx)
		}
		tx = EbpfTx{
			Tup:            args.Tuple,
			RequestStarted: args.Now,
			RequestMethod:  uint8(method),
			OwnedBySrcPort: args.OriginalSport,
			Tags:           uint64(args.Tags),
		}
		copy(tx.RequestFragment[:], frag)
		p.tel.Requests.Add(1, args.Tags.IsTLS())
	case packetResponse:
		if tx.ResponseStatusCode == 0 {
			tx.ResponseStatusCode = StatusCode(frag)
			p.tel.Responses.Add(1, args.Tags.IsTLS())
		}
		tx.ResponseLastSeen = args.Now
	default:
		// Body bytes of a response keep the transaction alive.
		if tx.ResponseStatusCode != 0 {
			tx.ResponseLastSeen = args.Now
		}
	}
	tx.TCPSeq = args.Skb.TCPSeq
	tx.Tags |= uint64(args.Tags)
	p.inFlight.Put(args.Tuple, tx)
}

// Terminate implements protocols.Program. The transaction is emitted when
// the FIN travels in the direction of the segment that opened it, or when a
// response was already seen; otherwise it is dropped.
func (p *Parser) Terminate(args *protocols.Args) {
	tx, ok := p.inFlight.Peek(args.Tuple)
	if !ok {
		return
	}
	p.inFlight.Delete(args.Tuple)
	if tx.OwnedBySrcPort == args.OriginalSport || tx.ResponseStatusCode != 0 {
		p.emit(args, tx)
		return
	}
	p.tel.Dropped.Inc()
}

func (p *Parser) emit(args *protocols.Args, tx EbpfTx) {
	if code := tx.ResponseStatusCode; code >= 100 && code < 600 {
		p.tel.Hits[code/100-1].Inc()
	}
	if !p.out.Enqueue(args.CPU, tx) {
		p.logger.Debug("batch full, transaction lost", zap.Stringer("tuple", tx.Tup))
		return
	}
	p.tel.Emitted.Inc()
}
