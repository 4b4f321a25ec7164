// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package kafka

import (
	"fmt"

	"github.com/twmb/franz-go/pkg/kmsg"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

// RequestSideMap is the telemetry name of the request-direction map.
const RequestSideMap = "kafka_request_side"

// EbpfTx is one Produce or Fetch request. Kafka records are emitted when
// the request is seen; nothing waits for the response.
type EbpfTx struct {
	Tup            conntuple.ConnTuple
	RequestStarted uint64
	Tags           uint64
	CorrelationID  int32
	APIKey         int16
	APIVersion     int16
	TopicNameSize  uint8
	Truncated      bool
	_              [6]byte
	TopicName      [TopicNameSize]byte
}

// Topic returns the captured topic name.
func (tx *EbpfTx) Topic() string {
	n := int(tx.TopicNameSize)
	if n > len(tx.TopicName) {
		n = len(tx.TopicName)
	}
	return string(tx.TopicName[:n])
}

// ConnTags returns the tags recorded with the request.
func (tx *EbpfTx) ConnTags() protocols.ConnTag { return protocols.ConnTag(tx.Tags) }

func (tx *EbpfTx) String() string {
	return fmt.Sprintf("kafka.ebpfTx{API: %d v%d, Correlation: %d, Topic: %q}",
		tx.APIKey, tx.APIVersion, tx.CorrelationID, tx.Topic())
}

// Telemetry holds the Kafka parser counters.
type Telemetry struct {
	Produce  *telemetry.TLSAwareCounter
	Fetch    *telemetry.TLSAwareCounter
	Emitted  *telemetry.Counter
	Invalid  *telemetry.Counter
	Retrans  *telemetry.Counter
	Truncate *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry) *Telemetry {
	mg := reg.NewMetricGroup("usm.kafka")
	return &Telemetry{
		Produce:  telemetry.NewTLSAwareCounter(mg, "requests", "api:produce"),
		Fetch:    telemetry.NewTLSAwareCounter(mg, "requests", "api:fetch"),
		Emitted:  mg.NewCounter("emitted"),
		Invalid:  mg.NewCounter("invalid_requests"),
		Retrans:  mg.NewCounter("retransmits_skipped"),
		Truncate: mg.NewCounter("topic_name_truncated"),
	}
}

// side remembers which direction carries requests, and the last segment
// seen in it.
type side struct {
	flipped bool
	lastSeq uint32
}

// Parser is the Kafka program.
type Parser struct {
	sides  *protocols.InFlight[conntuple.ConnTuple, side]
	out    protocols.Emitter[EbpfTx]
	tel    *Telemetry
	logger *zap.Logger
}

// NewParser returns a Kafka parser emitting into out.
func NewParser(out protocols.Emitter[EbpfTx], maxConns int, reg *telemetry.Registry, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		sides:  protocols.NewInFlight[conntuple.ConnTuple, side](RequestSideMap, maxConns, reg),
		out:    out,
		tel:    newTelemetry(reg),
		logger: logger.Named("kafka"),
	}
}

// Name implements protocols.Program.
func (p *Parser) Name() string { return "kafka" }

// Telemetry returns the parser counters.
func (p *Parser) Telemetry() *Telemetry { return p.tel }

// InFlight is always zero: requests are emitted as they are seen.
func (p *Parser) InFlight() int { return 0 }

// Process implements protocols.Program. Segments travelling opposite to the
// first request of the connection are responses and are ignored.
func (p *Parser) Process(args *protocols.Args) {
	s, known := p.sides.Get(args.Tuple)
	if known {
		if s.flipped != args.Flipped {
			return
		}
		if !args.Tags.IsTLS() && args.Skb.TCPSeq != 0 && s.lastSeq == args.Skb.TCPSeq {
			p.tel.Retrans.Inc()
			return
		}
	}

	req, err := ParseRequest(args.Buf.Bytes())
	if err != nil {
		// Continuation segments of a large request land here too.
		p.tel.Invalid.Inc()
		return
	}
	p.sides.Put(args.Tuple, side{flipped: args.Flipped, lastSeq: args.Skb.TCPSeq})

	tx := EbpfTx{
		Tup:            args.Tuple,
		RequestStarted: args.Now,
		Tags:           uint64(args.Tags),
		CorrelationID:  req.CorrelationID,
		APIKey:         req.APIKey,
		APIVersion:     req.APIVersion,
		Truncated:      req.TopicTruncated,
	}
	tx.TopicNameSize = uint8(copy(tx.TopicName[:], req.Topic))
	if req.TopicTruncated {
		p.tel.Truncate.Inc()
	}
	if kmsg.Key(req.APIKey) == kmsg.Produce {
		p.tel.Produce.Add(1, args.Tags.IsTLS())
	} else {
		p.tel.Fetch.Add(1, args.Tags.IsTLS())
	}

	if !p.out.Enqueue(args.CPU, tx) {
		p.logger.Debug("batch full, request lost", zap.Stringer("tuple", args.Tuple))
		return
	}
	p.tel.Emitted.Inc()
}

// Terminate implements protocols.Program.
func (p *Parser) Terminate(args *protocols.Args) {
	p.sides.Delete(args.Tuple)
}
