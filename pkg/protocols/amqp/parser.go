// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package amqp

import (
	"bytes"
	"fmt"
	"time"

	amqp091 "github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

const (
	// InFlightMap is the telemetry name of the in-flight map.
	InFlightMap = "amqp_in_flight"

	// RoutingKeySize is the number of routing key bytes kept per message.
	RoutingKeySize = 64

	// maxFramesPerSegment bounds the frames walked in one segment.
	maxFramesPerSegment = 16
)

// EbpfTx is one synchronous method and its reply, or one published or
// delivered message.
type EbpfTx struct {
	Tup              conntuple.ConnTuple
	RequestStarted   uint64
	ResponseLastSeen uint64
	Tags             uint64
	Channel          uint16
	ClassID          uint16
	MethodID         uint16
	ReplyMethodID    uint16
	ReplyCode        uint16
	RoutingKeySize   uint8
	Truncated        bool
	_                [4]byte
	RoutingKey       [RoutingKeySize]byte
}

// Method returns the request class and method.
func (tx *EbpfTx) Method() Method { return Method{Class: tx.ClassID, ID: tx.MethodID} }

// Key returns the captured routing key.
func (tx *EbpfTx) Key() string {
	n := int(tx.RoutingKeySize)
	if n > len(tx.RoutingKey) {
		n = len(tx.RoutingKey)
	}
	return string(tx.RoutingKey[:n])
}

// Failed reports whether the peer closed the channel or connection instead
// of answering.
func (tx *EbpfTx) Failed() bool { return tx.ReplyCode != 0 }

// CloseError describes the close that failed the request, nil otherwise.
func (tx *EbpfTx) CloseError() *amqp091.Error {
	if !tx.Failed() {
		return nil
	}
	return &amqp091.Error{Code: int(tx.ReplyCode), Server: true, Recover: softError(tx.ReplyCode)}
}

// softError reports whether code only closes the channel.
func softError(code uint16) bool {
	switch code {
	case amqp091.ContentTooLarge, amqp091.NoRoute, amqp091.NoConsumers, amqp091.AccessRefused,
		amqp091.NotFound, amqp091.ResourceLocked, amqp091.PreconditionFailed:
		return true
	}
	return false
}

// ConnTags returns the tags recorded with the request.
func (tx *EbpfTx) ConnTags() protocols.ConnTag { return protocols.ConnTag(tx.Tags) }

// RequestLatency is the time from the method to its reply. Messages report
// zero.
func (tx *EbpfTx) RequestLatency() time.Duration {
	if tx.RequestStarted == 0 || tx.ResponseLastSeen < tx.RequestStarted {
		return 0
	}
	return time.Duration(tx.ResponseLastSeen - tx.RequestStarted)
}

func (tx *EbpfTx) String() string {
	return fmt.Sprintf("amqp.ebpfTx{Channel: %d, Method: %d.%d, Reply: %d, Code: %d, Key: %q}",
		tx.Channel, tx.ClassID, tx.MethodID, tx.ReplyMethodID, tx.ReplyCode, tx.Key())
}

type channelKey struct {
	Tup     conntuple.ConnTuple
	Channel uint16
}

type pending struct {
	tx      EbpfTx
	flipped bool
}

// Telemetry holds the AMQP parser counters.
type Telemetry struct {
	Requests  *telemetry.TLSAwareCounter
	Replies   *telemetry.TLSAwareCounter
	Published *telemetry.Counter
	Delivered *telemetry.Counter
	Closed    *telemetry.Counter
	Emitted   *telemetry.Counter
	Dropped   *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry) *Telemetry {
	mg := reg.NewMetricGroup("usm.amqp")
	return &Telemetry{
		Requests:  telemetry.NewTLSAwareCounter(mg, "requests"),
		Replies:   telemetry.NewTLSAwareCounter(mg, "replies"),
		Published: mg.NewCounter("messages", "method:publish"),
		Delivered: mg.NewCounter("messages", "method:deliver"),
		Closed:    mg.NewCounter("failed_by_close"),
		Emitted:   mg.NewCounter("emitted"),
		Dropped:   mg.NewCounter("dropped_on_termination"),
	}
}

// Parser is the AMQP program.
type Parser struct {
	inFlight *protocols.InFlight[channelKey, pending]
	out      protocols.Emitter[EbpfTx]
	tel      *Telemetry
	logger   *zap.Logger
}

// NewParser returns an AMQP parser emitting into out.
func NewParser(out protocols.Emitter[EbpfTx], maxInFlight int, reg *telemetry.Registry, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		inFlight: protocols.NewInFlight[channelKey, pending](InFlightMap, maxInFlight, reg),
		out:      out,
		tel:      newTelemetry(reg),
		logger:   logger.Named("amqp"),
	}
}

// Name implements protocols.Program.
func (p *Parser) Name() string { return "amqp" }

// Telemetry returns the parser counters.
func (p *Parser) Telemetry() *Telemetry { return p.tel }

// InFlight returns the number of unanswered methods.
func (p *Parser) InFlight() int { return p.inFlight.Len() }

// Process implements protocols.Program.
func (p *Parser) Process(args *protocols.Args) {
	b := args.Buf.Bytes()
	if bytes.HasPrefix(b, protocolHeader) {
		if len(b) <= 8 {
			return
		}
		b = b[8:]
	}
	for i := 0; i < maxFramesPerSegment; i++ {
		f, ok := ReadFrame(b)
		if !ok {
			return
		}
		if m, ok := f.Method(); ok {
			p.handleMethod(args, f, m)
		}
		n := f.Len()
		if n > len(b) || b[n-1] != frameEnd {
			return
		}
		b = b[n:]
	}
}

func (p *Parser) handleMethod(args *protocols.Args, f Frame, m Method) {
	key := channelKey{Tup: args.Tuple, Channel: f.Channel}

	if m.Class == ClassBasic && (m.ID == BasicPublish || m.ID == BasicDeliver) {
		tx := EbpfTx{
			Tup:            args.Tuple,
			RequestStarted: args.Now,
			Tags:           uint64(args.Tags),
			Channel:        f.Channel,
			ClassID:        m.Class,
			MethodID:       m.ID,
		}
		if rk, truncated, ok := RoutingKey(m, f.Arguments()); ok {
			tx.RoutingKeySize = uint8(copy(tx.RoutingKey[:], rk))
			tx.Truncated = truncated || len(rk) > RoutingKeySize
		}
		if m.ID == BasicPublish {
			p.tel.Published.Inc()
		} else {
			p.tel.Delivered.Inc()
		}
		p.emit(args, tx)
		return
	}

	if cur, ok := p.inFlight.Peek(key); ok && cur.flipped != args.Flipped {
		switch {
		case cur.tx.Method().Answers(m):
			p.inFlight.Delete(key)
			cur.tx.ResponseLastSeen = args.Now
			cur.tx.ReplyMethodID = m.ID
			p.tel.Replies.Add(1, args.Tags.IsTLS())
			p.emit(args, cur.tx)
			return
		case m.IsClose():
			p.inFlight.Delete(key)
			cur.tx.ResponseLastSeen = args.Now
			cur.tx.ReplyMethodID = m.ID
			if code, _, ok := CloseReason(f.Arguments()); ok {
				cur.tx.ReplyCode = code
			}
			p.tel.Closed.Inc()
			p.emit(args, cur.tx)
			// The close itself waits for a CloseOk.
		}
	}

	if !m.IsSynchronous() {
		return
	}
	p.inFlight.Put(key, pending{
		tx: EbpfTx{
			Tup:            args.Tuple,
			RequestStarted: args.Now,
			Tags:           uint64(args.Tags),
			Channel:        f.Channel,
			ClassID:        m.Class,
			MethodID:       m.ID,
		},
		flipped: args.Flipped,
	})
	p.tel.Requests.Add(1, args.Tags.IsTLS())
}

func (p *Parser) emit(args *protocols.Args, tx EbpfTx) {
	if !p.out.Enqueue(args.CPU, tx) {
		p.logger.Debug("batch full, transaction lost", zap.Stringer("tuple", args.Tuple))
		return
	}
	p.tel.Emitted.Inc()
}

// Terminate implements protocols.Program. Unanswered methods on every
// channel of the connection are dropped.
func (p *Parser) Terminate(args *protocols.Args) {
	for _, k := range p.inFlight.Keys() {
		if k.Tup == args.Tuple {
			p.inFlight.Delete(k)
			p.tel.Dropped.Inc()
		}
	}
}
