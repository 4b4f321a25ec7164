// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"sync"

	"github.com/google/gopacket/layers"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/telemetry"
)

// Handler consumes one message on worker cpu.
type Handler func(cpu int, m *Message)

// Callbacks for hook events. Nil handlers drop the message.
type Callbacks struct {
	OnPacket       Handler
	OnTLSRead      Handler
	OnTLSWrite     Handler
	OnTLSHandshake Handler
	OnTLSSetFD     Handler
	OnTLSSetBIO    Handler
	OnBIONewSocket Handler
	OnTLSShutdown  Handler
	OnGoTLSRead    Handler
	OnGoTLSWrite   Handler
	OnGoTLSClose   Handler
	OnTCPSendmsg   Handler
	OnSocketFD     Handler
	OnBind         Handler
	OnAccept       Handler
	OnListenStop   Handler
	OnTCPClose     Handler
	OnRetransmit   Handler
}

func (c *Callbacks) handler(t uint8) Handler {
	switch t {
	case MsgPacket:
		return c.OnPacket
	case MsgTLSRead:
		return c.OnTLSRead
	case MsgTLSWrite:
		return c.OnTLSWrite
	case MsgTLSHandshake:
		return c.OnTLSHandshake
	case MsgTLSSetFD:
		return c.OnTLSSetFD
	case MsgTLSSetBIO:
		return c.OnTLSSetBIO
	case MsgBIONewSocket:
		return c.OnBIONewSocket
	case MsgTLSShutdown:
		return c.OnTLSShutdown
	case MsgGoTLSRead:
		return c.OnGoTLSRead
	case MsgGoTLSWrite:
		return c.OnGoTLSWrite
	case MsgGoTLSClose:
		return c.OnGoTLSClose
	case MsgTCPSendmsg:
		return c.OnTCPSendmsg
	case MsgSocketFD:
		return c.OnSocketFD
	case MsgBind:
		return c.OnBind
	case MsgAccept:
		return c.OnAccept
	case MsgListenStop:
		return c.OnListenStop
	case MsgTCPClose:
		return c.OnTCPClose
	case MsgRetransmit:
		return c.OnRetransmit
	}
	return nil
}

// Dispatch calls the handler registered for m's type.
func (c *Callbacks) Dispatch(cpu int, m *Message) bool {
	h := c.handler(m.Header.MsgType)
	if h == nil {
		return false
	}
	h(cpu, m)
	return true
}

// Telemetry counts transport activity.
type Telemetry struct {
	Received    *telemetry.Counter
	ParseErrors *telemetry.Counter
	Dropped     *telemetry.Counter
	Unhandled   *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry, source string) *Telemetry {
	mg := reg.NewMetricGroup("usm.hook")
	tag := "source:" + source
	return &Telemetry{
		Received:    mg.NewCounter("received", tag),
		ParseErrors: mg.NewCounter("parse_errors", tag),
		Dropped:     mg.NewCounter("dropped", tag),
		Unhandled:   mg.NewCounter("unhandled", tag),
	}
}

// Pool fans messages out to a fixed set of workers. Messages of one
// connection, and TLS messages of one process, always land on the same
// worker, so they are handled in arrival order. Submit must be called from a
// single goroutine.
type Pool struct {
	callbacks Callbacks
	queues    []chan *Message
	wg        sync.WaitGroup
	once      sync.Once

	eth, ip4, ip6 *conntuple.Decoder

	tel    *Telemetry
	logger *zap.Logger
}

// NewPool starts workers goroutines with queues of queueSize messages.
func NewPool(workers, queueSize int, callbacks Callbacks, source string, reg *telemetry.Registry, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		callbacks: callbacks,
		queues:    make([]chan *Message, workers),
		eth:       conntuple.NewDecoder(layers.LayerTypeEthernet),
		ip4:       conntuple.NewDecoder(layers.LayerTypeIPv4),
		ip6:       conntuple.NewDecoder(layers.LayerTypeIPv6),
		tel:       newTelemetry(reg, source),
		logger:    logger,
	}
	for i := range p.queues {
		p.queues[i] = make(chan *Message, queueSize)
		p.wg.Add(1)
		go p.work(i)
	}
	return p
}

// Telemetry returns the pool counters.
func (p *Pool) Telemetry() *Telemetry { return p.tel }

// Workers returns the number of workers.
func (p *Pool) Workers() int { return len(p.queues) }

// Submit decodes the connection of a packet and queues m on its worker. A
// full queue drops the message.
func (p *Pool) Submit(m *Message) {
	p.tel.Received.Inc()
	if m.Header.MsgType == MsgPacket {
		p.decodePacket(m)
	}
	q := p.queues[p.shard(m)]
	select {
	case q <- m:
	default:
		p.tel.Dropped.Inc()
	}
}

// SubmitRaw parses buf and submits the message.
func (p *Pool) SubmitRaw(buf []byte) {
	m, err := ParseMessage(buf)
	if err != nil {
		p.tel.ParseErrors.Inc()
		p.logger.Debug("parse error", zap.Error(err))
		return
	}
	p.Submit(m)
}

func (p *Pool) decodePacket(m *Message) {
	var d *conntuple.Decoder
	switch {
	case m.Header.Flags&FlagEthernet != 0:
		d = p.eth
	case len(m.Payload) > 0 && m.Payload[0]>>4 == 6:
		d = p.ip6
	default:
		d = p.ip4
	}
	tup, skb, err := d.Decode(m.Payload, uint32(m.Header.Arg))
	if err != nil {
		return
	}
	m.Tuple, m.Skb, m.HasTuple = tup, skb, true
}

func (p *Pool) shard(m *Message) int {
	if len(p.queues) == 1 {
		return 0
	}
	var key uint64
	switch {
	case m.HasTuple:
		key = ShardKey(m.Tuple)
	case m.Header.MsgType == MsgPacket:
		key = 0
	default:
		key = mix(uint64(m.Header.PID))
	}
	return int(key % uint64(len(p.queues)))
}

func (p *Pool) work(cpu int) {
	defer p.wg.Done()
	for m := range p.queues[cpu] {
		if !p.callbacks.Dispatch(cpu, m) {
			p.tel.Unhandled.Inc()
		}
	}
}

// Stop drains the queues and waits for the workers. Submit must not be
// called afterwards.
func (p *Pool) Stop() {
	p.once.Do(func() {
		for _, q := range p.queues {
			close(q)
		}
		p.wg.Wait()
	})
}

// ShardKey hashes a connection so that both directions map to the same
// value.
func ShardKey(t conntuple.ConnTuple) uint64 {
	src := mix(t.SaddrH) ^ mix(t.SaddrL) ^ mix(uint64(t.Sport))
	dst := mix(t.DaddrH) ^ mix(t.DaddrL) ^ mix(uint64(t.Dport))
	return mix(src+dst) ^ uint64(t.Netns)
}

func mix(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}
