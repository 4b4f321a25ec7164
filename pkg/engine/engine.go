// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package engine wires the hook sources to the monitoring pipeline. Packets
// go through connection tracking and the dispatcher to the parsers; TLS
// calls go through the TLS state machines to the plaintext table; socket
// lifecycle events feed the port bindings and the descriptor table. The
// parsers emit into per-family batchers whose consumers call the Handlers.
package engine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/buffer"
	"github.com/mbeema/usm/pkg/classifier"
	"github.com/mbeema/usm/pkg/config"
	"github.com/mbeema/usm/pkg/conntrack"
	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/dispatcher"
	"github.com/mbeema/usm/pkg/events"
	"github.com/mbeema/usm/pkg/hook"
	"github.com/mbeema/usm/pkg/portbind"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/protocols/amqp"
	"github.com/mbeema/usm/pkg/protocols/http"
	"github.com/mbeema/usm/pkg/protocols/http2"
	"github.com/mbeema/usm/pkg/protocols/kafka"
	"github.com/mbeema/usm/pkg/protocols/mongo"
	"github.com/mbeema/usm/pkg/protocols/mysql"
	"github.com/mbeema/usm/pkg/protocols/postgres"
	"github.com/mbeema/usm/pkg/protocols/redis"
	"github.com/mbeema/usm/pkg/telemetry"
	"github.com/mbeema/usm/pkg/tls"
)

const (
	// staleSocketAge bounds how long a (pid, fd) registration is trusted.
	staleSocketAge  = 10 * time.Minute
	cleanupInterval = time.Minute
)

// Handlers receive the decoded events of each family, one batch at a time.
// The slices are reused after the call returns. Nil handlers discard.
type Handlers struct {
	ConnClose       func([]conntrack.ConnCloseEvent)
	HTTP            func([]http.EbpfTx)
	HTTP2           func([]http2.EbpfTx)
	TerminatedHTTP2 func([]http2.TerminatedConn)
	Kafka           func([]kafka.EbpfTx)
	Postgres        func([]postgres.EbpfTx)
	Redis           func([]redis.EbpfTx)
	Mongo           func([]mongo.EbpfTx)
	MySQL           func([]mysql.EbpfTx)
	AMQP            func([]amqp.EbpfTx)
}

// Options tune an Engine beyond the configuration.
type Options struct {
	// CloseOnTermination closes tracked connections on FIN and RST packets.
	// Sources without socket lifecycle hooks, such as packet capture, need
	// it to produce close events.
	CloseOnTermination bool
	// Now is the clock used for messages that carry no timestamp.
	Now func() time.Time
}

// Engine owns the classification and parsing pipeline.
type Engine struct {
	cfg    *config.Config
	opts   Options
	ports  conntuple.EphemeralRange
	reg    *telemetry.Registry
	logger *zap.Logger

	bindings   *portbind.Registry
	tracker    *conntrack.Tracker
	classifier *classifier.Classifier
	dispatcher *dispatcher.Dispatcher
	native     map[uint8]*tls.Native
	gotls      *tls.GoTLS

	streams []stream

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds the pipeline for cfg. Every parser is registered; the ones
// disabled in cfg are switched off and can be turned on by Apply.
func New(cfg *config.Config, h Handlers, opts Options, reg *telemetry.Registry, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		cfg:    cfg,
		opts:   opts,
		ports:  cfg.EBPF.EphemeralRange(),
		reg:    reg,
		logger: logger.Named("engine"),
	}
	q := cfg.Quotas

	closes, err := newStream(e, events.FamilyConnClose, h.ConnClose)
	if err != nil {
		return nil, err
	}
	e.bindings = portbind.NewRegistry(q.PortBindings, reg.MapErrors)
	e.tracker = conntrack.NewTracker(q.MaxConns, e.ports, e.bindings, closes.batcher, reg, logger)
	e.classifier = classifier.New(q.MongoRequests, reg, logger)
	e.dispatcher, err = dispatcher.New(dispatcher.Options{
		VerdictCacheSize: q.VerdictCacheSize,
		SeqCacheSize:     q.SeqCacheSize,
		SharedWithUSM:    cfg.Protocols.SharedWithUSM,
	}, e.classifier, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	if err := e.registerParsers(h); err != nil {
		return nil, err
	}

	e.native = map[uint8]*tls.Native{
		hook.LibOpenSSL: tls.NewNative(protocols.TagOpenSSL, e.dispatcher, e.tracker, e.ports, q.TLSMapSize, reg, logger),
		hook.LibGnuTLS:  tls.NewNative(protocols.TagGnuTLS, e.dispatcher, e.tracker, e.ports, q.TLSMapSize, reg, logger),
	}
	e.gotls = tls.NewGoTLS(e.dispatcher, e.tracker, e.ports, q.TLSMapSize, reg, logger)

	e.Apply(cfg.Protocols)
	return e, nil
}

func (e *Engine) registerParsers(h Handlers) error {
	q := e.cfg.Quotas

	httpOut, err := newStream(e, events.FamilyHTTP, h.HTTP)
	if err != nil {
		return err
	}
	http2Out, err := newStream(e, events.FamilyHTTP2, h.HTTP2)
	if err != nil {
		return err
	}
	terminated, err := newStream(e, events.FamilyTerminatedHTTP2, h.TerminatedHTTP2)
	if err != nil {
		return err
	}
	kafkaOut, err := newStream(e, events.FamilyKafka, h.Kafka)
	if err != nil {
		return err
	}
	postgresOut, err := newStream(e, events.FamilyPostgres, h.Postgres)
	if err != nil {
		return err
	}
	redisOut, err := newStream(e, events.FamilyRedis, h.Redis)
	if err != nil {
		return err
	}
	mongoOut, err := newStream(e, events.FamilyMongo, h.Mongo)
	if err != nil {
		return err
	}
	mysqlOut, err := newStream(e, events.FamilyMySQL, h.MySQL)
	if err != nil {
		return err
	}
	amqpOut, err := newStream(e, events.FamilyAMQP, h.AMQP)
	if err != nil {
		return err
	}

	h2 := http2.DefaultConfig()
	if q.MaxInFlight > 0 {
		h2.MaxInFlight = q.MaxInFlight
	}
	if q.FramesPerCall > 0 {
		h2.FramesPerCall = q.FramesPerCall
	}
	if q.InterestingFrames > 0 {
		h2.InterestingFrames = q.InterestingFrames
	}
	if q.HeadersPerCall > 0 {
		h2.HeadersPerCall = q.HeadersPerCall
	}
	if q.CleanupIterations > 0 {
		h2.CleanupIterations = q.CleanupIterations
	}
	if q.DynamicTableConn > 0 {
		h2.DynamicTablePerConn = uint64(q.DynamicTableConn)
	}
	if q.DynamicTableTotal > 0 {
		h2.DynamicTableGlobal = q.DynamicTableTotal
	}

	programs := map[protocols.ProtocolType]protocols.Program{
		protocols.HTTP:     http.NewParser(httpOut.batcher, q.MaxInFlight, e.reg, e.logger),
		protocols.HTTP2:    http2.NewParser(h2, http2Out.batcher, terminated.batcher, e.reg, e.logger),
		protocols.Kafka:    kafka.NewParser(kafkaOut.batcher, q.MaxConns, e.reg, e.logger),
		protocols.Postgres: postgres.NewParser(postgresOut.batcher, q.MaxInFlight, e.reg, e.logger),
		protocols.Redis:    redis.NewParser(redisOut.batcher, q.MaxInFlight, e.reg, e.logger),
		protocols.Mongo:    mongo.NewParser(mongoOut.batcher, q.MaxInFlight, e.reg, e.logger),
		protocols.MySQL:    mysql.NewParser(mysqlOut.batcher, q.MaxInFlight, e.reg, e.logger),
		protocols.AMQP:     amqp.NewParser(amqpOut.batcher, q.MaxInFlight, e.reg, e.logger),
	}
	for proto, prog := range programs {
		// The parsers are stateless about the transport: the same program
		// serves ciphertext-free packets and TLS plaintext.
		if err := e.dispatcher.Register(proto, prog); err != nil {
			return fmt.Errorf("register %s: %w", proto, err)
		}
		if err := e.dispatcher.RegisterTLS(proto, prog); err != nil {
			return fmt.Errorf("register %s for TLS: %w", proto, err)
		}
	}
	return nil
}

// Apply switches the parsers on or off according to p.
func (e *Engine) Apply(p config.ProtocolsConfig) {
	for proto, on := range p.Enabled() {
		e.dispatcher.SetEnabled(proto, on)
	}
}

// Dispatcher returns the program tables.
func (e *Engine) Dispatcher() *dispatcher.Dispatcher { return e.dispatcher }

// Tracker returns the connection tracker.
func (e *Engine) Tracker() *conntrack.Tracker { return e.tracker }

// Bindings returns the port binding registry.
func (e *Engine) Bindings() *portbind.Registry { return e.bindings }

// GoTLS returns the Go TLS state, for registering inspected binaries.
func (e *Engine) GoTLS() *tls.GoTLS { return e.gotls }

// Ports returns the ephemeral range tuples are normalized with.
func (e *Engine) Ports() conntuple.EphemeralRange { return e.ports }

// Start runs the consumers and the periodic flush and cleanup.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	for _, s := range e.streams {
		s.start()
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.maintain(ctx)
	}()
	e.logger.Info("engine started",
		zap.Int("families", len(e.streams)),
		zap.Uint16("ephemeral_low", e.ports.Low),
		zap.Uint16("ephemeral_high", e.ports.High))
}

func (e *Engine) maintain(ctx context.Context) {
	interval := e.cfg.Events.FlushInterval
	if interval <= 0 {
		interval = time.Second
	}
	flush := time.NewTicker(interval)
	defer flush.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			e.Sync()
		case <-cleanup.C:
			if n := e.tracker.CleanStale(staleSocketAge); n > 0 {
				e.logger.Debug("stale sockets removed", zap.Int("count", n))
			}
		}
	}
}

// Sync writes every pending batch, including partial pages, and waits
// until the consumers have handled them.
func (e *Engine) Sync() {
	for _, s := range e.streams {
		s.sync()
	}
}

// Stop writes what is pending and stops the consumers. The sources must be
// stopped first.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.started = false
	e.cancel()
	e.wg.Wait()
	for _, s := range e.streams {
		s.stop()
	}
	e.logger.Info("engine stopped")
}

// flush writes the full pages of one shard.
func (e *Engine) flush(cpu int) {
	for _, s := range e.streams {
		s.flush(cpu)
	}
}

func (e *Engine) now(m *hook.Message) uint64 {
	if m.Header.TimestampNS != 0 {
		return m.Header.TimestampNS
	}
	return uint64(e.opts.Now().UnixNano())
}

func (e *Engine) call(cpu int, m *hook.Message) tls.Call {
	return tls.Call{Now: e.now(m), CPU: cpu}
}

// Callbacks returns the hook handlers feeding this engine. Every handler
// flushes the pages it may have filled.
func (e *Engine) Callbacks() hook.Callbacks {
	wrap := func(fn hook.Handler) hook.Handler {
		return func(cpu int, m *hook.Message) {
			fn(cpu, m)
			e.flush(cpu)
		}
	}
	return hook.Callbacks{
		OnPacket:       wrap(e.onPacket),
		OnTLSRead:      wrap(e.onTLSRead),
		OnTLSWrite:     wrap(e.onTLSWrite),
		OnTLSHandshake: e.onTLSHandshake,
		OnTLSSetFD:     e.onTLSSetFD,
		OnTLSSetBIO:    e.onTLSSetBIO,
		OnBIONewSocket: e.onBIONewSocket,
		OnTLSShutdown:  wrap(e.onTLSShutdown),
		OnGoTLSRead:    wrap(e.onGoTLSRead),
		OnGoTLSWrite:   wrap(e.onGoTLSWrite),
		OnGoTLSClose:   wrap(e.onGoTLSClose),
		OnTCPSendmsg:   e.onTCPSendmsg,
		OnSocketFD:     e.onSocketFD,
		OnBind:         e.onBind,
		OnAccept:       e.onAccept,
		OnListenStop:   e.onListenStop,
		OnTCPClose:     wrap(e.onTCPClose),
		OnRetransmit:   e.onRetransmit,
	}
}

func (e *Engine) onPacket(cpu int, m *hook.Message) {
	if !m.HasTuple {
		return
	}
	now := e.now(m)
	raw := m.Tuple
	e.tracker.Observe(raw, m.Skb.PayloadLen(), now)

	args := &protocols.Args{
		Tuple:         raw,
		Skb:           m.Skb,
		Buf:           buffer.NewRange(buffer.KindPacket, m.Payload, m.Skb.DataOff, m.Skb.DataEnd),
		Now:           now,
		CPU:           cpu,
		OriginalSport: raw.Sport,
	}
	args.Flipped = args.Tuple.Normalize(e.ports)
	e.dispatcher.ProcessPacket(args)

	if e.opts.CloseOnTermination && m.Skb.IsTermination() {
		e.tracker.Close(raw, cpu, now)
	}
}

func (e *Engine) nativeFor(m *hook.Message) *tls.Native {
	n, ok := e.native[m.Header.Lib]
	if !ok {
		e.logger.Debug("unknown TLS library", zap.Uint8("lib", m.Header.Lib), zap.String("type", hook.MsgTypeName(m.Header.MsgType)))
	}
	return n
}

func (e *Engine) onTLSRead(cpu int, m *hook.Message) {
	if n := e.nativeFor(m); n != nil {
		n.ReadEnter(m.Header.PidTgid(), m.Header.Arg)
		n.ReadReturn(m.Header.PidTgid(), m.Payload, int(m.Header.Ret), e.call(cpu, m))
	}
}

func (e *Engine) onTLSWrite(cpu int, m *hook.Message) {
	if n := e.nativeFor(m); n != nil {
		n.WriteEnter(m.Header.PidTgid(), m.Header.Arg)
		n.WriteReturn(m.Header.PidTgid(), m.Payload, int(m.Header.Ret), e.call(cpu, m))
	}
}

func (e *Engine) onTLSHandshake(_ int, m *hook.Message) {
	if n := e.nativeFor(m); n != nil {
		n.Handshake(m.Header.PidTgid(), m.Header.Arg)
	}
}

func (e *Engine) onTLSSetFD(_ int, m *hook.Message) {
	if n := e.nativeFor(m); n != nil {
		n.SetFD(m.Header.PID, m.Header.Arg, m.Header.FD)
	}
}

// onTLSSetBIO reads the BIO pointer from the first eight payload bytes.
func (e *Engine) onTLSSetBIO(_ int, m *hook.Message) {
	if len(m.Payload) < 8 {
		return
	}
	if n := e.nativeFor(m); n != nil {
		n.SetBIO(m.Header.PID, m.Header.Arg, binary.LittleEndian.Uint64(m.Payload))
	}
}

func (e *Engine) onBIONewSocket(_ int, m *hook.Message) {
	if n := e.nativeFor(m); n != nil {
		n.BIONewSocket(m.Header.PidTgid(), m.Header.FD)
		n.BIONewSocketReturn(m.Header.PidTgid(), m.Header.Arg)
	}
}

func (e *Engine) onTLSShutdown(cpu int, m *hook.Message) {
	if n := e.nativeFor(m); n != nil {
		n.Shutdown(m.Header.PidTgid(), m.Header.Arg, e.call(cpu, m))
	}
}

func (e *Engine) onGoTLSRead(cpu int, m *hook.Message) {
	goid := uint64(m.Header.TID)
	e.gotls.ReadEnter(m.Header.PID, goid, m.Header.Arg, m.Header.FD)
	e.gotls.ReadReturn(m.Header.PID, goid, m.Payload, int(m.Header.Ret), e.call(cpu, m))
}

func (e *Engine) onGoTLSWrite(cpu int, m *hook.Message) {
	e.gotls.Write(m.Header.PID, m.Header.Arg, m.Header.FD, m.Payload, int(m.Header.Ret), e.call(cpu, m))
}

func (e *Engine) onGoTLSClose(cpu int, m *hook.Message) {
	e.gotls.Close(m.Header.PID, m.Header.Arg, e.call(cpu, m))
}

// onTCPSendmsg offers the socket to every native library; only the one
// whose thread just entered a TLS call takes it.
func (e *Engine) onTCPSendmsg(_ int, m *hook.Message) {
	if !m.HasTuple {
		return
	}
	for _, n := range e.native {
		n.TCPSendmsg(m.Header.PidTgid(), m.Tuple)
	}
}

func (e *Engine) onSocketFD(_ int, m *hook.Message) {
	if m.HasTuple {
		e.tracker.Register(m.Header.PID, m.Header.FD, m.Tuple)
	}
}

func (e *Engine) onBind(_ int, m *hook.Message) {
	if m.HasTuple {
		e.bindings.Bind(m.Tuple.Netns, m.Tuple.Sport)
	}
}

func (e *Engine) onAccept(_ int, m *hook.Message) {
	if m.HasTuple {
		e.bindings.Accept(m.Tuple.Netns, m.Tuple.Sport)
	}
}

func (e *Engine) onListenStop(_ int, m *hook.Message) {
	if m.HasTuple {
		e.bindings.ListenStop(m.Tuple.Netns, m.Tuple.Sport)
	}
}

// onTCPClose ends the connection. A server side socket gives back the
// reference its accept took on the local port.
func (e *Engine) onTCPClose(cpu int, m *hook.Message) {
	if !m.HasTuple {
		return
	}
	tup := m.Tuple
	e.tracker.Close(tup, cpu, e.now(m))
	if m.Header.FD >= 0 {
		e.tracker.Unregister(m.Header.PID, m.Header.FD)
	}
	if conntuple.Direction(tup.Netns, tup.Sport, e.ports, e.bindings) == conntuple.Incoming {
		e.bindings.DestroySock(tup.Netns, tup.Sport)
	}
}

func (e *Engine) onRetransmit(_ int, m *hook.Message) {
	if m.HasTuple && m.Header.Ret > 0 {
		e.tracker.Retransmit(m.Tuple, uint32(m.Header.Ret))
	}
}
