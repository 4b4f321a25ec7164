// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package dispatcher routes classified payload to the program of its
// protocol, keeps the per-connection protocol stack, drops retransmitted
// segments and fans connection teardown out to the parsers.
package dispatcher

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/classifier"
	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

// terminationSeq is stored as the last sequence of both directions once a
// FIN or RST went through, so the peer's FIN collapses into the same event.
const terminationSeq = math.MaxUint32

// Defaults for the bounded tables.
const (
	DefaultVerdictCacheSize = 65536
	DefaultSeqCacheSize     = 65536
)

// Options tunes a Dispatcher.
type Options struct {
	VerdictCacheSize int
	SeqCacheSize     int
	// SharedWithUSM marks every stack as shared: termination then reaches
	// every registered program, not only the one of the connection.
	SharedWithUSM bool
}

func (o *Options) setDefaults() {
	if o.VerdictCacheSize <= 0 {
		o.VerdictCacheSize = DefaultVerdictCacheSize
	}
	if o.SeqCacheSize <= 0 {
		o.SeqCacheSize = DefaultSeqCacheSize
	}
}

type seqKey struct {
	Tup     conntuple.ConnTuple
	Flipped bool
}

// table is one program table: the packet table or the plaintext one.
type table [protocols.NumPrograms]protocols.Program

// Dispatcher owns the program tables. Segments of one connection must be
// handed in by a single goroutine at a time; different connections may be
// processed concurrently.
type Dispatcher struct {
	opts       Options
	classifier *classifier.Classifier

	packet    table
	plaintext table
	enabled   [protocols.NumPrograms]atomic.Bool
	stages    protocols.Stages

	verdicts *lru.Cache[conntuple.ConnTuple, protocols.Stack]
	lastSeq  *lru.Cache[seqKey, uint32]

	tel    *telemetry.USM
	logger *zap.Logger
}

// New returns a dispatcher classifying with c.
func New(opts Options, c *classifier.Classifier, reg *telemetry.Registry, logger *zap.Logger) (*Dispatcher, error) {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	verdicts, err := lru.New[conntuple.ConnTuple, protocols.Stack](opts.VerdictCacheSize)
	if err != nil {
		return nil, fmt.Errorf("verdict cache: %w", err)
	}
	lastSeq, err := lru.New[seqKey, uint32](opts.SeqCacheSize)
	if err != nil {
		return nil, fmt.Errorf("sequence cache: %w", err)
	}
	d := &Dispatcher{
		opts:       opts,
		classifier: c,
		verdicts:   verdicts,
		lastSeq:    lastSeq,
		tel:        telemetry.NewUSM(reg),
		logger:     logger.Named("dispatcher"),
	}
	d.stages.OnDepthExceeded = d.tel.TailCallDepthExceeded.Inc
	d.stages.OnMissing = func(idx int) {
		d.logger.Debug("continuation not installed", zap.Int("slot", idx))
	}
	return d, nil
}

// Telemetry returns the engine-wide counters.
func (d *Dispatcher) Telemetry() *telemetry.USM { return d.tel }

// Register installs prog in the packet table for proto and enables it.
func (d *Dispatcher) Register(proto protocols.ProtocolType, prog protocols.Program) error {
	return d.register(&d.packet, proto, prog)
}

// RegisterTLS installs prog in the plaintext table for proto.
func (d *Dispatcher) RegisterTLS(proto protocols.ProtocolType, prog protocols.Program) error {
	return d.register(&d.plaintext, proto, prog)
}

func (d *Dispatcher) register(t *table, proto protocols.ProtocolType, prog protocols.Program) error {
	idx, ok := protocols.ProgramFor(proto)
	if !ok {
		return fmt.Errorf("no program slot for %s", proto)
	}
	t[idx] = prog
	d.enabled[idx].Store(true)
	if s, ok := prog.(protocols.Staged); ok {
		for slot, st := range s.Stages() {
			d.stages.Set(slot, st)
		}
	}
	d.logger.Debug("program registered", zap.String("program", prog.Name()), zap.Stringer("protocol", proto))
	return nil
}

// SetEnabled turns the program of proto on or off without unregistering it.
func (d *Dispatcher) SetEnabled(proto protocols.ProtocolType, on bool) {
	if idx, ok := protocols.ProgramFor(proto); ok {
		d.enabled[idx].Store(on)
	}
}

// Enabled reports whether proto is dispatched.
func (d *Dispatcher) Enabled(proto protocols.ProtocolType) bool {
	idx, ok := protocols.ProgramFor(proto)
	return ok && d.enabled[idx].Load()
}

// Continuations returns the secondary table.
func (d *Dispatcher) Continuations() protocols.ContinuationTable { return &d.stages }

// Stack returns the cached protocol stack of tup.
func (d *Dispatcher) Stack(tup conntuple.ConnTuple) (protocols.Stack, bool) {
	return d.verdicts.Peek(tup.WithoutPID())
}

// SetProtocol implements protocols.StackUpdater.
func (d *Dispatcher) SetProtocol(tup conntuple.ConnTuple, p protocols.ProtocolType) {
	key := tup.WithoutPID()
	st, _ := d.verdicts.Peek(key)
	st.Set(p)
	d.verdicts.Add(key, st)
}

// ProcessPacket is the socket-filter entry point. args.Tuple must be
// normalized and args.Buf positioned at the payload.
func (d *Dispatcher) ProcessPacket(args *protocols.Args) {
	d.dispatch(&d.packet, args, false)
}

// ProcessPlaintext is the TLS entry point: the buffer holds decrypted bytes
// and the stack is marked encrypted.
func (d *Dispatcher) ProcessPlaintext(args *protocols.Args) {
	d.dispatch(&d.plaintext, args, true)
}

func (d *Dispatcher) dispatch(t *table, args *protocols.Args, plaintext bool) {
	if args.IsTermination() {
		if d.terminated(args) {
			d.tel.TerminationsCollapsed.Inc()
			return
		}
		// A FIN may carry the last bytes of the stream.
		if !args.Buf.Empty() {
			d.process(t, args, plaintext)
		}
		d.terminate(t, args)
		return
	}
	if args.Buf.Empty() {
		return
	}
	d.process(t, args, plaintext)
}

func (d *Dispatcher) process(t *table, args *protocols.Args, plaintext bool) {
	if !plaintext && d.isRetransmit(args) {
		d.tel.RetransmitsSkipped.Inc()
		return
	}

	key := args.Tuple.WithoutPID()
	st, cached := d.verdicts.Get(key)
	if plaintext && st.Encryption != protocols.TLS {
		st.Set(protocols.TLS)
		cached = false
	}
	if st.Application == protocols.Unknown && (plaintext || !st.IsEncrypted()) {
		if p := d.classifier.Classify(args.Tuple, args.Buf); p != protocols.Unknown {
			if plaintext && p == protocols.TLS {
				// Nested TLS is not tracked.
				return
			}
			st.Set(p)
			if d.opts.SharedWithUSM {
				st.Flags |= protocols.FlagUSMShared
			}
			cached = false
		}
	}
	if !cached && (st.Application != protocols.Unknown || st.Encryption != protocols.Unknown) {
		d.verdicts.Add(key, st)
	}

	if st.IsEncrypted() && !plaintext {
		// Ciphertext; the TLS hooks deliver the plaintext.
		return
	}
	idx, ok := protocols.ProgramFor(st.Application)
	if !ok {
		return
	}
	prog := t[idx]
	if prog == nil || !d.enabled[idx].Load() {
		d.tel.ProgramsDisabledSkipped.Inc()
		return
	}
	d.prepare(args)
	prog.Process(args)
}

func (d *Dispatcher) prepare(args *protocols.Args) {
	args.ResetDepth()
	args.Continuations = &d.stages
	args.Stack = d
}

// isRetransmit compares the segment sequence with the last one seen in the
// same direction and records it.
func (d *Dispatcher) isRetransmit(args *protocols.Args) bool {
	seq := args.Skb.TCPSeq
	if seq == 0 {
		return false
	}
	k := seqKey{Tup: args.Tuple, Flipped: args.Flipped}
	if last, ok := d.lastSeq.Get(k); ok && last == seq {
		return true
	}
	d.lastSeq.Add(k, seq)
	// Live data reopens a tuple an earlier teardown marked.
	other := seqKey{Tup: args.Tuple, Flipped: !args.Flipped}
	if last, ok := d.lastSeq.Peek(other); ok && last == terminationSeq {
		d.lastSeq.Remove(other)
	}
	return false
}

// terminated reports whether a FIN or RST of this connection already went
// through; the peer's FIN finds the sentinel.
func (d *Dispatcher) terminated(args *protocols.Args) bool {
	for _, flipped := range [2]bool{false, true} {
		if last, ok := d.lastSeq.Peek(seqKey{Tup: args.Tuple, Flipped: flipped}); ok && last == terminationSeq {
			return true
		}
	}
	return false
}

// terminate marks both directions with the sentinel and lets the parsers
// flush or drop what the connection holds.
func (d *Dispatcher) terminate(t *table, args *protocols.Args) {
	d.lastSeq.Add(seqKey{Tup: args.Tuple, Flipped: false}, terminationSeq)
	d.lastSeq.Add(seqKey{Tup: args.Tuple, Flipped: true}, terminationSeq)

	key := args.Tuple.WithoutPID()
	st, ok := d.verdicts.Peek(key)
	if !ok {
		return
	}
	d.verdicts.Remove(key)
	d.prepare(args)

	if st.Flags&protocols.FlagUSMShared != 0 {
		for _, prog := range t {
			if prog != nil {
				prog.Terminate(args)
			}
		}
		return
	}
	if idx, ok := protocols.ProgramFor(st.Application); ok && t[idx] != nil {
		t[idx].Terminate(args)
	}
}
