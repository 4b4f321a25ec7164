// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package http2

import (
	"sync"

	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/buffer"
	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

// Map names used in telemetry.
const (
	InFlightMap  = "http2_in_flight"
	RemainderMap = "http2_remainder"
)

// Config holds the per-invocation quotas and map sizes.
type Config struct {
	MaxInFlight         int
	FramesPerCall       int
	InterestingFrames   int
	HeadersPerCall      int
	CleanupIterations   int
	CleanupBatch        int
	CleanupThreshold    uint64
	DynamicTablePerConn uint64
	DynamicTableGlobal  int
}

// DefaultConfig returns the quotas the kernel programs use.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:         protocols.DefaultInFlightSize,
		FramesPerCall:       32,
		InterestingFrames:   120,
		HeadersPerCall:      15,
		CleanupIterations:   8,
		CleanupBatch:        32,
		CleanupThreshold:    100,
		DynamicTablePerConn: 1024,
		DynamicTableGlobal:  65536,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.FramesPerCall <= 0 {
		c.FramesPerCall = d.FramesPerCall
	}
	if c.InterestingFrames <= 0 {
		c.InterestingFrames = d.InterestingFrames
	}
	if c.HeadersPerCall <= 0 {
		c.HeadersPerCall = d.HeadersPerCall
	}
	if c.CleanupIterations <= 0 {
		c.CleanupIterations = d.CleanupIterations
	}
	if c.CleanupBatch <= 0 {
		c.CleanupBatch = d.CleanupBatch
	}
	if c.CleanupThreshold == 0 {
		c.CleanupThreshold = d.CleanupThreshold
	}
	if c.DynamicTablePerConn == 0 {
		c.DynamicTablePerConn = d.DynamicTablePerConn
	}
	if c.DynamicTableGlobal <= 0 {
		c.DynamicTableGlobal = d.DynamicTableGlobal
	}
}

// scratch is the state one invocation carries through its stages.
type scratch struct {
	frames []frameRef
	// cursor is the next retained frame for the headers stage; fieldOff and
	// fieldEnd bound the unparsed header block inside it.
	cursor   int
	fieldOff int
	fieldEnd int
	// headerCalls counts headers stage invocations in this segment.
	headerCalls int
}

// maxHeadersParserCalls caps the headers stage so the cleaner and the
// end-of-stream stage keep tail calls of their own.
const maxHeadersParserCalls = 16

// Parser is the HTTP/2 program. Process is the first-frame handler; the
// remaining stages run as continuations.
type Parser struct {
	cfg        Config
	streams    *protocols.InFlight[StreamKey, stream]
	remainders *protocols.InFlight[remainderKey, FrameRemainder]
	dynamic    *DynamicTable

	out        protocols.Emitter[EbpfTx]
	terminated protocols.Emitter[TerminatedConn]

	scratch sync.Pool
	tel     *Telemetry
	logger  *zap.Logger
}

// NewParser returns an HTTP/2 parser. Completed streams go to out and
// closed connections to terminated.
func NewParser(cfg Config, out protocols.Emitter[EbpfTx], terminated protocols.Emitter[TerminatedConn], reg *telemetry.Registry, logger *zap.Logger) *Parser {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	tel := newTelemetry(reg)
	p := &Parser{
		cfg:        cfg,
		streams:    protocols.NewInFlight[StreamKey, stream](InFlightMap, cfg.MaxInFlight, reg),
		remainders: protocols.NewInFlight[remainderKey, FrameRemainder](RemainderMap, cfg.MaxInFlight, reg),
		dynamic:    newDynamicTable(cfg, reg, tel),
		out:        out,
		terminated: terminated,
		tel:        tel,
		logger:     logger.Named("http2"),
	}
	p.scratch.New = func() any {
		return &scratch{frames: make([]frameRef, 0, cfg.InterestingFrames)}
	}
	return p
}

// Name implements protocols.Program.
func (p *Parser) Name() string { return "http2" }

// Telemetry returns the parser counters.
func (p *Parser) Telemetry() *Telemetry { return p.tel }

// DynamicTable exposes the HPACK table state.
func (p *Parser) DynamicTable() *DynamicTable { return p.dynamic }

// InFlight returns the number of open streams.
func (p *Parser) InFlight() int { return p.streams.Len() }

// Remainder returns what is stashed for one direction of tup.
func (p *Parser) Remainder(tup conntuple.ConnTuple, flipped bool) (FrameRemainder, bool) {
	return p.remainders.Peek(remainderKey{tup, flipped})
}

// Stages implements protocols.Staged.
func (p *Parser) Stages() map[int]protocols.Stage {
	return map[int]protocols.Stage{
		protocols.ContHTTP2FrameFilter:         p.filterFrames,
		protocols.ContHTTP2HeadersParser:       p.parseHeaders,
		protocols.ContHTTP2DynamicTableCleaner: p.cleanDynamicTable,
		protocols.ContHTTP2EOSParser:           p.parseEOS,
	}
}

// Process implements protocols.Program. It completes or skips what the
// previous segment of this direction left behind, then hands the rest of
// the segment to the frame filter.
func (p *Parser) Process(args *protocols.Args) {
	sc := p.scratch.Get().(*scratch)
	sc.frames, sc.cursor, sc.fieldOff, sc.fieldEnd = sc.frames[:0], 0, 0, 0
	sc.headerCalls = 0
	args.Scratch = sc
	defer func() {
		args.Scratch = nil
		p.scratch.Put(sc)
	}()

	buf := &args.Buf
	if IsPreface(buf.Bytes()) {
		buf.Advance(PrefaceSize)
	}

	rk := remainderKey{args.Tuple, args.Flipped}
	if rem, ok := p.remainders.Get(rk); ok {
		p.remainders.Delete(rk)
		switch {
		case rem.HeaderLength > 0:
			need := FrameHeaderSize - int(rem.HeaderLength)
			if buf.Remaining() < need {
				n := copy(rem.Header[rem.HeaderLength:], buf.Bytes())
				rem.HeaderLength += uint8(n)
				buf.Advance(n)
				p.remainders.Put(rk, rem)
				return
			}
			var raw [FrameHeaderSize]byte
			copy(raw[:], rem.Header[:rem.HeaderLength])
			buf.ReadInto(raw[rem.HeaderLength:])
			buf.Advance(need)
			h, _ := ParseFrameHeader(raw[:])
			p.takeFrame(args, sc, h)
		case rem.PayloadRemainder > 0:
			if buf.Remaining() <= int(rem.PayloadRemainder) {
				rem.PayloadRemainder -= uint32(buf.Remaining())
				buf.Advance(buf.Remaining())
				if rem.PayloadRemainder > 0 {
					p.remainders.Put(rk, rem)
				}
				return
			}
			buf.Advance(int(rem.PayloadRemainder))
		}
	}

	if buf.Empty() && len(sc.frames) == 0 {
		return
	}
	if !args.Continuations.TailCall(protocols.ContHTTP2FrameFilter, args) {
		p.logger.Debug("frame filter unavailable", zap.Stringer("tuple", args.Tuple))
	}
}

// takeFrame consumes the payload of a frame whose header was just read.
// Interesting frames are retained. It returns false when the payload runs
// past the segment; the overflow is stashed for the next one.
func (p *Parser) takeFrame(args *protocols.Args, sc *scratch, h FrameHeader) bool {
	buf := &args.Buf
	off, avail, length := buf.Offset(), buf.Remaining(), int(h.Length)
	end := off + length
	if length > avail {
		end = off + avail
	}
	if h.interesting() {
		if len(sc.frames) < p.cfg.InterestingFrames {
			sc.frames = append(sc.frames, frameRef{header: h, off: off, end: end})
		} else {
			p.tel.ExceedingMaxInterestingFrames.Inc()
		}
	}
	if length > avail {
		p.remainders.Put(remainderKey{args.Tuple, args.Flipped}, FrameRemainder{PayloadRemainder: uint32(length - avail)})
		p.tel.FragmentedFramePayloads.Inc()
		buf.Advance(avail)
		return false
	}
	buf.Advance(length)
	return true
}

// filterFrames walks up to FramesPerCall frame headers and keeps the
// interesting ones. It re-enters itself while the segment has more frames.
func (p *Parser) filterFrames(args *protocols.Args) {
	sc := args.Scratch.(*scratch)
	buf := &args.Buf

	for i := 0; i < p.cfg.FramesPerCall && !buf.Empty(); i++ {
		if buf.Remaining() < FrameHeaderSize {
			rem := FrameRemainder{HeaderLength: uint8(buf.Remaining())}
			copy(rem.Header[:], buf.Bytes())
			p.remainders.Put(remainderKey{args.Tuple, args.Flipped}, rem)
			p.tel.FragmentedFrameHeaders.Inc()
			buf.Advance(buf.Remaining())
			break
		}
		raw, _ := buf.Load(FrameHeaderSize)
		h, _ := ParseFrameHeader(raw)
		buf.Advance(FrameHeaderSize)
		if !p.takeFrame(args, sc, h) {
			break
		}
	}

	if !buf.Empty() {
		if len(sc.frames) < p.cfg.InterestingFrames &&
			args.Continuations.TailCall(protocols.ContHTTP2FrameFilter, args) {
			return
		}
		p.tel.ExceedingMaxFramesToFilter.Inc()
	}
	if len(sc.frames) == 0 {
		return
	}
	next(args, protocols.ContHTTP2HeadersParser, p.parseHeaders)
}

// next tail-calls stage idx, or runs it inline when the chain is out of
// budget. Inline stages cannot chain further, so END_STREAM flags of the
// segment are still seen.
func next(args *protocols.Args, idx int, stage protocols.Stage) {
	if !args.Continuations.TailCall(idx, args) {
		stage(args)
	}
}

// parseHeaders decodes the retained HEADERS frames, at most HeadersPerCall
// fields per call.
func (p *Parser) parseHeaders(args *protocols.Args) {
	sc := args.Scratch.(*scratch)
	sc.headerCalls++
	quota := p.cfg.HeadersPerCall

	for sc.cursor < len(sc.frames) {
		f := sc.frames[sc.cursor]
		if f.header.Type == frameHeaders {
			done, used := p.parseHeadersFrame(args, sc, f, quota)
			quota -= used
			if !done {
				if sc.headerCalls < maxHeadersParserCalls &&
					args.Continuations.TailCall(protocols.ContHTTP2HeadersParser, args) {
					return
				}
				// The fields left in this segment are skipped.
				p.tel.ExceedingMaxHeaders.Inc()
				break
			}
		}
		sc.cursor++
		sc.fieldOff, sc.fieldEnd = 0, 0
	}

	next(args, protocols.ContHTTP2DynamicTableCleaner, p.cleanDynamicTable)
}

func (p *Parser) getStream(args *protocols.Args, id uint32) (StreamKey, *stream) {
	key := StreamKey{Tup: args.Tuple, StreamID: id}
	st, ok := p.streams.Get(key)
	if !ok {
		st = stream{}
		st.tx.Tup = args.Tuple
		st.tx.StreamID = id
	}
	st.tx.Tags |= uint64(args.Tags)
	return key, &st
}

// parseHeadersFrame decodes fields of f until the frame ends or quota is
// used up. done is false when fields remain.
func (p *Parser) parseHeadersFrame(args *protocols.Args, sc *scratch, f frameRef, quota int) (done bool, used int) {
	if quota <= 0 {
		return false, 0
	}
	w := args.Buf.Clone()
	start := sc.fieldOff
	if start == 0 {
		start = f.off
		w.Seek(start)
		w = w.Window(f.end - start)
		if f.header.Flags.Has(flagHeadersPadded) {
			pad, err := w.Uint8()
			if err != nil {
				return true, 0
			}
			w = w.Window(w.Remaining() - int(pad))
		}
		if f.header.Flags.Has(flagHeadersPriority) && !w.Advance(5) {
			return true, 0
		}
	} else {
		w.Seek(start)
		w = w.Window(sc.fieldEnd - start)
	}

	key, st := p.getStream(args, f.header.StreamID)
	side := sideOf(args.Flipped)
	for used < quota {
		if w.Empty() {
			done = true
			break
		}
		used++
		if !p.parseField(args, &w, st, side) {
			done = true
			break
		}
	}
	if w.Empty() {
		done = true
	}
	sc.fieldOff, sc.fieldEnd = w.Offset(), w.End()
	p.streams.Put(key, *st)
	return done, used
}

// parseField decodes one header field representation.
func (p *Parser) parseField(args *protocols.Args, w *buffer.Buffer, st *stream, side uint8) bool {
	first, err := w.Uint8()
	if err != nil {
		return false
	}
	switch {
	case first&0x80 != 0:
		idx, ok := readInt(w, first, 7)
		if !ok || idx == 0 {
			return false
		}
		if idx <= MaxStaticTableIndex {
			p.applyStatic(args, st, side, idx)
			return true
		}
		if e, ok := p.dynamic.Lookup(args.Tuple, args.Flipped, idx); ok {
			p.apply(args, st, side, kindOf(uint64(e.OriginalIndex)), e.value(), e.IsHuffman, false)
		}
		return true
	case first&0xc0 == 0x40:
		return p.parseLiteral(args, w, st, side, first, 6, true)
	case first&0xe0 == 0x20:
		_, ok := readInt(w, first, 5)
		return ok
	default:
		return p.parseLiteral(args, w, st, side, first, 4, false)
	}
}

func (p *Parser) parseLiteral(args *protocols.Args, w *buffer.Buffer, st *stream, side uint8, first byte, prefix uint, indexed bool) bool {
	nameIdx, ok := readInt(w, first, prefix)
	if !ok {
		return false
	}
	var kind headerKind
	var orig uint8
	switch {
	case nameIdx == 0:
		name, ok := readString(w)
		if !ok || name.truncated() {
			return false
		}
		text, ok := decodeString(name.bytes(w), name.huffman)
		if !ok {
			return false
		}
		kind = kindOfName(text)
		orig = canonicalIndex(kind)
	case nameIdx <= MaxStaticTableIndex:
		kind, orig = kindOf(nameIdx), uint8(nameIdx)
	default:
		if e, ok := p.dynamic.Lookup(args.Tuple, args.Flipped, nameIdx); ok {
			kind, orig = kindOf(uint64(e.OriginalIndex)), e.OriginalIndex
		}
	}

	value, ok := readString(w)
	if !ok {
		return false
	}
	raw := value.bytes(w)
	if value.truncated() {
		p.tel.LiteralValueExceedsFrame.Inc()
	}
	if indexed {
		p.dynamic.Insert(args.Tuple, args.Flipped, kind, orig, raw, value.huffman)
	}
	p.apply(args, st, side, kind, raw, value.huffman, value.truncated())
	return true
}

// canonicalIndex is the static slot stored for a literal name.
func canonicalIndex(k headerKind) uint8 {
	switch k {
	case headerMethod:
		return staticMethodGet
	case headerPath:
		return staticPathRoot
	case headerStatus:
		return staticStatus200
	case headerContentType:
		return staticContentType
	}
	return 0
}

var staticValues = map[uint64]string{
	staticMethodGet:  "GET",
	staticMethodPost: "POST",
	staticPathRoot:   "/",
	staticPathIndex:  "/index.html",
}

func (p *Parser) applyStatic(args *protocols.Args, st *stream, side uint8, idx uint64) {
	if code, ok := staticStatus[idx]; ok {
		p.markResponse(args, st, side)
		st.tx.ResponseStatusCode = code
		return
	}
	if v, ok := staticValues[idx]; ok {
		p.apply(args, st, side, kindOf(idx), []byte(v), false, false)
	}
}

func (p *Parser) apply(args *protocols.Args, st *stream, side uint8, kind headerKind, raw []byte, huffman, truncated bool) {
	switch kind {
	case headerMethod:
		p.markRequest(args, st, side)
		st.tx.RequestMethod = uint8(parseMethod(raw, huffman))
	case headerPath:
		p.markRequest(args, st, side)
		n := copy(st.tx.RequestPath[:], raw)
		st.tx.PathSize = uint8(n)
		st.tx.PathHuffman = huffman
		st.tx.PathTruncated = truncated || len(raw) > BufferSize
		p.tel.countPathSize(len(raw))
	case headerStatus:
		p.markResponse(args, st, side)
		st.tx.ResponseStatusCode = parseStatus(raw, huffman)
	case headerContentType:
		if st.tx.Tags&uint64(protocols.TagGRPC) == 0 && isGRPCContentType(raw, huffman) {
			st.tx.Tags |= uint64(protocols.TagGRPC)
			if args.Stack != nil {
				args.Stack.SetProtocol(args.Tuple, protocols.GRPC)
			}
		}
	}
}

func (p *Parser) markRequest(args *protocols.Args, st *stream, side uint8) {
	if st.requestSide == sideUnknown {
		st.requestSide = side
	}
	if st.tx.RequestStarted == 0 {
		st.tx.RequestStarted = args.Now
		p.tel.RequestSeen.Add(1, args.Tags.IsTLS())
	}
}

func (p *Parser) markResponse(args *protocols.Args, st *stream, side uint8) {
	if st.requestSide == sideUnknown {
		if side == sideSource {
			st.requestSide = sideDest
		} else {
			st.requestSide = sideSource
		}
	}
	if st.tx.ResponseStatusCode == 0 {
		p.tel.ResponseSeen.Add(1, args.Tags.IsTLS())
	}
	st.tx.ResponseLastSeen = args.Now
}

// cleanDynamicTable trims the current direction's table once its counter
// has moved past the threshold, then hands over to the EOS stage.
func (p *Parser) cleanDynamicTable(args *protocols.Args) {
	if p.dynamic.NeedsCleanup(args.Tuple, args.Flipped) &&
		!p.dynamic.Clean(args.Tuple, args.Flipped, p.cfg.CleanupIterations, p.cfg.CleanupBatch) &&
		args.Continuations.TailCall(protocols.ContHTTP2DynamicTableCleaner, args) {
		return
	}
	next(args, protocols.ContHTTP2EOSParser, p.parseEOS)
}

// parseEOS closes streams whose side ended with END_STREAM or RST_STREAM.
func (p *Parser) parseEOS(args *protocols.Args) {
	sc := args.Scratch.(*scratch)
	side := sideOf(args.Flipped)

	for _, f := range sc.frames {
		key := StreamKey{Tup: args.Tuple, StreamID: f.header.StreamID}
		if f.header.Type == frameRSTStream {
			st, ok := p.streams.Peek(key)
			if !ok {
				continue
			}
			p.tel.EndOfStreamRST.Inc()
			p.streams.Delete(key)
			if st.tx.ResponseStatusCode == 0 {
				p.tel.DroppedRST.Inc()
				continue
			}
			p.emit(args, st.tx)
			continue
		}
		if !f.header.EndStream() {
			continue
		}
		st, ok := p.streams.Get(key)
		if !ok {
			continue
		}
		p.tel.EndOfStream.Inc()
		if side == st.requestSideOrDefault() {
			st.requestEOS = true
		} else {
			st.responseEOS = true
			st.tx.ResponseLastSeen = args.Now
		}
		if st.requestEOS && st.responseEOS {
			p.streams.Delete(key)
			p.emit(args, st.tx)
			continue
		}
		p.streams.Put(key, st)
	}
}

func (p *Parser) emit(args *protocols.Args, tx EbpfTx) {
	if !p.out.Enqueue(args.CPU, tx) {
		p.logger.Debug("batch full, stream lost", zap.Stringer("tuple", tx.Tup), zap.Uint32("stream", tx.StreamID))
		return
	}
	p.tel.Emitted.Inc()
}

// Terminate implements protocols.Program. The tuple goes to the terminated
// family and everything the connection held is freed.
func (p *Parser) Terminate(args *protocols.Args) {
	p.tel.TerminatedConns.Inc()
	if p.terminated != nil {
		p.terminated.Enqueue(args.CPU, TerminatedConn{Tup: args.Tuple})
	}
	p.dynamic.Forget(args.Tuple)
	p.remainders.Delete(remainderKey{args.Tuple, false})
	p.remainders.Delete(remainderKey{args.Tuple, true})
	for _, k := range p.streams.Keys() {
		if k.Tup == args.Tuple {
			p.streams.Delete(k)
		}
	}
}
