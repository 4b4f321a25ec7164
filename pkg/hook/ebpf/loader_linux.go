// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package ebpf

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"sort"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
	"github.com/mbeema/usm/pkg/tls"
)

type program struct {
	name string
	probe
	prog *ebpf.Program
}

// loader manages the collection lifecycle: loading programs and maps,
// attaching them and closing everything on shutdown.
type loader struct {
	coll     *ebpf.Collection
	programs []program
	links    []link.Link
	sockets  []*os.File

	mapErrors *telemetry.MapErrors
	logger    *zap.Logger
}

type loaderOptions struct {
	Path      string
	Constants map[string]uint64
	// RingSize sizes the events ring buffer. When the ring buffer is
	// disabled the events map becomes a perf event array.
	RingSize int
}

// newLoader loads the object with its constants rewritten. Nothing is
// attached yet.
func newLoader(opts loaderOptions, mapErrors *telemetry.MapErrors, logger *zap.Logger) (*loader, error) {
	path := opts.Path
	meta, err := readMetadata(path)
	if err != nil {
		return nil, err
	}
	if err := checkArch(meta, runtime.GOARCH); err != nil {
		return nil, err
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("load collection spec: %w", err)
	}
	if ms, ok := spec.Maps[EventsMap]; ok && ms.Type == ebpf.RingBuf {
		if opts.Constants["ringbuffer_enabled"] == 0 {
			ms.Type = ebpf.PerfEventArray
			ms.KeySize, ms.ValueSize, ms.MaxEntries = 4, 4, 0
		} else if opts.RingSize > 0 {
			ms.MaxEntries = uint32(opts.RingSize)
		}
	}
	if err := spec.RewriteConstants(loadConstants(opts.Constants)); err != nil {
		var missing *ebpf.MissingConstantsError
		if !errors.As(err, &missing) {
			return nil, fmt.Errorf("rewrite constants: %w", err)
		}
		logger.Debug("object does not declare some constants", zap.Strings("constants", missing.Constants))
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("load collection: %w", err)
	}

	l := &loader{coll: coll, mapErrors: mapErrors, logger: logger}
	names := make([]string, 0, len(coll.Programs))
	for name := range coll.Programs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		p := parseSection(spec.Programs[name].SectionName)
		if p.kind == kindUnknown {
			logger.Debug("program has no attach point", zap.String("program", name))
			continue
		}
		l.programs = append(l.programs, program{name: name, probe: p, prog: coll.Programs[name]})
	}
	return l, nil
}

// attachKernel attaches the kernel probes, registers the tail calls and
// opens a packet socket per socket filter. A probe that fails to attach is
// logged; the kernel may lack the function.
func (l *loader) attachKernel(iface string) error {
	attached := 0
	for _, p := range l.programs {
		var (
			lnk link.Link
			err error
		)
		switch p.kind {
		case kindKprobe:
			lnk, err = link.Kprobe(p.target, p.prog, nil)
		case kindKretprobe:
			lnk, err = link.Kretprobe(p.target, p.prog, nil)
		case kindTracepoint:
			lnk, err = link.Tracepoint(p.group, p.target, p.prog, nil)
		case kindSocket:
			err = l.attachSocket(p.prog, iface)
		case kindTailCall:
			err = l.registerTailCall(p)
		default:
			continue
		}
		if err != nil {
			l.logger.Warn("attach failed",
				zap.String("program", p.name),
				zap.Stringer("kind", p.kind),
				zap.String("target", p.target),
				zap.Error(err))
			continue
		}
		if lnk != nil {
			l.links = append(l.links, lnk)
		}
		attached++
		l.logger.Debug("attached", zap.String("program", p.name), zap.Stringer("kind", p.kind))
	}
	if attached == 0 {
		return errors.New("no kernel program attached")
	}
	return nil
}

func (l *loader) registerTailCall(p program) error {
	m, ok := l.coll.Maps[TailCallsMap]
	if !ok {
		return fmt.Errorf("map %s missing", TailCallsMap)
	}
	if err := m.Put(uint32(p.slot), p.prog); err != nil {
		l.mapErrors.Record(TailCallsMap, err)
		return err
	}
	return nil
}

// attachSocket opens a raw packet socket, bound to iface when set, and
// attaches prog as its filter.
func (l *loader) attachSocket(prog *ebpf.Program, iface string) error {
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return fmt.Errorf("packet socket: %w", err)
	}
	sock := os.NewFile(uintptr(fd), "packet")
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			sock.Close()
			return err
		}
		if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifi.Index}); err != nil {
			sock.Close()
			return fmt.Errorf("bind %s: %w", iface, err)
		}
	}
	if err := link.AttachSocketFilter(sock, prog); err != nil {
		sock.Close()
		return err
	}
	l.sockets = append(l.sockets, sock)
	return nil
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// attachLibrary attaches the uprobes of the library tagged tag to the
// shared object at path, for every process.
func (l *loader) attachLibrary(tag protocols.ConnTag, path string) (int, error) {
	ex, err := link.OpenExecutable(path)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range l.programs {
		if symbolLibrary(p.target) != tag {
			continue
		}
		var lnk link.Link
		switch p.kind {
		case kindUprobe:
			lnk, err = ex.Uprobe(p.target, p.prog, nil)
		case kindUretprobe:
			lnk, err = ex.Uretprobe(p.target, p.prog, nil)
		default:
			continue
		}
		if err != nil {
			// Not every version exports every symbol.
			l.logger.Debug("uprobe not attached", zap.String("lib", path), zap.String("symbol", p.target), zap.Error(err))
			continue
		}
		l.links = append(l.links, lnk)
		n++
	}
	return n, nil
}

// attachGo attaches the Go TLS probes to one process and publishes the
// struct offsets its probes read. It returns the links so they can be
// closed when the process exits.
func (l *loader) attachGo(pid uint32, b *tls.Binary) ([]link.Link, error) {
	if m, ok := l.coll.Maps[tls.GoOffsetsMap]; ok {
		if err := m.Put(pid, b.Offsets); err != nil {
			l.mapErrors.Record(tls.GoOffsetsMap, err)
			return nil, fmt.Errorf("store offsets: %w", err)
		}
	}
	ex, err := link.OpenExecutable(b.Path)
	if err != nil {
		return nil, err
	}
	var links []link.Link
	for _, p := range l.programs {
		if p.kind != kindUprobe || symbolLibrary(p.target) != protocols.TagGo {
			continue
		}
		offsets := []uint64{0}
		if p.returns {
			offsets = b.Returns[p.target]
		}
		for _, off := range offsets {
			lnk, err := ex.Uprobe(p.target, p.prog, &link.UprobeOptions{PID: int(pid), Offset: off})
			if err != nil {
				closeLinks(links)
				return nil, fmt.Errorf("uprobe %s+%#x: %w", p.target, off, err)
			}
			links = append(links, lnk)
		}
	}
	return links, nil
}

// setPrograms publishes the enabled program mask.
func (l *loader) setPrograms(mask uint64) error {
	m, ok := l.coll.Maps[ProgramsMap]
	if !ok {
		return nil
	}
	if err := m.Put(uint32(0), mask); err != nil {
		l.mapErrors.Record(ProgramsMap, err)
		return fmt.Errorf("update %s: %w", ProgramsMap, err)
	}
	return nil
}

func (l *loader) eventsMap() (*ebpf.Map, error) {
	m, ok := l.coll.Maps[EventsMap]
	if !ok {
		return nil, fmt.Errorf("map %s missing", EventsMap)
	}
	return m, nil
}

func closeLinks(links []link.Link) {
	for _, lnk := range links {
		lnk.Close()
	}
}

func (l *loader) close() {
	closeLinks(l.links)
	l.links = nil
	for _, s := range l.sockets {
		s.Close()
	}
	l.sockets = nil
	if l.coll != nil {
		l.coll.Close()
	}
}

// forgetGo drops the offsets stored for pid.
func (l *loader) forgetGo(pid uint32) {
	if m, ok := l.coll.Maps[tls.GoOffsetsMap]; ok {
		if err := m.Delete(pid); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			l.mapErrors.Record(tls.GoOffsetsMap, err)
		}
	}
}
