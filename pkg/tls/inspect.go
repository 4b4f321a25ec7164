// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tls

import (
	"debug/buildinfo"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Functions probed in Go binaries.
const (
	ReadFunc  = "crypto/tls.(*Conn).Read"
	WriteFunc = "crypto/tls.(*Conn).Write"
	CloseFunc = "crypto/tls.(*Conn).Close"
)

var (
	ErrNotGo           = errors.New("not a Go binary")
	ErrNoGoTLS         = errors.New("binary does not link crypto/tls")
	ErrStripped        = errors.New("binary carries no symbol table")
	ErrNoDWARF         = errors.New("binary carries no DWARF")
	ErrUnsupportedArch = errors.New("unsupported architecture")
	ErrMissingField    = errors.New("struct field not found")
)

// Offsets locates what the Go probes read. The layout is fixed so the loader
// can store it in a map as is.
type Offsets struct {
	GoroutineID uint64 // runtime.g.goid
	TLSConnConn uint64 // crypto/tls.Conn.conn
	NetConnFD   uint64 // net.conn.fd
	NetFDPFD    uint64 // net.netFD.pfd
	PollFDSysfd uint64 // internal/poll.FD.Sysfd
	RegisterABI uint8
	_           [7]byte
}

// Binary is the result of inspecting one Go executable.
type Binary struct {
	Path      string
	GoVersion string
	Arch      string
	// Symbols holds the entry address of the probed functions.
	Symbols map[string]uint64
	// Returns holds, per function that needs a return probe, the offsets of
	// its return instructions from the entry. Go stacks move, so return
	// probes go on these instructions instead of the return address.
	Returns map[string][]uint64
	Offsets Offsets
}

type fieldRef struct {
	Struct, Member string
	dst            func(o *Offsets) *uint64
}

var goTLSFields = []fieldRef{
	{"runtime.g", "goid", func(o *Offsets) *uint64 { return &o.GoroutineID }},
	{"crypto/tls.Conn", "conn", func(o *Offsets) *uint64 { return &o.TLSConnConn }},
	{"net.conn", "fd", func(o *Offsets) *uint64 { return &o.NetConnFD }},
	{"net.netFD", "pfd", func(o *Offsets) *uint64 { return &o.NetFDPFD }},
	{"internal/poll.FD", "Sysfd", func(o *Offsets) *uint64 { return &o.PollFDSysfd }},
}

// InspectBinary reads the Go version, the probed symbols and the struct
// offsets of the executable at path.
func InspectBinary(path string) (*Binary, error) {
	bi, err := buildinfo.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrNotGo, err)
	}
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", path, err)
	}
	defer f.Close()

	b := &Binary{Path: path, GoVersion: bi.GoVersion}
	switch f.Machine {
	case elf.EM_X86_64:
		b.Arch = "amd64"
	case elf.EM_AARCH64:
		b.Arch = "arm64"
	default:
		return nil, fmt.Errorf("%s: %w: %s", path, ErrUnsupportedArch, f.Machine)
	}

	syms, err := goTLSSymbols(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	b.Symbols = make(map[string]uint64, len(syms))
	for name, s := range syms {
		b.Symbols[name] = s.Value
	}
	b.Returns = make(map[string][]uint64, 2)
	for _, name := range []string{ReadFunc, WriteFunc} {
		offs, err := ReturnOffsets(f, syms[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		b.Returns[name] = offs
	}

	d, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrNoDWARF, err)
	}
	members, err := structMembers(d, goTLSFields)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, ref := range goTLSFields {
		off, ok := members[ref.Struct+"."+ref.Member]
		if !ok {
			return nil, fmt.Errorf("%s: %w: %s.%s", path, ErrMissingField, ref.Struct, ref.Member)
		}
		*ref.dst(&b.Offsets) = off
	}
	if registerABI(bi.GoVersion) {
		b.Offsets.RegisterABI = 1
	}
	return b, nil
}

func goTLSSymbols(f *elf.File) (map[string]elf.Symbol, error) {
	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		return nil, ErrStripped
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoGoTLS, err)
	}
	out := make(map[string]elf.Symbol, 3)
	for _, s := range syms {
		switch s.Name {
		case ReadFunc, WriteFunc, CloseFunc:
			out[s.Name] = s
		}
	}
	if len(out) != 3 {
		return nil, ErrNoGoTLS
	}
	return out, nil
}

// LinksGoTLS reports whether path is a Go executable with crypto/tls.
func LinksGoTLS(path string) bool { return CheckGoTLS(path) == nil }

// CheckGoTLS returns nil when path is a Go executable with crypto/tls. A Go
// executable stripped of its symbol table yields ErrStripped.
func CheckGoTLS(path string) error {
	if _, err := buildinfo.ReadFile(path); err != nil {
		return fmt.Errorf("%w: %v", ErrNotGo, err)
	}
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = goTLSSymbols(f)
	return err
}

// structMembers walks the DWARF types once and returns the offset of every
// wanted member, keyed "struct.member".
func structMembers(d *dwarf.Data, refs []fieldRef) (map[string]uint64, error) {
	wanted := make(map[string]map[string]bool)
	for _, r := range refs {
		if wanted[r.Struct] == nil {
			wanted[r.Struct] = make(map[string]bool)
		}
		wanted[r.Struct][r.Member] = true
	}

	out := make(map[string]uint64, len(refs))
	r := d.Reader()
	for len(wanted) > 0 {
		e, err := r.Next()
		if err != nil {
			return nil, fmt.Errorf("read dwarf: %w", err)
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case dwarf.TagSubprogram:
			r.SkipChildren()
			continue
		case dwarf.TagStructType:
		default:
			continue
		}
		name, _ := e.Val(dwarf.AttrName).(string)
		members, ok := wanted[name]
		if !ok || !e.Children {
			if e.Children {
				r.SkipChildren()
			}
			continue
		}
		for {
			c, err := r.Next()
			if err != nil {
				return nil, fmt.Errorf("read dwarf: %w", err)
			}
			if c == nil || c.Tag == 0 {
				break
			}
			if c.Tag == dwarf.TagMember {
				mname, _ := c.Val(dwarf.AttrName).(string)
				if members[mname] {
					if loc, ok := c.Val(dwarf.AttrDataMemberLoc).(int64); ok && loc >= 0 {
						out[name+"."+mname] = uint64(loc)
					}
				}
			}
			if c.Children {
				r.SkipChildren()
			}
		}
		delete(wanted, name)
	}
	return out, nil
}

// registerABI reports whether version passes arguments in registers, which
// is the case from go1.17 on amd64 and go1.18 on arm64. go1.18 is used as
// the common floor.
func registerABI(version string) bool {
	v := strings.TrimPrefix(version, "go")
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return false
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false
	}
	minor, err := strconv.Atoi(leadingDigits(parts[1]))
	if err != nil {
		return false
	}
	return major > 1 || (major == 1 && minor >= 18)
}

func leadingDigits(s string) string {
	for i, r := range s {
		if r < '0' || r > '9' {
			return s[:i]
		}
	}
	return s
}
