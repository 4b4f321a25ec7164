// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tls

import (
	"debug/elf"
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// ErrNoReturn is returned for a function without return instructions.
var ErrNoReturn = errors.New("no return instruction")

// ReturnOffsets disassembles sym and returns the offsets of its return
// instructions relative to the entry.
func ReturnOffsets(f *elf.File, sym elf.Symbol) ([]uint64, error) {
	body, err := functionBody(f, sym)
	if err != nil {
		return nil, err
	}
	offs, err := returnOffsets(body, f.Machine)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", sym.Name, err)
	}
	return offs, nil
}

func functionBody(f *elf.File, sym elf.Symbol) ([]byte, error) {
	if sym.Size == 0 {
		return nil, fmt.Errorf("%s: symbol has no size", sym.Name)
	}
	for _, s := range f.Sections {
		if s.Flags&elf.SHF_EXECINSTR == 0 || s.Type != elf.SHT_PROGBITS {
			continue
		}
		if sym.Value < s.Addr || sym.Value+sym.Size > s.Addr+s.Size {
			continue
		}
		body := make([]byte, sym.Size)
		if _, err := s.ReadAt(body, int64(sym.Value-s.Addr)); err != nil {
			return nil, fmt.Errorf("%s: read body: %w", sym.Name, err)
		}
		return body, nil
	}
	return nil, fmt.Errorf("%s: no text section holds %#x", sym.Name, sym.Value)
}

func returnOffsets(body []byte, machine elf.Machine) ([]uint64, error) {
	var offs []uint64
	switch machine {
	case elf.EM_X86_64:
		for off := 0; off < len(body); {
			inst, err := x86asm.Decode(body[off:], 64)
			if err != nil {
				return nil, fmt.Errorf("decode at %#x: %w", off, err)
			}
			if inst.Op == x86asm.RET {
				offs = append(offs, uint64(off))
			}
			off += inst.Len
		}
	case elf.EM_AARCH64:
		// Fixed width; words that do not decode are data.
		for off := 0; off+4 <= len(body); off += 4 {
			inst, err := arm64asm.Decode(body[off : off+4])
			if err != nil {
				continue
			}
			if inst.Op == arm64asm.RET {
				offs = append(offs, uint64(off))
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArch, machine)
	}
	if len(offs) == 0 {
		return nil, ErrNoReturn
	}
	return offs, nil
}
