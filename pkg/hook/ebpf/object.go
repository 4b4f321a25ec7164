// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ebpf

import (
	"debug/elf"
	"errors"
	"fmt"
	"strings"

	"github.com/mbeema/usm/pkg/events"
	"github.com/mbeema/usm/pkg/hook"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/tls"
)

// Map and section names shared with the object file.
const (
	metadataSection = "dd_metadata"
	EventsMap       = "usm_events"
	ProgramsMap     = "enabled_programs"
	TailCallsMap    = "protocols_progs"
	wakeupConstant  = "ringbuffer_wakeup_size"
)

// ErrArchMismatch is returned when the object was built for another
// architecture than the running binary.
var ErrArchMismatch = errors.New("object file architecture mismatch")

// recordSize is the largest record the programs write.
const recordSize = hook.HeaderSize + hook.MaxPayload

var kernelArch = map[string]string{
	"amd64": "x86_64",
	"arm64": "arm64",
}

// metadataArch extracts the "arch:" tag from the metadata section contents,
// which look like "<arch:x86_64>".
func metadataArch(meta []byte) string {
	for _, field := range strings.FieldsFunc(string(meta), func(r rune) bool {
		return r == '<' || r == '>' || r == 0
	}) {
		if v, ok := strings.CutPrefix(field, "arch:"); ok {
			return v
		}
	}
	return ""
}

// checkArch compares the metadata of an object against goarch. Objects
// without an arch tag pass.
func checkArch(meta []byte, goarch string) error {
	tag := metadataArch(meta)
	if tag == "" {
		return nil
	}
	if want := kernelArch[goarch]; tag != want {
		return fmt.Errorf("%w: object is %s, running %s", ErrArchMismatch, tag, goarch)
	}
	return nil
}

// readMetadata returns the metadata section of the object at path, or nil
// when it has none.
func readMetadata(path string) ([]byte, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", path, err)
	}
	defer f.Close()
	sec := f.Section(metadataSection)
	if sec == nil {
		return nil, nil
	}
	return sec.Data()
}

// loadConstants converts consts for constant rewriting. The wakeup size is
// configured as a record count and the kernel wants bytes.
func loadConstants(consts map[string]uint64) map[string]interface{} {
	out := make(map[string]interface{}, len(consts))
	for k, v := range consts {
		if k == wakeupConstant {
			v = uint64(events.RingWakeupSize(int(v), recordSize))
		}
		out[k] = v
	}
	return out
}

type probeKind uint8

const (
	kindUnknown probeKind = iota
	kindKprobe
	kindKretprobe
	kindTracepoint
	kindSocket
	kindUprobe
	kindUretprobe
	kindTailCall
)

func (k probeKind) String() string {
	switch k {
	case kindKprobe:
		return "kprobe"
	case kindKretprobe:
		return "kretprobe"
	case kindTracepoint:
		return "tracepoint"
	case kindSocket:
		return "socket"
	case kindUprobe:
		return "uprobe"
	case kindUretprobe:
		return "uretprobe"
	case kindTailCall:
		return "tailcall"
	default:
		return "unknown"
	}
}

// probe is the attach point a program section names.
type probe struct {
	kind   probeKind
	group  string // tracepoint group
	target string // function, tracepoint or symbol
	// returns places a uprobe on every return instruction of target.
	returns bool
	slot    protocols.ProgramType // tail call slot
}

// parseSection maps an ELF section name to its attach point:
//
//	kprobe/tcp_sendmsg
//	kretprobe/tcp_sendmsg
//	tracepoint/net/netif_receive_skb
//	socket/protocol_dispatcher
//	uprobe/SSL_read
//	uretprobe/SSL_read
//	uprobe/crypto/tls.(*Conn).Read/return
//	tailcall/kafka
func parseSection(sec string) probe {
	prefix, rest, _ := strings.Cut(sec, "/")
	switch prefix {
	case "kprobe":
		return probe{kind: kindKprobe, target: rest}
	case "kretprobe":
		return probe{kind: kindKretprobe, target: rest}
	case "tracepoint":
		group, name, ok := strings.Cut(rest, "/")
		if !ok {
			return probe{}
		}
		return probe{kind: kindTracepoint, group: group, target: name}
	case "socket":
		return probe{kind: kindSocket, target: rest}
	case "uprobe":
		target, returns := strings.CutSuffix(rest, "/return")
		return probe{kind: kindUprobe, target: target, returns: returns}
	case "uretprobe":
		return probe{kind: kindUretprobe, target: rest}
	case "tailcall":
		slot, ok := protocols.ProgramFor(protocols.ParseProtocol(rest))
		if !ok {
			return probe{}
		}
		return probe{kind: kindTailCall, target: rest, slot: slot}
	}
	return probe{}
}

// symbolLibrary names the TLS library exporting symbol.
func symbolLibrary(symbol string) protocols.ConnTag {
	switch {
	case strings.HasPrefix(symbol, "SSL_"), strings.HasPrefix(symbol, "BIO_"):
		return protocols.TagOpenSSL
	case strings.HasPrefix(symbol, "gnutls_"):
		return protocols.TagGnuTLS
	case strings.HasPrefix(symbol, "crypto/tls."):
		return protocols.TagGo
	}
	return 0
}

// GoRegistrar receives the Go processes found to link crypto/tls.
type GoRegistrar interface {
	Register(pid uint32, b *tls.Binary)
	Forget(pid uint32)
}
