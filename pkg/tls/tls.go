// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package tls turns TLS library calls into plaintext segments. The native
// side pairs OpenSSL and GnuTLS read/write entries with their returns, the Go
// side pairs crypto/tls calls per goroutine. Either way the plaintext is
// handed back to the dispatcher with the sender as tuple source.
package tls

import (
	"github.com/mbeema/usm/pkg/buffer"
	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
)

// Sink receives decrypted segments. The dispatcher implements it.
type Sink interface {
	ProcessPlaintext(args *protocols.Args)
}

// SocketResolver maps a file descriptor of a process to its connection,
// local endpoint as source.
type SocketResolver interface {
	Lookup(pid uint32, fd int32) (conntuple.ConnTuple, bool)
}

// Call carries the timing of one hook invocation.
type Call struct {
	Now uint64
	CPU int
}

// Telemetry counts TLS hook outcomes of one library.
type Telemetry struct {
	Reads          *telemetry.Counter
	Writes         *telemetry.Counter
	Bytes          *telemetry.Counter
	Shutdowns      *telemetry.Counter
	NoEnter        *telemetry.Counter
	SendmsgMapped  *telemetry.Counter
	UnknownBinary  *telemetry.Counter
	NonPositiveRet *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry, library string) *Telemetry {
	mg := reg.NewMetricGroup("usm.tls")
	lib := "library:" + library
	return &Telemetry{
		Reads:          mg.NewCounter("calls", lib, "op:read"),
		Writes:         mg.NewCounter("calls", lib, "op:write"),
		Bytes:          mg.NewCounter("plaintext_bytes", lib),
		Shutdowns:      mg.NewCounter("shutdowns", lib),
		NoEnter:        mg.NewCounter("return_without_enter", lib),
		SendmsgMapped:  mg.NewCounter("ctx_mapped_by_sendmsg", lib),
		UnknownBinary:  mg.NewCounter("unknown_binary", lib),
		NonPositiveRet: mg.NewCounter("non_positive_return", lib),
	}
}

// libraryName names a library tag for telemetry.
func libraryName(tag protocols.ConnTag) string {
	switch {
	case tag&protocols.TagOpenSSL != 0:
		return "openssl"
	case tag&protocols.TagGnuTLS != 0:
		return "gnutls"
	case tag&protocols.TagGo != 0:
		return "go"
	default:
		return "tls"
	}
}

// deliverer normalizes the tuple the way the packet path does and re-enters
// the sink.
type deliverer struct {
	sink  Sink
	ports conntuple.EphemeralRange
	tag   protocols.ConnTag
	usm   *telemetry.USM
}

// deliver hands data sent by tup's source to the sink.
func (d *deliverer) deliver(tup conntuple.ConnTuple, data []byte, c Call) {
	sport := tup.Sport
	flipped := tup.Normalize(d.ports)
	d.sink.ProcessPlaintext(&protocols.Args{
		Tuple:         tup,
		Flipped:       flipped,
		Buf:           buffer.New(buffer.KindTLS, data, 0),
		Tags:          d.tag | protocols.TagTLS,
		Now:           c.Now,
		CPU:           c.CPU,
		OriginalSport: sport,
	})
}

// terminate signals the end of the TLS session on tup.
func (d *deliverer) terminate(tup conntuple.ConnTuple, c Call) {
	sport := tup.Sport
	flipped := tup.Normalize(d.ports)
	d.sink.ProcessPlaintext(&protocols.Args{
		Tuple:         tup,
		Flipped:       flipped,
		Skb:           conntuple.SkbInfo{TCPFlags: conntuple.FlagFIN},
		Buf:           buffer.New(buffer.KindTLS, nil, 0),
		Tags:          d.tag | protocols.TagTLS,
		Now:           c.Now,
		CPU:           c.CPU,
		OriginalSport: sport,
	})
}

// returned trims a captured buffer to the byte count the call returned.
func returned(data []byte, ret int) []byte {
	if ret < len(data) {
		return data[:ret]
	}
	return data
}
