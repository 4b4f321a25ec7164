// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocols

import "strings"

// StackFlags annotate a stack entry.
type StackFlags uint8

const (
	// FlagUSMShared marks stacks shared with the USM subsystem. Termination
	// handlers propagate deletes to every parser for such entries.
	FlagUSMShared StackFlags = 1 << 0
)

// Stack is what is known about a connection, one protocol per layer. A zero
// layer means "not classified yet".
type Stack struct {
	Transport   ProtocolType
	Encryption  ProtocolType
	Application ProtocolType
	API         ProtocolType
	Flags       StackFlags
}

// Get returns the protocol on layer l.
func (s *Stack) Get(l Layer) ProtocolType {
	switch l {
	case LayerTransport:
		return s.Transport
	case LayerEncryption:
		return s.Encryption
	case LayerApplication:
		return s.Application
	case LayerAPI:
		return s.API
	default:
		return Unknown
	}
}

// Set stores p on its own layer. Unknown and unlayered values are ignored.
func (s *Stack) Set(p ProtocolType) {
	switch p.Layer() {
	case LayerTransport:
		s.Transport = p
	case LayerEncryption:
		s.Encryption = p
	case LayerApplication:
		s.Application = p
	case LayerAPI:
		s.API = p
	}
}

// Merge fills the layers of s that other knows and s does not.
func (s *Stack) Merge(other Stack) {
	if s.Transport == Unknown {
		s.Transport = other.Transport
	}
	if s.Encryption == Unknown {
		s.Encryption = other.Encryption
	}
	if s.Application == Unknown {
		s.Application = other.Application
	}
	if s.API == Unknown {
		s.API = other.API
	}
	s.Flags |= other.Flags
}

// IsEncrypted reports whether the payload is TLS ciphertext.
func (s *Stack) IsEncrypted() bool { return s.Encryption == TLS }

// IsFullyClassified reports whether no further classification can add
// information. An encrypted stream is final for the packet path; a plaintext
// stream is final once the application is known and, for HTTP/2, the API
// layer is known too.
func (s *Stack) IsFullyClassified() bool {
	if s.Encryption == TLS && s.Application == Unknown {
		return true
	}
	if s.Application == Unknown {
		return false
	}
	if s.Application == HTTP2 {
		return s.API != Unknown
	}
	return true
}

func (s *Stack) String() string {
	var parts []string
	for _, p := range []ProtocolType{s.Transport, s.Encryption, s.Application, s.API} {
		if p != Unknown {
			parts = append(parts, p.String())
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "/")
}
