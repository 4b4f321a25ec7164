// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"crypto/rand"
	"encoding/hex"
	"net/netip"
	"time"
)

// SpanKind identifies the side of the exchange a span describes. The
// values follow the OTLP enumeration minus one.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

var kindNames = [...]string{"INTERNAL", "SERVER", "CLIENT", "PRODUCER", "CONSUMER"}

func (k SpanKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[SpanKindInternal]
	}
	return kindNames[k]
}

// StatusCode is the outcome of a transaction.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// Span is one finished transaction.
type Span struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
	Name         string
	Kind         SpanKind
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Status       StatusCode
	StatusMsg    string

	ServiceName string
	PID         uint32
	Netns       uint32

	// Client and Server are the normalized ends of the connection; they
	// are the same for both halves of a stitched exchange.
	Client netip.AddrPort
	Server netip.AddrPort

	// RemoteAddr and RemotePort name the peer of the observed side.
	RemoteAddr string
	RemotePort uint16
	TLS        bool
	Protocol   string

	// Attributes use OTel semantic convention keys.
	Attributes map[string]string
}

// NewSpan returns a span with fresh ids covering [start, end]. An end
// before start collapses the span to its start.
func NewSpan(name string, kind SpanKind, start, end time.Time) *Span {
	if end.Before(start) {
		end = start
	}
	return &Span{
		TraceID:    GenerateTraceID(),
		SpanID:     GenerateSpanID(),
		Name:       name,
		Kind:       kind,
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start),
		Attributes: make(map[string]string),
	}
}

// SetAttribute sets key unless value is empty.
func (s *Span) SetAttribute(key, value string) {
	if value == "" {
		return
	}
	if s.Attributes == nil {
		s.Attributes = make(map[string]string)
	}
	s.Attributes[key] = value
}

// SetError fails the span. msg becomes the status message and the
// error.type attribute.
func (s *Span) SetError(msg string) {
	s.Status = StatusError
	s.StatusMsg = msg
	s.SetAttribute("error.type", msg)
}

// IsError reports whether the span failed.
func (s *Span) IsError() bool { return s.Status == StatusError }

// GenerateTraceID returns 16 random bytes in hex.
func GenerateTraceID() string { return randomHex(16) }

// GenerateSpanID returns 8 random bytes in hex.
func GenerateSpanID() string { return randomHex(8) }

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
