// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package postgres walks frontend and backend messages of the simple and
// extended query protocols and pairs each query with its completion.
package postgres

import (
	"bytes"
	"encoding/binary"

	"github.com/jackc/pgx/v5/pgproto3"
)

const (
	// QuerySize is the number of query bytes kept per transaction.
	QuerySize = 80

	// MaxMessages bounds the messages walked in one segment.
	MaxMessages = 80

	// messageHeaderSize is the type byte plus the int32 length.
	messageHeaderSize = 5

	// protocolVersion3 is the startup protocol number 3.0.
	protocolVersion3 = 196608
	// maxStartupSize bounds the startup message length.
	maxStartupSize = 10000
)

// Message types the parser looks at.
const (
	QueryMessage           = 'Q'
	ParseMessage           = 'P'
	CommandCompleteMessage = 'C'
	ErrorResponseMessage   = 'E'
	ReadyForQueryMessage   = 'Z'
)

// Message is one message header found in a segment.
type Message struct {
	Type byte
	// Length counts the length field itself, as on the wire.
	Length int32
	// Body holds the visible part of the body.
	Body []byte
	// Complete is false when the segment ends inside the body.
	Complete bool
}

// Walk returns up to limit messages at the start of b. It stops at the
// first header that does not look like a message.
func Walk(b []byte, limit int) []Message {
	var out []Message
	for len(out) < limit && len(b) >= messageHeaderSize {
		typ := b[0]
		if !isMessageType(typ) {
			break
		}
		length := int32(binary.BigEndian.Uint32(b[1:5]))
		if length < 4 {
			break
		}
		end := 1 + int(length)
		m := Message{Type: typ, Length: length, Complete: end <= len(b)}
		if m.Complete {
			m.Body = b[messageHeaderSize:end]
			b = b[end:]
		} else {
			m.Body = b[messageHeaderSize:]
			b = nil
		}
		out = append(out, m)
	}
	return out
}

// isMessageType reports whether typ is a type byte used by either side.
func isMessageType(typ byte) bool {
	switch typ {
	case 'Q', 'P', 'B', 'E', 'D', 'S', 'H', 'C', 'X', 'F', 'd', 'c', 'f', 'p',
		'R', 'K', 'Z', 'T', 'N', 'A', 'G', 'W', '1', '2', '3', 'n', 's', 't', 'I', 'V', 'v':
		return true
	}
	return false
}

// IsQuery reports whether b starts with a query message with a plausible
// length.
func IsQuery(b []byte) bool { return hasMessage(b, QueryMessage) }

// IsCommandComplete reports whether b starts with a command-complete
// message with a plausible length.
func IsCommandComplete(b []byte) bool { return hasMessage(b, CommandCompleteMessage) }

func hasMessage(b []byte, typ byte) bool {
	if len(b) < messageHeaderSize || b[0] != typ {
		return false
	}
	length := binary.BigEndian.Uint32(b[1:5])
	// Both carry at least a NUL terminated string.
	return length > 4 && length < 1<<24
}

// IsStartup reports whether b starts with a protocol 3.0 startup message.
func IsStartup(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	length := binary.BigEndian.Uint32(b[0:4])
	return length >= 8 && length <= maxStartupSize && binary.BigEndian.Uint32(b[4:8]) == protocolVersion3
}

// QueryText returns the SQL of a Query or Parse message. A message cut by
// the end of the segment yields the visible bytes up to the first NUL.
func QueryText(m Message) []byte {
	if m.Complete {
		switch m.Type {
		case QueryMessage:
			var q pgproto3.Query
			if q.Decode(m.Body) == nil {
				return []byte(q.String)
			}
		case ParseMessage:
			var p pgproto3.Parse
			if p.Decode(m.Body) == nil {
				return []byte(p.Query)
			}
		}
	}
	body := m.Body
	if m.Type == ParseMessage {
		// Skip the statement name.
		i := bytes.IndexByte(body, 0)
		if i < 0 {
			return nil
		}
		body = body[i+1:]
	}
	if i := bytes.IndexByte(body, 0); i >= 0 {
		body = body[:i]
	}
	return body
}

// CommandTag returns the tag of a complete CommandComplete message.
func CommandTag(m Message) []byte {
	if !m.Complete {
		return nil
	}
	var c pgproto3.CommandComplete
	if c.Decode(m.Body) != nil {
		return nil
	}
	return c.CommandTag
}

// ErrorCode returns the SQLSTATE of a complete ErrorResponse message.
func ErrorCode(m Message) string {
	if !m.Complete {
		return ""
	}
	var e pgproto3.ErrorResponse
	if e.Decode(m.Body) != nil {
		return ""
	}
	return e.Code
}
