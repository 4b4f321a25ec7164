// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package redis reads RESP commands and replies: GET, SET and PING requests
// with their key, and the reply type and error class of the response.
package redis

import "bytes"

// KeySize is the number of key bytes kept per request.
const KeySize = 128

// maxCount bounds array and bulk lengths accepted in a header line.
const maxCount = 1 << 29

// Command is the request command.
type Command uint8

const (
	UnknownCommand Command = iota
	GetCommand
	SetCommand
	PingCommand
)

var commandNames = [...]string{"UNKNOWN", "GET", "SET", "PING"}

func (c Command) String() string {
	if int(c) < len(commandNames) {
		return commandNames[c]
	}
	return commandNames[UnknownCommand]
}

func parseCommand(b []byte) Command {
	switch {
	case bytes.EqualFold(b, []byte("GET")):
		return GetCommand
	case bytes.EqualFold(b, []byte("SET")):
		return SetCommand
	case bytes.EqualFold(b, []byte("PING")):
		return PingCommand
	}
	return UnknownCommand
}

// ErrorType classifies an error reply by its prefix.
type ErrorType uint8

const (
	NoError ErrorType = iota
	UnknownError
	GenericError
	WrongType
	NoAuth
	NoPerm
	Busy
	Loading
	ReadOnly
	OutOfMemory
	Moved
	Ask
	ExecAbort
	NoScript
	CrossSlot
	ClusterDown
	MasterDown
	Misconf
	NoReplicas
	TryAgain
	WrongPass
)

// errorPrefixes maps the known error codes to their type. A reply whose
// first word is not listed is not a Redis error.
var errorPrefixes = map[string]ErrorType{
	"ERR":         GenericError,
	"WRONGTYPE":   WrongType,
	"NOAUTH":      NoAuth,
	"NOPERM":      NoPerm,
	"BUSY":        Busy,
	"BUSYKEY":     Busy,
	"LOADING":     Loading,
	"READONLY":    ReadOnly,
	"OOM":         OutOfMemory,
	"MOVED":       Moved,
	"ASK":         Ask,
	"EXECABORT":   ExecAbort,
	"NOSCRIPT":    NoScript,
	"CROSSSLOT":   CrossSlot,
	"CLUSTERDOWN": ClusterDown,
	"MASTERDOWN":  MasterDown,
	"MISCONF":     Misconf,
	"NOREPLICAS":  NoReplicas,
	"TRYAGAIN":    TryAgain,
	"WRONGPASS":   WrongPass,
}

var errorNames = [...]string{
	NoError:      "",
	UnknownError: "UNKNOWN",
	GenericError: "ERR",
	WrongType:    "WRONGTYPE",
	NoAuth:       "NOAUTH",
	NoPerm:       "NOPERM",
	Busy:         "BUSY",
	Loading:      "LOADING",
	ReadOnly:     "READONLY",
	OutOfMemory:  "OOM",
	Moved:        "MOVED",
	Ask:          "ASK",
	ExecAbort:    "EXECABORT",
	NoScript:     "NOSCRIPT",
	CrossSlot:    "CROSSSLOT",
	ClusterDown:  "CLUSTERDOWN",
	MasterDown:   "MASTERDOWN",
	Misconf:      "MISCONF",
	NoReplicas:   "NOREPLICAS",
	TryAgain:     "TRYAGAIN",
	WrongPass:    "WRONGPASS",
}

func (e ErrorType) String() string {
	if int(e) < len(errorNames) {
		return errorNames[e]
	}
	return errorNames[UnknownError]
}

// lineEnd returns the index of the CRLF in b, or -1.
func lineEnd(b []byte) int { return bytes.Index(b, []byte("\r\n")) }

// parseCount reads a decimal count terminated by CRLF. A leading '-' is
// accepted only for -1, the null marker. It returns the bytes consumed.
func parseCount(b []byte) (n int, used int, ok bool) {
	end := lineEnd(b)
	if end <= 0 || end > 12 {
		return 0, 0, false
	}
	digits := b[:end]
	if string(digits) == "-1" {
		return -1, end + 2, true
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, 0, false
		}
		n = n*10 + int(c-'0')
	}
	if n > maxCount {
		return 0, 0, false
	}
	return n, end + 2, true
}

func printable(b []byte) bool {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// errorTypeOf returns the type of an error reply body (after '-'). The
// first word must be a known error code followed by a space or CRLF.
func errorTypeOf(b []byte) (ErrorType, bool) {
	i := bytes.IndexAny(b, " \r")
	if i <= 0 {
		return UnknownError, false
	}
	t, ok := errorPrefixes[string(b[:i])]
	if !ok {
		return UnknownError, false
	}
	return t, true
}

// IsRESP reports whether b starts like a RESP message: a type byte followed
// by the regular content of that type. Used for classification, so it is
// strict about what follows the type byte.
func IsRESP(b []byte) bool {
	if len(b) < 3 {
		return false
	}
	switch b[0] {
	case '+':
		end := lineEnd(b[1:])
		return end >= 0 && printable(b[1:1+end])
	case '-':
		_, ok := errorTypeOf(b[1:])
		return ok
	case ':':
		end := lineEnd(b[1:])
		if end <= 0 {
			return false
		}
		digits := b[1 : 1+end]
		if digits[0] == '-' {
			digits = digits[1:]
		}
		if len(digits) == 0 {
			return false
		}
		for _, c := range digits {
			if c < '0' || c > '9' {
				return false
			}
		}
		return true
	case '$', '*':
		_, _, ok := parseCount(b[1:])
		return ok
	}
	return false
}

// Request is a decoded command.
type Request struct {
	Command   Command
	Key       []byte
	Truncated bool
}

// ParseRequest decodes a RESP array whose first element is GET, SET or PING
// and, when present, the key that follows. The key is cut at KeySize or at
// the end of b.
func ParseRequest(b []byte) (Request, bool) {
	if len(b) < 4 || b[0] != '*' {
		return Request{}, false
	}
	count, used, ok := parseCount(b[1:])
	if !ok || count < 1 {
		return Request{}, false
	}
	off := 1 + used

	name, off, ok := bulk(b, off)
	if !ok {
		return Request{}, false
	}
	req := Request{Command: parseCommand(name)}
	if req.Command == UnknownCommand {
		return Request{}, false
	}
	if count < 2 || req.Command == PingCommand {
		return req, true
	}

	// The key is read leniently: the segment may end inside it.
	if off >= len(b) || b[off] != '$' {
		return req, true
	}
	size, used, ok := parseCount(b[off+1:])
	if !ok || size < 0 {
		return req, true
	}
	off += 1 + used
	key := b[off:]
	if len(key) > size {
		key = key[:size]
	}
	if len(key) < size {
		req.Truncated = true
	}
	if len(key) > KeySize {
		key = key[:KeySize]
		req.Truncated = true
	}
	req.Key = key
	return req, true
}

// bulk reads one complete bulk string at off.
func bulk(b []byte, off int) ([]byte, int, bool) {
	if off >= len(b) || b[off] != '$' {
		return nil, 0, false
	}
	size, used, ok := parseCount(b[off+1:])
	if !ok || size < 0 {
		return nil, 0, false
	}
	start := off + 1 + used
	end := start + size
	if end+2 > len(b) || b[end] != '\r' || b[end+1] != '\n' {
		return nil, 0, false
	}
	return b[start:end], end + 2, true
}

// Reply is the part of a response the parser keeps.
type Reply struct {
	IsError bool
	Error   ErrorType
}

// ParseReply reads the type of a reply. Any well-formed RESP value is a
// reply; '-' replies carry their error class.
func ParseReply(b []byte) (Reply, bool) {
	if len(b) < 3 {
		return Reply{}, false
	}
	if b[0] == '-' {
		t, _ := errorTypeOf(b[1:])
		return Reply{IsError: true, Error: t}, true
	}
	switch b[0] {
	case '+', ':', '$', '*', '_', ',', '#', '%', '~', '(', '=', '!', '>':
		return Reply{}, lineEnd(b) > 0
	}
	return Reply{}, false
}
