// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package amqp tracks AMQP 0-9-1 method frames: synchronous methods are
// paired with their Ok reply on the same channel, publish and deliver are
// reported as they are seen.
package amqp

import (
	"bytes"
	"encoding/binary"
)

const (
	// frameHeaderSize covers type, channel and payload size.
	frameHeaderSize = 7
	// methodHeaderSize adds the class and method ids.
	methodHeaderSize = frameHeaderSize + 4
	frameEnd         = 0xce

	frameMethod = 1
	// maxFrameSize is the frame_max the brokers in common use negotiate.
	maxFrameSize = 1 << 17
)

var protocolHeader = []byte("AMQP")

// Class ids.
const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60
)

// Method ids used by the classifier and the parser.
const (
	ConnectionStart   = 10
	ConnectionStartOk = 11
	ConnectionClose   = 50
	ChannelClose      = 40
	ChannelCloseOk    = 41
	BasicConsume      = 20
	BasicPublish      = 40
	BasicDeliver      = 60
	BasicGet          = 70
	BasicGetOk        = 71
	BasicGetEmpty     = 72
)

// Method is a class and method id pair.
type Method struct {
	Class uint16
	ID    uint16
}

var classifying = map[Method]struct{}{
	{ClassConnection, ConnectionStart}:   {},
	{ClassConnection, ConnectionStartOk}: {},
	{ClassBasic, BasicPublish}:           {},
	{ClassBasic, BasicDeliver}:           {},
	{ClassBasic, BasicConsume}:           {},
	{ClassChannel, ChannelClose}:         {},
	{ClassChannel, ChannelCloseOk}:       {},
}

// synchronous lists the methods answered by an Ok reply with the next id.
var synchronous = map[Method]struct{}{
	{ClassConnection, 10}: {}, // start
	{ClassConnection, 30}: {}, // tune
	{ClassConnection, 40}: {}, // open
	{ClassConnection, 50}: {}, // close
	{ClassChannel, 10}:    {}, // open
	{ClassChannel, 20}:    {}, // flow
	{ClassChannel, 40}:    {}, // close
	{ClassExchange, 10}:   {}, // declare
	{ClassExchange, 20}:   {}, // delete
	{ClassQueue, 10}:      {}, // declare
	{ClassQueue, 20}:      {}, // bind
	{ClassQueue, 30}:      {}, // purge
	{ClassQueue, 40}:      {}, // delete
	{ClassQueue, 50}:      {}, // unbind
	{ClassBasic, 10}:      {}, // qos
	{ClassBasic, 20}:      {}, // consume
	{ClassBasic, 30}:      {}, // cancel
	{ClassBasic, 70}:      {}, // get
	{ClassBasic, 110}:     {}, // recover
}

// IsSynchronous reports whether m waits for a reply.
func (m Method) IsSynchronous() bool {
	_, ok := synchronous[m]
	return ok
}

// Answers reports whether reply completes the request m.
func (m Method) Answers(reply Method) bool {
	if reply.Class != m.Class {
		return false
	}
	if m.Class == ClassBasic && m.ID == BasicGet {
		return reply.ID == BasicGetOk || reply.ID == BasicGetEmpty
	}
	return reply.ID == m.ID+1
}

// IsClose reports whether m is a channel or connection close, which the
// peer sends to fail a pending request.
func (m Method) IsClose() bool {
	return m == Method{ClassChannel, ChannelClose} || m == Method{ClassConnection, ConnectionClose}
}

// Frame is one frame header plus the visible part of its payload.
type Frame struct {
	Type    uint8
	Channel uint16
	Size    int
	Payload []byte
}

// ReadFrame decodes the frame at the start of b. The payload may be cut by
// the end of b.
func ReadFrame(b []byte) (Frame, bool) {
	if len(b) < frameHeaderSize {
		return Frame{}, false
	}
	size := int(binary.BigEndian.Uint32(b[3:7]))
	if size > maxFrameSize {
		return Frame{}, false
	}
	payload := b[frameHeaderSize:]
	if len(payload) > size {
		payload = payload[:size]
	}
	return Frame{Type: b[0], Channel: binary.BigEndian.Uint16(b[1:3]), Size: size, Payload: payload}, true
}

// Method returns the class and method ids of a method frame.
func (f Frame) Method() (Method, bool) {
	if f.Type != frameMethod || len(f.Payload) < 4 {
		return Method{}, false
	}
	return Method{
		Class: binary.BigEndian.Uint16(f.Payload[0:2]),
		ID:    binary.BigEndian.Uint16(f.Payload[2:4]),
	}, true
}

// Arguments returns the method arguments.
func (f Frame) Arguments() []byte {
	if len(f.Payload) < 4 {
		return nil
	}
	return f.Payload[4:]
}

// Len is the encoded size of the whole frame, frame-end included.
func (f Frame) Len() int { return frameHeaderSize + f.Size + 1 }

// IsAMQP reports whether b starts with the protocol header or with a method
// frame of a class and method that only AMQP peers send.
func IsAMQP(b []byte) bool {
	if bytes.HasPrefix(b, protocolHeader) {
		return true
	}
	if len(b) < methodHeaderSize {
		return false
	}
	f, ok := ReadFrame(b)
	if !ok {
		return false
	}
	m, ok := f.Method()
	if !ok {
		return false
	}
	_, ok = classifying[m]
	return ok
}

// shortString reads an AMQP short string at the start of b and returns it
// with the remaining bytes. A value cut by the end of b is returned with
// cut set and no rest.
func shortString(b []byte) (s, rest []byte, cut, ok bool) {
	if len(b) < 1 {
		return nil, nil, false, false
	}
	n := int(b[0])
	b = b[1:]
	if n > len(b) {
		return b, nil, true, true
	}
	return b[:n], b[n:], false, true
}

// RoutingKey extracts the routing key of a Basic.Publish or Basic.Deliver.
// truncated is set when the frame ends inside the key.
func RoutingKey(m Method, args []byte) (key []byte, truncated, ok bool) {
	var rest []byte
	switch m {
	case Method{ClassBasic, BasicPublish}:
		if len(args) < 2 {
			return nil, false, false
		}
		rest = args[2:]
	case Method{ClassBasic, BasicDeliver}:
		_, after, cut, ok := shortString(args) // consumer tag
		if !ok || cut || len(after) < 9 {
			return nil, false, false
		}
		rest = after[9:] // delivery tag and redelivered
	default:
		return nil, false, false
	}
	_, rest, cut, ok := shortString(rest) // exchange
	if !ok || cut {
		return nil, false, false
	}
	key, _, truncated, ok = shortString(rest)
	return key, truncated, ok
}

// CloseReason extracts the reply code and text of a close method.
func CloseReason(args []byte) (code uint16, text []byte, ok bool) {
	if len(args) < 2 {
		return 0, nil, false
	}
	code = binary.BigEndian.Uint16(args[0:2])
	text, _, _, _ = shortString(args[2:])
	return code, text, true
}
