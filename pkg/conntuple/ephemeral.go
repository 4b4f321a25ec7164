// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntuple

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultEphemeralRange is the Linux default of net.ipv4.ip_local_port_range.
var DefaultEphemeralRange = EphemeralRange{Low: 32768, High: 60999}

// ProcLocalPortRange is where the kernel exposes the ephemeral range.
const ProcLocalPortRange = "/proc/sys/net/ipv4/ip_local_port_range"

// EphemeralRange is an inclusive port interval.
type EphemeralRange struct {
	Low  uint16
	High uint16
}

// Contains reports whether port falls in the range.
func (r EphemeralRange) Contains(port uint16) bool {
	return port >= r.Low && port <= r.High
}

// ReadEphemeralRange parses a file in ip_local_port_range format.
func ReadEphemeralRange(path string) (EphemeralRange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return EphemeralRange{}, fmt.Errorf("read ephemeral range: %w", err)
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return EphemeralRange{}, fmt.Errorf("malformed ephemeral range %q", strings.TrimSpace(string(data)))
	}
	lo, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return EphemeralRange{}, fmt.Errorf("parse low port: %w", err)
	}
	hi, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return EphemeralRange{}, fmt.Errorf("parse high port: %w", err)
	}
	if lo > hi {
		return EphemeralRange{}, fmt.Errorf("ephemeral range %d-%d is inverted", lo, hi)
	}
	return EphemeralRange{Low: uint16(lo), High: uint16(hi)}, nil
}

// PortBindings answers whether a local port is bound in a namespace.
type PortBindings interface {
	IsBound(netns uint32, port uint16) bool
}

// Direction classifies a connection from the local endpoint's point of view.
// A bound local port means the connection was accepted; otherwise an
// ephemeral local port means it was initiated here.
func Direction(netns uint32, localPort uint16, r EphemeralRange, bindings PortBindings) ConnDirection {
	if bindings != nil && bindings.IsBound(netns, localPort) {
		return Incoming
	}
	if r.Contains(localPort) {
		return Outgoing
	}
	return Unknown
}
