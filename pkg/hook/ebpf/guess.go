// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ebpf

import (
	"net/netip"

	"github.com/mbeema/usm/pkg/offsetguess"
)

// Names shared with the offset guessing object.
const (
	guessProgram    = "kprobe__tcp_getsockopt"
	guessFunction   = "tcp_getsockopt"
	SockSnapshotMap = "sock_snapshots"
	PIDSnapshotMap  = "pid_snapshots"
	pidNrConstant   = "offset_pid_nr"
	guessSamples    = 4
)

// expectedFor describes the socket of a connection from local to remote.
func expectedFor(local, remote netip.AddrPort, netns uint32) offsetguess.Expected {
	return offsetguess.Expected{
		Saddr: local.Addr(),
		Daddr: remote.Addr(),
		Sport: local.Port(),
		Dport: remote.Port(),
		Netns: netns,
	}
}

// mergeGuessed fills the offsets left at zero in consts with the guessed
// ones. Configured offsets win.
func mergeGuessed(consts, guessed map[string]uint64) int {
	n := 0
	for k, v := range guessed {
		if consts[k] == 0 && v != 0 {
			consts[k] = v
			n++
		}
	}
	return n
}
