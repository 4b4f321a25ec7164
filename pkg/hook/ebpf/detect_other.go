// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package ebpf

import "runtime"

// Detect reports eBPF as unavailable outside Linux.
func Detect() Support {
	return Support{Release: runtime.GOOS, Reason: "eBPF needs Linux, running on " + runtime.GOOS}
}
