// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ebpf

import "fmt"

// Support is what the running kernel offers the programs.
type Support struct {
	Available bool
	Release   string
	// HasBTF means socket offsets can be relocated; without it they come
	// from configuration or guessing.
	HasBTF bool
	// RingBuffer is false before 5.8, where events use perf buffers.
	RingBuffer bool
	// Reason explains an unavailable kernel.
	Reason string
}

// kernelVersion reads the major and minor numbers of a release string
// such as "5.15.0-91-generic".
func kernelVersion(release string) (major, minor int, err error) {
	if n, err := fmt.Sscanf(release, "%d.%d", &major, &minor); err != nil || n != 2 {
		return 0, 0, fmt.Errorf("unrecognized kernel release %q", release)
	}
	return major, minor, nil
}

func atLeast(major, minor, wantMajor, wantMinor int) bool {
	return major > wantMajor || (major == wantMajor && minor >= wantMinor)
}

// supportFor judges a kernel release. Socket filters with tail calls need
// 4.14.
func supportFor(release string, hasBTF bool) Support {
	s := Support{Release: release}
	major, minor, err := kernelVersion(release)
	if err != nil {
		s.Reason = err.Error()
		return s
	}
	if !atLeast(major, minor, 4, 14) {
		s.Reason = fmt.Sprintf("kernel %d.%d is older than 4.14", major, minor)
		return s
	}
	s.Available = true
	s.HasBTF = hasBTF
	s.RingBuffer = atLeast(major, minor, 5, 8)
	return s
}
