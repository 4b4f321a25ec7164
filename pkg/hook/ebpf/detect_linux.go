// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package ebpf

import (
	"os"

	"golang.org/x/sys/unix"
)

const vmlinuxBTF = "/sys/kernel/btf/vmlinux"

// Detect inspects the running kernel.
func Detect() Support {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return Support{Reason: "uname: " + err.Error()}
	}
	_, err := os.Stat(vmlinuxBTF)
	return supportFor(unix.ByteSliceToString(uts.Release[:]), err == nil)
}
