// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package events

import "golang.org/x/sys/unix"

const ringbufHeaderSize = unix.BPF_RINGBUF_HDR_SZ
