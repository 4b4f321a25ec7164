// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package tls

import "context"

// Discover is not available off linux.
func Discover(_ context.Context, pid uint32) (Libraries, error) {
	return Libraries{PID: pid}, ErrUnsupportedPlatform
}
