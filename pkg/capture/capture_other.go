// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package capture

import (
	"fmt"
	"runtime"
)

func openLive(iface string) (*source, error) {
	return nil, fmt.Errorf("live capture on %s is not supported on %s", iface, runtime.GOOS)
}
