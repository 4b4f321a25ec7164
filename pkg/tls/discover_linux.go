// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package tls

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/mbeema/usm/pkg/protocols"
)

// Discover inspects the memory maps and executable of pid.
func Discover(ctx context.Context, pid uint32) (Libraries, error) {
	libs := Libraries{PID: pid}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return libs, fmt.Errorf("process %d: %w", pid, err)
	}
	maps, err := p.MemoryMapsWithContext(ctx, false)
	if err != nil {
		return libs, fmt.Errorf("memory maps of %d: %w", pid, err)
	}
	seen := make(map[string]bool)
	for _, m := range *maps {
		if m.Path == "" || seen[m.Path] {
			continue
		}
		seen[m.Path] = true
		switch LibraryTag(m.Path) {
		case protocols.TagOpenSSL:
			libs.OpenSSL = append(libs.OpenSSL, m.Path)
		case protocols.TagGnuTLS:
			libs.GnuTLS = append(libs.GnuTLS, m.Path)
		}
	}
	if exe, err := p.ExeWithContext(ctx); err == nil {
		switch err := CheckGoTLS(exe); {
		case err == nil:
			libs.GoBinary = exe
		case errors.Is(err, ErrStripped):
			libs.GoStripped = exe
		}
	}
	return libs, nil
}
