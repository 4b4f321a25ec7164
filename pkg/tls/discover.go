// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package tls

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/mbeema/usm/pkg/protocols"
)

// ErrUnsupportedPlatform is returned by Discover where process memory maps
// cannot be read.
var ErrUnsupportedPlatform = errors.New("TLS discovery needs linux")

// Libraries lists the TLS implementations a process uses.
type Libraries struct {
	PID     uint32
	OpenSSL []string
	GnuTLS  []string
	// GoBinary is the executable when it links crypto/tls.
	GoBinary string
	// GoStripped is the executable when it is a Go binary without a symbol
	// table, so whether it links crypto/tls is unknown.
	GoStripped string
}

// Empty reports whether no TLS library was found.
func (l Libraries) Empty() bool {
	return len(l.OpenSSL) == 0 && len(l.GnuTLS) == 0 && l.GoBinary == ""
}

// LibraryTag names the TLS library a shared object path belongs to, or 0.
func LibraryTag(path string) protocols.ConnTag {
	base := filepath.Base(path)
	switch {
	case strings.HasPrefix(base, "libssl.so"):
		return protocols.TagOpenSSL
	case strings.HasPrefix(base, "libgnutls.so"):
		return protocols.TagGnuTLS
	default:
		return 0
	}
}
