// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package capture

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// openLive opens an AF_PACKET socket on iface.
func openLive(iface string) (*source, error) {
	h, err := pcapgo.NewEthernetHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("capture on %s: %w", iface, err)
	}
	return &source{
		PacketDataSource: h,
		link:             layers.LinkTypeEthernet,
		close: func() error {
			h.Close()
			return nil
		},
	}, nil
}
