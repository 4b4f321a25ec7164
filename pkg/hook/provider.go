// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import "context"

// Provider is a source of hook events. Implementations are the eBPF
// provider and the Unix DGRAM socket manager.
type Provider interface {
	// Start begins capturing hook events and dispatching to callbacks.
	Start(ctx context.Context, callbacks Callbacks) error

	// Stop shuts down the provider, handles what is still queued and
	// releases resources.
	Stop() error

	// Name returns the provider name (e.g., "ebpf", "socket").
	Name() string
}
