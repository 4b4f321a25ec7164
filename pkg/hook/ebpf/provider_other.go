// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package ebpf

import (
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/config"
	"github.com/mbeema/usm/pkg/hook"
	"github.com/mbeema/usm/pkg/telemetry"
)

// NewProvider returns a stub provider since eBPF is not available.
func NewProvider(_ *config.Config, _ GoRegistrar, _ *telemetry.Registry, logger *zap.Logger) hook.Provider {
	return NewStubProvider("eBPF requires Linux", logger)
}
