// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package ebpf

import (
	"context"

	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/hook"
)

// StubProvider stands in where the kernel programs cannot run. The agent
// still classifies traffic from the socket transport and packet capture.
type StubProvider struct {
	reason string
	logger *zap.Logger
}

var _ hook.Provider = (*StubProvider)(nil)

// NewStubProvider creates a stub provider that logs why eBPF is unavailable.
func NewStubProvider(reason string, logger *zap.Logger) *StubProvider {
	return &StubProvider{reason: reason, logger: logger}
}

func (s *StubProvider) Start(_ context.Context, _ hook.Callbacks) error {
	s.logger.Warn("kernel hooks unavailable, running in stub mode", zap.String("reason", s.reason))
	return nil
}

func (s *StubProvider) Stop() error { return nil }

// SetPrograms accepts and ignores the mask.
func (s *StubProvider) SetPrograms(uint64) error { return nil }

func (s *StubProvider) Name() string { return "stub" }

// Reason returns why the kernel programs are not loaded.
func (s *StubProvider) Reason() string { return s.reason }
