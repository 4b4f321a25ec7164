// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/telemetry"
)

// Options configures a Manager.
type Options struct {
	SocketPath string
	Workers    int
	QueueSize  int
}

// Manager listens on a Unix DGRAM socket for hook events from instrumented
// processes and hands them to a worker pool.
type Manager struct {
	opts   Options
	reg    *telemetry.Registry
	logger *zap.Logger

	conn    *net.UnixConn
	control *ControlFile
	pool    *Pool
	wg      sync.WaitGroup
	stopCh  chan struct{}
	once    sync.Once
}

// NewManager creates a new hook manager.
func NewManager(opts Options, reg *telemetry.Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		opts:   opts,
		reg:    reg,
		logger: logger.Named("hook"),
		stopCh: make(chan struct{}),
	}
}

// Name implements Provider.
func (m *Manager) Name() string { return "socket" }

// Start begins listening for hook events.
func (m *Manager) Start(ctx context.Context, callbacks Callbacks) error {
	dir := filepath.Dir(m.opts.SocketPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	// Remove stale socket
	os.Remove(m.opts.SocketPath)

	addr := &net.UnixAddr{Name: m.opts.SocketPath, Net: "unixgram"}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	m.conn = conn

	if err := conn.SetReadBuffer(4 * 1024 * 1024); err != nil {
		m.logger.Debug("socket read buffer not raised", zap.Error(err))
	}

	// Allow all users to write to the socket
	os.Chmod(m.opts.SocketPath, 0777)

	ctrl, err := CreateControlFile(dir)
	if err != nil {
		m.logger.Warn("failed to create control file", zap.Error(err))
	} else {
		m.control = ctrl
	}

	m.pool = NewPool(m.opts.Workers, m.opts.QueueSize, callbacks, m.Name(), m.reg, m.logger)

	m.logger.Info("hook manager listening",
		zap.String("socket", m.opts.SocketPath),
		zap.Int("workers", m.pool.Workers()),
	)

	// One reader keeps datagrams in arrival order; the pool parallelizes
	// per connection.
	m.wg.Add(1)
	go m.readLoop(ctx)

	return nil
}

// Stop shuts down the hook manager.
func (m *Manager) Stop() error {
	m.once.Do(func() {
		close(m.stopCh)
		if m.conn != nil {
			m.conn.Close()
		}
		m.wg.Wait()
		if m.pool != nil {
			m.pool.Stop()
		}
		if m.control != nil {
			m.control.Close()
			m.control.Remove()
		}
		os.Remove(m.opts.SocketPath)
	})
	return nil
}

// Control returns the control file shared with instrumented processes, or
// nil when it could not be created.
func (m *Manager) Control() *ControlFile { return m.control }

// SetPrograms publishes the enabled protocol programs through the control
// file. Before Start, or without a control file, it does nothing.
func (m *Manager) SetPrograms(mask uint64) error {
	if m.control == nil {
		return nil
	}
	return m.control.SetPrograms(mask)
}

// Telemetry returns the pool counters once started.
func (m *Manager) Telemetry() *Telemetry {
	if m.pool == nil {
		return nil
	}
	return m.pool.Telemetry()
}

func (m *Manager) readLoop(ctx context.Context) {
	defer m.wg.Done()

	buf := make([]byte, HeaderSize+MaxPayload)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		n, err := m.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-m.stopCh:
				return
			default:
				m.logger.Debug("read error", zap.Error(err))
				continue
			}
		}

		m.pool.SubmitRaw(buf[:n])
	}
}
