// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package ebpf

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cilium/ebpf/link"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/telemetry"
	"github.com/mbeema/usm/pkg/tls"
)

// tlsScanner walks the running processes, attaching the library uprobes
// to every OpenSSL and GnuTLS object it finds and the Go probes to every
// Go process linking crypto/tls.
type tlsScanner struct {
	loader    *loader
	gotls     GoRegistrar
	native    bool
	goEnabled bool
	stripped  *telemetry.Counter
	logger    *zap.Logger

	mu        sync.Mutex
	libraries map[string]bool        // by device and inode
	binaries  map[string]*tls.Binary // nil when inspection failed
	goProcs   map[uint32][]link.Link
}

func newTLSScanner(l *loader, gotls GoRegistrar, native, goEnabled bool, reg *telemetry.Registry, logger *zap.Logger) *tlsScanner {
	return &tlsScanner{
		loader:    l,
		gotls:     gotls,
		native:    native,
		goEnabled: goEnabled && gotls != nil,
		stripped:  reg.NewMetricGroup("usm.tls").NewCounter("stripped_go_binaries"),
		logger:    logger,
		libraries: make(map[string]bool),
		binaries:  make(map[string]*tls.Binary),
		goProcs:   make(map[uint32][]link.Link),
	}
}

// run scans now and then every interval until ctx is done.
func (s *tlsScanner) run(ctx context.Context, interval time.Duration) {
	s.scan(ctx)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *tlsScanner) scan(ctx context.Context) {
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		s.logger.Debug("cannot list processes", zap.Error(err))
		return
	}
	self := int32(os.Getpid())
	alive := make(map[uint32]bool, len(pids))
	for _, pid := range pids {
		if pid == self {
			continue
		}
		alive[uint32(pid)] = true
		libs, err := tls.Discover(ctx, uint32(pid))
		if err != nil {
			continue // exited or not visible
		}
		if s.native {
			for _, path := range libs.OpenSSL {
				s.attachLibrary(protocols.TagOpenSSL, hostPath(libs.PID, path))
			}
			for _, path := range libs.GnuTLS {
				s.attachLibrary(protocols.TagGnuTLS, hostPath(libs.PID, path))
			}
		}
		if s.goEnabled && libs.GoBinary != "" {
			s.attachGo(libs.PID, hostPath(libs.PID, libs.GoBinary))
		}
		if s.goEnabled && libs.GoStripped != "" {
			s.skipStripped(hostPath(libs.PID, libs.GoStripped))
		}
	}
	s.reap(alive)
}

// fileKey identifies a file by device and inode. Processes reach one
// object through different roots.
func fileKey(path string) (string, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return "", err
	}
	return strconv.FormatUint(uint64(st.Dev), 10) + ":" + strconv.FormatUint(uint64(st.Ino), 10), nil
}

func (s *tlsScanner) attachLibrary(tag protocols.ConnTag, path string) {
	key, err := fileKey(path)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.libraries[key] {
		return
	}
	n, err := s.loader.attachLibrary(tag, path)
	if err != nil {
		s.logger.Debug("cannot attach TLS library", zap.String("lib", path), zap.Error(err))
		return
	}
	s.libraries[key] = true
	s.logger.Info("attached TLS library", zap.String("lib", path), zap.Int("probes", n))
}

func (s *tlsScanner) attachGo(pid uint32, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.goProcs[pid]; ok {
		return
	}
	b, seen := s.binaries[path]
	if !seen {
		var err error
		b, err = tls.InspectBinary(path)
		if err != nil {
			s.logger.Debug("cannot inspect Go binary", zap.String("path", path), zap.Error(err))
			b = nil
		}
		s.binaries[path] = b
	}
	if b == nil {
		return
	}
	links, err := s.loader.attachGo(pid, b)
	if err != nil {
		s.logger.Debug("cannot attach Go TLS probes", zap.Uint32("pid", pid), zap.Error(err))
		return
	}
	s.goProcs[pid] = links
	s.gotls.Register(pid, b)
	s.logger.Info("attached Go TLS probes", zap.Uint32("pid", pid), zap.String("go", b.GoVersion))
}

// skipStripped accounts once for a Go binary whose TLS calls cannot be
// located.
func (s *tlsScanner) skipStripped(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.binaries[path]; seen {
		return
	}
	s.binaries[path] = nil
	s.stripped.Inc()
	s.logger.Info("Go binary has no symbol table, its TLS traffic is not traced", zap.String("path", path))
}

// reap releases the Go processes that exited.
func (s *tlsScanner) reap(alive map[uint32]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, links := range s.goProcs {
		if alive[pid] {
			continue
		}
		closeLinks(links)
		delete(s.goProcs, pid)
		s.loader.forgetGo(pid)
		s.gotls.Forget(pid)
	}
}

func (s *tlsScanner) close() {
	s.reap(nil)
}

// hostPath resolves path, seen in the mount namespace of pid, through the
// root of the process so containerized objects are reached.
func hostPath(pid uint32, path string) string {
	root := filepath.Join("/proc", strconv.FormatUint(uint64(pid), 10), "root", path)
	if _, err := os.Stat(root); err == nil {
		return root
	}
	return path
}
