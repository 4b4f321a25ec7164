// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package ebpf

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/mbeema/usm/pkg/config"
	"github.com/mbeema/usm/pkg/hook"
	"github.com/mbeema/usm/pkg/telemetry"
)

// Provider implements hook.Provider with the kernel programs: a socket
// filter sees every packet, kprobes follow socket lifetimes and uprobes
// capture TLS plaintext. Records are read from the events map and handed
// to the same worker pool the socket transport uses.
type Provider struct {
	cfg    *config.Config
	gotls  GoRegistrar
	reg    *telemetry.Registry
	logger *zap.Logger

	loader  *loader
	reader  *eventReader
	pool    *hook.Pool
	scanner *tlsScanner
	lost    *telemetry.Counter
	// bootOffset turns the kernel's monotonic timestamps into wall time.
	bootOffset uint64

	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

var _ hook.Provider = (*Provider)(nil)

// NewProvider returns the eBPF provider, or a stub when the kernel cannot
// run the programs. Nothing is loaded until Start. gotls receives the Go
// processes found to link crypto/tls and may be nil.
func NewProvider(cfg *config.Config, gotls GoRegistrar, reg *telemetry.Registry, logger *zap.Logger) hook.Provider {
	if s := Detect(); !s.Available {
		return NewStubProvider(s.Reason, logger)
	}
	return &Provider{
		cfg:    cfg,
		gotls:  gotls,
		reg:    reg,
		logger: logger,
		lost:   reg.NewMetricGroup("usm.ebpf").NewCounter("lost_samples"),
	}
}

// Start loads the object, attaches the programs and begins reading events.
func (p *Provider) Start(ctx context.Context, callbacks hook.Callbacks) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	support := Detect()
	consts := p.cfg.Constants()
	if !support.RingBuffer {
		consts["ringbuffer_enabled"] = 0
	}
	if path := p.cfg.EBPF.OffsetGuessObject; path != "" && !support.HasBTF {
		guessed, err := guessOffsets(path, p.logger)
		if err != nil {
			p.logger.Warn("offset guessing failed, using configured offsets", zap.Error(err))
		} else {
			p.logger.Info("kernel offsets guessed", zap.Int("filled", mergeGuessed(consts, guessed)))
		}
	}

	var err error
	p.loader, err = newLoader(loaderOptions{
		Path:      p.cfg.EBPF.ObjectPath,
		Constants: consts,
		RingSize:  p.cfg.Events.RingBufferSize,
	}, p.reg.MapErrors, p.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("load eBPF programs: %w", err)
	}

	if err := p.loader.attachKernel(p.cfg.EBPF.Interface); err != nil {
		p.loader.close()
		cancel()
		return fmt.Errorf("attach kernel programs: %w", err)
	}
	if err := p.loader.setPrograms(hook.ProgramMask(p.cfg.Protocols.Enabled())); err != nil {
		p.logger.Warn("cannot publish enabled programs", zap.Error(err))
	}

	m, err := p.loader.eventsMap()
	if err == nil {
		p.reader, err = newEventReader(m, p.cfg.Events.RingBufferSize)
	}
	if err != nil {
		p.loader.close()
		cancel()
		return fmt.Errorf("create event reader: %w", err)
	}

	p.bootOffset = bootOffset()
	p.pool = hook.NewPool(p.cfg.Hook.Workers, p.cfg.Hook.QueueSize, callbacks, p.Name(), p.reg, p.logger)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readLoop()
	}()

	if p.cfg.TLS.Native || p.cfg.TLS.Go {
		p.scanner = newTLSScanner(p.loader, p.gotls, p.cfg.TLS.Native, p.cfg.TLS.Go, p.reg, p.logger)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.scanner.run(ctx, p.cfg.TLS.RescanInterval)
		}()
	}

	p.logger.Info("eBPF hook provider started",
		zap.Int("programs", len(p.loader.programs)),
		zap.Int("links", len(p.loader.links)),
		zap.Bool("ringbuffer", p.reader.ring != nil),
	)
	return nil
}

// readLoop hands every record to the pool. It is the only submitter.
func (p *Provider) readLoop() {
	for {
		sample, lost, err := p.reader.read()
		if err != nil {
			if isClosed(err) {
				return
			}
			p.logger.Debug("event read error", zap.Error(err))
			continue
		}
		if lost > 0 {
			p.lost.Add(int64(lost))
			p.reg.HelperErrors.Record(EventsMap, telemetry.HelperPerfEventOutput)
		}
		if len(sample) == 0 {
			continue
		}
		m, err := hook.ParseMessage(sample)
		if err != nil {
			p.pool.Telemetry().ParseErrors.Inc()
			continue
		}
		if m.Header.TimestampNS != 0 {
			m.Header.TimestampNS += p.bootOffset
		}
		p.pool.Submit(m)
	}
}

// bootOffset returns wall-clock time minus CLOCK_MONOTONIC, which is what
// bpf_ktime_get_ns counts.
func bootOffset() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(time.Now().UnixNano() - ts.Nano())
}

// SetPrograms publishes a new mask of enabled programs.
func (p *Provider) SetPrograms(mask uint64) error {
	if p.loader == nil {
		return fmt.Errorf("provider not started")
	}
	return p.loader.setPrograms(mask)
}

// Stop detaches all probes and releases eBPF resources.
func (p *Provider) Stop() error {
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		// Closing the reader unblocks readLoop.
		if p.reader != nil {
			p.reader.close()
		}
		p.wg.Wait()
		if p.pool != nil {
			p.pool.Stop()
		}
		if p.scanner != nil {
			p.scanner.close()
		}
		if p.loader != nil {
			p.loader.close()
		}
		p.logger.Info("eBPF hook provider stopped")
	})
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return "ebpf" }
