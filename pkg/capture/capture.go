// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package capture feeds captured packets, live or from a pcap file, to the
// same callbacks the kernel hooks drive.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/hook"
	"github.com/mbeema/usm/pkg/telemetry"
)

// Options configures a capture provider. PcapFile takes precedence over
// Interface.
type Options struct {
	Interface string
	PcapFile  string
	Snaplen   int
	// Netns is reported as the namespace of every captured connection.
	Netns     uint32
	Workers   int
	QueueSize int
}

// Telemetry counts what the capture saw.
type Telemetry struct {
	Packets     *telemetry.Counter
	Bytes       *telemetry.Counter
	Unsupported *telemetry.Counter
	ReadErrors  *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry) *Telemetry {
	mg := reg.NewMetricGroup("usm.capture")
	return &Telemetry{
		Packets:     mg.NewCounter("packets"),
		Bytes:       mg.NewCounter("bytes"),
		Unsupported: mg.NewCounter("unsupported_link"),
		ReadErrors:  mg.NewCounter("read_errors"),
	}
}

// source yields link-layer frames.
type source struct {
	gopacket.PacketDataSource
	link  layers.LinkType
	close func() error
}

// Provider implements hook.Provider over a packet source.
type Provider struct {
	opts   Options
	reg    *telemetry.Registry
	logger *zap.Logger
	tel    *Telemetry

	src  *source
	pool *hook.Pool
	done chan struct{}

	// mu orders submissions against Stop.
	mu      sync.RWMutex
	stopped bool

	cancel   context.CancelFunc
	stopOnce sync.Once
}

var _ hook.Provider = (*Provider)(nil)

// NewProvider returns a capture provider. Nothing is opened until Start.
func NewProvider(opts Options, reg *telemetry.Registry, logger *zap.Logger) *Provider {
	return &Provider{
		opts:   opts,
		reg:    reg,
		logger: logger,
		tel:    newTelemetry(reg),
		done:   make(chan struct{}),
	}
}

// Name returns the provider name.
func (p *Provider) Name() string { return "capture" }

// Telemetry returns the capture counters.
func (p *Provider) Telemetry() *Telemetry { return p.tel }

// Done is closed once the source is exhausted or failed. A live capture
// only ends on Stop.
func (p *Provider) Done() <-chan struct{} { return p.done }

// Start opens the source and begins reading it.
func (p *Provider) Start(ctx context.Context, callbacks hook.Callbacks) error {
	var err error
	switch {
	case p.opts.PcapFile != "":
		p.src, err = openFile(p.opts.PcapFile)
	case p.opts.Interface != "":
		p.src, err = openLive(p.opts.Interface)
	default:
		err = errors.New("neither pcap file nor interface configured")
	}
	if err != nil {
		return err
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.pool = hook.NewPool(p.opts.Workers, p.opts.QueueSize, callbacks, p.Name(), p.reg, p.logger)
	go p.readLoop(ctx)

	p.logger.Info("packet capture started",
		zap.String("interface", p.opts.Interface),
		zap.String("pcap_file", p.opts.PcapFile),
		zap.Stringer("link", p.src.link),
	)
	return nil
}

func (p *Provider) readLoop(ctx context.Context) {
	defer close(p.done)
	for ctx.Err() == nil {
		data, ci, err := p.src.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return
			}
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return
			}
			p.tel.ReadErrors.Inc()
			p.logger.Debug("capture read error", zap.Error(err))
			if p.opts.PcapFile != "" {
				return
			}
			continue
		}
		if !p.submit(data, ci) {
			return
		}
	}
}

// submit hands one frame to the pool. It reports false once stopped.
func (p *Provider) submit(data []byte, ci gopacket.CaptureInfo) bool {
	payload, flags, ok := strip(p.src.link, data)
	if !ok {
		p.tel.Unsupported.Inc()
		return true
	}
	if p.opts.Snaplen > 0 && len(payload) > p.opts.Snaplen {
		payload = payload[:p.opts.Snaplen]
	}
	m := &hook.Message{
		Header: hook.Header{
			MsgType:     hook.MsgPacket,
			Flags:       flags,
			PayloadLen:  uint32(len(payload)),
			TimestampNS: uint64(ci.Timestamp.UnixNano()),
			Arg:         uint64(p.opts.Netns),
		},
		Payload: payload,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}
	p.tel.Packets.Inc()
	p.tel.Bytes.Add(int64(len(data)))
	p.pool.Submit(m)
	return true
}

// strip removes the link header of link types that do not carry Ethernet.
func strip(link layers.LinkType, data []byte) ([]byte, uint8, bool) {
	switch link {
	case layers.LinkTypeEthernet:
		return data, hook.FlagEthernet, true
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6:
		return data, 0, true
	case layers.LinkTypeLinuxSLL:
		// 16 byte cooked header.
		if len(data) < 16 {
			return nil, 0, false
		}
		return data[16:], 0, true
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		// 4 byte address family.
		if len(data) < 4 {
			return nil, 0, false
		}
		return data[4:], 0, true
	}
	return nil, 0, false
}

// Stop ends the capture and handles what is still queued.
func (p *Provider) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		if p.src != nil {
			err = p.src.close()
		}
		if p.pool != nil {
			p.pool.Stop()
		}
	})
	return err
}

// openFile opens a pcap or pcapng file.
func openFile(path string) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pcap: %w", err)
	}
	if r, err := pcapgo.NewReader(f); err == nil {
		return &source{PacketDataSource: r, link: r.LinkType(), close: f.Close}, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	r, err := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s is neither pcap nor pcapng: %w", path, err)
	}
	return &source{PacketDataSource: r, link: r.LinkType(), close: f.Close}, nil
}
