// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/usm/pkg/capture"
	"github.com/mbeema/usm/pkg/config"
	"github.com/mbeema/usm/pkg/conntrack"
	"github.com/mbeema/usm/pkg/discovery"
	"github.com/mbeema/usm/pkg/engine"
	"github.com/mbeema/usm/pkg/export"
	"github.com/mbeema/usm/pkg/health"
	"github.com/mbeema/usm/pkg/hook"
	hookebpf "github.com/mbeema/usm/pkg/hook/ebpf"
	"github.com/mbeema/usm/pkg/metrics"
	"github.com/mbeema/usm/pkg/redact"
	"github.com/mbeema/usm/pkg/servicemap"
	"github.com/mbeema/usm/pkg/telemetry"
	"github.com/mbeema/usm/pkg/traces"
)

const stopTimeout = 10 * time.Second

// Options carry what the configuration cannot express.
type Options struct {
	Version string
	// Level is adjusted on Reload when set.
	Level *zap.AtomicLevel
	// Exporters replace the ones built from the configuration.
	Exporters []export.Exporter
	// Providers replace the event sources built from the configuration.
	Providers []hook.Provider
	// Registry collects the internal counters. A new one is made when nil.
	Registry *telemetry.Registry
}

// programSetter is implemented by the sources that can switch protocol
// programs at runtime.
type programSetter interface {
	SetPrograms(mask uint64) error
}

// finiteSource is implemented by sources that run dry, like a pcap replay.
type finiteSource interface {
	Done() <-chan struct{}
}

// Agent is the composition root. Sources feed the engine, whose
// transactions become spans that are stitched, sampled, measured and
// exported.
//
// Config is stored as an atomic pointer so Reload never races readers.
type Agent struct {
	cfg    atomic.Pointer[config.Config]
	opts   Options
	logger *zap.Logger
	reg    *telemetry.Registry

	engine     *engine.Engine
	providers  []hook.Provider
	discoverer *discovery.Discoverer
	converter  *traces.Converter
	stitcher   *traces.Stitcher
	sampler    atomic.Pointer[traces.Sampler]
	exporter   *export.Manager
	requests   *metrics.RequestMetrics
	conns      *metrics.ConnMetrics
	graph      *servicemap.Generator
	collector  *metrics.Collector
	stats      *health.Stats
	health     *health.Server

	sampledOut *telemetry.Counter

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// engineBindings defers to the engine's port registry, which only exists
// once the engine is built from the converter's handlers.
type engineBindings struct{ a *Agent }

func (b engineBindings) IsBound(netns uint32, port uint16) bool {
	e := b.a.engine
	return e != nil && e.Bindings().IsBound(netns, port)
}

// New builds every subsystem for cfg. Nothing runs until Start.
func New(cfg *config.Config, opts Options, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := opts.Registry
	if reg == nil {
		reg = telemetry.NewRegistry()
	}
	a := &Agent{
		opts:       opts,
		logger:     logger,
		reg:        reg,
		sampledOut: reg.NewMetricGroup("usm.traces").NewCounter("sampled_out"),
	}
	a.cfg.Store(cfg)
	a.sampler.Store(traces.NewSampler(cfg.Traces.SampleRate))

	a.discoverer = discovery.NewDiscoverer(discovery.Options{
		Default: cfg.ServiceName,
		Ports:   cfg.Traces.ServicePorts,
	}, logger)

	exporters := opts.Exporters
	if len(exporters) == 0 {
		var err error
		exporters, err = export.NewExporters(&cfg.Exporters, export.Resource{
			ServiceName:    cfg.ServiceName,
			ServiceVersion: cfg.ServiceVersion,
			Environment:    cfg.DeploymentEnv,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create exporters: %w", err)
		}
	}
	a.exporter = export.NewManager(exporters, export.ManagerOptions{}, reg, logger)

	var closes func([]conntrack.ConnCloseEvent)
	if cfg.Metrics.Enabled {
		a.requests = metrics.NewRequestMetrics(cfg.Metrics.Buckets)
		a.conns = metrics.NewConnMetrics(cfg.Metrics.MaxConnSeries)
		closes = a.conns.Record
	}
	a.graph = servicemap.NewGenerator(cfg.Metrics.ServiceMapEdges, 0, a.peerName, logger)

	a.stitcher = traces.NewStitcher(cfg.Traces.StitchWindow, cfg.Traces.StitchCapacity, a.emitSpans, reg, logger)
	a.converter = traces.NewConverter(traces.ConverterConfig{
		ServiceName: cfg.ServiceName,
		Names:       a.discoverer,
		Bindings:    engineBindings{a},
		Redactor:    redact.New(cfg.Redaction.Enabled, nil),
	}, reg, logger)

	eng, err := engine.New(cfg, a.converter.Handlers(a.stitcher.Process, closes), engine.Options{
		CloseOnTermination: cfg.Capture.Enabled,
	}, reg, logger)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	a.engine = eng

	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(cfg.Metrics.Interval, a.exporter.ExportMetrics, logger,
			a.requests, a.conns, a.graph, metrics.RegistrySource{Registry: reg})
	}

	a.stats = health.NewStats(reg)
	if cfg.Health.Enabled {
		a.health = health.NewServer(healthAddr(cfg.Health.Port), opts.Version, a.stats, logger)
		a.health.Handle("/servicemap", a.graph.Handler())
	}

	a.providers = opts.Providers
	if len(a.providers) == 0 {
		a.providers = a.buildProviders(cfg)
	}
	if len(a.providers) == 0 {
		return nil, fmt.Errorf("no event source enabled: enable hook, ebpf or capture")
	}
	return a, nil
}

func (a *Agent) buildProviders(cfg *config.Config) []hook.Provider {
	var providers []hook.Provider
	if cfg.Capture.Enabled {
		providers = append(providers, capture.NewProvider(capture.Options{
			Interface: cfg.Capture.Interface,
			PcapFile:  cfg.Capture.PcapFile,
			Snaplen:   cfg.Capture.Snaplen,
			Netns:     cfg.Capture.Netns,
			Workers:   cfg.Hook.Workers,
			QueueSize: cfg.Hook.QueueSize,
		}, a.reg, a.logger))
	}
	if cfg.EBPF.Enabled {
		providers = append(providers, hookebpf.NewProvider(cfg, a.engine.GoTLS(), a.reg, a.logger))
	}
	if cfg.Hook.Enabled {
		providers = append(providers, hook.NewManager(hook.Options{
			SocketPath: cfg.Hook.SocketPath,
			Workers:    cfg.Hook.Workers,
			QueueSize:  cfg.Hook.QueueSize,
		}, a.reg, a.logger))
	}
	return providers
}

func healthAddr(port string) string {
	if port == "" || strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

// peerName names a server from the configured service ports.
func (a *Agent) peerName(_ string, port uint16) string {
	return a.cfg.Load().Traces.ServicePorts[port]
}

// Config returns the configuration in effect.
func (a *Agent) Config() *config.Config { return a.cfg.Load() }

// Registry returns the internal counters.
func (a *Agent) Registry() *telemetry.Registry { return a.reg }

// Engine returns the classification and parsing engine.
func (a *Agent) Engine() *engine.Engine { return a.engine }

// Start runs the pipeline back to front, so every stage is ready before
// the sources produce. It fails only when no source could start.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	ctx, a.cancel = context.WithCancel(ctx)
	cfg := a.cfg.Load()

	a.exporter.Start(ctx)
	if a.collector != nil {
		a.collector.Start(ctx)
	}
	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			a.logger.Warn("health server not started", zap.Error(err))
			a.health = nil
		}
	}
	a.engine.Start(ctx)

	callbacks := a.engine.Callbacks()
	mask := hook.ProgramMask(cfg.Protocols.Enabled())
	var errs error
	var running []hook.Provider
	for _, p := range a.providers {
		if err := p.Start(ctx, callbacks); err != nil {
			a.logger.Warn("event source not started", zap.String("source", p.Name()), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if ps, ok := p.(programSetter); ok {
			if err := ps.SetPrograms(mask); err != nil {
				a.logger.Debug("programs not published", zap.String("source", p.Name()), zap.Error(err))
			}
		}
		running = append(running, p)
		a.logger.Info("event source started", zap.String("source", p.Name()))
	}
	if len(running) == 0 {
		a.engine.Stop()
		if a.health != nil {
			_ = a.health.Stop()
		}
		a.cancel()
		return fmt.Errorf("start event sources: %w", errs)
	}
	a.providers = running
	a.started = true

	if a.health != nil {
		a.health.SetReady(true)
	}
	a.logger.Info("agent started",
		zap.String("service", cfg.ServiceName),
		zap.Int("sources", len(running)),
		zap.Float64("sample_rate", a.sampler.Load().Rate()),
	)
	return nil
}

// Done is closed once a finite source, such as a pcap replay, has been
// fully read. It is nil when every source is live.
func (a *Agent) Done() <-chan struct{} {
	for _, p := range a.providers {
		if f, ok := p.(finiteSource); ok {
			return f.Done()
		}
	}
	return nil
}

// Stop shuts the pipeline down front to back, so what the sources already
// delivered reaches the exporters.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started || a.stopped {
		return nil
	}
	a.stopped = true
	if a.health != nil {
		a.health.SetReady(false)
	}

	var err error
	for _, p := range a.providers {
		err = multierr.Append(err, p.Stop())
	}
	a.engine.Stop()
	a.stitcher.Flush()
	if a.collector != nil {
		a.collector.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err = multierr.Append(err, a.exporter.Stop(ctx))
	if a.health != nil {
		err = multierr.Append(err, a.health.Stop())
	}
	a.cancel()

	exported, dropped := a.exporter.Stats()
	a.logger.Info("agent stopped",
		zap.Duration("uptime", a.stats.Uptime()),
		zap.Int64("spans_sampled_out", a.sampledOut.Get()),
		zap.Int64("exported", exported),
		zap.Int64("dropped", dropped),
	)
	return err
}

// Reload applies what can change at runtime: protocol toggles, the
// sample rate and the log level. Everything else needs a restart.
func (a *Agent) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	old := a.cfg.Swap(cfg)

	a.engine.Apply(cfg.Protocols)
	mask := hook.ProgramMask(cfg.Protocols.Enabled())
	var err error
	for _, p := range a.providers {
		if ps, ok := p.(programSetter); ok {
			err = multierr.Append(err, ps.SetPrograms(mask))
		}
	}

	if cfg.Traces.SampleRate != old.Traces.SampleRate {
		a.sampler.Store(traces.NewSampler(cfg.Traces.SampleRate))
	}
	if a.opts.Level != nil {
		if lvl, perr := zapcore.ParseLevel(cfg.LogLevel); perr == nil {
			a.opts.Level.SetLevel(lvl)
		}
	}

	a.logger.Info("configuration reloaded",
		zap.Uint64("programs", mask),
		zap.Float64("sample_rate", cfg.Traces.SampleRate),
		zap.String("log_level", cfg.LogLevel),
	)
	return err
}

// emitSpans receives stitched spans. Request metrics and the service map
// see every span; exporters see the sampled ones.
func (a *Agent) emitSpans(spans []*traces.Span) {
	if a.requests != nil {
		a.requests.RecordSpans(spans)
	}
	a.graph.RecordSpans(spans)
	n := len(spans)
	kept := a.sampler.Load().Filter(spans)
	if dropped := n - len(kept); dropped > 0 {
		a.sampledOut.Add(int64(dropped))
	}
	if len(kept) > 0 {
		a.exporter.ExportSpans(kept)
	}
}
