// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
)

// Config is the top-level configuration of the usm agent.
type Config struct {
	ServiceName    string          `yaml:"service_name"`
	ServiceVersion string          `yaml:"service_version"`
	DeploymentEnv  string          `yaml:"deployment_environment"`
	LogLevel       string          `yaml:"log_level"`
	Protocols      ProtocolsConfig `yaml:"protocols"`
	Quotas         QuotasConfig    `yaml:"quotas"`
	Events         EventsConfig    `yaml:"events"`
	Hook           HookConfig      `yaml:"hook"`
	EBPF           EBPFConfig      `yaml:"ebpf"`
	Capture        CaptureConfig   `yaml:"capture"`
	TLS            TLSConfig       `yaml:"tls"`
	Traces         TracesConfig    `yaml:"traces"`
	Metrics        MetricsConfig   `yaml:"metrics"`
	Exporters      ExportersConfig `yaml:"exporters"`
	Health         HealthConfig    `yaml:"health"`
	Redaction      RedactionConfig `yaml:"redaction"`
}

// ProtocolsConfig toggles the parsers and the kernel features that ride on
// the same constants.
type ProtocolsConfig struct {
	HTTP     bool `yaml:"http"`
	HTTP2    bool `yaml:"http2"`
	Kafka    bool `yaml:"kafka"`
	Postgres bool `yaml:"postgres"`
	Redis    bool `yaml:"redis"`
	Mongo    bool `yaml:"mongo"`
	MySQL    bool `yaml:"mysql"`
	AMQP     bool `yaml:"amqp"`

	// SharedWithUSM makes termination reach every program, used when the
	// tail-call tables are shared with another monitor.
	SharedWithUSM        bool `yaml:"shared_with_usm"`
	TCPFailedConnections bool `yaml:"tcp_failed_connections"`
	DNSStats             bool `yaml:"dns_stats"`
	UDPSendPage          bool `yaml:"udp_send_page"`
}

// Enabled returns the toggle of every application protocol.
func (p ProtocolsConfig) Enabled() map[protocols.ProtocolType]bool {
	return map[protocols.ProtocolType]bool{
		protocols.HTTP:     p.HTTP,
		protocols.HTTP2:    p.HTTP2,
		protocols.Kafka:    p.Kafka,
		protocols.Postgres: p.Postgres,
		protocols.Redis:    p.Redis,
		protocols.Mongo:    p.Mongo,
		protocols.MySQL:    p.MySQL,
		protocols.AMQP:     p.AMQP,
	}
}

// QuotasConfig bounds per-invocation work and table sizes. Zero means the
// component default.
type QuotasConfig struct {
	MaxInFlight       int `yaml:"max_in_flight"`
	MaxConns          int `yaml:"max_conns"`
	VerdictCacheSize  int `yaml:"verdict_cache_size"`
	SeqCacheSize      int `yaml:"seq_cache_size"`
	MongoRequests     int `yaml:"mongo_requests"`
	TLSMapSize        int `yaml:"tls_map_size"`
	PortBindings      int `yaml:"port_bindings"`
	FramesPerCall     int `yaml:"http2_frames_per_call"`
	InterestingFrames int `yaml:"http2_interesting_frames"`
	HeadersPerCall    int `yaml:"http2_headers_per_call"`
	CleanupIterations int `yaml:"http2_cleanup_iterations"`
	DynamicTableConn  int `yaml:"http2_dynamic_table_per_conn"`
	DynamicTableTotal int `yaml:"http2_dynamic_table_total"`
}

// EventsConfig sizes the batch pages and the channel they are written to.
type EventsConfig struct {
	RingBufferEnabled bool          `yaml:"ringbuffer_enabled"`
	RingBufferSize    int           `yaml:"ringbuffer_size"`
	WakeupCount       int           `yaml:"wakeup_count"`
	BatchSize         int           `yaml:"batch_size"`
	Pages             int           `yaml:"pages"`
	Shards            int           `yaml:"shards"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// HookConfig configures the unixgram transport instrumented processes
// report on.
type HookConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
	Workers    int    `yaml:"workers"`
	QueueSize  int    `yaml:"queue_size"`
	Debug      bool   `yaml:"debug"`
}

// EBPFConfig configures the kernel hook provider.
type EBPFConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ObjectPath    string `yaml:"object_path"`
	Interface     string `yaml:"interface"`
	ProgramIDKey  uint64 `yaml:"telemetry_program_id_key"`
	EphemeralLow  uint16 `yaml:"ephemeral_low"`
	EphemeralHigh uint16 `yaml:"ephemeral_high"`
	// Offsets are used when the kernel has no BTF. Zero fields are guessed
	// with OffsetGuessObject when it is set.
	Offsets           conntuple.SocketOffsets `yaml:"offsets"`
	OffsetGuessObject string                  `yaml:"offset_guess_object_path"`
}

// EphemeralRange returns the configured range, or the one of the running
// kernel when none is set.
func (e EBPFConfig) EphemeralRange() conntuple.EphemeralRange {
	if e.EphemeralLow != 0 && e.EphemeralHigh != 0 {
		return conntuple.EphemeralRange{Low: e.EphemeralLow, High: e.EphemeralHigh}
	}
	if r, err := conntuple.ReadEphemeralRange(conntuple.ProcLocalPortRange); err == nil {
		return r
	}
	return conntuple.DefaultEphemeralRange
}

// CaptureConfig configures packet capture, live or from a pcap file.
type CaptureConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Interface string `yaml:"interface"`
	PcapFile  string `yaml:"pcap_file"`
	Snaplen   int    `yaml:"snaplen"`
	Netns     uint32 `yaml:"netns"`
}

// TLSConfig selects the TLS hooks.
type TLSConfig struct {
	Native         bool          `yaml:"native"`
	Go             bool          `yaml:"go"`
	RescanInterval time.Duration `yaml:"rescan_interval"`
}

// TracesConfig shapes the spans built from transactions.
type TracesConfig struct {
	// SampleRate is the share of non-error traces kept, 0.0 to 1.0.
	SampleRate float64 `yaml:"sample_rate"`
	// StitchWindow is how long a client span waits for its server half.
	StitchWindow   time.Duration `yaml:"stitch_window"`
	StitchCapacity int           `yaml:"stitch_capacity"`
	// ServicePorts name the services behind ports when no process is known.
	ServicePorts map[uint16]string `yaml:"service_ports"`
}

// MetricsConfig shapes the RED and connection metrics derived from spans
// and connection closes.
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	// Buckets are the latency histogram bounds in seconds.
	Buckets       []float64 `yaml:"buckets"`
	MaxConnSeries int       `yaml:"max_conn_series"`
	// ServiceMapEdges bounds the service dependency graph.
	ServiceMapEdges int `yaml:"service_map_edges"`
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Protocol string            `yaml:"protocol"` // "grpc" or "http"
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	// Compression is "gzip" or "none".
	Compression string `yaml:"compression"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port"`
}

type RedactionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFileInto(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName: "usm",
		LogLevel:    "info",
		Protocols: ProtocolsConfig{
			HTTP:     true,
			HTTP2:    true,
			Kafka:    true,
			Postgres: true,
			Redis:    true,
			Mongo:    true,
			MySQL:    true,
			AMQP:     true,
		},
		Events: EventsConfig{
			RingBufferEnabled: true,
			RingBufferSize:    1 << 20,
			WakeupCount:       1,
			Shards:            4,
			FlushInterval:     time.Second,
			PollInterval:      100 * time.Millisecond,
		},
		Hook: HookConfig{
			Enabled:    true,
			SocketPath: "/var/run/usm/hook.sock",
			Workers:    4,
			QueueSize:  4096,
		},
		EBPF: EBPFConfig{
			ObjectPath:        "/opt/usm/ebpf/usm.o",
			OffsetGuessObject: "/opt/usm/ebpf/offset-guess.o",
		},
		Capture: CaptureConfig{
			Snaplen: 65535,
		},
		TLS: TLSConfig{
			Native:         true,
			Go:             true,
			RescanInterval: 30 * time.Second,
		},
		Traces: TracesConfig{
			SampleRate:     1.0,
			StitchWindow:   2 * time.Second,
			StitchCapacity: 10000,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			Interval:        15 * time.Second,
			MaxConnSeries:   10000,
			ServiceMapEdges: 10000,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
			},
			Stdout: StdoutConfig{
				Enabled: true,
				Format:  "text",
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml      → service_name, log_level, hook, ebpf, capture, exporters
//   - protocols.yaml → protocols, tls
//   - quotas.yaml    → quotas, events
//
// Missing files are ignored and defaults apply.
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFileInto(filepath.Join(dir, "base.yaml"), cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load base.yaml: %w", err)
	}

	for _, f := range []string{"protocols.yaml", "quotas.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads USM_* environment variables and applies them to
// the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"USM_SERVICE_NAME":            func(v string) { c.ServiceName = v },
		"USM_SERVICE_VERSION":         func(v string) { c.ServiceVersion = v },
		"USM_DEPLOYMENT_ENVIRONMENT":  func(v string) { c.DeploymentEnv = v },
		"USM_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"USM_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"USM_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"USM_EXPORTERS_OTLP_PROTOCOL": func(v string) { c.Exporters.OTLP.Protocol = v },
		"USM_HOOK_SOCKET_PATH":        func(v string) { c.Hook.SocketPath = v },
		"USM_EBPF_OBJECT_PATH":        func(v string) { c.EBPF.ObjectPath = v },
		"USM_CAPTURE_INTERFACE":       func(v string) { c.Capture.Interface = v },
		"USM_CAPTURE_PCAP_FILE":       func(v string) { c.Capture.PcapFile = v },
	}

	boolOverrides := map[string]*bool{
		"USM_HTTP_ENABLED":       &c.Protocols.HTTP,
		"USM_HTTP2_ENABLED":      &c.Protocols.HTTP2,
		"USM_KAFKA_ENABLED":      &c.Protocols.Kafka,
		"USM_POSTGRES_ENABLED":   &c.Protocols.Postgres,
		"USM_REDIS_ENABLED":      &c.Protocols.Redis,
		"USM_MONGO_ENABLED":      &c.Protocols.Mongo,
		"USM_MYSQL_ENABLED":      &c.Protocols.MySQL,
		"USM_AMQP_ENABLED":       &c.Protocols.AMQP,
		"USM_RINGBUFFER_ENABLED": &c.Events.RingBufferEnabled,
		"USM_HOOK_ENABLED":       &c.Hook.Enabled,
		"USM_EBPF_ENABLED":       &c.EBPF.Enabled,
		"USM_CAPTURE_ENABLED":    &c.Capture.Enabled,
		"USM_HEALTH_ENABLED":     &c.Health.Enabled,
		"USM_REDACTION_ENABLED":  &c.Redaction.Enabled,
		"USM_METRICS_ENABLED":    &c.Metrics.Enabled,
		"USM_OTLP_ENABLED":       &c.Exporters.OTLP.Enabled,
		"USM_STDOUT_ENABLED":     &c.Exporters.Stdout.Enabled,
		"USM_TLS_NATIVE_ENABLED": &c.TLS.Native,
		"USM_TLS_GO_ENABLED":     &c.TLS.Go,
		"USM_SHARED_WITH_USM":    &c.Protocols.SharedWithUSM,
		"USM_TCP_FAILED_CONNS":   &c.Protocols.TCPFailedConnections,
		"USM_DNS_STATS_ENABLED":  &c.Protocols.DNSStats,
		"USM_UDP_SEND_PAGE":      &c.Protocols.UDPSendPage,
	}

	intOverrides := map[string]*int{
		"USM_MAX_IN_FLIGHT": &c.Quotas.MaxInFlight,
		"USM_MAX_CONNS":     &c.Quotas.MaxConns,
		"USM_HOOK_WORKERS":  &c.Hook.Workers,
	}

	if val := os.Getenv("USM_SAMPLE_RATE"); val != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			c.Traces.SampleRate = f
		}
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var err error

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}

	if c.Hook.Enabled && c.Hook.SocketPath == "" {
		err = multierr.Append(err, fmt.Errorf("hook.socket_path is required when hook is enabled"))
	}

	if c.EBPF.Enabled && c.EBPF.ObjectPath == "" {
		err = multierr.Append(err, fmt.Errorf("ebpf.object_path is required when ebpf is enabled"))
	}

	if c.EBPF.EphemeralLow > c.EBPF.EphemeralHigh {
		err = multierr.Append(err, fmt.Errorf("ebpf ephemeral range %d-%d is inverted", c.EBPF.EphemeralLow, c.EBPF.EphemeralHigh))
	}

	if c.Capture.Enabled && c.Capture.Interface == "" && c.Capture.PcapFile == "" {
		err = multierr.Append(err, fmt.Errorf("capture needs an interface or a pcap_file"))
	}

	if c.Events.WakeupCount < 0 {
		err = multierr.Append(err, fmt.Errorf("events.wakeup_count must not be negative"))
	}

	if c.Events.RingBufferEnabled && c.Events.RingBufferSize > 0 && c.Events.RingBufferSize&(c.Events.RingBufferSize-1) != 0 {
		err = multierr.Append(err, fmt.Errorf("events.ringbuffer_size must be a power of two"))
	}

	if c.Traces.SampleRate < 0 || c.Traces.SampleRate > 1 {
		err = multierr.Append(err, fmt.Errorf("traces.sample_rate %v is outside 0.0-1.0", c.Traces.SampleRate))
	}

	if c.Metrics.Interval < 0 {
		err = multierr.Append(err, fmt.Errorf("metrics.interval must not be negative"))
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			err = multierr.Append(err, fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled"))
		}
		if c.Exporters.OTLP.Protocol != "grpc" && c.Exporters.OTLP.Protocol != "http" {
			err = multierr.Append(err, fmt.Errorf("exporters.otlp.protocol must be 'grpc' or 'http'"))
		}
		if cp := c.Exporters.OTLP.Compression; cp != "" && cp != "gzip" && cp != "none" {
			err = multierr.Append(err, fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'"))
		}
	}

	if f := c.Exporters.Stdout.Format; c.Exporters.Stdout.Enabled && f != "text" && f != "json" {
		err = multierr.Append(err, fmt.Errorf("exporters.stdout.format must be 'text' or 'json'"))
	}

	return err
}

// Constants renders the runtime constants under the names the kernel
// objects load them with. ringbuffer_wakeup_size is a record count here; the
// loader scales it to bytes once the record size is known.
func (c *Config) Constants() map[string]uint64 {
	consts := map[string]uint64{
		"http_monitoring_enabled":        boolConst(c.Protocols.HTTP),
		"http2_monitoring_enabled":       boolConst(c.Protocols.HTTP2),
		"kafka_monitoring_enabled":       boolConst(c.Protocols.Kafka),
		"tcp_failed_connections_enabled": boolConst(c.Protocols.TCPFailedConnections),
		"dns_stats_enabled":              boolConst(c.Protocols.DNSStats),
		"udp_send_page_enabled":          boolConst(c.Protocols.UDPSendPage),
		"ringbuffer_enabled":             boolConst(c.Events.RingBufferEnabled),
		"ringbuffer_wakeup_size":         uint64(c.Events.WakeupCount),
		"telemetry_program_id_key":       c.EBPF.ProgramIDKey,
	}
	for k, v := range c.EBPF.Offsets.Constants() {
		consts[k] = v
	}
	return consts
}

func boolConst(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
