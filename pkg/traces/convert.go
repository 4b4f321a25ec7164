// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package traces

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kmsg"
	"go.mongodb.org/mongo-driver/x/mongo/driver/wiremessage"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/conntrack"
	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/engine"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/protocols/amqp"
	"github.com/mbeema/usm/pkg/protocols/http"
	"github.com/mbeema/usm/pkg/protocols/http2"
	"github.com/mbeema/usm/pkg/protocols/kafka"
	"github.com/mbeema/usm/pkg/protocols/mongo"
	"github.com/mbeema/usm/pkg/protocols/mysql"
	"github.com/mbeema/usm/pkg/protocols/postgres"
	"github.com/mbeema/usm/pkg/protocols/redis"
	"github.com/mbeema/usm/pkg/redact"
	"github.com/mbeema/usm/pkg/telemetry"
)

// ServiceNamer names the service a transaction belongs to. listenPort is
// the local port of a server span and 0 for a client span.
// discovery.Discoverer implements it.
type ServiceNamer interface {
	ServiceName(pid uint32, listenPort uint16) string
}

// ConverterConfig configures a Converter.
type ConverterConfig struct {
	// ServiceName is used when Names is nil.
	ServiceName string
	Names       ServiceNamer
	// Bindings tell server connections from client ones. Without them
	// every span is a client span.
	Bindings conntuple.PortBindings
	Redactor *redact.Redactor
}

// Converter turns transactions into spans.
type Converter struct {
	cfg      ConverterConfig
	redactor *redact.Redactor
	logger   *zap.Logger

	spans      *telemetry.Counter
	errors     *telemetry.Counter
	terminated *telemetry.Counter
}

// NewConverter returns a converter for cfg.
func NewConverter(cfg ConverterConfig, reg *telemetry.Registry, logger *zap.Logger) *Converter {
	if cfg.Redactor == nil {
		cfg.Redactor = redact.New(false, nil)
	}
	mg := reg.NewMetricGroup("usm.traces")
	return &Converter{
		cfg:        cfg,
		redactor:   cfg.Redactor,
		logger:     logger.Named("traces"),
		spans:      mg.NewCounter("spans"),
		errors:     mg.NewCounter("error_spans"),
		terminated: mg.NewCounter("terminated_http2"),
	}
}

// Handlers routes every transaction stream of an engine to emit, after
// conversion. Connection closes go to closes unchanged.
func (c *Converter) Handlers(emit func([]*Span), closes func([]conntrack.ConnCloseEvent)) engine.Handlers {
	return engine.Handlers{
		ConnClose: closes,
		HTTP:      convertAll(c, emit, c.HTTP),
		HTTP2:     convertAll(c, emit, c.HTTP2),
		TerminatedHTTP2: func(conns []http2.TerminatedConn) {
			c.terminated.Add(int64(len(conns)))
		},
		Kafka:    convertAll(c, emit, c.Kafka),
		Postgres: convertAll(c, emit, c.Postgres),
		Redis:    convertAll(c, emit, c.Redis),
		Mongo:    convertAll(c, emit, c.Mongo),
		MySQL:    convertAll(c, emit, c.MySQL),
		AMQP:     convertAll(c, emit, c.AMQP),
	}
}

func convertAll[T any](c *Converter, emit func([]*Span), convert func(*T) *Span) func([]T) {
	return func(txs []T) {
		out := make([]*Span, 0, len(txs))
		for i := range txs {
			s := convert(&txs[i])
			if s == nil {
				continue
			}
			if s.IsError() {
				c.errors.Inc()
			}
			out = append(out, s)
		}
		c.spans.Add(int64(len(out)))
		if len(out) > 0 && emit != nil {
			emit(out)
		}
	}
}

// base builds the span shared by every protocol. The tuple is normalized:
// its source is the client.
func (c *Converter) base(name, protocol string, tup conntuple.ConnTuple, tags protocols.ConnTag, start, end uint64) *Span {
	if end == 0 {
		end = start
	}
	kind := SpanKindClient
	remote := tup.Dest()
	var listenPort uint16
	if c.cfg.Bindings != nil && c.cfg.Bindings.IsBound(tup.Netns, tup.Dport) {
		kind = SpanKindServer
		remote = tup.Source()
		listenPort = tup.Dport
	}
	s := NewSpan(name, kind, time.Unix(0, int64(start)), time.Unix(0, int64(end)))
	s.Protocol = protocol
	s.Client, s.Server = tup.Source(), tup.Dest()
	s.PID = tup.Pid
	s.Netns = tup.Netns
	s.RemoteAddr = remote.Addr().String()
	s.RemotePort = remote.Port()
	s.TLS = tags.IsTLS()
	s.ServiceName = c.cfg.ServiceName
	if c.cfg.Names != nil {
		s.ServiceName = c.cfg.Names.ServiceName(tup.Pid, listenPort)
	}

	s.SetAttribute("network.transport", "tcp")
	s.SetAttribute("network.peer.address", s.RemoteAddr)
	s.SetAttribute("network.peer.port", strconv.Itoa(int(s.RemotePort)))
	s.SetAttribute("server.address", tup.DestAddr().String())
	s.SetAttribute("server.port", strconv.Itoa(int(tup.Dport)))
	if s.TLS {
		s.SetAttribute("tls.library", tlsLibrary(tags))
	}
	return s
}

func tlsLibrary(tags protocols.ConnTag) string {
	switch {
	case tags&protocols.TagOpenSSL != 0:
		return "openssl"
	case tags&protocols.TagGnuTLS != 0:
		return "gnutls"
	case tags&protocols.TagGo != 0:
		return "go"
	}
	return "unknown"
}

// HTTP converts an HTTP/1.x transaction.
func (c *Converter) HTTP(tx *http.EbpfTx) *Span {
	path, _ := tx.Path()
	return c.httpSpan("http", tx.Tup, tx.ConnTags(), tx.Method(), path, tx.StatusCode(), tx.RequestStarted, tx.ResponseLastSeen)
}

// HTTP2 converts an HTTP/2 stream. gRPC calls are named after their method.
func (c *Converter) HTTP2(tx *http2.EbpfTx) *Span {
	path, _ := tx.Path()
	s := c.httpSpan("http2", tx.Tup, tx.ConnTags(), tx.Method(), path, tx.StatusCode(), tx.RequestStarted, tx.ResponseLastSeen)
	s.SetAttribute("network.protocol.version", "2")
	if tx.IsGRPC() {
		s.Protocol = "grpc"
		s.SetAttribute("rpc.system", "grpc")
		if service, method, ok := grpcMethod(path); ok {
			s.Name = service + "/" + method
			s.SetAttribute("rpc.service", service)
			s.SetAttribute("rpc.method", method)
		}
	}
	return s
}

func (c *Converter) httpSpan(protocol string, tup conntuple.ConnTuple, tags protocols.ConnTag, method http.Method, path string, status uint16, start, end uint64) *Span {
	path = c.redactor.Redact(path)
	name := method.String()
	if path != "" {
		name += " " + redact.NormalizePath(path)
	}
	s := c.base(name, protocol, tup, tags, start, end)
	s.SetAttribute("http.request.method", method.String())
	s.SetAttribute("url.path", path)
	if status != 0 {
		s.SetAttribute("http.response.status_code", strconv.Itoa(int(status)))
	}
	// Servers own 5xx only; a client also fails on 4xx.
	if status >= 500 || (status >= 400 && s.Kind == SpanKindClient) {
		s.SetError(fmt.Sprintf("HTTP %d", status))
	} else if status != 0 {
		s.Status = StatusOK
	}
	return s
}

// grpcMethod splits "/pkg.Service/Method".
func grpcMethod(path string) (service, method string, ok bool) {
	service, method, ok = strings.Cut(strings.TrimPrefix(path, "/"), "/")
	return service, method, ok && service != "" && method != ""
}

// Kafka converts a Produce or Fetch request.
func (c *Converter) Kafka(tx *kafka.EbpfTx) *Span {
	topic := tx.Topic()
	op, kind := "receive", SpanKindConsumer
	if kmsg.Key(tx.APIKey) == kmsg.Produce {
		op, kind = "publish", SpanKindProducer
	}
	name := kmsg.NameForKey(tx.APIKey)
	if topic != "" {
		name += " " + topic
	}
	s := c.base(name, "kafka", tx.Tup, tx.ConnTags(), tx.RequestStarted, 0)
	s.Kind = kind
	s.SetAttribute("messaging.system", "kafka")
	s.SetAttribute("messaging.operation", op)
	s.SetAttribute("messaging.destination.name", topic)
	s.SetAttribute("messaging.kafka.api_version", strconv.Itoa(int(tx.APIVersion)))
	s.SetAttribute("messaging.kafka.correlation_id", strconv.Itoa(int(tx.CorrelationID)))
	return s
}

// Postgres converts a query.
func (c *Converter) Postgres(tx *postgres.EbpfTx) *Span {
	op := tx.Operation()
	s := c.base(nameOr(op, "postgresql"), "postgres", tx.Tup, tx.ConnTags(), tx.RequestStarted, tx.ResponseLastSeen)
	s.SetAttribute("db.system", "postgresql")
	s.SetAttribute("db.operation", op)
	s.SetAttribute("db.statement", c.statement(tx.QueryText()))
	if tx.Failed {
		code := tx.SQLState()
		s.SetAttribute("db.response.status_code", code)
		s.SetError("SQLSTATE " + code)
	}
	return s
}

// MySQL converts a command.
func (c *Converter) MySQL(tx *mysql.EbpfTx) *Span {
	stmt := tx.Statement()
	op := sqlOperation(stmt)
	s := c.base(nameOr(op, "mysql"), "mysql", tx.Tup, tx.ConnTags(), tx.RequestStarted, tx.ResponseLastSeen)
	s.SetAttribute("db.system", "mysql")
	s.SetAttribute("db.operation", op)
	s.SetAttribute("db.statement", c.statement(stmt))
	if tx.Failed() {
		code := strconv.Itoa(int(tx.ErrorCode))
		s.SetAttribute("db.response.status_code", code)
		s.SetError("MySQL error " + code)
	}
	return s
}

// Redis converts a command and its reply. Keys are redacted.
func (c *Converter) Redis(tx *redis.EbpfTx) *Span {
	cmd := tx.CommandType().String()
	s := c.base(cmd, "redis", tx.Tup, tx.ConnTags(), tx.RequestStarted, tx.ResponseLastSeen)
	s.SetAttribute("db.system", "redis")
	s.SetAttribute("db.operation", cmd)
	s.SetAttribute("db.redis.key", c.redactor.Redact(tx.KeyName()))
	if tx.IsError {
		s.SetError(tx.Error().String())
	}
	return s
}

// Mongo converts a request and its reply.
func (c *Converter) Mongo(tx *mongo.EbpfTx) *Span {
	op := wiremessage.OpCode(tx.RequestOpCode).String()
	s := c.base(op, "mongo", tx.Tup, tx.ConnTags(), tx.RequestStarted, tx.ResponseLastSeen)
	s.SetAttribute("db.system", "mongodb")
	s.SetAttribute("db.operation", op)
	s.SetAttribute("db.mongodb.request_id", strconv.Itoa(int(tx.RequestID)))
	if tx.ResponseOpCode != 0 {
		s.SetAttribute("db.mongodb.reply", wiremessage.OpCode(tx.ResponseOpCode).String())
	}
	return s
}

// AMQP converts a method exchange or a message.
func (c *Converter) AMQP(tx *amqp.EbpfTx) *Span {
	m := tx.Method()
	op, kind := amqpOperation(m)
	key := c.redactor.Redact(tx.Key())
	name := op
	if key != "" {
		name += " " + key
	}
	s := c.base(name, "amqp", tx.Tup, tx.ConnTags(), tx.RequestStarted, tx.ResponseLastSeen)
	if kind != SpanKindInternal {
		s.Kind = kind
	}
	s.SetAttribute("messaging.system", "rabbitmq")
	s.SetAttribute("messaging.operation", op)
	s.SetAttribute("messaging.rabbitmq.destination.routing_key", key)
	s.SetAttribute("messaging.rabbitmq.channel", strconv.Itoa(int(tx.Channel)))
	if err := tx.CloseError(); err != nil {
		s.SetError(err.Error())
	}
	return s
}

// amqpOperation names a method. Internal means the connection decides
// the kind.
func amqpOperation(m amqp.Method) (string, SpanKind) {
	if m.Class == amqp.ClassBasic {
		switch m.ID {
		case amqp.BasicPublish:
			return "publish", SpanKindProducer
		case amqp.BasicDeliver:
			return "deliver", SpanKindConsumer
		case amqp.BasicGet:
			return "get", SpanKindConsumer
		case amqp.BasicConsume:
			return "consume", SpanKindInternal
		}
	}
	class := map[uint16]string{
		amqp.ClassConnection: "connection",
		amqp.ClassChannel:    "channel",
		amqp.ClassExchange:   "exchange",
		amqp.ClassQueue:      "queue",
		amqp.ClassBasic:      "basic",
	}[m.Class]
	if class == "" {
		class = strconv.Itoa(int(m.Class))
	}
	return fmt.Sprintf("%s.%d", class, m.ID), SpanKindInternal
}

func (c *Converter) statement(q string) string {
	return c.redactor.Redact(redact.NormalizeSQL(q))
}

func sqlOperation(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if i := strings.IndexAny(stmt, " \t\r\n;("); i >= 0 {
		stmt = stmt[:i]
	}
	return strings.ToUpper(stmt)
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
