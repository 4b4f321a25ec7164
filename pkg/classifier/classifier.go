// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package classifier names the protocol of a TCP stream from the first
// fragment of payload seen on it.
package classifier

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mbeema/usm/pkg/buffer"
	"github.com/mbeema/usm/pkg/conntuple"
	"github.com/mbeema/usm/pkg/protocols"
	"github.com/mbeema/usm/pkg/protocols/amqp"
	"github.com/mbeema/usm/pkg/protocols/http"
	"github.com/mbeema/usm/pkg/protocols/http2"
	"github.com/mbeema/usm/pkg/protocols/kafka"
	"github.com/mbeema/usm/pkg/protocols/mongo"
	"github.com/mbeema/usm/pkg/protocols/mysql"
	"github.com/mbeema/usm/pkg/protocols/postgres"
	"github.com/mbeema/usm/pkg/protocols/redis"
	"github.com/mbeema/usm/pkg/telemetry"
)

const (
	// MaxClassificationBuffer is how much of the fragment the generic rules
	// look at.
	MaxClassificationBuffer = 40

	// DefaultMongoRequests bounds the set of request ids replies are checked
	// against.
	DefaultMongoRequests = 1024

	tlsHeaderSize = 5
	// maxTLSRecord is the largest TLSCiphertext length.
	maxTLSRecord = 1<<14 + 2048
)

const (
	tlsHandshake       = 0x16
	tlsApplicationData = 0x17
)

// mongoKey identifies one outstanding Mongo request.
type mongoKey struct {
	Tup       conntuple.ConnTuple
	RequestID int32
}

// rule is one classification step. Rules run in order; the first match
// wins. A zero window hands the whole fragment to the rule.
type rule struct {
	proto  protocols.ProtocolType
	window int
	match  func(c *Classifier, tup conntuple.ConnTuple, b []byte) bool
}

var rules = []rule{
	{protocols.HTTP, MaxClassificationBuffer, func(_ *Classifier, _ conntuple.ConnTuple, b []byte) bool { return isHTTP(b) }},
	{protocols.HTTP2, MaxClassificationBuffer, func(_ *Classifier, _ conntuple.ConnTuple, b []byte) bool { return isHTTP2(b) }},
	{protocols.TLS, MaxClassificationBuffer, func(_ *Classifier, _ conntuple.ConnTuple, b []byte) bool { return isTLS(b) }},
	{protocols.AMQP, MaxClassificationBuffer, func(_ *Classifier, _ conntuple.ConnTuple, b []byte) bool { return amqp.IsAMQP(b) }},
	{protocols.Redis, MaxClassificationBuffer, func(_ *Classifier, _ conntuple.ConnTuple, b []byte) bool { return redis.IsRESP(b) }},
	{protocols.Mongo, MaxClassificationBuffer, (*Classifier).isMongo},
	{protocols.Postgres, MaxClassificationBuffer, func(_ *Classifier, _ conntuple.ConnTuple, b []byte) bool { return isPostgres(b) }},
	{protocols.MySQL, MaxClassificationBuffer, func(_ *Classifier, _ conntuple.ConnTuple, b []byte) bool { return isMySQL(b) }},
	{protocols.Kafka, 0, func(_ *Classifier, _ conntuple.ConnTuple, b []byte) bool { return isKafka(b) }},
}

// Telemetry counts classification outcomes.
type Telemetry struct {
	Classified map[protocols.ProtocolType]*telemetry.Counter
	Unknown    *telemetry.Counter
	// MongoOrphanReplies counts replies rejected for lack of a request.
	MongoOrphanReplies *telemetry.Counter
}

func newTelemetry(reg *telemetry.Registry) *Telemetry {
	mg := reg.NewMetricGroup("usm.classifier")
	t := &Telemetry{
		Classified:         make(map[protocols.ProtocolType]*telemetry.Counter, len(rules)),
		Unknown:            mg.NewCounter("unknown"),
		MongoOrphanReplies: mg.NewCounter("mongo_orphan_replies"),
	}
	for _, r := range rules {
		t.Classified[r.proto] = mg.NewCounter("classified", "protocol:"+r.proto.String())
	}
	return t
}

// Classifier runs the rules. It is safe for concurrent use; the only state
// is the bounded set of Mongo request ids.
type Classifier struct {
	mongoRequests *lru.Cache[mongoKey, struct{}]
	tel           *Telemetry
	logger        *zap.Logger
}

// New returns a classifier remembering up to mongoRequests Mongo request
// ids.
func New(mongoRequests int, reg *telemetry.Registry, logger *zap.Logger) *Classifier {
	if mongoRequests <= 0 {
		mongoRequests = DefaultMongoRequests
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[mongoKey, struct{}](mongoRequests)
	if err != nil {
		panic(err)
	}
	return &Classifier{
		mongoRequests: cache,
		tel:           newTelemetry(reg),
		logger:        logger.Named("classifier"),
	}
}

// Telemetry returns the outcome counters.
func (c *Classifier) Telemetry() *Telemetry { return c.tel }

// Classify returns the protocol the payload at the current offset of buf
// belongs to, or protocols.Unknown. tup must be normalized. buf is not
// advanced.
func (c *Classifier) Classify(tup conntuple.ConnTuple, buf buffer.Buffer) protocols.ProtocolType {
	full := buf.Bytes()
	if len(full) == 0 {
		return protocols.Unknown
	}
	head := buf.Fragment(MaxClassificationBuffer)
	for _, r := range rules {
		b := head
		if r.window == 0 {
			b = full
		}
		if r.match(c, tup, b) {
			c.tel.Classified[r.proto].Inc()
			c.logger.Debug("classified", zap.Stringer("tuple", tup), zap.Stringer("protocol", r.proto))
			return r.proto
		}
	}
	c.tel.Unknown.Inc()
	return protocols.Unknown
}

func isHTTP(b []byte) bool {
	if http.IsResponse(b) {
		return true
	}
	m, n := http.MethodFromPrefix(b)
	if m == http.MethodUnknown || n >= len(b) {
		return false
	}
	return b[n] == '/' || (m == http.MethodOptions && b[n] == '*')
}

func isHTTP2(b []byte) bool {
	return http2.IsPreface(b) || http2.IsSettingsHeader(b)
}

func isTLS(b []byte) bool {
	if len(b) < tlsHeaderSize {
		return false
	}
	switch b[0] {
	case tlsHandshake, tlsApplicationData:
	default:
		return false
	}
	if b[1] != 0x03 || b[2] < 0x01 || b[2] > 0x04 {
		return false
	}
	n := int(b[3])<<8 | int(b[4])
	return n > 0 && n <= maxTLSRecord
}

// isMongo accepts a valid header. Requests are remembered; a reply is only
// accepted when it answers a remembered request, which is then forgotten.
func (c *Classifier) isMongo(tup conntuple.ConnTuple, b []byte) bool {
	h, ok := mongo.ReadHeader(b)
	if !ok {
		return false
	}
	if h.IsReply() {
		key := mongoKey{Tup: tup, RequestID: h.ResponseTo}
		if !c.mongoRequests.Remove(key) {
			c.tel.MongoOrphanReplies.Inc()
			return false
		}
		return true
	}
	if !h.IsRequest() {
		// Legacy writes carry no reply.
		return true
	}
	c.mongoRequests.Add(mongoKey{Tup: tup, RequestID: h.RequestID}, struct{}{})
	return true
}

func isPostgres(b []byte) bool {
	return postgres.IsQuery(b) || postgres.IsCommandComplete(b) || postgres.IsStartup(b)
}

func isMySQL(b []byte) bool {
	return mysql.IsQuery(b) || mysql.IsServerGreeting(b)
}

func isKafka(b []byte) bool {
	_, err := kafka.ParseRequest(b)
	return err == nil
}

// IsTLSRecord reports whether b starts with a TLS handshake or application
// data record header.
func IsTLSRecord(b []byte) bool { return isTLS(b) }
