// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package protocols holds the protocol identifiers shared by the classifier,
// the dispatcher and the parsers, and the per-connection protocol stack.
package protocols

import "strings"

// Layer is one level of the protocol stack.
type Layer uint16

const (
	LayerUnknown     Layer = 0
	LayerTransport   Layer = 1 << 12
	LayerAPI         Layer = 1 << 13
	LayerApplication Layer = 1 << 14
	LayerEncryption  Layer = 1 << 15

	layerMask Layer = LayerTransport | LayerAPI | LayerApplication | LayerEncryption
)

func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "transport"
	case LayerAPI:
		return "api"
	case LayerApplication:
		return "application"
	case LayerEncryption:
		return "encryption"
	default:
		return "unknown"
	}
}

// ProtocolType is a protocol number tagged with the layer it lives on.
type ProtocolType uint16

const (
	Unknown ProtocolType = 0

	TCP ProtocolType = ProtocolType(LayerTransport) | 1
	UDP ProtocolType = ProtocolType(LayerTransport) | 2

	GRPC ProtocolType = ProtocolType(LayerAPI) | 1

	HTTP     ProtocolType = ProtocolType(LayerApplication) | 1
	HTTP2    ProtocolType = ProtocolType(LayerApplication) | 2
	Kafka    ProtocolType = ProtocolType(LayerApplication) | 3
	Mongo    ProtocolType = ProtocolType(LayerApplication) | 4
	Postgres ProtocolType = ProtocolType(LayerApplication) | 5
	AMQP     ProtocolType = ProtocolType(LayerApplication) | 6
	Redis    ProtocolType = ProtocolType(LayerApplication) | 7
	MySQL    ProtocolType = ProtocolType(LayerApplication) | 8

	TLS ProtocolType = ProtocolType(LayerEncryption) | 1
)

// Layer returns the layer p belongs to.
func (p ProtocolType) Layer() Layer { return Layer(p) & layerMask }

func (p ProtocolType) String() string {
	switch p {
	case Unknown:
		return "unknown"
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case GRPC:
		return "grpc"
	case HTTP:
		return "http"
	case HTTP2:
		return "http2"
	case Kafka:
		return "kafka"
	case Mongo:
		return "mongo"
	case Postgres:
		return "postgres"
	case AMQP:
		return "amqp"
	case Redis:
		return "redis"
	case MySQL:
		return "mysql"
	case TLS:
		return "tls"
	default:
		return "invalid"
	}
}

// ParseProtocol maps a configuration name back to a ProtocolType.
func ParseProtocol(name string) ProtocolType {
	switch strings.ToLower(name) {
	case "tcp":
		return TCP
	case "udp":
		return UDP
	case "grpc":
		return GRPC
	case "http":
		return HTTP
	case "http2":
		return HTTP2
	case "kafka":
		return Kafka
	case "mongo", "mongodb":
		return Mongo
	case "postgres", "postgresql":
		return Postgres
	case "amqp":
		return AMQP
	case "redis":
		return Redis
	case "mysql":
		return MySQL
	case "tls":
		return TLS
	default:
		return Unknown
	}
}

// Applications lists every application-layer protocol the engine parses.
var Applications = []ProtocolType{HTTP, HTTP2, Kafka, Mongo, Postgres, AMQP, Redis, MySQL}
