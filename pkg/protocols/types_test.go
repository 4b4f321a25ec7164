// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayers(t *testing.T) {
	assert.Equal(t, LayerApplication, HTTP2.Layer())
	assert.Equal(t, LayerEncryption, TLS.Layer())
	assert.Equal(t, LayerAPI, GRPC.Layer())
	assert.Equal(t, LayerTransport, TCP.Layer())
	assert.Equal(t, LayerUnknown, Unknown.Layer())

	for _, p := range Applications {
		assert.Equal(t, p, ParseProtocol(p.String()))
	}
}

func TestStack(t *testing.T) {
	var s Stack
	assert.False(t, s.IsFullyClassified())
	assert.Equal(t, "unknown", s.String())

	s.Set(TCP)
	s.Set(HTTP2)
	assert.Equal(t, HTTP2, s.Get(LayerApplication))
	assert.False(t, s.IsFullyClassified(), "http2 waits for the api layer")

	s.Set(GRPC)
	assert.True(t, s.IsFullyClassified())
	assert.Equal(t, "tcp/http2/grpc", s.String())

	enc := Stack{Encryption: TLS}
	assert.True(t, enc.IsFullyClassified())

	merged := Stack{Application: Redis}
	merged.Merge(Stack{Application: HTTP, Encryption: TLS, Flags: FlagUSMShared})
	assert.Equal(t, Redis, merged.Application)
	assert.True(t, merged.IsEncrypted())
	assert.Equal(t, FlagUSMShared, merged.Flags&FlagUSMShared)
}
