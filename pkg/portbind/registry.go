// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package portbind tracks which local ports are bound, per network
// namespace, with a reference count per (netns, port).
package portbind

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/mbeema/usm/pkg/telemetry"
)

// DefaultMaxEntries bounds the registry like the kernel map it mirrors.
const DefaultMaxEntries = 65536

const mapName = "port_bindings"

// Key identifies a bound port.
type Key struct {
	Netns uint32
	Port  uint16
}

// Registry is a refcounted set of bound ports. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	refs       map[Key]uint32
	maxEntries int
	mapErrors  *telemetry.MapErrors
}

// NewRegistry returns an empty registry. mapErrors may be nil.
func NewRegistry(maxEntries int, mapErrors *telemetry.MapErrors) *Registry {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Registry{
		refs:       make(map[Key]uint32),
		maxEntries: maxEntries,
		mapErrors:  mapErrors,
	}
}

func (r *Registry) incr(k Key) {
	if k.Port == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.refs[k]; !ok && len(r.refs) >= r.maxEntries {
		if r.mapErrors != nil {
			r.mapErrors.RecordErrno(mapName, unix.E2BIG)
		}
		return
	}
	r.refs[k]++
}

func (r *Registry) decr(k Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.refs[k]
	if !ok {
		if r.mapErrors != nil {
			r.mapErrors.RecordErrno(mapName, unix.ENOENT)
		}
		return
	}
	if n <= 1 {
		delete(r.refs, k)
		return
	}
	r.refs[k] = n - 1
}

// Bind records a successful bind(2).
func (r *Registry) Bind(netns uint32, port uint16) { r.incr(Key{netns, port}) }

// Accept records a connection returned by inet_csk_accept.
func (r *Registry) Accept(netns uint32, port uint16) { r.incr(Key{netns, port}) }

// ListenStop records inet_csk_listen_stop.
func (r *Registry) ListenStop(netns uint32, port uint16) { r.decr(Key{netns, port}) }

// DestroySock records the destruction of a socket holding the port.
func (r *Registry) DestroySock(netns uint32, port uint16) { r.decr(Key{netns, port}) }

// IsBound reports whether port has a live binding in netns.
func (r *Registry) IsBound(netns uint32, port uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[Key{netns, port}] > 0
}

// RefCount returns the reference count of a binding.
func (r *Registry) RefCount(netns uint32, port uint16) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refs[Key{netns, port}]
}

// Len returns the number of bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.refs)
}
