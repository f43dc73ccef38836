// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package endpoint is the HTTP endpoint registry shared by the command
// dispatcher's AddHttpEndpoint/RemoveHttpEndpoint handlers and the
// PluginHttpEndpoint processor (spec §4.6, §4.7). Per spec §5 ("The
// endpoint registry is a map guarded by an internal mutex; reads are
// lock-free under copy-on-write"), lookups never take a lock; every
// mutation builds a fresh map and swaps a single atomic pointer.
package endpoint

import (
	"sync"
	"sync/atomic"

	"github.com/printwire/pcs/internal/pcserr"
)

// Key identifies one registered endpoint tuple (spec §4.6).
type Key struct {
	Method    string
	Namespace string
	Path      string
}

// reservedNamespaces names namespaces the daemon itself owns; a plugin
// may not register under them (pcserr.KindNamespaceReserved-equivalent,
// wired to NotFound's sibling AlreadyExists/InvalidArgument vocabulary
// since spec §4.6's NamespaceReserved has no dedicated wire Kind in §7 —
// it is reported as InvalidArgument).
var reservedNamespaces = map[string]struct{}{
	"machine": {},
	"rr_":     {},
}

// Registration is one registered endpoint's bookkeeping.
type Registration struct {
	Key
	IsUpload   bool
	SocketPath string
}

// Registry is the copy-on-write map of registered endpoints.
type Registry struct {
	mu    sync.Mutex // serializes writers only
	table atomic.Pointer[map[Key]Registration]
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := make(map[Key]Registration)
	r.table.Store(&empty)
	return r
}

// Lookup finds a registration by its tuple. Lock-free.
func (r *Registry) Lookup(key Key) (Registration, bool) {
	table := *r.table.Load()
	reg, ok := table[key]
	return reg, ok
}

// Add registers key with its socket path. Fails with AlreadyExists if
// the tuple is already registered, or InvalidArgument if the namespace
// is reserved (spec §4.6 "NamespaceReserved").
func (r *Registry) Add(reg Registration) error {
	if _, reserved := reservedNamespaces[reg.Namespace]; reserved {
		return pcserr.New(pcserr.KindInvalidArgument, "namespace %q is reserved", reg.Namespace)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.table.Load()
	if _, exists := old[reg.Key]; exists {
		return pcserr.New(pcserr.KindAlreadyExists, "endpoint %s %s%s already registered", reg.Method, reg.Namespace, reg.Path)
	}

	next := make(map[Key]Registration, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[reg.Key] = reg
	r.table.Store(&next)
	return nil
}

// Remove unregisters key. Fails with NotFound if it was not registered.
func (r *Registry) Remove(key Key) (Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := *r.table.Load()
	reg, exists := old[key]
	if !exists {
		return Registration{}, pcserr.New(pcserr.KindNotFound, "endpoint %s %s%s is not registered", key.Method, key.Namespace, key.Path)
	}

	next := make(map[Key]Registration, len(old)-1)
	for k, v := range old {
		if k != key {
			next[k] = v
		}
	}
	r.table.Store(&next)
	return reg, nil
}

// List returns a snapshot slice of every current registration.
func (r *Registry) List() []Registration {
	table := *r.table.Load()
	out := make([]Registration, 0, len(table))
	for _, reg := range table {
		out = append(out, reg)
	}
	return out
}
