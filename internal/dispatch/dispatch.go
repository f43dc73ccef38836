// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch routes decoded commands to handlers, and is the sole
// place permission sets and the lock-implicit flag are consulted: a
// handler never re-checks what the dispatcher already enforced.
package dispatch

import (
	"context"
	"sync"

	"github.com/printwire/pcs/internal/conn"
	"github.com/printwire/pcs/internal/modellock"
	"github.com/printwire/pcs/internal/pcserr"
	"github.com/printwire/pcs/internal/proto"
)

// Handler executes one command kind against a connection.
type Handler func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error)

// Registration binds a command kind to a Handler plus the dispatcher-
// enforced preconditions for calling it.
type Registration struct {
	// AllowedModes is the mode-tag whitelist (spec §4.3): the set of
	// connection modes this kind may be dispatched from. A connection
	// whose Mode is absent from this set gets WrongMode without the
	// handler ever running.
	AllowedModes proto.ModeSet
	// RequiredPermissions is the set a connection's negotiated
	// Permissions must be a superset of.
	RequiredPermissions proto.PermissionSet
	// RequiresLock means the issuing connection must already hold the
	// object-model lock (LockObjectModel); checked before the handler
	// runs so every lock-gated command enforces it identically.
	RequiresLock bool
	Handler      Handler
}

// Dispatcher maps command kind names to registrations.
type Dispatcher struct {
	lockManager *modellock.Manager

	mu    sync.RWMutex
	table map[string]Registration
}

// NewDispatcher constructs an empty Dispatcher. lockManager is consulted
// for every registration with RequiresLock set.
func NewDispatcher(lockManager *modellock.Manager) *Dispatcher {
	return &Dispatcher{lockManager: lockManager, table: make(map[string]Registration)}
}

// Register binds kind to reg. Re-registering a kind overwrites the
// previous registration, which is only ever done at startup wiring.
func (d *Dispatcher) Register(kind string, reg Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table[kind] = reg
}

// Dispatch enforces permissions and the lock precondition, then invokes
// the registered handler. Every failure path returns a Response rather
// than an error — Dispatch never leaves the caller without a frame to
// write back.
func (d *Dispatcher) Dispatch(ctx context.Context, c *conn.Connection, command proto.Command) proto.Response {
	kind := command.CommandName()

	d.mu.RLock()
	reg, ok := d.table[kind]
	d.mu.RUnlock()
	if !ok {
		return proto.ErrorResponse(pcserr.New(pcserr.KindUnknownCommand, "no handler registered for %s", kind))
	}

	if len(reg.AllowedModes) > 0 && !reg.AllowedModes.Has(c.Mode) {
		return proto.ErrorResponse(pcserr.New(pcserr.KindWrongMode, "%s is not accepted on a %s-mode connection", kind, c.Mode))
	}

	if !c.Permissions.HasAll(reg.RequiredPermissions) {
		return proto.ErrorResponse(pcserr.New(pcserr.KindPermissionDenied, "connection lacks required permissions for %s", kind))
	}

	if reg.RequiresLock && !d.lockManager.IsHeldBy(modellock.ConnID(c.ID)) {
		return proto.ErrorResponse(pcserr.New(pcserr.KindNotHeld, "%s requires the object-model lock", kind))
	}

	response, err := reg.Handler(ctx, c, command)
	if err != nil {
		return proto.ErrorResponse(err)
	}
	return response
}

// RequirePermissions is a small helper for registration call sites that
// read better than repeating proto.NewPermissionSet inline every time.
func RequirePermissions(permissions ...proto.Permission) proto.PermissionSet {
	return proto.NewPermissionSet(permissions...)
}
