// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package session implements AddUserSession/RemoveUserSession (spec
// §4.7 "Sessions"): bookkeeping for user identities — typically a
// logged-in web-dashboard user — that permission-gated actions get
// attributed to, persisted across a daemon restart via internal/store
// the way lib/service/session.go tracks a server's live session table.
package session

import (
	"sync"

	"github.com/printwire/pcs/internal/pcserr"
	"github.com/printwire/pcs/internal/store"
)

// Session is one registered user session.
type Session struct {
	ID          uint32
	AccessLevel string
	Origin      string
	OriginPort  int
}

// Persister is the subset of internal/store.Store session needs,
// narrowed so tests can fake it without a real database.
type Persister interface {
	SaveSession(rec store.SessionRecord) error
	DeleteSession(id uint32) error
	LoadSessions() ([]store.SessionRecord, error)
}

// Registry is the in-memory table of registered sessions, backed by a
// Persister for restart durability.
type Registry struct {
	persist Persister

	mu      sync.Mutex
	byID    map[uint32]Session
	nextID  uint32
}

// NewRegistry constructs an empty Registry. persist may be nil, in
// which case sessions do not survive a restart.
func NewRegistry(persist Persister) *Registry {
	return &Registry{persist: persist, byID: make(map[uint32]Session), nextID: 1}
}

// Load restores every previously persisted session, called once at
// daemon startup (SPEC_FULL.md §12 "persist across daemon restart").
func (r *Registry) Load() error {
	if r.persist == nil {
		return nil
	}
	records, err := r.persist.LoadSessions()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.byID[rec.ID] = Session{ID: rec.ID, AccessLevel: rec.AccessLevel, Origin: rec.Origin, OriginPort: rec.OriginPort}
		if rec.ID >= r.nextID {
			r.nextID = rec.ID + 1
		}
	}
	return nil
}

// Add registers a new session and returns its assigned ID.
func (r *Registry) Add(accessLevel, origin string, originPort int) (uint32, error) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	session := Session{ID: id, AccessLevel: accessLevel, Origin: origin, OriginPort: originPort}
	r.byID[id] = session
	r.mu.Unlock()

	if r.persist != nil {
		if err := r.persist.SaveSession(store.SessionRecord{ID: id, AccessLevel: accessLevel, Origin: origin, OriginPort: originPort}); err != nil {
			r.mu.Lock()
			delete(r.byID, id)
			r.mu.Unlock()
			return 0, pcserr.Wrap(pcserr.KindIoError, err, "persisting session")
		}
	}
	return id, nil
}

// Remove unregisters the session with id. Returns NotFound if it was
// never registered (or was already removed).
func (r *Registry) Remove(id uint32) error {
	r.mu.Lock()
	_, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	r.mu.Unlock()

	if !ok {
		return pcserr.New(pcserr.KindNotFound, "session %d is not registered", id)
	}
	if r.persist != nil {
		if err := r.persist.DeleteSession(id); err != nil {
			return pcserr.Wrap(pcserr.KindIoError, err, "deleting persisted session")
		}
	}
	return nil
}

// Get looks up a session by id.
func (r *Registry) Get(id uint32) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.byID[id]
	return session, ok
}

// List returns every currently registered session.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, 0, len(r.byID))
	for _, session := range r.byID {
		out = append(out, session)
	}
	return out
}
