// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package fanout delivers object-model changes to Subscribe-mode
// connections: each subscriber tracks what it last sent, a single
// latest-wins pending slot absorbs any number of model changes between
// acknowledgements, and a key filter narrows both full and patch
// payloads to the top-level keys the subscriber asked for.
package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/printwire/pcs/internal/model"
	"github.com/printwire/pcs/internal/proto"
)

// SubscriberID identifies a subscription for logging and lookup.
type SubscriberID string

// Subscription is one Subscribe-mode connection's delivery state.
type Subscription struct {
	id     SubscriberID
	store  *model.Store
	mode   proto.SubscribeMode
	filter map[string]struct{} // nil/empty means "all keys"

	notify chan struct{} // capacity 1; collapses any number of Publish calls

	mu         sync.Mutex
	lastSent   map[string]json.RawMessage // filtered keys last delivered
	lastSeq    uint64
	needResync bool
	closed     atomic.Bool
}

// Manager fans model changes out to every registered Subscription.
type Manager struct {
	store *model.Store

	mu   sync.Mutex
	subs map[SubscriberID]*Subscription
}

// NewManager constructs a Manager backed by store.
func NewManager(store *model.Store) *Manager {
	return &Manager{store: store, subs: make(map[SubscriberID]*Subscription)}
}

// Subscribe registers a new subscription. An empty filter subscribes to
// every top-level key.
func (m *Manager) Subscribe(id SubscriberID, mode proto.SubscribeMode, filter []string) *Subscription {
	var filterSet map[string]struct{}
	if len(filter) > 0 {
		filterSet = make(map[string]struct{}, len(filter))
		for _, key := range filter {
			filterSet[key] = struct{}{}
		}
	}
	sub := &Subscription{
		id:     id,
		store:  m.store,
		mode:   mode,
		filter: filterSet,
		notify: make(chan struct{}, 1),
	}

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	// Wake it immediately so the first Next call delivers the current
	// snapshot rather than blocking until some unrelated change lands.
	sub.wake()
	return sub
}

// Unregister removes a subscription. Safe to call more than once.
func (m *Manager) Unregister(id SubscriberID) {
	m.mu.Lock()
	sub, ok := m.subs[id]
	delete(m.subs, id)
	m.mu.Unlock()
	if ok {
		sub.closed.Store(true)
	}
}

// Publish notifies every subscriber that the model changed. It never
// blocks: a subscriber already holding a pending notification just
// keeps it, since Next always recomputes against the store's current
// state rather than replaying a queued value.
func (m *Manager) Publish() {
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.wake()
	}
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until a change has been published since the last delivery
// or ctx is cancelled.
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case <-s.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkResyncNeeded forces the next Next call to deliver a full snapshot
// instead of a patch, used when a pending patch payload would have
// silently dropped a key (spec's "never silently drop a key" guarantee:
// when that would happen, fall back to a resync instead).
func (s *Subscription) MarkResyncNeeded() {
	s.mu.Lock()
	s.needResync = true
	s.mu.Unlock()
}

// Next computes this subscription's next payload against the store's
// current state. It returns the encoded frame body, whether it is a
// full snapshot (as opposed to a merge patch), and the sequence number
// it reflects. The caller must call Ack once the frame has been
// acknowledged by the peer before calling Next again (strict ack-gated
// backpressure).
func (s *Subscription) Next() (payload json.RawMessage, isFull bool, sequence uint64, err error) {
	tree, seq := s.store.Snapshot()
	filtered := s.applyFilter(tree)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == proto.SubscribeModeFull || s.lastSent == nil || s.needResync {
		raw, err := json.Marshal(filtered)
		if err != nil {
			return nil, false, 0, err
		}
		s.lastSent = filtered
		s.lastSeq = seq
		s.needResync = false
		return raw, true, seq, nil
	}

	patch := diffTopLevel(s.lastSent, filtered)
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, false, 0, err
	}
	s.lastSent = filtered
	s.lastSeq = seq
	return raw, false, seq, nil
}

// Ack is a no-op placeholder for symmetry with the wire protocol's
// ack frame; Next already commits delivery state eagerly since the
// processor serializes Next/Ack pairs per connection. Kept as a
// separate method so the processor's intent reads clearly at the call
// site.
func (s *Subscription) Ack() {}

func (s *Subscription) applyFilter(tree map[string]json.RawMessage) map[string]json.RawMessage {
	if s.filter == nil {
		return tree
	}
	filtered := make(map[string]json.RawMessage, len(s.filter))
	for key := range s.filter {
		if value, ok := tree[key]; ok {
			filtered[key] = value
		}
	}
	return filtered
}

// diffTopLevel builds an RFC 7396 merge patch between two top-level key
// sets: changed or added keys carry their new value, removed keys carry
// JSON null. Subtree contents are compared by byte equality, not deep
// equality, which is conservative (a reordered-but-equivalent subtree
// is resent) but never drops a real change.
func diffTopLevel(old, new map[string]json.RawMessage) map[string]json.RawMessage {
	patch := make(map[string]json.RawMessage)
	for key, value := range new {
		if prior, ok := old[key]; !ok || string(prior) != string(value) {
			patch[key] = value
		}
	}
	for key := range old {
		if _, ok := new[key]; !ok {
			patch[key] = json.RawMessage("null")
		}
	}
	return patch
}
