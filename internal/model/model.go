// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package model holds the live object-model snapshot: an opaque JSON tree
// whose top-level keys ("state", "move", "heat", "sensors", "job", ...)
// form the patch-key namespace (spec §3 "Object-model snapshot"). Per the
// spec's Design Notes ("Dynamic typing at the model edges"), the model is
// never strongly typed end to end — it is kept as
// map[string]json.RawMessage at this layer and typed accessors belong to
// clients, not the core.
package model

import (
	"encoding/json"
	"sync"
)

// Store is a guarded, snapshot-consistent object model. Every successful
// Snapshot call returns a tree consistent at one instant (spec §3
// invariant); the modification Sequence lets callers detect whether a
// snapshot they hold is stale (SyncObjectModel, subscription resync).
type Store struct {
	mu       sync.RWMutex
	tree     map[string]json.RawMessage
	sequence uint64
}

// NewStore creates a Store seeded with an initial tree. A nil seed
// starts from an empty object model.
func NewStore(seed map[string]json.RawMessage) *Store {
	tree := make(map[string]json.RawMessage, len(seed))
	for k, v := range seed {
		tree[k] = append(json.RawMessage(nil), v...)
	}
	return &Store{tree: tree}
}

// Sequence returns the current modification sequence number. Patches
// delivered to subscribers are ordered with respect to this counter
// (spec §3 "patches are ordered with respect to a single
// model-modification sequence").
func (s *Store) Sequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence
}

// Snapshot returns a deep-enough copy of the full object model (the
// top-level map is copied; leaf values are immutable json.RawMessage so
// no further copying is needed) along with the sequence number it was
// taken at.
func (s *Store) Snapshot() (map[string]json.RawMessage, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	copied := make(map[string]json.RawMessage, len(s.tree))
	for k, v := range s.tree {
		copied[k] = v
	}
	return copied, s.sequence
}

// MarshalSnapshot returns the full object model as a single encoded
// JSON object, the shape GetObjectModel and a Subscribe full-mode push
// deliver on the wire.
func (s *Store) MarshalSnapshot() (json.RawMessage, uint64) {
	tree, sequence := s.Snapshot()
	raw, err := json.Marshal(tree)
	if err != nil {
		// tree only ever holds values that were themselves already
		// decoded from JSON, so re-marshaling cannot fail.
		panic("model: marshaling snapshot: " + err.Error())
	}
	return raw, sequence
}

// SetKey replaces one top-level key's subtree wholesale (SetObjectModel)
// and advances the sequence. Callers are responsible for holding the
// object-model lock before calling this (internal/modellock) — Store
// itself only guarantees memory-safety, not the cross-connection
// exclusivity the spec requires of writes.
func (s *Store) SetKey(key string, value json.RawMessage) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree[key] = append(json.RawMessage(nil), value...)
	s.sequence++
	return s.sequence
}

// ApplyMergePatch applies an RFC 7396 JSON merge patch to the whole
// model (PatchObjectModel) and advances the sequence.
func (s *Store) ApplyMergePatch(patch json.RawMessage) (uint64, error) {
	var patchFields map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchFields); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range patchFields {
		if isJSONNull(value) {
			delete(s.tree, key)
			continue
		}
		merged, err := mergePatchValue(s.tree[key], value)
		if err != nil {
			return 0, err
		}
		s.tree[key] = merged
	}
	s.sequence++
	return s.sequence, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

// mergePatchValue applies RFC 7396 merge-patch semantics recursively:
// an object patch value merges key-by-key into the original (recursing
// for object values, overwriting otherwise); any non-object patch value
// replaces the original wholesale.
func mergePatchValue(original, patch json.RawMessage) (json.RawMessage, error) {
	var patchObject map[string]json.RawMessage
	if err := json.Unmarshal(patch, &patchObject); err != nil {
		// Patch value is not a JSON object (string/number/bool/array):
		// it replaces the original outright.
		return append(json.RawMessage(nil), patch...), nil
	}

	var originalObject map[string]json.RawMessage
	if len(original) > 0 {
		// If the original isn't an object either, the patch object
		// still wins outright per RFC 7396 §2.
		if err := json.Unmarshal(original, &originalObject); err != nil {
			originalObject = nil
		}
	}
	if originalObject == nil {
		originalObject = make(map[string]json.RawMessage)
	}

	for key, value := range patchObject {
		if isJSONNull(value) {
			delete(originalObject, key)
			continue
		}
		merged, err := mergePatchValue(originalObject[key], value)
		if err != nil {
			return nil, err
		}
		originalObject[key] = merged
	}

	return json.Marshal(originalObject)
}
