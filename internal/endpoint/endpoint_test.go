// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"testing"

	"github.com/printwire/pcs/internal/pcserr"
)

func TestAddThenLookupThenRemove(t *testing.T) {
	r := NewRegistry()
	key := Key{Method: "GET", Namespace: "myplugin", Path: "/status"}

	if err := r.Add(Registration{Key: key, SocketPath: "/run/pcs/endpoints/myplugin.sock"}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	reg, ok := r.Lookup(key)
	if !ok {
		t.Fatal("expected the registration to be found")
	}
	if reg.SocketPath != "/run/pcs/endpoints/myplugin.sock" {
		t.Fatalf("got %q", reg.SocketPath)
	}

	if removed, err := r.Remove(key); err != nil {
		t.Fatalf("Remove: %v", err)
	} else if removed.Key != key {
		t.Fatalf("got %+v", removed)
	}

	if _, ok := r.Lookup(key); ok {
		t.Fatal("expected the registration to be gone after Remove")
	}
}

func TestAddRejectsDuplicateTuple(t *testing.T) {
	r := NewRegistry()
	key := Key{Method: "GET", Namespace: "myplugin", Path: "/status"}
	if err := r.Add(Registration{Key: key}); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	err := r.Add(Registration{Key: key})
	if pcserr.KindOf(err) != pcserr.KindAlreadyExists {
		t.Fatalf("got error %v, want KindAlreadyExists", err)
	}
}

func TestAddRejectsReservedNamespace(t *testing.T) {
	r := NewRegistry()
	err := r.Add(Registration{Key: Key{Method: "GET", Namespace: "machine", Path: "/status"}})
	if pcserr.KindOf(err) != pcserr.KindInvalidArgument {
		t.Fatalf("got error %v, want KindInvalidArgument", err)
	}
}

func TestRemoveUnknownTupleReturnsNotFound(t *testing.T) {
	r := NewRegistry()
	_, err := r.Remove(Key{Method: "GET", Namespace: "nope", Path: "/x"})
	if pcserr.KindOf(err) != pcserr.KindNotFound {
		t.Fatalf("got error %v, want KindNotFound", err)
	}
}

func TestListReturnsEveryRegistration(t *testing.T) {
	r := NewRegistry()
	keys := []Key{
		{Method: "GET", Namespace: "a", Path: "/x"},
		{Method: "POST", Namespace: "b", Path: "/y"},
	}
	for _, key := range keys {
		if err := r.Add(Registration{Key: key}); err != nil {
			t.Fatalf("Add(%v): %v", key, err)
		}
	}
	list := r.List()
	if len(list) != len(keys) {
		t.Fatalf("got %d registrations, want %d", len(list), len(keys))
	}
}

func TestAddDoesNotMutateAnEarlierListSnapshot(t *testing.T) {
	r := NewRegistry()
	first := Key{Method: "GET", Namespace: "a", Path: "/x"}
	if err := r.Add(Registration{Key: first}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	snapshot := r.List()

	second := Key{Method: "GET", Namespace: "b", Path: "/y"}
	if err := r.Add(Registration{Key: second}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if len(snapshot) != 1 {
		t.Fatalf("expected the earlier snapshot to stay at length 1, got %d", len(snapshot))
	}
}
