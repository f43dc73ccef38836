// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package fanout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/printwire/pcs/internal/model"
	"github.com/printwire/pcs/internal/proto"
)

func waitReady(t *testing.T, sub *Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sub.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestSubscribeDeliversAFullSnapshotFirst(t *testing.T) {
	store := model.NewStore(map[string]json.RawMessage{
		"state": json.RawMessage(`{"status":"idle"}`),
	})
	manager := NewManager(store)
	sub := manager.Subscribe("a", proto.SubscribeModePatch, nil)

	waitReady(t, sub)
	payload, isFull, sequence, err := sub.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !isFull {
		t.Fatal("expected the first delivery to be a full snapshot")
	}
	if sequence != 0 {
		t.Fatalf("got sequence %d, want 0", sequence)
	}
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(payload, &tree); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if string(tree["state"]) != `{"status":"idle"}` {
		t.Fatalf("got %s", tree["state"])
	}
}

func TestSubscribePatchModeSendsPatchAfterFirstSnapshot(t *testing.T) {
	store := model.NewStore(map[string]json.RawMessage{
		"state": json.RawMessage(`{"status":"idle"}`),
	})
	manager := NewManager(store)
	sub := manager.Subscribe("a", proto.SubscribeModePatch, nil)

	waitReady(t, sub)
	if _, _, _, err := sub.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	sub.Ack()

	store.SetKey("state", json.RawMessage(`{"status":"printing"}`))
	manager.Publish()

	waitReady(t, sub)
	payload, isFull, sequence, err := sub.Next()
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if isFull {
		t.Fatal("expected the second delivery to be a patch, not a full snapshot")
	}
	if sequence != 1 {
		t.Fatalf("got sequence %d, want 1", sequence)
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(payload, &patch); err != nil {
		t.Fatalf("unmarshal patch: %v", err)
	}
	if string(patch["state"]) != `{"status":"printing"}` {
		t.Fatalf("got %s", patch["state"])
	}
}

func TestSubscribeFullModeAlwaysSendsFullSnapshots(t *testing.T) {
	store := model.NewStore(map[string]json.RawMessage{
		"state": json.RawMessage(`{"status":"idle"}`),
	})
	manager := NewManager(store)
	sub := manager.Subscribe("a", proto.SubscribeModeFull, nil)

	waitReady(t, sub)
	sub.Next()
	sub.Ack()

	store.SetKey("state", json.RawMessage(`{"status":"printing"}`))
	manager.Publish()

	waitReady(t, sub)
	_, isFull, _, err := sub.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !isFull {
		t.Fatal("expected Full mode to keep sending full snapshots")
	}
}

func TestSubscribeFilterNarrowsToRequestedKeys(t *testing.T) {
	store := model.NewStore(map[string]json.RawMessage{
		"state": json.RawMessage(`{"status":"idle"}`),
		"move":  json.RawMessage(`{"speedFactor":1}`),
	})
	manager := NewManager(store)
	sub := manager.Subscribe("a", proto.SubscribeModeFull, []string{"state"})

	waitReady(t, sub)
	payload, _, _, err := sub.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(payload, &tree); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := tree["move"]; ok {
		t.Fatal("expected the move key to be filtered out")
	}
	if _, ok := tree["state"]; !ok {
		t.Fatal("expected the state key to survive the filter")
	}
}

func TestDiffTopLevelRemovedKeyBecomesNull(t *testing.T) {
	old := map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": json.RawMessage(`2`)}
	next := map[string]json.RawMessage{"a": json.RawMessage(`1`)}
	patch := diffTopLevel(old, next)
	if len(patch) != 1 {
		t.Fatalf("got patch %v, want exactly one entry", patch)
	}
	if string(patch["b"]) != "null" {
		t.Fatalf("got %s, want null for the removed key", patch["b"])
	}
}

func TestMarkResyncNeededForcesAFullSnapshot(t *testing.T) {
	store := model.NewStore(map[string]json.RawMessage{"state": json.RawMessage(`{}`)})
	manager := NewManager(store)
	sub := manager.Subscribe("a", proto.SubscribeModePatch, nil)

	waitReady(t, sub)
	sub.Next()
	sub.Ack()

	sub.MarkResyncNeeded()
	store.SetKey("state", json.RawMessage(`{"status":"printing"}`))
	manager.Publish()

	waitReady(t, sub)
	_, isFull, _, err := sub.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !isFull {
		t.Fatal("expected MarkResyncNeeded to force a full snapshot on the next delivery")
	}
}

func TestUnregisterIsSafeToCallTwice(t *testing.T) {
	store := model.NewStore(nil)
	manager := NewManager(store)
	manager.Subscribe("a", proto.SubscribeModeFull, nil)
	manager.Unregister("a")
	manager.Unregister("a")
}

func TestPublishDoesNotBlockWithNoSubscribers(t *testing.T) {
	manager := NewManager(model.NewStore(nil))
	manager.Publish()
}
