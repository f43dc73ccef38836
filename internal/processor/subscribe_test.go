// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/printwire/pcs/internal/fanout"
	"github.com/printwire/pcs/internal/model"
	"github.com/printwire/pcs/internal/proto"
)

func TestRunSubscribePushesSnapshotThenAPatchAfterAck(t *testing.T) {
	serverConn, clientReader, clientWriter, _, cleanup := handshakeOverUnixSocket(t, proto.ClientHello{
		Mode:             proto.ModeSubscribe,
		Version:          proto.ProtocolVersion,
		SubscribeOptions: &proto.SubscribeOptions{Mode: proto.SubscribeModePatch},
	})
	defer cleanup()

	store := model.NewStore(map[string]json.RawMessage{"state": json.RawMessage(`{"status":"idle"}`)})
	manager := fanout.NewManager(store)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- RunSubscribe(ctx, serverConn, manager) }()

	var first struct {
		Full     bool            `json:"full"`
		Sequence uint64          `json:"sequence"`
		Data     json.RawMessage `json:"data"`
	}
	if err := clientReader.ReadInto(&first); err != nil {
		t.Fatalf("reading first push: %v", err)
	}
	if !first.Full {
		t.Fatal("expected frame 0 to be a full snapshot")
	}
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(first.Data, &tree); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if string(tree["state"]) != `{"status":"idle"}` {
		t.Fatalf("got %s", tree["state"])
	}

	if err := clientWriter.Write(struct {
		Ack bool `json:"ack"`
	}{Ack: true}); err != nil {
		t.Fatalf("writing ack: %v", err)
	}

	store.SetKey("state", json.RawMessage(`{"status":"printing"}`))
	manager.Publish()

	var second struct {
		Full     bool            `json:"full"`
		Sequence uint64          `json:"sequence"`
		Data     json.RawMessage `json:"data"`
	}
	if err := clientReader.ReadInto(&second); err != nil {
		t.Fatalf("reading second push: %v", err)
	}
	if second.Full {
		t.Fatal("expected the second push to be a patch, not a full snapshot")
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(second.Data, &patch); err != nil {
		t.Fatalf("unmarshal patch: %v", err)
	}
	if string(patch["state"]) != `{"status":"printing"}` {
		t.Fatalf("got %s", patch["state"])
	}

	cancel()
	<-runErr
}

func TestRunSubscribeReturnsCleanlyOnClientDisconnect(t *testing.T) {
	serverConn, clientReader, _, client, cleanup := handshakeOverUnixSocket(t, proto.ClientHello{
		Mode:             proto.ModeSubscribe,
		Version:          proto.ProtocolVersion,
		SubscribeOptions: &proto.SubscribeOptions{Mode: proto.SubscribeModeFull},
	})
	defer cleanup()

	store := model.NewStore(nil)
	manager := fanout.NewManager(store)

	runErr := make(chan error, 1)
	go func() { runErr <- RunSubscribe(context.Background(), serverConn, manager) }()

	var first struct {
		Full     bool            `json:"full"`
		Sequence uint64          `json:"sequence"`
		Data     json.RawMessage `json:"data"`
	}
	if err := clientReader.ReadInto(&first); err != nil {
		t.Fatalf("reading first push: %v", err)
	}

	client.Close()
	if err := <-runErr; err != nil {
		t.Fatalf("expected RunSubscribe to return nil on disconnect, got %v", err)
	}
}
