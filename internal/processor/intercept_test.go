// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"testing"

	"github.com/printwire/pcs/internal/conn"
	"github.com/printwire/pcs/internal/dispatch"
	"github.com/printwire/pcs/internal/gcode"
	"github.com/printwire/pcs/internal/modellock"
	"github.com/printwire/pcs/internal/pcserr"
	"github.com/printwire/pcs/internal/proto"
)

func TestRegistryOfferDeliversResolveVerdictThroughRunIntercept(t *testing.T) {
	sconn, clientReader, clientWriter, _, cleanup := handshakeOverUnixSocket(t, proto.ClientHello{
		Mode:             proto.ModeIntercept,
		Version:          proto.ProtocolVersion,
		InterceptOptions: &proto.InterceptOptions{Stage: proto.StagePreCode},
	})
	defer cleanup()

	session := NewSession(sconn)
	registry := NewRegistry()
	d := dispatch.NewDispatcher(modellock.NewManager())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- RunIntercept(ctx, sconn, d, registry, session) }()

	offerResult := make(chan struct {
		result    proto.CodeResult
		handled   bool
		cancelled bool
		err       error
	}, 1)
	go func() {
		result, handled, cancelled, err := registry.Offer(ctx, proto.StagePreCode, gcode.ChannelHTTP, proto.Code{Type: "G", Major: 28})
		offerResult <- struct {
			result    proto.CodeResult
			handled   bool
			cancelled bool
			err       error
		}{result, handled, cancelled, err}
	}()

	var offer proto.Offer
	if err := clientReader.ReadInto(&offer); err != nil {
		t.Fatalf("reading offer: %v", err)
	}
	if offer.Stage != proto.StagePreCode || offer.Type != "G" || offer.Major != 28 {
		t.Fatalf("got %+v, want the PreCode offer for G28", offer)
	}

	encoded, err := proto.EncodeCommand(&proto.Resolve{Result: proto.CodeResult{Content: "resolved", Type: "Ok"}})
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if err := clientWriter.WriteRaw(encoded); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	got := <-offerResult
	if got.err != nil {
		t.Fatalf("Offer returned an error: %v", got.err)
	}
	if !got.handled || got.cancelled {
		t.Fatalf("got handled=%v cancelled=%v, want handled=true cancelled=false", got.handled, got.cancelled)
	}
	if got.result.Content != "resolved" {
		t.Fatalf("got result %+v, want the Resolve verdict's payload", got.result)
	}

	cancel()
	sconn.Close()
	<-runErr
}

func TestRegistryOfferReportsCancelVerdict(t *testing.T) {
	sconn, clientReader, clientWriter, _, cleanup := handshakeOverUnixSocket(t, proto.ClientHello{
		Mode:             proto.ModeIntercept,
		Version:          proto.ProtocolVersion,
		InterceptOptions: &proto.InterceptOptions{Stage: proto.StagePreCode},
	})
	defer cleanup()

	session := NewSession(sconn)
	registry := NewRegistry()
	d := dispatch.NewDispatcher(modellock.NewManager())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- RunIntercept(ctx, sconn, d, registry, session) }()

	type outcome struct {
		handled, cancelled bool
		err                error
	}
	offerResult := make(chan outcome, 1)
	go func() {
		_, handled, cancelled, err := registry.Offer(ctx, proto.StagePreCode, gcode.ChannelHTTP, proto.Code{Type: "G", Major: 28})
		offerResult <- outcome{handled, cancelled, err}
	}()

	var offer proto.Offer
	if err := clientReader.ReadInto(&offer); err != nil {
		t.Fatalf("reading offer: %v", err)
	}

	encoded, err := proto.EncodeCommand(&proto.Cancel{})
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if err := clientWriter.WriteRaw(encoded); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	got := <-offerResult
	if got.err != nil {
		t.Fatalf("Offer returned an error: %v", got.err)
	}
	if got.handled || !got.cancelled {
		t.Fatalf("got handled=%v cancelled=%v, want handled=false cancelled=true", got.handled, got.cancelled)
	}

	cancel()
	sconn.Close()
	<-runErr
}

func TestRunInterceptDispatchesAuxiliaryCommands(t *testing.T) {
	sconn, clientReader, clientWriter, _, cleanup := handshakeOverUnixSocket(t, proto.ClientHello{
		Mode:             proto.ModeIntercept,
		Version:          proto.ProtocolVersion,
		InterceptOptions: &proto.InterceptOptions{Stage: proto.StagePreCode},
	})
	defer cleanup()

	session := NewSession(sconn)
	registry := NewRegistry()
	d := dispatch.NewDispatcher(modellock.NewManager())
	d.Register(proto.KindFlush, dispatch.Registration{
		AllowedModes: proto.Modes(proto.ModeIntercept),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			return proto.SuccessVoid(), nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- RunIntercept(ctx, sconn, d, registry, session) }()

	encoded, err := proto.EncodeCommand(&proto.Flush{Channel: "HTTP"})
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if err := clientWriter.WriteRaw(encoded); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	var response proto.Response
	if err := clientReader.ReadInto(&response); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	if !response.Success {
		t.Fatalf("got %+v, want a successful response for the auxiliary command", response)
	}

	sconn.Close()
	<-runErr
}

func TestRunInterceptReturnsProtocolErrorOnUnsolicitedVerdict(t *testing.T) {
	sconn, _, clientWriter, _, cleanup := handshakeOverUnixSocket(t, proto.ClientHello{
		Mode:             proto.ModeIntercept,
		Version:          proto.ProtocolVersion,
		InterceptOptions: &proto.InterceptOptions{Stage: proto.StagePreCode},
	})
	defer cleanup()

	session := NewSession(sconn)
	registry := NewRegistry()
	d := dispatch.NewDispatcher(modellock.NewManager())

	runErr := make(chan error, 1)
	go func() { runErr <- RunIntercept(context.Background(), sconn, d, registry, session) }()

	encoded, err := proto.EncodeCommand(&proto.Ignore{})
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if err := clientWriter.WriteRaw(encoded); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	err = <-runErr
	if pcserr.KindOf(err) != pcserr.KindProtocolError {
		t.Fatalf("got error %v, want KindProtocolError for an unsolicited verdict", err)
	}
}
