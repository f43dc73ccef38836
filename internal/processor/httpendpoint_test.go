// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/printwire/pcs/internal/endpoint"
	"github.com/printwire/pcs/internal/proto"
)

func TestRunHttpEndpointRegistersAndBridgesARequest(t *testing.T) {
	sconn, clientReader, clientWriter, _, cleanup := handshakeOverUnixSocket(t, proto.ClientHello{
		Mode:    proto.ModePluginHttpEndpoint,
		Version: proto.ProtocolVersion,
		Plugin:  "webcam",
	})
	defer cleanup()

	if err := clientWriter.Write(proto.AddHttpEndpoint{Method: "GET", Namespace: "webcam", Path: "/snapshot"}); err != nil {
		t.Fatalf("writing registration: %v", err)
	}

	registry := endpoint.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- RunHttpEndpoint(ctx, sconn, registry, t.TempDir()) }()

	var response proto.Response
	if err := clientReader.ReadInto(&response); err != nil {
		t.Fatalf("reading registration response: %v", err)
	}
	if !response.Success {
		t.Fatalf("got %+v, want a successful registration response", response)
	}
	var socketPath string
	if err := json.Unmarshal(response.Result, &socketPath); err != nil {
		t.Fatalf("decoding socket path: %v", err)
	}

	reg, ok := registry.Lookup(endpoint.Key{Method: "GET", Namespace: "webcam", Path: "/snapshot"})
	if !ok || reg.SocketPath != socketPath {
		t.Fatalf("got registration %+v ok=%v, want it registered at %q", reg, ok, socketPath)
	}

	// Simulate the plugin side of the bridge: read the forwarded request
	// description, then write back a response description and body.
	pluginDone := make(chan struct{})
	go func() {
		defer close(pluginDone)
		var forwarded struct {
			Method string `json:"method"`
			Path   string `json:"path"`
		}
		if err := clientReader.ReadInto(&forwarded); err != nil {
			t.Errorf("reading forwarded request: %v", err)
			return
		}
		if forwarded.Method != "GET" || forwarded.Path != "/snapshot" {
			t.Errorf("got forwarded request %+v", forwarded)
		}
		if err := clientWriter.Write(struct {
			StatusCode int `json:"statusCode"`
			BodyLength int `json:"bodyLength"`
		}{StatusCode: 200, BodyLength: len("hello")}); err != nil {
			t.Errorf("writing response description: %v", err)
			return
		}
		if err := clientWriter.WriteBytes([]byte("hello")); err != nil {
			t.Errorf("writing response body: %v", err)
		}
	}()

	front, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dialing endpoint socket: %v", err)
	}
	defer front.Close()

	if _, err := front.Write([]byte(`{"method":"GET","path":"/snapshot"}`)); err != nil {
		t.Fatalf("writing front-end request: %v", err)
	}

	body, err := io.ReadAll(front)
	if err != nil {
		t.Fatalf("reading front-end response: %v", err)
	}
	var gotResponse struct {
		StatusCode int `json:"statusCode"`
		BodyLength int `json:"bodyLength"`
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	if err := decoder.Decode(&gotResponse); err != nil {
		t.Fatalf("decoding front-end response description: %v", err)
	}
	if gotResponse.StatusCode != 200 {
		t.Fatalf("got status %d, want 200", gotResponse.StatusCode)
	}
	rest, err := io.ReadAll(decoder.Buffered())
	if err != nil {
		t.Fatalf("reading trailing body: %v", err)
	}
	if string(rest) != "hello" {
		t.Fatalf("got body %q, want %q", rest, "hello")
	}

	<-pluginDone
	cancel()
	sconn.Close()
	<-runErr
}
