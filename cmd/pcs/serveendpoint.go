// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/printwire/pcs/internal/proto"
)

// bridgeRequest/bridgeResponse mirror internal/processor/httpendpoint.go's
// unexported wire structs. This client can't import those (they're
// processor-internal), so it reproduces the same field names/tags —
// the two sides only ever agree through the wire format, same as the
// AddHttpEndpoint/Response exchange.
type bridgeRequest struct {
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      string              `json:"query,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	BodyLength int64               `json:"bodyLength,omitempty"`
}

type bridgeResponse struct {
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers,omitempty"`
	BodyLength int64               `json:"bodyLength,omitempty"`
}

// runServeEndpoint registers one HTTP endpoint over a PluginHttpEndpoint
// connection and answers every bridged request with a fixed body,
// demonstrating the bridge end to end (spec §4.6, SPEC_FULL.md §12
// "a serve-endpoint command ... demonstrates the HTTP bridge").
func runServeEndpoint(args []string) error {
	flagSet := pflag.NewFlagSet("serve-endpoint", pflag.ContinueOnError)
	socketPath := socketFlag(flagSet)
	method := flagSet.String("method", "GET", "HTTP method to register")
	namespace := flagSet.String("namespace", "pcs-demo", "endpoint namespace")
	path := flagSet.String("path", "/status", "endpoint path")
	body := flagSet.String("body", `{"ok":true}`, "fixed response body every request gets")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	wc, err := dial(*socketPath, proto.ClientHello{Mode: proto.ModePluginHttpEndpoint})
	if err != nil {
		return err
	}
	defer wc.Close()

	registration := proto.AddHttpEndpoint{Method: *method, Namespace: *namespace, Path: *path}
	if err := wc.writer.Write(registration); err != nil {
		return fmt.Errorf("writing endpoint registration: %w", err)
	}

	var response proto.Response
	if err := wc.reader.ReadInto(&response); err != nil {
		return fmt.Errorf("reading registration response: %w", err)
	}
	if !response.Success {
		return fmt.Errorf("registration failed: %s: %s", response.ErrorType, response.ErrorMessage)
	}
	fmt.Printf("serving %s %s%s, answering every request with %q. Ctrl-C to stop.\n", *method, *namespace, *path, *body)

	for {
		var req bridgeRequest
		if err := wc.reader.ReadInto(&req); err != nil {
			return err
		}
		if req.BodyLength > 0 {
			if _, err := io.CopyN(io.Discard, wc.reader.Unread(), req.BodyLength); err != nil {
				return fmt.Errorf("discarding request body: %w", err)
			}
		}

		if err := wc.writer.Write(bridgeResponse{
			StatusCode: 200,
			Headers:    map[string][]string{"Content-Type": {"application/json"}},
			BodyLength: int64(len(*body)),
		}); err != nil {
			return fmt.Errorf("writing response description: %w", err)
		}
		if err := wc.writer.WriteBytes([]byte(*body)); err != nil {
			return fmt.Errorf("writing response body: %w", err)
		}
	}
}
