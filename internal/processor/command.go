// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package processor implements the four per-mode connection loops (spec
// §4.3-§4.6): Command (strict request/response), Intercept (streaming
// code interception with a verdict protocol), Subscribe (object-model
// push), and PluginHttpEndpoint (a side-channel HTTP bridge). Each loop
// takes ownership of a *conn.Connection for the lifetime of the
// connection and is structured the way cmd/bureau-ticket-service's
// per-action handlers are: a handler function per mode, reading frames
// until EOF or a fatal protocol error.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/printwire/pcs/internal/conn"
	"github.com/printwire/pcs/internal/dispatch"
	"github.com/printwire/pcs/internal/pcserr"
	"github.com/printwire/pcs/internal/proto"
)

// RunCommand implements the Command-mode processor (spec §4.3): read one
// command, dispatch it, write one response, repeat until EOF. Only one
// command is ever in flight — the next frame is not read until the
// previous response has been written — satisfying the "strictly serial
// request/response" invariant (spec §3, §5) without needing a
// correlation id.
func RunCommand(ctx context.Context, c *conn.Connection, d *dispatch.Dispatcher) error {
	for {
		raw, err := c.Reader().ReadRaw()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("processor: command: reading frame: %w", err)
		}

		command, decodeErr := proto.DecodeCommand(raw)
		if decodeErr != nil {
			if err := c.Writer().Write(proto.ErrorResponse(decodeErr)); err != nil {
				return fmt.Errorf("processor: command: writing decode error: %w", err)
			}
			continue
		}

		response := d.Dispatch(ctx, c, command)
		if err := c.Writer().Write(response); err != nil {
			return fmt.Errorf("processor: command: writing response: %w", err)
		}
	}
}

// writeProtocolError writes a best-effort error frame before a fatal
// protocol-level failure closes the connection (spec §7 "Propagation").
func writeProtocolError(c *conn.Connection, err error) {
	_ = c.Writer().Write(proto.ErrorResponse(pcserr.Wrap(pcserr.KindProtocolError, err, "protocol error")))
}
