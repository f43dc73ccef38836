// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// pcs is the CLI/TUI client: it dials pcsd's Unix socket, negotiates
// one of the four client-facing modes, and drives that mode's wire
// protocol directly — there is no shared client library between pcs
// and pcsd, the same way bureau's own CLI and daemon only share wire
// types, not a connection object.
package main

import (
	"fmt"
	"net"

	"github.com/printwire/pcs/internal/frame"
	"github.com/printwire/pcs/internal/proto"
)

// wireConn is the client side of a handshaken connection: a raw net.Conn
// plus the frame reader/writer pair every subcommand reads and writes
// through directly, since only the daemon side needs the richer
// conn.Connection (permissions, peer credentials, per-mode options
// resolved from ClientHello).
type wireConn struct {
	net.Conn
	reader *frame.Reader
	writer *frame.Writer
}

// dial connects to socketPath and performs the client half of the
// handshake (spec §4.2): read the server hello, write the client hello
// naming mode/permissions/options, and check the init response.
func dial(socketPath string, hello proto.ClientHello) (*wireConn, error) {
	netConn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}

	reader := frame.NewBufferedReader(netConn)
	writer := frame.NewWriter(netConn)

	var serverHello proto.ServerHello
	if err := reader.ReadInto(&serverHello); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("reading server hello: %w", err)
	}
	if serverHello.Version != proto.ProtocolVersion {
		netConn.Close()
		return nil, fmt.Errorf("daemon speaks protocol version %d, pcs speaks %d", serverHello.Version, proto.ProtocolVersion)
	}

	hello.Version = proto.ProtocolVersion
	if err := writer.Write(hello); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("writing client hello: %w", err)
	}

	var init proto.InitResponse
	if err := reader.ReadInto(&init); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("reading init response: %w", err)
	}
	if !init.Success {
		netConn.Close()
		return nil, fmt.Errorf("daemon rejected handshake: %s", init.ErrorMessage)
	}

	return &wireConn{Conn: netConn, reader: reader, writer: writer}, nil
}

// call sends one Command-mode request and returns its Response,
// encoding cmd through proto.EncodeCommand the way every Command-mode
// caller must (the concrete request structs carry no "command"
// discriminator field of their own; EncodeCommand injects it).
func (wc *wireConn) call(cmd proto.Command) (proto.Response, error) {
	encoded, err := proto.EncodeCommand(cmd)
	if err != nil {
		return proto.Response{}, fmt.Errorf("encoding %s: %w", cmd.CommandName(), err)
	}
	if err := wc.writer.WriteRaw(encoded); err != nil {
		return proto.Response{}, fmt.Errorf("writing %s: %w", cmd.CommandName(), err)
	}

	var response proto.Response
	if err := wc.reader.ReadInto(&response); err != nil {
		return proto.Response{}, fmt.Errorf("reading response to %s: %w", cmd.CommandName(), err)
	}
	return response, nil
}
