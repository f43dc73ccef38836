// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package conn owns the per-connection handshake and the Connection
// handle every mode processor operates against: framed I/O, the
// negotiated mode and permission set, and the peer identity resolved
// over SO_PEERCRED.
package conn

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/printwire/pcs/internal/frame"
	"github.com/printwire/pcs/internal/peercred"
	"github.com/printwire/pcs/internal/proto"
)

// Connection is one accepted socket after a completed handshake.
type Connection struct {
	ID          string
	Mode        proto.Mode
	Permissions proto.PermissionSet
	Plugin      string
	Subscribe   *proto.SubscribeOptions
	Intercept   *proto.InterceptOptions
	Peer        peercred.Credentials

	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer
	log    *slog.Logger
}

// NewForTesting builds a Connection bypassing the handshake, for
// dispatcher/handler tests that only need the negotiated fields and a
// logger, not a real socket.
func NewForTesting(id string, mode proto.Mode, permissions proto.PermissionSet, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Connection{ID: id, Mode: mode, Permissions: permissions, log: logger}
}

// Raw exposes the underlying net.Conn for callers that need it (e.g. to
// close it, or to hand it off to a plugin endpoint listener).
func (c *Connection) Raw() net.Conn { return c.conn }

// Reader returns the connection's frame reader.
func (c *Connection) Reader() *frame.Reader { return c.reader }

// Writer returns the connection's frame writer.
func (c *Connection) Writer() *frame.Writer { return c.writer }

// Log returns a logger pre-tagged with this connection's identity.
func (c *Connection) Log() *slog.Logger { return c.log }

// Close closes the underlying socket.
func (c *Connection) Close() error { return c.conn.Close() }

// Handshake performs the server-hello/client-hello exchange on a freshly
// accepted socket and returns a ready-to-use Connection, or an error if
// the peer never completed a valid handshake. On any validation
// failure, an init-response with success=false is written before the
// error is returned to the caller, who is expected to close the socket.
func Handshake(netConn net.Conn, logger *slog.Logger) (*Connection, error) {
	reader := frame.NewBufferedReader(netConn)
	writer := frame.NewWriter(netConn)

	if err := writer.Write(proto.ServerHello{Version: proto.ProtocolVersion}); err != nil {
		return nil, fmt.Errorf("conn: writing server hello: %w", err)
	}

	var hello proto.ClientHello
	if err := reader.ReadInto(&hello); err != nil {
		return nil, fmt.Errorf("conn: reading client hello: %w", err)
	}

	if err := validateHello(hello); err != nil {
		if failErr := writeInitFailure(writer, err.Error()); failErr != nil {
			return nil, fmt.Errorf("conn: %w (also failed writing init failure: %v)", err, failErr)
		}
		return nil, err
	}

	peer, err := peercred.Lookup(netConn)
	if err != nil {
		_ = writeInitFailure(writer, "could not resolve peer identity")
		return nil, fmt.Errorf("conn: resolving peer credentials: %w", err)
	}

	sessionID := uuid.New()
	if err := writer.Write(proto.InitResponse{Success: true}); err != nil {
		return nil, fmt.Errorf("conn: writing init response: %w", err)
	}

	connLog := logger.With(
		"sessionId", sessionID.String(),
		"mode", string(hello.Mode),
		"peerPid", peer.PID,
		"peerUid", peer.UID,
	)
	connLog.Info("connection established")

	return &Connection{
		ID:          sessionID.String(),
		Mode:        hello.Mode,
		Permissions: hello.Permissions,
		Plugin:      hello.Plugin,
		Subscribe:   hello.SubscribeOptions,
		Intercept:   hello.InterceptOptions,
		Peer:        peer,
		conn:        netConn,
		reader:      reader,
		writer:      writer,
		log:         connLog,
	}, nil
}

func validateHello(hello proto.ClientHello) error {
	if !hello.Mode.Valid() {
		return fmt.Errorf("conn: unrecognized mode %q", hello.Mode)
	}
	if hello.Version != proto.ProtocolVersion {
		return fmt.Errorf("conn: unsupported protocol version %d (daemon speaks %d)", hello.Version, proto.ProtocolVersion)
	}
	switch hello.Mode {
	case proto.ModeSubscribe:
		if hello.SubscribeOptions == nil {
			return fmt.Errorf("conn: Subscribe mode requires subscribe-options")
		}
		if hello.SubscribeOptions.Mode != proto.SubscribeModeFull && hello.SubscribeOptions.Mode != proto.SubscribeModePatch {
			return fmt.Errorf("conn: invalid subscribe mode %q", hello.SubscribeOptions.Mode)
		}
	case proto.ModeIntercept:
		if hello.InterceptOptions == nil {
			return fmt.Errorf("conn: Intercept mode requires intercept-options")
		}
	case proto.ModePluginService, proto.ModePluginHttpEndpoint:
		if hello.Plugin == "" {
			return fmt.Errorf("conn: %s mode requires a plugin name", hello.Mode)
		}
	}
	return nil
}

func writeInitFailure(writer *frame.Writer, reason string) error {
	raw, err := proto.MarshalInitFailure(reason)
	if err != nil {
		return err
	}
	return writer.WriteRaw(raw)
}
