// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/printwire/pcs/internal/conn"
	"github.com/printwire/pcs/internal/endpoint"
	"github.com/printwire/pcs/internal/pcserr"
	"github.com/printwire/pcs/internal/proto"
)

// bridgeRequest is the request-description frame the web front-end
// writes to a dedicated endpoint socket before optionally streaming the
// request body (spec §4.6 "writes a single request-description frame
// (method, query, headers, body-length), optionally streams the body").
type bridgeRequest struct {
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      string              `json:"query,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	BodyLength int64               `json:"bodyLength,omitempty"`
}

// bridgeResponse is the matching response-description frame.
type bridgeResponse struct {
	StatusCode int                 `json:"statusCode"`
	Headers    map[string][]string `json:"headers,omitempty"`
	BodyLength int64               `json:"bodyLength,omitempty"`
}

// RunHttpEndpoint implements the PluginHttpEndpoint-mode processor (spec
// §4.6). The first frame c sends after handshake is a registration
// request (the same shape as the Command-mode AddHttpEndpoint); on
// success the daemon creates and listens on a dedicated socket at
// socketDir and returns its path in the response.
//
// Design decision (recorded in DESIGN.md): the spec does not say who
// accepts connections on the dedicated socket's front-end side versus
// who actually answers each HTTP request. This implementation has the
// daemon both listen on the dedicated socket (the side the web
// front-end dials) and relay each accepted request over the *same*
// connection c that registered the endpoint — c is repurposed from
// JSON command frames to the HTTP-bridge framing for the rest of its
// lifetime, which is why this switch only happens after the one JSON
// registration exchange (see internal/frame.Reader.Unread).
func RunHttpEndpoint(ctx context.Context, c *conn.Connection, registry *endpoint.Registry, socketDir string) error {
	var reg proto.AddHttpEndpoint
	if err := c.Reader().ReadInto(&reg); err != nil {
		return fmt.Errorf("processor: httpendpoint: reading registration: %w", err)
	}

	socketPath := filepath.Join(socketDir, fmt.Sprintf("%s-%s-%s.sock", reg.Namespace, strings.ToLower(reg.Method), uuid.NewString()[:8]))
	listener, err := listenUnix(socketPath)
	if err != nil {
		wireErr := pcserr.Wrap(pcserr.KindIoError, err, "creating endpoint socket")
		_ = c.Writer().Write(proto.ErrorResponse(wireErr))
		return wireErr
	}

	key := endpoint.Key{Method: reg.Method, Namespace: reg.Namespace, Path: reg.Path}
	if err := registry.Add(endpoint.Registration{Key: key, IsUpload: reg.IsUpload, SocketPath: socketPath}); err != nil {
		listener.Close()
		os.Remove(socketPath)
		_ = c.Writer().Write(proto.ErrorResponse(err))
		return err
	}

	defer func() {
		registry.Remove(key)
		listener.Close()
		os.Remove(socketPath)
	}()

	response, err := proto.SuccessValue(socketPath)
	if err != nil {
		return err
	}
	if err := c.Writer().Write(response); err != nil {
		return fmt.Errorf("processor: httpendpoint: writing registration response: %w", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		front, acceptErr := listener.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil || errors.Is(acceptErr, net.ErrClosed) {
				return nil
			}
			continue
		}
		if err := bridgeOne(c, front); err != nil {
			front.Close()
			return fmt.Errorf("processor: httpendpoint: bridging request: %w", err)
		}
		front.Close()
	}
}

// listenUnix removes any stale socket file at path, listens, and
// restricts access to the owning user (spec §6 "Filesystem permissions
// gate access").
func listenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return listener, nil
}

// bridgeOne relays one front-end HTTP request, read off front, through
// plugin connection c's HTTP-bridge framing, and writes the plugin's
// response back to front.
func bridgeOne(c *conn.Connection, front net.Conn) error {
	decoder := json.NewDecoder(front)

	var request bridgeRequest
	if err := decoder.Decode(&request); err != nil {
		return fmt.Errorf("reading request description: %w", err)
	}
	body, err := readBody(io.MultiReader(decoder.Buffered(), front), request.BodyLength)
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}

	if err := c.Writer().Write(request); err != nil {
		return fmt.Errorf("forwarding request description: %w", err)
	}
	if len(body) > 0 {
		if err := c.Writer().WriteBytes(body); err != nil {
			return fmt.Errorf("forwarding request body: %w", err)
		}
	}

	var response bridgeResponse
	if err := c.Reader().ReadInto(&response); err != nil {
		return fmt.Errorf("reading response description: %w", err)
	}
	responseBody, err := readBody(c.Reader().Unread(), response.BodyLength)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	encoder := json.NewEncoder(front)
	if err := encoder.Encode(response); err != nil {
		return fmt.Errorf("writing response description: %w", err)
	}
	if len(responseBody) > 0 {
		if _, err := front.Write(responseBody); err != nil {
			return fmt.Errorf("writing response body: %w", err)
		}
	}
	return nil
}

func readBody(r io.Reader, length int64) ([]byte, error) {
	if length <= 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
