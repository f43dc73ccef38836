// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package frame implements the wire framing described in spec §4.1: every
// frame is a self-delimited JSON value, frames are concatenated with no
// length prefix and no separator, and the next frame begins immediately
// after the previous one's last byte. encoding/json's streaming Decoder is
// the stdlib mechanism built for exactly this (it stops at the shortest
// prefix that parses as a complete value and remembers its position in
// the underlying reader for the next call) — see DESIGN.md for why this
// one piece of the core is grounded on stdlib rather than a pack example.
package frame

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Reader reads successive JSON-value frames off an io.Reader.
type Reader struct {
	decoder *json.Decoder
	src     io.Reader
}

// NewReader wraps r. Buffering is left to the caller's io.Reader (a
// *net.TCPConn/*net.UnixConn has no internal buffer, so callers normally
// wrap it in bufio.NewReader first — see NewBufferedReader).
func NewReader(r io.Reader) *Reader {
	return &Reader{decoder: json.NewDecoder(r), src: r}
}

// NewBufferedReader wraps r in a bufio.Reader before framing it, which is
// the common case for a raw net.Conn.
func NewBufferedReader(r io.Reader) *Reader {
	return NewReader(bufio.NewReader(r))
}

// ReadInto decodes the next frame directly into v, avoiding an
// intermediate []byte copy when the caller already knows the target
// type (used by the handshake, which always expects a specific shape).
func (r *Reader) ReadInto(v any) error {
	if err := r.decoder.Decode(v); err != nil {
		return fmt.Errorf("frame: read: %w", err)
	}
	return nil
}

// ReadRaw decodes the next frame as a raw JSON value, deferring shape
// decisions to the caller (used by the command processor, which must
// peek the "command" discriminator before picking a concrete type).
func (r *Reader) ReadRaw() (json.RawMessage, error) {
	var raw json.RawMessage
	if err := r.decoder.Decode(&raw); err != nil {
		return nil, fmt.Errorf("frame: read: %w", err)
	}
	return raw, nil
}

// Unread returns an io.Reader yielding any bytes the decoder already
// pulled from its source but has not yet handed to a decoded value,
// followed by the reader's original source. It lets a caller hand off
// raw byte access after reading one or more JSON frames through this
// Reader — used by the PluginHttpEndpoint processor, which switches a
// connection from JSON command frames to the distinct, non-JSON-framed
// HTTP-bridge protocol once its one-time registration frame has been
// read (spec §4.6 "This side channel ... is not part of the command
// protocol").
func (r *Reader) Unread() io.Reader {
	return io.MultiReader(r.decoder.Buffered(), r.src)
}

// Writer serializes one JSON value per frame. Writes are serialized
// under a mutex so that a single connection's socket writes from
// different goroutines (e.g. the command loop and an async intercept
// offer) never interleave — spec §5 "Per-connection socket writes are
// serialized by a write mutex local to that connection."
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write marshals v and writes it as a single frame. One frame is one
// io.Writer.Write call under the lock, matching the teacher's "atomic
// write under a per-connection write mutex" discipline (spec §4.1).
func (w *Writer) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("frame: marshal: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("frame: write: %w", err)
	}
	return nil
}

// WriteRaw writes an already-encoded JSON value as a single frame,
// under the same write mutex as Write.
func (w *Writer) WriteRaw(data json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("frame: write: %w", err)
	}
	return nil
}

// WriteBytes writes data verbatim under the same write mutex as Write,
// with no JSON encoding — the other half of the Unread handoff, for a
// connection that has switched to the non-JSON HTTP-bridge framing.
func (w *Writer) WriteBytes(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("frame: write: %w", err)
	}
	return nil
}
