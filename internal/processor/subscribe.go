// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/printwire/pcs/internal/conn"
	"github.com/printwire/pcs/internal/fanout"
)

// subscribeAck is the frame a Subscribe-mode client sends after fully
// processing a pushed frame, gating the next push (spec §4.5
// "the server must not push frame N+1 before acknowledge-N is
// received").
type subscribeAck struct {
	Ack bool `json:"ack"`
}

// subscribePush is the envelope wrapping each pushed frame with
// whether it is a full snapshot (as opposed to a merge patch) and the
// object-model sequence number it reflects, letting a client detect
// gaps even though the wire protocol otherwise carries opaque JSON
// trees (spec §3 "patches are ordered with respect to a single
// model-modification sequence").
type subscribePush struct {
	Full     bool            `json:"full"`
	Sequence uint64          `json:"sequence"`
	Data     json.RawMessage `json:"data"`
}

// RunSubscribe implements the Subscribe-mode processor (spec §4.5): push
// frame 0 (the full snapshot) immediately, then alternate push/ack with
// the fanout manager computing each subsequent frame against the
// object model's current state, never sending frame N+1 before
// acknowledge-N arrives.
func RunSubscribe(ctx context.Context, c *conn.Connection, manager *fanout.Manager) error {
	sub := manager.Subscribe(fanout.SubscriberID(c.ID), c.Subscribe.Mode, c.Subscribe.Filter)
	defer manager.Unregister(fanout.SubscriberID(c.ID))

	// Frame 0: deliver the current snapshot unconditionally, even if
	// no model change has been published yet (spec §4.5 "On init:
	// deliver a full object-model snapshot").
	if err := pushNext(c, sub); err != nil {
		return err
	}
	if err := readAck(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	for {
		if err := sub.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := pushNext(c, sub); err != nil {
			return err
		}
		if err := readAck(c); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func pushNext(c *conn.Connection, sub *fanout.Subscription) error {
	payload, isFull, sequence, err := sub.Next()
	if err != nil {
		return fmt.Errorf("processor: subscribe: computing next frame: %w", err)
	}
	sub.Ack()
	if err := c.Writer().Write(subscribePush{Full: isFull, Sequence: sequence, Data: payload}); err != nil {
		return fmt.Errorf("processor: subscribe: writing push: %w", err)
	}
	return nil
}

// readAck blocks for the subscriber's acknowledge frame. Any frame
// shape the client sends counts as an acknowledge — the field is
// present for client-side symmetry with the push envelope, not parsed
// strictly, since the backpressure contract only cares that exactly one
// frame arrives per push.
func readAck(c *conn.Connection) error {
	var ack subscribeAck
	if err := c.Reader().ReadInto(&ack); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("processor: subscribe: reading ack: %w", err)
	}
	return nil
}
