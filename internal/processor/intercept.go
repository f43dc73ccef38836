// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/printwire/pcs/internal/conn"
	"github.com/printwire/pcs/internal/dispatch"
	"github.com/printwire/pcs/internal/gcode"
	"github.com/printwire/pcs/internal/pcserr"
	"github.com/printwire/pcs/internal/proto"
)

// interceptVerdictTimeout bounds how long a code offer waits for a
// verdict before it is treated as an implicit Ignore (spec §4.4
// "A disconnect or timeout while AwaitingVerdict is equivalent to
// Ignore"). The spec leaves the timeout value unspecified; this is the
// ambient default a production daemon would pick.
const interceptVerdictTimeout = 30 * time.Second

// auxCommandRateLimit bounds how many auxiliary commands an Intercept
// connection may issue per second while AwaitingVerdict (SPEC_FULL.md
// §5). The spec permits auxiliary commands but does not bound them;
// unbounded multiplexing during a single held offer is the kind of
// thing a production daemon rate-limits.
const auxCommandRateLimit = 20

// state is the Intercept connection's single-threaded state machine
// (spec §4.4): Idle, Offered, AwaitingVerdict, Resolving.
type state int

const (
	stateIdle state = iota
	stateOffered
	stateAwaitingVerdict
	stateResolving
)

// Session is one Intercept-mode connection's offer/verdict state. It
// implements gcode.Interceptor so the code pipeline can offer codes to
// it directly; Registry is what the pipeline actually holds, fanning an
// offer out to whichever registered session's filter matches.
type Session struct {
	c       *conn.Connection
	options proto.InterceptOptions
	limiter *rate.Limiter

	offerMu sync.Mutex // serializes the single-threaded offer/verdict cycle

	mu      sync.Mutex
	st      state
	pending chan verdictMsg

	closed chan struct{}
	once   sync.Once
}

type verdictMsg struct {
	kind    string
	resolve proto.Resolve
}

// NewSession constructs a Session for an Intercept-mode connection. c's
// Intercept options must be non-nil (enforced at handshake, spec §4.2).
func NewSession(c *conn.Connection) *Session {
	return &Session{
		c:       c,
		options: *c.Intercept,
		limiter: rate.NewLimiter(rate.Limit(auxCommandRateLimit), auxCommandRateLimit),
		closed:  make(chan struct{}),
	}
}

func (s *Session) setState(st state) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

func (s *Session) getState() state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// close marks the session disconnected. Any offer currently blocked in
// Offer() wakes immediately and reports the code as un-intercepted
// (spec §4.4 "disconnect ... is equivalent to Ignore").
func (s *Session) close() {
	s.once.Do(func() { close(s.closed) })
}

// matches reports whether code at stage on channel passes this
// session's filter (spec §4.4 "Filters"). An empty filter component
// means "all" (spec's default).
func (s *Session) matches(stage proto.InterceptStage, channel gcode.Channel, code proto.Code) bool {
	if s.options.Stage != stage {
		return false
	}
	if len(s.options.Channels) > 0 && !containsString(s.options.Channels, string(channel)) {
		return false
	}
	if len(s.options.Codes) > 0 && !containsString(s.options.Codes, code.Type) {
		return false
	}
	if len(s.options.MCodes) > 0 && code.Type == "M" && !containsInt(s.options.MCodes, code.Major) {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Offer implements gcode.Interceptor for a single session: if code
// matches this session's filter, it blocks the calling goroutine (the
// gcode pipeline's, not the connection's reader goroutine) until a
// verdict arrives, the connection closes, or interceptVerdictTimeout
// elapses.
func (s *Session) Offer(ctx context.Context, stage proto.InterceptStage, channel gcode.Channel, code proto.Code) (proto.CodeResult, bool, bool, error) {
	if !s.matches(stage, channel, code) {
		return proto.CodeResult{}, false, false, nil
	}

	// The state machine is single-threaded per connection: only one
	// code may be Offered/AwaitingVerdict at a time. Concurrent codes
	// on other channels queue here rather than skipping this session.
	s.offerMu.Lock()
	defer s.offerMu.Unlock()

	select {
	case <-s.closed:
		return proto.CodeResult{}, false, false, nil
	default:
	}

	verdictCh := make(chan verdictMsg, 1)
	s.mu.Lock()
	s.pending = verdictCh
	s.st = stateOffered
	s.mu.Unlock()

	offer := proto.Offer{
		Stage:   stage,
		Channel: string(channel),
		Type:    code.Type,
		Major:   code.Major,
		Minor:   code.Minor,
		Text:    code.Text,
	}
	s.setState(stateAwaitingVerdict)
	if err := s.c.Writer().Write(offer); err != nil {
		s.clearPending()
		s.setState(stateIdle)
		return proto.CodeResult{}, false, false, fmt.Errorf("processor: intercept: writing offer: %w", err)
	}

	timer := time.NewTimer(interceptVerdictTimeout)
	defer timer.Stop()

	select {
	case v := <-verdictCh:
		s.setState(stateIdle)
		switch v.kind {
		case proto.KindResolve:
			s.setState(stateResolving)
			s.setState(stateIdle)
			return v.resolve.Result, true, false, nil
		case proto.KindCancel:
			return proto.CodeResult{}, false, true, nil
		default: // Ignore
			return proto.CodeResult{}, false, false, nil
		}
	case <-s.closed:
		s.clearPending()
		s.setState(stateIdle)
		return proto.CodeResult{}, false, false, nil
	case <-timer.C:
		s.clearPending()
		s.setState(stateIdle)
		return proto.CodeResult{}, false, false, nil
	case <-ctx.Done():
		s.clearPending()
		s.setState(stateIdle)
		return proto.CodeResult{}, false, false, ctx.Err()
	}
}

func (s *Session) clearPending() {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
}

// deliverVerdict routes a decoded verdict frame to the offer currently
// blocked in Offer(), or reports a mismatch if none is outstanding
// (spec §8 testable property 6: "a mismatched verdict count raises
// ProtocolError").
func (s *Session) deliverVerdict(command proto.Command) error {
	s.mu.Lock()
	ch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if ch == nil {
		return pcserr.New(pcserr.KindProtocolError, "verdict %s received with no outstanding offer", command.CommandName())
	}

	switch v := command.(type) {
	case *proto.Ignore:
		ch <- verdictMsg{kind: proto.KindIgnore}
	case *proto.Resolve:
		ch <- verdictMsg{kind: proto.KindResolve, resolve: *v}
	case *proto.Cancel:
		ch <- verdictMsg{kind: proto.KindCancel}
	default:
		return pcserr.New(pcserr.KindProtocolError, "unexpected verdict type %T", command)
	}
	return nil
}

// Registry fans a code offer out to whichever registered Intercept
// session's filter matches it first (spec §4.4 "passes the connection's
// filter, server writes the code as an offer"). It implements
// gcode.Interceptor, so a Pipeline holds exactly one Registry instead of
// one Interceptor per connection.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*Session]struct{})}
}

// Register adds a session to the registry, called once the Intercept
// processor's handshake has completed.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	r.sessions[s] = struct{}{}
	r.mu.Unlock()
}

// Unregister removes a session, called on disconnect. It also closes
// the session so any offer blocked inside it resolves as Ignore.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	r.mu.Unlock()
	s.close()
}

// Offer implements gcode.Interceptor by trying each registered session
// in map iteration order (which can differ between offers) until one
// returns handled=true or cancelled=true; an Ignore verdict (or no
// matching session at all) leaves the code un-intercepted.
func (r *Registry) Offer(ctx context.Context, stage proto.InterceptStage, channel gcode.Channel, code proto.Code) (proto.CodeResult, bool, bool, error) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		result, handled, cancelled, err := s.Offer(ctx, stage, channel, code)
		if err != nil {
			return proto.CodeResult{}, false, false, err
		}
		if handled || cancelled {
			return result, handled, cancelled, nil
		}
	}
	return proto.CodeResult{}, false, false, nil
}

// RunIntercept implements the Intercept-mode processor (spec §4.4): it
// registers s with registry, then reads frames until EOF, routing each
// one to either the pending offer (a verdict) or the dispatcher (an
// auxiliary command).
func RunIntercept(ctx context.Context, c *conn.Connection, d *dispatch.Dispatcher, registry *Registry, s *Session) error {
	registry.Register(s)
	defer registry.Unregister(s)

	for {
		raw, err := c.Reader().ReadRaw()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("processor: intercept: reading frame: %w", err)
		}

		name, peekErr := proto.PeekCommandName(raw)
		if peekErr != nil {
			if err := c.Writer().Write(proto.ErrorResponse(peekErr)); err != nil {
				return fmt.Errorf("processor: intercept: writing decode error: %w", err)
			}
			continue
		}

		if proto.IsVerdict(name) {
			if err := s.handleVerdictFrame(raw); err != nil {
				writeProtocolError(c, err)
				return fmt.Errorf("processor: intercept: %w", err)
			}
			continue
		}

		if s.getState() == stateAwaitingVerdict && !s.limiter.Allow() {
			if err := c.Writer().Write(proto.ErrorResponse(pcserr.New(pcserr.KindInvalidArgument, "auxiliary command rate limit exceeded"))); err != nil {
				return fmt.Errorf("processor: intercept: writing rate-limit error: %w", err)
			}
			continue
		}

		command, decodeErr := proto.DecodeCommand(raw)
		if decodeErr != nil {
			if err := c.Writer().Write(proto.ErrorResponse(decodeErr)); err != nil {
				return fmt.Errorf("processor: intercept: writing decode error: %w", err)
			}
			continue
		}

		response := d.Dispatch(ctx, c, command)
		if err := c.Writer().Write(response); err != nil {
			return fmt.Errorf("processor: intercept: writing response: %w", err)
		}
	}
}

func (s *Session) handleVerdictFrame(raw json.RawMessage) error {
	command, err := proto.DecodeCommand(raw)
	if err != nil {
		// A verdict frame that fails to decode is a desync, not an
		// ordinary per-command error (spec §7 "Per-command fatal only
		// for intercept verdicts (desync)").
		return err
	}
	return s.deliverVerdict(command)
}
