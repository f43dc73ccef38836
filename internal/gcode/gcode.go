// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// Package gcode models the code pipeline that Code and SimpleCode
// commands feed into and that Intercept connections observe. Talking to
// actual RepRapFirmware over SPI is explicitly out of scope; Pipeline's
// Executor is the seam where that transport would plug in, and the
// default Executor here just reports success so every other piece of
// the daemon (interception, flushing, evaluation) has something real to
// drive against.
package gcode

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/printwire/pcs/internal/pcserr"
	"github.com/printwire/pcs/internal/proto"
)

// Channel is one of the fixed RRF code channels.
type Channel string

const (
	ChannelHTTP      Channel = "HTTP"
	ChannelTelnet    Channel = "Telnet"
	ChannelFile      Channel = "File"
	ChannelUSB       Channel = "USB"
	ChannelAux       Channel = "Aux"
	ChannelTrigger   Channel = "Trigger"
	ChannelQueue     Channel = "Queue"
	ChannelLCD       Channel = "LCD"
	ChannelSBC       Channel = "SBC"
	ChannelDaemon    Channel = "Daemon"
	ChannelAutopause Channel = "Autopause"
)

// ParseChannel validates a wire channel name against the fixed set of
// RRF code channels.
func ParseChannel(name string) (Channel, error) {
	switch Channel(name) {
	case ChannelHTTP, ChannelTelnet, ChannelFile, ChannelUSB, ChannelAux,
		ChannelTrigger, ChannelQueue, ChannelLCD, ChannelSBC, ChannelDaemon, ChannelAutopause:
		return Channel(name), nil
	default:
		return "", pcserr.New(pcserr.KindInvalidArgument, "unknown code channel %q", name)
	}
}

// Interceptor offers a code at one lifecycle stage to whichever
// Intercept connection is currently filtering for it. handled is false
// when no connection accepted the offer (Ignore, or nobody listening),
// in which case the pipeline proceeds with its own default behavior.
type Interceptor interface {
	Offer(ctx context.Context, stage proto.InterceptStage, channel Channel, code proto.Code) (result proto.CodeResult, handled bool, cancelled bool, err error)
}

// Executor actually runs a code against the machine. The production
// seam for the out-of-scope firmware transport.
type Executor interface {
	Execute(ctx context.Context, channel Channel, code proto.Code) (proto.CodeResult, error)
}

// NoopExecutor reports every code as having executed successfully with
// empty output, standing in for the real firmware link.
type NoopExecutor struct{}

func (NoopExecutor) Execute(context.Context, Channel, proto.Code) (proto.CodeResult, error) {
	return proto.CodeResult{Content: "", Type: "Ok"}, nil
}

// Pipeline sequences a code through PreCode interception, execution,
// and PostCode/ExecutedCode interception, and lets Flush wait for a
// channel to drain.
type Pipeline struct {
	interceptor Interceptor
	executor    Executor

	mu  sync.Mutex
	wgs map[Channel]*sync.WaitGroup
}

// NewPipeline constructs a Pipeline. interceptor may be nil, in which
// case no stage is ever intercepted.
func NewPipeline(interceptor Interceptor, executor Executor) *Pipeline {
	if executor == nil {
		executor = NoopExecutor{}
	}
	return &Pipeline{
		interceptor: interceptor,
		executor:    executor,
		wgs:         make(map[Channel]*sync.WaitGroup),
	}
}

func (p *Pipeline) waitGroup(channel Channel) *sync.WaitGroup {
	p.mu.Lock()
	defer p.mu.Unlock()
	wg, ok := p.wgs[channel]
	if !ok {
		wg = &sync.WaitGroup{}
		p.wgs[channel] = wg
	}
	return wg
}

// Process runs a single code through the full pipeline: PreCode offer,
// execution (unless a PreCode verdict short-circuits it), PostCode
// offer, and a final informational ExecutedCode offer.
func (p *Pipeline) Process(ctx context.Context, channel Channel, code proto.Code) (proto.CodeResult, error) {
	wg := p.waitGroup(channel)
	wg.Add(1)
	defer wg.Done()

	if result, handled, cancelled, err := p.offer(ctx, proto.StagePreCode, channel, code); err != nil {
		return proto.CodeResult{}, err
	} else if cancelled {
		return proto.CodeResult{}, pcserr.New(pcserr.KindCancelled, "code cancelled at PreCode stage")
	} else if handled {
		p.offerIgnoringVerdict(ctx, proto.StageExecutedCode, channel, code)
		return result, nil
	}

	result, err := p.executor.Execute(ctx, channel, code)
	if err != nil {
		return proto.CodeResult{}, pcserr.Wrap(pcserr.KindIoError, err, "executing code on channel %s", channel)
	}

	if postResult, handled, cancelled, err := p.offer(ctx, proto.StagePostCode, channel, code); err != nil {
		return proto.CodeResult{}, err
	} else if cancelled {
		return proto.CodeResult{}, pcserr.New(pcserr.KindCancelled, "code cancelled at PostCode stage")
	} else if handled {
		result = postResult
	}

	p.offerIgnoringVerdict(ctx, proto.StageExecutedCode, channel, code)
	return result, nil
}

func (p *Pipeline) offer(ctx context.Context, stage proto.InterceptStage, channel Channel, code proto.Code) (proto.CodeResult, bool, bool, error) {
	if p.interceptor == nil {
		return proto.CodeResult{}, false, false, nil
	}
	return p.interceptor.Offer(ctx, stage, channel, code)
}

// offerIgnoringVerdict offers the final, informational stage: any
// Resolve/Cancel verdict is discarded since the code already ran.
func (p *Pipeline) offerIgnoringVerdict(ctx context.Context, stage proto.InterceptStage, channel Channel, code proto.Code) {
	if p.interceptor == nil {
		return
	}
	_, _, _, _ = p.interceptor.Offer(ctx, stage, channel, code)
}

// Flush blocks until every code currently in flight on channel has
// completed processing.
func (p *Pipeline) Flush(ctx context.Context, channel Channel) error {
	wg := p.waitGroup(channel)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ModelReader is the read side of the object model that Evaluate uses.
type ModelReader interface {
	Snapshot() (map[string]json.RawMessage, uint64)
}

// Evaluate resolves an object-model expression against the live model.
// The expression is looked up as one top-level key of the model's JSON
// tree (e.g. "state"); dotted paths and index expressions such as
// "state.status" or "move.axes[0]" are not resolved and return an error.
func Evaluate(reader ModelReader, expression string) (json.RawMessage, error) {
	tree, _ := reader.Snapshot()
	if value, ok := tree[expression]; ok {
		return value, nil
	}
	return nil, fmt.Errorf("gcode: expression %q not found in object model", expression)
}
