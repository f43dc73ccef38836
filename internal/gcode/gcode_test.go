// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package gcode

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/printwire/pcs/internal/pcserr"
	"github.com/printwire/pcs/internal/proto"
)

func TestParseChannelAcceptsEveryKnownChannel(t *testing.T) {
	for _, want := range []Channel{
		ChannelHTTP, ChannelTelnet, ChannelFile, ChannelUSB, ChannelAux,
		ChannelTrigger, ChannelQueue, ChannelLCD, ChannelSBC, ChannelDaemon, ChannelAutopause,
	} {
		got, err := ParseChannel(string(want))
		if err != nil {
			t.Fatalf("ParseChannel(%q): %v", want, err)
		}
		if got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}

func TestParseChannelRejectsUnknownChannel(t *testing.T) {
	_, err := ParseChannel("Carrier Pigeon")
	if pcserr.KindOf(err) != pcserr.KindInvalidArgument {
		t.Fatalf("got error %v, want KindInvalidArgument", err)
	}
}

func TestNoopExecutorReportsSuccess(t *testing.T) {
	result, err := NoopExecutor{}.Execute(context.Background(), ChannelHTTP, proto.Code{Type: "G", Major: 28})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Type != "Ok" {
		t.Fatalf("got result type %q, want Ok", result.Type)
	}
}

// fakeInterceptor records every offer and replies according to a
// per-stage script, standing in for a real Intercept connection the way
// gcode's own tests need to drive Pipeline without a socket.
type fakeInterceptor struct {
	script map[proto.InterceptStage]func() (proto.CodeResult, bool, bool, error)
	offers []proto.InterceptStage
}

func (f *fakeInterceptor) Offer(ctx context.Context, stage proto.InterceptStage, channel Channel, code proto.Code) (proto.CodeResult, bool, bool, error) {
	f.offers = append(f.offers, stage)
	if reply, ok := f.script[stage]; ok {
		return reply()
	}
	return proto.CodeResult{}, false, false, nil
}

func TestPipelineProcessRunsThroughExecutorWhenUnhandled(t *testing.T) {
	interceptor := &fakeInterceptor{}
	pipeline := NewPipeline(interceptor, nil)

	result, err := pipeline.Process(context.Background(), ChannelHTTP, proto.Code{Type: "G", Major: 28})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Type != "Ok" {
		t.Fatalf("got result type %q, want Ok", result.Type)
	}

	want := []proto.InterceptStage{proto.StagePreCode, proto.StagePostCode, proto.StageExecutedCode}
	if len(interceptor.offers) != len(want) {
		t.Fatalf("got offers %v, want %v", interceptor.offers, want)
	}
	for i, stage := range want {
		if interceptor.offers[i] != stage {
			t.Fatalf("offer %d: got %q, want %q", i, interceptor.offers[i], stage)
		}
	}
}

func TestPipelineProcessShortCircuitsOnPreCodeResolve(t *testing.T) {
	interceptor := &fakeInterceptor{
		script: map[proto.InterceptStage]func() (proto.CodeResult, bool, bool, error){
			proto.StagePreCode: func() (proto.CodeResult, bool, bool, error) {
				return proto.CodeResult{Content: "resolved early"}, true, false, nil
			},
		},
	}
	pipeline := NewPipeline(interceptor, nil)

	result, err := pipeline.Process(context.Background(), ChannelHTTP, proto.Code{Type: "G", Major: 28})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Content != "resolved early" {
		t.Fatalf("got %q, want the PreCode resolution", result.Content)
	}

	// PostCode must never fire once PreCode resolved the code; only the
	// informational ExecutedCode offer follows.
	want := []proto.InterceptStage{proto.StagePreCode, proto.StageExecutedCode}
	if len(interceptor.offers) != len(want) {
		t.Fatalf("got offers %v, want %v", interceptor.offers, want)
	}
}

func TestPipelineProcessCancelledAtPreCode(t *testing.T) {
	interceptor := &fakeInterceptor{
		script: map[proto.InterceptStage]func() (proto.CodeResult, bool, bool, error){
			proto.StagePreCode: func() (proto.CodeResult, bool, bool, error) {
				return proto.CodeResult{}, false, true, nil
			},
		},
	}
	pipeline := NewPipeline(interceptor, nil)

	_, err := pipeline.Process(context.Background(), ChannelHTTP, proto.Code{Type: "G", Major: 28})
	if pcserr.KindOf(err) != pcserr.KindCancelled {
		t.Fatalf("got error %v, want KindCancelled", err)
	}
}

func TestPipelineFlushWaitsForInFlightCodes(t *testing.T) {
	pipeline := NewPipeline(nil, nil)
	_, err := pipeline.Process(context.Background(), ChannelHTTP, proto.Code{Type: "G", Major: 28})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := pipeline.Flush(context.Background(), ChannelHTTP); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

type fakeModelReader struct{ tree map[string]json.RawMessage }

func (f fakeModelReader) Snapshot() (map[string]json.RawMessage, uint64) { return f.tree, 0 }

func TestEvaluateLooksUpATopLevelKey(t *testing.T) {
	reader := fakeModelReader{tree: map[string]json.RawMessage{"state": json.RawMessage(`{"status":"idle"}`)}}
	value, err := Evaluate(reader, "state")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if string(value) != `{"status":"idle"}` {
		t.Fatalf("got %s", value)
	}
}

func TestEvaluateReturnsErrorForUnknownExpression(t *testing.T) {
	reader := fakeModelReader{tree: map[string]json.RawMessage{}}
	if _, err := Evaluate(reader, "move.axes[0]"); err == nil {
		t.Fatal("expected an error for an expression not present in the model")
	}
}
