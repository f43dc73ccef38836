// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package proto

// Offer is the frame the server writes when a code at a configured
// stage passes an Intercept connection's filter (spec §4.4, scenario
// S4: `{"type":"G","majorNumber":28,"channel":"HTTP", ...}`). It embeds
// Code's fields directly on the wire — no "command" discriminator,
// since an offer flows server-to-client and is never decoded through
// DecodeCommand.
type Offer struct {
	Stage   InterceptStage `json:"stage"`
	Channel string         `json:"channel"`
	Type    string         `json:"type"`
	Major   int            `json:"majorNumber,omitempty"`
	Minor   int            `json:"minorNumber,omitempty"`
	Text    string         `json:"text,omitempty"`
}

// CodeResult is the payload of a Resolve verdict: the result the
// server should report to the code's originator in lieu of actually
// executing it (spec §4.4 "AwaitingVerdict → Resolving").
type CodeResult struct {
	// Content is the text the originator sees as the code's output.
	Content string `json:"content"`
	// Type mirrors RRF's result classification (e.g. "Ok", "Warning",
	// "Error"); an empty Type is passed on as is.
	Type string `json:"type,omitempty"`
}

// Verdict kind names — the client's reply to an Offer, keyed by the same
// "command" discriminator as ordinary Command frames (spec S4: the
// client literally writes `{"command":"Resolve","result":{...}}`).
const (
	KindIgnore  = "Ignore"
	KindResolve = "Resolve"
	KindCancel  = "Cancel"
)

// Ignore lets the offered code resume its normal pipeline unmodified.
type Ignore struct{}

func (Ignore) CommandName() string { return KindIgnore }

// Resolve completes the offered code with Result instead of executing it.
type Resolve struct {
	Result CodeResult `json:"result"`
}

func (Resolve) CommandName() string { return KindResolve }

// Cancel reports the offered code as cancelled to its originator.
type Cancel struct{}

func (Cancel) CommandName() string { return KindCancel }

func init() {
	commandConstructors[KindIgnore] = func() Command { return &Ignore{} }
	commandConstructors[KindResolve] = func() Command { return &Resolve{} }
	commandConstructors[KindCancel] = func() Command { return &Cancel{} }
}

// IsVerdict reports whether name is one of the three verdict kinds, as
// opposed to an auxiliary command multiplexed on the same Intercept
// connection (spec §4.4 "the interceptor may issue auxiliary commands").
func IsVerdict(name string) bool {
	switch name {
	case KindIgnore, KindResolve, KindCancel:
		return true
	default:
		return false
	}
}
