// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package proto

import "encoding/json"

// ProtocolVersion is the current version this daemon speaks. Bumped on
// any wire-incompatible change to Command/Response shapes.
const ProtocolVersion uint32 = 1

// ServerHello is written once, unsolicited, immediately after accept
// (spec §3 "Hello messages", §4.2 step 1).
type ServerHello struct {
	Version uint32 `json:"version"`
}

// ClientHello is the first frame the client sends in response to the
// server hello (spec §3, §4.2 step 2).
type ClientHello struct {
	Mode              Mode              `json:"mode"`
	Version           uint32            `json:"version"`
	Plugin            string            `json:"plugin,omitempty"`
	Permissions       PermissionSet     `json:"permissions,omitempty"`
	SubscribeOptions  *SubscribeOptions `json:"subscribe-options,omitempty"`
	InterceptOptions  *InterceptOptions `json:"intercept-options,omitempty"`
}

// SubscribeMode selects full-snapshot or merge-patch delivery for a
// Subscribe-mode connection (spec §4.5).
type SubscribeMode string

const (
	SubscribeModeFull  SubscribeMode = "Full"
	SubscribeModePatch SubscribeMode = "Patch"
)

// SubscribeOptions configures a Subscribe-mode connection.
type SubscribeOptions struct {
	Mode SubscribeMode `json:"mode"`
	// Filter restricts patch-mode pushes to these top-level object-model
	// keys. Nil/empty means no filtering (spec §4.5).
	Filter []string `json:"filter,omitempty"`
}

// InterceptStage is one of the three points in the code lifecycle an
// Intercept connection can observe (spec's Glossary "Stage (intercept)").
type InterceptStage string

const (
	StagePreCode     InterceptStage = "PreCode"
	StagePostCode    InterceptStage = "PostCode"
	StageExecutedCode InterceptStage = "ExecutedCode"
)

// InterceptOptions configures the filter an Intercept-mode connection
// applies to the code stream (spec §4.4 "Filters").
type InterceptOptions struct {
	Stage    InterceptStage `json:"stage"`
	Channels []string       `json:"channels,omitempty"`
	Codes    []string       `json:"codes,omitempty"`
	MCodes   []int          `json:"mCodes,omitempty"`
}

// InitResponse is the daemon's reply to the client hello (spec §3,
// §4.2 step 3).
type InitResponse struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	SessionID    uint32 `json:"sessionId,omitempty"`
}

// MarshalInitFailure builds the init-response JSON for a handshake that
// failed validation (spec §4.2 "On any validation failure").
func MarshalInitFailure(reason string) ([]byte, error) {
	return json.Marshal(InitResponse{Success: false, ErrorMessage: reason})
}
