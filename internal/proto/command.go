// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package proto

import (
	"encoding/json"
	"fmt"

	"github.com/printwire/pcs/internal/pcserr"
)

// Command is implemented by every concrete request kind. CommandName
// returns the wire discriminator placed in the "command" field (spec §3
// "Command", Design Notes "Tagged unions for commands" — the discriminator
// name and every variant's field names are kept bit-exact on purpose).
type Command interface {
	CommandName() string
}

// Kind name constants — one per declared request kind (spec §4.7
// "Notable kinds").
const (
	KindCode               = "Code"
	KindSimpleCode         = "SimpleCode"
	KindFlush              = "Flush"
	KindEvaluateExpression = "EvaluateExpression"

	KindGetObjectModel   = "GetObjectModel"
	KindLockObjectModel  = "LockObjectModel"
	KindUnlockObjectModel = "UnlockObjectModel"
	KindPatchObjectModel = "PatchObjectModel"
	KindSetObjectModel   = "SetObjectModel"
	KindSyncObjectModel  = "SyncObjectModel"

	KindGetFileInfo  = "GetFileInfo"
	KindResolvePath  = "ResolvePath"

	KindAddUserSession    = "AddUserSession"
	KindRemoveUserSession = "RemoveUserSession"

	KindAddHttpEndpoint    = "AddHttpEndpoint"
	KindRemoveHttpEndpoint = "RemoveHttpEndpoint"

	KindInstallPlugin   = "InstallPlugin"
	KindStartPlugin     = "StartPlugin"
	KindStopPlugin      = "StopPlugin"
	KindUninstallPlugin = "UninstallPlugin"
	KindSetPluginData   = "SetPluginData"

	KindWriteMessage    = "WriteMessage"
	KindSetUpdateStatus = "SetUpdateStatus"
)

// --- Codes ---

// Code submits a parsed G/M/T-code to the pipeline on a channel.
type Code struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Major   int    `json:"majorNumber,omitempty"`
	Minor   int    `json:"minorNumber,omitempty"`
	Text    string `json:"text,omitempty"`
}

func (Code) CommandName() string { return KindCode }

// SimpleCode submits a raw, unparsed code string to the pipeline.
type SimpleCode struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

func (SimpleCode) CommandName() string { return KindSimpleCode }

// Flush waits until a CodeChannel is fully drained.
type Flush struct {
	Channel string `json:"channel"`
}

func (Flush) CommandName() string { return KindFlush }

// EvaluateExpression evaluates an object-model expression and returns
// its current value. The daemon resolves the expression as a single
// top-level key such as "state" (see gcode.Evaluate).
type EvaluateExpression struct {
	Channel    string `json:"channel"`
	Expression string `json:"expression"`
}

func (EvaluateExpression) CommandName() string { return KindEvaluateExpression }

// --- Model ---

// GetObjectModel returns a full, instant-consistent snapshot of the
// object model (spec §3 "Object-model snapshot" invariant).
type GetObjectModel struct{}

func (GetObjectModel) CommandName() string { return KindGetObjectModel }

// LockObjectModel acquires the exclusive object-model lock for the
// issuing connection (spec §4.8).
type LockObjectModel struct{}

func (LockObjectModel) CommandName() string { return KindLockObjectModel }

// UnlockObjectModel releases a held object-model lock.
type UnlockObjectModel struct{}

func (UnlockObjectModel) CommandName() string { return KindUnlockObjectModel }

// PatchObjectModel applies a JSON merge-patch (RFC 7396) to the object
// model. Requires the issuing connection to hold the model lock.
type PatchObjectModel struct {
	Patch json.RawMessage `json:"patch"`
}

func (PatchObjectModel) CommandName() string { return KindPatchObjectModel }

// SetObjectModel replaces one top-level key's subtree wholesale.
// Requires the issuing connection to hold the model lock.
type SetObjectModel struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

func (SetObjectModel) CommandName() string { return KindSetObjectModel }

// SyncObjectModel blocks until the object model's modification sequence
// advances past the caller's last-observed sequence number.
type SyncObjectModel struct {
	SinceSequence uint64 `json:"sinceSequence"`
}

func (SyncObjectModel) CommandName() string { return KindSyncObjectModel }

// --- Files ---

// GetFileInfo parses metadata (layer count, filament usage, slicer,
// print time estimate) out of a G-code file.
type GetFileInfo struct {
	Path string `json:"path"`
}

func (GetFileInfo) CommandName() string { return KindGetFileInfo }

// ResolvePath resolves a virtual SD-card path to a physical filesystem
// path under the daemon's configured directories.
type ResolvePath struct {
	Path string `json:"path"`
}

func (ResolvePath) CommandName() string { return KindResolvePath }

// --- Sessions ---

// AddUserSession registers a new user session (e.g. a logged-in web
// dashboard user) so permission-gated actions can be attributed to it.
type AddUserSession struct {
	AccessLevel string `json:"accessLevel"`
	Origin      string `json:"origin"`
	OriginPort  int    `json:"originPort,omitempty"`
}

func (AddUserSession) CommandName() string { return KindAddUserSession }

// RemoveUserSession removes a previously added user session.
type RemoveUserSession struct {
	SessionID int `json:"sessionId"`
}

func (RemoveUserSession) CommandName() string { return KindRemoveUserSession }

// --- Endpoints ---

// AddHttpEndpoint is the Command-mode equivalent of the init-time
// registration a PluginHttpEndpoint connection performs implicitly; used
// by callers that want to register an endpoint without dedicating a
// whole connection to it (the endpoint's requests are still delivered
// over a side-channel socket the caller must itself accept on).
type AddHttpEndpoint struct {
	Method    string `json:"endpointType"`
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
	IsUpload  bool   `json:"isUploadRequest,omitempty"`
}

func (AddHttpEndpoint) CommandName() string { return KindAddHttpEndpoint }

// RemoveHttpEndpoint unregisters a previously registered endpoint tuple.
type RemoveHttpEndpoint struct {
	Method    string `json:"endpointType"`
	Namespace string `json:"namespace"`
	Path      string `json:"path"`
}

func (RemoveHttpEndpoint) CommandName() string { return KindRemoveHttpEndpoint }

// --- Plugins ---

// InstallPlugin installs a plugin from a packaged archive already
// present on disk at Path (spec §4.7 "Plugins", SPEC_FULL.md §12).
type InstallPlugin struct {
	Path string `json:"path"`
}

func (InstallPlugin) CommandName() string { return KindInstallPlugin }

// StartPlugin starts an installed plugin's process.
type StartPlugin struct {
	Name string `json:"name"`
}

func (StartPlugin) CommandName() string { return KindStartPlugin }

// StopPlugin stops a running plugin's process.
type StopPlugin struct {
	Name string `json:"name"`
}

func (StopPlugin) CommandName() string { return KindStopPlugin }

// UninstallPlugin stops (if running) and removes an installed plugin.
type UninstallPlugin struct {
	Name string `json:"name"`
}

func (UninstallPlugin) CommandName() string { return KindUninstallPlugin }

// SetPluginData upserts a key/value pair in a plugin's persisted data
// bundle. Values are sealed at rest (internal/plugin, DESIGN.md).
type SetPluginData struct {
	Plugin string `json:"plugin"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

func (SetPluginData) CommandName() string { return KindSetPluginData }

// --- Misc ---

// WriteMessage appends a message to the daemon's message log / console.
type WriteMessage struct {
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

func (WriteMessage) CommandName() string { return KindWriteMessage }

// SetUpdateStatus toggles the daemon's "firmware update in progress"
// flag, which other components consult to suppress normal reconciliation.
type SetUpdateStatus struct {
	Updating bool `json:"updating"`
}

func (SetUpdateStatus) CommandName() string { return KindSetUpdateStatus }

// --- registry & decode ---

// commandConstructors maps a wire kind name to a zero-value constructor.
// The verdict kinds are added by init() in intercept.go; callers never
// mutate it directly.
var commandConstructors = map[string]func() Command{
	KindCode:               func() Command { return &Code{} },
	KindSimpleCode:         func() Command { return &SimpleCode{} },
	KindFlush:              func() Command { return &Flush{} },
	KindEvaluateExpression: func() Command { return &EvaluateExpression{} },

	KindGetObjectModel:    func() Command { return &GetObjectModel{} },
	KindLockObjectModel:   func() Command { return &LockObjectModel{} },
	KindUnlockObjectModel: func() Command { return &UnlockObjectModel{} },
	KindPatchObjectModel:  func() Command { return &PatchObjectModel{} },
	KindSetObjectModel:    func() Command { return &SetObjectModel{} },
	KindSyncObjectModel:   func() Command { return &SyncObjectModel{} },

	KindGetFileInfo: func() Command { return &GetFileInfo{} },
	KindResolvePath: func() Command { return &ResolvePath{} },

	KindAddUserSession:    func() Command { return &AddUserSession{} },
	KindRemoveUserSession: func() Command { return &RemoveUserSession{} },

	KindAddHttpEndpoint:    func() Command { return &AddHttpEndpoint{} },
	KindRemoveHttpEndpoint: func() Command { return &RemoveHttpEndpoint{} },

	KindInstallPlugin:   func() Command { return &InstallPlugin{} },
	KindStartPlugin:     func() Command { return &StartPlugin{} },
	KindStopPlugin:      func() Command { return &StopPlugin{} },
	KindUninstallPlugin: func() Command { return &UninstallPlugin{} },
	KindSetPluginData:   func() Command { return &SetPluginData{} },

	KindWriteMessage:    func() Command { return &WriteMessage{} },
	KindSetUpdateStatus: func() Command { return &SetUpdateStatus{} },
}

// commandHeader extracts just the discriminator field from a command
// frame, mirroring lib/service/socket.go's two-phase decode (peek the
// action name, then hand the raw bytes to the kind-specific type).
type commandHeader struct {
	Command string `json:"command"`
}

// DecodeCommand decodes a raw command frame into its concrete Command
// type. Returns a *pcserr.Error of KindUnknownCommand if the "command"
// field names a kind with no registered constructor, or
// KindDeserializationError if the frame does not decode to the expected
// shape (spec §7).
func DecodeCommand(raw []byte) (Command, error) {
	var header commandHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, pcserr.Wrap(pcserr.KindDeserializationError, err, "decoding command header")
	}
	if header.Command == "" {
		return nil, pcserr.New(pcserr.KindDeserializationError, "missing required field: command")
	}
	constructor, ok := commandConstructors[header.Command]
	if !ok {
		return nil, pcserr.New(pcserr.KindUnknownCommand, "unknown command %q", header.Command)
	}
	command := constructor()
	if err := json.Unmarshal(raw, command); err != nil {
		return nil, pcserr.Wrap(pcserr.KindDeserializationError, err, "decoding %s", header.Command)
	}
	return command, nil
}

// PeekCommandName extracts just the "command" discriminator from a raw
// frame without constructing the concrete type, used by the Intercept
// processor to decide whether an incoming frame is a verdict
// (Ignore/Resolve/Cancel) or an auxiliary command before committing to
// either decode path (spec §4.4).
func PeekCommandName(raw []byte) (string, error) {
	var header commandHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return "", pcserr.Wrap(pcserr.KindDeserializationError, err, "decoding command header")
	}
	if header.Command == "" {
		return "", pcserr.New(pcserr.KindDeserializationError, "missing required field: command")
	}
	return header.Command, nil
}

// EncodeCommand marshals a Command back to its wire frame, re-injecting
// the "command" discriminator field alongside the type's own fields.
func EncodeCommand(command Command) ([]byte, error) {
	body, err := json.Marshal(command)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	nameJSON, err := json.Marshal(command.CommandName())
	if err != nil {
		return nil, err
	}
	fields["command"] = nameJSON
	return json.Marshal(fields)
}

// String implements fmt.Stringer for log lines.
func (h commandHeader) String() string { return fmt.Sprintf("command=%s", h.Command) }
