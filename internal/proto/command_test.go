// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package proto

import (
	"encoding/json"
	"testing"

	"github.com/printwire/pcs/internal/pcserr"
)

func TestEncodeDecodeCommandRoundTrips(t *testing.T) {
	cases := []Command{
		&Code{Channel: "hmi", Type: "G", Major: 28, Minor: 0},
		&SimpleCode{Channel: "hmi", Code: "G28"},
		&GetObjectModel{},
		&PatchObjectModel{Patch: json.RawMessage(`{"move":{"speedFactor":1}}`)},
		&AddUserSession{AccessLevel: "readWrite", Origin: "192.0.2.1"},
		&InstallPlugin{Path: "/tmp/x.pcsplugin"},
	}

	for _, want := range cases {
		raw, err := EncodeCommand(want)
		if err != nil {
			t.Fatalf("EncodeCommand(%T): %v", want, err)
		}

		got, err := DecodeCommand(raw)
		if err != nil {
			t.Fatalf("DecodeCommand(%T): %v", want, err)
		}
		if got.CommandName() != want.CommandName() {
			t.Fatalf("got kind %q, want %q", got.CommandName(), want.CommandName())
		}

		reencoded, err := EncodeCommand(got)
		if err != nil {
			t.Fatalf("re-encoding decoded %T: %v", got, err)
		}
		var a, b map[string]any
		if err := json.Unmarshal(raw, &a); err != nil {
			t.Fatalf("unmarshal original: %v", err)
		}
		if err := json.Unmarshal(reencoded, &b); err != nil {
			t.Fatalf("unmarshal roundtrip: %v", err)
		}
		aj, _ := json.Marshal(a)
		bj, _ := json.Marshal(b)
		if string(aj) != string(bj) {
			t.Fatalf("roundtrip mismatch: %s vs %s", aj, bj)
		}
	}
}

func TestEncodeCommandInjectsDiscriminator(t *testing.T) {
	raw, err := EncodeCommand(&GetFileInfo{Path: "0:/gcodes/part.gcode"})
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var name string
	if err := json.Unmarshal(fields["command"], &name); err != nil {
		t.Fatalf("unmarshal command field: %v", err)
	}
	if name != KindGetFileInfo {
		t.Fatalf("got command %q, want %q", name, KindGetFileInfo)
	}
}

func TestDecodeCommandRejectsUnknownKind(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"command":"DoesNotExist"}`))
	if pcserr.KindOf(err) != pcserr.KindUnknownCommand {
		t.Fatalf("got error %v, want KindUnknownCommand", err)
	}
}

func TestDecodeCommandRejectsMissingDiscriminator(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"channel":"hmi"}`))
	if pcserr.KindOf(err) != pcserr.KindDeserializationError {
		t.Fatalf("got error %v, want KindDeserializationError", err)
	}
}

func TestDecodeCommandRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeCommand([]byte(`not json`))
	if pcserr.KindOf(err) != pcserr.KindDeserializationError {
		t.Fatalf("got error %v, want KindDeserializationError", err)
	}
}

func TestPeekCommandNameDoesNotConstructConcreteType(t *testing.T) {
	name, err := PeekCommandName([]byte(`{"command":"Resolve","value":1.5}`))
	if err != nil {
		t.Fatalf("PeekCommandName: %v", err)
	}
	if name != "Resolve" {
		t.Fatalf("got %q, want Resolve", name)
	}

	if _, err := PeekCommandName([]byte(`{}`)); pcserr.KindOf(err) != pcserr.KindDeserializationError {
		t.Fatalf("got error %v, want KindDeserializationError for missing command field", err)
	}
}

func TestCommandNameMatchesRegisteredKind(t *testing.T) {
	for kind, constructor := range commandConstructors {
		if got := constructor().CommandName(); got != kind {
			t.Fatalf("constructor for %q produced a command naming itself %q", kind, got)
		}
	}
}
