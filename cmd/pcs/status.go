// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/spf13/pflag"

	"github.com/printwire/pcs/internal/proto"
)

// runStatus connects in Command mode, fetches the current object-model
// snapshot with GetObjectModel, and prints it pretty-printed and
// syntax-highlighted (spec §4.3, SPEC_FULL.md §12 "a status command
// (Command mode)").
func runStatus(args []string) error {
	flagSet := pflag.NewFlagSet("status", pflag.ContinueOnError)
	socketPath := socketFlag(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	wc, err := dial(*socketPath, proto.ClientHello{
		Mode:        proto.ModeCommand,
		Permissions: proto.NewPermissionSet(proto.PermissionObjectModelRead),
	})
	if err != nil {
		return err
	}
	defer wc.Close()

	response, err := wc.call(&proto.GetObjectModel{})
	if err != nil {
		return err
	}
	if !response.Success {
		return fmt.Errorf("%s: %s", response.ErrorType, response.ErrorMessage)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, response.Result, "", "  "); err != nil {
		return fmt.Errorf("formatting object model: %w", err)
	}

	if err := quick.Highlight(os.Stdout, pretty.String(), "json", "terminal256", "monokai"); err != nil {
		fmt.Println(pretty.String())
	}
	return nil
}
