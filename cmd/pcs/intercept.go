// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/printwire/pcs/internal/proto"
)

// runIntercept connects in Intercept mode, prints each offered code as
// it arrives, and reads a verdict from stdin before the next offer can
// be sent (spec §4.4, SPEC_FULL.md §12 "an intercept command ...
// prints offers and accepts verdicts interactively").
func runIntercept(args []string) error {
	flagSet := pflag.NewFlagSet("intercept", pflag.ContinueOnError)
	socketPath := socketFlag(flagSet)
	stage := flagSet.String("stage", string(proto.StagePreCode), "intercept stage: PreCode, PostCode, or ExecutedCode")
	channels := flagSet.StringSlice("channel", nil, "restrict to these channels (repeatable)")
	codes := flagSet.StringSlice("code", nil, "restrict to these code types, e.g. G,M (repeatable)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	wc, err := dial(*socketPath, proto.ClientHello{
		Mode: proto.ModeIntercept,
		InterceptOptions: &proto.InterceptOptions{
			Stage:    proto.InterceptStage(*stage),
			Channels: *channels,
			Codes:    *codes,
		},
	})
	if err != nil {
		return err
	}
	defer wc.Close()

	stdin := bufio.NewReader(os.Stdin)

	for {
		var offer proto.Offer
		if err := wc.reader.ReadInto(&offer); err != nil {
			return err
		}

		fmt.Printf("\noffer: %s %s%d.%d %s (channel %s)\n", offer.Stage, offer.Type, offer.Major, offer.Minor, offer.Text, offer.Channel)
		verdict, err := promptVerdict(stdin)
		if err != nil {
			return err
		}

		encoded, err := proto.EncodeCommand(verdict)
		if err != nil {
			return err
		}
		if err := wc.writer.WriteRaw(encoded); err != nil {
			return err
		}
	}
}

// promptVerdict reads one line from stdin and turns it into a verdict
// command: "i"/"ignore", "c"/"cancel", or "r <text>"/"resolve <text>"
// to complete the code with the given result content.
func promptVerdict(stdin *bufio.Reader) (proto.Command, error) {
	fmt.Print("verdict [ignore/resolve <text>/cancel]: ")
	line, err := stdin.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSpace(line)

	switch {
	case line == "" || line == "i" || line == "ignore":
		return &proto.Ignore{}, nil
	case line == "c" || line == "cancel":
		return &proto.Cancel{}, nil
	case strings.HasPrefix(line, "r "):
		return &proto.Resolve{Result: proto.CodeResult{Content: strings.TrimPrefix(line, "r ")}}, nil
	case strings.HasPrefix(line, "resolve "):
		return &proto.Resolve{Result: proto.CodeResult{Content: strings.TrimPrefix(line, "resolve ")}}, nil
	default:
		// A bare number (e.g. a probe Z height) is taken as resolve
		// text directly; any other input is treated as ignore.
		if _, numErr := strconv.ParseFloat(line, 64); numErr == nil {
			return &proto.Resolve{Result: proto.CodeResult{Content: line}}, nil
		}
		return &proto.Ignore{}, nil
	}
}
