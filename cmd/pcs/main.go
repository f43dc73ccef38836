// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
)

// subcommand mirrors the per-command shape cmd/bureau's CLI tree uses
// (a name, a flag set, a Run function), scaled down to what this
// client's four modes need rather than the full command tree machinery.
type subcommand struct {
	name    string
	summary string
	run     func(args []string) error
}

func subcommands() []subcommand {
	return []subcommand{
		{"status", "dump the current object model (Command mode)", runStatus},
		{"watch", "live dashboard of the object model (Subscribe mode)", runWatch},
		{"intercept", "print code offers and supply verdicts interactively (Intercept mode)", runIntercept},
		{"serve-endpoint", "register and bridge one HTTP endpoint (PluginHttpEndpoint mode)", runServeEndpoint},
		{"plugin", "install/start/stop/uninstall/show a plugin bundle", runPlugin},
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		usage()
		return fmt.Errorf("a subcommand is required")
	}

	name := os.Args[1]
	for _, sub := range subcommands() {
		if sub.name == name {
			return sub.run(os.Args[2:])
		}
	}
	usage()
	return fmt.Errorf("unknown subcommand %q", name)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pcs <subcommand> [flags]")
	fmt.Fprintln(os.Stderr, "\nsubcommands:")
	for _, sub := range subcommands() {
		fmt.Fprintf(os.Stderr, "  %-16s %s\n", sub.name, sub.summary)
	}
}

// socketFlag is shared by every subcommand; pflag's own default-socket-
// path convention (cmd/bureau/observe's --socket flag) is followed
// rather than inventing a fresh name.
func socketFlag(flagSet *pflag.FlagSet) *string {
	return flagSet.String("socket", "/run/pcs/pcs.sock", "pcsd command socket path")
}
