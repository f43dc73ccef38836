// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
	"github.com/spf13/pflag"
	"github.com/yuin/goldmark"

	"github.com/printwire/pcs/internal/plugin"
	"github.com/printwire/pcs/internal/proto"
)

// runPlugin dispatches the plugin-management sub-subcommands: install,
// start, stop, uninstall (thin Command-mode wrappers around the
// matching proto.Command), and show (a local, daemon-independent
// preview of a bundle's manifest).
func runPlugin(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: pcs plugin <install|start|stop|uninstall|show> [flags]")
	}
	switch args[0] {
	case "install":
		return runPluginInstall(args[1:])
	case "start":
		return runPluginLifecycle(args[1:], func(name string) proto.Command { return &proto.StartPlugin{Name: name} })
	case "stop":
		return runPluginLifecycle(args[1:], func(name string) proto.Command { return &proto.StopPlugin{Name: name} })
	case "uninstall":
		return runPluginLifecycle(args[1:], func(name string) proto.Command { return &proto.UninstallPlugin{Name: name} })
	case "show":
		return runPluginShow(args[1:])
	default:
		return fmt.Errorf("unknown plugin subcommand %q", args[0])
	}
}

func runPluginLifecycle(args []string, build func(name string) proto.Command) error {
	flagSet := pflag.NewFlagSet("plugin", pflag.ContinueOnError)
	socketPath := socketFlag(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: pcs plugin <start|stop|uninstall> <name>")
	}

	wc, err := dial(*socketPath, proto.ClientHello{
		Mode:        proto.ModeCommand,
		Permissions: proto.NewPermissionSet(proto.PermissionManagePlugins),
	})
	if err != nil {
		return err
	}
	defer wc.Close()

	response, err := wc.call(build(flagSet.Arg(0)))
	if err != nil {
		return err
	}
	if !response.Success {
		return fmt.Errorf("%s: %s", response.ErrorType, response.ErrorMessage)
	}
	return nil
}

// runPluginInstall installs a bundle by path, or, given --dir instead
// of a positional path, fuzzy-picks the best-matching *.pcsplugin
// bundle in that directory against --query (SPEC_FULL.md §11 "fuzzy
// picker for pcs plugin install against the plugin catalog").
func runPluginInstall(args []string) error {
	flagSet := pflag.NewFlagSet("plugin install", pflag.ContinueOnError)
	socketPath := socketFlag(flagSet)
	dir := flagSet.String("dir", "", "directory of candidate bundles to fuzzy-pick from, instead of a positional path")
	query := flagSet.String("query", "", "fuzzy query used against --dir's candidates")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	bundlePath := flagSet.Arg(0)
	if bundlePath == "" {
		if *dir == "" {
			return fmt.Errorf("usage: pcs plugin install <bundle-path> | --dir <dir> --query <text>")
		}
		picked, err := pickBundle(*dir, *query)
		if err != nil {
			return err
		}
		bundlePath = picked
	}

	wc, err := dial(*socketPath, proto.ClientHello{
		Mode:        proto.ModeCommand,
		Permissions: proto.NewPermissionSet(proto.PermissionManagePlugins),
	})
	if err != nil {
		return err
	}
	defer wc.Close()

	response, err := wc.call(&proto.InstallPlugin{Path: bundlePath})
	if err != nil {
		return err
	}
	if !response.Success {
		return fmt.Errorf("%s: %s", response.ErrorType, response.ErrorMessage)
	}
	fmt.Printf("installed %s\n", bundlePath)
	return nil
}

// pickBundle ranks every *.pcsplugin file under dir against query using
// fzf's fuzzy-matching scorer and returns the highest-scoring path. An
// empty query ranks every candidate equally (by score 0) and returns
// the first in directory order, matching fzf's own behavior for an
// empty pattern.
func pickBundle(dir, query string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", dir, err)
	}

	type candidate struct {
		path  string
		score int
	}
	var candidates []candidate
	slab := util.MakeSlab(100*1024, 2048)
	pattern := []rune(query)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pcsplugin") {
			continue
		}
		chars := util.ToChars([]byte(entry.Name()))
		result, _ := algo.FuzzyMatchV2(false, true, true, &chars, pattern, false, slab)
		candidates = append(candidates, candidate{path: filepath.Join(dir, entry.Name()), score: result.Score})
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no .pcsplugin bundles found under %s", dir)
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	return candidates[0].path, nil
}

// runPluginShow previews a bundle's manifest without installing it,
// rendering its description through goldmark (SPEC_FULL.md §11 "renders
// a plugin's markdown description for pcs plugin show").
func runPluginShow(args []string) error {
	flagSet := pflag.NewFlagSet("plugin show", pflag.ContinueOnError)
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: pcs plugin show <bundle-path>")
	}

	manifest, err := plugin.PreviewBundle(flagSet.Arg(0))
	if err != nil {
		return err
	}

	fmt.Printf("%s %s\n", manifest.Name, manifest.Version)
	fmt.Printf("permissions: %s\n", strings.Join(manifest.Permissions, ", "))
	fmt.Printf("endpoints: %s\n\n", strings.Join(manifest.Endpoints, ", "))

	var rendered bytes.Buffer
	if err := goldmark.Convert([]byte(manifest.Description), &rendered); err != nil {
		fmt.Println(manifest.Description)
		return nil
	}
	fmt.Println(rendered.String())
	return nil
}
