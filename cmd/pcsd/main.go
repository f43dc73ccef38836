// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

// pcsd is the daemon: it accepts connections on a Unix socket, performs
// the mode handshake, and hands each connection off to the processor
// loop matching its negotiated mode.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/printwire/pcs/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the pcsd JSONC config file")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println("pcsd (development build)")
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("preparing directories: %w", err)
	}

	logWriter, err := newRotatingLogWriter(cfg.Log.Path, cfg.Log.MaxSizeMB, cfg.Log.MaxBackups)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logWriter.Close()

	logger := slog.New(slog.NewJSONHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := newDaemon(cfg, logger)
	if err != nil {
		return fmt.Errorf("constructing daemon: %w", err)
	}
	defer daemon.Close()

	if err := daemon.Load(); err != nil {
		return fmt.Errorf("restoring persisted state: %w", err)
	}

	logger.Info("pcsd starting", "socket", cfg.SocketPath)
	return daemon.Serve(ctx)
}
