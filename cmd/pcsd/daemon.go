// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"filippo.io/age"

	"github.com/printwire/pcs/internal/conn"
	"github.com/printwire/pcs/internal/config"
	"github.com/printwire/pcs/internal/dispatch"
	"github.com/printwire/pcs/internal/endpoint"
	"github.com/printwire/pcs/internal/fanout"
	"github.com/printwire/pcs/internal/gcode"
	"github.com/printwire/pcs/internal/model"
	"github.com/printwire/pcs/internal/modellock"
	"github.com/printwire/pcs/internal/plugin"
	"github.com/printwire/pcs/internal/processor"
	"github.com/printwire/pcs/internal/proto"
	"github.com/printwire/pcs/internal/session"
	"github.com/printwire/pcs/internal/store"
)

// daemon bundles every long-lived component pcsd constructs at startup
// and owns through the process lifetime, the way cmd/bureau-daemon's
// own Daemon struct holds its session, transports, and caches.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *store.Store
	model      *model.Store
	lock       *modellock.Manager
	fanout     *fanout.Manager
	pipeline   *gcode.Pipeline
	sessions   *session.Registry
	plugins    *plugin.Registry
	endpoints  *endpoint.Registry
	intercepts *processor.Registry
	dispatcher *dispatch.Dispatcher

	activeConnections sync.WaitGroup
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	db, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	identity, err := loadOrCreateIdentity(cfg.AgeIdentityPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading age identity: %w", err)
	}

	modelStore := model.NewStore(nil)
	lockManager := modellock.NewManager()
	fanoutManager := fanout.NewManager(modelStore)
	intercepts := processor.NewRegistry()
	pipeline := gcode.NewPipeline(intercepts, nil)
	sessions := session.NewRegistry(db)
	plugins := plugin.NewRegistry(db, cfg.PluginDir, identity)
	endpoints := endpoint.NewRegistry()

	d := &daemon{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		model:      modelStore,
		lock:       lockManager,
		fanout:     fanoutManager,
		pipeline:   pipeline,
		sessions:   sessions,
		plugins:    plugins,
		endpoints:  endpoints,
		intercepts: intercepts,
		dispatcher: dispatch.NewDispatcher(lockManager),
	}

	dispatch.RegisterBuiltins(d.dispatcher, &dispatch.Services{
		Model:     modelStore,
		Lock:      lockManager,
		Fanout:    fanoutManager,
		Pipeline:  pipeline,
		Sessions:  sessions,
		Plugins:   plugins,
		Endpoints: endpoints,
		FilesRoot: cfg.FilesRoot,
		SocketDir: cfg.EndpointSocketDir,
	})

	return d, nil
}

// Load restores every component's persisted state, called once before
// Serve starts accepting connections.
func (d *daemon) Load() error {
	if err := d.sessions.Load(); err != nil {
		return fmt.Errorf("loading sessions: %w", err)
	}
	if err := d.plugins.Load(); err != nil {
		return fmt.Errorf("loading plugins: %w", err)
	}
	return nil
}

// Close releases every component that owns an OS resource.
func (d *daemon) Close() error {
	return d.db.Close()
}

// Serve accepts connections on cfg.SocketPath until ctx is cancelled,
// then waits for every in-flight connection to finish before returning
// (lib/service/socket.go's Serve shape, adapted to a handshake-then-
// dispatch-by-mode loop instead of one action per connection).
func (d *daemon) Serve(ctx context.Context) error {
	if err := os.Remove(d.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", d.cfg.SocketPath, err)
	}

	listener, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", d.cfg.SocketPath, err)
	}
	if err := os.Chmod(d.cfg.SocketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod %s: %w", d.cfg.SocketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(d.cfg.SocketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	d.logger.Info("listening", "socket", d.cfg.SocketPath)

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			d.logger.Error("accept failed", "error", err)
			continue
		}

		d.activeConnections.Add(1)
		go func() {
			defer d.activeConnections.Done()
			d.handleConnection(ctx, netConn)
		}()
	}

	d.activeConnections.Wait()
	return nil
}

// handleConnection performs the handshake and routes the resulting
// Connection to the processor loop matching its negotiated mode (spec
// §4 "the handshake ... constructs the per-mode processor, and hands
// the connection to it").
func (d *daemon) handleConnection(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	c, err := conn.Handshake(netConn, d.logger)
	if err != nil {
		d.logger.Warn("handshake failed", "error", err)
		return
	}
	defer d.lock.ForceRelease(modellock.ConnID(c.ID))

	switch c.Mode {
	case proto.ModeCommand, proto.ModePluginService:
		err = processor.RunCommand(ctx, c, d.dispatcher)
	case proto.ModeIntercept:
		session := processor.NewSession(c)
		err = processor.RunIntercept(ctx, c, d.dispatcher, d.intercepts, session)
	case proto.ModeSubscribe:
		err = processor.RunSubscribe(ctx, c, d.fanout)
	case proto.ModePluginHttpEndpoint:
		err = processor.RunHttpEndpoint(ctx, c, d.endpoints, d.cfg.EndpointSocketDir)
	default:
		err = fmt.Errorf("daemon: unhandled mode %q", c.Mode)
	}
	if err != nil {
		c.Log().Warn("connection ended", "error", err)
	}
}

// loadOrCreateIdentity reads the daemon's age identity from path,
// generating and persisting a new one on first run. The identity seals
// every SetPluginData value internal/plugin persists, so losing this
// file makes existing sealed values unrecoverable — it is deliberately
// plain key material on disk rather than something requiring its own
// bootstrap ceremony, since pcs's plugin-secret sensitivity tier does
// not warrant one (see DESIGN.md).
func loadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		identity, parseErr := age.ParseX25519Identity(string(data))
		if parseErr != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, parseErr)
		}
		return identity, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persisting %s: %w", path, err)
	}
	return identity, nil
}
