// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/printwire/pcs/internal/conn"
	"github.com/printwire/pcs/internal/endpoint"
	"github.com/printwire/pcs/internal/fanout"
	"github.com/printwire/pcs/internal/gcode"
	"github.com/printwire/pcs/internal/modellock"
	"github.com/printwire/pcs/internal/model"
	"github.com/printwire/pcs/internal/pcserr"
	"github.com/printwire/pcs/internal/plugin"
	"github.com/printwire/pcs/internal/proto"
	"github.com/printwire/pcs/internal/session"
)

// Services bundles every collaborator the built-in command kinds need.
// A single struct rather than threading each dependency through
// RegisterBuiltins separately, the way cmd/bureau-ticket-service's
// registerActions closes over one service struct's methods instead of
// a dozen loose parameters.
type Services struct {
	Model      *model.Store
	Lock       *modellock.Manager
	Fanout     *fanout.Manager
	Pipeline   *gcode.Pipeline
	Sessions   *session.Registry
	Plugins    *plugin.Registry
	Endpoints  *endpoint.Registry
	FilesRoot  string // base directory virtual SD-card paths resolve under
	SocketDir  string // where AddHttpEndpoint-generated endpoint sockets live
}

// RegisterBuiltins wires every command kind named in spec §4.7 into d.
// Grouped by category with the same commenting convention
// cmd/bureau-ticket-service/socket.go uses for its own registerActions.
func RegisterBuiltins(d *Dispatcher, svc *Services) {
	registerCodeHandlers(d, svc)
	registerModelHandlers(d, svc)
	registerFileHandlers(d, svc)
	registerSessionHandlers(d, svc)
	registerEndpointHandlers(d, svc)
	registerPluginHandlers(d, svc)
	registerMiscHandlers(d, svc)
}

// --- Codes ---

func registerCodeHandlers(d *Dispatcher, svc *Services) {
	allModes := proto.Modes(proto.ModeCommand, proto.ModeIntercept, proto.ModePluginService)

	d.Register(proto.KindCode, Registration{
		AllowedModes:        allModes,
		RequiredPermissions: RequirePermissions(proto.PermissionCommandExecution),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.Code)
			channel, err := gcode.ParseChannel(req.Channel)
			if err != nil {
				return proto.Response{}, err
			}
			result, err := svc.Pipeline.Process(ctx, channel, *req)
			if err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessValue(result)
		},
	})

	d.Register(proto.KindSimpleCode, Registration{
		AllowedModes:        allModes,
		RequiredPermissions: RequirePermissions(proto.PermissionCommandExecution),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.SimpleCode)
			channel, err := gcode.ParseChannel(req.Channel)
			if err != nil {
				return proto.Response{}, err
			}
			result, err := svc.Pipeline.Process(ctx, channel, proto.Code{Channel: req.Channel, Type: "Simple", Text: req.Code})
			if err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessValue(result)
		},
	})

	d.Register(proto.KindFlush, Registration{
		AllowedModes:        allModes,
		RequiredPermissions: RequirePermissions(proto.PermissionCommandExecution),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.Flush)
			channel, err := gcode.ParseChannel(req.Channel)
			if err != nil {
				return proto.Response{}, err
			}
			if err := svc.Pipeline.Flush(ctx, channel); err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessVoid(), nil
		},
	})

	d.Register(proto.KindEvaluateExpression, Registration{
		AllowedModes:        allModes,
		RequiredPermissions: RequirePermissions(proto.PermissionObjectModelRead),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.EvaluateExpression)
			value, err := gcode.Evaluate(svc.Model, req.Expression)
			if err != nil {
				return proto.Response{}, pcserr.Wrap(pcserr.KindInvalidArgument, err, "evaluating expression")
			}
			return proto.SuccessValue(value)
		},
	})
}

// --- Model ---

// registerModelHandlers accepts both Command and PluginService
// connections: a plugin talks to the object model the same way an
// admin CLI connection does (spec names no dedicated processor for
// PluginService, so it reuses the Command processor's strict
// request/response loop — see cmd/pcsd's accept loop), just without
// ever holding the broader session/plugin-lifecycle/endpoint-
// registration permissions an admin connection would.
func registerModelHandlers(d *Dispatcher, svc *Services) {
	commandOnly := proto.Modes(proto.ModeCommand, proto.ModePluginService)

	d.Register(proto.KindGetObjectModel, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionObjectModelRead),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			raw, sequence := svc.Model.MarshalSnapshot()
			return proto.SuccessValue(struct {
				Sequence uint64          `json:"sequence"`
				Model    rawModelMarshal `json:"model"`
			}{Sequence: sequence, Model: rawModelMarshal(raw)})
		},
	})

	d.Register(proto.KindLockObjectModel, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionObjectModelReadWrite),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			if err := svc.Lock.Acquire(ctx, modellock.ConnID(c.ID)); err != nil {
				if ctx.Err() != nil {
					return proto.Response{}, pcserr.Wrap(pcserr.KindIoError, err, "acquiring object-model lock")
				}
				return proto.Response{}, pcserr.Wrap(pcserr.KindAlreadyHeld, err, "acquiring object-model lock")
			}
			return proto.SuccessVoid(), nil
		},
	})

	d.Register(proto.KindUnlockObjectModel, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionObjectModelReadWrite),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			if err := svc.Lock.Release(modellock.ConnID(c.ID)); err != nil {
				return proto.Response{}, pcserr.Wrap(pcserr.KindNotHeld, err, "releasing object-model lock")
			}
			return proto.SuccessVoid(), nil
		},
	})

	d.Register(proto.KindPatchObjectModel, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionObjectModelReadWrite),
		RequiresLock:        true,
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.PatchObjectModel)
			sequence, err := svc.Model.ApplyMergePatch(req.Patch)
			if err != nil {
				return proto.Response{}, pcserr.Wrap(pcserr.KindInvalidArgument, err, "applying merge patch")
			}
			svc.Fanout.Publish()
			return proto.SuccessValue(sequence)
		},
	})

	d.Register(proto.KindSetObjectModel, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionObjectModelReadWrite),
		RequiresLock:        true,
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.SetObjectModel)
			sequence := svc.Model.SetKey(req.Key, req.Value)
			svc.Fanout.Publish()
			return proto.SuccessValue(sequence)
		},
	})

	d.Register(proto.KindSyncObjectModel, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionObjectModelRead),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.SyncObjectModel)
			if err := waitForSequencePast(ctx, svc, req.SinceSequence); err != nil {
				return proto.Response{}, err
			}
			raw, sequence := svc.Model.MarshalSnapshot()
			return proto.SuccessValue(struct {
				Sequence uint64          `json:"sequence"`
				Model    rawModelMarshal `json:"model"`
			}{Sequence: sequence, Model: rawModelMarshal(raw)})
		},
	})
}

// rawModelMarshal passes an already-encoded JSON object model through
// unchanged when embedded in a response payload.
type rawModelMarshal []byte

func (r rawModelMarshal) MarshalJSON() ([]byte, error) { return r, nil }

// waitForSequencePast blocks until the model's modification sequence
// advances past since or ctx is cancelled. It registers a throwaway
// fanout subscription for the wait's duration rather than polling —
// internal/fanout's Subscription.Wait already does exactly the
// wake-on-Publish blocking SyncObjectModel needs, so this borrows it
// instead of teaching internal/model its own notification mechanism.
func waitForSequencePast(ctx context.Context, svc *Services, since uint64) error {
	if svc.Model.Sequence() > since {
		return nil
	}
	id := fanout.SubscriberID(uuid.NewString())
	sub := svc.Fanout.Subscribe(id, proto.SubscribeModeFull, nil)
	defer svc.Fanout.Unregister(id)

	for svc.Model.Sequence() <= since {
		if err := sub.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// --- Files ---

// GetFileInfo/ResolvePath are real but intentionally shallow (spec §1
// frames file-info parsing as "glue," not core semantics): ResolvePath
// maps a virtual SD-card path onto FilesRoot, and GetFileInfo reports
// what a stat(2) plus the file extension can tell you rather than
// implementing a slicer-metadata parser.
func registerFileHandlers(d *Dispatcher, svc *Services) {
	commandOnly := proto.Modes(proto.ModeCommand, proto.ModePluginService)

	d.Register(proto.KindResolvePath, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionFileSystemAccess),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.ResolvePath)
			resolved, err := resolveVirtualPath(svc.FilesRoot, req.Path)
			if err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessValue(resolved)
		},
	})

	d.Register(proto.KindGetFileInfo, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionReadGCodes),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.GetFileInfo)
			resolved, err := resolveVirtualPath(svc.FilesRoot, req.Path)
			if err != nil {
				return proto.Response{}, err
			}
			info, err := os.Stat(resolved)
			if err != nil {
				return proto.Response{}, pcserr.Wrap(pcserr.KindNotFound, err, "reading file info")
			}
			return proto.SuccessValue(fileInfoResult{
				Size:     info.Size(),
				Filename: filepath.Base(resolved),
				IsGcode:  strings.EqualFold(filepath.Ext(resolved), ".gcode"),
			})
		},
	})
}

type fileInfoResult struct {
	Size     int64  `json:"size"`
	Filename string `json:"fileName"`
	IsGcode  bool   `json:"isGcode"`
}

// resolveVirtualPath joins a virtual path onto root and rejects any
// result that would escape it (spec §6's filesystem-permission framing
// implies the daemon itself must not become a path-traversal vector).
func resolveVirtualPath(root, virtual string) (string, error) {
	if root == "" {
		return "", pcserr.New(pcserr.KindInvalidArgument, "no files root configured")
	}
	cleaned := filepath.Clean("/" + strings.TrimPrefix(virtual, "0:"))
	resolved := filepath.Join(root, cleaned)
	if !strings.HasPrefix(resolved, filepath.Clean(root)+string(os.PathSeparator)) && resolved != filepath.Clean(root) {
		return "", pcserr.New(pcserr.KindInvalidArgument, "path %q escapes the files root", virtual)
	}
	return resolved, nil
}

// --- Sessions ---

func registerSessionHandlers(d *Dispatcher, svc *Services) {
	commandOnly := proto.Modes(proto.ModeCommand)

	d.Register(proto.KindAddUserSession, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionManageUserSessions),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.AddUserSession)
			id, err := svc.Sessions.Add(req.AccessLevel, req.Origin, req.OriginPort)
			if err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessValue(id)
		},
	})

	d.Register(proto.KindRemoveUserSession, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionManageUserSessions),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.RemoveUserSession)
			if req.SessionID < 0 {
				return proto.Response{}, pcserr.New(pcserr.KindInvalidArgument, "negative session id")
			}
			if err := svc.Sessions.Remove(uint32(req.SessionID)); err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessVoid(), nil
		},
	})
}

// --- Endpoints ---

// registerEndpointHandlers wires the Command-mode equivalent of the
// implicit registration a PluginHttpEndpoint connection performs at
// handshake. Design decision (DESIGN.md): since a Command-mode
// connection is a strict request/response loop (internal/processor's
// RunCommand) and cannot itself switch to the HTTP-bridge framing the
// way a dedicated PluginHttpEndpoint connection does, AddHttpEndpoint
// only allocates the socket path and records it in the registry — the
// caller is responsible for listening on it itself, matching
// proto.AddHttpEndpoint's doc comment ("the caller must itself accept
// on" the returned socket).
func registerEndpointHandlers(d *Dispatcher, svc *Services) {
	commandOnly := proto.Modes(proto.ModeCommand)

	d.Register(proto.KindAddHttpEndpoint, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionRegisterHttpEndpoints),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.AddHttpEndpoint)
			socketPath := filepath.Join(svc.SocketDir, fmt.Sprintf("%s-%s-%s.sock", req.Namespace, strings.ToLower(req.Method), uuid.NewString()[:8]))
			key := endpoint.Key{Method: req.Method, Namespace: req.Namespace, Path: req.Path}
			if err := svc.Endpoints.Add(endpoint.Registration{Key: key, IsUpload: req.IsUpload, SocketPath: socketPath}); err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessValue(socketPath)
		},
	})

	d.Register(proto.KindRemoveHttpEndpoint, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionRegisterHttpEndpoints),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.RemoveHttpEndpoint)
			key := endpoint.Key{Method: req.Method, Namespace: req.Namespace, Path: req.Path}
			if _, err := svc.Endpoints.Remove(key); err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessVoid(), nil
		},
	})
}

// --- Plugins ---

func registerPluginHandlers(d *Dispatcher, svc *Services) {
	commandOnly := proto.Modes(proto.ModeCommand)

	d.Register(proto.KindInstallPlugin, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionManagePlugins),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.InstallPlugin)
			installed, err := svc.Plugins.Install(req.Path)
			if err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessValue(installed.Manifest.Name)
		},
	})

	d.Register(proto.KindStartPlugin, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionManagePlugins),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.StartPlugin)
			if err := svc.Plugins.Start(req.Name); err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessVoid(), nil
		},
	})

	d.Register(proto.KindStopPlugin, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionManagePlugins),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.StopPlugin)
			if err := svc.Plugins.Stop(req.Name); err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessVoid(), nil
		},
	})

	d.Register(proto.KindUninstallPlugin, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionManagePlugins),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.UninstallPlugin)
			if err := svc.Plugins.Uninstall(req.Name); err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessVoid(), nil
		},
	})

	d.Register(proto.KindSetPluginData, Registration{
		AllowedModes:        proto.Modes(proto.ModeCommand, proto.ModePluginService),
		RequiredPermissions: RequirePermissions(proto.PermissionManagePlugins),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.SetPluginData)
			if err := svc.Plugins.SetData(req.Plugin, req.Key, req.Value); err != nil {
				return proto.Response{}, err
			}
			return proto.SuccessVoid(), nil
		},
	})
}

// --- Misc ---

// updateStatus is the tiny bit of daemon-wide state SetUpdateStatus
// toggles; it has no natural home in any other package, so it lives
// alongside the handler that owns it.
type updateStatus struct {
	updating bool
}

func registerMiscHandlers(d *Dispatcher, svc *Services) {
	commandOnly := proto.Modes(proto.ModeCommand)
	pluginAllowed := proto.Modes(proto.ModeCommand, proto.ModePluginService)
	status := &updateStatus{}

	d.Register(proto.KindWriteMessage, Registration{
		AllowedModes:        pluginAllowed,
		RequiredPermissions: RequirePermissions(proto.PermissionCommandExecution),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.WriteMessage)
			c.Log().Info("plugin message", "severity", req.Severity, "message", req.Message)
			return proto.SuccessVoid(), nil
		},
	})

	d.Register(proto.KindSetUpdateStatus, Registration{
		AllowedModes:        commandOnly,
		RequiredPermissions: RequirePermissions(proto.PermissionManagePlugins),
		Handler: func(ctx context.Context, c *conn.Connection, command proto.Command) (proto.Response, error) {
			req := command.(*proto.SetUpdateStatus)
			status.updating = req.Updating
			return proto.SuccessVoid(), nil
		},
	})
}
