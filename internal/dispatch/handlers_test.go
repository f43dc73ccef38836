// Copyright 2026 The PrintWire Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/printwire/pcs/internal/conn"
	"github.com/printwire/pcs/internal/endpoint"
	"github.com/printwire/pcs/internal/fanout"
	"github.com/printwire/pcs/internal/gcode"
	"github.com/printwire/pcs/internal/modellock"
	"github.com/printwire/pcs/internal/model"
	"github.com/printwire/pcs/internal/proto"
	"github.com/printwire/pcs/internal/session"
)

func newTestServices(t *testing.T) (*Dispatcher, *Services) {
	t.Helper()
	lockManager := modellock.NewManager()
	modelStore := model.NewStore(map[string]json.RawMessage{
		"state": json.RawMessage(`{"status":"idle"}`),
	})
	svc := &Services{
		Model:     modelStore,
		Lock:      lockManager,
		Fanout:    fanout.NewManager(modelStore),
		Pipeline:  gcode.NewPipeline(nil, nil),
		Sessions:  session.NewRegistry(nil),
		Endpoints: endpoint.NewRegistry(),
		FilesRoot: t.TempDir(),
		SocketDir: t.TempDir(),
	}
	d := NewDispatcher(lockManager)
	registerCodeHandlers(d, svc)
	registerModelHandlers(d, svc)
	registerFileHandlers(d, svc)
	registerSessionHandlers(d, svc)
	registerEndpointHandlers(d, svc)
	registerMiscHandlers(d, svc)
	return d, svc
}

func commandConn(t *testing.T, permissions ...proto.Permission) *conn.Connection {
	t.Helper()
	return conn.NewForTesting("conn-1", proto.ModeCommand, proto.NewPermissionSet(permissions...), nil)
}

func TestGetObjectModelReturnsCurrentSnapshot(t *testing.T) {
	d, _ := newTestServices(t)
	c := commandConn(t, proto.PermissionObjectModelRead)

	response := d.Dispatch(context.Background(), c, &proto.GetObjectModel{})
	if !response.Success {
		t.Fatalf("expected success, got error %s: %s", response.ErrorType, response.ErrorMessage)
	}
}

func TestGetObjectModelRequiresPermission(t *testing.T) {
	d, _ := newTestServices(t)
	c := commandConn(t)

	response := d.Dispatch(context.Background(), c, &proto.GetObjectModel{})
	if response.Success {
		t.Fatalf("expected PermissionDenied, got success")
	}
	if response.ErrorType != string("PermissionDenied") {
		t.Fatalf("got error type %s, want PermissionDenied", response.ErrorType)
	}
}

func TestSetObjectModelRequiresLock(t *testing.T) {
	d, _ := newTestServices(t)
	c := commandConn(t, proto.PermissionObjectModelReadWrite)

	response := d.Dispatch(context.Background(), c, &proto.SetObjectModel{Key: "job", Value: json.RawMessage(`{}`)})
	if response.Success {
		t.Fatalf("expected NotHeld, got success")
	}
	if response.ErrorType != "NotHeld" {
		t.Fatalf("got error type %s, want NotHeld", response.ErrorType)
	}
}

func TestLockThenSetObjectModelPublishes(t *testing.T) {
	d, svc := newTestServices(t)
	c := commandConn(t, proto.PermissionObjectModelReadWrite)

	if response := d.Dispatch(context.Background(), c, &proto.LockObjectModel{}); !response.Success {
		t.Fatalf("LockObjectModel failed: %s", response.ErrorMessage)
	}

	response := d.Dispatch(context.Background(), c, &proto.SetObjectModel{Key: "job", Value: json.RawMessage(`{"file":"a.gcode"}`)})
	if !response.Success {
		t.Fatalf("SetObjectModel failed: %s", response.ErrorMessage)
	}

	tree, _ := svc.Model.Snapshot()
	if string(tree["job"]) != `{"file":"a.gcode"}` {
		t.Fatalf("got job=%s, want the written value", tree["job"])
	}
}

func TestPatchObjectModelWithoutLockIsRejected(t *testing.T) {
	d, _ := newTestServices(t)
	c := commandConn(t, proto.PermissionObjectModelReadWrite)

	response := d.Dispatch(context.Background(), c, &proto.PatchObjectModel{Patch: json.RawMessage(`{"state":{"status":"printing"}}`)})
	if response.Success {
		t.Fatalf("expected NotHeld, got success")
	}
}

func TestEvaluateExpressionReadsTopLevelKey(t *testing.T) {
	d, _ := newTestServices(t)
	c := commandConn(t, proto.PermissionObjectModelRead)

	response := d.Dispatch(context.Background(), c, &proto.EvaluateExpression{Expression: "state"})
	if !response.Success {
		t.Fatalf("EvaluateExpression failed: %s", response.ErrorMessage)
	}
	var value map[string]string
	if err := json.Unmarshal(response.Result, &value); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if value["status"] != "idle" {
		t.Fatalf("got status %q, want idle", value["status"])
	}
}

func TestAddThenRemoveUserSession(t *testing.T) {
	d, _ := newTestServices(t)
	c := commandConn(t, proto.PermissionManageUserSessions)

	response := d.Dispatch(context.Background(), c, &proto.AddUserSession{AccessLevel: "ReadOnly", Origin: "dashboard"})
	if !response.Success {
		t.Fatalf("AddUserSession failed: %s", response.ErrorMessage)
	}
	var id int
	if err := json.Unmarshal(response.Result, &id); err != nil {
		t.Fatalf("decoding session id: %v", err)
	}

	response = d.Dispatch(context.Background(), c, &proto.RemoveUserSession{SessionID: id})
	if !response.Success {
		t.Fatalf("RemoveUserSession failed: %s", response.ErrorMessage)
	}
}

func TestRemoveUnknownUserSessionIsNotFound(t *testing.T) {
	d, _ := newTestServices(t)
	c := commandConn(t, proto.PermissionManageUserSessions)

	response := d.Dispatch(context.Background(), c, &proto.RemoveUserSession{SessionID: 999})
	if response.Success {
		t.Fatalf("expected NotFound, got success")
	}
	if response.ErrorType != "NotFound" {
		t.Fatalf("got error type %s, want NotFound", response.ErrorType)
	}
}

func TestAddHttpEndpointReturnsSocketPath(t *testing.T) {
	d, svc := newTestServices(t)
	c := commandConn(t, proto.PermissionRegisterHttpEndpoints)

	response := d.Dispatch(context.Background(), c, &proto.AddHttpEndpoint{Method: "GET", Namespace: "heater-guard", Path: "/status"})
	if !response.Success {
		t.Fatalf("AddHttpEndpoint failed: %s", response.ErrorMessage)
	}

	_, ok := svc.Endpoints.Lookup(endpoint.Key{Method: "GET", Namespace: "heater-guard", Path: "/status"})
	if !ok {
		t.Fatalf("expected endpoint to be registered")
	}
}

func TestResolvePathCleansTraversal(t *testing.T) {
	d, _ := newTestServices(t)
	c := commandConn(t, proto.PermissionFileSystemAccess)

	response := d.Dispatch(context.Background(), c, &proto.ResolvePath{Path: "../../../etc/passwd"})
	if !response.Success {
		t.Fatalf("expected the traversal to be cleaned, not rejected, got error %s", response.ErrorMessage)
	}
}

func TestGetFileInfoNotFound(t *testing.T) {
	d, _ := newTestServices(t)
	c := commandConn(t, proto.PermissionReadGCodes)

	response := d.Dispatch(context.Background(), c, &proto.GetFileInfo{Path: "0:/gcodes/missing.gcode"})
	if response.Success {
		t.Fatalf("expected NotFound, got success")
	}
}

func TestUnknownCommandKind(t *testing.T) {
	d, _ := newTestServices(t)
	c := commandConn(t)

	response := d.Dispatch(context.Background(), c, unregisteredCommand{})
	if response.Success {
		t.Fatalf("expected UnknownCommand, got success")
	}
	if response.ErrorType != "UnknownCommand" {
		t.Fatalf("got error type %s, want UnknownCommand", response.ErrorType)
	}
}

func TestPluginServiceModeCanReadObjectModel(t *testing.T) {
	d, _ := newTestServices(t)
	c := conn.NewForTesting("conn-1", proto.ModePluginService, proto.NewPermissionSet(proto.PermissionObjectModelRead), nil)

	response := d.Dispatch(context.Background(), c, &proto.GetObjectModel{})
	if !response.Success {
		t.Fatalf("expected success, got error %s: %s", response.ErrorType, response.ErrorMessage)
	}
}

func TestPluginServiceModeCannotManageSessions(t *testing.T) {
	d, _ := newTestServices(t)
	c := conn.NewForTesting("conn-1", proto.ModePluginService, proto.NewPermissionSet(proto.PermissionManageUserSessions), nil)

	response := d.Dispatch(context.Background(), c, &proto.AddUserSession{AccessLevel: "ReadOnly", Origin: "plugin"})
	if response.Success {
		t.Fatalf("expected WrongMode, got success")
	}
	if response.ErrorType != "WrongMode" {
		t.Fatalf("got error type %s, want WrongMode", response.ErrorType)
	}
}

type unregisteredCommand struct{}

func (unregisteredCommand) CommandName() string { return "NotRegistered" }
