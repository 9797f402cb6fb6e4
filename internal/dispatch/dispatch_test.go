package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/brokerd/internal/auth"
	"github.com/fyrsmithlabs/brokerd/internal/config"
	"github.com/fyrsmithlabs/brokerd/internal/logging"
	"github.com/fyrsmithlabs/brokerd/internal/manifest"
	"github.com/fyrsmithlabs/brokerd/internal/metrics"
	"github.com/fyrsmithlabs/brokerd/internal/permissions"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
	"github.com/fyrsmithlabs/brokerd/internal/router"
)

type testEnv struct {
	registry *Registry
	perms    map[string]permissions.Status
	activity *Activity
}

func newTestEnv(t *testing.T, manifestJSON ...string) *testEnv {
	t.Helper()
	root := t.TempDir()
	manifestDir := filepath.Join(root, "manifests")
	require.NoError(t, os.MkdirAll(manifestDir, 0700))
	for i, content := range manifestJSON {
		require.NoError(t, os.WriteFile(filepath.Join(manifestDir, fmt.Sprintf("m%d.json", i)), []byte(content), 0600))
	}

	logger := logging.NewNop()
	env := &testEnv{perms: map[string]permissions.Status{}}

	probe := func(_ context.Context, name string) permissions.Status {
		if s, ok := env.perms[name]; ok {
			return s
		}
		return permissions.StatusGranted
	}
	permsSvc := permissions.NewService(probe, nil, nil, logger)

	key, err := auth.DeriveMasterKey()
	require.NoError(t, err)
	store, err := auth.OpenStore(context.Background(), filepath.Join(root, "auth"), key, logger)
	require.NoError(t, err)
	broker := auth.NewBroker(store, auth.NewProviderRegistry(), config.AuthConfig{
		RefreshInterval: config.Duration(time.Minute),
		RefreshWindow:   config.Duration(5 * time.Minute),
		ExpirySkew:      config.Duration(time.Minute),
	}, logger)

	manifests := manifest.NewRegistry(manifestDir, broker.ProviderKnown, logger)
	require.NoError(t, manifests.Load(context.Background()))

	rt := router.New(manifests, broker, permsSvc, config.HTTPConfig{
		RequestTimeout: config.Duration(5 * time.Second),
		ConnectTimeout: config.Duration(2 * time.Second),
	}, config.ScriptConfig{
		Timeout: config.Duration(5 * time.Second),
	}, filepath.Join(root, "scripts"), logger)

	permsCfg := config.PermissionsConfig{
		Gate:   map[string]string{"contacts": "contacts", "calendar": "calendar"},
		Exempt: []string{"auth", "permissions", "config", "server", "log"},
	}

	env.activity = NewActivity(16)
	env.registry = NewRegistry(permsSvc, permsCfg, rt, metrics.New(), env.activity, logger)
	rt.Internal = env.registry

	env.registry.Register("server", HandlerFunc(func(_ context.Context, action string, _ json.RawMessage) (any, error) {
		if action != "status" {
			return nil, protocol.MethodNotFound("server." + action)
		}
		return map[string]any{"status": "running", "version": "1.2.3"}, nil
	}))
	env.registry.Register("contacts", HandlerFunc(func(_ context.Context, action string, _ json.RawMessage) (any, error) {
		return map[string]any{"action": action}, nil
	}))
	env.registry.Register("log", HandlerFunc(func(_ context.Context, action string, _ json.RawMessage) (any, error) {
		return nil, protocol.NewError(protocol.CodeInternalError, "log handler always fails in tests")
	}))
	return env
}

func request(id, method, params string) *protocol.Request {
	var req protocol.Request
	line := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"method":"%s","params":%s}`, id, method, params)
	if id == "" {
		line = fmt.Sprintf(`{"jsonrpc":"2.0","method":"%s","params":%s}`, method, params)
	}
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		panic(err)
	}
	return &req
}

func TestDispatch_ServerStatus(t *testing.T) {
	env := newTestEnv(t)

	resp := env.registry.Dispatch(context.Background(), request("1", "server.status", "{}"))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `{"status":"running","version":"1.2.3"}`, string(resp.Result))
	assert.Equal(t, "1", string(*resp.ID))
}

func TestDispatch_PermissionDenied(t *testing.T) {
	env := newTestEnv(t)
	env.perms["contacts"] = permissions.StatusNotDetermined

	resp := env.registry.Dispatch(context.Background(), request("2", "contacts.list", "{}"))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodePermissionDenied, resp.Error.Code)
	assert.Equal(t, "Permission not granted", resp.Error.Message)

	data := resp.Error.Data.(map[string]any)
	assert.Equal(t, "contacts", data["permission"])
	assert.Equal(t, "not_determined", data["status"])
	assert.Equal(t, "Call permissions.request with permission='contacts'", data["remediation"])
}

func TestDispatch_PermissionGranted_ReachesHandler(t *testing.T) {
	env := newTestEnv(t)
	env.perms["contacts"] = permissions.StatusGranted

	resp := env.registry.Dispatch(context.Background(), request("3", "contacts.list", "{}"))
	require.NotNil(t, resp)
	assert.Nil(t, resp.Error)
}

func TestDispatch_MethodNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp := env.registry.Dispatch(context.Background(), request("3", "nope.whatever", "{}"))
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Method not found: nope.whatever", resp.Error.Message)
}

func TestDispatch_MethodWithoutNamespace(t *testing.T) {
	env := newTestEnv(t)

	resp := env.registry.Dispatch(context.Background(), request("4", "flat", "{}"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestDispatch_NotificationProducesNoResponse(t *testing.T) {
	env := newTestEnv(t)

	resp := env.registry.Dispatch(context.Background(), request("", "log.note", `{"m":"hi"}`))
	assert.Nil(t, resp, "notifications must not produce a response even on error")
}

func TestDispatch_ProxyBoundMethodBypassesOSGate(t *testing.T) {
	// contacts.sync is manifest-bound to a proxy: credential-gated, not
	// TCC-gated, even though the contacts namespace maps to a permission.
	env := newTestEnv(t, `{
		"schemaVersion": 1,
		"id": "contacts-cloud",
		"name": "Contacts Cloud",
		"version": "1.0.0",
		"requires": {"credentials": [{"id": "g", "provider": "google"}]},
		"tools": [{"name": "contacts.sync", "description": "Sync"}],
		"implementation": {
			"proxy": {
				"baseUrl": "http://127.0.0.1:0",
				"auth": {"strategy": "bearer", "credentialId": "g"},
				"toolBindings": {"contacts.sync": {"method": "GET", "path": "/sync"}}
			}
		}
	}`)
	env.perms["contacts"] = permissions.StatusDenied

	resp := env.registry.Dispatch(context.Background(), request("5", "contacts.sync", "{}"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeTokenNotFound, resp.Error.Code,
		"proxy dispatch must fail on the missing credential, not the OS permission")
}

func TestDispatch_InvalidVersion(t *testing.T) {
	env := newTestEnv(t)
	req := &protocol.Request{JSONRPC: "1.0", Method: "server.status"}
	id := json.RawMessage(`9`)
	req.ID = &id

	resp := env.registry.Dispatch(context.Background(), req)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, resp.Error.Code)
}

func TestDispatch_PanicRecovery(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("boom", HandlerFunc(func(context.Context, string, json.RawMessage) (any, error) {
		panic("kaboom")
	}))

	resp := env.registry.Dispatch(context.Background(), request("6", "boom.now", "{}"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.CodeInternalError, resp.Error.Code)
}

func TestDispatch_RecordsActivity(t *testing.T) {
	env := newTestEnv(t)

	env.registry.Dispatch(context.Background(), request("7", "server.status", "{}"))
	env.registry.Dispatch(context.Background(), request("8", "nope.whatever", "{}"))

	entries := env.activity.Recent()
	require.Len(t, entries, 2)
	assert.Equal(t, "server.status", entries[0].Method)
	assert.Zero(t, entries[0].Code)
	assert.Equal(t, "nope.whatever", entries[1].Method)
	assert.Equal(t, protocol.CodeMethodNotFound, entries[1].Code)
}

func TestDispatch_RegisterDuplicatePanics(t *testing.T) {
	env := newTestEnv(t)
	assert.Panics(t, func() {
		env.registry.Register("server", HandlerFunc(func(context.Context, string, json.RawMessage) (any, error) {
			return nil, nil
		}))
	})
}

func TestActivity_RingBufferWraps(t *testing.T) {
	a := NewActivity(3)
	for i := 0; i < 5; i++ {
		a.Record(fmt.Sprintf("m.%d", i), nil, time.Millisecond)
	}

	entries := a.Recent()
	require.Len(t, entries, 3)
	assert.Equal(t, "m.2", entries[0].Method)
	assert.Equal(t, "m.4", entries[2].Method)
}
