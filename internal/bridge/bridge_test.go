package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/brokerd/internal/client"
	"github.com/fyrsmithlabs/brokerd/internal/logging"
	"github.com/fyrsmithlabs/brokerd/internal/manifest"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

const bridgeManifest = `{
	"schemaVersion": 1,
	"id": "calendar-pack",
	"name": "Calendar",
	"version": "1.0.0",
	"tools": [
		{"name": "calendar.events", "description": "List events"},
		{"name": "calendar.secret", "description": "Hidden", "mcpExpose": false}
	],
	"implementation": {
		"internal": {
			"module": "calendar",
			"methods": {
				"calendar.events": "calendar.events",
				"calendar.secret": "calendar.secret"
			}
		}
	}
}`

const proxyOnlyManifest = `{
	"schemaVersion": 1,
	"id": "oura-pack",
	"name": "Oura",
	"version": "1.0.0",
	"tools": [{"name": "oura.sleep", "description": "Sleep data"}],
	"implementation": {
		"proxy": {
			"baseUrl": "https://api.ouraring.com",
			"auth": {"strategy": "bearer", "credentialId": "oura"},
			"toolBindings": {"oura.sleep": {"method": "GET", "path": "/v2/sleep"}}
		}
	}
}`

// fakeBroker answers one-line JSON-RPC on a unix socket.
func fakeBroker(t *testing.T, respond func(req protocol.Request) protocol.Response) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "brokerd.sock")
	listener, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadBytes('\n')
					if err != nil {
						return
					}
					var req protocol.Request
					if err := json.Unmarshal(line, &req); err != nil {
						return
					}
					resp := respond(req)
					payload, _ := json.Marshal(&resp)
					if _, err := conn.Write(append(payload, '\n')); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return socketPath
}

func newBridge(t *testing.T, socketPath string, manifests ...string) *Bridge {
	t.Helper()
	dir := t.TempDir()
	for i, m := range manifests {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "m"+string(rune('a'+i))+".json"), []byte(m), 0600))
	}
	registry := manifest.NewRegistry(dir, nil, logging.NewNop())
	require.NoError(t, registry.Load(context.Background()))

	return New(registry, client.New(socketPath), "0.3.0", logging.NewNop())
}

func TestBridge_Allowlist(t *testing.T) {
	b := newBridge(t, "/nonexistent.sock", bridgeManifest, proxyOnlyManifest)

	// Builtin plus the one exposed internal tool; the mcpExpose:false tool
	// and the proxy-backed tool are absent.
	assert.Equal(t, []string{"brokerd_calendar_events", "brokerd_server_status"}, b.Advertised())

	method, ok := b.Lookup("brokerd_calendar_events")
	require.True(t, ok)
	assert.Equal(t, "calendar.events", method)

	method, ok = b.Lookup("brokerd_server_status")
	require.True(t, ok)
	assert.Equal(t, "server.status", method)

	_, ok = b.Lookup("brokerd_oura_sleep")
	assert.False(t, ok)
	_, ok = b.Lookup("brokerd_calendar_secret")
	assert.False(t, ok)
}

func TestBridge_Alias(t *testing.T) {
	assert.Equal(t, "brokerd_server_status", Alias("server.status"))
	assert.Equal(t, "brokerd_auth_credentials_list", Alias("auth.credentials.list"))
}

func TestBridge_CallTranslation(t *testing.T) {
	var gotMethod string
	var gotParams string
	socketPath := fakeBroker(t, func(req protocol.Request) protocol.Response {
		gotMethod = req.Method
		gotParams = string(req.Params)
		result := json.RawMessage(`{"status":"running","version":"0.3.0"}`)
		return protocol.Response{JSONRPC: protocol.Version, ID: req.ID, Result: result}
	})

	b := newBridge(t, socketPath)
	handler := b.callHandler("server.status")

	result, err := handler(context.Background(), &mcpsdk.CallToolRequest{
		Params: &mcpsdk.CallToolParamsRaw{Name: "brokerd_server_status", Arguments: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)

	assert.Equal(t, "server.status", gotMethod)
	assert.JSONEq(t, `{}`, gotParams)
	assert.False(t, result.IsError)

	require.Len(t, result.Content, 1)
	text := result.Content[0].(*mcpsdk.TextContent).Text
	assert.JSONEq(t, `{"status":"running","version":"0.3.0"}`, text)
}

func TestBridge_ErrorHoistedIntoEnvelope(t *testing.T) {
	socketPath := fakeBroker(t, func(req protocol.Request) protocol.Response {
		return protocol.Response{
			JSONRPC: protocol.Version,
			ID:      req.ID,
			Error: protocol.NewErrorWithData(protocol.CodePermissionDenied, "Permission not granted",
				map[string]string{"permission": "contacts"}),
		}
	})

	b := newBridge(t, socketPath)
	handler := b.callHandler("contacts.list")

	result, err := handler(context.Background(), &mcpsdk.CallToolRequest{
		Params: &mcpsdk.CallToolParamsRaw{Name: "brokerd_contacts_list", Arguments: json.RawMessage(`{}`)},
	})
	require.NoError(t, err, "tool failures must not surface as protocol failures")

	assert.True(t, result.IsError)
	require.Len(t, result.Content, 1)
	text := result.Content[0].(*mcpsdk.TextContent).Text

	var hoisted protocol.Error
	require.NoError(t, json.Unmarshal([]byte(text), &hoisted))
	assert.Equal(t, protocol.CodePermissionDenied, hoisted.Code)
	assert.Equal(t, "Permission not granted", hoisted.Message)
}

func TestBridge_BrokerUnreachable(t *testing.T) {
	b := newBridge(t, "/nonexistent/brokerd.sock")
	handler := b.callHandler("server.status")

	result, err := handler(context.Background(), &mcpsdk.CallToolRequest{
		Params: &mcpsdk.CallToolParamsRaw{Name: "brokerd_server_status", Arguments: nil},
	})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
