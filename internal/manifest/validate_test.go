package manifest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateToolName(t *testing.T) {
	valid := []string{"calendar.events", "server.status", "oura.sleep", "a.b_c2", "single"}
	for _, name := range valid {
		assert.NoError(t, ValidateToolName(name), name)
	}

	invalid := []string{"", "1calendar.events", "calendar..events", "calendar.events!", ".events", "calendar-"}
	for _, name := range invalid {
		assert.Error(t, ValidateToolName(name), name)
	}
}

func TestImplementation_ExactlyOneVariant(t *testing.T) {
	var impl Implementation

	err := json.Unmarshal([]byte(`{"internal": {"module": "m", "methods": {}}, "proxy": {"baseUrl": "x", "auth": {}, "toolBindings": {}}}`), &impl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one")

	err = json.Unmarshal([]byte(`{}`), &impl)
	require.Error(t, err)

	err = json.Unmarshal([]byte(`{"script": {"runtime": "python3", "entrypoint": "run.py", "toolBindings": {}}}`), &impl)
	require.NoError(t, err)
	assert.Equal(t, "script", impl.Kind())
}

func baseManifest() *Manifest {
	return &Manifest{
		SchemaVersion: SchemaVersion,
		ID:            "test-pack",
		Name:          "Test",
		Version:       "1.0.0",
		Tools:         []Tool{{Name: "test.op", Description: "op"}},
		Implementation: Implementation{
			Internal: &InternalImpl{Module: "test", Methods: map[string]string{"test.op": "test.op"}},
		},
	}
}

func TestManifest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Manifest)
		wantErr string
	}{
		{"valid", func(m *Manifest) {}, ""},
		{"wrong schema version", func(m *Manifest) { m.SchemaVersion = 2 }, "unsupported schemaVersion"},
		{"empty id", func(m *Manifest) { m.ID = "" }, "id must not be empty"},
		{"no tools", func(m *Manifest) { m.Tools = nil }, "declares no tools"},
		{"bad tool name", func(m *Manifest) { m.Tools[0].Name = "9bad" }, "must start with a letter"},
		{"missing binding", func(m *Manifest) { m.Implementation.Internal.Methods = map[string]string{} }, "no internal binding"},
		{"duplicate tool", func(m *Manifest) {
			m.Tools = append(m.Tools, Tool{Name: "test.op", Description: "again"})
		}, "twice"},
		{"internal method not dotted", func(m *Manifest) {
			m.Implementation.Internal.Methods["test.op"] = "flat"
		}, "not namespace.action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := baseManifest()
			tt.mutate(m)
			err := m.Validate(nil)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestManifest_Validate_Proxy(t *testing.T) {
	m := baseManifest()
	m.Implementation = Implementation{
		Proxy: &ProxyImpl{
			BaseURL: "https://api.example.com",
			Auth:    ProxyAuth{Strategy: AuthAPIKeyHeader, CredentialID: "key"},
			ToolBindings: map[string]ProxyBinding{
				"test.op": {Method: "GET", Path: "/v1/op"},
			},
		},
	}
	err := m.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires headerName")

	m.Implementation.Proxy.Auth.HeaderName = "X-Api-Key"
	assert.NoError(t, m.Validate(nil))

	m.Implementation.Proxy.ToolBindings["test.op"] = ProxyBinding{Method: "FETCH", Path: "/v1/op"}
	err = m.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported HTTP method")
}

func TestManifest_Validate_Script(t *testing.T) {
	m := baseManifest()
	m.Implementation = Implementation{
		Script: &ScriptImpl{
			Runtime:      "perl",
			Entrypoint:   "run.pl",
			ToolBindings: map[string]ScriptBinding{"test.op": {Action: "op"}},
		},
	}
	err := m.Validate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown script runtime")

	m.Implementation.Script.Runtime = "python3"
	assert.NoError(t, m.Validate(nil))
}

func TestRequirementsFor_Union(t *testing.T) {
	m := baseManifest()
	m.Requires = Requires{
		Permissions: []PermissionRequirement{{Name: "contacts"}},
		Credentials: []CredentialRequirement{{ID: "google", Provider: "google"}},
	}
	m.Tools[0].Requires = &Requires{
		Permissions: []PermissionRequirement{{Name: "contacts"}, {Name: "calendar"}},
		Credentials: []CredentialRequirement{{ID: "oura", Provider: "oura"}},
	}

	perms, creds := m.RequirementsFor(&m.Tools[0])

	permNames := make([]string, 0, len(perms))
	for _, p := range perms {
		permNames = append(permNames, p.Name)
	}
	assert.Equal(t, []string{"contacts", "calendar"}, permNames)

	credIDs := make([]string, 0, len(creds))
	for _, c := range creds {
		credIDs = append(credIDs, c.ID)
	}
	assert.Equal(t, []string{"google", "oura"}, credIDs)
}

func TestTool_MCPExposedDefault(t *testing.T) {
	tool := Tool{Name: "x.y"}
	assert.True(t, tool.MCPExposed())

	exposed := false
	tool.MCPExpose = &exposed
	assert.False(t, tool.MCPExposed())
}
