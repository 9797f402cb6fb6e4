package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame_SingleRequest(t *testing.T) {
	frame, perr := ParseFrame([]byte(`{"jsonrpc":"2.0","id":1,"method":"server.status","params":{}}`))
	require.Nil(t, perr)
	require.False(t, frame.Batch)
	require.Len(t, frame.Requests, 1)

	req := frame.Requests[0]
	assert.Equal(t, "server.status", req.Method)
	assert.False(t, req.IsNotification())
	assert.Equal(t, "1", string(*req.ID))
}

func TestParseFrame_Batch(t *testing.T) {
	frame, perr := ParseFrame([]byte(`[{"jsonrpc":"2.0","id":1,"method":"a.b"},{"jsonrpc":"2.0","method":"log.note"}]`))
	require.Nil(t, perr)
	require.True(t, frame.Batch)
	require.Len(t, frame.Requests, 2)
	assert.False(t, frame.Requests[0].IsNotification())
	assert.True(t, frame.Requests[1].IsNotification())
}

func TestParseFrame_Errors(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantCode int
	}{
		{"malformed json", `{"jsonrpc":`, CodeParseError},
		{"empty line", ``, CodeParseError},
		{"empty batch", `[]`, CodeInvalidRequest},
		{"malformed batch", `[{"jsonrpc":]`, CodeParseError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, perr := ParseFrame([]byte(tt.line))
			require.Nil(t, frame)
			require.NotNil(t, perr)
			assert.Equal(t, tt.wantCode, perr.Code)
		})
	}
}

func TestRequest_Validate(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		wantCode int
	}{
		{"wrong version", Request{JSONRPC: "1.0", Method: "x.y"}, CodeInvalidRequest},
		{"missing version", Request{Method: "x.y"}, CodeInvalidRequest},
		{"empty method", Request{JSONRPC: "2.0"}, CodeInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			perr := tt.req.Validate()
			require.NotNil(t, perr)
			assert.Equal(t, tt.wantCode, perr.Code)
		})
	}

	valid := Request{JSONRPC: "2.0", Method: "server.status"}
	assert.Nil(t, valid.Validate())
}

func TestResponse_RoundTrip(t *testing.T) {
	id := json.RawMessage(`"req-7"`)
	resp, err := NewResponse(&id, map[string]string{"status": "running"})
	require.NoError(t, err)

	data, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, Version, decoded.JSONRPC)
	assert.Equal(t, `"req-7"`, string(*decoded.ID))
	assert.JSONEq(t, `{"status":"running"}`, string(decoded.Result))
	assert.Nil(t, decoded.Error)
}

func TestNewErrorResponse_NullID(t *testing.T) {
	resp := NewErrorResponse(nil, NewError(CodeParseError, "invalid JSON"))

	data, err := json.Marshal(resp)
	require.NoError(t, err)
	// Pre-parse errors must serialize id as null, not omit it.
	assert.Contains(t, string(data), `"id":null`)
}

func TestError_ErrorInterface(t *testing.T) {
	var err error = NewErrorWithData(CodePermissionDenied, "Permission not granted", map[string]string{"permission": "contacts"})
	assert.Contains(t, err.Error(), "-32001")
	assert.Contains(t, err.Error(), "Permission not granted")
}
