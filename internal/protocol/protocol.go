// Package protocol provides the JSON-RPC 2.0 types spoken on the broker socket.
//
// Requests are newline-framed UTF-8 JSON. A frame carries either a single
// request object or an array of requests (a batch). Requests without an id
// are notifications and produce no response.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version the broker speaks.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
//
// ID is kept raw so string, number and null ids round-trip unchanged.
// A nil ID pointer means the id member was absent (notification).
type Request struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id,omitempty"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
}

// UnmarshalJSON keeps an explicit "id": null as the raw value null, so that
// only an absent id leaves ID nil.
func (r *Request) UnmarshalJSON(data []byte) error {
	type plain Request
	var p struct {
		plain
		RawID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*r = Request(p.plain)
	if p.RawID != nil {
		r.ID = &p.RawID
	}
	return nil
}

// IsNotification reports whether the request carries no id.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Validate checks the structural requirements of a request.
func (r *Request) Validate() *Error {
	if r.JSONRPC != Version {
		return NewError(CodeInvalidRequest, fmt.Sprintf("unsupported jsonrpc version %q", r.JSONRPC))
	}
	if r.Method == "" {
		return NewError(CodeInvalidRequest, "method must not be empty")
	}
	return nil
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      *json.RawMessage `json:"id"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *Error           `json:"error,omitempty"`
}

// NewResponse creates a success response for the given id.
func NewResponse(id *json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse creates an error response for the given id.
func NewErrorResponse(id *json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// Frame is one parsed socket line: a single request or a batch.
type Frame struct {
	Batch    bool
	Requests []Request
}

// ParseFrame parses one newline-delimited frame.
//
// Malformed JSON yields CodeParseError, an empty batch CodeInvalidRequest.
// Per-request validation is left to the caller so that valid siblings in a
// batch are still dispatched.
func ParseFrame(line []byte) (*Frame, *Error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, NewError(CodeParseError, "empty request line")
	}

	if trimmed[0] == '[' {
		var reqs []Request
		if err := json.Unmarshal(trimmed, &reqs); err != nil {
			return nil, NewError(CodeParseError, "invalid JSON: "+err.Error())
		}
		if len(reqs) == 0 {
			return nil, NewError(CodeInvalidRequest, "batch must not be empty")
		}
		return &Frame{Batch: true, Requests: reqs}, nil
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, NewError(CodeParseError, "invalid JSON: "+err.Error())
	}
	return &Frame{Requests: []Request{req}}, nil
}
