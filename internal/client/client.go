// Package client is a minimal line-delimited JSON-RPC client for the broker
// socket, used by the stdio bridge and the brokerctl CLI.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

// Client dials the broker socket per call. Connections are cheap on a local
// socket and per-call dialing keeps the client free of reconnect state.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// New creates a client for the given socket path.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 90 * time.Second}
}

// Call sends one request and returns the result payload. Broker-side
// failures come back as *protocol.Error.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to broker at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	id := json.RawMessage(`1`)
	req := protocol.Request{JSONRPC: protocol.Version, ID: &id, Method: method, Params: rawParams}

	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp protocol.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
