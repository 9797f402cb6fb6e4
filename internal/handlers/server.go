// Package handlers implements the built-in internal namespaces: server,
// log, config, auth and permissions. OS-service handlers (contacts,
// calendar, ...) register through the same contract but live with their
// native integrations.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/brokerd/internal/dispatch"
	"github.com/fyrsmithlabs/brokerd/internal/metrics"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

// ServerHandler serves the server namespace.
type ServerHandler struct {
	version  string
	started  time.Time
	metrics  *metrics.Metrics
	activity *dispatch.Activity
}

// NewServerHandler creates the server namespace handler.
func NewServerHandler(version string, m *metrics.Metrics, activity *dispatch.Activity) *ServerHandler {
	return &ServerHandler{version: version, started: time.Now(), metrics: m, activity: activity}
}

// Handle implements the dispatch handler contract.
func (h *ServerHandler) Handle(ctx context.Context, action string, params json.RawMessage) (any, error) {
	switch action {
	case "status":
		return map[string]any{
			"status":  "running",
			"version": h.version,
		}, nil

	case "info":
		return map[string]any{
			"status":         "running",
			"version":        h.version,
			"uptime_seconds": int(time.Since(h.started).Seconds()),
		}, nil

	case "metrics":
		families, err := h.metrics.Gather()
		if err != nil {
			return nil, err
		}
		return map[string]any{"families": families}, nil

	case "activity":
		return map[string]any{"entries": h.activity.Recent()}, nil

	default:
		return nil, protocol.MethodNotFound("server." + action)
	}
}
