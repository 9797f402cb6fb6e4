package handlers

import (
	"context"
	"encoding/json"

	"github.com/fyrsmithlabs/brokerd/internal/permissions"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

// PermissionsHandler serves the permissions namespace.
type PermissionsHandler struct {
	service *permissions.Service
}

// NewPermissionsHandler creates the permissions namespace handler.
func NewPermissionsHandler(service *permissions.Service) *PermissionsHandler {
	return &PermissionsHandler{service: service}
}

// Handle implements the dispatch handler contract.
func (h *PermissionsHandler) Handle(ctx context.Context, action string, params json.RawMessage) (any, error) {
	switch action {
	case "check":
		name, err := decodePermissionName(params)
		if err != nil {
			return nil, err
		}
		rec, err := h.service.Check(ctx, name)
		if err != nil {
			return nil, protocol.InvalidParams(err.Error())
		}
		return rec, nil

	case "list":
		return map[string]any{"permissions": h.service.List(ctx)}, nil

	case "request":
		name, err := decodePermissionName(params)
		if err != nil {
			return nil, err
		}
		rec, err := h.service.Request(ctx, name)
		if err != nil {
			return nil, protocol.InvalidParams(err.Error())
		}
		return rec, nil

	case "open_settings":
		var p struct {
			Pane string `json:"pane"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Pane == "" {
			return nil, protocol.InvalidParams("pane is required")
		}
		if err := h.service.OpenSettings(ctx, p.Pane); err != nil {
			return nil, err
		}
		return map[string]any{"opened": true}, nil

	default:
		return nil, protocol.MethodNotFound("permissions." + action)
	}
}

func decodePermissionName(params json.RawMessage) (string, error) {
	var p struct {
		Permission string `json:"permission"`
		Name       string `json:"name"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", protocol.InvalidParams("permission is required")
	}
	if p.Permission != "" {
		return p.Permission, nil
	}
	if p.Name != "" {
		return p.Name, nil
	}
	return "", protocol.InvalidParams("permission is required")
}
