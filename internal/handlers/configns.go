package handlers

import (
	"context"
	"encoding/json"

	"github.com/fyrsmithlabs/brokerd/internal/config"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

// ConfigHandler serves the config namespace with a redacted configuration
// view. Secret fields marshal as [REDACTED] by type.
type ConfigHandler struct {
	cfg *config.Config
}

// NewConfigHandler creates the config namespace handler.
func NewConfigHandler(cfg *config.Config) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// Handle implements the dispatch handler contract.
func (h *ConfigHandler) Handle(ctx context.Context, action string, params json.RawMessage) (any, error) {
	switch action {
	case "get":
		return h.cfg, nil
	default:
		return nil, protocol.MethodNotFound("config." + action)
	}
}
