package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/brokerd/internal/logging"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

// LogHandler serves the log namespace: a sink for client-side notes,
// usually sent as notifications.
type LogHandler struct {
	logger *logging.Logger
}

// NewLogHandler creates the log namespace handler.
func NewLogHandler(logger *logging.Logger) *LogHandler {
	return &LogHandler{logger: logger.Named("client")}
}

// Handle implements the dispatch handler contract.
func (h *LogHandler) Handle(ctx context.Context, action string, params json.RawMessage) (any, error) {
	if action != "note" {
		return nil, protocol.MethodNotFound("log." + action)
	}

	var note struct {
		M       string `json:"m"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(params, &note)
	text := note.M
	if text == "" {
		text = note.Message
	}
	h.logger.Info(ctx, "client note", zap.String("note", text))
	return map[string]any{"ok": true}, nil
}
