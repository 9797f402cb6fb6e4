// Package dispatch is the entry point from the socket: it gates methods on
// OS permissions, routes through the capability router, and falls back to
// the fixed legacy namespace handlers.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/brokerd/internal/config"
	"github.com/fyrsmithlabs/brokerd/internal/logging"
	"github.com/fyrsmithlabs/brokerd/internal/metrics"
	"github.com/fyrsmithlabs/brokerd/internal/permissions"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
	"github.com/fyrsmithlabs/brokerd/internal/router"
)

// Handler is the uniform contract for one internal namespace module.
type Handler interface {
	Handle(ctx context.Context, action string, params json.RawMessage) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, action string, params json.RawMessage) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, action string, params json.RawMessage) (any, error) {
	return f(ctx, action, params)
}

// Registry dispatches requests and owns the namespace handler table.
type Registry struct {
	perms    *permissions.Service
	permsCfg config.PermissionsConfig
	router   *router.Router
	logger   *logging.Logger
	metrics  *metrics.Metrics
	activity *Activity

	handlers map[string]Handler
}

// NewRegistry creates the dispatch registry with no namespaces; handlers are
// added with Register, which panics on duplicates to surface wiring bugs early.
func NewRegistry(perms *permissions.Service, permsCfg config.PermissionsConfig, rt *router.Router, m *metrics.Metrics, activity *Activity, logger *logging.Logger) *Registry {
	return &Registry{
		perms:    perms,
		permsCfg: permsCfg,
		router:   rt,
		logger:   logger,
		metrics:  m,
		activity: activity,
		handlers: make(map[string]Handler),
	}
}

// Register installs a handler for one namespace.
func (r *Registry) Register(namespace string, h Handler) {
	if _, exists := r.handlers[namespace]; exists {
		panic(fmt.Sprintf("dispatch: namespace %q registered twice", namespace))
	}
	r.handlers[namespace] = h
}

// InvokeInternal dispatches a dotted method to its namespace handler. The
// capability router calls back here for Internal implementations.
func (r *Registry) InvokeInternal(ctx context.Context, method string, params json.RawMessage) (any, error) {
	namespace, action, ok := splitMethod(method)
	if !ok {
		return nil, protocol.MethodNotFound(method)
	}
	h, exists := r.handlers[namespace]
	if !exists {
		return nil, protocol.MethodNotFound(method)
	}
	return h.Handle(ctx, action, params)
}

// Dispatch handles one request end to end and returns the response, or nil
// for notifications.
func (r *Registry) Dispatch(ctx context.Context, req *protocol.Request) *protocol.Response {
	start := time.Now()
	result, err := r.dispatch(ctx, req)

	perr := toProtocolError(err)
	if r.metrics != nil {
		r.metrics.ObserveRequest(req.Method, perr != nil)
	}
	if r.activity != nil {
		r.activity.Record(req.Method, perr, time.Since(start))
	}

	if req.IsNotification() {
		if perr != nil {
			r.logger.Warn(ctx, "notification failed",
				zap.String("method", req.Method),
				zap.Int("code", perr.Code),
				zap.String("error", perr.Message))
		}
		return nil
	}

	if perr != nil {
		return protocol.NewErrorResponse(req.ID, perr)
	}

	resp, merr := protocol.NewResponse(req.ID, result)
	if merr != nil {
		r.logger.Error(ctx, "failed to serialize result",
			zap.String("method", req.Method), zap.Error(merr))
		return protocol.NewErrorResponse(req.ID, protocol.NewError(protocol.CodeInternalError, "failed to serialize result"))
	}
	return resp
}

func (r *Registry) dispatch(ctx context.Context, req *protocol.Request) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error(ctx, "handler panic",
				zap.String("method", req.Method), zap.Any("panic", rec))
			result = nil
			err = protocol.NewError(protocol.CodeInternalError, "internal error")
		}
	}()

	if perr := req.Validate(); perr != nil {
		return nil, perr
	}

	if perr := r.gate(ctx, req.Method); perr != nil {
		return nil, perr
	}

	result, err = r.router.Route(ctx, req.Method, req.Params)
	if errors.Is(err, router.ErrNotRouted) {
		return r.legacyDispatch(ctx, req)
	}
	return result, err
}

// gate enforces the method-to-permission mapping. Exempt namespaces and
// methods the router will hand to a proxy or script implementation bypass
// the gate: external APIs are gated by credentials, not OS permissions.
func (r *Registry) gate(ctx context.Context, method string) *protocol.Error {
	namespace, _, ok := splitMethod(method)
	if !ok || r.permsCfg.Exempted(namespace) {
		return nil
	}

	permission, gated := r.permsCfg.Gate[namespace]
	if !gated {
		return nil
	}

	if kind, found := r.router.Kind(method); found && kind != "internal" {
		return nil
	}

	status := r.perms.Status(ctx, permission)
	if status == permissions.StatusGranted {
		return nil
	}
	return permissions.GateError(permission, status)
}

// legacyDispatch is the fixed namespace fallback for methods no manifest
// covers.
func (r *Registry) legacyDispatch(ctx context.Context, req *protocol.Request) (any, error) {
	namespace, action, ok := splitMethod(req.Method)
	if !ok {
		return nil, protocol.MethodNotFound(req.Method)
	}
	h, exists := r.handlers[namespace]
	if !exists {
		return nil, protocol.MethodNotFound(req.Method)
	}
	return h.Handle(ctx, action, req.Params)
}

// toProtocolError normalizes handler failures onto the wire taxonomy.
func toProtocolError(err error) *protocol.Error {
	if err == nil {
		return nil
	}
	var perr *protocol.Error
	if errors.As(err, &perr) {
		return perr
	}
	return protocol.NewError(protocol.CodeInternalError, err.Error())
}

func splitMethod(method string) (namespace, action string, ok bool) {
	namespace, action, found := strings.Cut(method, ".")
	if !found || namespace == "" || action == "" {
		return "", "", false
	}
	return namespace, action, true
}
