// Package router implements manifest-driven dispatch: tool lookup,
// permission and credential collection, and the three-way fan-out to
// internal handlers, HTTP proxies, and spawned scripts.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/brokerd/internal/auth"
	"github.com/fyrsmithlabs/brokerd/internal/config"
	"github.com/fyrsmithlabs/brokerd/internal/logging"
	"github.com/fyrsmithlabs/brokerd/internal/manifest"
	"github.com/fyrsmithlabs/brokerd/internal/permissions"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

// ErrNotRouted signals that no loaded manifest covers the method; the
// caller falls back to legacy namespace dispatch.
var ErrNotRouted = errors.New("method not routed by any manifest")

// InternalInvoker dispatches dotted methods to in-process handler modules.
// The dispatch registry implements it; the indirection keeps this package
// free of a dependency cycle.
type InternalInvoker interface {
	InvokeInternal(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// Router performs manifest-driven dispatch.
type Router struct {
	manifests  *manifest.Registry
	broker     *auth.Broker
	perms      *permissions.Service
	logger     *logging.Logger
	scriptsDir string
	scriptCfg  config.ScriptConfig
	httpClient *http.Client

	// Outbound calls are paced per upstream host so one chatty client does
	// not trip remote 429s for everyone on the socket.
	rateLimit rate.Limit
	rateBurst int
	limiters  sync.Map // host -> *rate.Limiter

	// Internal is set during wiring, after the dispatch registry exists.
	Internal InternalInvoker
}

// New creates the router. scriptsDir anchors relative script entrypoints.
func New(manifests *manifest.Registry, broker *auth.Broker, perms *permissions.Service, httpCfg config.HTTPConfig, scriptCfg config.ScriptConfig, scriptsDir string, logger *logging.Logger) *Router {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: httpCfg.ConnectTimeout.Duration()}).DialContext,
	}
	return &Router{
		manifests:  manifests,
		broker:     broker,
		perms:      perms,
		logger:     logger,
		scriptsDir: scriptsDir,
		scriptCfg:  scriptCfg,
		rateLimit:  rate.Limit(httpCfg.RateLimit),
		rateBurst:  httpCfg.RateBurst,
		httpClient: &http.Client{
			Timeout:   httpCfg.RequestTimeout.Duration(),
			Transport: transport,
		},
	}
}

// waitQuota blocks until the per-host limiter admits one request.
func (r *Router) waitQuota(ctx context.Context, host string) error {
	if r.rateLimit <= 0 {
		return nil
	}
	actual, _ := r.limiters.LoadOrStore(host, rate.NewLimiter(r.rateLimit, r.rateBurst))
	return actual.(*rate.Limiter).Wait(ctx)
}

// Kind returns the implementation variant that would serve the method.
func (r *Router) Kind(method string) (string, bool) {
	ref, ok := r.manifests.FindTool(method)
	if !ok {
		return "", false
	}
	return ref.Manifest.Implementation.Kind(), true
}

// Route dispatches one manifest-covered method. Returns ErrNotRouted when
// no manifest claims the method name.
func (r *Router) Route(ctx context.Context, method string, rawParams json.RawMessage) (any, error) {
	ref, ok := r.manifests.FindTool(method)
	if !ok {
		return nil, ErrNotRouted
	}

	params, err := decodeParams(rawParams)
	if err != nil {
		return nil, err
	}

	permReqs, credReqs := ref.Manifest.RequirementsFor(ref.Tool)
	if perr := r.checkPermissions(ctx, permReqs); perr != nil {
		return nil, perr
	}

	creds, accountParamUsed, err := r.loadCredentials(ctx, credReqs, params)
	if err != nil {
		return nil, err
	}

	switch {
	case ref.Manifest.Implementation.Internal != nil:
		return r.dispatchInternal(ctx, ref, rawParams)
	case ref.Manifest.Implementation.Proxy != nil:
		return r.dispatchProxy(ctx, ref, params, creds, accountParamUsed)
	case ref.Manifest.Implementation.Script != nil:
		return r.dispatchScript(ctx, ref, params, creds)
	default:
		return nil, protocol.NewError(protocol.CodeInternalError, "manifest has no implementation")
	}
}

func (r *Router) checkPermissions(ctx context.Context, reqs []manifest.PermissionRequirement) *protocol.Error {
	for _, req := range reqs {
		status := r.perms.Status(ctx, req.Name)
		if status == permissions.StatusGranted {
			continue
		}
		if req.Optional {
			r.logger.Debug(ctx, "optional permission not granted",
				zap.String("permission", req.Name), zap.String("status", string(status)))
			continue
		}
		return permissions.GateError(req.Name, status)
	}
	return nil
}

// loadCredentials resolves each requirement into the credential map keyed
// by credential id, in declaration order. The account comes from the
// request params when present, else the per-credential default.
func (r *Router) loadCredentials(ctx context.Context, reqs []manifest.CredentialRequirement, params map[string]any) (map[string]map[string]any, bool, error) {
	if len(reqs) == 0 {
		return nil, false, nil
	}

	accountParam, hasAccountParam := params["account"].(string)

	creds := make(map[string]map[string]any, len(reqs))
	for _, req := range reqs {
		account := req.DefaultAccount
		if account == "" {
			account = "default"
		}
		if hasAccountParam && accountParam != "" {
			account = accountParam
		}

		fields, err := r.broker.GetCredential(ctx, req.Provider, account, req.Scopes)
		if err != nil {
			var perr *protocol.Error
			if req.Optional && errors.As(err, &perr) && perr.Code == protocol.CodeTokenNotFound {
				continue
			}
			return nil, false, err
		}
		creds[req.ID] = fields
	}
	return creds, hasAccountParam, nil
}

func (r *Router) dispatchInternal(ctx context.Context, ref manifest.ToolRef, rawParams json.RawMessage) (any, error) {
	dotted := ref.Manifest.Implementation.Internal.Methods[ref.Tool.Name]
	if r.Internal == nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "internal dispatch not wired")
	}
	return r.Internal.InvokeInternal(ctx, dotted, rawParams)
}

func decodeParams(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var params map[string]any
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, protocol.InvalidParams("params must be an object")
	}
	if params == nil {
		params = map[string]any{}
	}
	return params, nil
}
