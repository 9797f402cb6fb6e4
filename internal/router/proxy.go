package router

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fyrsmithlabs/brokerd/internal/interpolate"
	"github.com/fyrsmithlabs/brokerd/internal/manifest"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

const maxResponseBytes = 8 << 20

// listFields are probed in order when concatenating paginated responses.
var listFields = []string{"items", "messages", "events", "data"}

func (r *Router) dispatchProxy(ctx context.Context, ref manifest.ToolRef, params map[string]any, creds map[string]map[string]any, accountParamUsed bool) (any, error) {
	proxy := ref.Manifest.Implementation.Proxy
	binding := proxy.ToolBindings[ref.Tool.Name]

	used := make(map[string]bool)
	if accountParamUsed {
		// The account param selects the credential; it never reaches the
		// upstream API.
		used["account"] = true
	}
	interp := &interpolate.Context{Params: params, Credentials: creds, Used: used}

	if !binding.Paginate {
		return r.proxyOnce(ctx, proxy, &binding, interp, params, used, "")
	}
	return r.proxyPaginated(ctx, proxy, &binding, interp, params, used)
}

// proxyOnce performs a single upstream call and shapes the response.
func (r *Router) proxyOnce(ctx context.Context, proxy *manifest.ProxyImpl, binding *manifest.ProxyBinding, interp *interpolate.Context, params map[string]any, used map[string]bool, pageToken string) (any, error) {
	req, err := r.buildRequest(ctx, proxy, binding, interp, params, used, pageToken)
	if err != nil {
		return nil, err
	}

	if err := r.waitQuota(ctx, req.URL.Host); err != nil {
		return nil, protocol.NewError(protocol.CodeUpstream, "request cancelled while rate limited: "+err.Error())
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUpstream, upstreamFailureMessage(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUpstream, "failed to read upstream response: "+err.Error())
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, protocol.NewError(protocol.CodeUpstream, "Upstream API rate limited the request; retry later")
	}
	if resp.StatusCode >= 400 {
		return nil, protocol.NewError(protocol.CodeUpstream, upstreamErrorMessage(resp.StatusCode, body))
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]any{}, nil
	}

	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, protocol.NewError(protocol.CodeUpstream, "upstream returned non-JSON response")
	}

	if binding.ResponsePath != "" {
		extracted, err := extractPath(parsed, binding.ResponsePath)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeUpstream, err.Error())
		}
		return extracted, nil
	}
	return parsed, nil
}

// proxyPaginated follows nextPageToken pages and concatenates the first
// conventional list field until max_results or exhaustion.
func (r *Router) proxyPaginated(ctx context.Context, proxy *manifest.ProxyImpl, binding *manifest.ProxyBinding, interp *interpolate.Context, params map[string]any, used map[string]bool) (any, error) {
	maxResults := 0
	if raw, ok := params["max_results"].(float64); ok && raw > 0 {
		maxResults = int(raw)
		used["max_results"] = true
	}

	var listField string
	var collected []any
	pageToken := ""

	for {
		page, err := r.proxyOnce(ctx, proxy, binding, interp, params, used, pageToken)
		if err != nil {
			return nil, err
		}

		obj, ok := page.(map[string]any)
		if !ok {
			// Not an object: nothing to concatenate, return as-is.
			return page, nil
		}

		if listField == "" {
			for _, field := range listFields {
				if _, isList := obj[field].([]any); isList {
					listField = field
					break
				}
			}
			if listField == "" {
				return page, nil
			}
		}

		items, _ := obj[listField].([]any)
		collected = append(collected, items...)
		if maxResults > 0 && len(collected) >= maxResults {
			collected = collected[:maxResults]
			break
		}

		next, _ := obj["nextPageToken"].(string)
		if next == "" {
			break
		}
		pageToken = next
	}

	return map[string]any{listField: collected}, nil
}

func (r *Router) buildRequest(ctx context.Context, proxy *manifest.ProxyImpl, binding *manifest.ProxyBinding, interp *interpolate.Context, params map[string]any, used map[string]bool, pageToken string) (*http.Request, error) {
	path, err := interp.Expand(binding.Path)
	if err != nil {
		return nil, protocol.InvalidParams(err.Error())
	}

	query := url.Values{}
	for key, tmpl := range binding.Query {
		val, err := interp.Expand(tmpl)
		if err != nil {
			if errors.Is(err, interpolate.ErrUnresolved) && isOptionalQueryRef(tmpl, params) {
				continue
			}
			return nil, protocol.InvalidParams(err.Error())
		}
		if val != "" {
			query.Set(key, val)
		}
	}
	if pageToken != "" {
		query.Set("pageToken", pageToken)
	}

	var body io.Reader
	switch binding.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		payload, err := r.buildBody(binding, interp, params, used)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}

	fullURL := strings.TrimSuffix(proxy.BaseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		fullURL += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, binding.Method, fullURL, body)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUpstream, "failed to build upstream request: "+err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for key, tmpl := range binding.Headers {
		val, err := interp.Expand(tmpl)
		if err != nil {
			return nil, protocol.InvalidParams(err.Error())
		}
		req.Header.Set(key, val)
	}

	if err := applyAuth(req, proxy, interp.Credentials); err != nil {
		return nil, err
	}
	return req, nil
}

// buildBody serializes the remaining params (those not consumed by path or
// query templates) unless the binding declares an explicit body template.
func (r *Router) buildBody(binding *manifest.ProxyBinding, interp *interpolate.Context, params map[string]any, used map[string]bool) ([]byte, error) {
	if binding.Body != "" {
		expanded, err := interp.Expand(binding.Body)
		if err != nil {
			return nil, protocol.InvalidParams(err.Error())
		}
		return []byte(expanded), nil
	}

	remainder := make(map[string]any, len(params))
	for key, val := range params {
		if !used[key] {
			remainder[key] = val
		}
	}
	payload, err := json.Marshal(remainder)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "failed to serialize request body")
	}
	return payload, nil
}

// applyAuth injects the credential per the manifest's auth strategy.
func applyAuth(req *http.Request, proxy *manifest.ProxyImpl, creds map[string]map[string]any) error {
	auth := proxy.Auth
	if auth.Strategy == "" {
		return nil
	}

	fields, ok := creds[auth.CredentialID]
	if !ok {
		return protocol.NewError(protocol.CodeTokenNotFound, "Token not found for credential "+auth.CredentialID)
	}

	tokenField := auth.TokenField
	if tokenField == "" {
		tokenField = "access_token"
	}

	switch auth.Strategy {
	case manifest.AuthBearer:
		token, err := credField(fields, tokenField, auth.CredentialID)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

	case manifest.AuthAPIKeyHeader:
		token, err := credField(fields, tokenField, auth.CredentialID)
		if err != nil {
			return err
		}
		req.Header.Set(auth.HeaderName, token)

	case manifest.AuthAPIKeyQuery:
		token, err := credField(fields, tokenField, auth.CredentialID)
		if err != nil {
			return err
		}
		query := req.URL.Query()
		query.Set(auth.HeaderName, token)
		req.URL.RawQuery = query.Encode()

	case manifest.AuthBasic:
		userField, passField := auth.UserField, auth.PassField
		if userField == "" {
			userField = "username"
		}
		if passField == "" {
			passField = "password"
		}
		user, err := credField(fields, userField, auth.CredentialID)
		if err != nil {
			return err
		}
		pass, err := credField(fields, passField, auth.CredentialID)
		if err != nil {
			return err
		}
		encoded := base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
		req.Header.Set("Authorization", "Basic "+encoded)

	default:
		return protocol.NewError(protocol.CodeInternalError, "unknown auth strategy "+auth.Strategy)
	}
	return nil
}

func credField(fields map[string]any, field, credID string) (string, error) {
	val, ok := fields[field].(string)
	if !ok || val == "" {
		return "", protocol.InvalidParams(fmt.Sprintf("credential %q has no usable field %q", credID, field))
	}
	return val, nil
}

// isOptionalQueryRef reports whether a query template references only
// request params that the caller simply omitted. Such query entries are
// dropped rather than failing the call.
func isOptionalQueryRef(tmpl string, params map[string]any) bool {
	refs := interpolate.References(tmpl)
	for _, ref := range refs {
		if strings.HasPrefix(ref, "credentials.") {
			return false
		}
		name := strings.TrimPrefix(ref, "params.")
		if _, present := params[name]; present {
			return false
		}
	}
	return len(refs) > 0
}

// upstreamErrorMessage extracts error.message / error.code from an error
// body when present.
func upstreamErrorMessage(status int, body []byte) string {
	var envelope struct {
		Error struct {
			Message string          `json:"message"`
			Code    json.RawMessage `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		if len(envelope.Error.Code) > 0 {
			return fmt.Sprintf("upstream error %s: %s", strings.Trim(string(envelope.Error.Code), `"`), envelope.Error.Message)
		}
		return "upstream error: " + envelope.Error.Message
	}
	return fmt.Sprintf("upstream returned HTTP %d", status)
}

func upstreamFailureMessage(err error) string {
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return "upstream request timed out"
	}
	return "upstream request failed: " + err.Error()
}

// extractPath walks a dotted path ($ = root) through nested objects.
func extractPath(value any, path string) (any, error) {
	if path == "$" || path == "" {
		return value, nil
	}
	path = strings.TrimPrefix(path, "$.")

	current := value
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("response path %q does not resolve", path)
		}
		current, ok = obj[segment]
		if !ok {
			return nil, fmt.Errorf("response path %q does not resolve", path)
		}
	}
	return current, nil
}
