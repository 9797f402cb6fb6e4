// Package interpolate expands {param}, {params.name} and
// {credentials.<id>.<field>} references in manifest template strings.
//
// Expansion fails closed: any reference that does not resolve is an error,
// never an empty string passed through to an outbound call.
package interpolate

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnresolved is wrapped by all resolution failures.
var ErrUnresolved = errors.New("unresolved template reference")

var refPattern = regexp.MustCompile(`\{([a-zA-Z0-9_][a-zA-Z0-9_.-]*)\}`)

// Context carries the values available to a template.
type Context struct {
	Params      map[string]any
	Credentials map[string]map[string]any
	// Used collects the param names consumed by expansion so callers can
	// exclude them from a request body. Nil disables tracking.
	Used map[string]bool
}

// Expand substitutes every {ref} in tmpl. References:
//
//	{name}                      -> Params["name"]
//	{params.name}               -> Params["name"]
//	{credentials.<id>.<field>}  -> Credentials[id][field]
func (c *Context) Expand(tmpl string) (string, error) {
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		ref := match[1 : len(match)-1]
		val, err := c.resolve(ref)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return val
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

func (c *Context) resolve(ref string) (string, error) {
	switch {
	case strings.HasPrefix(ref, "credentials."):
		rest := strings.TrimPrefix(ref, "credentials.")
		id, field, ok := strings.Cut(rest, ".")
		if !ok {
			return "", fmt.Errorf("%w: %q needs credentials.<id>.<field>", ErrUnresolved, ref)
		}
		cred, ok := c.Credentials[id]
		if !ok {
			return "", fmt.Errorf("%w: unknown credential %q", ErrUnresolved, id)
		}
		val, ok := cred[field]
		if !ok {
			return "", fmt.Errorf("%w: credential %q has no field %q", ErrUnresolved, id, field)
		}
		return stringify(val)

	case strings.HasPrefix(ref, "params."):
		return c.param(strings.TrimPrefix(ref, "params."))

	default:
		return c.param(ref)
	}
}

func (c *Context) param(name string) (string, error) {
	val, ok := c.Params[name]
	if !ok {
		return "", fmt.Errorf("%w: unknown parameter %q", ErrUnresolved, name)
	}
	if c.Used != nil {
		c.Used[name] = true
	}
	return stringify(val)
}

// References returns the raw reference names appearing in tmpl, in order.
func References(tmpl string) []string {
	matches := refPattern.FindAllStringSubmatch(tmpl, -1)
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, m[1])
	}
	return refs
}

func stringify(val any) (string, error) {
	switch v := val.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		// JSON numbers decode as float64; render integers without a decimal.
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10), nil
		}
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case nil:
		return "", fmt.Errorf("%w: reference resolved to null", ErrUnresolved)
	default:
		return "", fmt.Errorf("%w: reference resolved to non-scalar %T", ErrUnresolved, val)
	}
}
