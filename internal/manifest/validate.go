package manifest

import (
	"fmt"
	"regexp"
	"strings"
)

// segmentPattern validates one dot-segment of a tool name.
var segmentPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*$`)

// ValidateToolName checks that every dot-separated segment of a name is an
// identifier. A name without a dot passes as a single segment.
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	segments := strings.Split(name, ".")
	for _, seg := range segments {
		if !segmentPattern.MatchString(seg) {
			return fmt.Errorf("tool name %q: segment %q must start with a letter and contain only alphanumerics and underscores", name, seg)
		}
	}
	return nil
}

// Validate checks one manifest in isolation. ProviderKnown reports whether a
// credential provider is built in or registered; nil accepts every provider.
func (m *Manifest) Validate(providerKnown func(string) bool) error {
	if m.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schemaVersion %d (supported: %d)", m.SchemaVersion, SchemaVersion)
	}
	if m.ID == "" {
		return fmt.Errorf("manifest id must not be empty")
	}
	if len(m.Tools) == 0 {
		return fmt.Errorf("manifest %s declares no tools", m.ID)
	}
	if m.Implementation.Kind() == "" {
		return fmt.Errorf("manifest %s has no implementation variant", m.ID)
	}

	seen := make(map[string]bool, len(m.Tools))
	for i := range m.Tools {
		tool := &m.Tools[i]
		if err := ValidateToolName(tool.Name); err != nil {
			return fmt.Errorf("manifest %s: %w", m.ID, err)
		}
		if seen[tool.Name] {
			return fmt.Errorf("manifest %s declares tool %q twice", m.ID, tool.Name)
		}
		seen[tool.Name] = true

		if !m.Implementation.HasBinding(tool.Name) {
			return fmt.Errorf("manifest %s: tool %q has no %s binding", m.ID, tool.Name, m.Implementation.Kind())
		}
	}

	if err := m.validateImplementation(); err != nil {
		return fmt.Errorf("manifest %s: %w", m.ID, err)
	}

	if providerKnown != nil {
		for _, cred := range m.allCredentialRequirements() {
			if !providerKnown(cred.Provider) {
				return fmt.Errorf("manifest %s: credential %q references unknown provider %q", m.ID, cred.ID, cred.Provider)
			}
		}
	}
	return nil
}

func (m *Manifest) validateImplementation() error {
	switch {
	case m.Implementation.Proxy != nil:
		p := m.Implementation.Proxy
		if p.BaseURL == "" {
			return fmt.Errorf("proxy baseUrl must not be empty")
		}
		switch p.Auth.Strategy {
		case AuthBearer, AuthAPIKeyHeader, AuthAPIKeyQuery, AuthBasic, "":
		default:
			return fmt.Errorf("unknown auth strategy %q", p.Auth.Strategy)
		}
		if (p.Auth.Strategy == AuthAPIKeyHeader || p.Auth.Strategy == AuthAPIKeyQuery) && p.Auth.HeaderName == "" {
			return fmt.Errorf("auth strategy %q requires headerName", p.Auth.Strategy)
		}
		for name, binding := range p.ToolBindings {
			switch binding.Method {
			case "GET", "POST", "PUT", "PATCH", "DELETE":
			default:
				return fmt.Errorf("tool %q: unsupported HTTP method %q", name, binding.Method)
			}
			if binding.Path == "" {
				return fmt.Errorf("tool %q: binding path must not be empty", name)
			}
		}
	case m.Implementation.Script != nil:
		s := m.Implementation.Script
		if !scriptRuntimes[s.Runtime] {
			return fmt.Errorf("unknown script runtime %q", s.Runtime)
		}
		if s.Entrypoint == "" {
			return fmt.Errorf("script entrypoint must not be empty")
		}
	case m.Implementation.Internal != nil:
		if m.Implementation.Internal.Module == "" {
			return fmt.Errorf("internal module must not be empty")
		}
		for name, method := range m.Implementation.Internal.Methods {
			if err := ValidateToolName(method); err != nil {
				return fmt.Errorf("tool %q maps to invalid method: %w", name, err)
			}
			if !strings.Contains(method, ".") {
				return fmt.Errorf("tool %q maps to %q which is not namespace.action form", name, method)
			}
		}
	}
	return nil
}

// allCredentialRequirements returns manifest-level plus tool-level
// credential requirements in declaration order.
func (m *Manifest) allCredentialRequirements() []CredentialRequirement {
	out := append([]CredentialRequirement(nil), m.Requires.Credentials...)
	for i := range m.Tools {
		if m.Tools[i].Requires != nil {
			out = append(out, m.Tools[i].Requires.Credentials...)
		}
	}
	return out
}

// RequirementsFor returns the union of manifest-level and tool-level
// requirements for one tool, permissions then credentials, in declaration
// order with duplicates removed.
func (m *Manifest) RequirementsFor(tool *Tool) ([]PermissionRequirement, []CredentialRequirement) {
	perms := append([]PermissionRequirement(nil), m.Requires.Permissions...)
	creds := append([]CredentialRequirement(nil), m.Requires.Credentials...)
	if tool.Requires != nil {
		perms = append(perms, tool.Requires.Permissions...)
		creds = append(creds, tool.Requires.Credentials...)
	}

	seenPerm := make(map[string]bool, len(perms))
	uniqPerms := perms[:0]
	for _, p := range perms {
		if !seenPerm[p.Name] {
			seenPerm[p.Name] = true
			uniqPerms = append(uniqPerms, p)
		}
	}

	seenCred := make(map[string]bool, len(creds))
	uniqCreds := creds[:0]
	for _, c := range creds {
		if !seenCred[c.ID] {
			seenCred[c.ID] = true
			uniqCreds = append(uniqCreds, c)
		}
	}
	return uniqPerms, uniqCreds
}
