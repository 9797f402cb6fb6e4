package permissions

import "github.com/fyrsmithlabs/brokerd/internal/protocol"

// GateError builds the -32001 payload carrying remediation guidance. Used
// by the dispatch gate and by the capability router for manifest-declared
// permission requirements.
func GateError(permission string, status Status) *protocol.Error {
	return protocol.NewErrorWithData(protocol.CodePermissionDenied, "Permission not granted", map[string]any{
		"permission":  permission,
		"status":      string(status),
		"remediation": Remediation(permission, status),
	})
}
