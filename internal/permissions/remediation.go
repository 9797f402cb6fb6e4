package permissions

import "fmt"

// Remediation returns deterministic guidance for a permission in a given
// non-granted status. The text is shown verbatim to users and agents.
func Remediation(name string, status Status) string {
	switch status {
	case StatusNotDetermined:
		return fmt.Sprintf("Call permissions.request with permission='%s'", name)
	case StatusDenied:
		pane := name
		if def, ok := lookup(name); ok && def.SettingsPane != "" {
			pane = def.SettingsPane
		}
		return fmt.Sprintf("User must grant permission manually in System Settings > Privacy & Security > %s", pane)
	case StatusRestricted:
		return "Permission is restricted by system policy and cannot be granted"
	default:
		return "Permission status unknown. Check System Settings > Privacy & Security"
	}
}

func lookup(name string) (Definition, bool) {
	for _, d := range catalogue {
		if d.Name == name {
			return d, true
		}
	}
	return Definition{}, false
}
