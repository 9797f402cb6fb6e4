//go:build darwin

package main

import (
	"context"
	"os/exec"
	"time"

	"github.com/fyrsmithlabs/brokerd/internal/permissions"
)

// Settings pane anchors under Privacy & Security.
var settingsAnchors = map[string]string{
	"Contacts":         "Privacy_Contacts",
	"Calendars":        "Privacy_Calendars",
	"Reminders":        "Privacy_Reminders",
	"Photos":           "Privacy_Photos",
	"Automation":       "Privacy_Automation",
	"Full Disk Access": "Privacy_AllFiles",
	"Accessibility":    "Privacy_Accessibility",
	"Screen Recording": "Privacy_ScreenCapture",
}

// nativeProbe consults the TCC helper shipped beside the daemon. The helper
// is an external collaborator; when it is absent the status is unknown and
// remediation text points the user at System Settings.
func nativeProbe(ctx context.Context, name string) permissions.Status {
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(runCtx, "brokerd-tcc", "status", name).Output()
	if err != nil {
		return permissions.StatusUnknown
	}
	switch string(trimNewline(out)) {
	case "granted":
		return permissions.StatusGranted
	case "denied":
		return permissions.StatusDenied
	case "not_determined":
		return permissions.StatusNotDetermined
	case "restricted":
		return permissions.StatusRestricted
	default:
		return permissions.StatusUnknown
	}
}

// nativeRequest raises the OS prompt through the helper and reports the
// resulting status.
func nativeRequest(ctx context.Context, name string) permissions.Status {
	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := exec.CommandContext(runCtx, "brokerd-tcc", "request", name).Run(); err != nil {
		return permissions.StatusUnknown
	}
	return nativeProbe(ctx, name)
}

// nativeOpenSettings opens the Privacy & Security pane.
func nativeOpenSettings(ctx context.Context, pane string) error {
	anchor, ok := settingsAnchors[pane]
	if !ok {
		anchor = "Privacy"
	}
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	url := "x-apple.systempreferences:com.apple.preference.security?" + anchor
	return exec.CommandContext(runCtx, "open", url).Run()
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
