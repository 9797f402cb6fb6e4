// Package permissions adapts OS permission state for the broker.
//
// The native probes (TCC prompts, System Settings) are external
// collaborators; this package treats each as an opaque function and layers
// the fixed permission catalogue, remediation text and settings-pane mapping
// on top.
package permissions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/brokerd/internal/logging"
)

// Status is the observed state of one OS permission.
type Status string

const (
	StatusGranted       Status = "granted"
	StatusDenied        Status = "denied"
	StatusNotDetermined Status = "not_determined"
	StatusRestricted    Status = "restricted"
	StatusUnknown       Status = "unknown"
)

// Probe returns the current status of a named permission.
type Probe func(ctx context.Context, name string) Status

// Requester triggers the OS prompt (promptable permissions) or opens System
// Settings (settings-only permissions) and returns the updated status.
type Requester func(ctx context.Context, name string) Status

// SettingsOpener opens a System Settings pane.
type SettingsOpener func(ctx context.Context, pane string) error

// Definition describes one entry in the fixed permission catalogue.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	// SettingsPane is the Privacy & Security pane that controls the permission.
	SettingsPane string `json:"settings_pane,omitempty"`
	// Promptable permissions can be raised programmatically; the rest only
	// change through System Settings.
	Promptable bool `json:"promptable"`
}

// Record is a permission with its current status.
type Record struct {
	Definition
	Status Status `json:"status"`
}

// catalogue is the fixed enumeration of known permissions.
var catalogue = []Definition{
	{Name: "contacts", Description: "Read and modify the user's contacts", SettingsPane: "Contacts", Promptable: true},
	{Name: "calendar", Description: "Read and modify calendars and events", SettingsPane: "Calendars", Promptable: true},
	{Name: "reminders", Description: "Read and modify reminders", SettingsPane: "Reminders", Promptable: true},
	{Name: "photos", Description: "Read the photo library", SettingsPane: "Photos", Promptable: true},
	{Name: "automation", Description: "Control other applications via automation", SettingsPane: "Automation", Promptable: true},
	{Name: "full_disk_access", Description: "Read protected files such as the Messages database", SettingsPane: "Full Disk Access", Promptable: false},
	{Name: "accessibility", Description: "Observe and control the user interface", SettingsPane: "Accessibility", Promptable: false},
	{Name: "screen_recording", Description: "Capture the contents of the screen", SettingsPane: "Screen Recording", Promptable: false},
}

// Service exposes permission checks to the rest of the broker.
type Service struct {
	probe    Probe
	request  Requester
	settings SettingsOpener
	logger   *logging.Logger

	mu   sync.RWMutex
	defs map[string]Definition
}

// NewService creates the facade over the injected native hooks. A nil probe
// reports every permission as unknown; nil request falls back to the probe.
func NewService(probe Probe, request Requester, settings SettingsOpener, logger *logging.Logger) *Service {
	defs := make(map[string]Definition, len(catalogue))
	for _, d := range catalogue {
		defs[d.Name] = d
	}
	if probe == nil {
		probe = func(context.Context, string) Status { return StatusUnknown }
	}
	s := &Service{probe: probe, request: request, settings: settings, logger: logger, defs: defs}
	if s.request == nil {
		s.request = func(ctx context.Context, name string) Status { return s.probe(ctx, name) }
	}
	if s.settings == nil {
		s.settings = func(context.Context, string) error { return nil }
	}
	return s
}

// Known reports whether the name is in the permission catalogue.
func (s *Service) Known(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.defs[name]
	return ok
}

// Check returns the record for one permission.
func (s *Service) Check(ctx context.Context, name string) (*Record, error) {
	s.mu.RLock()
	def, ok := s.defs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown permission %q", name)
	}
	return &Record{Definition: def, Status: s.probe(ctx, name)}, nil
}

// Status returns the bare status, StatusUnknown for unknown names.
func (s *Service) Status(ctx context.Context, name string) Status {
	if !s.Known(name) {
		return StatusUnknown
	}
	return s.probe(ctx, name)
}

// List returns records for every known permission, sorted by name.
func (s *Service) List(ctx context.Context) []Record {
	s.mu.RLock()
	defs := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	records := make([]Record, 0, len(defs))
	for _, d := range defs {
		records = append(records, Record{Definition: d, Status: s.probe(ctx, d.Name)})
	}
	return records
}

// Request triggers the OS prompt or opens settings and returns the updated
// record. Settings-only permissions may require an app relaunch before the
// new status is visible.
func (s *Service) Request(ctx context.Context, name string) (*Record, error) {
	s.mu.RLock()
	def, ok := s.defs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown permission %q", name)
	}

	var status Status
	if def.Promptable {
		status = s.request(ctx, name)
	} else {
		if err := s.settings(ctx, def.SettingsPane); err != nil {
			s.logger.Warn(ctx, "failed to open settings pane",
				zap.String("pane", def.SettingsPane), zap.Error(err))
		}
		status = s.probe(ctx, name)
	}
	return &Record{Definition: def, Status: status}, nil
}

// OpenSettings opens the given System Settings pane.
func (s *Service) OpenSettings(ctx context.Context, pane string) error {
	return s.settings(ctx, pane)
}
