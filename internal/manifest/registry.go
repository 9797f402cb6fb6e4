package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/brokerd/internal/logging"
)

// ToolRef pairs a tool with its containing manifest.
type ToolRef struct {
	Manifest *Manifest
	Tool     *Tool
}

// AdvertisedTool is the bridge-facing view of an exposed tool.
type AdvertisedTool struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Annotations  *Annotations
	Internal     bool
}

// index is one immutable snapshot of the loaded manifest set. Requests hold
// a snapshot for their whole lifetime; reloads swap in a new one atomically.
type index struct {
	manifests []*Manifest
	tools     map[string]ToolRef
}

// Registry loads and indexes manifest files with hot reload.
type Registry struct {
	dir           string
	logger        *logging.Logger
	providerKnown func(string) bool
	snapshot      atomic.Pointer[index]

	// OnReload is invoked after every successful rebuild (metrics hook).
	OnReload func()
}

// NewRegistry creates a registry over the given manifest root directory.
// providerKnown guards credential provider references; nil accepts all.
func NewRegistry(dir string, providerKnown func(string) bool, logger *logging.Logger) *Registry {
	r := &Registry{dir: dir, logger: logger, providerKnown: providerKnown}
	r.snapshot.Store(&index{tools: map[string]ToolRef{}})
	return r
}

// Load scans the root recursively for *.json files, validates each, and
// atomically swaps the tool index. A file that fails validation is skipped
// with a warning; the rest of the registry remains usable. On tool-name
// collision the earlier loader wins and the later manifest is rejected.
func (r *Registry) Load(ctx context.Context) error {
	paths, err := r.scan()
	if err != nil {
		return err
	}

	next := &index{tools: make(map[string]ToolRef)}
	for _, path := range paths {
		m, err := r.loadFile(path)
		if err != nil {
			r.logger.Warn(ctx, "skipping manifest", zap.String("path", path), zap.Error(err))
			continue
		}

		if dup := r.findDuplicate(next, m); dup != "" {
			r.logger.Warn(ctx, "rejecting manifest: duplicate tool name",
				zap.String("path", path), zap.String("tool", dup))
			continue
		}

		next.manifests = append(next.manifests, m)
		for i := range m.Tools {
			next.tools[m.Tools[i].Name] = ToolRef{Manifest: m, Tool: &m.Tools[i]}
		}
	}

	r.snapshot.Store(next)
	if r.OnReload != nil {
		r.OnReload()
	}
	r.logger.Info(ctx, "manifest registry loaded",
		zap.Int("manifests", len(next.manifests)), zap.Int("tools", len(next.tools)))
	return nil
}

// findDuplicate returns the first tool name in m already present in next.
func (r *Registry) findDuplicate(next *index, m *Manifest) string {
	for i := range m.Tools {
		if _, exists := next.tools[m.Tools[i].Name]; exists {
			return m.Tools[i].Name
		}
	}
	return ""
}

func (r *Registry) scan() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(r.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == r.dir {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".json") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan manifest directory: %w", err)
	}
	// Deterministic order makes first-loader-wins reproducible.
	sort.Strings(paths)
	return paths, nil
}

func (r *Registry) loadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	m.Path = path
	if err := m.Validate(r.providerKnown); err != nil {
		return nil, err
	}
	return &m, nil
}

// FindTool looks up a tool by its dotted name in the current snapshot.
func (r *Registry) FindTool(name string) (ToolRef, bool) {
	ref, ok := r.snapshot.Load().tools[name]
	return ref, ok
}

// Manifests returns the manifests in the current snapshot.
func (r *Registry) Manifests() []*Manifest {
	return r.snapshot.Load().manifests
}

// ToolCount returns the number of indexed tools.
func (r *Registry) ToolCount() int {
	return len(r.snapshot.Load().tools)
}

// ListMCPExposed returns the tools advertised over the stdio bridge, sorted
// by name. Tools with mcpExpose: false are excluded.
func (r *Registry) ListMCPExposed() []AdvertisedTool {
	snap := r.snapshot.Load()
	out := make([]AdvertisedTool, 0, len(snap.tools))
	for name, ref := range snap.tools {
		if !ref.Tool.MCPExposed() {
			continue
		}
		out = append(out, AdvertisedTool{
			Name:         name,
			Description:  ref.Tool.Description,
			InputSchema:  ref.Tool.InputSchema,
			OutputSchema: ref.Tool.OutputSchema,
			Annotations:  ref.Tool.Annotations,
			Internal:     ref.Manifest.Implementation.Internal != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
