package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/brokerd/internal/interpolate"
	"github.com/fyrsmithlabs/brokerd/internal/manifest"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

const maxScriptOutput = 4 << 20

// scriptInput is the JSON body written to the child's stdin.
type scriptInput struct {
	Tool   string         `json:"tool"`
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

func (r *Router) dispatchScript(ctx context.Context, ref manifest.ToolRef, params map[string]any, creds map[string]map[string]any) (any, error) {
	script := ref.Manifest.Implementation.Script
	binding := script.ToolBindings[ref.Tool.Name]

	entrypoint, err := r.resolveEntrypoint(script.Entrypoint)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeUpstream, err.Error())
	}

	// The child starts from an empty environment; only the manifest's
	// templated env map reaches it.
	interp := &interpolate.Context{Params: params, Credentials: creds}
	env := make([]string, 0, len(script.Env))
	for key, tmpl := range script.Env {
		val, err := interp.Expand(tmpl)
		if err != nil {
			return nil, protocol.InvalidParams(err.Error())
		}
		env = append(env, key+"="+val)
	}

	stdin, err := json.Marshal(scriptInput{Tool: ref.Tool.Name, Action: binding.Action, Params: params})
	if err != nil {
		return nil, protocol.NewError(protocol.CodeInternalError, "failed to serialize script input")
	}

	runCtx, cancel := context.WithTimeout(ctx, r.scriptCfg.Timeout.Duration())
	defer cancel()

	name, args := interpreterFor(script.Runtime, entrypoint, script.Args)
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, protocol.NewError(protocol.CodeUpstream, "script timed out")
	}
	if err != nil {
		r.logger.Warn(ctx, "script exited with error",
			zap.String("tool", ref.Tool.Name),
			zap.String("entrypoint", entrypoint),
			zap.Error(err))
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, protocol.NewError(protocol.CodeUpstream, "script failed: "+truncate(msg, 2048))
	}

	out := stdout.Bytes()
	if len(out) > maxScriptOutput {
		out = out[:maxScriptOutput]
	}
	var parsed any
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, protocol.NewError(protocol.CodeUpstream,
			"script produced non-JSON output: "+truncate(strings.TrimSpace(string(out)), 1024))
	}
	return parsed, nil
}

// resolveEntrypoint accepts absolute paths, ~/-relative paths, and paths
// relative to the scripts directory.
func (r *Router) resolveEntrypoint(entrypoint string) (string, error) {
	var path string
	switch {
	case filepath.IsAbs(entrypoint):
		path = entrypoint
	case strings.HasPrefix(entrypoint, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, entrypoint[2:])
	default:
		path = filepath.Join(r.scriptsDir, entrypoint)
	}

	if _, err := os.Stat(path); err != nil {
		return "", errors.New("script entrypoint not found: " + path)
	}
	return path, nil
}

// interpreterFor maps the manifest runtime onto an exec invocation.
// Custom runtimes execute the entrypoint directly.
func interpreterFor(runtime, entrypoint string, extraArgs []string) (string, []string) {
	if runtime == "custom" {
		return entrypoint, extraArgs
	}
	args := append([]string{entrypoint}, extraArgs...)
	return runtime, args
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
