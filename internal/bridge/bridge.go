// Package bridge republishes broker tools to MCP hosts over stdio.
//
// The bridge is a separate process from the broker: it reads the same
// manifest root to build its advertised tool list, then forwards every
// tools/call over the Unix socket like any other client.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/brokerd/internal/client"
	"github.com/fyrsmithlabs/brokerd/internal/logging"
	"github.com/fyrsmithlabs/brokerd/internal/manifest"
	"github.com/fyrsmithlabs/brokerd/internal/protocol"
)

// NamePrefix is the fixed literal prepended to every advertised tool name.
const NamePrefix = "brokerd_"

const instructions = "brokerd exposes local system capabilities (calendar, contacts, " +
	"reminders, and more) through a permission-gated broker. Tool calls may fail with " +
	"structured permission or credential errors; surface the remediation text to the user."

// Bridge owns the MCP server and the alias allowlist.
type Bridge struct {
	client    *client.Client
	logger    *logging.Logger
	server    *mcpsdk.Server
	allowlist map[string]string
}

// New builds the bridge from the current manifest snapshot. Only tools with
// an internal implementation and mcpExpose enabled are advertised, plus the
// built-in server_status tool.
func New(manifests *manifest.Registry, socketClient *client.Client, version string, logger *logging.Logger) *Bridge {
	b := &Bridge{
		client:    socketClient,
		logger:    logger,
		allowlist: make(map[string]string),
	}

	b.server = mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    "brokerd",
		Version: version,
	}, &mcpsdk.ServerOptions{
		Instructions: instructions,
		HasPrompts:   true,
		HasResources: true,
	})

	b.addTool(&mcpsdk.Tool{
		Name:        NamePrefix + "server_status",
		Description: "Report broker daemon status and version",
		InputSchema: emptyObjectSchema(),
	}, "server.status")

	advertised := manifests.ListMCPExposed()
	sort.Slice(advertised, func(i, j int) bool { return advertised[i].Name < advertised[j].Name })
	for _, tool := range advertised {
		if !tool.Internal {
			continue
		}
		b.addTool(&mcpsdk.Tool{
			Name:        Alias(tool.Name),
			Description: tool.Description,
			InputSchema: schemaFromRaw(tool.InputSchema),
			Annotations: annotations(tool.Annotations),
		}, tool.Name)
	}
	return b
}

// Alias maps a dotted canonical tool name onto its flat MCP alias.
func Alias(toolName string) string {
	return NamePrefix + strings.ReplaceAll(toolName, ".", "_")
}

// Lookup resolves an MCP alias to its dotted socket method.
func (b *Bridge) Lookup(mcpName string) (string, bool) {
	method, ok := b.allowlist[mcpName]
	return method, ok
}

// Advertised returns the advertised MCP names, sorted.
func (b *Bridge) Advertised() []string {
	names := make([]string, 0, len(b.allowlist))
	for name := range b.allowlist {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run serves MCP over stdio. Some hosts close stdin but expect the process
// to stay alive, so EOF parks the bridge until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	err := b.server.Run(ctx, &mcpsdk.StdioTransport{})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		b.logger.Warn(ctx, "stdio transport ended", zap.Error(err))
	}
	b.logger.Info(ctx, "stdin closed; staying alive for host")
	<-ctx.Done()
	return nil
}

func (b *Bridge) addTool(tool *mcpsdk.Tool, dotted string) {
	if _, exists := b.allowlist[tool.Name]; exists {
		return
	}
	b.allowlist[tool.Name] = dotted
	b.server.AddTool(tool, b.callHandler(dotted))
}

// callHandler forwards one tool call over the socket. Broker errors become
// isError results so the host can distinguish tool failure from protocol
// failure.
func (b *Bridge) callHandler(dotted string) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := rawArguments(req.Params.Arguments)

		result, err := b.client.Call(ctx, dotted, args)
		if err != nil {
			return errorResult(err), nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(result)}},
			IsError: false,
		}, nil
	}
}

// rawArguments normalizes the host's arguments payload: the SDK hands the
// server raw JSON, but clients may construct typed values.
func rawArguments(v any) json.RawMessage {
	switch args := v.(type) {
	case nil:
		return json.RawMessage(`{}`)
	case json.RawMessage:
		if len(args) == 0 {
			return json.RawMessage(`{}`)
		}
		return args
	case []byte:
		if len(args) == 0 {
			return json.RawMessage(`{}`)
		}
		return json.RawMessage(args)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return json.RawMessage(`{}`)
		}
		return data
	}
}

// errorResult shapes a broker failure into the host-visible envelope.
func errorResult(err error) *mcpsdk.CallToolResult {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = protocol.NewError(protocol.CodeInternalError, err.Error())
	}
	text, merr := json.Marshal(perr)
	if merr != nil {
		text = []byte(`{"code":-32603,"message":"internal error"}`)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		IsError: true,
	}
}

func schemaFromRaw(raw json.RawMessage) *jsonschema.Schema {
	if len(raw) == 0 {
		return emptyObjectSchema()
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return emptyObjectSchema()
	}
	return &schema
}

func emptyObjectSchema() *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object"}
}

func annotations(a *manifest.Annotations) *mcpsdk.ToolAnnotations {
	if a == nil {
		return nil
	}
	destructive := a.DestructiveHint
	openWorld := a.OpenWorldHint
	return &mcpsdk.ToolAnnotations{
		ReadOnlyHint:    a.ReadOnlyHint,
		DestructiveHint: &destructive,
		IdempotentHint:  a.IdempotentHint,
		OpenWorldHint:   &openWorld,
	}
}
