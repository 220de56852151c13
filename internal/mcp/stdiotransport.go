package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	mcperrors "xcodex/internal/errors"
	"xcodex/internal/logging"
)

// stdioTransportClient is the TransportClient backed by the MCP SDK's
// command (stdio) client transport, symmetric to streamableHTTPClient.
type stdioTransportClient struct {
	serverName string
	cmd        *exec.Cmd
	client     *mcpsdk.Client
	session    *mcpsdk.ClientSession
	log        logging.Logger
}

// NewStdioClient prepares command with args/env/cwd to be spawned as an MCP
// server over the SDK's stdio transport. The process itself is only started
// once Initialize connects it.
func NewStdioClient(ctx context.Context, serverName, command string, args []string, env map[string]string, envVars []string, cwd string) (TransportClient, error) {
	if command == "" {
		msg := fmt.Sprintf("stdio MCP server %q requires a non-empty command", serverName)
		return nil, mcperrors.NewPermanentError(fmt.Errorf("%s", msg), msg)
	}

	cmd := exec.CommandContext(ctx, command, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	merged := os.Environ()
	for _, name := range envVars {
		if v, ok := os.LookupEnv(name); ok {
			merged = append(merged, name+"="+v)
		}
	}
	for k, v := range env {
		merged = append(merged, k+"="+v)
	}
	cmd.Env = merged

	return &stdioTransportClient{
		serverName: serverName,
		cmd:        cmd,
		log:        logging.NewComponentLogger("StdioTransport"),
	}, nil
}

func (t *stdioTransportClient) Initialize(ctx context.Context, timeout time.Duration, sendElicitation SendElicitationFunc) (*InitializeResult, error) {
	ictx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		ictx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	impl := &mcpsdk.Implementation{Name: clientName, Version: clientVersion, Title: clientTitle}
	opts := &mcpsdk.ClientOptions{}
	if sendElicitation != nil {
		opts.ElicitationHandler = func(hctx context.Context, req *mcpsdk.ElicitRequest) (*mcpsdk.ElicitResult, error) {
			payload := map[string]any{"requestedSchema": req.Params.RequestedSchema}
			resp, err := sendElicitation(hctx, newRequestCorrelationID(), req.Params.Message, payload)
			if err != nil {
				return nil, err
			}
			return decodeElicitResult(resp)
		}
	}

	t.client = mcpsdk.NewClient(impl, opts)
	transport := &mcpsdk.CommandTransport{Command: t.cmd}

	session, err := t.client.Connect(ictx, transport, nil)
	if err != nil {
		return nil, mcperrors.NewTransientError(err, fmt.Sprintf("failed to start MCP server %q", t.serverName))
	}
	t.session = session

	caps := map[string]any{}
	if initResult := session.InitializeResult(); initResult != nil {
		if raw, err := json.Marshal(initResult.Capabilities); err == nil {
			_ = json.Unmarshal(raw, &caps)
		}
	}

	return &InitializeResult{
		ProtocolVersion: MCPProtocolVersion,
		Capabilities:    caps,
	}, nil
}

func (t *stdioTransportClient) ListToolsWithConnectorIDs(ctx context.Context, cursor string, timeout time.Duration) (*ListToolsResult, error) {
	cctx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	result, err := t.session.ListTools(cctx, &mcpsdk.ListToolsParams{Cursor: cursor})
	if err != nil {
		return nil, mcperrors.NewTransientError(err, fmt.Sprintf("tools/list failed for %q", t.serverName))
	}

	out := &ListToolsResult{NextCursor: result.NextCursor}
	for _, tool := range result.Tools {
		out.Tools = append(out.Tools, toolDescriptorFromSDK(tool))
	}
	return out, nil
}

func (t *stdioTransportClient) ListResources(ctx context.Context, cursor string, timeout time.Duration) ([]Resource, string, error) {
	cctx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	result, err := t.session.ListResources(cctx, &mcpsdk.ListResourcesParams{Cursor: cursor})
	if err != nil {
		return nil, "", mcperrors.NewTransientError(err, fmt.Sprintf("resources/list failed for %q", t.serverName))
	}

	resources := make([]Resource, 0, len(result.Resources))
	for _, r := range result.Resources {
		resources = append(resources, Resource{URI: r.URI, Name: r.Name, Description: r.Description, MimeType: r.MIMEType})
	}
	return resources, result.NextCursor, nil
}

func (t *stdioTransportClient) ListResourceTemplates(ctx context.Context, cursor string, timeout time.Duration) ([]ResourceTemplate, string, error) {
	cctx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	result, err := t.session.ListResourceTemplates(cctx, &mcpsdk.ListResourceTemplatesParams{Cursor: cursor})
	if err != nil {
		return nil, "", mcperrors.NewTransientError(err, fmt.Sprintf("resources/templates/list failed for %q", t.serverName))
	}

	templates := make([]ResourceTemplate, 0, len(result.ResourceTemplates))
	for _, rt := range result.ResourceTemplates {
		templates = append(templates, ResourceTemplate{URITemplate: rt.URITemplate, Name: rt.Name, Description: rt.Description, MimeType: rt.MIMEType})
	}
	return templates, result.NextCursor, nil
}

func (t *stdioTransportClient) ReadResource(ctx context.Context, uri string, timeout time.Duration) (*ReadResourceResult, error) {
	cctx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	result, err := t.session.ReadResource(cctx, &mcpsdk.ReadResourceParams{URI: uri})
	if err != nil {
		return nil, mcperrors.NewTransientError(err, fmt.Sprintf("resources/read failed for %q", t.serverName))
	}

	out := &ReadResourceResult{}
	if err := decodeResult(result.Contents, &out.Contents); err != nil {
		return nil, mcperrors.NewTransientError(err, fmt.Sprintf("failed to decode resources/read result from %q", t.serverName))
	}
	return out, nil
}

func (t *stdioTransportClient) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*CallToolResult, error) {
	cctx, cancel := withOptionalTimeout(ctx, timeout)
	defer cancel()

	result, err := t.session.CallTool(cctx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, mcperrors.NewTransientError(err, fmt.Sprintf("tools/call failed for %q/%q", t.serverName, name))
	}

	out := &CallToolResult{IsError: result.IsError}
	if err := decodeResult(result.Content, &out.Content); err != nil {
		return nil, mcperrors.NewTransientError(err, fmt.Sprintf("failed to decode tools/call result from %q", t.serverName))
	}
	return out, nil
}

// SendCustomRequest has no grounded implementation for the stdio transport:
// unlike streamable HTTP, there is no side channel into the child process
// once mcpsdk.CommandTransport owns its stdin/stdout pipes, and the SDK
// session exposes no generic "call arbitrary method" entry point either.
// Callers (pushSandboxState, NotifySandboxStateChange) already treat this as
// a best-effort, logged-not-fatal failure, so stdio servers simply never
// receive the sandbox-state push.
func (t *stdioTransportClient) SendCustomRequest(ctx context.Context, method string, params map[string]any) error {
	return fmt.Errorf("custom MCP requests are not supported over the stdio transport (method %q, server %q)", method, t.serverName)
}

func (t *stdioTransportClient) Close() error {
	if t.session == nil {
		return nil
	}
	return t.session.Close()
}
