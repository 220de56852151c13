package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	mcperrors "xcodex/internal/errors"
	"xcodex/internal/logging"
)

// MCPProtocolVersion is the MCP protocol version this client speaks.
const MCPProtocolVersion = "2024-11-05"

// clientName, clientTitle and clientVersion identify this process to every
// MCP server it talks to, per the initialize handshake (spec §6).
const (
	clientName    = "codex-mcp-client"
	clientTitle   = "Codex"
	clientVersion = "0.1.0"
)

// jsonrpcNotification is the minimal envelope needed to send a one-way
// custom JSON-RPC 2.0 method (the sandbox-state push, §4.6) on a transport
// whose SDK session exposes no generic "call arbitrary method" entry point.
type jsonrpcNotification struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// ToolDescriptor is a single tool as reported by tools/list, before it is
// attached to a server and qualified for the global catalog.
type ToolDescriptor struct {
	Name         string         `json:"name"`
	Title        string         `json:"title,omitempty"`
	Description  string         `json:"description,omitempty"`
	InputSchema  map[string]any `json:"inputSchema,omitempty"`
	Annotations  map[string]any `json:"annotations,omitempty"`
	ConnectorID  string         `json:"connectorId,omitempty"`
	ConnectorRaw string         `json:"connectorName,omitempty"`
}

// ListToolsResult is the raw tools/list response shape.
type ListToolsResult struct {
	Tools      []ToolDescriptor `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// Resource and ResourceTemplate mirror the MCP resources surface closely
// enough for aggregation and passthrough; collaborators that need richer
// typing can unmarshal RawMessage fields beyond the ones listed here.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type listResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type listResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

// ReadResourceResult is the raw resources/read response.
type ReadResourceResult struct {
	Contents []map[string]any `json:"contents"`
}

// CallToolResult is the raw tools/call response.
type CallToolResult struct {
	Content []map[string]any `json:"content"`
	IsError bool             `json:"isError,omitempty"`
}

// InitializeResult captures what a server returns from the initialize
// handshake: the manager only inspects the experimental capability map, for
// sandbox-state support.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      map[string]any `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// SendElicitationFunc is supplied by the connection manager and invoked
// whenever the server issues an elicitation/create request.
type SendElicitationFunc func(ctx context.Context, requestID any, message string, payload map[string]any) (map[string]any, error)

// TransportClient is the transport-agnostic surface the connection manager
// drives; stdio and streamable_http servers both implement it.
type TransportClient interface {
	Initialize(ctx context.Context, timeout time.Duration, sendElicitation SendElicitationFunc) (*InitializeResult, error)
	ListToolsWithConnectorIDs(ctx context.Context, cursor string, timeout time.Duration) (*ListToolsResult, error)
	ListResources(ctx context.Context, cursor string, timeout time.Duration) ([]Resource, string, error)
	ListResourceTemplates(ctx context.Context, cursor string, timeout time.Duration) ([]ResourceTemplate, string, error)
	ReadResource(ctx context.Context, uri string, timeout time.Duration) (*ReadResourceResult, error)
	CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*CallToolResult, error)
	SendCustomRequest(ctx context.Context, method string, params map[string]any) error
	Close() error
}

// stdioTransportClient is the TransportClient backed by the hand-rolled
// JSON-RPC-over-stdio Client and ProcessManager.
type stdioTransportClient struct {
	serverName string
	pm         *ProcessManager
	client     *Client
	log        logging.Logger
}

// NewStdioClient spawns command with args/env/cwd and returns a
// TransportClient that drives it over newline-delimited JSON-RPC.
func NewStdioClient(ctx context.Context, serverName, command string, args []string, env map[string]string, envVars []string, cwd string) (TransportClient, error) {
	mergedEnv := make(map[string]string, len(env)+len(envVars))
	for k, v := range env {
		mergedEnv[k] = v
	}
	for _, name := range envVars {
		if v, ok := os.LookupEnv(name); ok {
			mergedEnv[name] = v
		}
	}

	pm := NewProcessManager(ProcessConfig{Command: command, Args: args, Env: mergedEnv, Cwd: cwd})
	if err := pm.Start(ctx); err != nil {
		return nil, err
	}

	client := NewClient(serverName, pm)
	go client.readLoop()

	return &stdioTransportClient{
		serverName: serverName,
		pm:         pm,
		client:     client,
		log:        logging.NewComponentLogger("StdioTransport"),
	}, nil
}

func (t *stdioTransportClient) Initialize(ctx context.Context, timeout time.Duration, sendElicitation SendElicitationFunc) (*InitializeResult, error) {
	t.client.SetNotificationHandler(func(method string, params map[string]any) {
		if method != "elicitation/create" || sendElicitation == nil {
			return
		}
		reqID, _ := params["id"]
		message, _ := params["message"].(string)
		go func() {
			if _, err := sendElicitation(context.Background(), reqID, message, params); err != nil {
				t.log.Warn("elicitation for %s failed: %v", t.serverName, err)
			}
		}()
	})

	if err := t.client.initializeWithTimeout(ctx, timeout); err != nil {
		return nil, err
	}

	return &InitializeResult{
		ProtocolVersion: MCPProtocolVersion,
		Capabilities:    map[string]any{},
	}, nil
}

func (t *stdioTransportClient) ListToolsWithConnectorIDs(ctx context.Context, cursor string, timeout time.Duration) (*ListToolsResult, error) {
	resp, err := t.client.listTools(ctx, cursor, timeout)
	if err != nil {
		return nil, err
	}
	var result ListToolsResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, mcperrors.NewTransientError(err, fmt.Sprintf("failed to decode tools/list result from %q", t.serverName))
	}
	return &result, nil
}

func (t *stdioTransportClient) ListResources(ctx context.Context, cursor string, timeout time.Duration) ([]Resource, string, error) {
	resp, err := t.client.listResources(ctx, cursor, timeout)
	if err != nil {
		return nil, "", err
	}
	var result listResourcesResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, "", mcperrors.NewTransientError(err, fmt.Sprintf("failed to decode resources/list result from %q", t.serverName))
	}
	return result.Resources, result.NextCursor, nil
}

func (t *stdioTransportClient) ListResourceTemplates(ctx context.Context, cursor string, timeout time.Duration) ([]ResourceTemplate, string, error) {
	resp, err := t.client.listResourceTemplates(ctx, cursor, timeout)
	if err != nil {
		return nil, "", err
	}
	var result listResourceTemplatesResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, "", mcperrors.NewTransientError(err, fmt.Sprintf("failed to decode resources/templates/list result from %q", t.serverName))
	}
	return result.ResourceTemplates, result.NextCursor, nil
}

func (t *stdioTransportClient) ReadResource(ctx context.Context, uri string, timeout time.Duration) (*ReadResourceResult, error) {
	resp, err := t.client.readResource(ctx, uri, timeout)
	if err != nil {
		return nil, err
	}
	var result ReadResourceResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, mcperrors.NewTransientError(err, fmt.Sprintf("failed to decode resources/read result from %q", t.serverName))
	}
	return &result, nil
}

func (t *stdioTransportClient) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*CallToolResult, error) {
	resp, err := t.client.callTool(ctx, name, args, timeout)
	if err != nil {
		return nil, err
	}
	var result CallToolResult
	if err := decodeResult(resp.Result, &result); err != nil {
		return nil, mcperrors.NewTransientError(err, fmt.Sprintf("failed to decode tools/call result from %q", t.serverName))
	}
	return &result, nil
}

func (t *stdioTransportClient) SendCustomRequest(ctx context.Context, method string, params map[string]any) error {
	_, err := t.client.sendCustomRequest(ctx, method, params, 0)
	return err
}

func (t *stdioTransportClient) Close() error {
	return t.pm.Stop(5 * time.Second)
}

func decodeResult(result any, target any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}

