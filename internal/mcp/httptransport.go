package mcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	mcperrors "xcodex/internal/errors"
	"xcodex/internal/logging"
)

// newRequestCorrelationID generates a fresh id to correlate an outbound
// elicitation request on transports (like streamable HTTP) whose wire
// protocol doesn't expose the server's own request id to this layer.
func newRequestCorrelationID() string {
	return uuid.NewString()
}

// bearerTokenTransport injects a static bearer token (and any extra static
// headers) into every outbound request; used for MCP servers reachable over
// streamable HTTP that require authentication.
type bearerTokenTransport struct {
	base    http.RoundTripper
	token   string
	headers map[string]string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}

// resolveBearerToken reads the bearer token from envVar, reproducing the
// exact error text servers' startup failures surface when it is missing.
func resolveBearerToken(serverName, envVar string) (string, error) {
	if envVar == "" {
		return "", nil
	}
	value, ok := os.LookupEnv(envVar)
	if !ok {
		return "", fmt.Errorf("Environment variable %s for MCP server '%s' is not set", envVar, serverName)
	}
	if value == "" {
		return "", fmt.Errorf("Environment variable %s for MCP server '%s' is empty", envVar, serverName)
	}
	return value, nil
}

func buildHTTPClient(serverName, bearerTokenEnvVar string, staticHeaders, envHeaders map[string]string) (*http.Client, error) {
	token, err := resolveBearerToken(serverName, bearerTokenEnvVar)
	if err != nil {
		return nil, mcperrors.NewPermanentError(err, err.Error())
	}

	headers := make(map[string]string, len(staticHeaders)+len(envHeaders))
	for k, v := range staticHeaders {
		headers[k] = v
	}
	for header, envVar := range envHeaders {
		if v, ok := os.LookupEnv(envVar); ok {
			headers[header] = v
		}
	}

	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok || base == nil {
		base = &http.Transport{}
	} else {
		base = base.Clone()
	}
	if base.TLSClientConfig == nil {
		base.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return &http.Client{
		Timeout:   0,
		Transport: &bearerTokenTransport{base: base, token: token, headers: headers},
	}, nil
}

// streamableHTTPClient is the TransportClient backed by the MCP SDK's
// streamable-HTTP client transport.
type streamableHTTPClient struct {
	serverName string
	endpoint   string
	httpClient *http.Client
	client     *mcpsdk.Client
	session    *mcpsdk.ClientSession
	log        logging.Logger
}

// NewStreamableHTTPClient connects to an MCP server reachable over
// streamable HTTP, resolving its bearer token (if any) before the handshake
// begins.
func NewStreamableHTTPClient(ctx context.Context, serverName, url, bearerTokenEnvVar string, httpHeaders, envHTTPHeaders map[string]string) (TransportClient, error) {
	httpClient, err := buildHTTPClient(serverName, bearerTokenEnvVar, httpHeaders, envHTTPHeaders)
	if err != nil {
		return nil, err
	}

	return &streamableHTTPClient{
		serverName: serverName,
		endpoint:   url,
		httpClient: httpClient,
		log:        logging.NewComponentLogger("HTTPTransport"),
	}, nil
}

func (t *streamableHTTPClient) Initialize(ctx context.Context, timeout time.Duration, sendElicitation SendElicitationFunc) (*InitializeResult, error) {
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
	transport := &mcpsdk.StreamableClientTransport{Endpoint: t.endpoint, HTTPClient: t.httpClient}

	session, err := t.client.Connect(ictx, transport, nil)
	if err != nil {
		return nil, mcperrors.NewTransientError(err, fmt.Sprintf("failed to connect to MCP server %q", t.serverName))
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

func decodeElicitResult(resp map[string]any) (*mcpsdk.ElicitResult, error) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	var result mcpsdk.ElicitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (t *streamableHTTPClient) ListToolsWithConnectorIDs(ctx context.Context, cursor string, timeout time.Duration) (*ListToolsResult, error) {
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

func (t *streamableHTTPClient) ListResources(ctx context.Context, cursor string, timeout time.Duration) ([]Resource, string, error) {
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

func (t *streamableHTTPClient) ListResourceTemplates(ctx context.Context, cursor string, timeout time.Duration) ([]ResourceTemplate, string, error) {
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

func (t *streamableHTTPClient) ReadResource(ctx context.Context, uri string, timeout time.Duration) (*ReadResourceResult, error) {
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

func (t *streamableHTTPClient) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*CallToolResult, error) {
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

// SendCustomRequest issues a non-standard JSON-RPC method (e.g. the
// sandbox-state push) directly over the streamable-HTTP endpoint. The go-sdk
// client session has no generic "call arbitrary method" entry point, so this
// sends a raw JSON-RPC 2.0 notification with the same HTTP client (and thus
// the same auth/header configuration) used for the session itself.
func (t *streamableHTTPClient) SendCustomRequest(ctx context.Context, method string, params map[string]any) error {
	body, err := json.Marshal(jsonrpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return mcperrors.NewPermanentError(err, "failed to encode custom MCP request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return mcperrors.NewPermanentError(err, "failed to build custom MCP request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return mcperrors.NewTransientError(err, fmt.Sprintf("custom request %q failed for %q", method, t.serverName))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return mcperrors.NewTransientError(fmt.Errorf("unexpected status %d", resp.StatusCode), fmt.Sprintf("custom request %q rejected by %q", method, t.serverName))
	}
	return nil
}

func (t *streamableHTTPClient) Close() error {
	if t.session == nil {
		return nil
	}
	return t.session.Close()
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

func toolDescriptorFromSDK(tool *mcpsdk.Tool) ToolDescriptor {
	td := ToolDescriptor{
		Name:        tool.Name,
		Title:       tool.Title,
		Description: tool.Description,
	}
	if raw, err := json.Marshal(tool.InputSchema); err == nil {
		_ = json.Unmarshal(raw, &td.InputSchema)
	}
	if raw, err := json.Marshal(tool.Annotations); err == nil {
		_ = json.Unmarshal(raw, &td.Annotations)
	}
	return td
}
