package mcpmanager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"xcodex/internal/async"
	mcperrors "xcodex/internal/errors"
	"xcodex/internal/logging"
	"xcodex/internal/mcp"
)

// Registry is the connection manager core: it owns every configured MCP
// server's lifecycle, aggregates their tool catalogs under globally unique
// names, and routes tool calls, resource access, and elicitation traffic to
// the right ready client.
//
// A server's startup is deduplicated across concurrent callers with a
// singleflight.Group keyed by server name: every caller that arrives while a
// handshake is in flight joins that one attempt instead of starting its own.
// singleflight.Group only merges callers that overlap in time, though — once
// every waiter for a key has returned, the group forgets it, and the next
// Do would otherwise re-run the handshake from scratch even if the previous
// attempt failed. That would mean a server that fails once gets silently
// retried on every subsequent tool call, which violates the sticky-failure
// contract (a failed server keeps returning the same error until an
// explicit RetryServers). failed bridges that gap: once a startup attempt
// resolves to a StartupFailed outcome, it is recorded there and served
// directly to every later caller without touching the singleflight group or
// newTransport again, until RetryServers clears it.
//
// A server that starts cleanly but whose tool calls keep failing is a
// separate failure mode, tracked per server by breakers rather than failed:
// CallTool trips that server's circuit breaker instead of hammering a
// struggling backend on every request.
type Registry struct {
	log           logging.Logger
	sink          EventSink
	hookCtx       HookContext
	codexHome     string
	manifestCache *ManifestCache
	elicitation   *elicitationRouter
	defaultMode   StartupMode
	newTransport  func(ctx context.Context, name string, cfg ServerConfig) (mcp.TransportClient, error)

	group    singleflight.Group
	breakers *mcperrors.CircuitBreakerManager

	mu       sync.Mutex
	configs  map[string]ServerConfig
	ready    map[string]*ManagedClient
	inflight map[string]chan struct{}
	failed   map[string]*StartupError
	sandbox  *SandboxState
}

// RegistryOption customises a Registry at construction time.
type RegistryOption func(*Registry)

// WithEventSink installs the sink that receives startup and elicitation
// events. Without one, events are simply dropped.
func WithEventSink(sink EventSink) RegistryOption {
	return func(r *Registry) { r.sink = sink }
}

// WithHooks installs the optional user-hook surface and the thread/cwd
// identifiers elicitation callbacks are invoked with.
func WithHooks(hooks UserHooks, threadID, cwd string) RegistryOption {
	return func(r *Registry) { r.hookCtx = HookContext{UserHooks: hooks, ThreadID: threadID, Cwd: cwd} }
}

// WithCodexHome sets the directory the manifest cache is persisted under.
// An empty home disables persistence (in-memory cache only).
func WithCodexHome(dir string) RegistryOption {
	return func(r *Registry) { r.codexHome = dir }
}

// WithDefaultStartupMode sets the startup mode servers fall back to when
// they don't specify their own.
func WithDefaultStartupMode(mode StartupMode) RegistryOption {
	return func(r *Registry) { r.defaultMode = mode }
}

// WithInitialSandboxState seeds the sandbox state the registry pushes to
// every server that becomes ready, including eager servers started by the
// first Initialize call (§3 SandboxState, §4.1).
func WithInitialSandboxState(state SandboxState) RegistryOption {
	return func(r *Registry) { r.sandbox = &state }
}

// WithTransportFactory overrides how a server's TransportClient is opened.
// Production callers never need this; tests use it to substitute a fake
// transport without spawning a real process or HTTP connection.
func WithTransportFactory(factory func(ctx context.Context, name string, cfg ServerConfig) (mcp.TransportClient, error)) RegistryOption {
	return func(r *Registry) { r.newTransport = factory }
}

// NewRegistry constructs a Registry ready to have Initialize called on it.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:         logging.NewComponentLogger("MCPRegistry"),
		defaultMode: StartupEager,
		configs:     make(map[string]ServerConfig),
		ready:       make(map[string]*ManagedClient),
		inflight:    make(map[string]chan struct{}),
		failed:      make(map[string]*StartupError),
		breakers: mcperrors.NewCircuitBreakerManager(mcperrors.CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			Timeout:          20 * time.Second,
		}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.newTransport == nil {
		r.newTransport = defaultOpenTransport
	}
	r.elicitation = newElicitationRouter(r.sink, r.hookCtx)
	r.manifestCache = LoadManifestCache(r.codexHome)
	return r
}

// Initialize records serverConfigs and, for every enabled server whose
// effective startup mode is eager, begins its handshake concurrently. It
// returns once every eager server has reached a terminal state and emits a
// single StartupCompleteEvent summarizing the batch; manual-mode servers are
// left untouched until EnsureServerReady or LoadServers asks for them.
func (r *Registry) Initialize(ctx context.Context, serverConfigs map[string]ServerConfig) {
	r.mu.Lock()
	for name, cfg := range serverConfigs {
		cfg.Name = name
		r.configs[name] = cfg
	}
	r.mu.Unlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		summary StartupCompleteEvent
	)

	for name, cfg := range serverConfigs {
		if !cfg.Enabled {
			continue
		}
		if cfg.EffectiveStartupMode(r.defaultMode) != StartupEager {
			continue
		}

		wg.Add(1)
		name := name
		async.Go(r.log, fmt.Sprintf("mcp-startup-%s", name), func() {
			defer wg.Done()
			r.emitStartupUpdate(name, LifecycleStatus{Kind: StatusStarting})

			err := r.startAndRegister(ctx, name)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				r.emitStartupUpdate(name, LifecycleStatus{Kind: StatusReady})
				summary.Ready = append(summary.Ready, name)
			case ctx.Err() != nil:
				r.emitStartupUpdate(name, LifecycleStatus{Kind: StatusCanceled})
				summary.Cancelled = append(summary.Cancelled, name)
			default:
				r.emitStartupUpdate(name, LifecycleStatus{Kind: StatusFailed, Error: err.Error()})
				summary.Failed = append(summary.Failed, StartupFailure{Server: name, Error: err.Error()})
			}
		})
	}

	wg.Wait()
	if summary.HasAny() && r.sink != nil {
		r.sink.StartupComplete(summary)
	}
}

// LoadServers explicitly starts every named server, regardless of its
// startup mode, returning the first error encountered.
func (r *Registry) LoadServers(ctx context.Context, names []string) error {
	for _, name := range names {
		if err := r.EnsureServerReady(ctx, name, TriggerManualLoad); err != nil {
			return err
		}
	}
	return nil
}

// RetryServers re-runs the startup handshake for the named servers even if
// they are already ready, replacing their entries in the ready set on
// success.
func (r *Registry) RetryServers(ctx context.Context, names []string) error {
	for _, name := range names {
		r.mu.Lock()
		delete(r.ready, name)
		delete(r.failed, name)
		r.mu.Unlock()
		r.breakers.Get(name).Reset()

		r.emitStartupUpdate(name, LifecycleStatus{Kind: StatusStarting})
		err := r.startAndRegister(ctx, name)
		r.emitStartupComplete(name, err, ctx)
		if err != nil {
			return fmt.Errorf("MCP server '%s' failed to start: %w", name, err)
		}
	}
	return nil
}

// EnsureServerReady guarantees the named server is ready, starting it if
// necessary. A ToolCall trigger against a manual-mode server that hasn't
// been explicitly loaded is rejected rather than auto-started.
func (r *Registry) EnsureServerReady(ctx context.Context, name string, trigger StartupTrigger) error {
	r.mu.Lock()
	if _, ok := r.ready[name]; ok {
		r.mu.Unlock()
		return nil
	}
	cfg, known := r.configs[name]
	r.mu.Unlock()

	if !known {
		return fmt.Errorf("unknown MCP server '%s'", name)
	}
	if !cfg.Enabled {
		return fmt.Errorf("MCP server '%s' is disabled", name)
	}
	if trigger == TriggerToolCall && cfg.EffectiveStartupMode(r.defaultMode) == StartupManual {
		return fmt.Errorf("MCP server '%s' is not running (manual mode). Run `/mcp load %s`.", name, name)
	}

	r.emitStartupUpdate(name, LifecycleStatus{Kind: StatusStarting})
	err := r.startAndRegister(ctx, name)
	r.emitStartupComplete(name, err, ctx)
	if err != nil {
		return fmt.Errorf("MCP server '%s' failed to start: %w", name, err)
	}
	return nil
}

// WaitForServerReady blocks until name is ready or timeout elapses,
// bypassing the manual-mode gate (it waits on whatever startup is already
// underway or begins one, but never rejects a manual server outright).
func (r *Registry) WaitForServerReady(ctx context.Context, name string, timeout time.Duration) error {
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return r.startAndRegister(cctx, name)
}

func (r *Registry) emitStartupUpdate(name string, status LifecycleStatus) {
	if r.sink != nil {
		r.sink.StartupUpdate(StartupUpdateEvent{Server: name, Status: status})
	}
}

func (r *Registry) emitStartupComplete(name string, err error, ctx context.Context) {
	if r.sink == nil {
		return
	}
	summary := StartupCompleteEvent{}
	switch {
	case err == nil:
		summary.Ready = []string{name}
		r.emitStartupUpdate(name, LifecycleStatus{Kind: StatusReady})
	case ctx.Err() != nil:
		summary.Cancelled = []string{name}
		r.emitStartupUpdate(name, LifecycleStatus{Kind: StatusCanceled})
	default:
		summary.Failed = []StartupFailure{{Server: name, Error: err.Error()}}
		r.emitStartupUpdate(name, LifecycleStatus{Kind: StatusFailed, Error: err.Error()})
	}
	r.sink.StartupComplete(summary)
}

// startAndRegister runs (or joins) name's singleflight startup, and on
// success installs the resulting ManagedClient into the ready set and
// refreshes the manifest cache. It returns whatever classified error the
// handshake produced on failure.
func (r *Registry) startAndRegister(ctx context.Context, name string) error {
	r.mu.Lock()
	if _, ok := r.ready[name]; ok {
		r.mu.Unlock()
		return nil
	}
	if startupErr, ok := r.failed[name]; ok {
		r.mu.Unlock()
		return startupErr
	}
	cfg, known := r.configs[name]
	ch := make(chan struct{})
	r.inflight[name] = ch
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		if r.inflight[name] == ch {
			delete(r.inflight, name)
		}
		r.mu.Unlock()
		close(ch)
	}()

	if !known {
		return fmt.Errorf("unknown MCP server '%s'", name)
	}

	result, err, _ := r.group.Do(name, func() (any, error) {
		client, startErr := r.startServer(ctx, name, cfg)
		if startErr != nil {
			return nil, &StartupError{Kind: startupErrorKind(ctx, startErr), Cause: classifyStartupError(name, cfg, cfg.EffectiveStartupTimeout().Seconds(), startErr)}
		}
		return client, nil
	})
	if err != nil {
		if startupErr, ok := err.(*StartupError); ok && startupErr.Kind == StartupFailed {
			r.mu.Lock()
			r.failed[name] = startupErr
			r.mu.Unlock()
		}
		return err
	}

	client := result.(*ManagedClient)
	r.mu.Lock()
	r.ready[name] = client
	r.mu.Unlock()

	hash := ServerConfigHash(cfg)
	r.manifestCache.Update(name, hash, toCachedTools(client.Tools))

	if client.SupportsSandboxState {
		r.pushSandboxState(ctx, name, client)
	}
	return nil
}

func startupErrorKind(ctx context.Context, err error) StartupErrorKind {
	if ctx.Err() != nil {
		return StartupCancelled
	}
	return StartupFailed
}

func toCachedTools(tools []ToolInfo) []CachedTool {
	out := make([]CachedTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, CachedTool{
			Name:          t.ToolName,
			Description:   t.Tool.Description,
			ConnectorID:   t.ConnectorID,
			ConnectorName: t.ConnectorName,
		})
	}
	return out
}

// startServer performs the handshake for one server: open the transport,
// initialize with the elicitation sender wired in, list its tools, and
// detect sandbox-state capability support.
func (r *Registry) startServer(ctx context.Context, name string, cfg ServerConfig) (*ManagedClient, error) {
	if !ValidateServerName(name) {
		return nil, fmt.Errorf("invalid MCP server name '%s': must match pattern ^[A-Za-z0-9_-]+$", name)
	}

	timeout := cfg.EffectiveStartupTimeout()
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport, err := r.newTransport(sctx, name, cfg)
	if err != nil {
		return nil, err
	}

	initResult, err := transport.Initialize(sctx, timeout, r.elicitation.makeSender(name))
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	listResult, err := transport.ListToolsWithConnectorIDs(sctx, "", cfg.EffectiveToolTimeout())
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	filter := NewToolFilter(cfg)
	tools := make([]ToolInfo, 0, len(listResult.Tools))
	for _, td := range listResult.Tools {
		tools = append(tools, ToolInfo{
			ServerName:    name,
			ToolName:      td.Name,
			Tool:          td,
			ConnectorID:   td.ConnectorID,
			ConnectorName: td.ConnectorRaw,
		})
	}

	supportsSandbox := false
	if initResult.Capabilities != nil {
		if exp, ok := initResult.Capabilities["experimental"].(map[string]any); ok {
			_, supportsSandbox = exp["codex/sandbox-state"]
		}
	}

	return &ManagedClient{
		Transport:            transport,
		Tools:                tools,
		ToolFilter:           filter,
		ToolTimeout:          cfg.EffectiveToolTimeout(),
		SupportsSandboxState: supportsSandbox,
	}, nil
}

func defaultOpenTransport(ctx context.Context, name string, cfg ServerConfig) (mcp.TransportClient, error) {
	switch cfg.Transport.Kind {
	case TransportStreamableHTTP:
		return mcp.NewStreamableHTTPClient(ctx, name, cfg.Transport.URL, cfg.Transport.BearerTokenEnvVar, cfg.Transport.HTTPHeaders, cfg.Transport.EnvHTTPHeaders)
	default:
		return mcp.NewStdioClient(ctx, name, cfg.Transport.Command, cfg.Transport.Args, cfg.Transport.Env, cfg.Transport.EnvVars, cfg.Transport.Cwd)
	}
}

// CallTool invokes tool on server, starting the server first if needed. Tool
// call failures are tracked per server by a circuit breaker independent of
// the startup sticky-failure cache: a server that is up but whose tool calls
// keep erroring (a flaky upstream API, a crashed sandbox) trips its breaker
// and fails fast until the breaker's cooldown elapses, rather than letting
// every caller pay the tool's own timeout. The returned error is a plain
// error whose text carries the breaker's DegradedError message; it does not
// wrap the DegradedError itself.
func (r *Registry) CallTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.CallToolResult, error) {
	if err := r.EnsureServerReady(ctx, server, TriggerToolCall); err != nil {
		return nil, err
	}
	client := r.readyClient(server)
	if client == nil {
		return nil, fmt.Errorf("MCP server '%s' is not running", server)
	}
	if !client.ToolFilter.Allows(tool) {
		return nil, fmt.Errorf("tool '%s' is disabled for MCP server '%s'", tool, server)
	}

	breaker := r.breakers.Get(server)
	result, err := mcperrors.ExecuteFunc(breaker, ctx, func(ctx context.Context) (*mcp.CallToolResult, error) {
		return client.Transport.CallTool(ctx, tool, args, client.ToolTimeout)
	})
	if err != nil {
		return nil, fmt.Errorf("tool call failed for `%s/%s`: %s", server, tool, mcperrors.FormatForLLM(err))
	}
	return result, nil
}

// ListResources lists one page of server's resources, starting it first if
// needed.
func (r *Registry) ListResources(ctx context.Context, server, cursor string) ([]mcp.Resource, string, error) {
	if err := r.EnsureServerReady(ctx, server, TriggerToolCall); err != nil {
		return nil, "", err
	}
	client := r.readyClient(server)
	if client == nil {
		return nil, "", fmt.Errorf("MCP server '%s' is not running", server)
	}
	resources, next, err := client.Transport.ListResources(ctx, cursor, client.ToolTimeout)
	if err != nil {
		return nil, "", fmt.Errorf("resources/list failed for `%s`: %w", server, err)
	}
	return resources, next, nil
}

// ListResourceTemplates lists one page of server's resource templates,
// starting it first if needed.
func (r *Registry) ListResourceTemplates(ctx context.Context, server, cursor string) ([]mcp.ResourceTemplate, string, error) {
	if err := r.EnsureServerReady(ctx, server, TriggerToolCall); err != nil {
		return nil, "", err
	}
	client := r.readyClient(server)
	if client == nil {
		return nil, "", fmt.Errorf("MCP server '%s' is not running", server)
	}
	templates, next, err := client.Transport.ListResourceTemplates(ctx, cursor, client.ToolTimeout)
	if err != nil {
		return nil, "", fmt.Errorf("resources/templates/list failed for `%s`: %w", server, err)
	}
	return templates, next, nil
}

// ReadResource reads uri from server, starting it first if needed.
func (r *Registry) ReadResource(ctx context.Context, server, uri string) (*mcp.ReadResourceResult, error) {
	if err := r.EnsureServerReady(ctx, server, TriggerToolCall); err != nil {
		return nil, err
	}
	client := r.readyClient(server)
	if client == nil {
		return nil, fmt.Errorf("MCP server '%s' is not running", server)
	}
	result, err := client.Transport.ReadResource(ctx, uri, client.ToolTimeout)
	if err != nil {
		return nil, fmt.Errorf("resources/read failed for `%s`: %w", server, err)
	}
	return result, nil
}

// ResolveElicitation delivers a response to a pending elicitation request.
func (r *Registry) ResolveElicitation(server string, requestID any, response map[string]any) error {
	return r.elicitation.Resolve(server, requestID, response)
}

// ParseToolName splits a qualified tool name back into its server and tool
// components, falling back to a scan of the current catalog when the name
// doesn't split as mcp__server__tool or its server part names no configured
// server (e.g. sanitization rewrote the server name). A truncated-and-suffixed
// name whose server part is intact is split directly, and the tool part it
// returns is the truncated text as it appears in the qualified name.
func (r *Registry) ParseToolName(ctx context.Context, qualifiedName string) (server, tool string, err error) {
	if server, tool, ok := parseQualifiedName(qualifiedName); ok {
		r.mu.Lock()
		_, known := r.configs[server]
		r.mu.Unlock()
		if known {
			return server, tool, nil
		}
	}

	for _, entry := range r.ListAllTools(ctx) {
		if entry.QualifiedName == qualifiedName {
			return entry.Info.ServerName, entry.Info.ToolName, nil
		}
	}
	return "", "", fmt.Errorf("unknown tool name '%s'", qualifiedName)
}

func (r *Registry) readyClient(name string) *ManagedClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready[name]
}

// QualifiedTool pairs a globally-unique catalog name with the ToolInfo it
// was derived from.
type QualifiedTool struct {
	QualifiedName string
	Info          ToolInfo
}

// ListAllTools assembles the full tool catalog: every ready server's tools
// first, then a non-blocking probe of the reserved apps server if it hasn't
// finished starting yet, then synthetic entries reconstructed from the
// manifest cache for any other configured server whose cached fingerprint
// still matches its current configuration.
func (r *Registry) ListAllTools(ctx context.Context) []QualifiedTool {
	q := newQualifier(func(format string, args ...any) { r.log.Warn(format, args...) })
	var out []QualifiedTool

	r.mu.Lock()
	readyNames := make([]string, 0, len(r.ready))
	for name := range r.ready {
		readyNames = append(readyNames, name)
	}
	sort.Strings(readyNames)
	readySnapshot := make(map[string]*ManagedClient, len(r.ready))
	for k, v := range r.ready {
		readySnapshot[k] = v
	}
	configsSnapshot := make(map[string]ServerConfig, len(r.configs))
	for k, v := range r.configs {
		configsSnapshot[k] = v
	}
	r.mu.Unlock()

	covered := make(map[string]struct{}, len(readySnapshot)+1)

	for _, name := range readyNames {
		client := readySnapshot[name]
		covered[name] = struct{}{}
		for _, info := range client.Tools {
			if !client.ToolFilter.Allows(info.ToolName) {
				continue
			}
			info = normalizeAppsToolTitle(name, info)
			if qname, ok := q.Qualify(name, info.ToolName); ok {
				out = append(out, QualifiedTool{QualifiedName: qname, Info: info})
			}
		}
	}

	if _, alreadyReady := covered[appsServerName]; !alreadyReady {
		if appsClient := r.pollInflightApps(); appsClient != nil {
			covered[appsServerName] = struct{}{}
			filter := appsClient.ToolFilter
			for _, info := range appsClient.Tools {
				if !filter.Allows(info.ToolName) {
					continue
				}
				info = normalizeAppsToolTitle(appsServerName, info)
				if qname, ok := q.Qualify(appsServerName, info.ToolName); ok {
					out = append(out, QualifiedTool{QualifiedName: qname, Info: info})
				}
			}
		}
	}

	cachedNames := make([]string, 0, len(configsSnapshot))
	for name := range configsSnapshot {
		cachedNames = append(cachedNames, name)
	}
	sort.Strings(cachedNames)

	for _, name := range cachedNames {
		if _, done := covered[name]; done {
			continue
		}
		cfg := configsSnapshot[name]
		if !cfg.Enabled {
			continue
		}
		hash := ServerConfigHash(cfg)
		cached, ok := r.manifestCache.Lookup(name, hash)
		if !ok {
			continue
		}
		filter := NewToolFilter(cfg)
		for _, ct := range cached.Tools {
			if !filter.Allows(ct.Name) {
				continue
			}
			info := ToolInfo{
				ServerName:    name,
				ToolName:      ct.Name,
				Tool:          stubToolFromManifest(ct),
				ConnectorID:   ct.ConnectorID,
				ConnectorName: ct.ConnectorName,
			}
			info = normalizeAppsToolTitle(name, info)
			if qname, ok := q.Qualify(name, info.ToolName); ok {
				out = append(out, QualifiedTool{QualifiedName: qname, Info: info})
			}
		}
	}

	return out
}

// stubToolFromManifest reconstructs a minimal ToolDescriptor for a cached
// tool whose server hasn't started yet: just enough shape (an empty-object
// input schema) for a caller to display it before any arguments are known.
func stubToolFromManifest(ct CachedTool) mcp.ToolDescriptor {
	return mcp.ToolDescriptor{
		Name:        ct.Name,
		Description: ct.Description,
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		ConnectorID: ct.ConnectorID,
	}
}

// pollInflightApps returns the apps server's ManagedClient if its startup
// has already resolved (successfully) without blocking the caller; it
// returns nil if the server isn't starting, is still in flight, or failed.
func (r *Registry) pollInflightApps() *ManagedClient {
	r.mu.Lock()
	ch, starting := r.inflight[appsServerName]
	r.mu.Unlock()
	if !starting {
		return nil
	}
	select {
	case <-ch:
		return r.readyClient(appsServerName)
	default:
		return nil
	}
}

// ListServerSnapshotStates reports, for every enabled configured server,
// whether it is currently ready or only visible via a matching manifest
// cache entry; servers with neither are omitted.
func (r *Registry) ListServerSnapshotStates() map[string]ServerSnapshotState {
	r.mu.Lock()
	configsSnapshot := make(map[string]ServerConfig, len(r.configs))
	for k, v := range r.configs {
		configsSnapshot[k] = v
	}
	readySnapshot := make(map[string]struct{}, len(r.ready))
	for k := range r.ready {
		readySnapshot[k] = struct{}{}
	}
	r.mu.Unlock()

	states := make(map[string]ServerSnapshotState, len(configsSnapshot))
	for name, cfg := range configsSnapshot {
		if !cfg.Enabled {
			continue
		}
		if _, ready := readySnapshot[name]; ready {
			states[name] = SnapshotReady
			continue
		}
		if _, ok := r.manifestCache.Lookup(name, ServerConfigHash(cfg)); ok {
			states[name] = SnapshotCached
		}
	}
	return states
}

// NotifySandboxStateChange pushes state to every ready client that
// advertised the sandbox-state experimental capability. Per-client failures
// are logged, never returned: this call always succeeds from the caller's
// perspective.
func (r *Registry) NotifySandboxStateChange(ctx context.Context, state SandboxState) error {
	r.mu.Lock()
	r.sandbox = &state
	targets := make(map[string]*ManagedClient, len(r.ready))
	for name, client := range r.ready {
		if client.SupportsSandboxState {
			targets[name] = client
		}
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for name, client := range targets {
		name, client := name, client
		g.Go(func() error {
			payload := sandboxStatePayload(state)
			if err := client.Transport.SendCustomRequest(gctx, "codex/sandbox-state/update", payload); err != nil {
				r.log.Warn("failed to push sandbox state to %s: %v", name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

func (r *Registry) pushSandboxState(ctx context.Context, name string, client *ManagedClient) {
	r.mu.Lock()
	state := r.sandbox
	r.mu.Unlock()
	if state == nil {
		return
	}
	if err := client.Transport.SendCustomRequest(ctx, "codex/sandbox-state/update", sandboxStatePayload(*state)); err != nil {
		r.log.Warn("failed to push sandbox state to newly-started server %s: %v", name, err)
	}
}

func sandboxStatePayload(state SandboxState) map[string]any {
	payload := map[string]any{
		"sandboxPolicy": state.SandboxPolicy,
		"sandboxCwd":    state.SandboxCwd,
	}
	if state.CodexLinuxSandboxExe != nil {
		payload["codexLinuxSandboxExe"] = *state.CodexLinuxSandboxExe
	}
	return payload
}

// Shutdown closes every ready client's transport.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	clients := make([]*ManagedClient, 0, len(r.ready))
	for _, c := range r.ready {
		clients = append(clients, c)
	}
	r.ready = make(map[string]*ManagedClient)
	r.mu.Unlock()

	for _, c := range clients {
		if err := c.Transport.Close(); err != nil {
			r.log.Warn("error closing MCP transport: %v", err)
		}
	}
}
