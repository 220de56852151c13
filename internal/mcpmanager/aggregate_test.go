package mcpmanager

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"xcodex/internal/logging"
	"xcodex/internal/mcp"
)

// pagingTransport is a minimal mcp.TransportClient whose ListResources
// returns canned pages (and optionally panics) for exercising aggregatePaged
// without a real server.
type pagingTransport struct {
	pages       [][]mcp.Resource
	repeatLast  bool
	shouldPanic bool
	panicOn     int // page index (0-based) that should panic instead of returning, when shouldPanic is set
}

func (p *pagingTransport) Initialize(ctx context.Context, timeout time.Duration, sendElicitation mcp.SendElicitationFunc) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (p *pagingTransport) ListToolsWithConnectorIDs(ctx context.Context, cursor string, timeout time.Duration) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{}, nil
}

func (p *pagingTransport) ListResources(ctx context.Context, cursor string, timeout time.Duration) ([]mcp.Resource, string, error) {
	page := 0
	if cursor != "" {
		n := 0
		for i, c := range []string{"c0", "c1", "c2", "c3", "c4"} {
			if c == cursor {
				n = i + 1
			}
		}
		page = n
	}

	if p.shouldPanic && p.panicOn == page {
		panic("simulated decode panic")
	}

	if page >= len(p.pages) {
		if p.repeatLast {
			return nil, cursor, nil
		}
		return nil, "", nil
	}

	next := fmt.Sprintf("c%d", page)
	if page == len(p.pages)-1 && !p.repeatLast {
		next = ""
	}
	return p.pages[page], next, nil
}

func (p *pagingTransport) ListResourceTemplates(ctx context.Context, cursor string, timeout time.Duration) ([]mcp.ResourceTemplate, string, error) {
	return nil, "", nil
}

func (p *pagingTransport) ReadResource(ctx context.Context, uri string, timeout time.Duration) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{}, nil
}

func (p *pagingTransport) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}

func (p *pagingTransport) SendCustomRequest(ctx context.Context, method string, params map[string]any) error {
	return nil
}

func (p *pagingTransport) Close() error { return nil }

func managedClientFor(transport mcp.TransportClient) *ManagedClient {
	return &ManagedClient{
		Transport:   transport,
		ToolFilter:  NewToolFilter(ServerConfig{}),
		ToolTimeout: time.Second,
	}
}

func TestAggregatePagedDrainsMultiplePagesPerServer(t *testing.T) {
	clients := map[string]*ManagedClient{
		"docs": managedClientFor(&pagingTransport{pages: [][]mcp.Resource{
			{{URI: "doc://1"}},
			{{URI: "doc://2"}, {URI: "doc://3"}},
		}}),
	}

	results := aggregatePaged(context.Background(), logging.NewComponentLogger("test"), clients, func(ctx context.Context, client *ManagedClient, cursor string) ([]mcp.Resource, string, error) {
		return client.Transport.ListResources(ctx, cursor, client.ToolTimeout)
	}, "resources/list returned duplicate cursor")

	if len(results) != 1 {
		t.Fatalf("expected one server result, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("unexpected error: %v", results[0].Err)
	}
	if len(results[0].Items) != 3 {
		t.Fatalf("expected 3 aggregated items across pages, got %d", len(results[0].Items))
	}
}

func TestAggregatePagedAbortsOnlyServerWithDuplicateCursor(t *testing.T) {
	clients := map[string]*ManagedClient{
		"flaky": managedClientFor(&pagingTransport{pages: [][]mcp.Resource{{{URI: "a"}}}, repeatLast: true}),
		"fine":  managedClientFor(&pagingTransport{pages: [][]mcp.Resource{{{URI: "b"}}}}),
	}

	results := aggregatePaged(context.Background(), logging.NewComponentLogger("test"), clients, func(ctx context.Context, client *ManagedClient, cursor string) ([]mcp.Resource, string, error) {
		return client.Transport.ListResources(ctx, cursor, client.ToolTimeout)
	}, "resources/list returned duplicate cursor")

	byServer := map[string]AggregateResult[mcp.Resource]{}
	for _, r := range results {
		byServer[r.Server] = r
	}

	flaky := byServer["flaky"]
	if flaky.Err == nil || !strings.Contains(flaky.Err.Error(), "duplicate cursor") {
		t.Errorf("expected flaky server to report a duplicate-cursor error, got %v", flaky.Err)
	}

	fine := byServer["fine"]
	if fine.Err != nil || len(fine.Items) != 1 {
		t.Errorf("expected the other server to complete normally, got items=%v err=%v", fine.Items, fine.Err)
	}
}

func TestAggregatePagedIsolatesPanicToOneServer(t *testing.T) {
	clients := map[string]*ManagedClient{
		"exploding": managedClientFor(&pagingTransport{shouldPanic: true, panicOn: 0}),
		"healthy":   managedClientFor(&pagingTransport{pages: [][]mcp.Resource{{{URI: "z"}}}}),
	}

	results := aggregatePaged(context.Background(), logging.NewComponentLogger("test"), clients, func(ctx context.Context, client *ManagedClient, cursor string) ([]mcp.Resource, string, error) {
		return client.Transport.ListResources(ctx, cursor, client.ToolTimeout)
	}, "resources/list returned duplicate cursor")

	byServer := map[string]AggregateResult[mcp.Resource]{}
	for _, r := range results {
		byServer[r.Server] = r
	}

	exploding := byServer["exploding"]
	if exploding.Err == nil || !strings.Contains(exploding.Err.Error(), "panic") {
		t.Errorf("expected the panicking server's slot to carry a panic error, got %v", exploding.Err)
	}

	healthy := byServer["healthy"]
	if healthy.Err != nil || len(healthy.Items) != 1 {
		t.Errorf("expected the healthy server to be unaffected by the other's panic, got items=%v err=%v", healthy.Items, healthy.Err)
	}
}
