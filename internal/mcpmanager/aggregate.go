package mcpmanager

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"xcodex/internal/async"
	"xcodex/internal/logging"
	"xcodex/internal/mcp"
)

// maxAggregatePages bounds how many pages a single server's resource listing
// will page through before list_all_resources gives up on it; a server that
// never stops returning a nextCursor would otherwise hang the aggregate
// indefinitely.
const maxAggregatePages = 10000

// AggregateResult is one server's contribution to a list_all_resources or
// list_all_resource_templates call: either items, or the error that aborted
// that server's pagination. A failing server never prevents the others from
// completing.
type AggregateResult[T any] struct {
	Server string
	Items  []T
	Err    error
}

// ListAllResources pages through every ready server's resources/list
// concurrently, aggregating per-server results and isolating per-server
// failures (including a repeated pagination cursor, which aborts only the
// server that produced it).
func (r *Registry) ListAllResources(ctx context.Context) []AggregateResult[mcp.Resource] {
	return aggregatePaged(ctx, r.log, r.readyClients(), func(ctx context.Context, client *ManagedClient, cursor string) ([]mcp.Resource, string, error) {
		return client.Transport.ListResources(ctx, cursor, client.ToolTimeout)
	}, "resources/list returned duplicate cursor")
}

// ListAllResourceTemplates is the resources/templates/list analog of
// ListAllResources.
func (r *Registry) ListAllResourceTemplates(ctx context.Context) []AggregateResult[mcp.ResourceTemplate] {
	return aggregatePaged(ctx, r.log, r.readyClients(), func(ctx context.Context, client *ManagedClient, cursor string) ([]mcp.ResourceTemplate, string, error) {
		return client.Transport.ListResourceTemplates(ctx, cursor, client.ToolTimeout)
	}, "resources/templates/list returned duplicate cursor")
}

func (r *Registry) readyClients() map[string]*ManagedClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := make(map[string]*ManagedClient, len(r.ready))
	for k, v := range r.ready {
		snapshot[k] = v
	}
	return snapshot
}

// pageFunc fetches one page of T for client, given the cursor from the
// previous page (empty on the first call).
type pageFunc[T any] func(ctx context.Context, client *ManagedClient, cursor string) ([]T, string, error)

// aggregatePaged fans a pageFunc out over every client concurrently, fully
// draining each one's pagination before reporting its AggregateResult. Every
// goroutine always resolves its errgroup.Go call with nil so one server's
// failure never cancels another's in-flight listing; a panic inside one
// server's pagination is caught and logged rather than taking down the
// aggregator (§7).
func aggregatePaged[T any](ctx context.Context, log logging.Logger, clients map[string]*ManagedClient, fetch pageFunc[T], duplicateCursorMsg string) []AggregateResult[T] {
	var (
		mu      sync.Mutex
		results []AggregateResult[T]
	)

	g, gctx := errgroup.WithContext(ctx)
	for name, client := range clients {
		name, client := name, client
		g.Go(func() (err error) {
			var items []T
			func() {
				defer async.RecoverInto(log, fmt.Sprintf("mcp-aggregate-%s", name), &err)
				items, err = drainPages(gctx, client, fetch, duplicateCursorMsg)
			}()

			mu.Lock()
			results = append(results, AggregateResult[T]{Server: name, Items: items, Err: err})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func drainPages[T any](ctx context.Context, client *ManagedClient, fetch pageFunc[T], duplicateCursorMsg string) ([]T, error) {
	var all []T
	seenCursors := make(map[string]struct{})
	cursor := ""

	for page := 0; page < maxAggregatePages; page++ {
		items, next, err := fetch(ctx, client, cursor)
		if err != nil {
			return all, err
		}
		all = append(all, items...)

		if next == "" {
			return all, nil
		}
		if _, dup := seenCursors[next]; dup {
			return all, fmt.Errorf("%s", duplicateCursorMsg)
		}
		seenCursors[next] = struct{}{}
		cursor = next
	}
	return all, fmt.Errorf("pagination did not terminate within %d pages", maxAggregatePages)
}
