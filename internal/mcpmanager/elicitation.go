package mcpmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"xcodex/internal/mcp"
)

// elicitationKey identifies one outstanding elicitation request: the server
// that sent it, plus the request id it tagged the request with.
type elicitationKey struct {
	server string
	id     string
}

// elicitationRouter correlates outbound elicitation/create requests with
// their eventual inbound responses. One router is shared by every server a
// registry manages.
type elicitationRouter struct {
	mu      sync.Mutex
	pending map[elicitationKey]chan map[string]any
	sink    EventSink
	hookCtx HookContext
}

func newElicitationRouter(sink EventSink, hookCtx HookContext) *elicitationRouter {
	return &elicitationRouter{
		pending: make(map[elicitationKey]chan map[string]any),
		sink:    sink,
		hookCtx: hookCtx,
	}
}

// makeSender returns a mcp.SendElicitationFunc bound to one server: each
// call registers a fresh one-shot channel, notifies the event sink and any
// user hook, then blocks until Resolve delivers a response or ctx is done.
func (r *elicitationRouter) makeSender(serverName string) mcp.SendElicitationFunc {
	return func(ctx context.Context, requestID any, message string, payload map[string]any) (map[string]any, error) {
		key := elicitationKey{server: serverName, id: fmt.Sprintf("%v", requestID)}
		ch := make(chan map[string]any, 1)

		r.mu.Lock()
		r.pending[key] = ch
		r.mu.Unlock()

		if r.sink != nil {
			r.sink.ElicitationRequest(ElicitationRequestEvent{
				ServerName: serverName,
				ID:         requestID,
				Message:    message,
			})
		}
		if r.hookCtx.UserHooks != nil {
			r.hookCtx.UserHooks.ApprovalRequestedElicitation(r.hookCtx.ThreadID, r.hookCtx.Cwd, serverName, key.id, message)
		}

		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, fmt.Errorf("elicitation request channel closed unexpectedly")
			}
			return resp, nil
		case <-ctx.Done():
			r.mu.Lock()
			delete(r.pending, key)
			r.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// Resolve delivers a response to the outstanding elicitation identified by
// (serverName, requestID), unblocking its sender. It errors if no such
// request is pending.
func (r *elicitationRouter) Resolve(serverName string, requestID any, response map[string]any) error {
	key := elicitationKey{server: serverName, id: fmt.Sprintf("%v", requestID)}

	r.mu.Lock()
	ch, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("elicitation request not found")
	}

	select {
	case ch <- response:
		return nil
	default:
		return fmt.Errorf("failed to send elicitation response")
	}
}

// newElicitationRequestID generates a fresh correlation id for elicitations
// the manager itself originates (as opposed to ids a server supplies).
func newElicitationRequestID() string {
	return uuid.NewString()
}
