package mcpmanager

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu          sync.Mutex
	elicitation []ElicitationRequestEvent
}

func (s *recordingSink) StartupUpdate(StartupUpdateEvent)     {}
func (s *recordingSink) StartupComplete(StartupCompleteEvent) {}
func (s *recordingSink) ElicitationRequest(e ElicitationRequestEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.elicitation = append(s.elicitation, e)
}

func TestElicitationRoundTrip(t *testing.T) {
	sink := &recordingSink{}
	router := newElicitationRouter(sink, HookContext{})
	sender := router.makeSender("github")

	type result struct {
		resp map[string]any
		err  error
	}
	done := make(chan result, 1)

	go func() {
		resp, err := sender(context.Background(), "req-1", "approve this?", nil)
		done <- result{resp, err}
	}()

	// Give the sender a moment to register before resolving.
	time.Sleep(10 * time.Millisecond)

	if err := router.Resolve("github", "req-1", map[string]any{"approved": true}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("sender returned error: %v", r.err)
		}
		if approved, _ := r.resp["approved"].(bool); !approved {
			t.Errorf("expected approved=true, got %v", r.resp)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sender to unblock")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.elicitation) != 1 || sink.elicitation[0].ServerName != "github" {
		t.Errorf("expected one elicitation event for github, got %+v", sink.elicitation)
	}
}

func TestElicitationResolveUnknownRequest(t *testing.T) {
	router := newElicitationRouter(nil, HookContext{})
	err := router.Resolve("github", "missing", map[string]any{})
	if err == nil || err.Error() != "elicitation request not found" {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestElicitationSenderUnblocksOnContextCancel(t *testing.T) {
	router := newElicitationRouter(nil, HookContext{})
	sender := router.makeSender("github")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sender(ctx, "req-2", "approve?", nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected context cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sender to unblock on cancel")
	}

	// The pending entry must have been cleaned up so a stray late Resolve
	// reports not-found rather than leaking a channel.
	if err := router.Resolve("github", "req-2", map[string]any{}); err == nil {
		t.Error("expected resolve after cancellation to fail")
	}
}
