package approval

import (
	"errors"
	"testing"

	"github.com/aipper/relay/internal/relayerr"
)

func TestOpenThenResolve(t *testing.T) {
	e := New()
	req := Request{RequestID: "req-1", OpTool: "bash", Prompt: "run rm -rf tmp?"}

	if err := e.Open("run-1", req); err != nil {
		t.Fatalf("Open: %v", err)
	}

	pending, ok := e.Pending("run-1")
	if !ok {
		t.Fatal("expected pending request after Open")
	}
	if pending.RequestID != "req-1" {
		t.Errorf("Pending.RequestID = %q, want req-1", pending.RequestID)
	}

	resolved, err := e.Resolve("run-1", "req-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.OpTool != "bash" {
		t.Errorf("resolved.OpTool = %q, want bash", resolved.OpTool)
	}

	if _, ok := e.Pending("run-1"); ok {
		t.Error("expected no pending request after Resolve")
	}
}

func TestOpenTwiceRejected(t *testing.T) {
	e := New()
	if err := e.Open("run-1", Request{RequestID: "req-1"}); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	err := e.Open("run-1", Request{RequestID: "req-2"})
	if !errors.Is(err, relayerr.Protocol) {
		t.Fatalf("second Open: got %v, want Protocol", err)
	}
}

func TestResolveMismatchedRequestID(t *testing.T) {
	e := New()
	if err := e.Open("run-1", Request{RequestID: "req-1"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err := e.Resolve("run-1", "req-stale")
	if !errors.Is(err, relayerr.Protocol) {
		t.Fatalf("got %v, want Protocol", err)
	}
	// The original request must still be open.
	if _, ok := e.Pending("run-1"); !ok {
		t.Error("mismatched resolve must not close the open request")
	}
}

func TestResolveWithNoneOpen(t *testing.T) {
	e := New()
	_, err := e.Resolve("run-1", "req-1")
	if !errors.Is(err, relayerr.NotFound) {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestCancelDropsWithoutResolving(t *testing.T) {
	e := New()
	if err := e.Open("run-1", Request{RequestID: "req-1"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	e.Cancel("run-1")
	if _, ok := e.Pending("run-1"); ok {
		t.Error("expected no pending request after Cancel")
	}
	// A fresh Open must succeed now.
	if err := e.Open("run-1", Request{RequestID: "req-2"}); err != nil {
		t.Fatalf("Open after Cancel: %v", err)
	}
}

func TestHashArgsIsOrderIndependent(t *testing.T) {
	a := map[string]any{"path": "a.txt", "mode": "write"}
	b := map[string]any{"mode": "write", "path": "a.txt"}
	if HashArgs(a) != HashArgs(b) {
		t.Error("expected identical hash regardless of map construction order")
	}
}

func TestHashArgsDiffersForDifferentArgs(t *testing.T) {
	a := map[string]any{"path": "a.txt"}
	b := map[string]any{"path": "b.txt"}
	if HashArgs(a) == HashArgs(b) {
		t.Error("expected different hash for different args")
	}
}
