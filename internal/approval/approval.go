// Package approval implements the permission-gated tool-call state
// machine shared by the host daemon and the server broker: a write or
// execute tool call suspends until exactly one decision arrives for its
// request_id. At most one request is ever open per run; a second write
// call while one is pending is a caller bug, not a race to adjudicate.
package approval

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/aipper/relay/internal/relayerr"
)

// Request is the open permission request for a run, mirroring the
// run.permission_requested payload fields the caller needs to remember
// while waiting for a decision.
type Request struct {
	RequestID     string
	OpTool        string
	OpArgsSummary string
	OpArgs        map[string]any
	Prompt        string
}

// Engine tracks the single open request per run_id. Safe for concurrent
// use by the tool bridge (opening requests) and the uplink/router
// (delivering decisions).
type Engine struct {
	mu      sync.Mutex
	pending map[string]Request // run_id -> open request
}

func New() *Engine {
	return &Engine{pending: make(map[string]Request)}
}

// Open records a new pending request for runID. Returns relayerr.Protocol
// if a request is already open for this run — the tool bridge must wait
// for it to resolve before starting another write/execute call.
func (e *Engine) Open(runID string, req Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.pending[runID]; exists {
		return fmt.Errorf("run %s already has an open permission request: %w", runID, relayerr.Protocol)
	}
	e.pending[runID] = req
	return nil
}

// Pending returns the open request for runID, if any.
func (e *Engine) Pending(runID string) (Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.pending[runID]
	return req, ok
}

// Resolve closes the open request for runID if requestID matches it,
// returning the resolved Request. Returns relayerr.NotFound if no request
// is open, or relayerr.Protocol if requestID does not match the open
// one — a decision for a stale or unknown request_id is dropped by the
// caller, never applied.
func (e *Engine) Resolve(runID, requestID string) (Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.pending[runID]
	if !ok {
		return Request{}, fmt.Errorf("run %s has no open permission request: %w", runID, relayerr.NotFound)
	}
	if req.RequestID != requestID {
		return Request{}, fmt.Errorf("run %s: decision for %s does not match open request %s: %w", runID, requestID, req.RequestID, relayerr.Protocol)
	}
	delete(e.pending, runID)
	return req, nil
}

// Cancel drops any open request for runID without resolving it, used when
// a run exits with a request still pending (the exit itself is the
// terminal event; no tool.result follows for an abandoned request).
func (e *Engine) Cancel(runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, runID)
}

// HashArgs returns a deterministic, order-independent hex digest of args
// (the first 16 hex characters of the SHA-256 of their canonical JSON), so
// two logically-identical calls hash the same way regardless of map
// iteration order. request_ids are random UUIDs and are not derived from it.
func HashArgs(args map[string]any) string {
	canonical := canonicalize(args)
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)[:16]
}

func canonicalize(v any) any {
	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Map:
		if val.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, val.Len())
		keys := val.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			out[k.String()] = canonicalize(val.MapIndex(k).Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			out[i] = canonicalize(val.Index(i).Interface())
		}
		return out
	default:
		return v
	}
}
