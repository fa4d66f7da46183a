package ptyrunner

import (
	"context"
	"fmt"
	"sync"

	"github.com/aipper/relay/internal/approval"
	"github.com/aipper/relay/internal/redact"
	"github.com/aipper/relay/internal/relayerr"
	"github.com/aipper/relay/internal/toolbridge"
)

// Pool tracks every live Runner on this host by run_id, so the local API
// and uplink layers can look one up by id without each keeping their own
// registry.
type Pool struct {
	hostID    string
	sink      Sink
	approvals *approval.Engine
	bridge    *toolbridge.Bridge
	redactor  *redact.Redactor
	overrides func() map[string]string

	mu      sync.Mutex
	runners map[string]*Runner
}

// NewPool constructs a Pool. overrides is called on every Start to fetch
// the current binary-path override map, so a hot-reloaded config source
// (config.ToolsWatcher.Binaries) takes effect on the next run without
// restarting the daemon. A nil overrides is treated as always-empty.
func NewPool(hostID string, sink Sink, redactor *redact.Redactor, overrides func() map[string]string) *Pool {
	if overrides == nil {
		overrides = func() map[string]string { return nil }
	}
	if redactor == nil {
		redactor = redact.New(nil)
	}
	return &Pool{
		hostID:    hostID,
		sink:      sink,
		approvals: approval.New(),
		bridge:    toolbridge.New(),
		redactor:  redactor,
		overrides: overrides,
		runners:   make(map[string]*Runner),
	}
}

// Start resolves tool's binary, spawns a new Runner for runID under cwd,
// and registers it in the pool. It is an error to reuse a runID that is
// already tracked.
func (p *Pool) Start(ctx context.Context, runID, tool, cwd string, args []string) (*Runner, error) {
	p.mu.Lock()
	if _, exists := p.runners[runID]; exists {
		p.mu.Unlock()
		return nil, fmt.Errorf("run %s already exists: %w", runID, relayerr.Protocol)
	}
	p.mu.Unlock()

	binaryPath, err := ResolveBinary(tool, p.overrides())
	if err != nil {
		return nil, err
	}

	r := New(runID, p.hostID, tool, cwd, p.sink, p.approvals, p.bridge, p.redactor)
	p.mu.Lock()
	p.runners[runID] = r
	p.mu.Unlock()

	if err := r.Start(ctx, binaryPath, args); err != nil {
		p.mu.Lock()
		delete(p.runners, runID)
		p.mu.Unlock()
		return nil, err
	}

	go func() {
		r.Wait()
		p.mu.Lock()
		delete(p.runners, runID)
		p.mu.Unlock()
	}()

	return r, nil
}

// Resize looks up runID and applies a window-size change to its PTY.
func (p *Pool) Resize(runID string, cols, rows uint16) error {
	r, ok := p.Get(runID)
	if !ok {
		return fmt.Errorf("run %s not found: %w", runID, relayerr.NotFound)
	}
	return r.Resize(cols, rows)
}

// Get returns the tracked Runner for runID, if it is still live.
func (p *Pool) Get(runID string) (*Runner, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.runners[runID]
	return r, ok
}

// List returns every currently-tracked run_id.
func (p *Pool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.runners))
	for id := range p.runners {
		ids = append(ids, id)
	}
	return ids
}

// StopAll signals every tracked run to terminate, used on daemon
// shutdown. It does not wait for exits; callers that need that should
// Wait on each Runner returned by List/Get beforehand.
func (p *Pool) StopAll(signal string) {
	p.mu.Lock()
	runners := make([]*Runner, 0, len(p.runners))
	for _, r := range p.runners {
		runners = append(runners, r)
	}
	p.mu.Unlock()
	for _, r := range runners {
		r.Stop(signal)
	}
}
