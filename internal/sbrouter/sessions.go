// Package sbrouter is the server broker's WebSocket router and REST
// surface: it authenticates hosts and app clients, persists every host
// event to the event store, fans events out to app peers, and routes
// app-originated commands back to the owning host. Grounded on
// internal/relay/sessions.go's SessionManager registry and
// internal/relay/handler.go's accept/auth/writer-goroutine/reader-loop
// shape, narrowed from the teacher's multi-tenant daemon/client
// vocabulary to this module's single-tenant host/app model (multi-tenant
// identity is out of scope here, so there is no per-user partitioning).
package sbrouter

import (
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aipper/relay/internal/relayproto"
)

const sendBufferSize = 256

// backpressureGrace is how long an app peer's send queue may stay full
// before the router drops it with a 1013 close.
const backpressureGrace = 2 * time.Second

// HostConn is one connected host daemon.
type HostConn struct {
	HostID string
	Conn   *websocket.Conn
	Send   chan relayproto.Envelope
}

// AppConn is one connected app client. Username identifies who logged in;
// it does not scope which runs the client sees.
type AppConn struct {
	Username string
	Conn     *websocket.Conn
	Send     chan relayproto.Envelope

	mu        sync.Mutex
	fullSince time.Time

	drop     chan struct{}
	dropOnce sync.Once
}

func newAppConn(username string, conn *websocket.Conn) *AppConn {
	return &AppConn{
		Username: username,
		Conn:     conn,
		Send:     make(chan relayproto.Envelope, sendBufferSize),
		drop:     make(chan struct{}),
	}
}

// Dropped signals that the registry has decided this peer is too slow and
// should be closed with 1013 (Try Again Later).
func (ac *AppConn) Dropped() <-chan struct{} {
	return ac.drop
}

func (ac *AppConn) clearFull() {
	ac.mu.Lock()
	ac.fullSince = time.Time{}
	ac.mu.Unlock()
}

func (ac *AppConn) markFullAndMaybeDrop() {
	ac.mu.Lock()
	if ac.fullSince.IsZero() {
		ac.fullSince = time.Now()
		ac.mu.Unlock()
		return
	}
	since := ac.fullSince
	ac.mu.Unlock()
	if time.Since(since) >= backpressureGrace {
		ac.dropOnce.Do(func() { close(ac.drop) })
	}
}

// Registry tracks live host and app connections. There is exactly one
// connection per host_id; an app may have any number of concurrent
// connections, and every one of them receives every run's events.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*HostConn
	apps  map[*AppConn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		hosts: make(map[string]*HostConn),
		apps:  make(map[*AppConn]struct{}),
	}
}

func (r *Registry) AddHost(hostID string, conn *websocket.Conn) *HostConn {
	hc := &HostConn{HostID: hostID, Conn: conn, Send: make(chan relayproto.Envelope, sendBufferSize)}
	r.mu.Lock()
	r.hosts[hostID] = hc
	r.mu.Unlock()
	return hc
}

func (r *Registry) RemoveHost(hostID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hc, ok := r.hosts[hostID]; ok && hc.Conn == conn {
		delete(r.hosts, hostID)
	}
}

func (r *Registry) GetHost(hostID string) (*HostConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hc, ok := r.hosts[hostID]
	return hc, ok
}

func (r *Registry) HostOnline(hostID string) bool {
	_, ok := r.GetHost(hostID)
	return ok
}

func (r *Registry) AllHosts() []*HostConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*HostConn, 0, len(r.hosts))
	for _, hc := range r.hosts {
		out = append(out, hc)
	}
	return out
}

func (r *Registry) AddApp(username string, conn *websocket.Conn) *AppConn {
	ac := newAppConn(username, conn)
	r.mu.Lock()
	r.apps[ac] = struct{}{}
	r.mu.Unlock()
	return ac
}

func (r *Registry) RemoveApp(ac *AppConn) {
	r.mu.Lock()
	delete(r.apps, ac)
	r.mu.Unlock()
}

func (r *Registry) AllApps() []*AppConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AppConn, 0, len(r.apps))
	for ac := range r.apps {
		out = append(out, ac)
	}
	return out
}

// BroadcastToApps sends env to every connected app peer. A peer whose
// send buffer is already full is marked rather than blocked on; if it
// stays full past backpressureGrace the peer's Dropped channel closes and
// the handler serving it is expected to close the connection with 1013.
// The event itself is never lost: it is already durable in the event
// store by the time this is called, so a dropped peer simply re-reads it
// through the messages projection on reconnect.
func (r *Registry) BroadcastToApps(env relayproto.Envelope) {
	for _, ac := range r.AllApps() {
		select {
		case ac.Send <- env:
			ac.clearFull()
		default:
			ac.markFullAndMaybeDrop()
		}
	}
}
