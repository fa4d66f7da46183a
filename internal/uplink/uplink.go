// Package uplink is the host daemon's outbound WebSocket client: it
// registers the host with the server broker, streams the spool's pending
// events in order, advances the spool on run.ack, and routes inbound
// commands (input, stop, permission decisions) to the local run pool.
// Inbound rpc.* requests are not handled; they are logged as unhandled
// and get no rpc.response. Grounded on internal/ws/client.go's Client.Run reconnect loop
// and heartbeatLoop, generalized from the teacher's wing/roost vocabulary
// to hosts, runs, and the relayproto envelope.
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aipper/relay/internal/ptyrunner"
	"github.com/aipper/relay/internal/relayproto"
	"github.com/aipper/relay/internal/spool"
)

// ErrAuthRejected is returned when the broker rejects the handshake or
// the host.register envelope (bad or mismatched token).
var ErrAuthRejected = errors.New("broker rejected host authentication")

const (
	heartbeatInterval = 30 * time.Second
	writeTimeout      = 10 * time.Second
	readLimitBytes    = 1 << 20

	backoffBase = 500 * time.Millisecond
	backoffMax  = 30 * time.Second
)

// Dispatcher is the subset of ptyrunner.Pool the uplink needs to route
// inbound commands, kept as an interface so tests can substitute a fake
// pool without spawning real processes.
type Dispatcher interface {
	Start(ctx context.Context, runID, tool, cwd string, args []string) (*ptyrunner.Runner, error)
	Get(runID string) (*ptyrunner.Runner, bool)
}

// Client is the host daemon's connection to one server broker.
type Client struct {
	URL       string // e.g. "wss://broker.example.com/ws/host"
	HostID    string
	HostToken string
	Name      string

	Spool *spool.Spool
	Pool  Dispatcher

	OnStateChange func(state string, err error)

	conn   *websocket.Conn
	connMu sync.Mutex
}

// Run connects to the broker and serves until ctx is canceled,
// reconnecting with backoff on any disconnect. It returns ErrAuthRejected
// if the broker rejects the host's token, without retrying further.
func (c *Client) Run(ctx context.Context) error {
	c.notifyState("connecting", nil)
	backoff := NewBackoff(backoffBase, backoffMax)
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) {
			c.notifyState("auth_failed", err)
			return ErrAuthRejected
		}
		if connected {
			backoff.Reset()
		}
		delay := backoff.Next()
		c.notifyState("disconnected", err)
		log.Printf("uplink: disconnected from broker: %v — reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			c.notifyState("disconnected", ctx.Err())
			return ctx.Err()
		case <-time.After(delay):
		}
		c.notifyState("connecting", nil)
	}
}

func (c *Client) notifyState(state string, err error) {
	if c.OnStateChange != nil {
		c.OnStateChange(state, err)
	}
}

func (c *Client) connectAndServe(ctx context.Context) (connected bool, err error) {
	conn, _, dialErr := websocket.Dial(ctx, c.URL, nil)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(readLimitBytes)
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	defer conn.CloseNow()
	connected = true

	reg := relayproto.HostRegisterData{HostID: c.HostID, HostToken: c.HostToken, Name: c.Name}
	if err := c.writeEnvelope(ctx, relayproto.TypeHostRegister, reg); err != nil {
		return connected, fmt.Errorf("register: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.heartbeatLoop(runCtx)
	go c.sendLoop(runCtx)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if isAuthClose(err) {
				return connected, fmt.Errorf("%w: %v", ErrAuthRejected, err)
			}
			return connected, fmt.Errorf("read: %w", err)
		}
		c.handleInbound(runCtx, data)
	}
}

func isAuthClose(err error) bool {
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == websocket.StatusPolicyViolation
	}
	return strings.Contains(err.Error(), "401")
}

// sendLoop polls the spool for events not yet sent and streams them to
// the broker in (run_id, seq) order. Cross-run interleaving is allowed;
// within one run_id the order is always strictly increasing, matching
// the spool's own ordering guarantee.
func (c *Client) sendLoop(ctx context.Context) {
	sentThrough := make(map[string]int64)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := c.Spool.PendingSince(ctx, sentThrough)
			if err != nil {
				log.Printf("uplink: spool read failed: %v", err)
				continue
			}
			for _, ev := range pending {
				env := relayproto.Envelope{
					Type:   ev.Type,
					TS:     ev.TS,
					HostID: c.HostID,
					RunID:  ev.RunID,
					Seq:    ev.Seq,
					Data:   ev.Data,
				}
				if err := c.writeRaw(ctx, env); err != nil {
					log.Printf("uplink: send failed, will retry: %v", err)
					return
				}
				sentThrough[ev.RunID] = ev.Seq
			}
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeEnvelope(ctx, "host.heartbeat", struct{}{}); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleInbound(ctx context.Context, data []byte) {
	var env relayproto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("uplink: bad envelope: %v", err)
		return
	}

	switch env.Type {
	case relayproto.TypeRunAck:
		var ack relayproto.RunAckData
		if err := json.Unmarshal(env.Data, &ack); err != nil {
			return
		}
		if err := c.Spool.AckThrough(ctx, env.RunID, ack.LastSeq); err != nil {
			log.Printf("uplink: ack for run %s failed: %v", env.RunID, err)
		}

	case relayproto.TypeRunSendInput:
		var in relayproto.RunSendInputData
		if err := json.Unmarshal(env.Data, &in); err != nil {
			return
		}
		r, ok := c.Pool.Get(env.RunID)
		if !ok {
			log.Printf("uplink: run.send_input for unknown run %s", env.RunID)
			return
		}
		if err := r.Input(ctx, in.InputID, in.Text); err != nil {
			log.Printf("uplink: input delivery for run %s failed: %v", env.RunID, err)
		}

	case relayproto.TypeRunStop:
		var stop relayproto.RunStopData
		if err := json.Unmarshal(env.Data, &stop); err != nil {
			return
		}
		r, ok := c.Pool.Get(env.RunID)
		if !ok {
			return
		}
		if err := r.Stop(stop.Signal); err != nil {
			log.Printf("uplink: stop for run %s failed: %v", env.RunID, err)
		}

	case relayproto.TypeRunPermissionApprove, relayproto.TypeRunPermissionDeny:
		var dec relayproto.RunPermissionDecisionData
		if err := json.Unmarshal(env.Data, &dec); err != nil {
			return
		}
		r, ok := c.Pool.Get(env.RunID)
		if !ok {
			return
		}
		approve := env.Type == relayproto.TypeRunPermissionApprove
		if err := r.Decide(dec.RequestID, approve); err != nil {
			log.Printf("uplink: decision for run %s request %s failed: %v", env.RunID, dec.RequestID, err)
		}

	default:
		log.Printf("uplink: unhandled inbound envelope type %q", env.Type)
	}
}

func (c *Client) writeEnvelope(ctx context.Context, typ string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	env := relayproto.Envelope{Type: typ, TS: spool.Now(), HostID: c.HostID, Data: payload}
	return c.writeRaw(ctx, env)
}

func (c *Client) writeRaw(ctx context.Context, env relayproto.Envelope) error {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
