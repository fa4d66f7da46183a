package sbrouter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/aipper/relay/internal/authjwt"
	"github.com/aipper/relay/internal/eventstore"
	"github.com/aipper/relay/internal/relayerr"
	"github.com/aipper/relay/internal/relayproto"
)

const (
	writeTimeout = 10 * time.Second
	authTimeout  = 10 * time.Second
)

// handleHostWS serves /ws/host. The first message on the connection must
// be a host.register envelope; PinOrVerifyHost implements trust-on-first-use
// against it. Every later message is either a run event (persisted, acked,
// and broadcast to app peers) or an rpc.response correlated back to the
// app that issued the request.
func (s *Server) handleHostWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	authCtx, cancel := context.WithTimeout(r.Context(), authTimeout)
	_, data, err := conn.Read(authCtx)
	cancel()
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, "registration timeout")
		return
	}

	var env relayproto.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != relayproto.TypeHostRegister {
		conn.Close(websocket.StatusPolicyViolation, "expected host.register")
		return
	}
	var reg relayproto.HostRegisterData
	if err := json.Unmarshal(env.Data, &reg); err != nil || reg.HostID == "" {
		conn.Close(websocket.StatusPolicyViolation, "invalid host.register payload")
		return
	}

	tokenHash := hashToken(reg.HostToken)
	if err := s.Store.PinOrVerifyHost(r.Context(), reg.HostID, tokenHash, reg.Name); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "auth invalid")
		return
	}
	s.Store.TouchHostSeen(r.Context(), reg.HostID)

	hc := s.Registry.AddHost(reg.HostID, conn)
	defer s.Registry.RemoveHost(reg.HostID, conn)
	log.Printf("sbrouter: host %s connected", reg.HostID)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-hc.Send:
				if !ok {
					return
				}
				if err := writeEnvelope(ctx, conn, env); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var env relayproto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if !s.handleHostMessage(ctx, reg.HostID, env) {
			conn.Close(websocket.StatusProtocolError, "sequence violation")
			break
		}
	}

	<-done
	conn.Close(websocket.StatusNormalClosure, "closing")
}

// handleHostMessage processes one envelope read from a host connection.
// It returns false if the connection must be closed (a protocol
// violation, i.e. a non-increasing sequence number for its run).
func (s *Server) handleHostMessage(ctx context.Context, hostID string, env relayproto.Envelope) bool {
	switch {
	case env.Type == relayproto.TypeHostRegister:
		return true // already registered; a stray re-register is ignored

	case env.Type == "host.heartbeat":
		s.Store.TouchHostSeen(ctx, hostID)
		return true

	case env.Type == relayproto.TypeRPCResponse:
		s.correlateRPCResponse(env)
		return true

	default:
		return s.persistAndFanOut(ctx, hostID, env)
	}
}

// persistAndFanOut appends a host-originated run event to the durable
// event log, acks it back to the host, and broadcasts it to every app
// peer. A non-increasing seq is a protocol violation: the caller must
// close the host connection.
func (s *Server) persistAndFanOut(ctx context.Context, hostID string, env relayproto.Envelope) bool {
	var inputID string
	if env.Type == relayproto.TypeRunInput {
		var in relayproto.RunInputData
		if err := json.Unmarshal(env.Data, &in); err == nil {
			inputID = in.InputID
		}
	}

	row := eventstore.EventRow{
		HostID: hostID,
		RunID:  env.RunID,
		Seq:    env.Seq,
		Type:   env.Type,
		TS:     env.TS,
		Data:   env.Data,
	}
	if inputID != "" {
		row.InputID.String, row.InputID.Valid = inputID, true
	}

	if err := s.Store.Append(ctx, row); err != nil {
		if isProtocolErr(err) {
			log.Printf("sbrouter: host %s run %s: %v", hostID, env.RunID, err)
			return false
		}
		log.Printf("sbrouter: append failed for host %s run %s: %v", hostID, env.RunID, err)
		return true
	}

	if hc, ok := s.Registry.GetHost(hostID); ok {
		ackData, _ := json.Marshal(relayproto.RunAckData{LastSeq: env.Seq})
		ack := relayproto.Envelope{Type: relayproto.TypeRunAck, TS: nowRFC3339(), HostID: hostID, RunID: env.RunID, Data: ackData}
		select {
		case hc.Send <- ack:
		default:
		}
	}

	s.Registry.BroadcastToApps(env)
	return true
}

func isProtocolErr(err error) bool {
	return err != nil && errors.Is(err, relayerr.Protocol)
}

// handleAppWS serves /ws/app. Authentication is a bearer JWT passed as the
// ?token= query parameter, since browsers cannot set headers on the
// WebSocket upgrade request.
func (s *Server) handleAppWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	claims, err := authjwt.ValidateAppJWT(s.JWTSecret, token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ac := s.Registry.AddApp(claims.Username, conn)
	defer s.Registry.RemoveApp(ac)
	log.Printf("sbrouter: app %s connected", claims.Username)

	ctx := r.Context()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ac.Dropped():
				conn.Close(websocket.StatusTryAgainLater, "too slow")
				return
			case env, ok := <-ac.Send:
				if !ok {
					return
				}
				if err := writeEnvelope(ctx, conn, env); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var env relayproto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		s.handleAppMessage(ctx, ac, env)
	}

	<-done
	conn.Close(websocket.StatusNormalClosure, "closing")
}

// handleAppMessage processes one envelope read from an app connection:
// run.send_input/run.stop/run.permission.* are commands routed to the
// run's owning host; rpc.<op> requests are routed by data.host_id or by
// the envelope's run_id and recorded for response correlation.
func (s *Server) handleAppMessage(ctx context.Context, ac *AppConn, env relayproto.Envelope) {
	switch env.Type {
	case relayproto.TypeRunSendInput, relayproto.TypeRunStop,
		relayproto.TypeRunPermissionApprove, relayproto.TypeRunPermissionDeny:
		if err := s.forwardRunCommand(ctx, env); err != nil {
			s.sendAppError(ac, err.Error())
		}

	case relayproto.TypeRPCResponse:
		// An app never legitimately sends this; ignore.

	default:
		if strings.HasPrefix(env.Type, relayproto.RPCPrefix) {
			s.forwardRPCRequest(ctx, ac, env)
			return
		}
		log.Printf("sbrouter: unhandled app envelope type %q", env.Type)
	}
}

// forwardRunCommand resolves run_id to its owning host and forwards env
// unmodified. It never queues: a command for a run whose host is offline
// is rejected, not retried later.
func (s *Server) forwardRunCommand(ctx context.Context, env relayproto.Envelope) error {
	run, err := s.Store.GetRun(ctx, env.RunID)
	if err != nil {
		return fmt.Errorf("unknown run %s", env.RunID)
	}
	hc, ok := s.Registry.GetHost(run.HostID)
	if !ok {
		return fmt.Errorf("host for run %s is offline", env.RunID)
	}
	select {
	case hc.Send <- env:
		return nil
	default:
		return fmt.Errorf("host %s send queue full", run.HostID)
	}
}

// forwardRPCRequest resolves an rpc.<op> request to a target host, records
// the originating app connection for correlation, and forwards the
// envelope. Requests with no run_id are routed by data.host_id.
func (s *Server) forwardRPCRequest(ctx context.Context, ac *AppConn, env relayproto.Envelope) {
	var req relayproto.RPCRequestData
	if err := json.Unmarshal(env.Data, &req); err != nil || req.RequestID == "" {
		s.sendAppError(ac, "invalid rpc request")
		return
	}

	hostID := req.HostID
	if hostID == "" && env.RunID != "" {
		run, err := s.Store.GetRun(ctx, env.RunID)
		if err != nil {
			s.sendAppError(ac, fmt.Sprintf("unknown run %s", env.RunID))
			return
		}
		hostID = run.HostID
	}
	if hostID == "" {
		s.sendAppError(ac, "rpc request names no host_id or run_id")
		return
	}

	hc, ok := s.Registry.GetHost(hostID)
	if !ok {
		s.sendAppError(ac, fmt.Sprintf("host %s is offline", hostID))
		return
	}

	s.rpcMu.Lock()
	s.rpcPending[req.RequestID] = ac
	s.rpcMu.Unlock()

	select {
	case hc.Send <- env:
	default:
		s.rpcMu.Lock()
		delete(s.rpcPending, req.RequestID)
		s.rpcMu.Unlock()
		s.sendAppError(ac, fmt.Sprintf("host %s send queue full", hostID))
	}
}

// correlateRPCResponse delivers a host's rpc.response to whichever app
// connection issued the matching request. A response with no matching
// pending request (already delivered, or the app disconnected) is
// dropped.
func (s *Server) correlateRPCResponse(env relayproto.Envelope) {
	var resp relayproto.RPCResponseData
	if err := json.Unmarshal(env.Data, &resp); err != nil || resp.RequestID == "" {
		return
	}
	s.rpcMu.Lock()
	ac, ok := s.rpcPending[resp.RequestID]
	if ok {
		delete(s.rpcPending, resp.RequestID)
	}
	s.rpcMu.Unlock()
	if !ok {
		return
	}
	select {
	case ac.Send <- env:
	default:
	}
}

func (s *Server) sendAppError(ac *AppConn, msg string) {
	data, _ := json.Marshal(relayproto.ErrorData{Error: msg})
	env := relayproto.Envelope{Type: relayproto.TypeError, TS: nowRFC3339(), Data: data}
	select {
	case ac.Send <- env:
	default:
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env relayproto.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
