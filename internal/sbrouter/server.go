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
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/aipper/relay/internal/authjwt"
	"github.com/aipper/relay/internal/eventstore"
	"github.com/aipper/relay/internal/relayproto"
)

// Config is the subset of config.BrokerConfig the router needs; kept as
// its own type so this package does not import internal/config (which in
// turn would pull in fsnotify/yaml for a server that needs neither).
type Config struct {
	JWTSecret         string
	AdminUsername     string
	AdminPasswordHash string
	WebDistDir        string
	LogPath           string
}

// Server is the server broker's HTTP and WebSocket surface.
type Server struct {
	Store     *eventstore.Store
	Registry  *Registry
	Config    Config
	JWTSecret []byte

	mux *http.ServeMux

	loginLimiter *ipRateLimiter
	apiLimiter   *ipRateLimiter

	rpcMu      sync.Mutex
	rpcPending map[string]*AppConn
}

// NewServer builds a Server with store as the durable backend, wires the
// routes named in spec §6, and bootstraps the admin user from
// cfg.AdminUsername/AdminPasswordHash, replacing any stored hash for
// that username.
func NewServer(store *eventstore.Store, cfg Config) (*Server, error) {
	s := &Server{
		Store:        store,
		Registry:     NewRegistry(),
		Config:       cfg,
		JWTSecret:    []byte(cfg.JWTSecret),
		mux:          http.NewServeMux(),
		loginLimiter: newIPRateLimiter(0.5, 5),
		apiLimiter:   newIPRateLimiter(20, 40),
		rpcPending:   make(map[string]*AppConn),
	}

	if cfg.AdminUsername != "" && cfg.AdminPasswordHash != "" {
		if err := store.UpsertUser(context.Background(), cfg.AdminUsername, cfg.AdminPasswordHash); err != nil {
			return nil, fmt.Errorf("bootstrap admin user: %w", err)
		}
	}

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /auth/login", s.loginLimiter.limit(s.handleLogin))
	s.mux.HandleFunc("GET /hosts", s.authed(s.apiLimiter.limit(s.handleListHosts)))
	s.mux.HandleFunc("GET /sessions", s.authed(s.apiLimiter.limit(s.handleListSessions)))
	s.mux.HandleFunc("GET /sessions/recent", s.authed(s.apiLimiter.limit(s.handleRecentSessions)))
	s.mux.HandleFunc("GET /sessions/{run_id}", s.authed(s.apiLimiter.limit(s.handleGetSession)))
	s.mux.HandleFunc("GET /sessions/{run_id}/messages", s.authed(s.apiLimiter.limit(s.handleMessages)))
	s.mux.HandleFunc("POST /runs/{run_id}/input", s.authed(s.apiLimiter.limit(s.handleRunInput)))
	s.mux.HandleFunc("GET /server/logs/tail", s.authed(s.apiLimiter.limit(s.handleLogsTail)))

	s.mux.HandleFunc("GET /ws/app", s.handleAppWS)
	s.mux.HandleFunc("GET /ws/host", s.handleHostWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// authed wraps h with bearer-JWT authentication, matching every REST
// endpoint in spec §6's HTTP table except /health and /auth/login.
func (s *Server) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.authenticateRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), usernameKey{}, claims.Username))
		h(w, r)
	}
}

type usernameKey struct{}

func (s *Server) authenticateRequest(r *http.Request) (*authjwt.Claims, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, fmt.Errorf("missing bearer token")
	}
	return authjwt.ValidateAppJWT(s.JWTSecret, token)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"name": "relay-sbd", "version": "dev"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	user, err := s.Store.GetUser(r.Context(), req.Username)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, _, err := authjwt.IssueAppJWT(s.JWTSecret, user.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issue token failed")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: token})
}

type hostDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	LastSeenAt string `json:"last_seen_at,omitempty"`
	Online     bool   `json:"online"`
}

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Store.ListHosts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]hostDTO, 0, len(rows))
	for _, h := range rows {
		out = append(out, hostDTO{
			ID:         h.HostID,
			Name:       h.Name,
			LastSeenAt: h.LastSeenAt.String,
			Online:     s.Registry.HostOnline(h.HostID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Store.ListRuns(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toRunRowDTOs(rows))
}

func (s *Server) handleRecentSessions(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	rows, err := s.Store.ListRecentRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toRunRowDTOs(rows))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	row, err := s.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, toRunRowDTO(row))
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		var b int64
		if _, err := fmt.Sscanf(v, "%d", &b); err == nil {
			before = &b
		}
	}
	msgs, err := s.Store.Messages(r.Context(), runID, limit, before)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type runInputRequest struct {
	InputID string `json:"input_id"`
	Text    string `json:"text"`
}

// handleRunInput implements POST /runs/:run_id/input: it forwards the
// request as a run.send_input command to the run's owning host, the same
// path an app WS peer's run.send_input envelope takes.
func (s *Server) handleRunInput(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	var req runInputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	data, _ := json.Marshal(relayproto.RunSendInputData{InputID: req.InputID, Text: req.Text})
	env := relayproto.Envelope{Type: relayproto.TypeRunSendInput, TS: nowRFC3339(), RunID: runID, Data: data}
	if err := s.forwardRunCommand(r.Context(), env); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "ok"})
}

func (s *Server) handleLogsTail(w http.ResponseWriter, r *http.Request) {
	if s.Config.LogPath == "" {
		writeError(w, http.StatusNotFound, "no log path configured")
		return
	}
	maxBytes := 64 * 1024
	if v := r.URL.Query().Get("max_bytes"); v != "" {
		fmt.Sscanf(v, "%d", &maxBytes)
	}
	lines := 0
	if v := r.URL.Query().Get("lines"); v != "" {
		fmt.Sscanf(v, "%d", &lines)
	}

	text, truncated, err := tailFile(s.Config.LogPath, maxBytes, lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":      s.Config.LogPath,
		"text":      text,
		"truncated": truncated,
	})
}

type runRowDTO struct {
	ID                    string `json:"id"`
	HostID                string `json:"host_id"`
	Tool                  string `json:"tool"`
	CWD                   string `json:"cwd"`
	Status                string `json:"status"`
	StartedAt             string `json:"started_at"`
	LastActiveAt          string `json:"last_active_at,omitempty"`
	PendingRequestID       string `json:"pending_request_id,omitempty"`
	PendingReason          string `json:"pending_reason,omitempty"`
	PendingPrompt          string `json:"pending_prompt,omitempty"`
	PendingOpTool          string `json:"pending_op_tool,omitempty"`
	PendingOpArgsSummary   string `json:"pending_op_args_summary,omitempty"`
	EndedAt                string `json:"ended_at,omitempty"`
	ExitCode               *int64 `json:"exit_code,omitempty"`
}

func toRunRowDTO(r eventstore.RunRow) runRowDTO {
	dto := runRowDTO{
		ID:                   r.RunID,
		HostID:               r.HostID,
		Tool:                 r.Tool,
		CWD:                  r.CWD,
		Status:               r.Status,
		StartedAt:            r.StartedAt,
		LastActiveAt:         r.LastActiveAt.String,
		PendingRequestID:     r.PendingRequestID.String,
		PendingReason:        r.PendingReason.String,
		PendingPrompt:        r.PendingPrompt.String,
		PendingOpTool:        r.PendingOpTool.String,
		PendingOpArgsSummary: r.PendingOpArgsSummary.String,
		EndedAt:              r.EndedAt.String,
	}
	if r.ExitCode.Valid {
		dto.ExitCode = &r.ExitCode.Int64
	}
	return dto
}

func toRunRowDTOs(rows []eventstore.RunRow) []runRowDTO {
	out := make([]runRowDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRunRowDTO(r))
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// GracefulShutdown shuts down httpSrv, waiting up to timeout for it to
// finish. It does not drain the per-peer send queues, and it does not
// close the open host and app WebSocket connections with 1001.
func (s *Server) GracefulShutdown(httpSrv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}
