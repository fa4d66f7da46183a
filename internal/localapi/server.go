// Package localapi is the host daemon's unix-socket control surface: the
// local CLI and any same-host tooling talk to a running daemon over this
// JSON/HTTP API rather than reaching into its process directly. Grounded
// on internal/transport/server.go's Server/ListenAndServe/registerRoutes
// shape (net.Listen("unix", ...), stale-socket cleanup, http.ServeMux
// with Go 1.22+ method+path patterns, graceful shutdown).
package localapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aipper/relay/internal/ptyrunner"
	"github.com/aipper/relay/internal/spool"
	"github.com/aipper/relay/internal/toolbridge"
)

// Server exposes the host daemon's run pool over a unix socket.
type Server struct {
	pool       *ptyrunner.Pool
	bridge     *toolbridge.Bridge
	socketPath string

	compactionMu    sync.RWMutex
	compactionStats spool.CompactionStats
}

func NewServer(pool *ptyrunner.Pool, bridge *toolbridge.Bridge, socketPath string) *Server {
	return &Server{pool: pool, bridge: bridge, socketPath: socketPath}
}

// SetCompactionStats records the most recent spool compaction pass's stats,
// surfaced as a diagnostic field on GET /runs.
func (s *Server) SetCompactionStats(stats spool.CompactionStats) {
	s.compactionMu.Lock()
	s.compactionStats = stats
	s.compactionMu.Unlock()
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully
// and removes the socket file.
func (s *Server) ListenAndServe(ctx context.Context) error {
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.socketPath, err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		os.Remove(s.socketPath)
		return nil
	case err := <-errCh:
		os.Remove(s.socketPath)
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /runs", s.handleCreateRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("POST /runs/{id}/input", s.handleInput)
	mux.HandleFunc("POST /runs/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /runs/{id}/resize", s.handleResize)
	mux.HandleFunc("GET /runs/{id}/fs/read", s.handleFSRead)
	mux.HandleFunc("GET /runs/{id}/fs/list", s.handleFSList)
	mux.HandleFunc("GET /runs/{id}/fs/search", s.handleFSSearch)
	mux.HandleFunc("GET /runs/{id}/git/status", s.handleGitStatus)
	mux.HandleFunc("GET /runs/{id}/git/diff", s.handleGitDiff)
}

type createRunRequest struct {
	Tool string   `json:"tool"`
	CWD  string   `json:"cwd"`
	Args []string `json:"args,omitempty"`
}

type runResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

// listRunsResponse wraps the run list with an optional spool-compaction
// diagnostic, grounded in the teacher's habit of surfacing operational
// counters on its status endpoint. Compaction is omitted unless the most
// recently recorded compaction pass coalesced events or reclaimed bytes.
type listRunsResponse struct {
	Runs       []runResponse          `json:"runs"`
	Compaction *spool.CompactionStats `json:"compaction,omitempty"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Tool == "" {
		writeError(w, http.StatusBadRequest, "tool is required")
		return
	}
	if req.CWD == "" {
		writeError(w, http.StatusBadRequest, "cwd is required")
		return
	}

	runID := uuid.NewString()
	run, err := s.pool.Start(r.Context(), runID, req.Tool, req.CWD, req.Args)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, runResponse{RunID: runID, Status: string(run.Status())})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ids := s.pool.List()
	result := make([]runResponse, 0, len(ids))
	for _, id := range ids {
		run, ok := s.pool.Get(id)
		if !ok {
			continue
		}
		result = append(result, runResponse{RunID: id, Status: string(run.Status())})
	}

	resp := listRunsResponse{Runs: result}
	s.compactionMu.RLock()
	stats := s.compactionStats
	s.compactionMu.RUnlock()
	if stats.EventsCoalesced > 0 || stats.BytesReclaimed > 0 {
		resp.Compaction = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

type inputRequest struct {
	InputID string `json:"input_id"`
	Text    string `json:"text"`
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runFromPath(w, r)
	if !ok {
		return
	}
	var req inputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.InputID == "" {
		req.InputID = uuid.NewString()
	}
	if err := run.Input(r.Context(), req.InputID, req.Text); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stopRequest struct {
	Signal string `json:"signal"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runFromPath(w, r)
	if !ok {
		return
	}
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Signal == "" {
		req.Signal = "term"
	}
	if err := run.Stop(req.Signal); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type resizeRequest struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		writeError(w, http.StatusBadRequest, "cols and rows must be non-zero")
		return
	}
	if err := s.pool.Resize(id, req.Cols, req.Rows); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFSRead(w http.ResponseWriter, r *http.Request) {
	s.handleTool(w, r, toolbridge.OpFSRead, map[string]any{"path": r.URL.Query().Get("path")})
}

func (s *Server) handleFSList(w http.ResponseWriter, r *http.Request) {
	s.handleTool(w, r, toolbridge.OpFSList, map[string]any{"path": r.URL.Query().Get("path")})
}

func (s *Server) handleFSSearch(w http.ResponseWriter, r *http.Request) {
	s.handleTool(w, r, toolbridge.OpFSSearch, map[string]any{"q": r.URL.Query().Get("q")})
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	s.handleTool(w, r, toolbridge.OpGitStatus, nil)
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	params := map[string]any{}
	if path := r.URL.Query().Get("path"); path != "" {
		params["path"] = path
	}
	s.handleTool(w, r, toolbridge.OpGitDiff, params)
}

type toolResultResponse struct {
	Output     string `json:"output"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request, op string, params map[string]any) {
	run, ok := s.runFromPath(w, r)
	if !ok {
		return
	}
	res, err := run.ExecuteTool(r.Context(), op, params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if res.Error != "" {
		writeError(w, http.StatusBadRequest, res.Error)
		return
	}
	writeJSON(w, http.StatusOK, toolResultResponse{Output: res.Output, Truncated: res.Truncated, DurationMS: res.DurationMS})
}

func (s *Server) runFromPath(w http.ResponseWriter, r *http.Request) (*ptyrunner.Runner, bool) {
	id := r.PathValue("id")
	run, ok := s.pool.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	return run, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
