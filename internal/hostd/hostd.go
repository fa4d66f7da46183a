// Package hostd is the host daemon's composition root: it wires the spool,
// the PTY run pool, the local unix-socket control API, and the outbound
// uplink together and runs them until signaled to stop. Grounded on
// internal/daemon.Run's store-open/signal-handling/error-channel shape,
// generalized from the teacher's single in-process store+timeline engine
// to this module's spool+pool+uplink+localapi composition.
package hostd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aipper/relay/internal/config"
	"github.com/aipper/relay/internal/localapi"
	"github.com/aipper/relay/internal/logger"
	"github.com/aipper/relay/internal/ptyrunner"
	"github.com/aipper/relay/internal/redact"
	"github.com/aipper/relay/internal/relayproto"
	"github.com/aipper/relay/internal/spool"
	"github.com/aipper/relay/internal/toolbridge"
	"github.com/aipper/relay/internal/uplink"
)

// Run takes the host daemon's already-loaded configuration, opens its spool, and serves
// the local control API and the broker uplink until ctx is canceled or a
// termination signal arrives.
func Run(ctx context.Context, cfg config.HostConfig) error {
	sp, err := spool.Open(cfg.SpoolDBPath)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer sp.Close()

	tw, err := config.NewToolsWatcher(cfg.ToolsConfigPath)
	if err != nil {
		return fmt.Errorf("load tools config: %w", err)
	}
	defer tw.Close()

	redactor := redact.New(tw.Patterns())
	tw.OnReload(redactor.SetExtra)
	sink := newSpoolSink(sp)
	pool := ptyrunner.NewPool(cfg.HostID, sink, redactor, tw.Binaries)
	bridge := toolbridge.New()

	local := localapi.NewServer(pool, bridge, cfg.LocalUnixSocket)

	up := &uplink.Client{
		URL:       cfg.ServerBaseURL,
		HostID:    cfg.HostID,
		HostToken: cfg.HostToken,
		Name:      cfg.HostID,
		Spool:     sp,
		Pool:      pool,
		OnStateChange: func(state string, err error) {
			if err != nil {
				logger.Error("uplink state change", "state", state, "err", err)
			} else {
				logger.Info("uplink state change", "state", state)
			}
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("local control API listening", "socket", cfg.LocalUnixSocket)
		errCh <- local.ListenAndServe(runCtx)
	}()
	go func() {
		errCh <- up.Run(runCtx)
	}()
	go compactionLoop(runCtx, sp, cfg.SpoolMaxRows, local)

	logger.Info("hostd started", "host_id", cfg.HostID, "server", cfg.ServerBaseURL)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
		pool.StopAll("term")
		cancel()
		time.Sleep(time.Second)
	case err := <-errCh:
		cancel()
		if err != nil && err != context.Canceled {
			return fmt.Errorf("hostd: %w", err)
		}
	}
	return nil
}

// spoolSink assigns each event its run-scoped sequence number and appends
// it to the durable spool before the uplink is allowed to send it (spec
// §4.2). A per-run mutex serializes the read-then-insert of NextSeq so
// two goroutines emitting for the same run never race onto the same seq.
type spoolSink struct {
	sp *spool.Spool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSpoolSink(sp *spool.Spool) *spoolSink {
	return &spoolSink{sp: sp, locks: make(map[string]*sync.Mutex)}
}

func (s *spoolSink) runLock(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

func (s *spoolSink) Emit(ctx context.Context, runID, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	lock := s.runLock(runID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := s.sp.NextSeq(ctx, runID)
	if err != nil {
		return fmt.Errorf("assign seq: %w", err)
	}
	return s.sp.Append(ctx, spool.Event{
		RunID: runID,
		Seq:   seq,
		Type:  eventType,
		TS:    spool.Now(),
		Data:  payload,
	})
}

// compactionLoop runs CompactOverflow every ten minutes to keep the spool
// within maxRows (spec §4.2), recording each pass's stats on local so
// GET /runs can surface them as a diagnostic field.
func compactionLoop(ctx context.Context, sp *spool.Spool, maxRows int, local *localapi.Server) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := sp.CompactOverflow(ctx, maxRows, runOutputStreamOf)
			if err != nil {
				logger.Error("spool compaction failed", "err", err)
				continue
			}
			if stats.EventsCoalesced > 0 {
				logger.Info("spool compaction",
					"events_coalesced", stats.EventsCoalesced,
					"bytes_reclaimed", stats.BytesReclaimed)
			}
			local.SetCompactionStats(stats)
		}
	}
}

// runOutputStreamOf decodes a spool row's JSON payload as run.output data,
// the only event type CompactOverflow is allowed to coalesce.
func runOutputStreamOf(data []byte) (stream string, text string, ok bool) {
	var out relayproto.RunOutputData
	if err := json.Unmarshal(data, &out); err != nil {
		return "", "", false
	}
	return out.Stream, out.Text, true
}
