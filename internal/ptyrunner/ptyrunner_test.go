package ptyrunner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aipper/relay/internal/approval"
	"github.com/aipper/relay/internal/redact"
	"github.com/aipper/relay/internal/relayproto"
	"github.com/aipper/relay/internal/toolbridge"
)

// recordingSink collects every emitted event for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	runID string
	typ   string
	data  any
}

func (s *recordingSink) Emit(ctx context.Context, runID, eventType string, data any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{runID, eventType, data})
	return nil
}

func (s *recordingSink) find(typ string) []recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []recordedEvent
	for _, e := range s.events {
		if e.typ == typ {
			out = append(out, e)
		}
	}
	return out
}

func (s *recordingSink) waitFor(t *testing.T, typ string, timeout time.Duration) recordedEvent {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := s.find(typ); len(got) > 0 {
			return got[len(got)-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %q", typ)
	return recordedEvent{}
}

func newTestRunner(t *testing.T, tool string) (*Runner, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	r := New("run-1", "host-1", tool, t.TempDir(), sink, approval.New(), toolbridge.New(), redact.New(nil))
	return r, sink
}

func TestRunnerLifecycleEchoExits(t *testing.T) {
	r, sink := newTestRunner(t, "echo")
	binary, err := ResolveBinary("echo", nil)
	if err != nil {
		t.Skipf("echo not on PATH: %v", err)
	}

	ctx := context.Background()
	if err := r.Start(ctx, binary, []string{"hello-relay"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sink.waitFor(t, "run.started", time.Second)
	r.Wait()

	exitEv := sink.waitFor(t, "run.exited", time.Second)
	exited := exitEv.data.(relayproto.RunExitedData)
	if exited.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", exited.ExitCode)
	}

	outputs := sink.find("run.output")
	var all strings.Builder
	for _, ev := range outputs {
		all.WriteString(ev.data.(relayproto.RunOutputData).Text)
	}
	if !strings.Contains(all.String(), "hello-relay") {
		t.Fatalf("output %q does not contain echoed text", all.String())
	}
}

func TestRunnerInputIdempotency(t *testing.T) {
	r, sink := newTestRunner(t, "cat")
	binary, err := ResolveBinary("cat", nil)
	if err != nil {
		t.Skipf("cat not on PATH: %v", err)
	}

	ctx := context.Background()
	if err := r.Start(ctx, binary, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sink.waitFor(t, "run.started", time.Second)

	if err := r.Input(ctx, "input-1", "hi\n"); err != nil {
		t.Fatalf("Input: %v", err)
	}
	if err := r.Input(ctx, "input-1", "hi\n"); err != nil {
		t.Fatalf("duplicate Input: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	inputs := sink.find("run.input")
	if len(inputs) != 1 {
		t.Fatalf("got %d run.input events, want exactly 1 for a duplicated input_id", len(inputs))
	}

	r.Stop("term")
	r.Wait()
}

func TestRunnerStopKillTerminatesChild(t *testing.T) {
	r, sink := newTestRunner(t, "sleep")
	binary, err := ResolveBinary("sleep", nil)
	if err != nil {
		t.Skipf("sleep not on PATH: %v", err)
	}

	ctx := context.Background()
	if err := r.Start(ctx, binary, []string{"300"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	sink.waitFor(t, "run.started", time.Second)

	if err := r.Stop("kill"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-r.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not exit after kill signal")
	}
}

func TestRunnerToolBridgingDeniedByOperator(t *testing.T) {
	r, _ := newTestRunner(t, "cat")
	binary, err := ResolveBinary("cat", nil)
	if err != nil {
		t.Skipf("cat not on PATH: %v", err)
	}
	ctx := context.Background()
	if err := r.Start(ctx, binary, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan toolbridge.Result, 1)
	go func() {
		res, _ := r.ExecuteTool(ctx, toolbridge.OpFSWrite, map[string]any{"path": "x.txt", "content": "y"})
		done <- res
	}()

	var requestID string
	for i := 0; i < 200; i++ {
		if req, ok := r.approvals.Pending(r.RunID); ok {
			requestID = req.RequestID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if requestID == "" {
		t.Fatal("no permission request opened for gated op")
	}

	if err := r.Decide(requestID, false); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	select {
	case res := <-done:
		if res.Error == "" {
			t.Fatal("expected denied result to carry an error")
		}
	case <-time.After(time.Second):
		t.Fatal("ExecuteTool did not return after denial")
	}

	r.Stop("kill")
	r.Wait()
}

func TestRunnerToolBridgingRedactsArgsAndCorrelatesRequestID(t *testing.T) {
	r, sink := newTestRunner(t, "cat")
	binary, err := ResolveBinary("cat", nil)
	if err != nil {
		t.Skipf("cat not on PATH: %v", err)
	}
	ctx := context.Background()
	if err := r.Start(ctx, binary, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan toolbridge.Result, 1)
	go func() {
		res, _ := r.ExecuteTool(ctx, toolbridge.OpFSWrite, map[string]any{
			"path":    "secrets.env",
			"api_key": "sk-abcdefghijklmno",
			"content": "irrelevant",
		})
		done <- res
	}()

	var requestID string
	for i := 0; i < 200; i++ {
		if req, ok := r.approvals.Pending(r.RunID); ok {
			requestID = req.RequestID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if requestID == "" {
		t.Fatal("no permission request opened for gated op")
	}
	if err := r.Decide(requestID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ExecuteTool did not return after approval")
	}

	callEvt := sink.waitFor(t, relayproto.TypeToolCall, time.Second)
	call, ok := callEvt.data.(relayproto.ToolCallData)
	if !ok {
		t.Fatalf("tool.call data has unexpected type %T", callEvt.data)
	}
	if call.RequestID == "" || call.RequestID != requestID {
		t.Fatalf("tool.call request_id = %q, want %q", call.RequestID, requestID)
	}
	if got, _ := call.Args["api_key"].(string); got != "***REDACTED***" {
		t.Fatalf("tool.call args api_key = %q, want redacted", got)
	}

	resultEvts := sink.find(relayproto.TypeToolResult)
	if len(resultEvts) == 0 {
		t.Fatal("no tool.result emitted")
	}
	result, ok := resultEvts[len(resultEvts)-1].data.(relayproto.ToolResultData)
	if !ok {
		t.Fatalf("tool.result data has unexpected type %T", resultEvts[len(resultEvts)-1].data)
	}
	if result.RequestID != call.RequestID {
		t.Fatalf("tool.result request_id = %q, want %q (matching tool.call)", result.RequestID, call.RequestID)
	}

	r.Stop("kill")
	r.Wait()
}

func TestRunnerToolBridgingApproved(t *testing.T) {
	r, _ := newTestRunner(t, "cat")
	binary, err := ResolveBinary("cat", nil)
	if err != nil {
		t.Skipf("cat not on PATH: %v", err)
	}
	ctx := context.Background()
	if err := r.Start(ctx, binary, nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan toolbridge.Result, 1)
	go func() {
		res, _ := r.ExecuteTool(ctx, toolbridge.OpFSWrite, map[string]any{"path": "ok.txt", "content": "z"})
		done <- res
	}()

	var requestID string
	for i := 0; i < 200; i++ {
		if req, ok := r.approvals.Pending(r.RunID); ok {
			requestID = req.RequestID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if requestID == "" {
		t.Fatal("no permission request opened for gated op")
	}
	if err := r.Decide(requestID, true); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	select {
	case res := <-done:
		if res.Error != "" {
			t.Fatalf("approved write returned error: %s", res.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("ExecuteTool did not return after approval")
	}

	r.Stop("kill")
	r.Wait()
}
