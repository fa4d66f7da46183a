package ptyrunner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/aipper/relay/internal/approval"
	"github.com/aipper/relay/internal/relayproto"
	"github.com/aipper/relay/internal/toolbridge"
)

// maxArgsSummaryLen bounds op_args_summary to the ≤80-char line spec.md:242
// expects to fit in an operator's approval prompt.
const maxArgsSummaryLen = 80

// redactedArgs runs args through the run's redactor so neither the
// approval request nor the tool.call event ever carries an unredacted
// secret (spec §4.6: redaction applies before any tool argument is
// persisted or shipped to SB). A nil args is returned as nil.
func (r *Runner) redactedArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	redacted, _ := r.redactor.JSONValue(args).(map[string]any)
	return redacted
}

// summarizeArgs renders op plus its (already redacted) args as a single
// line truncated to maxArgsSummaryLen, for display in an approval prompt
// or the runs list.
func summarizeArgs(op string, redactedArgs map[string]any) string {
	summary := op
	if len(redactedArgs) > 0 {
		if b, err := json.Marshal(redactedArgs); err == nil {
			summary = op + " " + string(b)
		}
	}
	if len(summary) > maxArgsSummaryLen {
		summary = summary[:maxArgsSummaryLen-1] + "…"
	}
	return summary
}

// ExecuteTool runs a tool-bridge op on this run's behalf, gating it on
// operator approval first when toolbridge.RequiresPermission says so. A
// dispatched call emits tool.call before dispatching and tool.result
// after. A denied call emits only a failing tool.result, and if waiting
// for the decision fails, neither event is emitted. The emitted
// events, and any permission request opened along the way, share one
// request_id so a message-projection consumer can correlate concurrent
// calls on the same run (spec.md:465).
func (r *Runner) ExecuteTool(ctx context.Context, op string, args map[string]any) (toolbridge.Result, error) {
	requestID := uuid.NewString()
	redacted := r.redactedArgs(args)

	if toolbridge.RequiresPermission(op) {
		approved, err := r.awaitApproval(ctx, requestID, op, redacted)
		if err != nil {
			return toolbridge.Result{}, err
		}
		if !approved {
			res := toolbridge.Result{Error: "denied by operator"}
			r.emit(ctx, relayproto.TypeToolResult, relayproto.ToolResultData{RequestID: requestID, OK: false, Error: res.Error})
			return res, nil
		}
	}

	r.emit(ctx, relayproto.TypeToolCall, relayproto.ToolCallData{RequestID: requestID, Tool: op, Args: redacted})
	res, err := r.bridge.Dispatch(ctx, r.CWD, op, args)
	if err != nil {
		r.emit(ctx, relayproto.TypeToolResult, relayproto.ToolResultData{RequestID: requestID, OK: false, Error: err.Error()})
		return res, err
	}
	r.emit(ctx, relayproto.TypeToolResult, relayproto.ToolResultData{
		RequestID:  requestID,
		OK:         res.Error == "",
		Error:      res.Error,
		Output:     res.Output,
		Truncated:  res.Truncated,
		DurationMS: res.DurationMS,
	})
	return res, nil
}

// awaitApproval opens a permission request under requestID, emits
// run.permission_requested, and blocks until Decide is called for this
// request or ctx is canceled. redactedArgs must already have passed
// through the run's redactor.
func (r *Runner) awaitApproval(ctx context.Context, requestID, op string, redactedArgs map[string]any) (bool, error) {
	req := approval.Request{
		RequestID:     requestID,
		OpTool:        op,
		OpArgsSummary: summarizeArgs(op, redactedArgs),
		OpArgs:        redactedArgs,
		Prompt:        fmt.Sprintf("allow %s?", op),
	}
	if err := r.approvals.Open(r.RunID, req); err != nil {
		return false, err
	}

	decision := make(chan bool, 1)
	r.mu.Lock()
	r.decisions[requestID] = decision
	r.status = StatusAwaitingApproval
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.decisions, requestID)
		if r.status == StatusAwaitingApproval {
			r.status = StatusRunning
		}
		r.mu.Unlock()
	}()

	r.emit(ctx, relayproto.TypeRunPermissionRequested, relayproto.RunPermissionRequestedData{
		RequestID:     requestID,
		Prompt:        req.Prompt,
		OpTool:        req.OpTool,
		OpArgsSummary: req.OpArgsSummary,
		OpArgs:        req.OpArgs,
	})

	select {
	case approved := <-decision:
		return approved, nil
	case <-r.exited:
		return false, fmt.Errorf("run %s exited while awaiting approval for %s", r.RunID, requestID)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Decide delivers an operator's approve/deny decision for requestID. It
// resolves the open approval.Engine request and, if one is waiting,
// unblocks the corresponding ExecuteTool call. A decision for a stale or
// unknown request_id returns relayerr.Protocol/NotFound and is otherwise a
// no-op.
func (r *Runner) Decide(requestID string, approve bool) error {
	if _, err := r.approvals.Resolve(r.RunID, requestID); err != nil {
		return err
	}
	r.mu.Lock()
	ch, ok := r.decisions[requestID]
	r.mu.Unlock()
	if ok {
		ch <- approve
	}
	return nil
}
