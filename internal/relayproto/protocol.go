// Package relayproto defines the wire envelope and typed event/RPC payloads
// shared by the host daemon's uplink and the server broker's router. Every
// message that crosses a WebSocket is a JSON object carrying at least a
// type field; a reader decodes the envelope first, then re-decodes Data
// into the concrete payload once Type is known.
package relayproto

import "encoding/json"

// Event type constants (stable; spec §6). Adding a constant is always
// safe; renaming or removing one is not.
const (
	TypeRunStarted             = "run.started"
	TypeRunOutput               = "run.output"
	TypeRunAwaitingInput        = "run.awaiting_input"
	TypeRunInput                = "run.input"
	TypeRunExited                = "run.exited"
	TypeRunPermissionRequested   = "run.permission_requested"
	TypeRunPermissionApprove     = "run.permission.approve"
	TypeRunPermissionDeny        = "run.permission.deny"
	TypeRunSendInput             = "run.send_input"
	TypeRunStop                  = "run.stop"
	TypeRunAck                   = "run.ack"
	TypeToolCall                 = "tool.call"
	TypeToolResult               = "tool.result"
	TypeRPCResponse              = "rpc.response"

	// TypeHostRegister is the first message a host connection must send on
	// /ws/host; it is not itself a persisted event.
	TypeHostRegister = "host.register"
)

// RPCPrefix is the common prefix of all dynamically-named "rpc.<op>"
// envelopes, e.g. "rpc.fs.write", "rpc.run.start".
const RPCPrefix = "rpc."

// Envelope is the outer, always-present shape of every message on the
// wire. Data is kept as json.RawMessage so routing code can inspect Type
// before committing to a concrete payload struct, and so SB can forward an
// envelope to another peer without round-tripping through a typed struct.
type Envelope struct {
	Type   string          `json:"type"`
	TS     string          `json:"ts,omitempty"` // ISO-8601 UTC
	HostID string          `json:"host_id,omitempty"`
	RunID  string          `json:"run_id,omitempty"`
	Seq    int64           `json:"seq,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// RunStartedData is the payload of run.started.
type RunStartedData struct {
	Tool string `json:"tool"`
	CWD  string `json:"cwd"`
}

// RunOutputData is the payload of run.output. Stream is "stdout" or
// "stderr"; a PTY-backed run shares one master fd so Stream is always
// "stdout" for it.
type RunOutputData struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// RunAwaitingInputData carries the best-effort prompt text that triggered
// the heuristic transition to awaiting_input. Empty when the transition
// instead came from a tool-originated prompt request.
type RunAwaitingInputData struct {
	Prompt string `json:"prompt,omitempty"`
}

// RunInputData is the payload of run.input. TextRedacted has had secrets
// scrubbed; SHA256 is the hex digest of the original bytes delivered to
// the PTY. The raw bytes are never part of this struct or persisted.
type RunInputData struct {
	InputID      string `json:"input_id"`
	TextRedacted string `json:"text_redacted"`
	SHA256       string `json:"text_sha256"`
}

// RunExitedData is the payload of run.exited.
type RunExitedData struct {
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// RunPermissionRequestedData is the payload of run.permission_requested.
type RunPermissionRequestedData struct {
	RequestID     string         `json:"request_id"`
	Reason        string         `json:"reason,omitempty"`
	Prompt        string         `json:"prompt"`
	OpTool        string         `json:"op_tool"`
	OpArgsSummary string         `json:"op_args_summary"`
	OpArgs        map[string]any `json:"op_args,omitempty"`
	ApproveText   string         `json:"approve_text,omitempty"`
	DenyText      string         `json:"deny_text,omitempty"`
}

// RunPermissionDecisionData is the payload of run.permission.approve and
// run.permission.deny.
type RunPermissionDecisionData struct {
	RequestID string `json:"request_id"`
}

// RunSendInputData is the payload of run.send_input, the app-originated
// command that becomes a run.input event once HD accepts it.
type RunSendInputData struct {
	InputID string `json:"input_id"`
	Text    string `json:"text"`
}

// RunStopData is the payload of run.stop.
type RunStopData struct {
	Signal string `json:"signal"` // "int", "term", or "kill"
}

// RunAckData is the payload of run.ack, sent SB->host to advance the spool.
type RunAckData struct {
	LastSeq int64 `json:"last_seq"`
}

// ToolCallData is the payload of tool.call.
type ToolCallData struct {
	RequestID string         `json:"request_id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
}

// ToolResultData is the payload of tool.result.
type ToolResultData struct {
	RequestID  string `json:"request_id"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
	Output     string `json:"output,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RPCRequestData is the generic shape of any "rpc.<op>" envelope's data: it
// always carries a request_id for correlation plus op-specific params the
// router does not need to understand.
type RPCRequestData struct {
	RequestID string         `json:"request_id"`
	HostID    string         `json:"host_id,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// RPCResponseData is the payload of rpc.response.
type RPCResponseData struct {
	RequestID string         `json:"request_id"`
	OK        bool           `json:"ok"`
	Error     string         `json:"error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// HostRegisterData authenticates a host WS connection. It must be the
// first message sent after the WebSocket upgrade.
type HostRegisterData struct {
	HostID    string `json:"host_id"`
	HostToken string `json:"host_token"`
	Name      string `json:"name,omitempty"`
}

// TypeError is a synthetic envelope the router sends back to a command's
// sender when it cannot be routed, e.g. the target host is offline. It is
// never persisted and never sent by a host or app peer.
const TypeError = "error"

// ErrorData is the payload of a TypeError envelope.
type ErrorData struct {
	Error string `json:"error"`
}
