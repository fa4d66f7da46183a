package relayproto

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := json.Marshal(RunOutputData{Stream: "stdout", Text: "hello\n"})
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	orig := Envelope{
		Type:   TypeRunOutput,
		TS:     "2026-01-01T00:00:00Z",
		HostID: "h1",
		RunID:  "r1",
		Seq:    3,
		Data:   data,
	}

	raw, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if decoded.Type != orig.Type {
		t.Errorf("Type = %q, want %q", decoded.Type, orig.Type)
	}
	if decoded.Seq != orig.Seq {
		t.Errorf("Seq = %d, want %d", decoded.Seq, orig.Seq)
	}

	var payload RunOutputData
	if err := json.Unmarshal(decoded.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Text != "hello\n" {
		t.Errorf("Text = %q, want %q", payload.Text, "hello\n")
	}
}

func TestEnvelopeUnknownFieldsIgnored(t *testing.T) {
	raw := []byte(`{"type":"run.started","ts":"2026-01-01T00:00:00Z","future_field":"x","data":{"tool":"codex","cwd":"/tmp"}}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != TypeRunStarted {
		t.Errorf("Type = %q, want %q", env.Type, TypeRunStarted)
	}

	var payload RunStartedData
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Tool != "codex" || payload.CWD != "/tmp" {
		t.Errorf("payload = %+v, unexpected", payload)
	}
}

func TestRPCResponseData(t *testing.T) {
	d := RPCResponseData{RequestID: "req-1", OK: false, Error: "OutOfScope"}
	raw, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded RPCResponseData
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.RequestID != d.RequestID || decoded.Error != d.Error {
		t.Errorf("decoded = %+v, want %+v", decoded, d)
	}
}
