package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/aipper/relay/internal/relayerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPinOrVerifyHostTOFU(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PinOrVerifyHost(ctx, "host-1", "hash-a", "laptop"); err != nil {
		t.Fatalf("first pin: %v", err)
	}
	if err := s.PinOrVerifyHost(ctx, "host-1", "hash-a", "laptop"); err != nil {
		t.Fatalf("matching reconnect: %v", err)
	}
	err := s.PinOrVerifyHost(ctx, "host-1", "hash-b", "laptop")
	if !errors.Is(err, relayerr.AuthInvalid) {
		t.Fatalf("mismatched token: got %v, want AuthInvalid", err)
	}
}

func TestAppendEnforcesSeqMonotonicity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev1 := EventRow{HostID: "h1", RunID: "r1", Seq: 1, Type: "run.started", TS: "2026-01-01T00:00:00Z", Data: []byte(`{"tool":"codex","cwd":"/tmp"}`)}
	if err := s.Append(ctx, ev1); err != nil {
		t.Fatalf("append seq 1: %v", err)
	}

	ev2 := EventRow{HostID: "h1", RunID: "r1", Seq: 1, Type: "run.output", TS: "2026-01-01T00:00:01Z", Data: []byte(`{"stream":"stdout","text":"x"}`)}
	err := s.Append(ctx, ev2)
	if !errors.Is(err, relayerr.Protocol) {
		t.Fatalf("non-increasing seq: got %v, want Protocol", err)
	}

	ev3 := ev2
	ev3.Seq = 2
	if err := s.Append(ctx, ev3); err != nil {
		t.Fatalf("append seq 2: %v", err)
	}
}

func TestAppendRunInputIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	input := func(seq int64) EventRow {
		return EventRow{
			HostID: "h1", RunID: "r1", Seq: seq, Type: "run.input",
			TS: "2026-01-01T00:00:00Z", Data: []byte(`{"input_id":"in-1","text_redacted":"hi","text_sha256":"abc"}`),
			InputID: sql.NullString{String: "in-1", Valid: true},
		}
	}

	if err := s.Append(ctx, input(1)); err != nil {
		t.Fatalf("first input: %v", err)
	}
	if err := s.Append(ctx, input(2)); err != nil {
		t.Fatalf("duplicate input: %v", err)
	}

	last, err := s.LastSeq(ctx, "r1")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last != 1 {
		t.Fatalf("LastSeq = %d, want 1 (duplicate must not bump seq)", last)
	}
}

func TestRunProjectionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	events := []EventRow{
		{HostID: "h1", RunID: "r1", Seq: 1, Type: "run.started", TS: "t1", Data: []byte(`{"tool":"codex","cwd":"/work"}`)},
		{HostID: "h1", RunID: "r1", Seq: 2, Type: "run.permission_requested", TS: "t2",
			Data: []byte(`{"request_id":"req-1","prompt":"run rm?","op_tool":"bash","op_args_summary":"rm -rf tmp"}`)},
	}
	for _, ev := range events {
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	run, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != "awaiting_approval" {
		t.Fatalf("Status = %q, want awaiting_approval", run.Status)
	}
	if !run.PendingRequestID.Valid || run.PendingRequestID.String != "req-1" {
		t.Fatalf("PendingRequestID = %+v, want req-1", run.PendingRequestID)
	}

	approve := EventRow{HostID: "h1", RunID: "r1", Seq: 3, Type: "run.permission.approve", TS: "t3", Data: []byte(`{"request_id":"req-1"}`)}
	if err := s.Append(ctx, approve); err != nil {
		t.Fatalf("append approve: %v", err)
	}
	run, err = s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun after approve: %v", err)
	}
	if run.Status != "running" || run.PendingRequestID.Valid {
		t.Fatalf("after approve: status=%q pending=%+v", run.Status, run.PendingRequestID)
	}

	exit := EventRow{HostID: "h1", RunID: "r1", Seq: 4, Type: "run.exited", TS: "t4", Data: []byte(`{"exit_code":0}`)}
	if err := s.Append(ctx, exit); err != nil {
		t.Fatalf("append exit: %v", err)
	}
	run, err = s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun after exit: %v", err)
	}
	if run.Status != "exited" || !run.ExitCode.Valid || run.ExitCode.Int64 != 0 {
		t.Fatalf("after exit: status=%q exit_code=%+v", run.Status, run.ExitCode)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	if !errors.Is(err, relayerr.NotFound) {
		t.Fatalf("got %v, want NotFound", err)
	}
}

func TestMessagesProjection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	events := []EventRow{
		{HostID: "h1", RunID: "r1", Seq: 1, Type: "run.started", TS: "t1", Data: []byte(`{"tool":"codex","cwd":"/work"}`)},
		{HostID: "h1", RunID: "r1", Seq: 2, Type: "run.output", TS: "t2", Data: []byte(`{"stream":"stdout","text":"hello"}`)},
		{HostID: "h1", RunID: "r1", Seq: 3, Type: "run.input", TS: "t3", Data: []byte(`{"input_id":"in-1","text_redacted":"do the thing","text_sha256":"abc"}`),
			InputID: sql.NullString{String: "in-1", Valid: true}},
	}
	for _, ev := range events {
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	msgs, err := s.Messages(ctx, "r1", 0, nil)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3", len(msgs))
	}
	if msgs[1].Role != "assistant" || msgs[1].Text != "hello" {
		t.Errorf("msgs[1] = %+v, want assistant/hello", msgs[1])
	}
	if msgs[2].Role != "user" || msgs[2].Text != "do the thing" {
		t.Errorf("msgs[2] = %+v, want user/do the thing", msgs[2])
	}
}

func TestUpsertAndGetUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, "admin", "hash-1"); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	u, err := s.GetUser(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.PasswordHash != "hash-1" {
		t.Fatalf("PasswordHash = %q, want hash-1", u.PasswordHash)
	}

	if err := s.UpsertUser(ctx, "admin", "hash-2"); err != nil {
		t.Fatalf("UpsertUser overwrite: %v", err)
	}
	u, err = s.GetUser(ctx, "admin")
	if err != nil {
		t.Fatalf("GetUser after overwrite: %v", err)
	}
	if u.PasswordHash != "hash-2" {
		t.Fatalf("PasswordHash = %q, want hash-2", u.PasswordHash)
	}
}
