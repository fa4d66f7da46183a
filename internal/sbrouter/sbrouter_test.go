package sbrouter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/aipper/relay/internal/eventstore"
	"github.com/aipper/relay/internal/relayproto"
)

func testStore(t *testing.T) *eventstore.Store {
	t.Helper()
	s, err := eventstore.Open(":memory:")
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	store := testStore(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("generate password hash: %v", err)
	}
	srv, err := NewServer(store, Config{
		JWTSecret:         "test-secret",
		AdminUsername:     "admin",
		AdminPasswordHash: string(hash),
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	httpSrv := httptest.NewServer(srv)
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func login(t *testing.T, httpSrv *httptest.Server) string {
	t.Helper()
	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "hunter2"})
	resp, err := http.Post(httpSrv.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var out loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if out.AccessToken == "" {
		t.Fatal("empty access token")
	}
	return out.AccessToken
}

func testEnvelope() relayproto.Envelope {
	return relayproto.Envelope{Type: relayproto.TypeRunOutput, TS: "t", RunID: "r1"}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	_, httpSrv := testServer(t)
	resp, err := http.Get(httpSrv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	_, httpSrv := testServer(t)
	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "wrong"})
	resp, err := http.Post(httpSrv.URL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSessionsRequiresBearerToken(t *testing.T) {
	_, httpSrv := testServer(t)
	resp, err := http.Get(httpSrv.URL + "/sessions")
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestSessionsListsRuns(t *testing.T) {
	srv, httpSrv := testServer(t)
	token := login(t, httpSrv)

	ev := eventstore.EventRow{
		HostID: "host-1", RunID: "run-1", Seq: 1, Type: "run.started",
		TS: "2026-01-01T00:00:00Z", Data: []byte(`{"tool":"codex","cwd":"/tmp/proj"}`),
	}
	if err := srv.Store.Append(t.Context(), ev); err != nil {
		t.Fatalf("append run.started: %v", err)
	}

	req, _ := http.NewRequest("GET", httpSrv.URL+"/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var rows []runRowDTO
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "run-1" || rows[0].Status != "running" {
		t.Fatalf("unexpected sessions response: %+v", rows)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	_, httpSrv := testServer(t)
	token := login(t, httpSrv)

	req, _ := http.NewRequest("GET", httpSrv.URL+"/sessions/no-such-run", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET session: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestMessagesRendersEveryAppendedEvent(t *testing.T) {
	srv, httpSrv := testServer(t)
	token := login(t, httpSrv)

	ctx := t.Context()
	must := func(ev eventstore.EventRow) {
		t.Helper()
		if err := srv.Store.Append(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", ev.Type, err)
		}
	}
	must(eventstore.EventRow{HostID: "h1", RunID: "r1", Seq: 1, Type: "run.started", TS: "t1", Data: []byte(`{"tool":"codex","cwd":"/tmp"}`)})
	must(eventstore.EventRow{HostID: "h1", RunID: "r1", Seq: 2, Type: "tool.result", TS: "t2", Data: []byte(`{"request_id":"req-1","ok":true}`)})

	req, _ := http.NewRequest("GET", httpSrv.URL+"/sessions/r1/messages", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET messages: %v", err)
	}
	defer resp.Body.Close()
	var msgs []eventstore.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("want 2 messages, got %d", len(msgs))
	}
}

func TestHostsReportsOnlineFromRegistry(t *testing.T) {
	srv, httpSrv := testServer(t)
	token := login(t, httpSrv)

	if err := srv.Store.PinOrVerifyHost(t.Context(), "host-1", "hash-1", "box-1"); err != nil {
		t.Fatalf("pin host: %v", err)
	}
	srv.Registry.AddHost("host-1", nil)

	req, _ := http.NewRequest("GET", httpSrv.URL+"/hosts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /hosts: %v", err)
	}
	defer resp.Body.Close()
	var hosts []hostDTO
	if err := json.NewDecoder(resp.Body).Decode(&hosts); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(hosts) != 1 || hosts[0].ID != "host-1" || !hosts[0].Online {
		t.Fatalf("unexpected hosts response: %+v", hosts)
	}
}

func TestRegistryBroadcastMarksSlowPeerFullButDoesNotBlock(t *testing.T) {
	reg := NewRegistry()
	ac := reg.AddApp("alice", nil)
	defer reg.RemoveApp(ac)

	for i := 0; i < sendBufferSize+1; i++ {
		reg.BroadcastToApps(testEnvelope())
	}

	select {
	case <-ac.Dropped():
		t.Fatal("peer should not be dropped immediately, only after backpressureGrace elapses")
	default:
	}
	if len(ac.Send) != sendBufferSize {
		t.Fatalf("send buffer len = %d, want %d", len(ac.Send), sendBufferSize)
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	_, httpSrv := testServer(t)
	body, _ := json.Marshal(loginRequest{Username: "admin", Password: "wrong"})

	var last *http.Response
	for i := 0; i < 10; i++ {
		resp, err := http.Post(httpSrv.URL+"/auth/login", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("login request %d: %v", i, err)
		}
		resp.Body.Close()
		last = resp
	}
	if last.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status after burst = %d, want 429", last.StatusCode)
	}
}

func TestRegistryHostRoundTrip(t *testing.T) {
	reg := NewRegistry()
	if reg.HostOnline("host-1") {
		t.Fatal("host should not be online before AddHost")
	}
	hc := reg.AddHost("host-1", nil)
	if !reg.HostOnline("host-1") {
		t.Fatal("host should be online after AddHost")
	}
	reg.RemoveHost("host-1", hc.Conn)
	if reg.HostOnline("host-1") {
		t.Fatal("host should not be online after RemoveHost")
	}
}
