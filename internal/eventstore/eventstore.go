// Package eventstore is the server broker's durable, append-only event
// log: the canonical record of everything every host has ever reported,
// indexed for pagination/replay (by insert_id) and for per-run messages
// rendering (by run_id, insert_id). It also owns the two small identity
// tables the router needs: hosts (TOFU token pinning) and users (login),
// plus a derived runs table that tracks each run's current status so the
// HTTP surface can answer session-listing queries without scanning the
// event log.
package eventstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aipper/relay/internal/relayerr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// HostRow is a row of the hosts table. Online status is not stored here;
// the router tracks live connections in memory and merges it in.
type HostRow struct {
	HostID     string
	Name       string
	TokenHash  string
	LastSeenAt sql.NullString
}

// PinOrVerifyHost implements trust-on-first-use: the first successful
// connect for hostID pins tokenHash; every later connect must match it
// exactly. Returns relayerr.AuthInvalid on mismatch.
func (s *Store) PinOrVerifyHost(ctx context.Context, hostID, tokenHash, name string) error {
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT token_hash FROM hosts WHERE host_id = ?`, hostID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO hosts (host_id, name, token_hash, last_seen_at) VALUES (?, ?, ?, ?)`,
			hostID, name, tokenHash, nowRFC3339())
		if err != nil {
			return fmt.Errorf("pin host: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup host: %w", err)
	}
	if existing != tokenHash {
		return fmt.Errorf("host token mismatch: %w", relayerr.AuthInvalid)
	}
	return nil
}

// TouchHostSeen updates last_seen_at for hostID.
func (s *Store) TouchHostSeen(ctx context.Context, hostID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE hosts SET last_seen_at = ? WHERE host_id = ?`, nowRFC3339(), hostID)
	if err != nil {
		return fmt.Errorf("touch host: %w", err)
	}
	return nil
}

// ListHosts returns every known host, regardless of current connection
// state.
func (s *Store) ListHosts(ctx context.Context) ([]HostRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT host_id, COALESCE(name,''), token_hash, last_seen_at FROM hosts ORDER BY host_id`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	defer rows.Close()

	var out []HostRow
	for rows.Next() {
		var h HostRow
		if err := rows.Scan(&h.HostID, &h.Name, &h.TokenHash, &h.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// UserRow is a row of the users table.
type UserRow struct {
	Username     string
	PasswordHash string
}

// GetUser looks up a user by username. Returns relayerr.NotFound if absent.
func (s *Store) GetUser(ctx context.Context, username string) (UserRow, error) {
	var u UserRow
	err := s.db.QueryRowContext(ctx, `SELECT username, password_hash FROM users WHERE username = ?`, username).
		Scan(&u.Username, &u.PasswordHash)
	if err == sql.ErrNoRows {
		return UserRow{}, fmt.Errorf("user %q: %w", username, relayerr.NotFound)
	}
	if err != nil {
		return UserRow{}, fmt.Errorf("lookup user: %w", err)
	}
	return u, nil
}

// UpsertUser creates or replaces the stored password hash for username,
// used by deployment bootstrap from ADMIN_USERNAME/ADMIN_PASSWORD_HASH.
func (s *Store) UpsertUser(ctx context.Context, username, passwordHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash) VALUES (?, ?)
		 ON CONFLICT(username) DO UPDATE SET password_hash = excluded.password_hash`,
		username, passwordHash)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// EventRow is one persisted envelope.
type EventRow struct {
	InsertID int64
	HostID   string
	RunID    string
	Seq      int64
	Type     string
	TS       string
	Data     json.RawMessage
	InputID  sql.NullString
}

// LastSeq returns the highest seq persisted for runID, or 0 if none.
func (s *Store) LastSeq(ctx context.Context, runID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE run_id = ?`, runID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// Append persists ev, enforcing per-run sequence monotonicity (a
// non-increasing seq is a protocol error) and run.input idempotency (a
// duplicate input_id for the run is silently accepted as a no-op rather
// than inserted twice, since the first delivery is authoritative). It also
// maintains the derived runs row for ev's run_id. Returns
// relayerr.Protocol if seq does not strictly increase.
func (s *Store) Append(ctx context.Context, ev EventRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE run_id = ?`, ev.RunID).Scan(&last); err != nil {
		return fmt.Errorf("query last seq: %w", err)
	}
	if last.Valid && ev.Seq <= last.Int64 {
		return fmt.Errorf("run %s: seq %d did not increase past %d: %w", ev.RunID, ev.Seq, last.Int64, relayerr.Protocol)
	}

	if ev.Type == "run.input" && ev.InputID.Valid {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE run_id = ? AND input_id = ?`, ev.RunID, ev.InputID.String).Scan(&count); err != nil {
			return fmt.Errorf("check input idempotency: %w", err)
		}
		if count > 0 {
			return tx.Commit()
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (host_id, run_id, seq, type, ts, data_json, input_id) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.HostID, ev.RunID, ev.Seq, ev.Type, ev.TS, []byte(ev.Data), ev.InputID); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := applyRunProjection(ctx, tx, ev); err != nil {
		return fmt.Errorf("update run projection: %w", err)
	}

	return tx.Commit()
}

func applyRunProjection(ctx context.Context, tx *sql.Tx, ev EventRow) error {
	switch ev.Type {
	case "run.started":
		var data struct {
			Tool string `json:"tool"`
			CWD  string `json:"cwd"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, host_id, tool, cwd, status, started_at, last_active_at)
			 VALUES (?, ?, ?, ?, 'running', ?, ?)
			 ON CONFLICT(run_id) DO UPDATE SET status='running', last_active_at=excluded.last_active_at`,
			ev.RunID, ev.HostID, data.Tool, data.CWD, ev.TS, ev.TS)
		return err
	case "run.output", "run.input":
		_, err := tx.ExecContext(ctx, `UPDATE runs SET last_active_at = ? WHERE run_id = ?`, ev.TS, ev.RunID)
		return err
	case "run.awaiting_input":
		_, err := tx.ExecContext(ctx, `UPDATE runs SET status = 'awaiting_input', last_active_at = ? WHERE run_id = ?`, ev.TS, ev.RunID)
		return err
	case "run.permission_requested":
		var data struct {
			RequestID     string `json:"request_id"`
			Prompt        string `json:"prompt"`
			Reason        string `json:"reason"`
			OpTool        string `json:"op_tool"`
			OpArgsSummary string `json:"op_args_summary"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = 'awaiting_approval', pending_request_id = ?, pending_reason = ?,
			 pending_prompt = ?, pending_op_tool = ?, pending_op_args_summary = ?, last_active_at = ?
			 WHERE run_id = ?`,
			data.RequestID, data.Reason, data.Prompt, data.OpTool, data.OpArgsSummary, ev.TS, ev.RunID)
		return err
	case "run.permission.approve", "run.permission.deny":
		_, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = 'running', pending_request_id = NULL, pending_reason = NULL,
			 pending_prompt = NULL, pending_op_tool = NULL, pending_op_args_summary = NULL, last_active_at = ?
			 WHERE run_id = ?`,
			ev.TS, ev.RunID)
		return err
	case "run.exited":
		var data struct {
			ExitCode int `json:"exit_code"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE runs SET status = 'exited', ended_at = ?, exit_code = ?, pending_request_id = NULL,
			 pending_reason = NULL, pending_prompt = NULL, pending_op_tool = NULL, pending_op_args_summary = NULL
			 WHERE run_id = ?`,
			ev.TS, data.ExitCode, ev.RunID)
		return err
	default:
		return nil
	}
}

// RunRow mirrors the HTTP surface's RunRow DTO.
type RunRow struct {
	RunID                string
	HostID               string
	Tool                 string
	CWD                  string
	Status               string
	StartedAt            string
	LastActiveAt         sql.NullString
	PendingRequestID     sql.NullString
	PendingReason        sql.NullString
	PendingPrompt        sql.NullString
	PendingOpTool        sql.NullString
	PendingOpArgsSummary sql.NullString
	EndedAt              sql.NullString
	ExitCode             sql.NullInt64
}

const runRowColumns = `run_id, host_id, tool, cwd, status, started_at, last_active_at,
	pending_request_id, pending_reason, pending_prompt, pending_op_tool, pending_op_args_summary,
	ended_at, exit_code`

func scanRunRow(row interface {
	Scan(dest ...any) error
}) (RunRow, error) {
	var r RunRow
	err := row.Scan(&r.RunID, &r.HostID, &r.Tool, &r.CWD, &r.Status, &r.StartedAt, &r.LastActiveAt,
		&r.PendingRequestID, &r.PendingReason, &r.PendingPrompt, &r.PendingOpTool, &r.PendingOpArgsSummary,
		&r.EndedAt, &r.ExitCode)
	return r, err
}

// ListRuns returns every run, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runRowColumns+` FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return scanRunRows(rows)
}

// ListRecentRuns returns the newest limit runs.
func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]RunRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runRowColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()
	return scanRunRows(rows)
}

func scanRunRows(rows *sql.Rows) ([]RunRow, error) {
	var out []RunRow
	for rows.Next() {
		r, err := scanRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetRun looks up a single run by id. Returns relayerr.NotFound if absent.
func (s *Store) GetRun(ctx context.Context, runID string) (RunRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runRowColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRunRow(row)
	if err == sql.ErrNoRows {
		return RunRow{}, fmt.Errorf("run %q: %w", runID, relayerr.NotFound)
	}
	if err != nil {
		return RunRow{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// Message is one rendered row of the messages projection (spec §4.9).
type Message struct {
	ID        int64           `json:"id"`
	TS        string          `json:"ts"`
	Role      string          `json:"role"`
	Kind      string          `json:"kind"`
	Actor     string          `json:"actor,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Text      string          `json:"text"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Messages renders the event log for runID into the deterministic
// projection described by spec §4.9. limit bounds the number of rows
// returned; if before is non-nil only events with insert_id strictly less
// than it are considered. Rows are returned in ascending insert order.
// Coalescing adjacent run.output rows for display is the consumer's job,
// never this store's.
func (s *Store) Messages(ctx context.Context, runID string, limit int, before *int64) ([]Message, error) {
	query := `SELECT insert_id, type, ts, data_json FROM events WHERE run_id = ?`
	args := []any{runID}
	if before != nil {
		query += ` AND insert_id < ?`
		args = append(args, *before)
	}
	query += ` ORDER BY insert_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var insertID int64
		var typ, ts string
		var data json.RawMessage
		if err := rows.Scan(&insertID, &typ, &ts, &data); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg, ok := renderMessage(insertID, typ, ts, data)
		if ok {
			out = append(out, msg)
		}
	}
	return out, rows.Err()
}

func renderMessage(insertID int64, typ, ts string, data json.RawMessage) (Message, bool) {
	switch typ {
	case "run.output":
		var d struct {
			Text string `json:"text"`
		}
		json.Unmarshal(data, &d)
		return Message{ID: insertID, TS: ts, Role: "assistant", Kind: typ, Text: d.Text, Data: data}, true

	case "run.input":
		var d struct {
			TextRedacted string `json:"text_redacted"`
		}
		json.Unmarshal(data, &d)
		return Message{ID: insertID, TS: ts, Role: "user", Kind: typ, Text: d.TextRedacted, Data: data}, true

	case "run.permission_requested":
		var d struct {
			RequestID     string `json:"request_id"`
			Prompt        string `json:"prompt"`
			OpTool        string `json:"op_tool"`
			OpArgsSummary string `json:"op_args_summary"`
		}
		json.Unmarshal(data, &d)
		return Message{ID: insertID, TS: ts, Role: "system", Kind: typ, RequestID: d.RequestID, Text: d.Prompt, Data: data}, true

	case "tool.call":
		var d struct {
			RequestID string `json:"request_id"`
			Tool      string `json:"tool"`
		}
		json.Unmarshal(data, &d)
		return Message{ID: insertID, TS: ts, Role: "system", Kind: typ, Actor: d.Tool, RequestID: d.RequestID,
			Text: fmt.Sprintf("calling %s", d.Tool), Data: data}, true

	case "tool.result":
		var d struct {
			RequestID string `json:"request_id"`
			OK        bool   `json:"ok"`
		}
		json.Unmarshal(data, &d)
		text := "tool result"
		if !d.OK {
			text = "tool call failed"
		}
		return Message{ID: insertID, TS: ts, Role: "system", Kind: typ, RequestID: d.RequestID, Text: text, Data: data}, true

	case "run.started":
		var d struct {
			Tool string `json:"tool"`
		}
		json.Unmarshal(data, &d)
		return Message{ID: insertID, TS: ts, Role: "system", Kind: typ, Text: fmt.Sprintf("started %s", d.Tool), Data: data}, true

	case "run.exited":
		var d struct {
			ExitCode int `json:"exit_code"`
		}
		json.Unmarshal(data, &d)
		return Message{ID: insertID, TS: ts, Role: "system", Kind: typ, Text: fmt.Sprintf("exited with code %d", d.ExitCode), Data: data}, true

	default:
		return Message{}, false
	}
}

// PurgeOlderThan deletes events with ts before cutoff, enforcing the
// time-bounded retention window. Does not touch the runs summary table;
// a run whose underlying events have aged out still shows its last known
// status until the run itself is separately reaped.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE ts < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge rows affected: %w", err)
	}
	return n, nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
