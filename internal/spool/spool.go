// Package spool implements the host daemon's durable outbox: an
// append-only queue of outgoing events keyed by (run_id, seq), backed by
// modernc.org/sqlite so the daemon needs no cgo toolchain. Events are
// durable (committed) before the Uplink is allowed to send them; on
// receipt of a run.ack the acknowledged rows are deleted.
package spool

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Event is one row pending delivery to the server broker.
type Event struct {
	RunID string
	Seq   int64
	Type  string
	TS    string
	Data  []byte
}

// Spool wraps the sqlite-backed outbox. Safe for concurrent use: callers
// append from the runner's event pump and drain from the uplink's send
// loop at the same time.
type Spool struct {
	db *sql.DB
}

// Open opens (creating if needed) the spool database at dsn and applies
// any pending migrations. If migrating fails, Open drops the spool tables
// and recreates them empty (see repairByReset), which discards every
// pending event; if that also fails, Open returns an error. No
// single-record truncation is attempted, and the caller is not told that
// a reset happened.
func Open(dsn string) (*Spool, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open spool db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous mode: %w", err)
	}

	s := &Spool{db: db}
	if err := s.migrate(); err != nil {
		if repairErr := s.repairByReset(); repairErr != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w (repair also failed: %v)", err, repairErr)
		}
	}
	return s, nil
}

// repairByReset drops and recreates the spool tables. Used when the
// migration pass itself fails against a corrupt database file; sqlite's
// own WAL/journal recovery already handles the common partial-write case
// on open, so by the time migrate() fails the damage is assumed to be
// beyond single-record truncation.
func (s *Spool) repairByReset() error {
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS spool`); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DROP TABLE IF EXISTS schema_migrations`); err != nil {
		return err
	}
	return s.migrate()
}

func (s *Spool) Close() error {
	return s.db.Close()
}

func (s *Spool) migrate() error {
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

// NextSeq returns the next sequence number to assign for runID: one plus
// the highest seq already stored, or 1 if none exists. Callers append
// under a per-run lock so this read-then-insert is not racy.
func (s *Spool) NextSeq(ctx context.Context, runID string) (int64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM spool WHERE run_id = ?`, runID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return max.Int64 + 1, nil
}

// Append durably writes ev. The caller must have already assigned ev.Seq
// via NextSeq under its own per-run serialization.
func (s *Spool) Append(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO spool (run_id, seq, type, ts, data_json) VALUES (?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.Type, ev.TS, ev.Data)
	if err != nil {
		return fmt.Errorf("append spool event: %w", err)
	}
	return nil
}

// PendingSince returns every event across all runs with seq strictly
// greater than the per-run floor given in after, ordered by run_id then
// seq, so the uplink can stream each run's backlog in order while
// interleaving across runs freely. A runID absent from after is treated
// as floor 0 (send everything pending for it).
func (s *Spool) PendingSince(ctx context.Context, after map[string]int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, seq, type, ts, data_json FROM spool ORDER BY run_id, seq`)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &ev.TS, &ev.Data); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if ev.Seq <= after[ev.RunID] {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AckThrough deletes every row for runID with seq <= lastSeq. Idempotent:
// acking the same or a lower lastSeq again is a no-op.
func (s *Spool) AckThrough(ctx context.Context, runID string, lastSeq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM spool WHERE run_id = ? AND seq <= ?`, runID, lastSeq)
	if err != nil {
		return fmt.Errorf("ack through: %w", err)
	}
	return nil
}

// Size returns the total row count across all runs, used to decide
// whether a compaction pass is due.
func (s *Spool) Size(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM spool`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spool rows: %w", err)
	}
	return n, nil
}

// CompactionStats summarizes the effect of a single CompactOverflow call,
// exposed by the local control API's status endpoint.
type CompactionStats struct {
	EventsCoalesced int
	BytesReclaimed  int
}

// CompactOverflow coalesces adjacent run.output rows belonging to the
// longest-idle runs (the runs whose most recent row has the oldest ts)
// until the spool has at most maxRows rows or no further coalescing is
// possible. Only contiguous run.output rows of the same run are merged,
// and a row whose text contains '\n' is never merged, so the merge never
// joins text across a '\n' in a way that would change line framing for a
// consumer replaying the stream; it never touches non-output event
// types. streamOf is a hook that decodes a row's stream and text fields
// from its payload; it exists so callers can plug in JSON field extraction
// without this package importing encoding/json semantics for the event
// payload shape.
func (s *Spool) CompactOverflow(ctx context.Context, maxRows int, streamOf func(data []byte) (stream string, text string, ok bool)) (CompactionStats, error) {
	var stats CompactionStats
	size, err := s.Size(ctx)
	if err != nil {
		return stats, err
	}
	if size <= maxRows {
		return stats, nil
	}

	runIDs, err := s.longestIdleRuns(ctx)
	if err != nil {
		return stats, err
	}

	for _, runID := range runIDs {
		if size <= maxRows {
			break
		}
		coalesced, reclaimed, newSize, err := s.coalesceRun(ctx, runID, streamOf)
		if err != nil {
			return stats, err
		}
		stats.EventsCoalesced += coalesced
		stats.BytesReclaimed += reclaimed
		size = size - coalesced
		_ = newSize
	}
	return stats, nil
}

func (s *Spool) longestIdleRuns(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id FROM spool
		GROUP BY run_id
		ORDER BY MAX(ts) ASC`)
	if err != nil {
		return nil, fmt.Errorf("query idle runs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan idle run: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Spool) coalesceRun(ctx context.Context, runID string, streamOf func([]byte) (string, string, bool)) (coalesced int, reclaimed int, newSize int, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, type, ts, data_json FROM spool WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("query run rows: %w", err)
	}
	type row struct {
		seq  int64
		typ  string
		ts   string
		data []byte
	}
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.seq, &r.typ, &r.ts, &r.data); err != nil {
			rows.Close()
			return 0, 0, 0, fmt.Errorf("scan run row: %w", err)
		}
		all = append(all, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("begin coalesce tx: %w", err)
	}
	defer tx.Rollback()

	i := 0
	for i < len(all) {
		r := all[i]
		if r.typ != "run.output" {
			i++
			continue
		}
		stream, text, ok := streamOf(r.data)
		if !ok || strings.Contains(text, "\n") {
			i++
			continue
		}
		j := i + 1
		mergedText := text
		mergedBytes := len(r.data)
		for j < len(all) && all[j].typ == "run.output" {
			s2, t2, ok2 := streamOf(all[j].data)
			if !ok2 || s2 != stream || strings.Contains(t2, "\n") {
				break
			}
			mergedText += t2
			mergedBytes += len(all[j].data)
			j++
		}
		if j == i+1 {
			i++
			continue
		}
		merged := buildOutputData(stream, mergedText)
		if _, err := tx.ExecContext(ctx, `UPDATE spool SET data_json = ?, ts = ? WHERE run_id = ? AND seq = ?`,
			merged, all[j-1].ts, runID, r.seq); err != nil {
			return 0, 0, 0, fmt.Errorf("update coalesced row: %w", err)
		}
		for k := i + 1; k < j; k++ {
			if _, err := tx.ExecContext(ctx, `DELETE FROM spool WHERE run_id = ? AND seq = ?`, runID, all[k].seq); err != nil {
				return 0, 0, 0, fmt.Errorf("delete coalesced row: %w", err)
			}
			coalesced++
		}
		reclaimed += mergedBytes - len(merged)
		i = j
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, 0, fmt.Errorf("commit coalesce tx: %w", err)
	}
	return coalesced, reclaimed, 0, nil
}

func buildOutputData(stream, text string) []byte {
	return []byte(fmt.Sprintf(`{"stream":%q,"text":%q}`, stream, text))
}

// Now returns the current time formatted the way event timestamps are
// stored: RFC3339 in UTC.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
