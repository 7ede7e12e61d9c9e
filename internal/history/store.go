// Package history persists simulation runs and their stage outcomes in
// SQLite so they can be listed and inspected after the fact.
package history

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mattjoyce/simrig/internal/sim"
	"github.com/zeebo/blake3"
)

// maxOutputBytes caps stored stdout/stderr per stage.
const maxOutputBytes = 64 * 1024

// Store reads and writes run history.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin records a new running invocation and returns its ID.
func (s *Store) Begin(ctx context.Context, req BeginRequest) (string, error) {
	if req.Backend == "" {
		return "", fmt.Errorf("backend is empty")
	}
	if req.Task == "" {
		return "", fmt.Errorf("task is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sim_runs(id, backend, task, testbench, layout_root, status, input_digest, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, id, req.Backend, req.Task, req.TestBench, req.LayoutRoot, StatusRunning, nullable(req.InputDigest), now)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// Complete stores the stage outcomes and final verdict of a run. runErr, when
// non-nil, marks the run as errored instead of finished.
func (s *Store) Complete(ctx context.Context, runID string, run sim.Run, verdict sim.Verdict, exitCode int, runErr error) error {
	if runID == "" {
		return fmt.Errorf("runID is empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status := StatusFinished
	var lastError any
	if runErr != nil {
		status = StatusError
		lastError = runErr.Error()
	}
	var verdictVal, reasonVal any
	if verdict.Outcome != "" {
		verdictVal = string(verdict.Outcome)
		reasonVal = nullable(string(verdict.Reason))
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
UPDATE sim_runs
SET status = ?, verdict = ?, reason = ?, exit_code = ?, last_error = ?, completed_at = ?
WHERE id = ?;
`, status, verdictVal, reasonVal, exitCode, lastError, completedAt, runID)
	if err != nil {
		return fmt.Errorf("update run completion: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("complete %s: %w", runID, ErrRunNotFound)
	}

	for i, st := range run.Stages {
		var missing any
		if len(st.Missing) > 0 {
			b, err := json.Marshal(st.Missing)
			if err != nil {
				return fmt.Errorf("encode missing artifacts: %w", err)
			}
			missing = string(b)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO sim_stages(run_id, seq, stage, command, status, exit_code, stdout, stderr, missing, last_error, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, runID, i+1, st.Stage, st.Command, string(st.Status), st.ExitCode,
			truncate(st.Stdout), truncate(st.Stderr), missing, nullable(st.Err), st.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("insert stage %q: %w", st.Stage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Get loads a run and its stages. id may be a unique prefix of a run ID.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("run id is empty")
	}

	rows, err := s.db.QueryContext(ctx, selectRuns+`WHERE id = ? OR id LIKE ? ORDER BY created_at DESC LIMIT 2;`, id, id+"%")
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	records, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}

	switch {
	case len(records) == 0:
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	case len(records) > 1 && records[0].ID != id && records[1].ID != id:
		return nil, fmt.Errorf("%s: %w", id, ErrAmbiguousRun)
	}

	rec := records[0]
	if len(records) > 1 && records[1].ID == id {
		rec = records[1]
	}

	stages, err := s.stages(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	rec.Stages = stages
	return &rec, nil
}

// List returns runs newest first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	var (
		where []string
		args  []any
	)
	if f.TestBench != "" {
		where = append(where, "testbench = ?")
		args = append(args, f.TestBench)
	}
	if f.Backend != "" {
		where = append(where, "backend = ?")
		args = append(args, f.Backend)
	}

	query := selectRuns
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + " "
	}
	query += "ORDER BY created_at DESC, rowid DESC LIMIT ?;"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return scanRuns(rows)
}

// Prune deletes runs created before cutoff and returns how many were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	cutoffS := cutoff.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
DELETE FROM sim_stages WHERE run_id IN (SELECT id FROM sim_runs WHERE created_at < ?);
`, cutoffS); err != nil {
		return 0, fmt.Errorf("prune stages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sim_runs WHERE created_at < ?;`, cutoffS)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return n, nil
}

const selectRuns = `
SELECT id, backend, task, testbench, layout_root, status, verdict, reason, exit_code,
  input_digest, last_error, created_at, completed_at
FROM sim_runs
`

func scanRuns(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r            Record
			status       string
			verdict      sql.NullString
			reason       sql.NullString
			digest       sql.NullString
			lastError    sql.NullString
			createdAtS   string
			completedAtS sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.Backend, &r.Task, &r.TestBench, &r.LayoutRoot, &status, &verdict, &reason, &r.ExitCode,
			&digest, &lastError, &createdAtS, &completedAtS,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = Status(status)
		r.Verdict = verdict.String
		r.Reason = reason.String
		r.InputDigest = digest.String
		if lastError.Valid {
			r.LastError = &lastError.String
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
			r.CreatedAt = t
		}
		if completedAtS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
				r.CompletedAt = &t
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (s *Store) stages(ctx context.Context, runID string) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, stage, command, status, exit_code, stdout, stderr, missing, last_error, duration_ms
FROM sim_stages
WHERE run_id = ?
ORDER BY seq ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	var out []Stage
	for rows.Next() {
		var (
			st         Stage
			stdout     sql.NullString
			stderr     sql.NullString
			missing    sql.NullString
			lastError  sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&st.Seq, &st.Stage, &st.Command, &st.Status, &st.ExitCode,
			&stdout, &stderr, &missing, &lastError, &durationMS); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		st.Stdout = stdout.String
		st.Stderr = stderr.String
		st.LastError = lastError.String
		st.Duration = time.Duration(durationMS) * time.Millisecond
		if missing.Valid && missing.String != "" {
			if err := json.Unmarshal([]byte(missing.String), &st.Missing); err != nil {
				return nil, fmt.Errorf("decode missing artifacts: %w", err)
			}
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}
	return out, nil
}

// InputDigest hashes the named files (path and content) in sorted order with
// BLAKE3. It tells whether a testbench's inputs changed between runs.
func InputDigest(paths []string) (string, error) {
	if len(paths) == 0 {
		return "", nil
	}
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	h := blake3.New()
	for _, p := range sorted {
		f, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("digest %s: %w", p, err)
		}
		_, _ = io.WriteString(h, p)
		_, _ = h.Write([]byte{0})
		_, err = io.Copy(h, f)
		_ = f.Close()
		if err != nil {
			return "", fmt.Errorf("digest %s: %w", p, err)
		}
		_, _ = h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// IsNotFound reports whether err means the requested run does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

func truncate(s string) any {
	if s == "" {
		return nil
	}
	if len(s) <= maxOutputBytes {
		return s
	}
	cut := maxOutputBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
