package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist. The path must be on a local filesystem.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve sqlite path: %w", err)
	}
	if err := checkLocal(abs); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(abs))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Suite runs share one store; a single connection serializes their
	// writes inside the process, busy_timeout covers other processes.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// dsn applies the pragmas to every connection the pool opens.
func dsn(path string) string {
	u := url.URL{
		Scheme:   "file",
		Path:     path,
		RawQuery: "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate",
	}
	return u.String()
}

// BootstrapSQLite creates the run history tables and indexes if missing.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sim_runs (
  id            TEXT PRIMARY KEY,
  backend       TEXT NOT NULL,
  task          TEXT NOT NULL,
  testbench     TEXT NOT NULL,
  layout_root   TEXT NOT NULL,
  status        TEXT NOT NULL,
  verdict       TEXT,
  reason        TEXT,
  exit_code     INTEGER NOT NULL DEFAULT 0,
  input_digest  TEXT,
  last_error    TEXT,
  created_at    TEXT NOT NULL,
  completed_at  TEXT
);`,
		`CREATE TABLE IF NOT EXISTS sim_stages (
  run_id       TEXT NOT NULL REFERENCES sim_runs(id) ON DELETE CASCADE,
  seq          INTEGER NOT NULL,
  stage        TEXT NOT NULL,
  command      TEXT NOT NULL,
  status       TEXT NOT NULL,
  exit_code    INTEGER NOT NULL,
  stdout       TEXT,
  stderr       TEXT,
  missing      JSON,
  last_error   TEXT,
  duration_ms  INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (run_id, seq)
);`,
		`CREATE INDEX IF NOT EXISTS sim_runs_created_at_idx ON sim_runs(created_at);`,
		`CREATE INDEX IF NOT EXISTS sim_runs_testbench_backend_idx ON sim_runs(testbench, backend, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
