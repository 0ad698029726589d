// Package store implements the Entity Store (component C4): a relational
// store with foreign-key cascades from Project down to Document, Note,
// Source, Event, and KnoxReport. The driver is selected from the DSN
// scheme — sqlite3 (WAL, single writer) for standalone/dev, postgres for a
// shared deployment — grounded on the teacher's aggregator sqlite wiring
// and PostgresStore pattern respectively.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

type Store struct {
	db     *sql.DB
	driver Driver
}

// Open selects a driver from dsn's scheme ("postgres://..." or anything
// else, treated as a sqlite3 file DSN) and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver := DriverSQLite
	sqlDSN := dsn
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = DriverPostgres
	} else if !strings.Contains(dsn, "?") {
		sqlDSN = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=ON", dsn)
	}

	db, err := sql.Open(string(driver), sqlDSN)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1) // single writer, matches the teacher's aggregator
	}
	s := &Store{db: db, driver: driver}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the underlying database connection is reachable,
// for use by the /healthz component check.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ph returns the driver-appropriate positional placeholder for the n-th
// (1-indexed) bound parameter, so CRUD code can be written once and run
// against either dialect.
func (s *Store) ph(n int) string {
	if s.driver == DriverPostgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// rebind rewrites a query written with "?" placeholders into the active
// dialect's placeholder style.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	autoinc := "TEXT PRIMARY KEY"
	ts := "TIMESTAMP"
	if s.driver == DriverPostgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS projects (
			id %s,
			name TEXT NOT NULL,
			classification TEXT NOT NULL,
			status TEXT NOT NULL,
			due_date %s,
			tags TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, autoinc, ts, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id %s,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			file_type TEXT NOT NULL,
			original_blob_ref TEXT,
			masked_text TEXT,
			sanitize_level TEXT NOT NULL,
			classification TEXT NOT NULL,
			ai_allowed BOOLEAN NOT NULL,
			export_allowed BOOLEAN NOT NULL,
			sha256 TEXT,
			excluded_from_compile BOOLEAN NOT NULL DEFAULT FALSE,
			datetime_masked BOOLEAN NOT NULL DEFAULT FALSE,
			original_missing BOOLEAN NOT NULL DEFAULT FALSE,
			version INTEGER NOT NULL DEFAULT 1,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, autoinc, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS project_notes (
			id %s,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			title TEXT,
			masked_body TEXT NOT NULL,
			sanitize_level TEXT NOT NULL,
			excluded_from_compile BOOLEAN NOT NULL DEFAULT FALSE,
			sha256 TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, autoinc, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS journalist_notes (
			id %s,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			body TEXT NOT NULL,
			category TEXT NOT NULL,
			image_refs TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, autoinc, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sources (
			id %s,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			title TEXT NOT NULL,
			type TEXT NOT NULL,
			url TEXT,
			comment TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			created_at %s NOT NULL,
			updated_at %s NOT NULL
		)`, autoinc, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			id %s,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			actor TEXT,
			event_type TEXT NOT NULL,
			occurred_at %s NOT NULL,
			metadata_json TEXT NOT NULL,
			prev_hash TEXT,
			hash TEXT
		)`, autoinc, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS jobs (
			id %s,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			input_ref TEXT NOT NULL,
			result_ref TEXT,
			error_code TEXT,
			error_detail TEXT,
			created_at %s NOT NULL,
			started_at %s,
			finished_at %s
		)`, autoinc, ts, ts, ts),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knox_reports (
			id %s,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			policy_id TEXT NOT NULL,
			policy_version TEXT NOT NULL,
			ruleset_hash TEXT NOT NULL,
			template_id TEXT NOT NULL,
			engine_id TEXT NOT NULL,
			input_fingerprint TEXT NOT NULL,
			input_manifest_json TEXT NOT NULL,
			gate_results_json TEXT NOT NULL,
			rendered_markdown TEXT NOT NULL,
			latency_ms INTEGER NOT NULL,
			created_at %s NOT NULL,
			UNIQUE(project_id, policy_id, template_id, input_fingerprint)
		)`, autoinc, ts),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: ensure schema: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error including a panic.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nowUTC() time.Time { return time.Now().UTC() }
