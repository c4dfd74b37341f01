// SPDX-License-Identifier: MIT

// Package store provides SQLite persistence for jobs, transcript segments
// and settings. It separates one serialized writer handle from a small
// reader pool so queries never queue behind segment checkpoints.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/scribeapp/scribed/internal/log"
)

// StaleJobError is recorded on jobs found QUEUED or RUNNING at startup.
// The exact wording is part of the API contract with the frontend.
const StaleJobError = "Server restarted while job was in progress"

// readPoolSize is the number of concurrent reader connections.
const readPoolSize = 4

// sqliteConstraint is the SQLITE_CONSTRAINT primary result code.
const sqliteConstraint = 19

// Store provides SQLite persistence for scribed.
type Store struct {
	writer *sql.DB
	reader *sql.DB
}

// NewStore initializes the SQLite store and runs migrations. The parent
// directory of dbPath is created if needed. WAL journaling is enabled so
// readers never block on the single writer.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// busy_timeout avoids "database locked" errors when a reader and the
	// writer race on the same page.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open database reader: %w", err)
	}
	reader.SetMaxOpenConns(readPoolSize)

	store := &Store{writer: writer, reader: reader}

	if err := store.verify(); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.migrate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logger := log.WithComponent("store")
	logger.Info().
		Str(log.FieldDBPath, dbPath).
		Msg("store opened")

	return store, nil
}

// Close closes both database handles.
func (s *Store) Close() error {
	rerr := s.reader.Close()
	werr := s.writer.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// Ping reports whether the database answers on both handles.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.writer.PingContext(ctx); err != nil {
		return err
	}
	return s.reader.PingContext(ctx)
}

// verify pings both handles and confirms the journal mode actually took
// effect; a silently ignored pragma would void the reader/writer split.
func (s *Store) verify() error {
	if err := s.writer.Ping(); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := s.reader.Ping(); err != nil {
		return fmt.Errorf("ping database reader: %w", err)
	}

	var mode string
	if err := s.writer.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("read journal mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("journal mode is %q, want wal", mode)
	}
	return nil
}

// migrate runs database schema migrations. Safe to run repeatedly.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		status INTEGER NOT NULL,
		audio_path TEXT NOT NULL,
		model TEXT NOT NULL,
		language TEXT NOT NULL,
		translate INTEGER NOT NULL DEFAULT 0,
		progress REAL NOT NULL DEFAULT 0,
		error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		audio_duration_seconds REAL
	);

	CREATE TABLE IF NOT EXISTS transcript_segments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
		idx INTEGER NOT NULL,
		start_time REAL NOT NULL,
		end_time REAL NOT NULL,
		text TEXT NOT NULL,
		edited_text TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_segments_job_idx ON transcript_segments(job_id, idx);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := s.writer.Exec(schema); err != nil {
		return err
	}

	return s.migrateEditedText()
}

// migrateEditedText adds the edited_text column to databases created before
// transcript editing existed.
func (s *Store) migrateEditedText() error {
	rows, err := s.writer.Query(`PRAGMA table_info(transcript_segments)`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	hasColumn := false
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == "edited_text" {
			hasColumn = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if hasColumn {
		return nil
	}

	logger := log.WithComponent("store")
	logger.Info().Msg("adding edited_text column to transcript_segments")
	_, err = s.writer.Exec(`ALTER TABLE transcript_segments ADD COLUMN edited_text TEXT`)
	return err
}

// isConstraintErr reports whether err is any SQLITE_CONSTRAINT violation.
func isConstraintErr(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code()&0xff == sqliteConstraint
	}
	return false
}

// now returns the timestamp format persisted in the database. Fixed-width
// fractional seconds keep lexicographic and chronological order aligned.
func now() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

// parseTime reads a persisted timestamp; zero time on malformed input.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
