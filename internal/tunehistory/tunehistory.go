// Package tunehistory is the supplemental tune-attempt audit log: a small
// embedded SQLite store accumulating why a tuner kept erroring, in the same
// single-file-embedded-store idiom used elsewhere in this codebase for
// lightweight durable bookkeeping.
package tunehistory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is one completed tune() attempt.
type Record struct {
	TunerID   int
	ChannelID string
	Outcome   string // "live", "placeholder", "error"
	Detail    string // error text when Outcome == "error"; empty otherwise
	Duration  time.Duration
	At        time.Time
}

// Store is an append-only log of tune attempts backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates or opens the tune-history database at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tunehistory: open %s: %w", path, err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS tune_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tuner_id INTEGER NOT NULL,
		channel_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL,
		at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("tunehistory: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Append records one completed tune attempt.
func (s *Store) Append(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tune_attempts (tuner_id, channel_id, outcome, detail, duration_ms, at) VALUES (?, ?, ?, ?, ?, ?)`,
		r.TunerID, r.ChannelID, r.Outcome, r.Detail, r.Duration.Milliseconds(), r.At.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("tunehistory: append: %w", err)
	}
	return nil
}

// Recent returns the n most recently appended records, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tuner_id, channel_id, outcome, detail, duration_ms, at FROM tune_attempts ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("tunehistory: recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var durMS int64
		var at string
		if err := rows.Scan(&r.TunerID, &r.ChannelID, &r.Outcome, &r.Detail, &durMS, &at); err != nil {
			return nil, fmt.Errorf("tunehistory: scan: %w", err)
		}
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.At, _ = time.Parse(time.RFC3339, at)
		out = append(out, r)
	}
	return out, rows.Err()
}
