// Package sqlite implements [journal.Store] on an embedded SQLite database
// (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MrWong99/voiceorder/internal/journal"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_journal (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind       TEXT NOT NULL,
    at         INTEGER NOT NULL,
    summary    TEXT NOT NULL DEFAULT '',
    payload    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_session_journal_session ON session_journal(session_id, id);
`

// Store is a [journal.Store] backed by a SQLite file.
type Store struct {
	db *sql.DB
}

var _ journal.Store = (*Store)(nil)

// Open opens or creates the database at path in WAL mode and applies the
// schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal sqlite: open database: %w", err)
	}
	// One writer at a time; SQLite serialises writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal sqlite: ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal sqlite: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Append implements [journal.Store].
func (s *Store) Append(ctx context.Context, rec journal.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	payload := string(rec.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_journal (session_id, kind, at, summary, payload)
		VALUES (?, ?, ?, ?, ?)
	`, rec.SessionID, string(rec.Kind), rec.At.UnixMilli(), rec.Summary, payload)
	if err != nil {
		return fmt.Errorf("journal sqlite: append: %w", err)
	}
	return nil
}

// Recent implements [journal.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]journal.Record, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, at, summary, payload
		FROM session_journal
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("journal sqlite: query recent: %w", err)
	}
	defer rows.Close()

	var out []journal.Record
	for rows.Next() {
		var (
			rec     journal.Record
			kind    string
			at      int64
			payload string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &kind, &at, &rec.Summary, &payload); err != nil {
			return nil, fmt.Errorf("journal sqlite: scan record: %w", err)
		}
		rec.Kind = journal.Kind(kind)
		rec.At = time.UnixMilli(at)
		rec.Payload = []byte(payload)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal sqlite: rows: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
