// Package postgres implements [journal.Store] on PostgreSQL using pgx.
package postgres

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voiceorder/internal/journal"
)

// Schema is the SQL DDL for the journal table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS session_journal (
    id          BIGSERIAL PRIMARY KEY,
    session_id  TEXT NOT NULL,
    kind        TEXT NOT NULL,
    at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    summary     TEXT NOT NULL DEFAULT '',
    payload     JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_session_journal_session ON session_journal(session_id, id);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [journal.Store] backed by PostgreSQL.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

var _ journal.Store = (*Store)(nil)

// New returns a [Store] on an existing connection or pool. The caller owns
// db and must run [Store.Migrate] before use.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open creates a connection pool for dsn, verifies it and applies [Schema].
// Close releases the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal postgres: ping: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("journal postgres: migrate: %w", err)
	}
	return nil
}

// Append implements [journal.Store].
func (s *Store) Append(ctx context.Context, rec journal.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	payload := []byte(rec.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	const query = `
		INSERT INTO session_journal (session_id, kind, at, summary, payload)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.Exec(ctx, query, rec.SessionID, string(rec.Kind), rec.At, rec.Summary, payload); err != nil {
		return fmt.Errorf("journal postgres: append: %w", err)
	}
	return nil
}

// Recent implements [journal.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]journal.Record, error) {
	query := `
		SELECT id, session_id, kind, at, summary, payload
		FROM session_journal
		WHERE session_id = $1
		ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: recent: %w", err)
	}
	defer rows.Close()

	var out []journal.Record
	for rows.Next() {
		var (
			rec     journal.Record
			kind    string
			payload []byte
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &kind, &rec.At, &rec.Summary, &payload); err != nil {
			return nil, fmt.Errorf("journal postgres: scan: %w", err)
		}
		rec.Kind = journal.Kind(kind)
		rec.Payload = payload
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal postgres: rows: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Close releases the pool when the store opened it.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
