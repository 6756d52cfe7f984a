// Package postgres provides a PostgreSQL-backed [journal.Journal].
//
// All entries live in a single utterances table that [Migrate] creates on
// first use.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	_ = store.Record(ctx, entry)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/kikitori/internal/journal"
)

var _ journal.Journal = (*Store)(nil)

const ddlUtterances = `
CREATE TABLE IF NOT EXISTS utterances (
    id           UUID         PRIMARY KEY,
    started_at   TIMESTAMPTZ  NOT NULL,
    duration_ns  BIGINT       NOT NULL DEFAULT 0,
    outcome      TEXT         NOT NULL,
    transcript   TEXT         NOT NULL DEFAULT '',
    confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
    error        TEXT         NOT NULL DEFAULT '',
    language     TEXT         NOT NULL DEFAULT '',
    frames_sent  INTEGER      NOT NULL DEFAULT 0,
    audio_path   TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_utterances_started_at
    ON utterances (started_at DESC);

CREATE INDEX IF NOT EXISTS idx_utterances_outcome
    ON utterances (outcome);
`

// Migrate creates the journal schema if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlUtterances); err != nil {
		return fmt.Errorf("journal: migrate: %w", err)
	}
	return nil
}

// Store is the PostgreSQL journal. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Ping checks the database connection. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Record implements [journal.Journal].
func (s *Store) Record(ctx context.Context, e journal.Entry) error {
	const q = `
		INSERT INTO utterances
		    (id, started_at, duration_ns, outcome, transcript, confidence, error, language, frames_sent, audio_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, q,
		e.ID.String(),
		e.StartedAt,
		e.Duration.Nanoseconds(),
		e.Outcome,
		e.Transcript,
		e.Confidence,
		e.Error,
		e.Language,
		e.FramesSent,
		e.AudioPath,
	)
	if err != nil {
		return fmt.Errorf("journal: record: %w", err)
	}
	return nil
}

// Recent implements [journal.Journal].
func (s *Store) Recent(ctx context.Context, limit int) ([]journal.Entry, error) {
	if limit <= 0 {
		limit = journal.DefaultLimit
	}
	const q = `
		SELECT id::text, started_at, duration_ns, outcome, transcript, confidence,
		       error, language, frames_sent, audio_path
		FROM   utterances
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]journal.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var (
			e          journal.Entry
			id         string
			durationNs int64
		)
		if err := row.Scan(&id, &e.StartedAt, &durationNs, &e.Outcome, &e.Transcript,
			&e.Confidence, &e.Error, &e.Language, &e.FramesSent, &e.AudioPath); err != nil {
			return e, err
		}
		if err := e.ID.UnmarshalText([]byte(id)); err != nil {
			return e, err
		}
		e.Duration = time.Duration(durationNs)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal: scan: %w", err)
	}
	return entries, nil
}
