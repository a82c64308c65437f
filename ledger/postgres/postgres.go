// Package postgres provides a PostgreSQL-backed usage ledger.
//
// Entries are append-only rows; windowed counts are served by an index
// on (bucket, created_at). This is the multi-instance deployment path.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/visiongate"
)

// Store is a PostgreSQL-backed Ledger.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ visiongate.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "visiongate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed Ledger.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "visiongate_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) entriesTable() string { return s.tablePrefix + "usage_entries" }

// EnsureSchema creates the required table and index if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			bucket TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			fingerprint TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			analysis_type TEXT NOT NULL,
			success BOOLEAN NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			key_id TEXT NOT NULL DEFAULT '',
			charged BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_bucket_created_at
			ON %[1]s (bucket, created_at);
	`, s.entriesTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("visiongate/postgres: ensure schema: %w", err)
	}
	return nil
}

// Append records one attempt.
func (s *Store) Append(ctx context.Context, e visiongate.Entry) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(id, bucket, user_id, fingerprint, ip_address, user_agent,
			 analysis_type, success, error_kind, key_id, charged, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			s.entriesTable()),
		e.ID, e.Identity.Bucket(), e.Identity.UserID, e.Identity.SessionFingerprint,
		e.Identity.IPAddress, e.Identity.UserAgent,
		string(e.AnalysisType), e.Success, string(e.ErrorKind), e.KeyID,
		e.CountsTowardQuota(), e.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("visiongate/postgres: append: %w", err)
	}
	return nil
}

// CountSince returns charged attempts for a bucket at or after the cutoff.
func (s *Store) CountSince(ctx context.Context, bucket string, since time.Time) (visiongate.WindowStats, error) {
	var count int64
	var newest *time.Time

	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*), max(created_at) FROM %s
			WHERE bucket = $1 AND created_at >= $2 AND charged`,
			s.entriesTable()),
		bucket, since.UTC(),
	).Scan(&count, &newest)
	if err != nil {
		return visiongate.WindowStats{}, fmt.Errorf("visiongate/postgres: count since: %w", err)
	}

	stats := visiongate.WindowStats{Attempts: count}
	if newest != nil {
		stats.Newest = *newest
	}
	return stats, nil
}

// Cleanup removes entries older than the retention cutoff and returns
// how many were deleted.
func (s *Store) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE created_at < $1`, s.entriesTable()),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("visiongate/postgres: cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}
