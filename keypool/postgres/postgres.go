// Package postgres provides a PostgreSQL-backed key pool.
//
// Reservation is a conditional update guarded by the capacity check
// inside one transaction, so concurrent reservations against the same
// key serialize through the database rather than through in-process
// locks — the gateway may run as multiple stateless instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/visiongate"
)

// Store is a PostgreSQL-backed KeyPool.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var (
	_ visiongate.KeyPool   = (*Store)(nil)
	_ visiongate.KeySeeder = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "visiongate_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed KeyPool.
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

func (s *Store) keysTable() string { return s.tablePrefix + "provider_keys" }

// EnsureSchema creates the required table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			scope TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL,
			daily_limit BIGINT NOT NULL,
			usage_count BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active',
			last_used_at TIMESTAMPTZ,
			reset_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT usage_within_limit CHECK (usage_count <= daily_limit)
		);
	`, s.keysTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("visiongate/postgres: ensure schema: %w", err)
	}
	return nil
}

const keyColumns = "id, provider, scope, owner_id, api_key, daily_limit, usage_count, status, last_used_at"

// Reserve selects a usable key and atomically charges one unit of its
// capacity. The owning user's key is tried first for premium
// identities, then the system pool in ascending last_used_at order.
func (s *Store) Reserve(ctx context.Context, identity visiongate.RequestIdentity, premium bool, exclude ...string) (visiongate.ProviderKey, error) {
	if exclude == nil {
		exclude = []string{}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return visiongate.ProviderKey{}, fmt.Errorf("visiongate/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	nextMidnight := nextMidnightUTC(now)

	// Lazy daily reset.
	_, err = tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET usage_count = 0, reset_at = $1 WHERE reset_at <= $2`,
			s.keysTable()),
		nextMidnight, now,
	)
	if err != nil {
		return visiongate.ProviderKey{}, fmt.Errorf("visiongate/postgres: daily reset: %w", err)
	}

	if premium && identity.UserID != "" {
		key, err := s.reserveOne(ctx, tx,
			`scope = 'user' AND owner_id = $1`, []any{identity.UserID, exclude}, 2)
		if err == nil {
			if err := tx.Commit(ctx); err != nil {
				return visiongate.ProviderKey{}, fmt.Errorf("visiongate/postgres: commit: %w", err)
			}
			return key, nil
		}
		if !errors.Is(err, visiongate.ErrNoKeyAvailable) {
			return visiongate.ProviderKey{}, err
		}
	}

	key, err := s.reserveOne(ctx, tx, `scope = 'system'`, []any{exclude}, 1)
	if err != nil {
		return visiongate.ProviderKey{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return visiongate.ProviderKey{}, fmt.Errorf("visiongate/postgres: commit: %w", err)
	}
	return key, nil
}

// reserveOne runs the conditional compare-and-increment for one scope.
// SKIP LOCKED keeps concurrent gateways from queueing on the same row
// when a sibling key has spare capacity. excludeArg is the 1-based
// position of the excluded-ids parameter in args.
func (s *Store) reserveOne(ctx context.Context, tx pgx.Tx, where string, args []any, excludeArg int) (visiongate.ProviderKey, error) {
	q := fmt.Sprintf(`
		UPDATE %[1]s SET usage_count = usage_count + 1, last_used_at = now()
		WHERE id = (
			SELECT id FROM %[1]s
			WHERE %[2]s
			  AND status = 'active'
			  AND usage_count < daily_limit
			  AND NOT (id = ANY($%[3]d))
			ORDER BY last_used_at ASC NULLS FIRST, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+keyColumns, s.keysTable(), where, excludeArg)

	var k visiongate.ProviderKey
	var lastUsed *time.Time
	err := tx.QueryRow(ctx, q, args...).Scan(
		&k.ID, &k.Provider, &k.Scope, &k.OwnerID, &k.APIKey,
		&k.DailyLimit, &k.UsageCount, &k.Status, &lastUsed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return visiongate.ProviderKey{}, visiongate.ErrNoKeyAvailable
	}
	if err != nil {
		return visiongate.ProviderKey{}, fmt.Errorf("visiongate/postgres: reserve: %w", err)
	}
	if lastUsed != nil {
		k.LastUsedAt = *lastUsed
	}
	return k, nil
}

// SeedKey upserts a key. Usage and status of an existing row are left
// alone so seeding at startup never un-exhausts or reactivates a key.
func (s *Store) SeedKey(key visiongate.ProviderKey) {
	ctx := context.Background()
	_, _ = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s
			(id, provider, scope, owner_id, api_key, daily_limit, status, reset_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				provider = EXCLUDED.provider,
				scope = EXCLUDED.scope,
				owner_id = EXCLUDED.owner_id,
				api_key = EXCLUDED.api_key,
				daily_limit = EXCLUDED.daily_limit`,
			s.keysTable()),
		key.ID, key.Provider, string(key.Scope), key.OwnerID, key.APIKey,
		key.DailyLimit, string(key.Status), nextMidnightUTC(time.Now().UTC()),
	)
}

// SetStatus updates a key's lifecycle state, the administrative path
// for deactivating a credential the provider rejected.
func (s *Store) SetStatus(ctx context.Context, keyID string, status visiongate.KeyStatus) error {
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = $1 WHERE id = $2`, s.keysTable()),
		string(status), keyID,
	)
	if err != nil {
		return fmt.Errorf("visiongate/postgres: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("visiongate/postgres: key %q not found", keyID)
	}
	return nil
}

func nextMidnightUTC(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
