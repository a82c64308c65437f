// Package redis provides a Redis-backed usage ledger.
//
// Per-bucket rolling windows are sorted sets scored by unix
// milliseconds; full entries go to a capped list for operators. Safe
// for multi-instance deployments.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/visiongate"
)

// Store is a Redis-backed Ledger.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	retention time.Duration
	maxLog    int64
}

var _ visiongate.Ledger = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "visiongate:ledger:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithRetention sets how long window members are kept (default 25h,
// slightly over the largest quota window).
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithMaxLog caps the operator entry log length (default 10000).
func WithMaxLog(n int64) Option {
	return func(s *Store) { s.maxLog = n }
}

// New creates a new Redis-backed Ledger.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "visiongate:ledger:",
		retention: 25 * time.Hour,
		maxLog:    10000,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) windowKey(bucket string) string { return s.keyPrefix + "win:" + bucket }
func (s *Store) logKey() string                 { return s.keyPrefix + "log" }

type wireEntry struct {
	ID           string `json:"id"`
	Bucket       string `json:"bucket"`
	UserID       string `json:"user_id,omitempty"`
	Fingerprint  string `json:"fingerprint,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	AnalysisType string `json:"analysis_type"`
	Success      bool   `json:"success"`
	ErrorKind    string `json:"error_kind,omitempty"`
	KeyID        string `json:"key_id,omitempty"`
	TimestampMS  int64  `json:"timestamp_ms"`
}

// Append records one attempt. Charged attempts also land in the
// bucket's rolling window.
func (s *Store) Append(ctx context.Context, e visiongate.Entry) error {
	payload, err := json.Marshal(wireEntry{
		ID:           e.ID,
		Bucket:       e.Identity.Bucket(),
		UserID:       e.Identity.UserID,
		Fingerprint:  e.Identity.SessionFingerprint,
		IPAddress:    e.Identity.IPAddress,
		UserAgent:    e.Identity.UserAgent,
		AnalysisType: string(e.AnalysisType),
		Success:      e.Success,
		ErrorKind:    string(e.ErrorKind),
		KeyID:        e.KeyID,
		TimestampMS:  e.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("visiongate/redis: marshal entry: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.logKey(), payload)
	pipe.LTrim(ctx, s.logKey(), 0, s.maxLog-1)

	if e.CountsTowardQuota() {
		winKey := s.windowKey(e.Identity.Bucket())
		pipe.ZAdd(ctx, winKey, goredis.Z{
			Score:  float64(e.Timestamp.UnixMilli()),
			Member: e.ID,
		})
		cutoff := e.Timestamp.Add(-s.retention).UnixMilli()
		pipe.ZRemRangeByScore(ctx, winKey, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, winKey, s.retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("visiongate/redis: append: %w", err)
	}
	return nil
}

// CountSince returns charged attempts for a bucket at or after the cutoff.
func (s *Store) CountSince(ctx context.Context, bucket string, since time.Time) (visiongate.WindowStats, error) {
	winKey := s.windowKey(bucket)
	min := strconv.FormatInt(since.UnixMilli(), 10)

	count, err := s.client.ZCount(ctx, winKey, min, "+inf").Result()
	if err != nil {
		return visiongate.WindowStats{}, fmt.Errorf("visiongate/redis: count since: %w", err)
	}

	stats := visiongate.WindowStats{Attempts: count}
	if count == 0 {
		return stats, nil
	}

	newest, err := s.client.ZRevRangeByScoreWithScores(ctx, winKey, &goredis.ZRangeBy{
		Min:   min,
		Max:   "+inf",
		Count: 1,
	}).Result()
	if err != nil {
		return visiongate.WindowStats{}, fmt.Errorf("visiongate/redis: newest: %w", err)
	}
	if len(newest) > 0 {
		stats.Newest = time.UnixMilli(int64(newest[0].Score)).UTC()
	}
	return stats, nil
}
