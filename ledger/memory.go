// Package ledger provides the in-memory usage ledger, the
// single-process and test path. Multi-instance deployments use the
// postgres or redis backends.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/visiongate"
)

// MemoryLedger is an append-only in-memory usage ledger.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []visiongate.Entry
}

var _ visiongate.Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

// Append records one attempt.
func (l *MemoryLedger) Append(_ context.Context, entry visiongate.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, entry)
	return nil
}

// CountSince returns charged attempts for a bucket at or after the cutoff.
func (l *MemoryLedger) CountSince(_ context.Context, bucket string, since time.Time) (visiongate.WindowStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var stats visiongate.WindowStats
	for _, e := range l.entries {
		if e.Identity.Bucket() != bucket || e.Timestamp.Before(since) || !e.CountsTowardQuota() {
			continue
		}
		stats.Attempts++
		if e.Timestamp.After(stats.Newest) {
			stats.Newest = e.Timestamp
		}
	}
	return stats, nil
}

// Entries returns a copy of all recorded entries, oldest first.
func (l *MemoryLedger) Entries() []visiongate.Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]visiongate.Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of recorded entries.
func (l *MemoryLedger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Prune drops entries older than the cutoff and returns how many were
// removed. Entries inside the quota window are never pruned.
func (l *MemoryLedger) Prune(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[:0]
	for _, e := range l.entries {
		if !e.Timestamp.Before(before) {
			kept = append(kept, e)
		}
	}
	removed := len(l.entries) - len(kept)
	l.entries = kept
	return removed
}
