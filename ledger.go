package visiongate

import (
	"context"
	"time"
)

// Entry is one admission attempt and its outcome. Entries are immutable
// once written; exactly one is produced per attempt regardless of where
// the attempt terminates.
type Entry struct {
	ID           string
	Identity     RequestIdentity
	AnalysisType AnalysisType
	Success      bool
	ErrorKind    ErrorKind // empty on success
	KeyID        string    // empty when no key was reserved
	Timestamp    time.Time
}

// CountsTowardQuota reports whether the entry is charged against its
// identity's quota window.
func (e Entry) CountsTowardQuota() bool {
	return e.Success || e.ErrorKind.CountsTowardQuota()
}

// WindowStats summarizes an identity's charged attempts inside a
// rolling window.
type WindowStats struct {
	Attempts int64
	Newest   time.Time // zero when Attempts == 0
}

// Ledger is the append-only record of admission attempts. It is the
// source of truth the quota evaluator reads; under-recording here
// silently breaks future admission decisions.
type Ledger interface {
	// Append records one attempt. Must never be skipped on failure paths.
	Append(ctx context.Context, entry Entry) error

	// CountSince returns the charged attempts for a bucket at or after
	// the cutoff, along with the newest such attempt's timestamp.
	CountSince(ctx context.Context, bucket string, since time.Time) (WindowStats, error)
}
