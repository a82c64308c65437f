package visiongate

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	ErrQuotaExceeded        = errors.New("visiongate: quota exceeded")
	ErrCooldown             = errors.New("visiongate: cooldown in effect")
	ErrLoginRequired        = errors.New("visiongate: login required")
	ErrEvaluatorUnavailable = errors.New("visiongate: quota evaluator unavailable")
	ErrNoKeyAvailable       = errors.New("visiongate: no provider key available")
	ErrInvalidKey           = errors.New("visiongate: provider rejected credential")
	ErrAPIQuota             = errors.New("visiongate: provider rate limited")
	ErrNetwork              = errors.New("visiongate: provider unreachable")
	ErrUnknown              = errors.New("visiongate: unreadable provider response")
	ErrInvalidRequest       = errors.New("visiongate: invalid request")
)

// ErrorKind is the closed failure taxonomy recorded in the usage ledger
// and surfaced on the wire. Transport-specific status codes never leak
// past the provider adapters.
type ErrorKind string

const (
	KindQuotaExceeded        ErrorKind = "quota_exceeded"
	KindCooldown             ErrorKind = "cooldown"
	KindLoginRequired        ErrorKind = "login_required"
	KindEvaluatorUnavailable ErrorKind = "evaluator_unavailable"
	KindNoKeyAvailable       ErrorKind = "no_key_available"
	KindInvalidKey           ErrorKind = "invalid_key"
	KindAPIQuota             ErrorKind = "api_quota"
	KindNetwork              ErrorKind = "network"
	KindUnknown              ErrorKind = "unknown"
)

// KindOf classifies an error into the taxonomy. A nil error yields the
// empty kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrCooldown):
		return KindCooldown
	case errors.Is(err, ErrLoginRequired):
		return KindLoginRequired
	case errors.Is(err, ErrEvaluatorUnavailable):
		return KindEvaluatorUnavailable
	case errors.Is(err, ErrNoKeyAvailable):
		return KindNoKeyAvailable
	case errors.Is(err, ErrInvalidKey):
		return KindInvalidKey
	case errors.Is(err, ErrAPIQuota):
		return KindAPIQuota
	case errors.Is(err, ErrNetwork):
		return KindNetwork
	default:
		return KindUnknown
	}
}

// CountsTowardQuota reports whether an attempt ending in this kind is
// charged against the identity's quota window. Denials and pool
// exhaustion are recorded but not charged, otherwise an over-quota
// identity could never recover.
func (k ErrorKind) CountsTowardQuota() bool {
	switch k {
	case KindQuotaExceeded, KindCooldown, KindLoginRequired,
		KindEvaluatorUnavailable, KindNoKeyAvailable:
		return false
	default:
		return true
	}
}

// IsRetryable returns true if the error may be retried with a different
// key (rate limit) or after backoff (transport failure).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrAPIQuota) || errors.Is(err, ErrNetwork)
}

// GateError wraps an error with gateway context. The admission decision
// rides along so callers can surface quota info on denial paths.
type GateError struct {
	Err      error
	Provider string
	KeyID    string
	Attempts int
	Decision AdmissionDecision
}

func (e *GateError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("visiongate: attempts=%d: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("visiongate: provider=%s key=%s attempts=%d: %v",
		e.Provider, e.KeyID, e.Attempts, e.Err)
}

func (e *GateError) Unwrap() error {
	return e.Err
}
