package visiongate

import (
	"context"
	"time"
)

// KeyScope partitions the key pool into user-owned and system-shared keys.
type KeyScope string

const (
	ScopeSystem KeyScope = "system"
	ScopeUser   KeyScope = "user"
)

// KeyStatus is the lifecycle state of a provider key.
type KeyStatus string

const (
	KeyActive   KeyStatus = "active"
	KeyInactive KeyStatus = "inactive"
	KeyExpired  KeyStatus = "expired"
)

// ProviderKey is a credential for an external vision provider, with a
// daily capacity. UsageCount never exceeds DailyLimit while the key is
// active; an exhausted key is not deleted, its counter resets on the
// store's daily boundary.
type ProviderKey struct {
	ID         string
	Provider   string // "gemini", "openai", "anthropic"
	Scope      KeyScope
	OwnerID    string // set when Scope == ScopeUser
	APIKey     string
	DailyLimit int64
	UsageCount int64
	Status     KeyStatus
	LastUsedAt time.Time // zero when never used
}

// Exhausted reports whether the key has no spare capacity.
func (k ProviderKey) Exhausted() bool { return k.UsageCount >= k.DailyLimit }

// Selectable reports whether the key may be handed out at all.
func (k ProviderKey) Selectable() bool { return k.Status == KeyActive && !k.Exhausted() }

// KeyPool selects and atomically reserves provider credentials.
//
// Reservation is a compare-and-increment against the backing store:
// two concurrent requests must never both pass a capacity check that
// only one of them should pass. The charge is permanent; the daily
// reset bounds the cost of failed attempts.
type KeyPool interface {
	// Reserve picks a usable key for the identity and charges one unit
	// of its capacity. Premium identities get their own active key
	// first; otherwise the system pool is scanned in ascending
	// LastUsedAt order. Keys whose id appears in exclude are skipped.
	// Returns ErrNoKeyAvailable when nothing qualifies.
	Reserve(ctx context.Context, identity RequestIdentity, premium bool, exclude ...string) (ProviderKey, error)
}

// KeySeeder is implemented by pools that can be populated from config.
type KeySeeder interface {
	SeedKey(key ProviderKey)
}
