// Package keypool provides the in-memory key pool, the single-process
// and test path. Multi-instance deployments use the postgres backend,
// whose conditional update serializes reservations through the store.
package keypool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/visiongate"
)

// MemoryPool is an in-memory key pool. The compare-and-increment runs
// under one mutex, so two concurrent reservations can never both pass a
// capacity check that only one of them should pass.
type MemoryPool struct {
	mu      sync.Mutex
	keys    map[string]*visiongate.ProviderKey
	order   []string // seed order, tiebreaker for never-used keys
	resetAt time.Time
	now     func() time.Time
}

var (
	_ visiongate.KeyPool   = (*MemoryPool)(nil)
	_ visiongate.KeySeeder = (*MemoryPool)(nil)
)

// NewMemoryPool creates an empty in-memory pool.
func NewMemoryPool() *MemoryPool {
	now := time.Now
	return &MemoryPool{
		keys:    make(map[string]*visiongate.ProviderKey),
		resetAt: nextMidnightUTC(now()),
		now:     now,
	}
}

// SeedKey adds or replaces a key in the pool.
func (p *MemoryPool) SeedKey(key visiongate.ProviderKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.keys[key.ID]; !ok {
		p.order = append(p.order, key.ID)
	}
	k := key
	p.keys[key.ID] = &k
}

// Reserve selects a usable key and atomically charges one unit of its
// capacity. Premium identities get their own active key first, then
// the system pool in ascending LastUsedAt order.
func (p *MemoryPool) Reserve(_ context.Context, identity visiongate.RequestIdentity, premium bool, exclude ...string) (visiongate.ProviderKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.maybeReset()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}

	if premium && identity.UserID != "" {
		for _, id := range p.order {
			k := p.keys[id]
			if k.Scope == visiongate.ScopeUser && k.OwnerID == identity.UserID &&
				k.Selectable() && !skip[k.ID] {
				return p.charge(k), nil
			}
		}
	}

	var candidates []*visiongate.ProviderKey
	for _, id := range p.order {
		k := p.keys[id]
		if k.Scope == visiongate.ScopeSystem && k.Selectable() && !skip[k.ID] {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return visiongate.ProviderKey{}, visiongate.ErrNoKeyAvailable
	}

	// Ascending LastUsedAt spreads load and keeps never-used keys from
	// starving; seed order breaks ties deterministically.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})

	return p.charge(candidates[0]), nil
}

// charge increments usage under the pool lock and returns a copy.
func (p *MemoryPool) charge(k *visiongate.ProviderKey) visiongate.ProviderKey {
	k.UsageCount++
	k.LastUsedAt = p.now()
	return *k
}

// Keys returns a copy of all keys, in seed order.
func (p *MemoryPool) Keys() []visiongate.ProviderKey {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]visiongate.ProviderKey, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, *p.keys[id])
	}
	return out
}

// SetStatus updates a key's lifecycle state, e.g. when an operator
// deactivates a credential the provider rejected.
func (p *MemoryPool) SetStatus(keyID string, status visiongate.KeyStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	k, ok := p.keys[keyID]
	if !ok {
		return false
	}
	k.Status = status
	return true
}

// maybeReset zeroes usage counters on the daily boundary. Must be
// called with the lock held.
func (p *MemoryPool) maybeReset() {
	now := p.now().UTC()
	if now.After(p.resetAt) {
		for _, k := range p.keys {
			k.UsageCount = 0
		}
		p.resetAt = nextMidnightUTC(now)
	}
}

func nextMidnightUTC(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
