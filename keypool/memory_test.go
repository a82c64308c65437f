package keypool_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vg "github.com/ineyio/visiongate"
	"github.com/ineyio/visiongate/keypool"
)

const ownerID = "2f5a0c1e-4b6d-4e8a-9c3f-1d2e3f4a5b6c"

func systemKey(id string, limit int64) vg.ProviderKey {
	return vg.ProviderKey{
		ID:         id,
		Provider:   "gemini",
		Scope:      vg.ScopeSystem,
		APIKey:     id + "-secret",
		DailyLimit: limit,
		Status:     vg.KeyActive,
	}
}

func ownedKey(id, owner string, limit int64) vg.ProviderKey {
	return vg.ProviderKey{
		ID:         id,
		Provider:   "gemini",
		Scope:      vg.ScopeUser,
		OwnerID:    owner,
		APIKey:     id + "-secret",
		DailyLimit: limit,
		Status:     vg.KeyActive,
	}
}

func anon(fp string) vg.RequestIdentity {
	return vg.RequestIdentity{SessionFingerprint: fp}
}

// Test 1: System keys rotate in ascending last-used order, seed order
// breaking ties.
func TestMemoryPool_RotationOrder(t *testing.T) {
	p := keypool.NewMemoryPool()
	p.SeedKey(systemKey("k-1", 10))
	p.SeedKey(systemKey("k-2", 10))

	ctx := context.Background()

	k, err := p.Reserve(ctx, anon("fp"), false)
	require.NoError(t, err)
	assert.Equal(t, "k-1", k.ID)

	k, err = p.Reserve(ctx, anon("fp"), false)
	require.NoError(t, err)
	assert.Equal(t, "k-2", k.ID)

	// Back to the least recently used.
	k, err = p.Reserve(ctx, anon("fp"), false)
	require.NoError(t, err)
	assert.Equal(t, "k-1", k.ID)
}

// Test 2: Reservation is a charge; an exhausted key is skipped and an
// empty pool reports no_key_available.
func TestMemoryPool_Capacity(t *testing.T) {
	p := keypool.NewMemoryPool()
	p.SeedKey(systemKey("k-1", 1))
	p.SeedKey(systemKey("k-2", 1))

	ctx := context.Background()

	k1, err := p.Reserve(ctx, anon("fp"), false)
	require.NoError(t, err)
	k2, err := p.Reserve(ctx, anon("fp"), false)
	require.NoError(t, err)
	assert.NotEqual(t, k1.ID, k2.ID)

	_, err = p.Reserve(ctx, anon("fp"), false)
	assert.ErrorIs(t, err, vg.ErrNoKeyAvailable)

	for _, k := range p.Keys() {
		assert.Equal(t, int64(1), k.UsageCount)
		assert.LessOrEqual(t, k.UsageCount, k.DailyLimit)
	}
}

// Test 3: A premium identity gets its own key before the system pool.
func TestMemoryPool_OwnerKeyFirst(t *testing.T) {
	p := keypool.NewMemoryPool()
	p.SeedKey(systemKey("sys-1", 10))
	p.SeedKey(ownedKey("owned-1", ownerID, 10))

	ctx := context.Background()
	premium := vg.RequestIdentity{UserID: ownerID}

	k, err := p.Reserve(ctx, premium, true)
	require.NoError(t, err)
	assert.Equal(t, "owned-1", k.ID)

	// Free-tier traffic never touches user-owned keys.
	k, err = p.Reserve(ctx, anon("fp"), false)
	require.NoError(t, err)
	assert.Equal(t, "sys-1", k.ID)

	// Another premium user without an owned key falls through to the
	// system pool.
	other := vg.RequestIdentity{UserID: "9c1d2e3f-4a5b-4c6d-8e9f-0a1b2c3d4e5f"}
	k, err = p.Reserve(ctx, other, true)
	require.NoError(t, err)
	assert.Equal(t, "sys-1", k.ID)
}

// Test 4: An exhausted owned key falls back to the system pool.
func TestMemoryPool_OwnerKeyExhaustedFallback(t *testing.T) {
	p := keypool.NewMemoryPool()
	p.SeedKey(vg.ProviderKey{
		ID: "owned-1", Provider: "gemini", Scope: vg.ScopeUser, OwnerID: ownerID,
		APIKey: "s", DailyLimit: 2, UsageCount: 2, Status: vg.KeyActive,
	})
	p.SeedKey(systemKey("sys-1", 10))

	k, err := p.Reserve(context.Background(), vg.RequestIdentity{UserID: ownerID}, true)
	require.NoError(t, err)
	assert.Equal(t, "sys-1", k.ID)
}

// Test 5: Excluded and inactive keys are skipped during selection.
func TestMemoryPool_ExclusionAndStatus(t *testing.T) {
	p := keypool.NewMemoryPool()
	p.SeedKey(systemKey("k-1", 10))
	p.SeedKey(systemKey("k-2", 10))
	p.SeedKey(systemKey("k-3", 10))

	ctx := context.Background()

	require.True(t, p.SetStatus("k-1", vg.KeyInactive))

	k, err := p.Reserve(ctx, anon("fp"), false, "k-2")
	require.NoError(t, err)
	assert.Equal(t, "k-3", k.ID)

	_, err = p.Reserve(ctx, anon("fp"), false, "k-2", "k-3")
	assert.ErrorIs(t, err, vg.ErrNoKeyAvailable)

	assert.False(t, p.SetStatus("missing", vg.KeyInactive))
}

// Test 6: Concurrent reservations never exceed a key's capacity.
func TestMemoryPool_ConcurrentReserve(t *testing.T) {
	const capacity = 10
	const workers = 50

	p := keypool.NewMemoryPool()
	p.SeedKey(systemKey("k-1", capacity))

	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Reserve(context.Background(), anon("fp"), false); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, success)

	k := p.Keys()[0]
	assert.Equal(t, int64(capacity), k.UsageCount)
	assert.False(t, k.LastUsedAt.IsZero())
	assert.WithinDuration(t, time.Now(), k.LastUsedAt, time.Minute)
}
