package visiongate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vg "github.com/ineyio/visiongate"
	"github.com/ineyio/visiongate/ledger"
)

func testLimits() vg.Limits {
	return vg.Limits{
		FreeDailyCeiling: 3,
		QuotaWindow:      24 * time.Hour,
		PremiumBurst:     5,
		BurstWindow:      time.Minute,
		Cooldown:         5 * time.Minute,
	}
}

func seedCharged(t *testing.T, led *ledger.MemoryLedger, identity vg.RequestIdentity, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, led.Append(context.Background(), vg.Entry{
			ID:           string(rune('a' + i)),
			Identity:     identity,
			AnalysisType: vg.AnalysisSpecies,
			Success:      true,
			Timestamp:    at,
		}))
	}
}

// Test 1: A fresh anonymous identity is admitted on the free tier.
func TestEvaluate_FreshIdentityAllowed(t *testing.T) {
	led := ledger.NewMemoryLedger()
	e := vg.NewEvaluator(led, nil, testLimits())

	d := e.Evaluate(context.Background(), vg.RequestIdentity{SessionFingerprint: "fp"})
	assert.True(t, d.CanProceed)
	assert.False(t, d.IsPremiumTier)
	assert.Equal(t, vg.ReasonOK, d.ReasonCode)
}

// Test 2: Hitting the free ceiling inside the window denies.
func TestEvaluate_FreeCeiling(t *testing.T) {
	led := ledger.NewMemoryLedger()
	identity := vg.RequestIdentity{SessionFingerprint: "fp"}
	seedCharged(t, led, identity, 3, time.Now().Add(-time.Hour))

	e := vg.NewEvaluator(led, nil, testLimits())

	d := e.Evaluate(context.Background(), identity)
	assert.False(t, d.CanProceed)
	assert.Equal(t, vg.ReasonQuotaExceeded, d.ReasonCode)
	assert.NotEmpty(t, d.Message)
}

// Test 3: Attempts outside the quota window no longer count.
func TestEvaluate_WindowExpiry(t *testing.T) {
	led := ledger.NewMemoryLedger()
	identity := vg.RequestIdentity{SessionFingerprint: "fp"}
	seedCharged(t, led, identity, 3, time.Now().Add(-25*time.Hour))

	e := vg.NewEvaluator(led, nil, testLimits())

	d := e.Evaluate(context.Background(), identity)
	assert.True(t, d.CanProceed)
}

// Test 4: Denial entries are recorded in the ledger but never charged,
// so a denied identity is not pushed further over its ceiling.
func TestEvaluate_DenialsDoNotCharge(t *testing.T) {
	led := ledger.NewMemoryLedger()
	identity := vg.RequestIdentity{SessionFingerprint: "fp"}
	seedCharged(t, led, identity, 2, time.Now().Add(-time.Hour))
	for i := 0; i < 10; i++ {
		require.NoError(t, led.Append(context.Background(), vg.Entry{
			ID:           string(rune('p' + i)),
			Identity:     identity,
			AnalysisType: vg.AnalysisSpecies,
			ErrorKind:    vg.KindQuotaExceeded,
			Timestamp:    time.Now(),
		}))
	}

	e := vg.NewEvaluator(led, nil, testLimits())

	d := e.Evaluate(context.Background(), identity)
	assert.True(t, d.CanProceed)
}

// Test 5: Quota buckets are independent per identity.
func TestEvaluate_BucketIsolation(t *testing.T) {
	led := ledger.NewMemoryLedger()
	seedCharged(t, led, vg.RequestIdentity{SessionFingerprint: "fp-full"}, 3, time.Now())

	e := vg.NewEvaluator(led, nil, testLimits())

	assert.False(t, e.Evaluate(context.Background(), vg.RequestIdentity{SessionFingerprint: "fp-full"}).CanProceed)
	assert.True(t, e.Evaluate(context.Background(), vg.RequestIdentity{SessionFingerprint: "fp-other"}).CanProceed)
}

// Test 6: Premium identities skip the daily ceiling but a burst trips a
// cooldown anchored to the newest attempt.
func TestEvaluate_PremiumBurstCooldown(t *testing.T) {
	led := ledger.NewMemoryLedger()
	identity := vg.RequestIdentity{UserID: premiumUser}
	newest := time.Now().Add(-10 * time.Second)
	seedCharged(t, led, identity, 5, newest)

	tiers := vg.NewStaticTierSource([]string{premiumUser})
	e := vg.NewEvaluator(led, tiers, testLimits())

	d := e.Evaluate(context.Background(), identity)
	assert.False(t, d.CanProceed)
	assert.True(t, d.IsPremiumTier)
	assert.Equal(t, vg.ReasonCooldown, d.ReasonCode)
	require.NotNil(t, d.CooldownUntil)
	assert.WithinDuration(t, newest.Add(5*time.Minute), *d.CooldownUntil, time.Second)
}

// Test 7: Premium under the burst threshold is never throttled, even
// well past the free ceiling.
func TestEvaluate_PremiumUnderBurst(t *testing.T) {
	led := ledger.NewMemoryLedger()
	identity := vg.RequestIdentity{UserID: premiumUser}
	// Far over the free ceiling, but all outside the burst window.
	seedCharged(t, led, identity, 50, time.Now().Add(-2*time.Minute))

	tiers := vg.NewStaticTierSource([]string{premiumUser})
	e := vg.NewEvaluator(led, tiers, testLimits())

	d := e.Evaluate(context.Background(), identity)
	assert.True(t, d.CanProceed)
	assert.True(t, d.IsPremiumTier)
}

// Test 8: An unreachable ledger fails closed, never a silent allow.
func TestEvaluate_FailClosedOnLedgerError(t *testing.T) {
	e := vg.NewEvaluator(failingLedger{}, nil, testLimits())

	d := e.Evaluate(context.Background(), vg.RequestIdentity{SessionFingerprint: "fp"})
	assert.False(t, d.CanProceed)
	assert.Equal(t, vg.ReasonEvaluatorUnavailable, d.ReasonCode)
}

// Test 9: A failing tier source also fails closed.
func TestEvaluate_FailClosedOnTierError(t *testing.T) {
	led := ledger.NewMemoryLedger()
	tiers := vg.TierSourceFunc(func(context.Context, string) (vg.Tier, error) {
		return "", assert.AnError
	})
	e := vg.NewEvaluator(led, tiers, testLimits())

	d := e.Evaluate(context.Background(), vg.RequestIdentity{UserID: premiumUser})
	assert.False(t, d.CanProceed)
	assert.Equal(t, vg.ReasonEvaluatorUnavailable, d.ReasonCode)
}
