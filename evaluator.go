package visiongate

import (
	"context"
	"fmt"
	"time"
)

// Limits configures the admission policy. The burst/cooldown constants
// are deliberately configuration, not code.
type Limits struct {
	// FreeDailyCeiling is the attempt ceiling for free/anonymous
	// identities within QuotaWindow.
	FreeDailyCeiling int64

	// QuotaWindow is the rolling window the free ceiling applies to.
	QuotaWindow time.Duration

	// PremiumBurst is the attempt count within BurstWindow that trips
	// a premium identity into cooldown.
	PremiumBurst int64

	// BurstWindow is the short rolling window for burst detection.
	BurstWindow time.Duration

	// Cooldown is how long a premium identity must wait after its
	// latest attempt once the burst threshold is hit.
	Cooldown time.Duration
}

// DefaultLimits returns the default admission policy.
func DefaultLimits() Limits {
	return Limits{
		FreeDailyCeiling: 5,
		QuotaWindow:      24 * time.Hour,
		PremiumBurst:     10,
		BurstWindow:      time.Minute,
		Cooldown:         5 * time.Minute,
	}
}

// TierSource reports the subscription tier for a user id.
type TierSource interface {
	Tier(ctx context.Context, userID string) (Tier, error)
}

// TierSourceFunc adapts a function to a TierSource.
type TierSourceFunc func(ctx context.Context, userID string) (Tier, error)

func (f TierSourceFunc) Tier(ctx context.Context, userID string) (Tier, error) {
	return f(ctx, userID)
}

// StaticTierSource resolves tiers from a fixed premium-user set.
type StaticTierSource struct {
	premium map[string]bool
}

var _ TierSource = (*StaticTierSource)(nil)

// NewStaticTierSource creates a TierSource marking the given user ids
// premium and everyone else free.
func NewStaticTierSource(premiumUserIDs []string) *StaticTierSource {
	m := make(map[string]bool, len(premiumUserIDs))
	for _, id := range premiumUserIDs {
		m[id] = true
	}
	return &StaticTierSource{premium: m}
}

func (s *StaticTierSource) Tier(_ context.Context, userID string) (Tier, error) {
	if s.premium[userID] {
		return TierPremium, nil
	}
	return TierFree, nil
}

// Evaluator produces admission decisions from the usage ledger. It
// only reads; evaluation is idempotent and side-effect-free.
type Evaluator struct {
	ledger Ledger
	tiers  TierSource
	limits Limits
	now    func() time.Time
}

// NewEvaluator creates an Evaluator. A nil tiers source treats every
// identity as free tier.
func NewEvaluator(ledger Ledger, tiers TierSource, limits Limits) *Evaluator {
	return &Evaluator{
		ledger: ledger,
		tiers:  tiers,
		limits: limits,
		now:    time.Now,
	}
}

// Evaluate classifies the identity's tier and decides whether the
// request may proceed. When the ledger or tier source is unreachable
// the decision fails closed: canProceed=false with
// evaluator_unavailable, never a silent allow.
func (e *Evaluator) Evaluate(ctx context.Context, identity RequestIdentity) AdmissionDecision {
	tier := TierFree
	if identity.UserID != "" && e.tiers != nil {
		t, err := e.tiers.Tier(ctx, identity.UserID)
		if err != nil {
			return unavailableDecision(fmt.Sprintf("tier lookup failed: %v", err))
		}
		tier = t
	}

	if tier == TierPremium {
		return e.evaluatePremium(ctx, identity)
	}
	return e.evaluateFree(ctx, identity)
}

func (e *Evaluator) evaluateFree(ctx context.Context, identity RequestIdentity) AdmissionDecision {
	now := e.now()
	stats, err := e.ledger.CountSince(ctx, identity.Bucket(), now.Add(-e.limits.QuotaWindow))
	if err != nil {
		return unavailableDecision(fmt.Sprintf("usage ledger unreachable: %v", err))
	}

	if stats.Attempts >= e.limits.FreeDailyCeiling {
		return AdmissionDecision{
			CanProceed: false,
			ReasonCode: ReasonQuotaExceeded,
			Message:    fmt.Sprintf("free limit of %d analyses reached, upgrade or try again tomorrow", e.limits.FreeDailyCeiling),
		}
	}

	return AdmissionDecision{
		CanProceed: true,
		ReasonCode: ReasonOK,
	}
}

func (e *Evaluator) evaluatePremium(ctx context.Context, identity RequestIdentity) AdmissionDecision {
	now := e.now()
	stats, err := e.ledger.CountSince(ctx, identity.Bucket(), now.Add(-e.limits.BurstWindow))
	if err != nil {
		d := unavailableDecision(fmt.Sprintf("usage ledger unreachable: %v", err))
		d.IsPremiumTier = true
		return d
	}

	if stats.Attempts >= e.limits.PremiumBurst {
		until := stats.Newest.Add(e.limits.Cooldown)
		if now.Before(until) {
			return AdmissionDecision{
				CanProceed:    false,
				IsPremiumTier: true,
				CooldownUntil: TimePtr(until),
				ReasonCode:    ReasonCooldown,
				Message:       fmt.Sprintf("slow down, try again after %s", until.UTC().Format(time.RFC3339)),
			}
		}
	}

	return AdmissionDecision{
		CanProceed:    true,
		IsPremiumTier: true,
		ReasonCode:    ReasonOK,
	}
}

func unavailableDecision(msg string) AdmissionDecision {
	return AdmissionDecision{
		CanProceed: false,
		ReasonCode: ReasonEvaluatorUnavailable,
		Message:    msg,
	}
}
