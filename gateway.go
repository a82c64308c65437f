package visiongate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Gateway is the admission-control and key-rotation gateway in front of
// external vision providers. Per request it resolves the identity,
// evaluates quota, reserves a credential, invokes the provider and
// records the outcome — in that order, with exactly one ledger write
// per attempt on every terminal path.
type Gateway struct {
	cfg       Config
	evaluator *Evaluator
	pool      KeyPool
	providers map[string]VisionProvider
	ledger    Ledger
	meter     Meter
	health    *KeyHealthTracker
	prompts   PromptCatalog
	tiers     TierSource

	now   func() time.Time
	sleep func(time.Duration)
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(g *Gateway) { g.meter = m }
}

// WithTierSource overrides the config-derived tier source.
func WithTierSource(ts TierSource) Option {
	return func(g *Gateway) { g.tiers = ts }
}

// WithKeyHealthTracker sets the key health tracker.
func WithKeyHealthTracker(h *KeyHealthTracker) Option {
	return func(g *Gateway) { g.health = h }
}

// New creates a Gateway. The ledger and pool are required; system keys
// from the config are seeded into the pool when it supports seeding.
func New(cfg Config, ledger Ledger, pool KeyPool, providers []VisionProvider, opts ...Option) (*Gateway, error) {
	if ledger == nil {
		return nil, fmt.Errorf("visiongate: a ledger is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("visiongate: a key pool is required")
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("visiongate: at least one provider is required")
	}

	provMap := make(map[string]VisionProvider, len(providers))
	for _, p := range providers {
		provMap[p.Name()] = p
	}

	g := &Gateway{
		cfg:       cfg,
		pool:      pool,
		providers: provMap,
		ledger:    ledger,
		prompts:   cfg.prompts(),
		now:       time.Now,
		sleep:     time.Sleep,
	}

	for _, opt := range opts {
		opt(g)
	}

	// Apply defaults after options.
	if g.meter == nil {
		g.meter = noopMeter{}
	}
	if g.health == nil {
		g.health = NewKeyHealthTracker()
	}
	if g.tiers == nil {
		g.tiers = NewStaticTierSource(cfg.PremiumUsers)
	}
	g.evaluator = NewEvaluator(ledger, g.tiers, cfg.limits())

	if seeder, ok := pool.(KeySeeder); ok {
		for _, k := range cfg.poolKeys() {
			seeder.SeedKey(k)
		}
	}

	return g, nil
}

// Evaluator exposes the gateway's quota evaluator, e.g. for a
// read-only quota endpoint.
func (g *Gateway) Evaluator() *Evaluator { return g.evaluator }

// Handle runs one analysis request through the gate.
//
// On denial the returned error is a *GateError carrying the admission
// decision, so callers can surface the reason and any cooldown deadline
// without calling the provider or touching the key pool. On success the
// ledger entry is written before the result is returned, so a client
// disconnect after the provider call never leaves usage unaccounted.
func (g *Gateway) Handle(ctx context.Context, req AnalysisRequest) (AnalysisResponse, error) {
	analysisType := req.AnalysisType
	if analysisType == "" {
		analysisType = AnalysisBoth
	}
	if !analysisType.Valid() {
		return AnalysisResponse{}, &GateError{
			Err: fmt.Errorf("%w: unknown analysis type %q", ErrInvalidRequest, req.AnalysisType),
		}
	}
	if len(req.Image) == 0 {
		return AnalysisResponse{}, &GateError{
			Err: fmt.Errorf("%w: image payload is empty", ErrInvalidRequest),
		}
	}

	identity, err := ResolveIdentity(req.UserID, req.SessionFingerprint, req.IPAddress, req.UserAgent)
	if err != nil {
		// No identity signal at all: there is no bucket to attribute a
		// ledger entry to, so this is the one denial that writes none.
		decision := AdmissionDecision{
			CanProceed: false,
			ReasonCode: ReasonLoginRequired,
			Message:    "log in or enable sessions to analyze images",
		}
		g.meter.OnAdmit(AdmitEvent{Reason: ReasonLoginRequired, AnalysisType: analysisType})
		return AnalysisResponse{Quota: decision}, &GateError{Err: err, Decision: decision}
	}

	decision := g.evaluator.Evaluate(ctx, identity)
	g.meter.OnAdmit(AdmitEvent{
		Bucket:       identity.Bucket(),
		Premium:      decision.IsPremiumTier,
		Allowed:      decision.CanProceed,
		Reason:       decision.ReasonCode,
		AnalysisType: analysisType,
	})

	if !decision.CanProceed {
		kind := denialKind(decision.ReasonCode)
		g.record(ctx, identity, analysisType, false, kind, "")
		g.meter.OnOutcome(OutcomeEvent{
			Bucket:       identity.Bucket(),
			AnalysisType: analysisType,
			Attempt:      1,
			ErrorKind:    kind,
		})
		return AnalysisResponse{Quota: decision}, &GateError{Err: denialErr(decision.ReasonCode), Decision: decision}
	}

	maxAttempts := 2
	if g.cfg.DisableRetry {
		maxAttempts = 1
	}

	exclude := g.health.Excluded()
	var lastErr error
	var lastKey ProviderKey

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		key, err := g.pool.Reserve(ctx, identity, decision.IsPremiumTier, exclude...)
		if err != nil {
			// Pool exhausted or pool store down: either way the caller
			// sees "temporarily out of capacity" and operators see the
			// ledger entry.
			g.record(ctx, identity, analysisType, false, KindNoKeyAvailable, "")
			g.meter.OnOutcome(OutcomeEvent{
				Bucket:       identity.Bucket(),
				AnalysisType: analysisType,
				Attempt:      attempt,
				ErrorKind:    KindNoKeyAvailable,
				Error:        err,
			})
			if attempt > 1 && lastErr != nil {
				// A retry that found no spare key reports the original
				// provider failure, not pool exhaustion.
				return AnalysisResponse{Quota: decision}, &GateError{
					Err:      lastErr,
					Provider: lastKey.Provider,
					KeyID:    lastKey.ID,
					Attempts: attempt,
					Decision: decision,
				}
			}
			return AnalysisResponse{Quota: decision}, &GateError{
				Err:      ErrNoKeyAvailable,
				Attempts: attempt,
				Decision: decision,
			}
		}

		prov, ok := g.providers[key.Provider]
		if !ok {
			g.record(ctx, identity, analysisType, false, KindNoKeyAvailable, key.ID)
			return AnalysisResponse{Quota: decision}, &GateError{
				Err:      fmt.Errorf("%w: no adapter registered for provider %q", ErrNoKeyAvailable, key.Provider),
				KeyID:    key.ID,
				Attempts: attempt,
				Decision: decision,
			}
		}

		// The provider call is detached from the client's cancellation:
		// an in-flight billed call runs to completion and its outcome is
		// recorded even if the caller went away.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.providerTimeout())

		start := g.now()
		resp, err := prov.Analyze(callCtx, VisionRequest{
			Auth:     Auth{APIKey: key.APIKey},
			Model:    g.cfg.Models[key.Provider],
			Prompt:   g.prompts.For(analysisType),
			Image:    req.Image,
			MimeType: req.MimeType,
		})
		cancel()
		duration := time.Since(start)

		if err != nil {
			kind := KindOf(err)
			g.record(ctx, identity, analysisType, false, kind, key.ID)
			g.health.RecordFailure(key.ID)
			g.meter.OnOutcome(OutcomeEvent{
				Bucket:       identity.Bucket(),
				Provider:     key.Provider,
				KeyID:        key.ID,
				AnalysisType: analysisType,
				Attempt:      attempt,
				Duration:     duration,
				ErrorKind:    kind,
				Error:        err,
			})

			lastErr = err
			lastKey = key
			exclude = append(exclude, key.ID)

			if attempt < maxAttempts {
				switch {
				case errors.Is(err, ErrAPIQuota):
					// Retry once with a different key from the pool.
					continue
				case errors.Is(err, ErrNetwork):
					g.sleep(g.cfg.retryBackoff())
					continue
				}
			}

			return AnalysisResponse{Quota: decision}, &GateError{
				Err:      err,
				Provider: key.Provider,
				KeyID:    key.ID,
				Attempts: attempt,
				Decision: decision,
			}
		}

		// Success: account for the usage before the caller sees it.
		g.record(ctx, identity, analysisType, true, "", key.ID)
		g.health.RecordSuccess(key.ID)
		g.meter.OnOutcome(OutcomeEvent{
			Bucket:       identity.Bucket(),
			Provider:     key.Provider,
			KeyID:        key.ID,
			AnalysisType: analysisType,
			Attempt:      attempt,
			Success:      true,
			Duration:     duration,
		})

		return AnalysisResponse{
			Analysis:     resp.Text,
			AnalysisType: analysisType,
			Quota:        decision,
			Routing: RoutingInfo{
				Provider: key.Provider,
				KeyID:    key.ID,
				Attempts: attempt,
				Premium:  decision.IsPremiumTier,
			},
		}, nil
	}

	return AnalysisResponse{Quota: decision}, &GateError{
		Err:      lastErr,
		Provider: lastKey.Provider,
		KeyID:    lastKey.ID,
		Attempts: maxAttempts,
		Decision: decision,
	}
}

// record writes the single ledger entry for an attempt. The write is
// detached from the request context so a client disconnect cannot skip
// it, and a ledger failure here is absorbed: by then the outcome is
// already decided and the meter still sees it.
func (g *Gateway) record(ctx context.Context, identity RequestIdentity, analysisType AnalysisType, success bool, kind ErrorKind, keyID string) {
	_ = g.ledger.Append(context.WithoutCancel(ctx), Entry{
		ID:           uuid.New().String(),
		Identity:     identity,
		AnalysisType: analysisType,
		Success:      success,
		ErrorKind:    kind,
		KeyID:        keyID,
		Timestamp:    g.now(),
	})
}

func denialKind(reason ReasonCode) ErrorKind {
	switch reason {
	case ReasonQuotaExceeded:
		return KindQuotaExceeded
	case ReasonCooldown:
		return KindCooldown
	case ReasonEvaluatorUnavailable:
		return KindEvaluatorUnavailable
	default:
		return KindLoginRequired
	}
}

func denialErr(reason ReasonCode) error {
	switch reason {
	case ReasonQuotaExceeded:
		return ErrQuotaExceeded
	case ReasonCooldown:
		return ErrCooldown
	case ReasonEvaluatorUnavailable:
		return ErrEvaluatorUnavailable
	default:
		return ErrLoginRequired
	}
}

// noopMeter is a meter that does nothing.
type noopMeter struct{}

func (noopMeter) OnAdmit(AdmitEvent)     {}
func (noopMeter) OnOutcome(OutcomeEvent) {}
