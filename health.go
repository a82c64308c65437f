package visiongate

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the health of a provider key.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// KeyHealthTracker tracks per-key health using a circuit breaker
// pattern. It is advisory only: an unhealthy key is skipped during
// selection for a short period, but key status in the backing store is
// never touched — deactivating a dead credential stays an
// administrative action.
type KeyHealthTracker struct {
	mu   sync.RWMutex
	keys map[string]*keyHealth
}

type keyHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time   // when state transitioned to unhealthy
}

// NewKeyHealthTracker creates a new KeyHealthTracker.
func NewKeyHealthTracker() *KeyHealthTracker {
	return &KeyHealthTracker{
		keys: make(map[string]*keyHealth),
	}
}

// State returns the current health state for a key.
func (h *KeyHealthTracker) State(keyID string) HealthState {
	h.mu.RLock()
	kh, ok := h.keys[keyID]
	h.mu.RUnlock()

	if !ok {
		return HealthHealthy
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Check if unhealthy period has elapsed → transition to half-open.
	if kh.state == HealthUnhealthy && time.Since(kh.unhealthyAt) >= healthUnhealthyPeriod {
		kh.state = HealthHalfOpen
	}

	return kh.state
}

// Excluded returns the ids of keys whose circuit is currently open.
func (h *KeyHealthTracker) Excluded() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	for id, kh := range h.keys {
		if kh.state == HealthUnhealthy && time.Since(kh.unhealthyAt) >= healthUnhealthyPeriod {
			kh.state = HealthHalfOpen
		}
		if kh.state == HealthUnhealthy {
			out = append(out, id)
		}
	}
	return out
}

// RecordSuccess records a successful call with a key.
func (h *KeyHealthTracker) RecordSuccess(keyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kh := h.getOrCreate(keyID)
	kh.state = HealthHealthy
	kh.failures = kh.failures[:0]
}

// RecordFailure records a failed call with a key.
func (h *KeyHealthTracker) RecordFailure(keyID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kh := h.getOrCreate(keyID)
	if kh.state == HealthUnhealthy {
		return
	}

	now := time.Now()

	// Prune old failures outside the window.
	cutoff := now.Add(-healthFailureWindow)
	valid := kh.failures[:0]
	for _, t := range kh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	kh.failures = append(valid, now)

	if len(kh.failures) >= healthFailureThreshold {
		kh.state = HealthUnhealthy
		kh.unhealthyAt = now
	}
}

func (h *KeyHealthTracker) getOrCreate(keyID string) *keyHealth {
	kh, ok := h.keys[keyID]
	if !ok {
		kh = &keyHealth{state: HealthHealthy}
		h.keys[keyID] = kh
	}
	return kh
}
