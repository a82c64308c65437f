// Package mock provides a configurable vision provider for testing.
package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ineyio/visiongate"
)

// Provider is a mock vision provider for testing.
type Provider struct {
	name        string
	text        string
	latency     time.Duration
	failAfter   int
	callCount   atomic.Int64
	staticErr   error
	analyzeFunc func(visiongate.VisionRequest) (visiongate.VisionResponse, error)
}

var _ visiongate.VisionProvider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name: "mock",
		text: "A rainbow trout, fresh by the look of its clear eyes.",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithText sets the analysis text returned by the mock.
func WithText(text string) Option {
	return func(p *Provider) { p.text = text }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithAnalyzeFunc sets a custom response function.
func WithAnalyzeFunc(fn func(visiongate.VisionRequest) (visiongate.VisionResponse, error)) Option {
	return func(p *Provider) { p.analyzeFunc = fn }
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Analyze(ctx context.Context, req visiongate.VisionRequest) (visiongate.VisionResponse, error) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return visiongate.VisionResponse{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return visiongate.VisionResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return visiongate.VisionResponse{}, visiongate.ErrNetwork
	}

	if p.analyzeFunc != nil {
		return p.analyzeFunc(req)
	}

	return visiongate.VisionResponse{Text: p.text, Model: req.Model}, nil
}

// CallCount returns the number of calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }
