package visiongate

import "context"

// VisionProvider is the interface vision provider adapters implement.
//
// Analyze performs exactly one outbound call per invocation; retry
// policy belongs to the gateway so each attempt is independently
// accounted in the usage ledger. Adapters map transport failures into
// the sentinel errors in errors.go and never touch the key pool or the
// ledger.
type VisionProvider interface {
	// Name returns the provider identifier (e.g. "gemini", "openai").
	Name() string

	// Analyze sends the image and prompt to the provider and returns
	// the extracted text result.
	Analyze(ctx context.Context, req VisionRequest) (VisionResponse, error)
}

// Auth holds the credential for a provider call.
type Auth struct {
	APIKey string `yaml:"api_key" json:"api_key"`
}

// VisionRequest is the request sent to a provider adapter.
type VisionRequest struct {
	Auth     Auth
	Model    string // empty selects the adapter's default
	Prompt   string
	Image    []byte
	MimeType string
}

// VisionResponse is the response from a provider adapter.
type VisionResponse struct {
	Text  string
	Model string
}
