// Package anthropic adapts the Anthropic messages API (vision input)
// to the visiongate provider contract.
package anthropic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/visiongate"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	defaultModel   = "claude-3-5-haiku-latest"
	apiVersion     = "2023-06-01"
)

// Provider is the Anthropic vision adapter.
type Provider struct {
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

var _ visiongate.VisionProvider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithModel sets the default model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithMaxTokens caps the completion length (default 1024).
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Anthropic provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		maxTokens:  1024,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "anthropic" }

// Anthropic API types.
type antRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	Messages  []antMessage `json:"messages"`
}

type antMessage struct {
	Role    string     `json:"role"`
	Content []antBlock `json:"content"`
}

type antBlock struct {
	Type   string     `json:"type"`
	Text   string     `json:"text,omitempty"`
	Source *antSource `json:"source,omitempty"`
}

type antSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type antResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Analyze performs exactly one messages call with the image as a
// base64 content block.
func (p *Provider) Analyze(ctx context.Context, req visiongate.VisionRequest) (visiongate.VisionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	mime := req.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}

	body := antRequest{
		Model:     model,
		MaxTokens: p.maxTokens,
		Messages: []antMessage{{
			Role: "user",
			Content: []antBlock{
				{Type: "image", Source: &antSource{
					Type:      "base64",
					MediaType: mime,
					Data:      base64.StdEncoding.EncodeToString(req.Image),
				}},
				{Type: "text", Text: req.Prompt},
			},
		}},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return visiongate.VisionResponse{}, fmt.Errorf("visiongate/anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return visiongate.VisionResponse{}, fmt.Errorf("visiongate/anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.Auth.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return visiongate.VisionResponse{}, fmt.Errorf("%w: anthropic call timed out", visiongate.ErrNetwork)
		}
		return visiongate.VisionResponse{}, fmt.Errorf("%w: %v", visiongate.ErrNetwork, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return visiongate.VisionResponse{}, err
	}

	var resp antResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return visiongate.VisionResponse{}, fmt.Errorf("%w: decode anthropic response: %v", visiongate.ErrUnknown, err)
	}

	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			return visiongate.VisionResponse{Text: block.Text, Model: model}, nil
		}
	}

	return visiongate.VisionResponse{}, fmt.Errorf("%w: no text block in anthropic response", visiongate.ErrUnknown)
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return visiongate.ErrAPIQuota
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return visiongate.ErrInvalidKey
	case resp.StatusCode >= 500:
		return visiongate.ErrNetwork
	default:
		return fmt.Errorf("%w: anthropic status %d: %s", visiongate.ErrUnknown, resp.StatusCode, string(body))
	}
}
