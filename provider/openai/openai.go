// Package openai adapts the OpenAI chat completions API (vision input)
// to the visiongate provider contract.
package openai

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
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

// Provider is the OpenAI vision adapter.
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

// New creates a new OpenAI provider.
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

func (p *Provider) Name() string { return "openai" }

// OpenAI API types.
type oaiRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
}

type oaiMessage struct {
	Role    string    `json:"role"`
	Content []oaiPart `json:"content"`
}

type oaiPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Analyze performs exactly one chat completion call with the image
// inlined as a data URL.
func (p *Provider) Analyze(ctx context.Context, req visiongate.VisionRequest) (visiongate.VisionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	mime := req.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(req.Image))

	body := oaiRequest{
		Model:     model,
		MaxTokens: p.maxTokens,
		Messages: []oaiMessage{{
			Role: "user",
			Content: []oaiPart{
				{Type: "text", Text: req.Prompt},
				{Type: "image_url", ImageURL: &oaiImageURL{URL: dataURL}},
			},
		}},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return visiongate.VisionResponse{}, fmt.Errorf("visiongate/openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return visiongate.VisionResponse{}, fmt.Errorf("visiongate/openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Auth.APIKey)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return visiongate.VisionResponse{}, fmt.Errorf("%w: openai call timed out", visiongate.ErrNetwork)
		}
		return visiongate.VisionResponse{}, fmt.Errorf("%w: %v", visiongate.ErrNetwork, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return visiongate.VisionResponse{}, err
	}

	var resp oaiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return visiongate.VisionResponse{}, fmt.Errorf("%w: decode openai response: %v", visiongate.ErrUnknown, err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return visiongate.VisionResponse{}, fmt.Errorf("%w: empty choices in openai response", visiongate.ErrUnknown)
	}

	return visiongate.VisionResponse{Text: resp.Choices[0].Message.Content, Model: model}, nil
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
		return fmt.Errorf("%w: openai status %d: %s", visiongate.ErrUnknown, resp.StatusCode, string(body))
	}
}
