// Package gemini adapts the Gemini generateContent API to the
// visiongate provider contract.
package gemini

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
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-2.0-flash"
)

// Provider is the Gemini vision adapter.
type Provider struct {
	baseURL    string
	model      string
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

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Gemini provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() string { return "gemini" }

// Gemini API types.
type geminiRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inline_data,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	ModelVersion string `json:"modelVersion"`
}

// Analyze performs exactly one generateContent call.
func (p *Provider) Analyze(ctx context.Context, req visiongate.VisionRequest) (visiongate.VisionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	mime := req.MimeType
	if mime == "" {
		mime = "image/jpeg"
	}

	body := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{Text: req.Prompt},
				{InlineData: &geminiInlineData{
					MimeType: mime,
					Data:     base64.StdEncoding.EncodeToString(req.Image),
				}},
			},
		}},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, req.Auth.APIKey)

	httpResp, err := p.doRequest(ctx, url, body)
	if err != nil {
		return visiongate.VisionResponse{}, err
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return visiongate.VisionResponse{}, err
	}

	var resp geminiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return visiongate.VisionResponse{}, fmt.Errorf("%w: decode gemini response: %v", visiongate.ErrUnknown, err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return visiongate.VisionResponse{}, fmt.Errorf("%w: empty candidates in gemini response", visiongate.ErrUnknown)
	}

	text := resp.Candidates[0].Content.Parts[0].Text
	if text == "" {
		return visiongate.VisionResponse{}, fmt.Errorf("%w: empty text in gemini response", visiongate.ErrUnknown)
	}

	return visiongate.VisionResponse{Text: text, Model: model}, nil
}

func (p *Provider) doRequest(ctx context.Context, url string, body geminiRequest) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("visiongate/gemini: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("visiongate/gemini: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: gemini call timed out", visiongate.ErrNetwork)
		}
		return nil, fmt.Errorf("%w: %v", visiongate.ErrNetwork, err)
	}

	return resp, nil
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
		return fmt.Errorf("%w: gemini status %d: %s", visiongate.ErrUnknown, resp.StatusCode, string(body))
	}
}
