package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vg "github.com/ineyio/visiongate"
	"github.com/ineyio/visiongate/provider/gemini"
)

func visionReq() vg.VisionRequest {
	return vg.VisionRequest{
		Auth:     vg.Auth{APIKey: "test-key"},
		Prompt:   "What species is this fish?",
		Image:    []byte("fake-image-bytes"),
		MimeType: "image/jpeg",
	}
}

func candidateBody(text string) string {
	return `{"candidates":[{"content":{"role":"model","parts":[{"text":` +
		string(mustJSON(text)) + `}]},"finishReason":"STOP"}],"modelVersion":"gemini-2.0-flash"}`
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func TestAnalyze_RequestShape(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(candidateBody("A rainbow trout.")))
	}))
	defer srv.Close()

	p := gemini.New(gemini.WithBaseURL(srv.URL))

	resp, err := p.Analyze(context.Background(), visionReq())
	require.NoError(t, err)
	assert.Equal(t, "A rainbow trout.", resp.Text)
	assert.Equal(t, "gemini-2.0-flash", resp.Model)

	assert.Equal(t, "/models/gemini-2.0-flash:generateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)

	contents := gotBody["contents"].([]any)
	require.Len(t, contents, 1)
	parts := contents[0].(map[string]any)["parts"].([]any)
	require.Len(t, parts, 2)
	assert.Equal(t, "What species is this fish?", parts[0].(map[string]any)["text"])

	inline := parts[1].(map[string]any)["inline_data"].(map[string]any)
	assert.Equal(t, "image/jpeg", inline["mime_type"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("fake-image-bytes")), inline["data"])
}

func TestAnalyze_ModelOverride(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(candidateBody("ok")))
	}))
	defer srv.Close()

	p := gemini.New(gemini.WithBaseURL(srv.URL))

	req := visionReq()
	req.Model = "gemini-1.5-pro"
	resp, err := p.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "gemini-1.5-pro", resp.Model)
	assert.Equal(t, "/models/gemini-1.5-pro:generateContent", gotPath)
}

func TestAnalyze_ErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		wantErr error
	}{
		{"rate_limited", http.StatusTooManyRequests, vg.ErrAPIQuota},
		{"forbidden", http.StatusForbidden, vg.ErrInvalidKey},
		{"unauthorized", http.StatusUnauthorized, vg.ErrInvalidKey},
		{"server_error", http.StatusInternalServerError, vg.ErrNetwork},
		{"bad_gateway", http.StatusBadGateway, vg.ErrNetwork},
		{"not_found", http.StatusNotFound, vg.ErrUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer srv.Close()

			p := gemini.New(gemini.WithBaseURL(srv.URL))

			_, err := p.Analyze(context.Background(), visionReq())
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestAnalyze_EmptyResponse(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"no_candidates", `{"candidates":[]}`},
		{"no_parts", `{"candidates":[{"content":{"role":"model","parts":[]}}]}`},
		{"empty_text", candidateBody("")},
		{"not_json", `<html>oops</html>`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			p := gemini.New(gemini.WithBaseURL(srv.URL))

			_, err := p.Analyze(context.Background(), visionReq())
			assert.ErrorIs(t, err, vg.ErrUnknown)
		})
	}
}

func TestAnalyze_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	p := gemini.New(gemini.WithBaseURL(srv.URL))

	_, err := p.Analyze(context.Background(), visionReq())
	assert.ErrorIs(t, err, vg.ErrNetwork)
}
