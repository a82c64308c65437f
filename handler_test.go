package visiongate_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vg "github.com/ineyio/visiongate"
	"github.com/ineyio/visiongate/keypool"
	"github.com/ineyio/visiongate/ledger"
	"github.com/ineyio/visiongate/provider/mock"
)

func newTestHandler(t *testing.T, led vg.Ledger, prov vg.VisionProvider, opts ...vg.HandlerOption) *vg.Handler {
	t.Helper()
	cfg := vg.Config{Keys: []vg.KeyConfig{systemKey("sys-1", 100)}}
	gw, err := vg.New(cfg, led, keypool.NewMemoryPool(), []vg.VisionProvider{prov})
	require.NoError(t, err)
	return vg.NewHandler(gw, opts...)
}

func postAnalyze(t *testing.T, h http.Handler, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:52100"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func imageB64() string {
	return base64.StdEncoding.EncodeToString([]byte("fake-image-bytes"))
}

// Test 1: A well-formed request returns the analysis and quota info.
func TestHandler_Analyze(t *testing.T) {
	h := newTestHandler(t, ledger.NewMemoryLedger(), mock.New(mock.WithText("An atlantic salmon.")))

	rec := postAnalyze(t, h, map[string]any{
		"image":              imageB64(),
		"analysisType":       "species",
		"sessionFingerprint": "fp-1",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Analysis     string               `json:"analysis"`
		AnalysisType string               `json:"analysisType"`
		Quota        vg.AdmissionDecision `json:"quotaInfo"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "An atlantic salmon.", body.Analysis)
	assert.Equal(t, "species", body.AnalysisType)
	assert.True(t, body.Quota.CanProceed)
}

// Test 2: Data-URL images are accepted and carry their mime type through.
func TestHandler_DataURLImage(t *testing.T) {
	var seenMime string
	prov := mock.New(mock.WithAnalyzeFunc(func(req vg.VisionRequest) (vg.VisionResponse, error) {
		seenMime = req.MimeType
		return vg.VisionResponse{Text: "ok"}, nil
	}))
	h := newTestHandler(t, ledger.NewMemoryLedger(), prov)

	rec := postAnalyze(t, h, map[string]any{
		"image":              "data:image/png;base64," + imageB64(),
		"sessionFingerprint": "fp-2",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", seenMime)
}

// Test 3: Quota denial answers 429 with the taxonomy type and quota info.
func TestHandler_QuotaExceeded(t *testing.T) {
	led := ledger.NewMemoryLedger()
	identity := vg.RequestIdentity{SessionFingerprint: "fp-3"}
	for i := 0; i < 5; i++ {
		require.NoError(t, led.Append(context.Background(),
			chargedEntry(string(rune('a'+i)), identity, time.Now())))
	}

	h := newTestHandler(t, led, mock.New())

	rec := postAnalyze(t, h, map[string]any{
		"image":              imageB64(),
		"sessionFingerprint": "fp-3",
	})

	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body struct {
		Error string               `json:"error"`
		Type  string               `json:"type"`
		Quota vg.AdmissionDecision `json:"quotaInfo"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "quota_exceeded", body.Type)
	assert.NotEmpty(t, body.Error)
	assert.False(t, body.Quota.CanProceed)
	assert.Equal(t, vg.ReasonQuotaExceeded, body.Quota.ReasonCode)
}

// Test 4: A rejected credential is an unavailability to the caller, 503.
func TestHandler_InvalidKey(t *testing.T) {
	h := newTestHandler(t, ledger.NewMemoryLedger(), mock.New(mock.WithError(vg.ErrInvalidKey)))

	rec := postAnalyze(t, h, map[string]any{
		"image":              imageB64(),
		"sessionFingerprint": "fp-4",
	})

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid_key", body.Type)
}

// Test 5: Malformed payloads are 400s before the gateway is involved.
func TestHandler_BadRequests(t *testing.T) {
	h := newTestHandler(t, ledger.NewMemoryLedger(), mock.New())

	rec := postAnalyze(t, h, map[string]any{
		"image":              "not base64!!!",
		"sessionFingerprint": "fp-5",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/analyze", bytes.NewReader([]byte("{broken")))
	req.RemoteAddr = "203.0.113.7:52100"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// Test 6: Only POST is routed to /analyze.
func TestHandler_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, ledger.NewMemoryLedger(), mock.New())

	req := httptest.NewRequest(http.MethodGet, "/analyze", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// Test 7: Health endpoint.
func TestHandler_Healthz(t *testing.T) {
	h := newTestHandler(t, ledger.NewMemoryLedger(), mock.New())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// Test 8: The per-IP pre-filter throttles before the gateway runs.
func TestHandler_IPRateLimit(t *testing.T) {
	prov := mock.New()
	h := newTestHandler(t, ledger.NewMemoryLedger(), prov, vg.WithRateLimit(1, 1))

	body := map[string]any{
		"image":              imageB64(),
		"sessionFingerprint": "fp-8",
	}

	rec := postAnalyze(t, h, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = postAnalyze(t, h, body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	// The second request never reached the provider.
	assert.Equal(t, int64(1), prov.CallCount())
}
