package visiongate

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Handler exposes the gateway over HTTP.
//
// POST /analyze takes {image, analysisType, sessionFingerprint, userId}
// with the image base64-encoded (raw or data-URL). Denials answer 429
// for quota-class and 503 for unavailability-class, each with
// {error, type, quotaInfo}. GET /healthz answers 200.
type Handler struct {
	gw      *Gateway
	mux     *http.ServeMux
	limiter *ipLimiter
	maxBody int64
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithRateLimit enables a per-IP token-bucket pre-filter ahead of the
// gateway (r requests per second, burst max).
func WithRateLimit(r rate.Limit, burst int) HandlerOption {
	return func(h *Handler) { h.limiter = newIPLimiter(r, burst) }
}

// WithMaxBodyBytes caps the request body size (default 8 MiB).
func WithMaxBodyBytes(n int64) HandlerOption {
	return func(h *Handler) { h.maxBody = n }
}

// NewHandler creates the HTTP surface for a gateway.
func NewHandler(gw *Gateway, opts ...HandlerOption) *Handler {
	h := &Handler{
		gw:      gw,
		maxBody: 8 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}

	h.mux = http.NewServeMux()
	h.mux.HandleFunc("POST /analyze", h.analyze)
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type analyzeWire struct {
	Image              string       `json:"image"`
	MimeType           string       `json:"mimeType"`
	AnalysisType       AnalysisType `json:"analysisType"`
	SessionFingerprint string       `json:"sessionFingerprint"`
	UserID             string       `json:"userId"`
}

type errorWire struct {
	Error string            `json:"error"`
	Type  ErrorKind         `json:"type"`
	Quota AdmissionDecision `json:"quotaInfo"`
}

func (h *Handler) analyze(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if h.limiter != nil && !h.limiter.Allow(ip) {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorWire{
			Error: "too many requests",
			Type:  KindCooldown,
		})
		return
	}

	var wire analyzeWire
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err := dec.Decode(&wire); err != nil {
		writeJSON(w, http.StatusBadRequest, errorWire{
			Error: "malformed request body",
			Type:  KindUnknown,
		})
		return
	}

	image, mime, err := decodeImage(wire.Image)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorWire{
			Error: "image must be base64 encoded",
			Type:  KindUnknown,
		})
		return
	}
	if wire.MimeType != "" {
		mime = wire.MimeType
	}

	resp, err := h.gw.Handle(r.Context(), AnalysisRequest{
		Image:              image,
		MimeType:           mime,
		AnalysisType:       wire.AnalysisType,
		SessionFingerprint: wire.SessionFingerprint,
		UserID:             wire.UserID,
		IPAddress:          ip,
		UserAgent:          r.UserAgent(),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidRequest) {
		writeJSON(w, http.StatusBadRequest, errorWire{
			Error: err.Error(),
			Type:  KindUnknown,
		})
		return
	}

	kind := KindOf(err)
	body := errorWire{
		Error: messageFor(kind),
		Type:  kind,
	}

	var ge *GateError
	if errors.As(err, &ge) {
		body.Quota = ge.Decision
		if ge.Decision.Message != "" {
			body.Error = ge.Decision.Message
		}
	}

	writeJSON(w, statusFor(kind), body)
}

// statusFor maps the taxonomy to HTTP statuses: 429 for quota-class
// denials, 503 for unavailability-class, 401 for missing identity,
// 422 for unreadable images.
func statusFor(kind ErrorKind) int {
	switch kind {
	case KindQuotaExceeded, KindCooldown, KindAPIQuota:
		return http.StatusTooManyRequests
	case KindLoginRequired:
		return http.StatusUnauthorized
	case KindNoKeyAvailable, KindInvalidKey, KindNetwork, KindEvaluatorUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func messageFor(kind ErrorKind) string {
	switch kind {
	case KindQuotaExceeded:
		return "analysis quota exceeded, upgrade or try again tomorrow"
	case KindCooldown:
		return "too many analyses in a short time, wait before retrying"
	case KindLoginRequired:
		return "log in or enable sessions to analyze images"
	case KindNoKeyAvailable:
		return "temporarily out of analysis capacity, try again later"
	case KindInvalidKey:
		return "analysis service temporarily unavailable"
	case KindAPIQuota:
		return "analysis service busy, try again shortly"
	case KindNetwork:
		return "transient network issue, try again"
	case KindEvaluatorUnavailable:
		return "analysis service temporarily unavailable"
	default:
		return "image unreadable, try a clearer photo"
	}
}

// decodeImage accepts raw base64 or a data URL and returns the bytes
// plus any mime type carried by the data URL.
func decodeImage(s string) ([]byte, string, error) {
	mime := ""
	if strings.HasPrefix(s, "data:") {
		header, rest, ok := strings.Cut(s, ",")
		if !ok {
			return nil, "", errors.New("malformed data URL")
		}
		mime = strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
		s = rest
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, "", err
	}
	return b, mime, nil
}

// clientIP extracts the caller's IP, preferring the first
// X-Forwarded-For hop over the socket address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ipLimiter is a per-IP token-bucket limiter.
type ipLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newIPLimiter(r rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
