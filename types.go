package visiongate

import "time"

// AnalysisType selects what the vision provider is asked about an image.
type AnalysisType string

const (
	AnalysisSpecies   AnalysisType = "species"
	AnalysisFreshness AnalysisType = "freshness"
	AnalysisBoth      AnalysisType = "both"
)

// Valid reports whether t is a known analysis type.
func (t AnalysisType) Valid() bool {
	return t == AnalysisSpecies || t == AnalysisFreshness || t == AnalysisBoth
}

// AnalysisRequest is a single inbound image-analysis request.
type AnalysisRequest struct {
	Image              []byte       `json:"image"`
	MimeType           string       `json:"mimeType,omitempty"`
	AnalysisType       AnalysisType `json:"analysisType"`
	SessionFingerprint string       `json:"sessionFingerprint"`
	UserID             string       `json:"userId,omitempty"`

	// Ambient transport attributes, filled by the HTTP layer.
	IPAddress string `json:"-"`
	UserAgent string `json:"-"`
}

// RequestIdentity is the stable identity a request is bucketed under.
// At least one of UserID or SessionFingerprint is always set.
type RequestIdentity struct {
	UserID             string `json:"userId,omitempty"`
	SessionFingerprint string `json:"sessionFingerprint,omitempty"`
	IPAddress          string `json:"ipAddress,omitempty"`
	UserAgent          string `json:"userAgent,omitempty"`
}

// Bucket returns the quota bucket for the identity. UserID takes
// precedence over the session fingerprint, which takes precedence
// over the source IP.
func (id RequestIdentity) Bucket() string {
	switch {
	case id.UserID != "":
		return "user:" + id.UserID
	case id.SessionFingerprint != "":
		return "anon:" + id.SessionFingerprint
	default:
		return "ip:" + id.IPAddress
	}
}

// Anonymous reports whether the identity has no authenticated user.
func (id RequestIdentity) Anonymous() bool { return id.UserID == "" }

// Tier is the subscription tier of an identity.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// ReasonCode explains an admission decision.
type ReasonCode string

const (
	ReasonOK                   ReasonCode = "ok"
	ReasonQuotaExceeded        ReasonCode = "quota_exceeded"
	ReasonCooldown             ReasonCode = "cooldown"
	ReasonLoginRequired        ReasonCode = "login_required"
	ReasonEvaluatorUnavailable ReasonCode = "evaluator_unavailable"
)

// AdmissionDecision is the allow/deny verdict produced before any
// metered work is done. It is created fresh per request and never
// mutated afterwards.
type AdmissionDecision struct {
	CanProceed    bool       `json:"canProceed"`
	IsPremiumTier bool       `json:"isPremiumTier"`
	CooldownUntil *time.Time `json:"cooldownUntil,omitempty"`
	ReasonCode    ReasonCode `json:"reasonCode"`
	Message       string     `json:"message,omitempty"`
}

// AnalysisResponse is the successful result of a gated analysis.
type AnalysisResponse struct {
	Analysis     string            `json:"analysis"`
	AnalysisType AnalysisType      `json:"analysisType"`
	Quota        AdmissionDecision `json:"quotaInfo"`
	Routing      RoutingInfo       `json:"-"`
}

// RoutingInfo describes which provider/key served the request.
type RoutingInfo struct {
	Provider string
	KeyID    string
	Attempts int
	Premium  bool
}

// TimePtr returns a pointer to the given time.
func TimePtr(t time.Time) *time.Time { return &t }
