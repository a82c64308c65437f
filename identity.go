package visiongate

import (
	"strings"

	"github.com/google/uuid"
)

// ResolveIdentity derives a stable request identity from the signals a
// request carries. It is pure and has no side effects.
//
// UserID must be a UUID; anything else is treated as absent rather than
// trusted. Resolution fails only when no signal at all is present, in
// which case the caller must deny with login_required before any quota
// evaluation happens.
func ResolveIdentity(userID, fingerprint, ip, userAgent string) (RequestIdentity, error) {
	id := RequestIdentity{
		SessionFingerprint: strings.TrimSpace(fingerprint),
		IPAddress:          strings.TrimSpace(ip),
		UserAgent:          userAgent,
	}

	if u := strings.TrimSpace(userID); u != "" {
		if parsed, err := uuid.Parse(u); err == nil {
			id.UserID = parsed.String()
		}
	}

	if id.UserID == "" && id.SessionFingerprint == "" && id.IPAddress == "" {
		return RequestIdentity{}, ErrLoginRequired
	}

	return id, nil
}
