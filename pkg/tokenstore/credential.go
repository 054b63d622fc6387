// Package tokenstore persists per-email OAuth credential bundles and
// exposes the validity predicates the selector and refresh scheduler need.
package tokenstore

import "time"

// expirySkew is the grace window subtracted from a credential's expiry
// timestamp before it is considered usable. A credential is usable iff
// invalid=false and now < expiry-timestamp - expirySkew.
const expirySkew = 60 * time.Second

// Credential is one owner's bearer-token bundle, keyed externally by
// lowercase email.
type Credential struct {
	Email         string
	AccessToken   string
	RefreshToken  string // optional; preserved across refreshes even if a
	// refresh response omits it.
	TokenType       string // defaults to "Bearer"
	Scope           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresIn       int64 // seconds
	ExpiryTimestamp time.Time

	Invalid        bool
	InvalidReason  string
	InvalidAt      time.Time
	ClientID       string
	OwnedProjectID []string // ordered
}

// deriveExpiry fills ExpiryTimestamp from CreatedAt+ExpiresIn when it is
// the zero value, matching "expiry-timestamp is derived as created-at +
// expires-in when absent."
func (c *Credential) deriveExpiry() {
	if c.ExpiryTimestamp.IsZero() && !c.CreatedAt.IsZero() && c.ExpiresIn > 0 {
		c.ExpiryTimestamp = c.CreatedAt.Add(time.Duration(c.ExpiresIn) * time.Second)
	}
}

// Usable reports whether the credential is currently safe to present:
// not marked invalid, and not within 60s of (or past) its expiry. A
// credential with no expiry timestamp at all is treated as expired.
func (c *Credential) Usable(now time.Time) bool {
	if c.Invalid {
		return false
	}
	if c.ExpiryTimestamp.IsZero() {
		return false
	}
	return now.Before(c.ExpiryTimestamp.Add(-expirySkew))
}

// NeedsRefresh reports whether the credential has a refresh token, is not
// invalid, and its expiry falls within buffer of now.
func (c *Credential) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	if c.Invalid || c.RefreshToken == "" {
		return false
	}
	if c.ExpiryTimestamp.IsZero() {
		return true
	}
	return c.ExpiryTimestamp.Before(now.Add(buffer))
}
