// Package projectstate tracks per-project health counters and cooldown
// windows, and computes the exponential-backoff cooldown duration from
// error signals.
package projectstate

import "time"

// ErrorKind classifies the last error recorded against a project.
type ErrorKind string

const (
	ErrorKindRateLimit       ErrorKind = "rate_limit"
	ErrorKindAuth            ErrorKind = "auth"
	ErrorKindServer          ErrorKind = "server"
	ErrorKindNotLoggedIn     ErrorKind = "not_logged_in"
	ErrorKindQuotaExhausted  ErrorKind = "quota_exhausted"
	ErrorKindPreviewDisabled ErrorKind = "preview_disabled"
	ErrorKindBillingDisabled ErrorKind = "billing_disabled"
)

// Backoff constants from spec §4.3.
const (
	initialCooldown = 60 * time.Second
	maxCooldown     = 60 * time.Minute
	backoffMultiple = 2
	backoffThresh   = 3
)

// State is one project's health record. Timestamps are kept as time.Time in
// memory; the store serializes them as milliseconds since epoch in the KV
// hash per spec.
type State struct {
	ProjectID string

	SuccessCount     int64
	ErrorCount       int64
	ConsecutiveError int64

	LastUsedAt    time.Time
	LastSuccessAt time.Time
	LastErrorAt   time.Time
	CooldownUntil time.Time
	QuotaResetAt  time.Time

	LastErrorKind   ErrorKind
	QuotaResetReason string
}

// Default returns a freshly-created state for a project never seen before:
// all counters zero, no cooldown.
func Default(projectID string) State {
	return State{ProjectID: projectID}
}

// InCooldown reports now < max(CooldownUntil, QuotaResetAt).
func (s State) InCooldown(now time.Time) bool {
	until := s.CooldownUntil
	if s.QuotaResetAt.After(until) {
		until = s.QuotaResetAt
	}
	if until.IsZero() {
		return false
	}
	return now.Before(until)
}

// computeCooldown implements the exponential-backoff schedule from spec §4.3:
//
//	C = consecutive errors after increment
//	duration = initial                         if C < threshold
//	         = min(max, initial * mult^(C-threshold))  otherwise
//	duration = initial                         if errorKind == not_logged_in (override)
func computeCooldown(consecutiveErrors int64, kind ErrorKind) time.Duration {
	var d time.Duration
	if consecutiveErrors < backoffThresh {
		d = initialCooldown
	} else {
		exp := consecutiveErrors - backoffThresh
		d = initialCooldown
		for i := int64(0); i < exp; i++ {
			d *= backoffMultiple
			if d >= maxCooldown {
				d = maxCooldown
				break
			}
		}
		if d > maxCooldown {
			d = maxCooldown
		}
	}
	if kind == ErrorKindNotLoggedIn {
		d = initialCooldown
	}
	return d
}
