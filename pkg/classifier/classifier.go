// Package classifier maps an upstream HTTP status and response body to a
// retry/cooldown verdict, per spec §4.5.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/bosmadev/gswarm-gateway/internal/telemetry"
)

// Verdict is the classifier's decision for one upstream response.
type Verdict struct {
	Retry         bool
	ResetDuration time.Duration // zero means "no cooldown"
	ValidationURL string

	// Telemetry-only fields parsed from a 429 body, when present.
	Quota *float64
	Used  *float64
}

// errorBody is the shape of an upstream error envelope.
type errorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Metadata struct {
				ValidationURL string `json:"validation_url"`
			} `json:"metadata"`
		} `json:"details"`
	} `json:"error"`
}

// TokenInvalidator is the capability the classifier needs to auto-invalidate
// a credential on 401 — satisfied by *tokenstore.Store.
type TokenInvalidator interface {
	MarkInvalid(ctx context.Context, email, reason string) error
}

// Classifier applies the status-routing table from spec §4.5.
type Classifier struct {
	tokens TokenInvalidator
	logger *slog.Logger
}

// New creates a Classifier. tokens may be nil in tests that don't exercise
// the 401 auto-invalidation side effect.
func New(tokens TokenInvalidator, logger *slog.Logger) *Classifier {
	return &Classifier{tokens: tokens, logger: logger}
}

// Classify returns the verdict for one non-2xx response and performs the
// 401 auto-invalidation side effect. Side-effect failures are logged but
// never change the verdict, per spec.
func (c *Classifier) Classify(ctx context.Context, projectID string, status int, body []byte, email string) Verdict {
	verdict := c.classify(ctx, projectID, status, body, email)
	telemetry.ClassifierVerdictsTotal.WithLabelValues(strconv.Itoa(status), strconv.FormatBool(verdict.Retry)).Inc()
	return verdict
}

func (c *Classifier) classify(ctx context.Context, projectID string, status int, body []byte, email string) Verdict {
	switch status {
	case 400:
		c.logger.Warn("classifier: 400 bad request", "project", projectID, "body_preamble", preamble(body))
		return Verdict{Retry: false}

	case 401:
		if email != "" && c.tokens != nil {
			reason := fmt.Sprintf("401 Unauthorized for project %s", projectID)
			if err := c.tokens.MarkInvalid(ctx, email, reason); err != nil {
				c.logger.Warn("classifier: marking credential invalid failed", "email", email, "error", err)
			}
		}
		return Verdict{Retry: true, ResetDuration: 5 * time.Minute}

	case 403:
		url := extractValidationURL(body)
		d := 10 * time.Minute
		if url != "" {
			d = time.Hour
		}
		return Verdict{Retry: true, ResetDuration: d, ValidationURL: url}

	case 404:
		return Verdict{Retry: true, ResetDuration: time.Hour}

	case 429:
		d, quota, used := parse429(body)
		return Verdict{Retry: true, ResetDuration: d, Quota: quota, Used: used}

	case 500:
		return Verdict{Retry: true}

	case 503:
		return Verdict{Retry: true, ResetDuration: 30 * time.Second}

	default:
		if status >= 500 {
			return Verdict{Retry: true}
		}
		return Verdict{Retry: false}
	}
}

func preamble(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max])
	}
	return string(body)
}

// extractValidationURL JSON-parses body and walks error.details[] for the
// first metadata.validation_url string.
func extractValidationURL(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	for _, d := range eb.Error.Details {
		if d.Metadata.ValidationURL != "" {
			return d.Metadata.ValidationURL
		}
	}
	return ""
}

var (
	resetAfterRe = regexp.MustCompile(`reset after\s*(?:(\d+)\s*h)?\s*(?:(\d+)\s*m)?\s*(?:(\d+)\s*s)?`)
	retryAfterRe = regexp.MustCompile(`retry after\s*(\d+)\s*s`)
	quotaRe      = regexp.MustCompile(`quota:\s*([\d.]+)`)
	usedRe       = regexp.MustCompile(`used:\s*([\d.]+)`)
)

// parse429 extracts the cooldown duration and optional quota/used telemetry
// from a 429 body's error.message field, per spec §4.5.
func parse429(body []byte) (time.Duration, *float64, *float64) {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Error.Message

	d := 60 * time.Second // default
	if m := resetAfterRe.FindStringSubmatch(msg); m != nil && (m[1] != "" || m[2] != "" || m[3] != "") {
		h := atoiOr(m[1], 0)
		mn := atoiOr(m[2], 0)
		s := atoiOr(m[3], 0)
		d = time.Duration(h)*time.Hour + time.Duration(mn)*time.Minute + time.Duration(s)*time.Second
	} else if m := retryAfterRe.FindStringSubmatch(msg); m != nil {
		n := atoiOr(m[1], 60)
		d = time.Duration(n) * time.Second
	}

	var quota, used *float64
	if m := quotaRe.FindStringSubmatch(msg); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			quota = &f
		}
	}
	if m := usedRe.FindStringSubmatch(msg); m != nil {
		if f, err := strconv.ParseFloat(m[1], 64); err == nil {
			used = &f
		}
	}

	return d, quota, used
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
