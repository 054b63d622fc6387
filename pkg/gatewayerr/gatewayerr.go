// Package gatewayerr defines the tagged error-kind union surfaced by the
// core gateway components. Callers match on Kind rather than on dynamic
// type, so every layer (selector, executor, classifier, refresh scheduler)
// returns the same concrete type instead of a mix of typed errors and bare
// fmt.Errorf strings.
package gatewayerr

import "fmt"

// Kind discriminates the error variants the core can surface.
type Kind string

const (
	// KindConfig means a required setting was absent or malformed.
	KindConfig Kind = "config"
	// KindProjectSelectionFailed means no eligible project/credential pair
	// exists in the pool.
	KindProjectSelectionFailed Kind = "selection_failed"
	// KindProjectAllFailed means every attempt in the retry budget failed.
	KindProjectAllFailed Kind = "all_failed"
	// KindNetwork covers transport failures and non-2xx responses the
	// classifier mapped onto a network-shaped verdict.
	KindNetwork Kind = "network_error"
	// KindParse means the upstream JSON body was unparseable or structurally
	// invalid (missing both candidates and error).
	KindParse Kind = "parse_error"
	// KindUpstreamAPI means the upstream returned a 2xx envelope carrying an
	// error object, or a 403 carrying a validation URL.
	KindUpstreamAPI Kind = "upstream_api_error"
	// KindCancelled means the caller's context was cancelled mid-flight.
	KindCancelled Kind = "cancelled"
)

// Error is the single concrete error type every core component returns.
// Only the fields relevant to Kind are populated; the rest are zero values.
type Error struct {
	Kind Kind

	// Message is a human-readable summary, always set.
	Message string

	// Retryable is meaningful for KindNetwork; other kinds are inherently
	// terminal by the time they're surfaced to the caller.
	Retryable bool

	// ProjectID is set when the error is attributable to a specific project.
	ProjectID string

	// Code/Status/ValidationURL are set for KindUpstreamAPI.
	Code          int
	Status        string
	ValidationURL string

	// Wrapped is the underlying cause, if any.
	Wrapped error
}

func (e *Error) Error() string {
	if e.ProjectID != "" {
		return fmt.Sprintf("%s: %s (project=%s)", e.Kind, e.Message, e.ProjectID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is supports errors.Is comparisons against a bare Kind-only sentinel built
// with New(kind, "").
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds a minimal Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Wrapped: cause}
}

// ConfigError reports a missing or malformed required setting.
func ConfigError(message string) *Error {
	return New(KindConfig, message)
}

// SelectionFailed reports that no eligible project/credential pair exists.
func SelectionFailed(message string) *Error {
	return New(KindProjectSelectionFailed, message)
}

// AllFailed reports that every attempt in the retry budget was exhausted.
func AllFailed(lastErr error) *Error {
	msg := "all retry attempts exhausted"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return &Error{Kind: KindProjectAllFailed, Message: msg, Wrapped: lastErr}
}

// NetworkError reports a transport failure or a non-2xx response classified
// as network-shaped.
func NetworkError(projectID, message string, retryable bool, cause error) *Error {
	return &Error{
		Kind:      KindNetwork,
		Message:   message,
		Retryable: retryable,
		ProjectID: projectID,
		Wrapped:   cause,
	}
}

// ParseError reports an unparseable or structurally invalid upstream body.
func ParseError(projectID, message string) *Error {
	return &Error{Kind: KindParse, Message: message, ProjectID: projectID}
}

// UpstreamAPIError reports a 2xx envelope carrying an error object, or a 403
// carrying a validation URL.
func UpstreamAPIError(projectID string, code int, status, message, validationURL string) *Error {
	return &Error{
		Kind:          KindUpstreamAPI,
		Message:       message,
		ProjectID:     projectID,
		Code:          code,
		Status:        status,
		ValidationURL: validationURL,
	}
}

// Cancelled reports that the caller's context ended the attempt loop.
func Cancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Message: "request cancelled", Wrapped: cause}
}

// HTTPStatus maps a Kind to the fixed status table spec'd for the (out of
// core) thin admin HTTP surface: 401 for auth errors, 400 for validation,
// 429 for rate limit, 502/503/504 for upstream, 500 for unexpected.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindConfig:
		return 500
	case KindProjectSelectionFailed, KindProjectAllFailed:
		return 503
	case KindNetwork:
		return 502
	case KindParse:
		return 502
	case KindUpstreamAPI:
		if e.Code == 401 {
			return 401
		}
		if e.Code == 400 {
			return 400
		}
		if e.Code == 429 {
			return 429
		}
		return 502
	case KindCancelled:
		return 499
	default:
		return 500
	}
}
