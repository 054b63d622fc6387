package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/bosmadev/gswarm-gateway/pkg/gatewayerr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the gateway's JSON error envelope. RequestID lets an
// operator correlate a caller-visible failure with the matching access-log
// line; ProjectID is set when the failure is attributable to a specific
// pool project (network, parse, or upstream-API errors from an attempt) and
// left blank for config, selection_failed, all_failed, and cancellation
// errors, which carry no project ID of their own.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// RespondError writes a JSON error response tagged with the request's ID
// from context, so a caller can hand the ID back to an operator.
func RespondError(w http.ResponseWriter, r *http.Request, status int, errKind, message string) {
	Respond(w, status, ErrorResponse{
		Error:     errKind,
		Message:   message,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// RespondGatewayError writes a JSON error response from a tagged
// gatewayerr.Error, deriving the HTTP status (§7's fixed status table), the
// error kind, and the attributable project ID straight from the typed
// error instead of each handler remapping it by hand.
func RespondGatewayError(w http.ResponseWriter, r *http.Request, err *gatewayerr.Error) {
	Respond(w, err.HTTPStatus(), ErrorResponse{
		Error:     string(err.Kind),
		Message:   err.Error(),
		RequestID: RequestIDFromContext(r.Context()),
		ProjectID: err.ProjectID,
	})
}
