package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bosmadev/gswarm-gateway/pkg/executor"
	"github.com/bosmadev/gswarm-gateway/pkg/gatewayerr"
	"github.com/bosmadev/gswarm-gateway/pkg/metrics"
)

// generateRequest is the JSON body for POST /v1/generate.
type generateRequest struct {
	Prompt             string          `json:"prompt" validate:"required"`
	SystemInstruction  string          `json:"system_instruction"`
	MaxOutputTokens    int             `json:"max_output_tokens" validate:"gte=0"`
	Temperature        float64         `json:"temperature" validate:"gte=0,lte=2"`
	TopP               float64         `json:"top_p" validate:"gte=0,lte=1"`
	ThinkingBudget     int             `json:"thinking_budget" validate:"gte=0"`
	ResponseMIMEType   string          `json:"response_mime_type"`
	ResponseJSONSchema json.RawMessage `json:"response_json_schema"`
	UseGoogleSearch    bool            `json:"use_google_search"`
	CallSource         string          `json:"call_source"`
}

// generateResponse mirrors executor.Result.
type generateResponse struct {
	Text      string          `json:"text"`
	Thoughts  string          `json:"thoughts,omitempty"`
	ProjectID string          `json:"project_id"`
	LatencyMs int64           `json:"latency_ms"`
	Usage     *executor.Usage `json:"usage,omitempty"`
}

// handleGenerate is the one caller-facing endpoint: it decodes a prompt,
// hands it to the executor's attempt loop, and maps the typed error kind to
// the fixed HTTP status table from spec §7.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	start := time.Now()
	result, err := s.executor.Execute(r.Context(), executor.Options{
		Prompt:             req.Prompt,
		SystemInstruction:  req.SystemInstruction,
		MaxOutputTokens:    req.MaxOutputTokens,
		Temperature:        req.Temperature,
		TopP:               req.TopP,
		ThinkingBudget:     req.ThinkingBudget,
		ResponseMIMEType:   req.ResponseMIMEType,
		ResponseJSONSchema: req.ResponseJSONSchema,
		UseGoogleSearch:    req.UseGoogleSearch,
		CallSource:         req.CallSource,
	})

	s.recordGenerateMetric(r, req, result, err, time.Since(start))

	if projectID := projectIDOf(result, err); projectID != "" {
		SetProjectID(r.Context(), projectID)
	}

	if err != nil {
		s.respondGenerateError(w, r, err)
		return
	}

	Respond(w, http.StatusOK, generateResponse{
		Text:      result.Text,
		Thoughts:  result.Thoughts,
		ProjectID: result.ProjectID,
		LatencyMs: result.LatencyMs,
		Usage:     result.Usage,
	})
}

// recordGenerateMetric is handleGenerate's request-metric callback, per
// spec §4.8: the executor returns the information needed for its caller to
// build a metrics.Record — here, that caller is this admin-surface handler.
func (s *Server) recordGenerateMetric(r *http.Request, req generateRequest, result *executor.Result, callErr error, duration time.Duration) {
	m := metrics.RequestMetric{
		ID:         uuid.NewString(),
		Timestamp:  time.Now(),
		Endpoint:   "/v1/generate",
		Method:     http.MethodPost,
		Account:    req.CallSource,
		DurationMs: duration.Milliseconds(),
		Success:    callErr == nil,
	}
	if result != nil {
		m.ProjectID = result.ProjectID
		if result.Usage != nil {
			m.TokensUsed = int64(result.Usage.TotalTokenCount)
		}
	}
	var gerr *gatewayerr.Error
	if errors.As(callErr, &gerr) {
		m.ErrorType = string(gerr.Kind)
	}

	if err := s.aggregator.Record(r.Context(), m); err != nil {
		s.Logger.Warn("recording request metric failed", "error", err)
	}
}

func (s *Server) respondGenerateError(w http.ResponseWriter, r *http.Request, err error) {
	var gerr *gatewayerr.Error
	if errors.As(err, &gerr) {
		RespondGatewayError(w, r, gerr)
		return
	}
	s.Logger.Error("generate: unclassified error", "error", err)
	RespondError(w, r, http.StatusInternalServerError, "internal_error", "unexpected error")
}

// projectIDOf returns the project a generate call is attributable to, from
// whichever source has it: a successful result, or a typed gateway error
// that reached project selection before failing.
func projectIDOf(result *executor.Result, err error) string {
	if result != nil && result.ProjectID != "" {
		return result.ProjectID
	}
	var gerr *gatewayerr.Error
	for errors.As(err, &gerr) {
		if gerr.ProjectID != "" {
			return gerr.ProjectID
		}
		err = gerr.Unwrap()
	}
	return ""
}
