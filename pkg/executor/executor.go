// Package executor implements the attempt-loop orchestrator: select a
// project/credential pair, call the upstream generative endpoint, classify
// the response, record the outcome, and retry with backoff until an attempt
// succeeds or the retry budget is exhausted.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bosmadev/gswarm-gateway/internal/telemetry"
	"github.com/bosmadev/gswarm-gateway/pkg/classifier"
	"github.com/bosmadev/gswarm-gateway/pkg/gatewayerr"
	"github.com/bosmadev/gswarm-gateway/pkg/projectstate"
	"github.com/bosmadev/gswarm-gateway/pkg/selector"
)

const upstreamURL = "https://cloudcode-pa.googleapis.com/v1internal:generateContent"

// Selector is the capability set the executor depends on, per the
// polymorphism-over-the-selector-dependency design note: SelectForRequest,
// MarkUsed, MarkCooldown, RecordError. *selector.Selector satisfies this;
// tests substitute a hand-written stub.
type Selector interface {
	SelectForRequest(ctx context.Context, callSource string) (selector.Selection, bool, error)
	MarkUsed(ctx context.Context, projectID string) error
	MarkCooldown(ctx context.Context, projectID string, until time.Time) error
	RecordError(ctx context.Context, projectID string, kind projectstate.ErrorKind, quotaResetAt *time.Time) (projectstate.State, error)
}

// Options configures one Execute call.
type Options struct {
	Prompt           string
	SystemInstruction string
	MaxOutputTokens  int
	Temperature      float64
	TopP             float64
	ThinkingBudget   int // 0 falls back to Config.ThinkingBudget; thinkingConfig is sent only when Config.ThinkingEnabled
	ResponseMIMEType string
	ResponseJSONSchema json.RawMessage
	UseGoogleSearch  bool
	CallSource       string
	RequestTimeout   time.Duration // default 60s

	// HTTPClient overrides the default client; tests inject a fake transport.
	HTTPClient *http.Client
}

// Usage mirrors the upstream usageMetadata object.
type Usage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
}

// Result is what a successful Execute call returns.
type Result struct {
	Text      string
	Thoughts  string
	ProjectID string
	LatencyMs int64
	Usage     *Usage
}

// Config carries the model defaults an Executor applies when Options leaves
// a field at its zero value.
type Config struct {
	Model            string
	MaxOutputTokens  int
	Temperature      float64
	TopP             float64
	ThinkingEnabled  bool
	ThinkingBudget   int
	MaxRetries       int
	BaseRetryDelay   time.Duration
	RequestTimeout   time.Duration
}

// DefaultConfig returns the spec's documented defaults (§6).
func DefaultConfig() Config {
	return Config{
		Model:           "gemini-2.5-pro",
		MaxOutputTokens: 65536,
		Temperature:     1.0,
		TopP:            0.95,
		ThinkingEnabled: true,
		ThinkingBudget:  32768,
		MaxRetries:      3,
		BaseRetryDelay:  time.Second,
		RequestTimeout:  60 * time.Second,
	}
}

// Executor orchestrates the select→call→classify→record→retry loop.
type Executor struct {
	selector   Selector
	classifier *classifier.Classifier
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates an Executor.
func New(sel Selector, cl *classifier.Classifier, cfg Config, logger *slog.Logger) *Executor {
	return &Executor{
		selector:   sel,
		classifier: cl,
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}
}

type requestBody struct {
	Model   string `json:"model"`
	Request struct {
		Contents []content `json:"contents"`
		GenerationConfig generationConfig `json:"generationConfig"`
		SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
		Tools []tool `json:"tools,omitempty"`
	} `json:"request"`
	Project string `json:"project"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text    string `json:"text,omitempty"`
	Thought bool   `json:"thought,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens    int             `json:"maxOutputTokens"`
	Temperature        float64         `json:"temperature"`
	TopP               float64         `json:"topP"`
	ResponseMIMEType   string          `json:"responseMimeType,omitempty"`
	ResponseJSONSchema json.RawMessage `json:"responseJsonSchema,omitempty"`
	ThinkingConfig     *thinkingConfig `json:"thinkingConfig,omitempty"`
}

type thinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type tool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type upstreamResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *Usage `json:"usageMetadata,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

func (e *Executor) buildBody(opts Options, projectID string) ([]byte, error) {
	var b requestBody
	b.Model = e.cfg.Model
	b.Project = projectID
	b.Request.Contents = []content{{Role: "user", Parts: []part{{Text: opts.Prompt}}}}

	maxTokens := e.cfg.MaxOutputTokens
	if opts.MaxOutputTokens > 0 {
		maxTokens = opts.MaxOutputTokens
	}
	temp := e.cfg.Temperature
	if opts.Temperature != 0 {
		temp = opts.Temperature
	}
	topP := e.cfg.TopP
	if opts.TopP != 0 {
		topP = opts.TopP
	}
	b.Request.GenerationConfig = generationConfig{
		MaxOutputTokens:    maxTokens,
		Temperature:        temp,
		TopP:               topP,
		ResponseMIMEType:   opts.ResponseMIMEType,
		ResponseJSONSchema: opts.ResponseJSONSchema,
	}

	budget := opts.ThinkingBudget
	if budget == 0 {
		budget = e.cfg.ThinkingBudget
	}
	if e.cfg.ThinkingEnabled {
		b.Request.GenerationConfig.ThinkingConfig = &thinkingConfig{ThinkingBudget: budget}
	}

	if opts.SystemInstruction != "" {
		b.Request.SystemInstruction = &systemInstruction{Parts: []part{{Text: opts.SystemInstruction}}}
	}
	if opts.UseGoogleSearch {
		b.Request.Tools = []tool{{GoogleSearch: &struct{}{}}}
	}

	return json.Marshal(b)
}

// Execute runs the attempt loop for one request.
func (e *Executor) Execute(ctx context.Context, opts Options) (*Result, error) {
	start := time.Now()
	result, err := e.execute(ctx, opts)
	telemetry.ExecuteLatencySeconds.Observe(time.Since(start).Seconds())
	return result, err
}

func (e *Executor) execute(ctx context.Context, opts Options) (*Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "executor.Execute",
		attribute.String("call_source", opts.CallSource),
	)
	defer span.End()

	httpClient := e.httpClient
	if opts.HTTPClient != nil {
		httpClient = opts.HTTPClient
	}
	timeout := e.cfg.RequestTimeout
	if opts.RequestTimeout > 0 {
		timeout = opts.RequestTimeout
	}

	bo := newBackOff(e.cfg.BaseRetryDelay)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cancelled")
			return nil, gatewayerr.Cancelled(err)
		}

		sel, ok, err := e.selector.SelectForRequest(ctx, opts.CallSource)
		if err != nil {
			err = gatewayerr.Wrap(gatewayerr.KindProjectSelectionFailed, "selecting project", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "selection failed")
			return nil, err
		}
		if !ok {
			err := gatewayerr.SelectionFailed("no eligible project/credential pair available")
			span.RecordError(err)
			span.SetStatus(codes.Error, "selection failed")
			return nil, err
		}
		span.SetAttributes(attribute.Int("attempt", attempt))

		result, retry, err := e.attempt(ctx, httpClient, timeout, opts, sel)
		if err == nil {
			telemetry.ExecuteAttemptsTotal.WithLabelValues("success").Inc()
			span.SetAttributes(attribute.String("project_id", sel.Project.ProjectID))
			span.SetStatus(codes.Ok, "")
			return result, nil
		}
		lastErr = err
		if !retry {
			telemetry.ExecuteAttemptsTotal.WithLabelValues("terminal_error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "terminal error")
			return nil, err
		}
		telemetry.ExecuteAttemptsTotal.WithLabelValues("retryable_error").Inc()

		if attempt < e.cfg.MaxRetries {
			delay := backoffDelay(bo)
			select {
			case <-ctx.Done():
				span.RecordError(ctx.Err())
				span.SetStatus(codes.Error, "cancelled")
				return nil, gatewayerr.Cancelled(ctx.Err())
			case <-time.After(delay):
			}
		}
	}

	err := gatewayerr.AllFailed(lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, "all attempts failed")
	return nil, err
}

// newBackOff configures the per-attempt deterministic exponential component
// of the retry delay: base*2^(attempt-1), capped at 30s. The jitter term is
// added separately in backoffDelay since the library's own randomization
// would apply it to the capped value instead of the pre-cap one.
func newBackOff(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = 30 * time.Second
	return b
}

// backoffDelay draws the next delay from bo and adds up to 1s of jitter,
// then re-applies the 30s cap per spec §4.6 step 7.
func backoffDelay(bo *backoff.ExponentialBackOff) time.Duration {
	delay := bo.NextBackOff() + time.Duration(rand.Int63n(1000))*time.Millisecond
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	return delay
}

// attempt performs exactly one call-to-response cycle against the project
// and credential execute already selected. The bool return
// reports whether the caller's loop should retry after a non-nil error.
func (e *Executor) attempt(ctx context.Context, httpClient *http.Client, timeout time.Duration, opts Options, sel selector.Selection) (*Result, bool, error) {
	body, err := e.buildBody(opts, sel.Project.ProjectID)
	if err != nil {
		return nil, false, gatewayerr.Wrap(gatewayerr.KindParse, "encoding request body", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, upstreamURL, bytes.NewReader(body))
	if err != nil {
		return nil, false, gatewayerr.Wrap(gatewayerr.KindNetwork, "building upstream request", err)
	}
	req.Header.Set("Authorization", "Bearer "+sel.Credential.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := httpClient.Do(req)
	latency := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			return nil, false, gatewayerr.Cancelled(ctx.Err())
		}
		e.recordTransportFailure(ctx, sel.Project.ProjectID)
		return nil, true, gatewayerr.NetworkError(sel.Project.ProjectID, fmt.Sprintf("upstream call failed: %v", err), true, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		e.recordTransportFailure(ctx, sel.Project.ProjectID)
		return nil, true, gatewayerr.NetworkError(sel.Project.ProjectID, "reading upstream response", true, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		verdict := e.classifier.Classify(ctx, sel.Project.ProjectID, resp.StatusCode, raw, sel.Credential.Email)
		if _, err := e.selector.RecordError(ctx, sel.Project.ProjectID, projectstate.ErrorKindServer, nil); err != nil {
			e.logger.Warn("executor: recording project error failed", "project", sel.Project.ProjectID, "error", err)
		}
		if verdict.ResetDuration > 0 {
			if err := e.selector.MarkCooldown(ctx, sel.Project.ProjectID, time.Now().Add(verdict.ResetDuration)); err != nil {
				e.logger.Warn("executor: applying cooldown failed", "project", sel.Project.ProjectID, "error", err)
			}
		}
		if !verdict.Retry {
			return nil, false, gatewayerr.NetworkError(sel.Project.ProjectID, fmt.Sprintf("upstream returned %d", resp.StatusCode), false, nil)
		}
		return nil, true, gatewayerr.NetworkError(sel.Project.ProjectID, fmt.Sprintf("upstream returned %d, retrying", resp.StatusCode), true, nil)
	}

	var parsed upstreamResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, false, gatewayerr.ParseError(sel.Project.ProjectID, "unparseable upstream response body")
	}
	if len(parsed.Candidates) == 0 && parsed.Error == nil {
		return nil, false, gatewayerr.ParseError(sel.Project.ProjectID, "response has neither candidates nor error")
	}
	if parsed.Error != nil {
		return nil, false, gatewayerr.UpstreamAPIError(sel.Project.ProjectID, parsed.Error.Code, parsed.Error.Status, parsed.Error.Message, "")
	}

	var textParts, thoughtParts []string
	for _, p := range parsed.Candidates[0].Content.Parts {
		if p.Thought {
			thoughtParts = append(thoughtParts, p.Text)
		} else {
			textParts = append(textParts, p.Text)
		}
	}

	if err := e.selector.MarkUsed(ctx, sel.Project.ProjectID); err != nil {
		e.logger.Warn("executor: marking project used failed", "project", sel.Project.ProjectID, "error", err)
	}

	return &Result{
		Text:      joinLines(textParts),
		Thoughts:  joinLines(thoughtParts),
		ProjectID: sel.Project.ProjectID,
		LatencyMs: latency.Milliseconds(),
		Usage:     parsed.UsageMetadata,
	}, false, nil
}

func (e *Executor) recordTransportFailure(ctx context.Context, projectID string) {
	if _, err := e.selector.RecordError(ctx, projectID, projectstate.ErrorKindServer, nil); err != nil {
		e.logger.Warn("executor: recording transport failure failed", "project", projectID, "error", err)
	}
	if err := e.selector.MarkCooldown(ctx, projectID, time.Now().Add(30*time.Second)); err != nil {
		e.logger.Warn("executor: applying transport-failure cooldown failed", "project", projectID, "error", err)
	}
}

func joinLines(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\n"
		}
		out += p
	}
	return out
}
