package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bosmadev/gswarm-gateway/internal/telemetry"
)

type contextKey string

const requestMetaKey contextKey = "gateway_request_meta"

// requestMeta is a mutable per-request carrier stored once in the context by
// RequestID and written into by the handler, so Logger can report which
// upstream project served the request without threading it back up through
// every middleware's return value.
type requestMeta struct {
	id        string
	projectID string
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if m, ok := ctx.Value(requestMetaKey).(*requestMeta); ok {
		return m.id
	}
	return ""
}

// SetProjectID records which pool project served this request, for the
// access log emitted once the handler returns. A no-op if called outside a
// request carrying RequestID's middleware (e.g. from a test harness).
func SetProjectID(ctx context.Context, projectID string) {
	if m, ok := ctx.Value(requestMetaKey).(*requestMeta); ok {
		m.projectID = projectID
	}
}

func projectIDFromContext(ctx context.Context) string {
	if m, ok := ctx.Value(requestMetaKey).(*requestMeta); ok {
		return m.projectID
	}
	return ""
}

// RequestID injects a unique request ID into each request's context and response header.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestMetaKey, &requestMeta{id: id})
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger logs every request with method, path, status, duration, and —
// when the handler called SetProjectID — the pool project that served it.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestIDFromContext(r.Context()),
				"project_id", projectIDFromContext(r.Context()),
			)
		})
	}
}

// Metrics records request duration to Prometheus.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		routePath := r.URL.Path
		if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
			if pattern := routeCtx.RoutePattern(); pattern != "" {
				routePath = pattern
			}
		}

		telemetry.HTTPRequestDuration.WithLabelValues(
			r.Method,
			routePath,
			strconv.Itoa(sw.status),
		).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
