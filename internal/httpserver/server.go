// Package httpserver is the thin, non-core HTTP surface that exercises the
// gateway core: health/readiness probes, Prometheus metrics, pool/status
// reporting, and the request endpoints that call into pkg/executor,
// pkg/metrics, and pkg/refresh. None of the core packages import this one —
// authentication and routing here are explicitly out of the core's scope.
package httpserver

import (
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/bosmadev/gswarm-gateway/internal/config"
	"github.com/bosmadev/gswarm-gateway/internal/version"
	"github.com/bosmadev/gswarm-gateway/pkg/executor"
	"github.com/bosmadev/gswarm-gateway/pkg/metrics"
	"github.com/bosmadev/gswarm-gateway/pkg/projects"
	"github.com/bosmadev/gswarm-gateway/pkg/refresh"
	"github.com/bosmadev/gswarm-gateway/pkg/selector"
)

// Server holds the HTTP server dependencies.
type Server struct {
	Router *chi.Mux
	Logger *slog.Logger

	redis      *redis.Client
	selector   *selector.Selector
	projects   *projects.Store
	executor   *executor.Executor
	aggregator *metrics.Aggregator
	scheduler  *refresh.Scheduler

	startedAt time.Time
}

// NewServer creates an HTTP server with middleware, health/metrics/status
// endpoints, and the request-facing routes that call into the core.
func NewServer(
	cfg *config.Config,
	logger *slog.Logger,
	rdb *redis.Client,
	metricsReg *prometheus.Registry,
	sel *selector.Selector,
	projectStore *projects.Store,
	exec *executor.Executor,
	aggregator *metrics.Aggregator,
	scheduler *refresh.Scheduler,
) *Server {
	s := &Server{
		Router:     chi.NewRouter(),
		Logger:     logger,
		redis:      rdb,
		selector:   sel,
		projects:   projectStore,
		executor:   exec,
		aggregator: aggregator,
		scheduler:  scheduler,
		startedAt:  time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Get("/readyz", s.handleReadyz)
	s.Router.Get("/status", s.HandleStatus)
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/v1", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Get("/projects", s.handleListProjects)
		r.Get("/metrics/daily", s.handleDailyMetrics)
		r.Get("/metrics/quota/{projectID}", s.handleQuotaPrediction)
		r.Post("/refresh", s.handleRefreshNow)
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.redis.Ping(r.Context()).Err(); err != nil {
		s.Logger.Error("readiness check: redis ping failed", "error", err)
		RespondError(w, r, http.StatusServiceUnavailable, "unavailable", "redis not ready")
		return
	}
	Respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse is the JSON shape returned by HandleStatus.
type statusResponse struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	CommitSHA        string  `json:"commit_sha"`
	Uptime           string  `json:"uptime"`
	UptimeSeconds    int64   `json:"uptime_seconds"`
	Redis            string  `json:"redis"`
	RedisLatencyMs   float64 `json:"redis_latency_ms"`
	ProjectsTotal    int     `json:"projects_total"`
	ProjectsHealthy  int     `json:"projects_available"`
	ProjectsCooldown int     `json:"projects_in_cooldown"`
}

// HandleStatus returns aggregate pool health, Redis connectivity, and
// process uptime — the status surface spec §1 calls out as a first-class
// capability of the (out-of-core) admin HTTP layer.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uptime := time.Since(s.startedAt)

	resp := statusResponse{
		Version:       version.Version,
		CommitSHA:     version.Commit,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
	}

	redisStart := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		s.Logger.Error("status check: redis ping failed", "error", err)
		resp.Redis = "error"
	} else {
		resp.Redis = "ok"
	}
	resp.RedisLatencyMs = math.Round(float64(time.Since(redisStart).Microseconds())/10) / 100

	available, inCooldown, total, err := s.selector.Stats(ctx)
	if err != nil {
		s.Logger.Error("status check: pool stats failed", "error", err)
	}
	resp.ProjectsTotal = total
	resp.ProjectsHealthy = available
	resp.ProjectsCooldown = inCooldown

	if resp.Redis == "ok" {
		resp.Status = "ok"
	} else {
		resp.Status = "degraded"
	}

	Respond(w, http.StatusOK, resp)
}
