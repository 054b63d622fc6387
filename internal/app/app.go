// Package app wires the gateway's core packages together and runs the thin
// admin/status HTTP surface plus the background refresh scheduler. Nothing
// in pkg/ or internal/kvstore imports this package — it is purely the outer
// caller, matching the teacher's internal/app + cmd/nightowl split.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/bosmadev/gswarm-gateway/internal/config"
	"github.com/bosmadev/gswarm-gateway/internal/httpserver"
	"github.com/bosmadev/gswarm-gateway/internal/kvstore"
	"github.com/bosmadev/gswarm-gateway/internal/telemetry"
	"github.com/bosmadev/gswarm-gateway/internal/version"
	"github.com/bosmadev/gswarm-gateway/pkg/classifier"
	"github.com/bosmadev/gswarm-gateway/pkg/executor"
	"github.com/bosmadev/gswarm-gateway/pkg/metrics"
	"github.com/bosmadev/gswarm-gateway/pkg/projects"
	"github.com/bosmadev/gswarm-gateway/pkg/projectstate"
	"github.com/bosmadev/gswarm-gateway/pkg/refresh"
	"github.com/bosmadev/gswarm-gateway/pkg/selector"
	"github.com/bosmadev/gswarm-gateway/pkg/tokenstore"
)

// Run reads config, connects to infrastructure, builds the core, and serves
// the admin/status surface and refresh scheduler until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting gswarm-gateway", "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, "gswarm-gateway", version.Version)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	rdb, err := kvstore.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()
	kv := kvstore.NewRedisStore(rdb)

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	// --- Core domain wiring ---
	tokens := tokenstore.New(kv, logger)
	states := projectstate.New(kv)
	projectStore := projects.New(kv)
	sel := selector.New(projectStore, states, tokens, logger)
	cl := classifier.New(tokens, logger)

	execCfg := executor.DefaultConfig()
	execCfg.Model = cfg.Model
	execCfg.MaxOutputTokens = cfg.MaxOutputTokens
	execCfg.Temperature = cfg.Temperature
	execCfg.TopP = cfg.TopP
	execCfg.ThinkingEnabled = cfg.ThinkingEnabled
	execCfg.ThinkingBudget = cfg.ThinkingBudget
	execCfg.MaxRetries = cfg.MaxRetries
	execCfg.BaseRetryDelay = cfg.BaseRetryDelay()
	execCfg.RequestTimeout = cfg.RequestTimeout()
	exec := executor.New(sel, cl, execCfg, logger)

	aggregator := metrics.New(kv)

	oauthCfg := oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.OAuthTokenURL},
	}
	scheduler := refresh.New(tokens, oauthCfg, logger)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// --- Thin admin/status HTTP surface ---
	srv := httpserver.NewServer(cfg, logger, rdb, metricsReg, sel, projectStore, exec, aggregator, scheduler)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin surface listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down admin surface")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
