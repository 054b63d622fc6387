// Package refresh runs the background OAuth token refresh loop, per spec
// §4.7: every 30 minutes, find credentials nearing expiry and renew them via
// the OAuth token endpoint.
package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/oauth2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bosmadev/gswarm-gateway/internal/telemetry"
	"github.com/bosmadev/gswarm-gateway/pkg/tokenstore"
)

// interval is the fixed tick period between refresh cycles.
const interval = 30 * time.Minute

// initialDelay is how long the scheduler waits after Start before running
// its first cycle.
const initialDelay = 5 * time.Second

// expiryWindow is how far ahead of expiry a credential is eligible for
// refresh.
const expiryWindow = 5 * time.Minute

// Verdict is the outcome of one credential's refresh attempt.
type Verdict struct {
	Email   string
	Refreshed bool
	Error   error
}

// TokenStore is the capability the scheduler needs from pkg/tokenstore.
type TokenStore interface {
	NeedingRefresh(ctx context.Context, buffer time.Duration) ([]tokenstore.Credential, error)
	Save(ctx context.Context, email string, cred tokenstore.Credential, preserveMetadata bool) error
}

// Scheduler periodically refreshes OAuth credentials nearing expiry.
type Scheduler struct {
	tokens TokenStore
	oauth  oauth2.Config
	logger *slog.Logger

	running int32 // 1 while a cycle is in flight, guards against overlap
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler. oauthCfg supplies the client ID/secret and token
// endpoint used for the refresh_token grant.
func New(tokens TokenStore, oauthCfg oauth2.Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		tokens: tokens,
		oauth:  oauthCfg,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Start runs the scheduler's loop in a background goroutine until ctx is
// cancelled or Stop is called. Per spec §4.7 step 4, the first cycle runs
// initialDelay after Start, then the scheduler proceeds on its fixed tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("refresh scheduler started", "interval", interval)

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(initialDelay):
		}
		s.runCycle(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("refresh scheduler stopped")
				return
			case <-s.stop:
				s.logger.Info("refresh scheduler stopped")
				return
			case <-ticker.C:
				s.runCycle(ctx)
			}
		}
	}()
}

// Stop ends the background loop and waits for any in-flight cycle to finish.
func (s *Scheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// CycleNow runs one refresh cycle immediately and returns a verdict per
// email, for manual triggers.
func (s *Scheduler) CycleNow(ctx context.Context) []Verdict {
	return s.cycle(ctx)
}

// RefreshByEmail refreshes a single credential on demand, bypassing the
// needs-refresh window check.
func (s *Scheduler) RefreshByEmail(ctx context.Context, cred tokenstore.Credential) Verdict {
	return s.refreshOne(ctx, cred)
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		telemetry.RefreshCyclesTotal.WithLabelValues("skipped_overlap").Inc()
		s.logger.Warn("refresh cycle skipped: previous cycle still running")
		return
	}
	defer atomic.StoreInt32(&s.running, 0)

	verdicts := s.cycle(ctx)
	refreshed := 0
	for _, v := range verdicts {
		if v.Refreshed {
			refreshed++
		}
	}
	telemetry.RefreshCyclesTotal.WithLabelValues("completed").Inc()
	s.logger.Info("refresh cycle completed", "candidates", len(verdicts), "refreshed", refreshed)
}

// cycle refreshes every credential needing refresh. Failures are logged per
// credential and do not stop the cycle (settle-all, no fail-fast), per spec
// §5 concurrency model.
func (s *Scheduler) cycle(ctx context.Context) []Verdict {
	ctx, span := telemetry.Tracer().Start(ctx, "refresh.cycle")
	defer span.End()

	creds, err := s.tokens.NeedingRefresh(ctx, expiryWindow)
	if err != nil {
		s.logger.Error("refresh cycle: listing credentials needing refresh failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing candidates failed")
		return nil
	}
	span.SetAttributes(attribute.Int("candidates", len(creds)))

	verdicts := make([]Verdict, len(creds))
	var wg sync.WaitGroup
	for i, cred := range creds {
		wg.Add(1)
		go func(i int, cred tokenstore.Credential) {
			defer wg.Done()
			verdicts[i] = s.refreshOne(ctx, cred)
		}(i, cred)
	}
	wg.Wait()

	refreshed := 0
	for _, v := range verdicts {
		if v.Refreshed {
			refreshed++
		} else if v.Error != nil {
			span.RecordError(v.Error)
		}
	}
	span.SetAttributes(attribute.Int("refreshed", refreshed))
	span.SetStatus(codes.Ok, "")
	return verdicts
}

func (s *Scheduler) refreshOne(ctx context.Context, cred tokenstore.Credential) Verdict {
	if cred.RefreshToken == "" {
		telemetry.RefreshOutcomesTotal.WithLabelValues("failed").Inc()
		return Verdict{Email: cred.Email, Error: fmt.Errorf("no refresh token on file")}
	}

	ts := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := ts.Token()
	if err != nil {
		s.logger.Warn("refresh failed", "email", cred.Email, "error", err)
		telemetry.RefreshOutcomesTotal.WithLabelValues("failed").Inc()
		return Verdict{Email: cred.Email, Error: fmt.Errorf("refreshing token for %s: %w", cred.Email, err)}
	}

	updated := cred
	updated.AccessToken = tok.AccessToken
	updated.TokenType = tok.TokenType
	updated.ExpiryTimestamp = tok.Expiry
	updated.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}

	if err := s.tokens.Save(ctx, cred.Email, updated, true); err != nil {
		s.logger.Error("refresh succeeded but saving credential failed", "email", cred.Email, "error", err)
		telemetry.RefreshOutcomesTotal.WithLabelValues("failed").Inc()
		return Verdict{Email: cred.Email, Error: fmt.Errorf("saving refreshed credential for %s: %w", cred.Email, err)}
	}

	telemetry.RefreshOutcomesTotal.WithLabelValues("refreshed").Inc()
	s.logger.Info("credential refreshed", "email", cred.Email)
	return Verdict{Email: cred.Email, Refreshed: true}
}
