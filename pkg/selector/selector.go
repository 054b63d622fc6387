// Package selector implements the health-scored LRU rotation over the
// cross-account project pool described in spec §4.4.
package selector

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bosmadev/gswarm-gateway/internal/telemetry"
	"github.com/bosmadev/gswarm-gateway/pkg/projects"
	"github.com/bosmadev/gswarm-gateway/pkg/projectstate"
	"github.com/bosmadev/gswarm-gateway/pkg/tokenstore"
)

// memoTTL is the 1-second single-slot memoization window keyed on
// call-source.
const memoTTL = 1 * time.Second

// recencyWindow is the 5-minute window the recency bonus decays over.
const recencyWindow = 5 * time.Minute

// Weights for the composite health score, per spec §4.4 step 3.
const (
	weightSuccessRate = 0.5
	weightRecency     = 0.3
	weightCooldown    = 0.2
)

// Selection is the (project, credential, score) tuple SelectForRequest
// returns.
type Selection struct {
	Project     projects.Project
	Credential  tokenstore.Credential
	HealthScore float64
}

// Selector picks the healthiest available project for each request.
//
// Tie-break policy (spec §9 open question): ties in health score are broken
// by ascending project-ID for deterministic test behavior, per the spec's
// own recommendation.
//
// Recency-bonus policy (spec §9 open question): the formula in §4.4 step 3
// literally rewards a project the *more* recently it was used (a project
// used seconds ago scores recencyBonus≈1; a project idle for 5+ minutes
// scores 0), which the spec's own prose flags as contradicting the term
// "LRU". This implementation preserves the documented formula as-written
// rather than silently inverting it — see DESIGN.md.
type Selector struct {
	projects *projects.Store
	states   *projectstate.Store
	tokens   *tokenstore.Store
	logger   *slog.Logger

	mu      sync.Mutex
	memo    map[string]memoEntry
}

type memoEntry struct {
	selection Selection
	expiresAt time.Time
}

// New creates a Selector over the given stores.
func New(projectStore *projects.Store, stateStore *projectstate.Store, tokenStore *tokenstore.Store, logger *slog.Logger) *Selector {
	return &Selector{
		projects: projectStore,
		states:   stateStore,
		tokens:   tokenStore,
		logger:   logger,
		memo:     make(map[string]memoEntry),
	}
}

// SelectForRequest returns the healthiest eligible (project, credential)
// pair, or ok=false if none exists. callSource, when non-empty, enables the
// 1-second memoization cache.
func (s *Selector) SelectForRequest(ctx context.Context, callSource string) (Selection, bool, error) {
	if callSource != "" {
		if sel, ok := s.memoized(callSource); ok {
			return sel, true, nil
		}
	}

	all, err := s.projects.ListAll(ctx)
	if err != nil {
		return Selection{}, false, err
	}

	type scored struct {
		project projects.Project
		score   float64
	}
	candidates := make([]scored, 0, len(all))
	now := time.Now()

	for _, p := range all {
		if !p.APIEnabled {
			continue
		}
		st, err := s.states.GetOrCreateDefault(ctx, p.ProjectID)
		if err != nil {
			s.logger.Warn("selector: loading project state failed", "project", p.ProjectID, "error", err)
			continue
		}
		candidates = append(candidates, scored{project: p, score: healthScore(st, now)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].project.ProjectID < candidates[j].project.ProjectID
	})

	for _, c := range candidates {
		cred, ok, err := s.tokens.Load(ctx, c.project.OwnerEmail)
		if err != nil {
			s.logger.Warn("selector: loading credential failed", "owner", c.project.OwnerEmail, "error", err)
			continue
		}
		if !ok || !cred.Usable(now) {
			continue
		}
		sel := Selection{Project: c.project, Credential: *cred, HealthScore: c.score}
		if callSource != "" {
			s.memoize(callSource, sel)
		}
		telemetry.SelectionsTotal.WithLabelValues("selected").Inc()
		return sel, true, nil
	}

	telemetry.SelectionsTotal.WithLabelValues("no_eligible_project").Inc()
	return Selection{}, false, nil
}

// healthScore computes the composite score from spec §4.4 step 3.
func healthScore(st projectstate.State, now time.Time) float64 {
	var successRate float64
	total := st.SuccessCount + st.ErrorCount
	if total == 0 {
		successRate = 1
	} else {
		successRate = float64(st.SuccessCount) / float64(total)
	}

	var recencyBonus float64
	if !st.LastUsedAt.IsZero() {
		elapsed := now.Sub(st.LastUsedAt)
		recencyBonus = 1 - float64(elapsed)/float64(recencyWindow)
		if recencyBonus < 0 {
			recencyBonus = 0
		}
	}

	cooldownPenalty := 0.0
	if st.InCooldown(now) {
		cooldownPenalty = 1
	}

	score := weightSuccessRate*successRate + weightRecency*recencyBonus + weightCooldown*(1-cooldownPenalty)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// MarkUsed delegates to RecordSuccess on the project-state store and clears
// the memoization entry that points at this project, if any.
func (s *Selector) MarkUsed(ctx context.Context, projectID string) error {
	if _, err := s.states.RecordSuccess(ctx, projectID); err != nil {
		return err
	}
	s.invalidateFor(projectID)
	return nil
}

// RecordError records an error against a project (incrementing counters and
// computing the backoff-schedule cooldown per spec §4.3) and invalidates any
// memoized selection for it.
func (s *Selector) RecordError(ctx context.Context, projectID string, kind projectstate.ErrorKind, quotaResetAt *time.Time) (projectstate.State, error) {
	st, err := s.states.RecordError(ctx, projectID, kind, quotaResetAt)
	if err != nil {
		return projectstate.State{}, err
	}
	s.invalidateFor(projectID)
	return st, nil
}

// MarkCooldown sets a project's cooldown-until directly to until, without
// touching its error counters. Used by the executor to apply a classifier
// verdict's specific reset duration on top of whatever RecordError's backoff
// schedule already computed — the verdict's duration wins outright, shorter
// or longer.
func (s *Selector) MarkCooldown(ctx context.Context, projectID string, until time.Time) error {
	if err := s.states.ExtendCooldown(ctx, projectID, until); err != nil {
		return err
	}
	s.invalidateFor(projectID)
	return nil
}

// ClearCooldown clears a project's cooldown and invalidates any memoized
// selection for it, since its eligibility may have changed.
func (s *Selector) ClearCooldown(ctx context.Context, projectID string) error {
	if err := s.states.ClearCooldown(ctx, projectID); err != nil {
		return err
	}
	s.invalidateFor(projectID)
	return nil
}

// InvalidateAll drops every memoized selection. The refresh scheduler does
// not call it, so after a refresh a memoized entry lasts until memoTTL
// expires or a per-project invalidation removes it.
func (s *Selector) InvalidateAll() {
	s.mu.Lock()
	s.memo = make(map[string]memoEntry)
	s.mu.Unlock()
}

// Stats reports the pool's current shape for operator-facing status
// surfaces.
func (s *Selector) Stats(ctx context.Context) (available, inCooldown, total int, err error) {
	all, err := s.projects.ListAll(ctx)
	if err != nil {
		return 0, 0, 0, err
	}
	now := time.Now()
	for _, p := range all {
		if !p.APIEnabled {
			continue
		}
		total++
		st, err := s.states.GetOrCreateDefault(ctx, p.ProjectID)
		if err != nil {
			continue
		}
		if st.InCooldown(now) {
			inCooldown++
		} else {
			available++
		}
	}
	telemetry.ProjectsInCooldown.Set(float64(inCooldown))
	return available, inCooldown, total, nil
}

func (s *Selector) memoized(callSource string) (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.memo[callSource]
	if !ok || time.Now().After(entry.expiresAt) {
		return Selection{}, false
	}
	return entry.selection, true
}

func (s *Selector) memoize(callSource string, sel Selection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memo[callSource] = memoEntry{selection: sel, expiresAt: time.Now().Add(memoTTL)}
}

func (s *Selector) invalidateFor(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.memo {
		if v.selection.Project.ProjectID == projectID {
			delete(s.memo, k)
		}
	}
}
