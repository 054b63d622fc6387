package projectstate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/bosmadev/gswarm-gateway/internal/kvstore"
	"github.com/bosmadev/gswarm-gateway/internal/telemetry"
)

const keyPrefix = "project-state:"

// cacheTTL is the 30-second in-process cache window wrapping the
// underlying KV map, invalidated on every write.
const cacheTTL = 30 * time.Second

func key(projectID string) string {
	return keyPrefix + projectID
}

// Store persists and caches per-project State records.
type Store struct {
	kv kvstore.Store

	mu       sync.RWMutex
	cache    map[string]State
	loadedAt time.Time
}

// New creates a project-state store over the given KV backend.
func New(kv kvstore.Store) *Store {
	return &Store{kv: kv, cache: make(map[string]State)}
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.loadedAt = time.Time{}
	s.mu.Unlock()
}

// all returns every cached state, reloading from KV if the cache is stale.
// Callers that need a specific projectID's live state (Get) bypass this and
// hit the KV directly to avoid masking concurrent writers from other
// processes beyond the 30s window; Available/QuotaExhausted intentionally
// use the cache since they scan the whole pool on every selection.
func (s *Store) all(ctx context.Context) (map[string]State, error) {
	s.mu.RLock()
	if time.Since(s.loadedAt) < cacheTTL && s.loadedAt != (time.Time{}) {
		snapshot := cloneMap(s.cache)
		s.mu.RUnlock()
		return snapshot, nil
	}
	s.mu.RUnlock()

	reloaded, err := s.reloadAll(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache = reloaded
	s.loadedAt = time.Now()
	s.mu.Unlock()

	return cloneMap(reloaded), nil
}

func (s *Store) reloadAll(ctx context.Context) (map[string]State, error) {
	out := make(map[string]State)
	cursor := uint64(0)
	for {
		next, keys, err := s.kv.Scan(ctx, cursor, keyPrefix+"*", 200)
		if err != nil {
			return nil, fmt.Errorf("scanning project states: %w", err)
		}
		for _, k := range keys {
			if _, seen := out[k]; seen {
				continue
			}
			fields, err := s.kv.HGetAll(ctx, k)
			if err != nil {
				return nil, fmt.Errorf("loading project state %s: %w", k, err)
			}
			if len(fields) == 0 {
				continue
			}
			st := fromFields(fields)
			out[st.ProjectID] = st
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Get returns a project's state, bypassing the LRU-scan cache so a single
// lookup always sees the latest persisted write.
func (s *Store) Get(ctx context.Context, projectID string) (State, bool, error) {
	fields, err := s.kv.HGetAll(ctx, key(projectID))
	if err != nil {
		return State{}, false, fmt.Errorf("getting project state %s: %w", projectID, err)
	}
	if len(fields) == 0 {
		return State{}, false, nil
	}
	return fromFields(fields), true, nil
}

// GetOrCreateDefault returns a project's state, or a fresh zero-valued
// State (not yet persisted) if none exists.
func (s *Store) GetOrCreateDefault(ctx context.Context, projectID string) (State, error) {
	st, ok, err := s.Get(ctx, projectID)
	if err != nil {
		return State{}, err
	}
	if !ok {
		return Default(projectID), nil
	}
	return st, nil
}

// save persists a state and invalidates the scan cache.
func (s *Store) save(ctx context.Context, st State) error {
	if err := s.kv.HSet(ctx, key(st.ProjectID), toFields(st)); err != nil {
		return fmt.Errorf("saving project state %s: %w", st.ProjectID, err)
	}
	s.invalidate()
	return nil
}

// Update merges non-nil fields from partial into the stored state,
// always overwriting ProjectID with the key.
type Partial struct {
	SuccessCount     *int64
	ErrorCount       *int64
	ConsecutiveError *int64
	LastUsedAt       *time.Time
	LastSuccessAt    *time.Time
	LastErrorAt      *time.Time
	CooldownUntil    *time.Time
	QuotaResetAt     *time.Time
	LastErrorKind    *ErrorKind
	QuotaResetReason *string
}

// Update merges the given partial into the project's persisted state.
func (s *Store) Update(ctx context.Context, projectID string, partial Partial) (State, error) {
	st, err := s.GetOrCreateDefault(ctx, projectID)
	if err != nil {
		return State{}, err
	}
	st.ProjectID = projectID

	if partial.SuccessCount != nil {
		st.SuccessCount = *partial.SuccessCount
	}
	if partial.ErrorCount != nil {
		st.ErrorCount = *partial.ErrorCount
	}
	if partial.ConsecutiveError != nil {
		st.ConsecutiveError = *partial.ConsecutiveError
	}
	if partial.LastUsedAt != nil {
		st.LastUsedAt = *partial.LastUsedAt
	}
	if partial.LastSuccessAt != nil {
		st.LastSuccessAt = *partial.LastSuccessAt
	}
	if partial.LastErrorAt != nil {
		st.LastErrorAt = *partial.LastErrorAt
	}
	if partial.CooldownUntil != nil {
		st.CooldownUntil = *partial.CooldownUntil
	}
	if partial.QuotaResetAt != nil {
		st.QuotaResetAt = *partial.QuotaResetAt
	}
	if partial.LastErrorKind != nil {
		st.LastErrorKind = *partial.LastErrorKind
	}
	if partial.QuotaResetReason != nil {
		st.QuotaResetReason = *partial.QuotaResetReason
	}

	if err := s.save(ctx, st); err != nil {
		return State{}, err
	}
	return st, nil
}

// RecordSuccess sets last-used = last-success = now, increments success
// count, resets consecutive errors to 0, and clears last-error-kind.
func (s *Store) RecordSuccess(ctx context.Context, projectID string) (State, error) {
	st, err := s.GetOrCreateDefault(ctx, projectID)
	if err != nil {
		return State{}, err
	}
	now := time.Now()
	st.ProjectID = projectID
	st.SuccessCount++
	st.ConsecutiveError = 0
	st.LastErrorKind = ""
	st.LastUsedAt = now
	st.LastSuccessAt = now

	if err := s.save(ctx, st); err != nil {
		return State{}, err
	}
	return st, nil
}

// RecordError increments error counters, sets last-error timestamps/kind,
// and sets cooldown-until = now + computeCooldown(...) per spec §4.3's
// literal assignment. A caller applying a classifier verdict's own reset
// duration (a shorter 429/503 backoff, say) does so afterward via
// ExtendCooldown, which overrides this value outright — see its doc comment.
func (s *Store) RecordError(ctx context.Context, projectID string, kind ErrorKind, quotaResetAt *time.Time) (State, error) {
	st, err := s.GetOrCreateDefault(ctx, projectID)
	if err != nil {
		return State{}, err
	}
	now := time.Now()
	st.ProjectID = projectID
	st.ErrorCount++
	st.ConsecutiveError++
	st.LastErrorAt = now
	st.LastErrorKind = kind

	duration := computeCooldown(st.ConsecutiveError, kind)
	st.CooldownUntil = now.Add(duration)
	telemetry.CooldownEventsTotal.WithLabelValues(string(kind)).Inc()

	if kind == ErrorKindQuotaExhausted && quotaResetAt != nil {
		if quotaResetAt.After(st.CooldownUntil) {
			st.CooldownUntil = *quotaResetAt
		}
		st.QuotaResetAt = *quotaResetAt
		st.QuotaResetReason = humanizeDuration(quotaResetAt.Sub(now))
	}

	if err := s.save(ctx, st); err != nil {
		return State{}, err
	}
	return st, nil
}

// ExtendCooldown sets a project's cooldown-until directly to until, per spec
// §4.6 step 5: a classifier verdict's reset duration still drives the
// cooldown, whether that duration lands shorter or longer than whatever
// RecordError's backoff schedule already computed from consecutive errors.
func (s *Store) ExtendCooldown(ctx context.Context, projectID string, until time.Time) error {
	st, err := s.GetOrCreateDefault(ctx, projectID)
	if err != nil {
		return err
	}
	st.ProjectID = projectID
	st.CooldownUntil = until
	return s.save(ctx, st)
}

// ClearCooldown zeroes cooldown-until and consecutive errors, and clears
// quota fields and last-error-kind.
func (s *Store) ClearCooldown(ctx context.Context, projectID string) error {
	st, err := s.GetOrCreateDefault(ctx, projectID)
	if err != nil {
		return err
	}
	st.ProjectID = projectID
	st.CooldownUntil = time.Time{}
	st.ConsecutiveError = 0
	st.QuotaResetAt = time.Time{}
	st.QuotaResetReason = ""
	st.LastErrorKind = ""
	return s.save(ctx, st)
}

// InCooldown reports whether a project is currently in cooldown.
func (s *Store) InCooldown(ctx context.Context, projectID string) (bool, error) {
	st, ok, err := s.Get(ctx, projectID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return st.InCooldown(time.Now()), nil
}

// Available returns every project not currently in cooldown, sorted by
// last-used ascending (LRU).
func (s *Store) Available(ctx context.Context) ([]State, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]State, 0, len(all))
	for _, st := range all {
		if !st.InCooldown(now) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].LastUsedAt.Before(out[j].LastUsedAt)
	})
	return out, nil
}

// QuotaExhausted returns every project whose last-error-kind is
// quota_exhausted, or whose quota-reset-time is still in the future.
func (s *Store) QuotaExhausted(ctx context.Context) ([]State, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]State, 0)
	for _, st := range all {
		if st.LastErrorKind == ErrorKindQuotaExhausted || st.QuotaResetAt.After(now) {
			out = append(out, st)
		}
	}
	return out, nil
}

func cloneMap(in map[string]State) map[string]State {
	out := make(map[string]State, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func humanizeDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	sec := d / time.Second
	return fmt.Sprintf("%dh%dm%ds", h, m, sec)
}

func toFields(st State) map[string]string {
	f := map[string]string{
		"project_id":         st.ProjectID,
		"success_count":       strconv.FormatInt(st.SuccessCount, 10),
		"error_count":         strconv.FormatInt(st.ErrorCount, 10),
		"consecutive_error":   strconv.FormatInt(st.ConsecutiveError, 10),
		"last_error_kind":     string(st.LastErrorKind),
		"quota_reset_reason":  st.QuotaResetReason,
	}
	putMillis(f, "last_used_at", st.LastUsedAt)
	putMillis(f, "last_success_at", st.LastSuccessAt)
	putMillis(f, "last_error_at", st.LastErrorAt)
	putMillis(f, "cooldown_until", st.CooldownUntil)
	putMillis(f, "quota_reset_at", st.QuotaResetAt)
	return f
}

func putMillis(f map[string]string, field string, t time.Time) {
	if t.IsZero() {
		f[field] = "0"
		return
	}
	f[field] = strconv.FormatInt(t.UnixMilli(), 10)
}

func fromFields(f map[string]string) State {
	var st State
	st.ProjectID = f["project_id"]
	st.SuccessCount = parseInt(f["success_count"])
	st.ErrorCount = parseInt(f["error_count"])
	st.ConsecutiveError = parseInt(f["consecutive_error"])
	st.LastErrorKind = ErrorKind(f["last_error_kind"])
	st.QuotaResetReason = f["quota_reset_reason"]
	st.LastUsedAt = parseMillis(f["last_used_at"])
	st.LastSuccessAt = parseMillis(f["last_success_at"])
	st.LastErrorAt = parseMillis(f["last_error_at"])
	st.CooldownUntil = parseMillis(f["cooldown_until"])
	st.QuotaResetAt = parseMillis(f["quota_reset_at"])
	return st
}

func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func parseMillis(s string) time.Time {
	n := parseInt(s)
	if n <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}
