package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bosmadev/gswarm-gateway/internal/kvstore"
)

// keyPrefix namespaces every credential hash in the KV store.
const keyPrefix = "oauth-tokens:"

// cacheTTL is how long LoadAll's in-process snapshot is trusted before a
// reload is attempted.
const cacheTTL = 5 * time.Minute

func key(email string) string {
	return keyPrefix + strings.ToLower(email)
}

// Store persists Credential bundles in the KV store and fronts reads with
// an in-process cache, matching the teacher's pattern of wrapping a shared
// backing store with a mutex-guarded map (internal/auth's rate limiter and
// pkg/roster's store both follow the same "thin wrapper over the shared
// client" shape).
type Store struct {
	kv     kvstore.Store
	logger *slog.Logger

	mu        sync.RWMutex
	cache     map[string]Credential
	cachedAt  time.Time
	cacheFull bool // true once LoadAll has populated cache at least once
}

// New creates a token store over the given KV backend.
func New(kv kvstore.Store, logger *slog.Logger) *Store {
	return &Store{kv: kv, logger: logger, cache: make(map[string]Credential)}
}

// InvalidateCache forces the next Load/LoadAll to pay a KV round trip.
func (s *Store) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedAt = time.Time{}
	s.cacheFull = false
}

// LoadAll returns every known credential, keyed by email. The result is
// cached for cacheTTL; if a reload fails, the previous cache is kept (a
// stale read is preferable to an empty one).
func (s *Store) LoadAll(ctx context.Context) (map[string]Credential, error) {
	s.mu.RLock()
	fresh := s.cacheFull && time.Since(s.cachedAt) < cacheTTL
	if fresh {
		snapshot := cloneMap(s.cache)
		s.mu.RUnlock()
		return snapshot, nil
	}
	s.mu.RUnlock()

	reloaded, err := s.reloadAll(ctx)
	if err != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.cacheFull {
			s.logger.Warn("tokenstore: reload failed, serving stale cache", "error", err)
			return cloneMap(s.cache), nil
		}
		return nil, err
	}

	s.mu.Lock()
	s.cache = reloaded
	s.cachedAt = time.Now()
	s.cacheFull = true
	s.mu.Unlock()

	return cloneMap(reloaded), nil
}

func (s *Store) reloadAll(ctx context.Context) (map[string]Credential, error) {
	out := make(map[string]Credential)
	cursor := uint64(0)
	for {
		next, keys, err := s.kv.Scan(ctx, cursor, keyPrefix+"*", 200)
		if err != nil {
			return nil, fmt.Errorf("scanning credentials: %w", err)
		}
		for _, k := range keys {
			if _, seen := out[k]; seen {
				continue // Scan may return duplicates; dedupe by key.
			}
			fields, err := s.kv.HGetAll(ctx, k)
			if err != nil {
				return nil, fmt.Errorf("loading credential %s: %w", k, err)
			}
			if len(fields) == 0 {
				continue
			}
			cred, err := fromFields(fields)
			if err != nil {
				s.logger.Warn("tokenstore: skipping unparseable credential", "key", k, "error", err)
				continue
			}
			out[strings.ToLower(cred.Email)] = cred
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Load returns a single credential, consulting the in-process cache first.
func (s *Store) Load(ctx context.Context, email string) (*Credential, bool, error) {
	email = strings.ToLower(email)

	s.mu.RLock()
	if s.cacheFull && time.Since(s.cachedAt) < cacheTTL {
		cred, ok := s.cache[email]
		s.mu.RUnlock()
		if ok {
			c := cred
			return &c, true, nil
		}
		return nil, false, nil
	}
	s.mu.RUnlock()

	fields, err := s.kv.HGetAll(ctx, key(email))
	if err != nil {
		return nil, false, fmt.Errorf("loading credential %s: %w", email, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	cred, err := fromFields(fields)
	if err != nil {
		return nil, false, fmt.Errorf("parsing credential %s: %w", email, err)
	}
	return &cred, true, nil
}

// Save writes a credential, merging in prior metadata when preserveMetadata
// is true: the prior record's ClientID and OwnedProjectID survive unless the
// new credential explicitly overrides them, CreatedAt is preserved, and
// UpdatedAt is set to now.
func (s *Store) Save(ctx context.Context, email string, cred Credential, preserveMetadata bool) error {
	email = strings.ToLower(email)
	cred.Email = email

	if preserveMetadata {
		if prior, ok, err := s.loadUncached(ctx, email); err == nil && ok {
			if cred.ClientID == "" {
				cred.ClientID = prior.ClientID
			}
			if len(cred.OwnedProjectID) == 0 {
				cred.OwnedProjectID = prior.OwnedProjectID
			}
			if cred.CreatedAt.IsZero() {
				cred.CreatedAt = prior.CreatedAt
			}
			if cred.RefreshToken == "" {
				cred.RefreshToken = prior.RefreshToken
			}
		}
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now()
	}
	cred.UpdatedAt = time.Now()
	cred.deriveExpiry()
	if cred.TokenType == "" {
		cred.TokenType = "Bearer"
	}

	fields, err := toFields(cred)
	if err != nil {
		return fmt.Errorf("encoding credential %s: %w", email, err)
	}
	if err := s.kv.HSet(ctx, key(email), fields); err != nil {
		return fmt.Errorf("saving credential %s: %w", email, err)
	}
	s.InvalidateCache()
	return nil
}

// loadUncached bypasses the cache entirely; used internally by Save when
// merging prior metadata so a stale cache never shadows the freshest write.
func (s *Store) loadUncached(ctx context.Context, email string) (Credential, bool, error) {
	fields, err := s.kv.HGetAll(ctx, key(email))
	if err != nil {
		return Credential{}, false, err
	}
	if len(fields) == 0 {
		return Credential{}, false, nil
	}
	cred, err := fromFields(fields)
	return cred, err == nil, err
}

// MarkInvalid sets invalid=true, invalid-reason, and invalid-at. Idempotent:
// calling it twice with the same reason leaves the record unchanged beyond
// the timestamp.
func (s *Store) MarkInvalid(ctx context.Context, email, reason string) error {
	email = strings.ToLower(email)
	fields := map[string]string{
		"invalid":        "true",
		"invalid_reason": reason,
		"invalid_at":     strconv.FormatInt(time.Now().Unix(), 10),
	}
	if err := s.kv.HSet(ctx, key(email), fields); err != nil {
		return fmt.Errorf("marking credential invalid %s: %w", email, err)
	}
	s.InvalidateCache()
	return nil
}

// Delete removes a credential entirely.
func (s *Store) Delete(ctx context.Context, email string) error {
	email = strings.ToLower(email)
	if err := s.kv.Del(ctx, key(email)); err != nil {
		return fmt.Errorf("deleting credential %s: %w", email, err)
	}
	s.InvalidateCache()
	return nil
}

// Valid returns every cached credential that is not invalid and not expired
// (with the 60s skew buffer folded into Credential.Usable).
func (s *Store) Valid(ctx context.Context) ([]Credential, error) {
	all, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Credential, 0, len(all))
	for _, c := range all {
		if c.Usable(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

// NeedingRefresh returns every credential with a refresh token, not invalid,
// whose expiry falls within buffer of now. Used by the refresh scheduler.
func (s *Store) NeedingRefresh(ctx context.Context, buffer time.Duration) ([]Credential, error) {
	all, err := s.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := make([]Credential, 0)
	for _, c := range all {
		if c.NeedsRefresh(now, buffer) {
			out = append(out, c)
		}
	}
	return out, nil
}

func cloneMap(in map[string]Credential) map[string]Credential {
	out := make(map[string]Credential, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// toFields serializes a Credential into the string-valued hash fields the
// KV contract requires — numeric and boolean fields become strings here and
// are parsed back by fromFields.
func toFields(c Credential) (map[string]string, error) {
	projectsJSON, err := json.Marshal(c.OwnedProjectID)
	if err != nil {
		return nil, fmt.Errorf("encoding projects: %w", err)
	}
	fields := map[string]string{
		"email":         c.Email,
		"access_token":  c.AccessToken,
		"refresh_token": c.RefreshToken,
		"token_type":    c.TokenType,
		"scope":         c.Scope,
		"created_at":    strconv.FormatInt(c.CreatedAt.Unix(), 10),
		"updated_at":    strconv.FormatInt(c.UpdatedAt.Unix(), 10),
		"expires_in":    strconv.FormatInt(c.ExpiresIn, 10),
		"invalid":       strconv.FormatBool(c.Invalid),
		"invalid_reason": c.InvalidReason,
		"client_id":     c.ClientID,
		"projects":      string(projectsJSON),
	}
	if !c.ExpiryTimestamp.IsZero() {
		fields["expiry_timestamp"] = strconv.FormatInt(c.ExpiryTimestamp.Unix(), 10)
	}
	if !c.InvalidAt.IsZero() {
		fields["invalid_at"] = strconv.FormatInt(c.InvalidAt.Unix(), 10)
	}
	return fields, nil
}

func fromFields(f map[string]string) (Credential, error) {
	var c Credential
	c.Email = f["email"]
	c.AccessToken = f["access_token"]
	c.RefreshToken = f["refresh_token"]
	c.TokenType = f["token_type"]
	if c.TokenType == "" {
		c.TokenType = "Bearer"
	}
	c.Scope = f["scope"]
	c.ClientID = f["client_id"]
	c.InvalidReason = f["invalid_reason"]

	if v, ok := f["created_at"]; ok && v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("parsing created_at: %w", err)
		}
		c.CreatedAt = time.Unix(sec, 0).UTC()
	}
	if v, ok := f["updated_at"]; ok && v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("parsing updated_at: %w", err)
		}
		c.UpdatedAt = time.Unix(sec, 0).UTC()
	}
	if v, ok := f["expires_in"]; ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("parsing expires_in: %w", err)
		}
		c.ExpiresIn = n
	}
	if v, ok := f["expiry_timestamp"]; ok && v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("parsing expiry_timestamp: %w", err)
		}
		c.ExpiryTimestamp = time.Unix(sec, 0).UTC()
	}
	if v, ok := f["invalid"]; ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c, fmt.Errorf("parsing invalid: %w", err)
		}
		c.Invalid = b
	}
	if v, ok := f["invalid_at"]; ok && v != "" {
		sec, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c, fmt.Errorf("parsing invalid_at: %w", err)
		}
		c.InvalidAt = time.Unix(sec, 0).UTC()
	}
	if v, ok := f["projects"]; ok && v != "" {
		var projects []string
		if err := json.Unmarshal([]byte(v), &projects); err != nil {
			return c, fmt.Errorf("parsing projects: %w", err)
		}
		c.OwnedProjectID = projects
	}

	c.deriveExpiry()
	return c, nil
}
