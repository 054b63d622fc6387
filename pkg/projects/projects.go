// Package projects stores the Project data model (§3 of the spec): the
// cloud project records discovered by the out-of-core project-discovery
// collaborator (cloudresourcemanager / serviceusage APIs — see spec §6).
// This package only persists and serves what discovery already wrote; it
// does not itself call out to Google Cloud.
package projects

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bosmadev/gswarm-gateway/internal/kvstore"
)

const keyPrefix = "project:"

// Project is one cloud billing/quota boundary, keyed by ProjectID.
type Project struct {
	ProjectID     string `json:"project_id"`
	OwnerEmail    string `json:"owner_email"`
	APIEnabled    bool   `json:"api_enabled"`
	Name          string `json:"name"`
	ProjectNumber string `json:"project_number"`
}

// Store persists Project directory entries in the KV store.
type Store struct {
	kv kvstore.Store
}

// New creates a project directory store over the given KV backend.
func New(kv kvstore.Store) *Store {
	return &Store{kv: kv}
}

func key(projectID string) string {
	return keyPrefix + projectID
}

// Put writes (or overwrites) a project record, as the project-discovery
// collaborator would after an enumeration pass.
func (s *Store) Put(ctx context.Context, p Project) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding project %s: %w", p.ProjectID, err)
	}
	if err := s.kv.Set(ctx, key(p.ProjectID), b, 0); err != nil {
		return fmt.Errorf("saving project %s: %w", p.ProjectID, err)
	}
	return nil
}

// Get returns a single project by ID.
func (s *Store) Get(ctx context.Context, projectID string) (Project, bool, error) {
	b, err := s.kv.Get(ctx, key(projectID))
	if err == kvstore.ErrNotFound {
		return Project{}, false, nil
	}
	if err != nil {
		return Project{}, false, fmt.Errorf("getting project %s: %w", projectID, err)
	}
	var p Project
	if err := json.Unmarshal(b, &p); err != nil {
		return Project{}, false, fmt.Errorf("parsing project %s: %w", projectID, err)
	}
	return p, true, nil
}

// ListAll enumerates every project across every owner — the cross-account
// pool the selector rotates over.
func (s *Store) ListAll(ctx context.Context) ([]Project, error) {
	out := make([]Project, 0)
	cursor := uint64(0)
	seen := make(map[string]bool)
	for {
		next, keys, err := s.kv.Scan(ctx, cursor, keyPrefix+"*", 200)
		if err != nil {
			return nil, fmt.Errorf("scanning projects: %w", err)
		}
		for _, k := range keys {
			if seen[k] {
				continue
			}
			seen[k] = true
			b, err := s.kv.Get(ctx, k)
			if err == kvstore.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("loading project %s: %w", k, err)
			}
			var p Project
			if err := json.Unmarshal(b, &p); err != nil {
				continue
			}
			out = append(out, p)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// ListByOwner returns every project owned by the given (lowercased) email.
func (s *Store) ListByOwner(ctx context.Context, ownerEmail string) ([]Project, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	ownerEmail = strings.ToLower(ownerEmail)
	out := make([]Project, 0)
	for _, p := range all {
		if strings.ToLower(p.OwnerEmail) == ownerEmail {
			out = append(out, p)
		}
	}
	return out, nil
}

// Delete removes a project directory entry.
func (s *Store) Delete(ctx context.Context, projectID string) error {
	return s.kv.Del(ctx, key(projectID))
}
