// Package kvstore provides the typed get/set/hash/scan abstraction that
// backs the token store, project-state store, and daily metrics aggregator.
// Values are opaque byte strings; consumers own serialization. Implementations
// must honor per-key TTLs and may be non-snapshot on Scan (callers dedupe).
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps any transport-level failure talking to the backing
// store, per spec: "transport errors surface as a generic store-unavailable
// result."
var ErrUnavailable = errors.New("kvstore: store unavailable")

// ErrNotFound is returned by Get when the key does not exist. HGetAll
// reports an absent key as an empty map instead.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the capability set every core component consumes. The store is
// not transactional: compound load-modify-save sequences are last-write-wins
// at the store layer; callers needing monotonicity (e.g. cooldown-until)
// must compute max(existing, new) themselves before calling Set/HSet.
type Store interface {
	// Get returns the raw value for key, or ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. If ttl > 0 the key expires after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// HSet writes multiple fields of a hash in one round trip.
	HSet(ctx context.Context, key string, fields map[string]string) error

	// HGetAll returns every field of a hash, or an empty map (no error) if
	// the key does not exist — callers distinguish "absent" from "empty" by
	// checking len(result) == 0, matching the hash contract's natural
	// zero-value semantics.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Del removes a key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Scan returns a page of keys matching pattern, plus a cursor to
	// continue from (0 when iteration is complete). Non-snapshot: callers
	// must dedupe by key across pages.
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) (nextCursor uint64, keys []string, err error)

	// Expire sets a TTL on an existing key (used after HSet, which does not
	// take a ttl argument per the Redis HSET contract).
	Expire(ctx context.Context, key string, ttl time.Duration) error
}
