package kvstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestRedisStore_GetSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := store.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("got %q, want %q", got, "v")
	}
}

func TestRedisStore_TTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Set(ctx, "k", []byte("v"), 50*time.Millisecond); err != nil {
		t.Fatalf("set: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := store.Get(ctx, "k"); err != ErrNotFound {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestRedisStore_HashRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fields := map[string]string{"a": "1", "b": "2"}
	if err := store.HSet(ctx, "h", fields); err != nil {
		t.Fatalf("hset: %v", err)
	}

	got, err := store.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if got["a"] != "1" || got["b"] != "2" {
		t.Fatalf("got %v, want %v", got, fields)
	}

	// Absent hash returns an empty map, not an error.
	empty, err := store.HGetAll(ctx, "nope")
	if err != nil {
		t.Fatalf("hgetall absent: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty map, got %v", empty)
	}
}

func TestRedisStore_DelAndScan(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_ = store.Set(ctx, "prefix:1", []byte("x"), 0)
	_ = store.Set(ctx, "prefix:2", []byte("x"), 0)
	_ = store.Set(ctx, "other:1", []byte("x"), 0)

	var found []string
	cursor := uint64(0)
	for {
		next, keys, err := store.Scan(ctx, cursor, "prefix:*", 10)
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		found = append(found, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 keys, got %v", found)
	}

	if err := store.Del(ctx, "prefix:1"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := store.Get(ctx, "prefix:1"); err != ErrNotFound {
		t.Fatalf("expected deletion, got %v", err)
	}
}
