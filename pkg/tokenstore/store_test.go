package tokenstore

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/bosmadev/gswarm-gateway/internal/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(kvstore.NewRedisStore(client), slog.Default())
}

func TestStore_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cred := Credential{
		Email:           "User@Example.com",
		AccessToken:     "at-1",
		RefreshToken:    "rt-1",
		TokenType:       "Bearer",
		Scope:           "scope-a",
		CreatedAt:       time.Now().Add(-time.Hour).Truncate(time.Second),
		ExpiresIn:       3600,
		ClientID:        "client-1",
		OwnedProjectID:  []string{"p1", "p2"},
	}

	if err := store.Save(ctx, cred.Email, cred, false); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := store.Load(ctx, "user@example.com")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != cred.AccessToken || got.RefreshToken != cred.RefreshToken {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.OwnedProjectID) != 2 || got.OwnedProjectID[0] != "p1" {
		t.Fatalf("projects mismatch: %+v", got.OwnedProjectID)
	}
	if got.Email != "user@example.com" {
		t.Fatalf("expected lowercased email, got %s", got.Email)
	}
}

func TestStore_SavePreservesMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	email := "a@b.com"

	first := Credential{
		Email:          email,
		AccessToken:    "at-1",
		RefreshToken:   "rt-1",
		ClientID:       "client-1",
		OwnedProjectID: []string{"p1"},
		ExpiresIn:      3600,
	}
	if err := store.Save(ctx, email, first, false); err != nil {
		t.Fatalf("save first: %v", err)
	}
	loaded1, _, _ := store.Load(ctx, email)
	createdAt := loaded1.CreatedAt

	// Refresh omits ClientID, OwnedProjectID, and RefreshToken — with
	// preserveMetadata the prior values must survive.
	second := Credential{
		Email:       email,
		AccessToken: "at-2",
		ExpiresIn:   3600,
	}
	if err := store.Save(ctx, email, second, true); err != nil {
		t.Fatalf("save second: %v", err)
	}

	got, ok, err := store.Load(ctx, email)
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if got.AccessToken != "at-2" {
		t.Fatalf("expected new access token, got %s", got.AccessToken)
	}
	if got.RefreshToken != "rt-1" {
		t.Fatalf("expected preserved refresh token, got %s", got.RefreshToken)
	}
	if got.ClientID != "client-1" {
		t.Fatalf("expected preserved client id, got %s", got.ClientID)
	}
	if len(got.OwnedProjectID) != 1 || got.OwnedProjectID[0] != "p1" {
		t.Fatalf("expected preserved projects, got %v", got.OwnedProjectID)
	}
	if !got.CreatedAt.Equal(createdAt) {
		t.Fatalf("expected preserved created_at %v, got %v", createdAt, got.CreatedAt)
	}
}

func TestStore_MarkInvalidAndValid(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	good := Credential{Email: "good@x.com", AccessToken: "a", ExpiresIn: 3600}
	expired := Credential{Email: "expired@x.com", AccessToken: "a", ExpiresIn: 1, CreatedAt: time.Now().Add(-time.Hour)}
	_ = store.Save(ctx, good.Email, good, false)
	_ = store.Save(ctx, expired.Email, expired, false)

	if err := store.MarkInvalid(ctx, "good@x.com", "401 Unauthorized for project p1"); err != nil {
		t.Fatalf("mark invalid: %v", err)
	}

	valid, err := store.Valid(ctx)
	if err != nil {
		t.Fatalf("valid: %v", err)
	}
	for _, c := range valid {
		if c.Email == "good@x.com" {
			t.Fatalf("invalidated credential must not be valid")
		}
		if c.Email == "expired@x.com" {
			t.Fatalf("expired credential must not be valid")
		}
	}
}

func TestStore_NeedingRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	soon := Credential{
		Email:        "soon@x.com",
		AccessToken:  "a",
		RefreshToken: "r",
		CreatedAt:    time.Now().Add(-59 * time.Minute),
		ExpiresIn:    3600, // expires in ~1 minute
	}
	far := Credential{
		Email:        "far@x.com",
		AccessToken:  "a",
		RefreshToken: "r",
		CreatedAt:    time.Now(),
		ExpiresIn:    3600,
	}
	noRefresh := Credential{
		Email:       "norefresh@x.com",
		AccessToken: "a",
		CreatedAt:   time.Now().Add(-59 * time.Minute),
		ExpiresIn:   3600,
	}
	_ = store.Save(ctx, soon.Email, soon, false)
	_ = store.Save(ctx, far.Email, far, false)
	_ = store.Save(ctx, noRefresh.Email, noRefresh, false)

	needing, err := store.NeedingRefresh(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("needing refresh: %v", err)
	}
	if len(needing) != 1 || needing[0].Email != "soon@x.com" {
		t.Fatalf("expected only soon@x.com, got %+v", needing)
	}
}

func TestStore_InvalidateCacheForcesReload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	email := "cache@x.com"
	_ = store.Save(ctx, email, Credential{Email: email, AccessToken: "a1", ExpiresIn: 3600}, false)
	if _, err := store.LoadAll(ctx); err != nil {
		t.Fatalf("loadall: %v", err)
	}

	// Mutate directly via Save, which invalidates the cache internally; a
	// fresh LoadAll must reflect it.
	_ = store.Save(ctx, email, Credential{Email: email, AccessToken: "a2", ExpiresIn: 3600}, false)

	all, err := store.LoadAll(ctx)
	if err != nil {
		t.Fatalf("loadall: %v", err)
	}
	if all[email].AccessToken != "a2" {
		t.Fatalf("expected reloaded value a2, got %s", all[email].AccessToken)
	}
}
