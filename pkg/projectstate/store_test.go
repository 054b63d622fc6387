package projectstate

import (
	"context"
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
	return New(kvstore.NewRedisStore(client))
}

func TestRecordSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st, err := store.RecordSuccess(ctx, "p1")
	if err != nil {
		t.Fatalf("record success: %v", err)
	}
	if st.SuccessCount != 1 || st.ConsecutiveError != 0 {
		t.Fatalf("unexpected state: %+v", st)
	}
	if st.LastUsedAt.IsZero() || st.LastSuccessAt.IsZero() {
		t.Fatalf("expected timestamps set: %+v", st)
	}
}

func TestRecordError_BackoffSchedule(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expectApprox := func(got, want time.Duration) {
		t.Helper()
		diff := got - want
		if diff < 0 {
			diff = -diff
		}
		if diff > 2*time.Second {
			t.Fatalf("cooldown %v not within tolerance of %v", got, want)
		}
	}

	var st State
	var err error
	for n := int64(1); n <= 6; n++ {
		st, err = store.RecordError(ctx, "p1", ErrorKindServer, nil)
		if err != nil {
			t.Fatalf("record error %d: %v", n, err)
		}
		var want time.Duration
		if n < 3 {
			want = initialCooldown
		} else {
			want = initialCooldown
			for i := int64(0); i < n-3; i++ {
				want *= 2
				if want >= maxCooldown {
					want = maxCooldown
					break
				}
			}
		}
		got := time.Until(st.CooldownUntil)
		expectApprox(got, want)
	}
	if st.CooldownUntil.Sub(time.Now()) > maxCooldown+time.Second {
		t.Fatalf("cooldown exceeded max: %v", st.CooldownUntil)
	}
}

func TestRecordError_NotLoggedInOverridesToInitial(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Rack up consecutive errors first so the backoff would otherwise be > initial.
	for i := 0; i < 5; i++ {
		if _, err := store.RecordError(ctx, "p1", ErrorKindServer, nil); err != nil {
			t.Fatalf("record error: %v", err)
		}
	}
	st, err := store.RecordError(ctx, "p1", ErrorKindNotLoggedIn, nil)
	if err != nil {
		t.Fatalf("record error: %v", err)
	}
	got := time.Until(st.CooldownUntil)
	if got > initialCooldown+2*time.Second {
		t.Fatalf("expected not_logged_in override to ~initial cooldown, got %v", got)
	}
}

// TestRecordError_LiteralAssignment verifies spec §4.3's plain
// cooldown-until = now + duration assignment: a later call with a smaller
// computed cooldown overrides an earlier, larger one rather than being
// max'd against it. Only the quota_exhausted sub-case's own internal
// max(cooldown-until, quotaResetTime) — applied within a single call —
// still holds.
func TestRecordError_LiteralAssignment(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	far := time.Now().Add(2 * time.Hour)
	st1, err := store.RecordError(ctx, "p1", ErrorKindQuotaExhausted, &far)
	if err != nil {
		t.Fatalf("record error: %v", err)
	}
	if st1.CooldownUntil.Before(far.Add(-time.Second)) {
		t.Fatalf("expected cooldown to reflect quota reset time, got %v want ~%v", st1.CooldownUntil, far)
	}

	st2, err := store.RecordError(ctx, "p1", ErrorKindServer, nil)
	if err != nil {
		t.Fatalf("record error: %v", err)
	}
	if !st2.CooldownUntil.Before(st1.CooldownUntil) {
		t.Fatalf("expected plain assignment to override the far-future quota cooldown: %v -> %v", st1.CooldownUntil, st2.CooldownUntil)
	}
	if got := time.Until(st2.CooldownUntil); got > initialCooldown+2*time.Second {
		t.Fatalf("expected second error's cooldown to reflect its own backoff, got %v", got)
	}
}

// TestExtendCooldown_DirectSet verifies ExtendCooldown overrides
// cooldown-until outright, including shortening it below a prior value —
// the behavior a classifier verdict's reset duration relies on.
func TestExtendCooldown_DirectSet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordError(ctx, "p1", ErrorKindQuotaExhausted, nil); err != nil {
		t.Fatalf("record error: %v", err)
	}

	shorter := time.Now().Add(15 * time.Second)
	if err := store.ExtendCooldown(ctx, "p1", shorter); err != nil {
		t.Fatalf("extend cooldown: %v", err)
	}

	st, err := store.GetOrCreateDefault(ctx, "p1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	// The store persists timestamps with millisecond precision.
	want := shorter.Truncate(time.Millisecond)
	if !st.CooldownUntil.Equal(want) {
		t.Fatalf("expected cooldown-until to be set directly to %v, got %v", want, st.CooldownUntil)
	}
}

func TestClearCooldownAndAvailable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordError(ctx, "p1", ErrorKindServer, nil); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if _, err := store.RecordSuccess(ctx, "p2"); err != nil {
		t.Fatalf("record success: %v", err)
	}

	avail, err := store.Available(ctx)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(avail) != 1 || avail[0].ProjectID != "p2" {
		t.Fatalf("expected only p2 available, got %+v", avail)
	}

	if err := store.ClearCooldown(ctx, "p1"); err != nil {
		t.Fatalf("clear cooldown: %v", err)
	}
	avail, err = store.Available(ctx)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(avail) != 2 {
		t.Fatalf("expected both available after clear, got %+v", avail)
	}
}

func TestQuotaExhausted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	if _, err := store.RecordError(ctx, "p1", ErrorKindQuotaExhausted, &future); err != nil {
		t.Fatalf("record error: %v", err)
	}
	if _, err := store.RecordSuccess(ctx, "p2"); err != nil {
		t.Fatalf("record success: %v", err)
	}

	exhausted, err := store.QuotaExhausted(ctx)
	if err != nil {
		t.Fatalf("quota exhausted: %v", err)
	}
	if len(exhausted) != 1 || exhausted[0].ProjectID != "p1" {
		t.Fatalf("expected only p1, got %+v", exhausted)
	}
}
