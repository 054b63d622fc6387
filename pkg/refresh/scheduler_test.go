package refresh

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/bosmadev/gswarm-gateway/pkg/tokenstore"
)

// fakeTokenStore is a hand-written stub satisfying the scheduler's
// TokenStore capability interface.
type fakeTokenStore struct {
	mu    sync.Mutex
	creds map[string]tokenstore.Credential
	saved map[string]tokenstore.Credential
}

func newFakeTokenStore(creds ...tokenstore.Credential) *fakeTokenStore {
	f := &fakeTokenStore{creds: make(map[string]tokenstore.Credential), saved: make(map[string]tokenstore.Credential)}
	for _, c := range creds {
		f.creds[c.Email] = c
	}
	return f
}

func (f *fakeTokenStore) NeedingRefresh(ctx context.Context, buffer time.Duration) ([]tokenstore.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]tokenstore.Credential, 0, len(f.creds))
	for _, c := range f.creds {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeTokenStore) Save(ctx context.Context, email string, cred tokenstore.Credential, preserveMetadata bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[email] = cred
	return nil
}

func newFakeOAuthServer(t *testing.T, newRefreshToken string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"access_token": "new-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if newRefreshToken != "" {
			resp["refresh_token"] = newRefreshToken
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestScheduler(t *testing.T, tokens TokenStore, tokenURL string) *Scheduler {
	t.Helper()
	cfg := oauth2.Config{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
	}
	return New(tokens, cfg, slog.Default())
}

func TestCycleNow_RefreshesEligibleCredentials(t *testing.T) {
	server := newFakeOAuthServer(t, "")
	defer server.Close()

	tokens := newFakeTokenStore(tokenstore.Credential{
		Email:        "e1@x.com",
		RefreshToken: "refresh-1",
		ExpiryTimestamp: time.Now().Add(time.Minute),
	})
	sched := newTestScheduler(t, tokens, server.URL)

	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, server.Client())
	verdicts := sched.CycleNow(ctx)

	if len(verdicts) != 1 || !verdicts[0].Refreshed {
		t.Fatalf("expected one successful refresh, got %+v", verdicts)
	}
	saved, ok := tokens.saved["e1@x.com"]
	if !ok {
		t.Fatalf("expected credential to be saved")
	}
	if saved.AccessToken != "new-access-token" {
		t.Fatalf("expected new access token saved, got %q", saved.AccessToken)
	}
	if saved.RefreshToken != "refresh-1" {
		t.Fatalf("expected prior refresh token preserved when response omits one, got %q", saved.RefreshToken)
	}
}

func TestCycleNow_NoRefreshTokenFails(t *testing.T) {
	tokens := newFakeTokenStore(tokenstore.Credential{Email: "e1@x.com"})
	sched := newTestScheduler(t, tokens, "http://unused.invalid")

	verdicts := sched.CycleNow(context.Background())
	if len(verdicts) != 1 || verdicts[0].Refreshed || verdicts[0].Error == nil {
		t.Fatalf("expected a failed verdict for missing refresh token, got %+v", verdicts)
	}
}

func TestCycleNow_SettlesAllDespiteOneFailure(t *testing.T) {
	server := newFakeOAuthServer(t, "")
	defer server.Close()

	tokens := newFakeTokenStore(
		tokenstore.Credential{Email: "good@x.com", RefreshToken: "refresh-good"},
		tokenstore.Credential{Email: "bad@x.com"}, // no refresh token
	)
	sched := newTestScheduler(t, tokens, server.URL)
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, server.Client())

	verdicts := sched.CycleNow(ctx)
	if len(verdicts) != 2 {
		t.Fatalf("expected both credentials attempted, got %d", len(verdicts))
	}
	var sawGood, sawBad bool
	for _, v := range verdicts {
		if v.Email == "good@x.com" && v.Refreshed {
			sawGood = true
		}
		if v.Email == "bad@x.com" && !v.Refreshed && v.Error != nil {
			sawBad = true
		}
	}
	if !sawGood || !sawBad {
		t.Fatalf("expected one success and one failure, got %+v", verdicts)
	}
}

func TestRefreshByEmail_NewRefreshTokenReplacesOld(t *testing.T) {
	server := newFakeOAuthServer(t, "refresh-2")
	defer server.Close()

	tokens := newFakeTokenStore()
	sched := newTestScheduler(t, tokens, server.URL)
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, server.Client())

	v := sched.RefreshByEmail(ctx, tokenstore.Credential{Email: "e1@x.com", RefreshToken: "refresh-1"})
	if !v.Refreshed {
		t.Fatalf("expected refresh to succeed: %+v", v)
	}
	saved := tokens.saved["e1@x.com"]
	if saved.RefreshToken != "refresh-2" {
		t.Fatalf("expected new refresh token to replace old, got %q", saved.RefreshToken)
	}
}

func TestStartAndStop(t *testing.T) {
	server := newFakeOAuthServer(t, "")
	defer server.Close()

	tokens := newFakeTokenStore()
	sched := newTestScheduler(t, tokens, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)
	cancel()
	sched.Stop()
}
