package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bosmadev/gswarm-gateway/pkg/classifier"
	"github.com/bosmadev/gswarm-gateway/pkg/gatewayerr"
	"github.com/bosmadev/gswarm-gateway/pkg/projects"
	"github.com/bosmadev/gswarm-gateway/pkg/projectstate"
	"github.com/bosmadev/gswarm-gateway/pkg/selector"
	"github.com/bosmadev/gswarm-gateway/pkg/tokenstore"
)

// roundTripFunc adapts a function to http.RoundTripper, for fake transports.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

// fakeSelector is a hand-written stub satisfying the executor's Selector
// capability interface, per the polymorphism-over-the-selector-dependency
// design note.
type fakeSelector struct {
	mu sync.Mutex

	projectQueue []string // projects returned in order, one per SelectForRequest call
	selectErr    error

	errors      map[string]int
	cooldowns   map[string]time.Time
	usedCount   map[string]int
}

func newFakeSelector(projects ...string) *fakeSelector {
	return &fakeSelector{
		projectQueue: projects,
		errors:       make(map[string]int),
		cooldowns:    make(map[string]time.Time),
		usedCount:    make(map[string]int),
	}
}

func (f *fakeSelector) SelectForRequest(ctx context.Context, callSource string) (selector.Selection, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectErr != nil {
		return selector.Selection{}, false, f.selectErr
	}
	if len(f.projectQueue) == 0 {
		return selector.Selection{}, false, nil
	}
	pid := f.projectQueue[0]
	f.projectQueue = f.projectQueue[1:]
	return selector.Selection{
		Project:    projects.Project{ProjectID: pid, OwnerEmail: "e1@x.com", APIEnabled: true},
		Credential: tokenstore.Credential{Email: "e1@x.com", AccessToken: "tok-" + pid},
	}, true, nil
}

func (f *fakeSelector) MarkUsed(ctx context.Context, projectID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usedCount[projectID]++
	return nil
}

func (f *fakeSelector) MarkCooldown(ctx context.Context, projectID string, until time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns[projectID] = until
	return nil
}

func (f *fakeSelector) RecordError(ctx context.Context, projectID string, kind projectstate.ErrorKind, quotaResetAt *time.Time) (projectstate.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[projectID]++
	return projectstate.State{ProjectID: projectID, ErrorCount: int64(f.errors[projectID])}, nil
}

func newTestExecutor(sel Selector, transport http.RoundTripper) *Executor {
	cfg := DefaultConfig()
	cfg.MaxRetries = 3
	cfg.BaseRetryDelay = 10 * time.Millisecond
	e := New(sel, classifier.New(nil, slog.Default()), cfg, slog.Default())
	e.httpClient = &http.Client{Transport: transport, Timeout: cfg.RequestTimeout}
	return e
}

func TestExecute_HappyPath(t *testing.T) {
	sel := newFakeSelector("p1")
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}],"usageMetadata":{"promptTokenCount":5,"candidatesTokenCount":1,"totalTokenCount":6}}`), nil
	})
	e := newTestExecutor(sel, transport)

	result, err := e.Execute(context.Background(), Options{Prompt: "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Text != "ok" || result.ProjectID != "p1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if sel.usedCount["p1"] != 1 {
		t.Fatalf("expected MarkUsed called once, got %d", sel.usedCount["p1"])
	}
}

func TestExecute_RateLimitThenRecover(t *testing.T) {
	sel := newFakeSelector("p1", "p2")
	calls := 0
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls++
		if strings.Contains(r.Header.Get("Authorization"), "p1") {
			return jsonResponse(429, `{"error":{"message":"please retry after 1s","code":429,"status":"RESOURCE_EXHAUSTED"}}`), nil
		}
		return jsonResponse(200, `{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`), nil
	})
	e := newTestExecutor(sel, transport)

	result, err := e.Execute(context.Background(), Options{Prompt: "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.ProjectID != "p2" {
		t.Fatalf("expected final result from p2, got %s", result.ProjectID)
	}
	if sel.errors["p1"] != 1 {
		t.Fatalf("expected p1 to have one recorded error, got %d", sel.errors["p1"])
	}
	if _, ok := sel.cooldowns["p1"]; !ok {
		t.Fatalf("expected p1 cooldown to be set")
	}
}

func TestExecute_NonRetryableStatusFailsImmediately(t *testing.T) {
	sel := newFakeSelector("p1")
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(400, `{"error":{"message":"bad request"}}`), nil
	})
	e := newTestExecutor(sel, transport)

	_, err := e.Execute(context.Background(), Options{Prompt: "hi"})
	if err == nil {
		t.Fatalf("expected error")
	}
	gerr, ok := err.(*gatewayerr.Error)
	if !ok {
		t.Fatalf("expected *gatewayerr.Error, got %T", err)
	}
	if gerr.Kind != gatewayerr.KindNetwork || gerr.Retryable {
		t.Fatalf("expected non-retryable network error, got %+v", gerr)
	}
}

func TestExecute_NoProjectsSelectionFailed(t *testing.T) {
	sel := newFakeSelector()
	e := newTestExecutor(sel, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatalf("should not call upstream with no projects")
		return nil, nil
	}))

	_, err := e.Execute(context.Background(), Options{Prompt: "hi"})
	gerr, ok := err.(*gatewayerr.Error)
	if !ok || gerr.Kind != gatewayerr.KindProjectSelectionFailed {
		t.Fatalf("expected selection-failed error, got %v", err)
	}
}

func TestExecute_TransportFailureRetriesThenAllFailed(t *testing.T) {
	sel := newFakeSelector("p1", "p1", "p1")
	e := newTestExecutor(sel, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return nil, fmt.Errorf("connection reset")
	}))

	_, err := e.Execute(context.Background(), Options{Prompt: "hi"})
	gerr, ok := err.(*gatewayerr.Error)
	if !ok || gerr.Kind != gatewayerr.KindProjectAllFailed {
		t.Fatalf("expected all-failed error, got %v", err)
	}
	if sel.errors["p1"] != 3 {
		t.Fatalf("expected 3 recorded errors across retries, got %d", sel.errors["p1"])
	}
}

func TestExecute_CancelledContext(t *testing.T) {
	sel := newFakeSelector("p1")
	e := newTestExecutor(sel, roundTripFunc(func(r *http.Request) (*http.Response, error) {
		t.Fatalf("should not call upstream with a pre-cancelled context")
		return nil, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Execute(ctx, Options{Prompt: "hi"})
	gerr, ok := err.(*gatewayerr.Error)
	if !ok || gerr.Kind != gatewayerr.KindCancelled {
		t.Fatalf("expected cancelled error, got %v", err)
	}
}
