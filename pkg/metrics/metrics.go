// Package metrics implements the daily request-metrics aggregator from spec
// §4.8: one JSON blob per UTC date, built up incrementally as calls complete,
// fronted by a short per-date in-process cache.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bosmadev/gswarm-gateway/internal/kvstore"
)

const keyPrefix = "metrics:"

// ttl is the 30-day retention window for a day's persisted aggregate.
const ttl = 30 * 24 * time.Hour

// cacheTTL is the 10-second per-date in-process cache window.
const cacheTTL = 10 * time.Second

// RequestMetric is one externally-visible call, as reported by the
// executor's caller.
type RequestMetric struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	Account    string    `json:"account"`
	ProjectID  string    `json:"project_id,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	ErrorType  string    `json:"error_type,omitempty"`
	TokensUsed int64     `json:"tokens_used,omitempty"`
}

// AccountAggregate is one account's rollup within a day.
type AccountAggregate struct {
	Total          int64            `json:"total"`
	Successful     int64            `json:"successful"`
	Failed         int64            `json:"failed"`
	ErrorBreakdown map[string]int64 `json:"error_breakdown"`
}

// ProjectAggregate is one project's rollup within a day.
type ProjectAggregate struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	TokensUsed int64 `json:"tokens_used"`
}

// EndpointAggregate is one "{METHOD} {endpoint}" rollup within a day.
type EndpointAggregate struct {
	Total         int64 `json:"total"`
	TotalDuration int64 `json:"total_duration_ms"`
	Avg           int64 `json:"avg_duration_ms"`
}

// DailyAggregate is the persisted record for one UTC date.
type DailyAggregate struct {
	Date              string                       `json:"date"`
	Requests          []RequestMetric              `json:"requests"`
	TotalRequests     int64                        `json:"total_requests"`
	SuccessfulReqs    int64                        `json:"successful_requests"`
	FailedReqs        int64                        `json:"failed_requests"`
	TotalDurationMs   int64                        `json:"total_duration_ms"`
	AvgDurationMs     int64                        `json:"avg_duration_ms"`
	ErrorBreakdown    map[string]int64             `json:"error_breakdown"`
	ByEndpoint        map[string]*EndpointAggregate `json:"by_endpoint"`
	ByAccount         map[string]*AccountAggregate  `json:"by_account"`
	ByProject         map[string]*ProjectAggregate  `json:"by_project"`
	UpdatedAt         time.Time                    `json:"updated_at"`
}

func newDailyAggregate(date string) *DailyAggregate {
	return &DailyAggregate{
		Date:           date,
		Requests:       make([]RequestMetric, 0),
		ErrorBreakdown: make(map[string]int64),
		ByEndpoint:     make(map[string]*EndpointAggregate),
		ByAccount:      make(map[string]*AccountAggregate),
		ByProject:      make(map[string]*ProjectAggregate),
	}
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func key(date string) string {
	return keyPrefix + date
}

// Aggregator records per-call metrics and serves daily/ranged rollups.
type Aggregator struct {
	kv kvstore.Store

	mu       sync.Mutex
	cache    map[string]*DailyAggregate
	cachedAt map[string]time.Time
}

// New creates an Aggregator over the given KV backend.
func New(kv kvstore.Store) *Aggregator {
	return &Aggregator{
		kv:       kv,
		cache:    make(map[string]*DailyAggregate),
		cachedAt: make(map[string]time.Time),
	}
}

// Record appends metric to its UTC date's aggregate and persists the result.
func (a *Aggregator) Record(ctx context.Context, metric RequestMetric) error {
	if metric.ID == "" {
		metric.ID = uuid.NewString()
	}
	date := dateKey(metric.Timestamp)

	agg, err := a.load(ctx, date)
	if err != nil {
		return err
	}

	agg.Requests = append(agg.Requests, metric)
	agg.TotalRequests++
	agg.TotalDurationMs += metric.DurationMs
	agg.AvgDurationMs = agg.TotalDurationMs / agg.TotalRequests

	if metric.Success {
		agg.SuccessfulReqs++
	} else {
		agg.FailedReqs++
		if metric.ErrorType != "" {
			agg.ErrorBreakdown[metric.ErrorType]++
		}
	}

	endpointKey := fmt.Sprintf("%s %s", metric.Method, metric.Endpoint)
	ep, ok := agg.ByEndpoint[endpointKey]
	if !ok {
		ep = &EndpointAggregate{}
		agg.ByEndpoint[endpointKey] = ep
	}
	ep.Total++
	ep.TotalDuration += metric.DurationMs
	ep.Avg = ep.TotalDuration / ep.Total

	if metric.Account != "" {
		acc, ok := agg.ByAccount[metric.Account]
		if !ok {
			acc = &AccountAggregate{ErrorBreakdown: make(map[string]int64)}
			agg.ByAccount[metric.Account] = acc
		}
		acc.Total++
		if metric.Success {
			acc.Successful++
		} else {
			acc.Failed++
			if metric.ErrorType != "" {
				acc.ErrorBreakdown[metric.ErrorType]++
			}
		}
	}

	if metric.ProjectID != "" {
		proj, ok := agg.ByProject[metric.ProjectID]
		if !ok {
			proj = &ProjectAggregate{}
			agg.ByProject[metric.ProjectID] = proj
		}
		proj.Total++
		if metric.Success {
			proj.Successful++
		} else {
			proj.Failed++
		}
		proj.TokensUsed += metric.TokensUsed
	}

	agg.UpdatedAt = time.Now().UTC()

	if err := a.save(ctx, date, agg); err != nil {
		return err
	}
	return nil
}

func (a *Aggregator) load(ctx context.Context, date string) (*DailyAggregate, error) {
	a.mu.Lock()
	if cached, ok := a.cache[date]; ok && time.Since(a.cachedAt[date]) < cacheTTL {
		a.mu.Unlock()
		return cloneAggregate(cached), nil
	}
	a.mu.Unlock()

	b, err := a.kv.Get(ctx, key(date))
	if err == kvstore.ErrNotFound {
		return newDailyAggregate(date), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading metrics for %s: %w", date, err)
	}
	var agg DailyAggregate
	if err := json.Unmarshal(b, &agg); err != nil {
		return nil, fmt.Errorf("parsing metrics for %s: %w", date, err)
	}
	if agg.ErrorBreakdown == nil {
		agg.ErrorBreakdown = make(map[string]int64)
	}
	if agg.ByEndpoint == nil {
		agg.ByEndpoint = make(map[string]*EndpointAggregate)
	}
	if agg.ByAccount == nil {
		agg.ByAccount = make(map[string]*AccountAggregate)
	}
	if agg.ByProject == nil {
		agg.ByProject = make(map[string]*ProjectAggregate)
	}
	return &agg, nil
}

func (a *Aggregator) save(ctx context.Context, date string, agg *DailyAggregate) error {
	b, err := json.Marshal(agg)
	if err != nil {
		return fmt.Errorf("encoding metrics for %s: %w", date, err)
	}
	if err := a.kv.Set(ctx, key(date), b, ttl); err != nil {
		return fmt.Errorf("saving metrics for %s: %w", date, err)
	}

	a.mu.Lock()
	a.cache[date] = cloneAggregate(agg)
	a.cachedAt[date] = time.Now()
	a.mu.Unlock()
	return nil
}

// GetByDate returns one day's aggregate (the empty aggregate if no metrics
// were ever recorded for it).
func (a *Aggregator) GetByDate(ctx context.Context, date string) (*DailyAggregate, error) {
	return a.load(ctx, date)
}

// GetAggregated loads every date in [start, end] (inclusive, UTC) in
// parallel and merges them: totals summed, averages recomputed from summed
// totals, nested maps merged.
func (a *Aggregator) GetAggregated(ctx context.Context, start, end time.Time) (*DailyAggregate, error) {
	var dates []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dates = append(dates, dateKey(d))
	}

	type loaded struct {
		agg *DailyAggregate
		err error
	}
	results := make([]loaded, len(dates))
	var wg sync.WaitGroup
	for i, d := range dates {
		wg.Add(1)
		go func(i int, date string) {
			defer wg.Done()
			agg, err := a.load(ctx, date)
			results[i] = loaded{agg: agg, err: err}
		}(i, d)
	}
	wg.Wait()

	merged := newDailyAggregate(fmt.Sprintf("%s..%s", dateKey(start), dateKey(end)))
	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
		mergeInto(merged, r.agg)
	}
	if merged.TotalRequests > 0 {
		merged.AvgDurationMs = merged.TotalDurationMs / merged.TotalRequests
	}
	return merged, nil
}

func mergeInto(dst, src *DailyAggregate) {
	dst.Requests = append(dst.Requests, src.Requests...)
	dst.TotalRequests += src.TotalRequests
	dst.SuccessfulReqs += src.SuccessfulReqs
	dst.FailedReqs += src.FailedReqs
	dst.TotalDurationMs += src.TotalDurationMs

	for k, v := range src.ErrorBreakdown {
		dst.ErrorBreakdown[k] += v
	}
	for k, v := range src.ByEndpoint {
		ep, ok := dst.ByEndpoint[k]
		if !ok {
			ep = &EndpointAggregate{}
			dst.ByEndpoint[k] = ep
		}
		ep.Total += v.Total
		ep.TotalDuration += v.TotalDuration
		if ep.Total > 0 {
			ep.Avg = ep.TotalDuration / ep.Total
		}
	}
	for k, v := range src.ByAccount {
		acc, ok := dst.ByAccount[k]
		if !ok {
			acc = &AccountAggregate{ErrorBreakdown: make(map[string]int64)}
			dst.ByAccount[k] = acc
		}
		acc.Total += v.Total
		acc.Successful += v.Successful
		acc.Failed += v.Failed
		for ek, ev := range v.ErrorBreakdown {
			acc.ErrorBreakdown[ek] += ev
		}
	}
	for k, v := range src.ByProject {
		proj, ok := dst.ByProject[k]
		if !ok {
			proj = &ProjectAggregate{}
			dst.ByProject[k] = proj
		}
		proj.Total += v.Total
		proj.Successful += v.Successful
		proj.Failed += v.Failed
		proj.TokensUsed += v.TokensUsed
	}
}

func cloneAggregate(src *DailyAggregate) *DailyAggregate {
	b, err := json.Marshal(src)
	if err != nil {
		return src
	}
	var out DailyAggregate
	if err := json.Unmarshal(b, &out); err != nil {
		return src
	}
	return &out
}

// AccountRate is one account's error rate for a given day.
type AccountRate struct {
	ErrorRate float64 `json:"error_rate"`
	Total     int64   `json:"total"`
}

// AccountErrorRates returns {errorRate, total} per account for the given
// date.
func (a *Aggregator) AccountErrorRates(ctx context.Context, date string) (map[string]AccountRate, error) {
	agg, err := a.load(ctx, date)
	if err != nil {
		return nil, err
	}
	out := make(map[string]AccountRate, len(agg.ByAccount))
	for account, acc := range agg.ByAccount {
		rate := 0.0
		if acc.Total > 0 {
			rate = float64(acc.Failed) / float64(acc.Total)
		}
		out[account] = AccountRate{ErrorRate: rate, Total: acc.Total}
	}
	return out, nil
}

// PredictQuotaExhaustion extrapolates a project's current-day usage against
// its rate limit, per spec §4.8.
func (a *Aggregator) PredictQuotaExhaustion(ctx context.Context, projectID string, dailyQuota int64) (time.Time, bool, error) {
	now := time.Now().UTC()
	agg, err := a.load(ctx, dateKey(now))
	if err != nil {
		return time.Time{}, false, err
	}

	proj, ok := agg.ByProject[projectID]
	if !ok {
		return time.Time{}, false, nil
	}

	used := proj.TokensUsed
	remaining := dailyQuota - used
	if remaining < 0 {
		remaining = 0
	}
	if remaining == 0 {
		return now, true, nil
	}

	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	hoursElapsed := now.Sub(startOfDay).Hours()
	if hoursElapsed <= 0 || used <= 0 {
		return time.Time{}, false, nil
	}

	usedPerHour := float64(used) / hoursElapsed
	if usedPerHour <= 0 {
		return time.Time{}, false, nil
	}
	hoursToExhaustion := float64(remaining) / usedPerHour
	exhaustAt := now.Add(time.Duration(hoursToExhaustion * float64(time.Hour)))

	endOfDay := startOfDay.AddDate(0, 0, 1)
	if exhaustAt.Before(endOfDay) {
		return exhaustAt, true, nil
	}
	return time.Time{}, false, nil
}
