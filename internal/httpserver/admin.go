package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// projectResponse is the JSON shape for one entry in GET /v1/projects.
type projectResponse struct {
	ProjectID  string `json:"project_id"`
	OwnerEmail string `json:"owner_email"`
	Name       string `json:"name"`
	APIEnabled bool   `json:"api_enabled"`
}

// handleListProjects returns the registered project directory, offset-paginated.
func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	params, err := ParseOffsetParams(r)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	all, err := s.projects.ListAll(r.Context())
	if err != nil {
		s.Logger.Error("listing projects failed", "error", err)
		RespondError(w, r, http.StatusInternalServerError, "internal_error", "listing projects failed")
		return
	}

	items := make([]projectResponse, 0, len(all))
	for _, p := range all {
		items = append(items, projectResponse{
			ProjectID:  p.ProjectID,
			OwnerEmail: p.OwnerEmail,
			Name:       p.Name,
			APIEnabled: p.APIEnabled,
		})
	}

	end := params.Offset + params.PageSize
	if params.Offset > len(items) {
		params.Offset = len(items)
	}
	if end > len(items) {
		end = len(items)
	}
	page := NewOffsetPage(items[params.Offset:end], params, len(items))

	Respond(w, http.StatusOK, page)
}

// handleDailyMetrics returns one day's aggregate (?date=YYYY-MM-DD) or, when
// both start and end are given, the merged aggregate across that range.
func (s *Server) handleDailyMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if start, end := q.Get("start"), q.Get("end"); start != "" && end != "" {
		startT, err1 := time.Parse("2006-01-02", start)
		endT, err2 := time.Parse("2006-01-02", end)
		if err1 != nil || err2 != nil {
			RespondError(w, r, http.StatusBadRequest, "bad_request", "start and end must be YYYY-MM-DD")
			return
		}
		agg, err := s.aggregator.GetAggregated(r.Context(), startT, endT)
		if err != nil {
			s.Logger.Error("aggregating daily metrics failed", "error", err)
			RespondError(w, r, http.StatusInternalServerError, "internal_error", "aggregating metrics failed")
			return
		}
		Respond(w, http.StatusOK, agg)
		return
	}

	date := q.Get("date")
	if date == "" {
		date = time.Now().UTC().Format("2006-01-02")
	}
	agg, err := s.aggregator.GetByDate(r.Context(), date)
	if err != nil {
		s.Logger.Error("loading daily metrics failed", "date", date, "error", err)
		RespondError(w, r, http.StatusInternalServerError, "internal_error", "loading metrics failed")
		return
	}
	Respond(w, http.StatusOK, agg)
}

// handleQuotaPrediction returns the projected quota-exhaustion time for one
// project, given its configured daily quota as a query parameter.
func (s *Server) handleQuotaPrediction(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	dailyQuota, err := strconv.ParseInt(r.URL.Query().Get("daily_quota"), 10, 64)
	if err != nil || dailyQuota <= 0 {
		RespondError(w, r, http.StatusBadRequest, "bad_request", "daily_quota must be a positive integer query parameter")
		return
	}

	exhaustAt, ok, err := s.aggregator.PredictQuotaExhaustion(r.Context(), projectID, dailyQuota)
	if err != nil {
		s.Logger.Error("predicting quota exhaustion failed", "project", projectID, "error", err)
		RespondError(w, r, http.StatusInternalServerError, "internal_error", "prediction failed")
		return
	}

	resp := struct {
		ProjectID        string  `json:"project_id"`
		WillExhaust      bool    `json:"will_exhaust"`
		ExhaustionAt     *string `json:"exhaustion_at,omitempty"`
	}{ProjectID: projectID, WillExhaust: ok}
	if ok {
		formatted := exhaustAt.UTC().Format(time.RFC3339)
		resp.ExhaustionAt = &formatted
	}

	Respond(w, http.StatusOK, resp)
}

// refreshVerdictResponse mirrors refresh.Verdict for JSON output.
type refreshVerdictResponse struct {
	Email     string `json:"email"`
	Refreshed bool   `json:"refreshed"`
	Error     string `json:"error,omitempty"`
}

// handleRefreshNow triggers an out-of-band refresh cycle and reports the
// per-credential outcome, for operator-triggered recovery.
func (s *Server) handleRefreshNow(w http.ResponseWriter, r *http.Request) {
	verdicts := s.scheduler.CycleNow(r.Context())

	out := make([]refreshVerdictResponse, 0, len(verdicts))
	for _, v := range verdicts {
		resp := refreshVerdictResponse{Email: v.Email, Refreshed: v.Refreshed}
		if v.Error != nil {
			resp.Error = v.Error.Error()
		}
		out = append(out, resp)
	}

	Respond(w, http.StatusOK, out)
}
