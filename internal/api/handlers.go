package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"nemtdispatch/internal/dispatch"
	"nemtdispatch/internal/model"
	"nemtdispatch/internal/opt"
	"nemtdispatch/internal/partition"
	"nemtdispatch/internal/shadow"
	"nemtdispatch/internal/store"
)

// SolveHandler handles POST /v1/ids/solve
func (s *Server) SolveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if !p.CanSolve() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "dispatcher or admin required", r.URL.Path)
		return
	}
	var req model.SolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if (req.OpCoID != "" && req.OpCoID != p.Partition.OpCoID) ||
		(req.FundingAccountID != "" && req.FundingAccountID != p.Partition.FundingAccountID) {
		writeProblem(w, http.StatusForbidden, "Forbidden", "request partition does not match caller", r.URL.Path)
		return
	}
	req.OpCoID, req.FundingAccountID = p.Partition.OpCoID, p.Partition.FundingAccountID
	if err := validateSolveRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path)
		return
	}
	if !s.allow(p.Partition.Key()) {
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "solve rate limit exceeded for partition", r.URL.Path)
		return
	}

	run, err := s.Service.Solve(r.Context(), req, s.Config)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, run)
	case errors.Is(err, dispatch.ErrDisabled):
		writeProblem(w, http.StatusServiceUnavailable, "Integral dispatch disabled", err.Error(), r.URL.Path)
	case errors.Is(err, dispatch.ErrInvalidRequest), errors.Is(err, partition.ErrInvalidPartition):
		writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error(), r.URL.Path)
	default:
		s.Log.Error("solve failed", zap.String("partition", p.Partition.Key()), zap.Error(err))
		writeProblem(w, http.StatusInternalServerError, "Solve failed", err.Error(), r.URL.Path)
	}
}

type runListItem struct {
	ID              string          `json:"id"`
	RunDate         string          `json:"runDate"`
	Status          model.RunStatus `json:"status"`
	ShadowMode      bool            `json:"shadowMode"`
	LiveDispatched  bool            `json:"liveDispatched"`
	Algorithm       string          `json:"algorithm,omitempty"`
	Summary         *model.Summary  `json:"summary,omitempty"`
	LockViolations  int             `json:"lockViolations"`
	SolveDurationMs int64           `json:"solveDurationMs"`
	CreatedAt       time.Time       `json:"createdAt"`
}

func listItem(run model.ShadowRun) runListItem {
	it := runListItem{
		ID:              run.ID,
		RunDate:         run.RunDate,
		Status:          run.Status,
		ShadowMode:      run.ShadowMode,
		LiveDispatched:  run.LiveDispatched,
		LockViolations:  run.LockViolations,
		SolveDurationMs: run.SolveDurationMs,
		CreatedAt:       run.CreatedAt,
	}
	if run.Result != nil {
		sum := run.Result.Summary
		it.Algorithm = run.Result.Algorithm
		it.Summary = &sum
	}
	return it
}

// RunsHandler handles GET /v1/ids/runs
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	runs, next, err := s.Store.ListShadowRuns(r.Context(), p.Partition, q.Get("runDate"), q.Get("cursor"), queryInt(r, "limit", 50))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List runs failed", err.Error(), r.URL.Path)
		return
	}
	items := make([]runListItem, 0, len(runs))
	for _, run := range runs {
		items = append(items, listItem(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// RunByIDHandler handles GET /v1/ids/runs/{id} and /v1/ids/runs/{id}/compare
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, "/v1/ids/runs/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/ids/runs/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}

	switch action {
	case "":
		run, ok := s.loadRun(w, r, p.Partition, id)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, run)
	case "compare":
		against := r.URL.Query().Get("against")
		if against == "" {
			writeProblem(w, http.StatusBadRequest, "Missing against", "against run id required", r.URL.Path)
			return
		}
		base, ok := s.loadRun(w, r, p.Partition, id)
		if !ok {
			return
		}
		other, ok := s.loadRun(w, r, p.Partition, against)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, shadow.Compare(base, other))
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request, p model.Partition, id string) (model.ShadowRun, bool) {
	run, err := s.Store.GetShadowRun(r.Context(), p, id)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Run not found", id, r.URL.Path)
		return model.ShadowRun{}, false
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Get run failed", err.Error(), r.URL.Path)
		return model.ShadowRun{}, false
	}
	return run, true
}

// ConfigHandler handles GET /v1/ids/config. Storage and live dispatch
// secrets are never echoed.
func (s *Server) ConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.principal(w, r); !ok {
		return
	}
	c := s.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":     c.Dispatch.Enabled,
		"shadowMode":  c.Dispatch.ShadowMode,
		"liveEnabled": c.Dispatch.LiveEnabled(),
		"solver":      c.Solver,
		"scoring":     c.Scoring,
		"ingest":      c.Ingest,
		"rateLimit":   map[string]any{"rps": c.Server.RateRPS, "burst": c.Server.RateBurst},
	})
}

// SolveMetricsHandler handles GET /v1/admin/solve-metrics
func (s *Server) SolveMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/solve-metrics" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	runDate := r.URL.Query().Get("runDate")
	if runDate == "" {
		writeProblem(w, http.StatusBadRequest, "Missing runDate", "", r.URL.Path)
		return
	}
	ms := opt.GetMetrics(p.Partition, runDate)
	algos := make([]string, 0, len(ms))
	for a := range ms {
		algos = append(algos, a)
	}
	sort.Strings(algos)
	items := make([]map[string]any, 0, len(algos))
	for _, a := range algos {
		m := ms[a]
		items = append(items, map[string]any{
			"algo":           a,
			"evaluated":      m.Evaluated,
			"placed":         m.Placed,
			"displacements":  m.Displacements,
			"retries":        m.Retries,
			"budgetExceeded": m.BudgetExceeded,
			"elapsedMs":      m.Elapsed.Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/webhook-deliveries" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p, ok := s.principal(w, r)
	if !ok {
		return
	}
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	ds, err := s.Store.ListWebhookDeliveries(r.Context(), p.Partition.Key(), r.URL.Query().Get("status"))
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "List deliveries failed", err.Error(), r.URL.Path)
		return
	}
	items := make([]map[string]any, 0, len(ds))
	for _, d := range ds {
		items = append(items, map[string]any{
			"id":            d.ID,
			"eventType":     d.EventType,
			"status":        d.Status,
			"attempts":      d.Attempts,
			"nextAttemptAt": d.NextAttemptAt,
			"lastError":     d.LastError,
			"responseCode":  d.ResponseCode,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
