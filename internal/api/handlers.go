package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pharmaopt/internal/metrics"
	"pharmaopt/internal/model"
	"pharmaopt/internal/opt"
	"pharmaopt/internal/store"
)

const maxBodyBytes = 16 << 20

// OptimizeHandler handles POST /v1/optimize
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.CanPlan() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "planner or admin required", r.URL.Path)
		return
	}
	var req model.OptimizeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.SessionID == "" {
		req.SessionID = requestSession(r)
	}
	if err := validateOptimizeRequest(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid optimize request", err.Error(), r.URL.Path)
		return
	}
	params, err := s.effectiveParams(r.Context(), p.Tenant, req.Parameters)
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	batches, routes, demand, err := req.ToDomain()
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	key := p.sessionKey(req.SessionID)
	if !s.limiter.allow(key) {
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "optimization rate limit exceeded for session", r.URL.Path)
		return
	}

	start := time.Now()
	sol, err := s.Orch.Run(r.Context(), opt.RunRequest{Session: key, Batches: batches, Routes: routes, Demand: demand, Params: params})
	nodes := 0
	if sol != nil {
		nodes = sol.Search.Nodes
	}
	metrics.ObserveRun(string(params.Strategy), runOutcome(sol, err), time.Since(start), nodes)

	var tbe *opt.TimeBudgetExceededError
	if err != nil && !(errors.As(err, &tbe) && tbe.Solution != nil) {
		s.emit(r.Context(), p.Tenant, key, SSEEvent{Type: "run.failed", Data: map[string]any{
			"sessionId": req.SessionID,
			"error":     err.Error(),
			"outcome":   runOutcome(nil, err),
		}})
		s.writeRunError(w, r, err)
		return
	}
	s.recordRun(r.Context(), key, req.SessionID, sol)
	s.emit(r.Context(), p.Tenant, key, SSEEvent{Type: "run.completed", Data: map[string]any{
		"sessionId": req.SessionID,
		"runId":     sol.RunID,
		"status":    string(sol.Status),
		"optimal":   sol.Optimal,
		"objective": sol.Objective,
	}})
	writeJSON(w, http.StatusOK, model.SolutionFromDomain(req.SessionID, sol))
}

// runOutcome is the metrics label for a finished run.
func runOutcome(sol *opt.Solution, err error) string {
	var (
		ve  *opt.ValidationError
		inf *opt.InfeasibleModelError
		tbe *opt.TimeBudgetExceededError
	)
	switch {
	case err == nil && sol != nil:
		return string(sol.Status)
	case errors.As(err, &tbe):
		if tbe.Solution != nil {
			return string(opt.StatusTimeBounded)
		}
		return "timed_out"
	case errors.As(err, &ve):
		return "invalid"
	case errors.As(err, &inf):
		return "infeasible"
	case errors.Is(err, opt.ErrRunInProgress):
		return "busy"
	}
	return "error"
}

// writeRunError maps the optimizer error taxonomy onto problem responses.
func (s *Server) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve       *opt.ValidationError
		inf      *opt.InfeasibleModelError
		tbe      *opt.TimeBudgetExceededError
		internal *opt.SolverInternalError
	)
	switch {
	case errors.As(err, &ve):
		writeProblemBody(w, Problem{Title: "Invalid input", Status: http.StatusBadRequest, Detail: ve.Message, Instance: r.URL.Path, Field: ve.Field})
	case errors.Is(err, opt.ErrRunInProgress):
		writeProblem(w, http.StatusConflict, "Run in progress", err.Error(), r.URL.Path)
	case errors.As(err, &inf):
		writeProblemBody(w, Problem{Title: "Infeasible model", Status: http.StatusUnprocessableEntity, Detail: err.Error(), Instance: r.URL.Path, ConstraintClass: string(inf.Class), Group: inf.Group})
	case errors.As(err, &tbe):
		writeProblem(w, http.StatusServiceUnavailable, "Time budget exceeded", err.Error(), r.URL.Path)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeProblem(w, http.StatusServiceUnavailable, "Run aborted", err.Error(), r.URL.Path)
	case errors.As(err, &internal):
		s.Logger.Error("solver internal error", "op", internal.Op, "error", internal.Err)
		writeProblem(w, http.StatusInternalServerError, "Solver error", err.Error(), r.URL.Path)
	default:
		s.Logger.Error("optimization failed", "error", err)
		writeProblem(w, http.StatusInternalServerError, "Optimization failed", err.Error(), r.URL.Path)
	}
}

// recordRun persists sol to run history. A storage failure is logged and does
// not fail the request; the caller still gets the solution.
func (s *Server) recordRun(ctx context.Context, key, session string, sol *opt.Solution) {
	rec, err := store.NewRunRecord(session, sol)
	if err == nil {
		rec.Session = key
		err = s.Store.SaveRun(ctx, rec)
	}
	if err != nil {
		s.Logger.Warn("save run history failed", "session", key, "run_id", sol.RunID, "error", err)
	}
}

// effectiveParams layers configured defaults, the tenant's saved config and the request.
func (s *Server) effectiveParams(ctx context.Context, tenant string, in model.ParametersIn) (opt.Parameters, error) {
	base := s.Config.Optimizer.Parameters()
	cfg, err := s.Store.GetOptimizerConfig(ctx, tenant)
	if err != nil {
		s.Logger.Warn("load tenant optimizer config failed", "tenant", tenant, "error", err)
	} else if cfg != nil {
		if merged, err := overlayConfig(base, cfg); err == nil {
			base = merged
		} else {
			s.Logger.Warn("ignoring invalid tenant optimizer config", "tenant", tenant, "error", err)
		}
	}
	return in.Apply(base)
}

// overlayConfig applies a saved config map, whose keys are those of model.ParametersIn.
func overlayConfig(base opt.Parameters, cfg map[string]any) (opt.Parameters, error) {
	js, err := json.Marshal(cfg)
	if err != nil {
		return base, err
	}
	var in model.ParametersIn
	dec := json.NewDecoder(strings.NewReader(string(js)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return base, &opt.ValidationError{Field: "config", Message: err.Error()}
	}
	return in.Apply(base)
}

func paramsMap(p opt.Parameters) map[string]any {
	return map[string]any{
		"timeLimitMs":          p.TimeLimit.Milliseconds(),
		"strategy":             string(p.Strategy),
		"costWeight":           p.CostWeight,
		"riskWeight":           p.RiskWeight,
		"serviceWeight":        p.ServiceWeight,
		"safetyMargin":         p.SafetyMargin,
		"maxRisk":              p.MaxRisk,
		"optimalityGap":        p.OptimalityGap,
		"disallowOverSupply":   p.DisallowOverSupply,
		"monteCarloIterations": p.MonteCarloIterations,
		"otifTarget":           p.OTIFTarget,
		"seed":                 p.Seed,
		"alpha":                p.Alpha,
		"priorityWeights":      p.PriorityWeights,
	}
}

// OptimizerConfigHandler returns the effective optimizer defaults for the tenant
func (s *Server) OptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/optimizer/config" || r.Method != http.MethodGet {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	params, err := s.effectiveParams(r.Context(), p.Tenant, model.ParametersIn{})
	if err != nil {
		s.writeRunError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"defaults": paramsMap(params)})
}

// AdminOptimizerConfigHandler gets or replaces the tenant's saved optimizer config
func (s *Server) AdminOptimizerConfigHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/admin/optimizer/config" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.Store.GetOptimizerConfig(r.Context(), p.Tenant)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Load failed", err.Error(), r.URL.Path)
			return
		}
		if cfg == nil {
			cfg = map[string]any{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"config": cfg})
	case http.MethodPut:
		var body struct {
			Config map[string]any `json:"config"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if body.Config == nil {
			writeProblem(w, http.StatusBadRequest, "Missing config", "", r.URL.Path)
			return
		}
		merged, err := overlayConfig(s.Config.Optimizer.Parameters(), body.Config)
		if err == nil {
			err = merged.Validate()
		}
		if err != nil {
			s.writeRunError(w, r, err)
			return
		}
		if err := s.Store.SaveOptimizerConfig(r.Context(), p.Tenant, body.Config); err != nil {
			writeProblem(w, http.StatusInternalServerError, "Save failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type runOut struct {
	store.RunRecord
}

func (s *Server) presentRun(p Principal, rec store.RunRecord) runOut {
	rec.Session = strings.TrimPrefix(rec.Session, p.Tenant+"/")
	return runOut{rec}
}

// RunsHandler handles GET /v1/runs (history, newest first) and DELETE /v1/runs (clear)
func (s *Server) RunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/runs" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	p := s.getPrincipal(r)
	key := p.sessionKey(requestSession(r))
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeProblem(w, http.StatusBadRequest, "Invalid limit", "limit must be a positive integer", r.URL.Path)
				return
			}
			limit = n
		}
		items, next, err := s.Store.ListRuns(r.Context(), key, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "List runs failed", err.Error(), r.URL.Path)
			return
		}
		out := make([]runOut, 0, len(items))
		for _, it := range items {
			out = append(out, s.presentRun(p, it))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out, "nextCursor": next})
	case http.MethodDelete:
		if !p.CanPlan() {
			writeProblem(w, http.StatusForbidden, "Forbidden", "planner or admin required", r.URL.Path)
			return
		}
		n, err := s.Store.ClearRuns(r.Context(), key)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Clear runs failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RunByIDHandler handles GET /v1/runs/{id} and GET /v1/runs/{id}/export?format=csv|summary
func (s *Server) RunByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/runs/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 || (len(parts) == 2 && parts[1] != "export") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	rec, err := s.Store.GetRun(r.Context(), p.sessionKey(requestSession(r)), parts[0])
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Run not found", "", r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Load run failed", err.Error(), r.URL.Path)
		return
	}
	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, s.presentRun(p, rec))
		return
	}

	var out model.SolutionOut
	if err := json.Unmarshal(rec.Solution, &out); err != nil {
		writeProblem(w, http.StatusInternalServerError, "Corrupt run record", err.Error(), r.URL.Path)
		return
	}
	sol, err := out.ToDomain()
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Corrupt run record", err.Error(), r.URL.Path)
		return
	}
	switch format := r.URL.Query().Get("format"); format {
	case "", "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+rec.ID+".csv"))
		if err := opt.WriteCSV(w, sol); err != nil {
			s.Logger.Warn("export csv failed", "run_id", rec.ID, "error", err)
		}
	case "summary":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(opt.Summary(sol)))
	default:
		writeProblem(w, http.StatusBadRequest, "Unsupported format", "format must be csv or summary", r.URL.Path)
	}
}

// AdminRunStatsHandler returns the latest run stats per strategy for a session
func (s *Server) AdminRunStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p := s.getPrincipal(r)
	if !p.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	out := map[string]any{}
	for strategy, st := range s.Orch.Stats().Get(p.sessionKey(requestSession(r))) {
		out[string(strategy)] = map[string]any{
			"runId":      st.RunID,
			"status":     string(st.Status),
			"objective":  st.Objective,
			"nodes":      st.Nodes,
			"lpSolves":   st.LPSolves,
			"incumbents": st.Incumbents,
			"elapsedMs":  st.Elapsed.Milliseconds(),
			"at":         st.At.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"strategies": out})
}

// Health
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
