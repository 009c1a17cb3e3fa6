package opt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
)

// DefaultSession is used when a request does not name one.
const DefaultSession = "default"

// Event reports a solver phase change for a run.
type Event struct {
	Session  string
	RunID    string
	Strategy Strategy
	Phase    Phase
	At       time.Time
}

type RunRequest struct {
	Session string
	Batches []Batch
	Routes  []Route
	Demand  []Demand
	Params  Parameters
}

type Option func(*Orchestrator)

func WithLocker(l SessionLocker) Option { return func(o *Orchestrator) { o.locker = l } }

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

func WithMetricsStore(s *MetricsStore) Option { return func(o *Orchestrator) { o.stats = s } }

// WithEventObserver registers fn for phase events of every run.
func WithEventObserver(fn func(Event)) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithoutFallback disables switching strategy after a solver failure.
func WithoutFallback() Option { return func(o *Orchestrator) { o.fallback = false } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator validates input, serializes runs per session, applies the time
// budget, selects fallbacks and assembles the final Solution.
type Orchestrator struct {
	locker    SessionLocker
	logger    *slog.Logger
	stats     *MetricsStore
	observers []func(Event)
	fallback  bool
	now       func() time.Time
}

func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		locker:   NewMemoryLocker(false),
		logger:   slog.Default(),
		stats:    NewMetricsStore(),
		fallback: true,
		now:      time.Now,
	}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

func (o *Orchestrator) Stats() *MetricsStore { return o.stats }

// Run executes one optimization with a process-local orchestrator.
func Run(ctx context.Context, batches []Batch, routes []Route, demand []Demand, p Parameters) (*Solution, error) {
	return NewOrchestrator().Run(ctx, RunRequest{Batches: batches, Routes: routes, Demand: demand, Params: p})
}

// Run returns a complete Solution, or one of *ValidationError,
// *InfeasibleModelError, *SolverInternalError, ErrRunInProgress. When the time
// budget runs out it returns the best solution found together with a
// *TimeBudgetExceededError.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*Solution, error) {
	session := req.Session
	if session == "" {
		session = DefaultSession
	}
	p := req.Params.withDefaults(o.now())
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateInput(req.Batches, req.Routes, req.Demand); err != nil {
		return nil, err
	}

	// a queued run spends its own budget waiting for the session
	budget, cancel := context.WithTimeout(ctx, p.TimeLimit)
	defer cancel()
	release, err := o.locker.Acquire(budget, session)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeBudgetExceededError{Limit: p.TimeLimit.String()}
		}
		return nil, fmt.Errorf("acquire session %s: %w", session, err)
	}
	defer release()
	ctx = budget

	runID := uuid.NewString()
	log := o.logger.With("session", session, "run_id", runID)
	start := o.now()

	log.Info("optimization started", "strategy", p.Strategy, "batches", len(req.Batches), "routes", len(req.Routes), "demand", len(req.Demand), "time_limit", p.TimeLimit)
	res, strategy, fallback, err := o.solveWithFallback(ctx, log, session, runID, req, p)
	if err != nil {
		log.Warn("optimization failed", "error", err, "elapsed", o.now().Sub(start))
		return nil, err
	}
	if res.Alloc == nil {
		log.Warn("time budget exceeded without a feasible assignment", "elapsed", o.now().Sub(start))
		return nil, &TimeBudgetExceededError{Limit: p.TimeLimit.String()}
	}

	sol := o.assemble(runID, res, p, strategy, fallback)
	o.stats.Record(session, strategy, RunStats{
		RunID:      runID,
		Status:     sol.Status,
		Objective:  sol.Objective,
		Nodes:      sol.Search.Nodes,
		LPSolves:   sol.Search.LPSolves,
		Incumbents: sol.Search.Incumbents,
		Elapsed:    sol.Search.Elapsed,
		At:         sol.CreatedAt,
	})
	log.Info("optimization finished", "status", sol.Status, "optimal", sol.Optimal, "objective", sol.Objective, "assignments", len(sol.Assignments), "nodes", sol.Search.Nodes, "elapsed", sol.Search.Elapsed)
	if res.Outcome == PhaseTimedOut {
		return sol, &TimeBudgetExceededError{Solution: sol, Limit: p.TimeLimit.String()}
	}
	return sol, nil
}

func (o *Orchestrator) solveWithFallback(ctx context.Context, log *slog.Logger, session, runID string, req RunRequest, p Parameters) (*Result, Strategy, Strategy, error) {
	res, err := o.solve(ctx, session, runID, req, p)
	if err == nil {
		return res, p.Strategy, "", nil
	}
	var internal *SolverInternalError
	switch {
	case o.fallback && p.Strategy == StrategyExact && errors.As(err, &internal):
		log.Warn("exact search failed; falling back to heuristic", "error", err)
		p.Strategy = StrategyHeuristic
		res, err = o.solve(ctx, session, runID, req, p)
		if err == nil {
			return res, StrategyExact, StrategyHeuristic, nil
		}
	case o.fallback && p.Strategy == StrategyHeuristic && errors.Is(err, ErrHeuristicIncomplete):
		log.Info("heuristic could not cover demand; escalating to exact search")
		p.Strategy = StrategyExact
		res, err = o.solve(ctx, session, runID, req, p)
		if err == nil {
			return res, StrategyHeuristic, StrategyExact, nil
		}
	}
	return nil, p.Strategy, "", classify(err)
}

func (o *Orchestrator) solve(ctx context.Context, session, runID string, req RunRequest, p Parameters) (*Result, error) {
	s := NewSolver(p, withClock(o.now), WithTransitionObserver(func(t Transition) {
		evt := Event{Session: session, RunID: runID, Strategy: p.Strategy, Phase: t.To, At: t.At}
		for _, fn := range o.observers {
			fn(evt)
		}
	}))
	return s.Solve(ctx, req.Batches, req.Routes, req.Demand)
}

// classify maps solver signals onto the public error taxonomy.
func classify(err error) error {
	var inf *InfeasibleModelError
	if errors.As(err, &inf) {
		return inf
	}
	var internal *SolverInternalError
	if errors.As(err, &internal) {
		return internal
	}
	return &SolverInternalError{Op: "solve", Err: err}
}

func (o *Orchestrator) assemble(runID string, res *Result, p Parameters, requested, fallback Strategy) *Solution {
	m := res.Model
	kpis := Evaluate(m, res.Alloc)
	kpis.Risk = AssessRisk(m, res.Alloc, p.MonteCarloIterations, p.OTIFTarget, p.Seed)

	stats := res.Stats
	stats.Strategy = requested
	stats.Fallback = fallback
	used := requested
	if fallback != "" {
		used = fallback
	}

	sol := &Solution{
		RunID:       runID,
		Assignments: m.Assignments(res.Alloc),
		Objective:   res.Value,
		Terms:       res.Terms,
		LowerBound:  math.NaN(),
		KPIs:        kpis,
		Excluded:    append([]Exclusion(nil), m.Excluded...),
		Search:      stats,
		CreatedAt:   o.now().UTC(),
	}
	if used == StrategyExact && !math.IsNaN(res.LowerBound) {
		sol.LowerBound = res.LowerBound
	}
	switch {
	case res.Outcome == PhaseTimedOut:
		sol.Status = StatusTimeBounded
	case used == StrategyExact && res.Proven:
		sol.Status = StatusOptimal
		sol.Optimal = true
	default:
		sol.Status = StatusHeuristic
	}
	return sol
}
