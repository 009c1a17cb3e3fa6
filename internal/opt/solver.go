package opt

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Phase is a state of a single solver run.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseModeling   Phase = "modeling"
	PhaseSearching  Phase = "searching"
	PhaseSolved     Phase = "solved"
	PhaseTimedOut   Phase = "timed_out"
	PhaseInfeasible Phase = "infeasible"
	PhaseTerminal   Phase = "terminal"
)

var allowed = map[Phase][]Phase{
	PhaseIdle:       {PhaseModeling},
	PhaseModeling:   {PhaseSearching, PhaseInfeasible, PhaseTerminal},
	PhaseSearching:  {PhaseSolved, PhaseTimedOut, PhaseInfeasible, PhaseTerminal},
	PhaseSolved:     {PhaseTerminal},
	PhaseTimedOut:   {PhaseTerminal},
	PhaseInfeasible: {PhaseTerminal},
}

// Transition is reported to observers on every phase change.
type Transition struct {
	From Phase
	To   Phase
	At   time.Time
}

// ErrHeuristicIncomplete means the greedy pass could not cover mandatory demand
// although the relaxation is feasible; an exact search may still succeed.
var ErrHeuristicIncomplete = errors.New("heuristic left mandatory demand uncovered")

// Result is the raw outcome of a solver run, before KPIs are attached.
type Result struct {
	Model      *Model
	Objective  Objective
	Alloc      []int
	Value      float64
	Terms      ObjectiveTerms
	Outcome    Phase
	Proven     bool
	LowerBound float64
	Stats      SearchStats
}

type SolverOption func(*Solver)

// WithTransitionObserver registers fn to receive every phase change.
func WithTransitionObserver(fn func(Transition)) SolverOption {
	return func(s *Solver) { s.observers = append(s.observers, fn) }
}

func withClock(now func() time.Time) SolverOption {
	return func(s *Solver) { s.now = now }
}

// Solver drives one run through idle, modeling, searching and a final outcome.
// A Solver is single use.
type Solver struct {
	params    Parameters
	observers []func(Transition)
	now       func() time.Time

	mu      sync.Mutex
	phase   Phase
	history []Transition
}

func NewSolver(p Parameters, opts ...SolverOption) *Solver {
	s := &Solver{params: p, phase: PhaseIdle, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Solver) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// History returns the transitions taken so far.
func (s *Solver) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transition(nil), s.history...)
}

func (s *Solver) transition(to Phase) {
	s.mu.Lock()
	from := s.phase
	ok := false
	for _, p := range allowed[from] {
		if p == to {
			ok = true
			break
		}
	}
	if !ok {
		s.mu.Unlock()
		panic(fmt.Sprintf("opt: illegal solver transition %s -> %s", from, to))
	}
	t := Transition{From: from, To: to, At: s.now()}
	s.phase = to
	s.history = append(s.history, t)
	obs := s.observers
	s.mu.Unlock()
	for _, fn := range obs {
		fn(t)
	}
}

// Solve builds the model and searches it with the configured strategy. ctx
// carries the time budget; modeling and the greedy seed run regardless so
// that a deadline never hides a cheap feasible answer.
func (s *Solver) Solve(ctx context.Context, batches []Batch, routes []Route, demand []Demand) (res *Result, err error) {
	if s.Phase() != PhaseIdle {
		return nil, &SolverInternalError{Op: "solve", Err: errors.New("solver already used")}
	}
	start := s.now()
	s.transition(PhaseModeling)
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, &SolverInternalError{Op: "search", Err: fmt.Errorf("panic: %v", r)}
			if s.Phase() != PhaseTerminal {
				s.forceTerminal()
			}
		}
	}()

	m, err := BuildModel(batches, routes, demand, s.params)
	if err != nil {
		var inf *InfeasibleModelError
		if errors.As(err, &inf) {
			s.transition(PhaseInfeasible)
		}
		s.transition(PhaseTerminal)
		return nil, fmt.Errorf("build model: %w", err)
	}
	obj := ComposeObjective(s.params)
	s.transition(PhaseSearching)

	var out searchOutcome
	switch s.params.Strategy {
	case StrategyHeuristic:
		out, err = searchHeuristic(ctx, m, obj)
	default:
		out, err = branchAndBound(ctx, m, obj)
	}
	out.stats.Elapsed = s.now().Sub(start)
	if err != nil {
		var inf *InfeasibleModelError
		if errors.As(err, &inf) {
			s.transition(PhaseInfeasible)
		}
		s.transition(PhaseTerminal)
		return nil, err
	}

	res = &Result{
		Model:      m,
		Objective:  obj,
		Alloc:      out.alloc,
		Value:      out.value,
		Proven:     out.proven,
		LowerBound: out.lowerBound,
		Stats:      out.stats,
	}
	if out.alloc != nil {
		res.Value, res.Terms = obj.Evaluate(m, out.alloc)
	}
	if out.timedOut {
		res.Outcome = PhaseTimedOut
	} else {
		res.Outcome = PhaseSolved
	}
	s.transition(res.Outcome)
	s.transition(PhaseTerminal)
	return res, nil
}

// forceTerminal records a jump to terminal after a panic, bypassing the
// transition table.
func (s *Solver) forceTerminal() {
	s.mu.Lock()
	t := Transition{From: s.phase, To: PhaseTerminal, At: s.now()}
	s.phase = PhaseTerminal
	s.history = append(s.history, t)
	obs := s.observers
	s.mu.Unlock()
	for _, fn := range obs {
		fn(t)
	}
}

func searchHeuristic(ctx context.Context, m *Model, o Objective) (searchOutcome, error) {
	out := searchOutcome{lowerBound: math.NaN(), stats: SearchStats{Strategy: StrategyHeuristic}}
	alloc, complete := greedySeed(m, o)
	if complete {
		out.alloc = alloc
		out.value, _ = o.Evaluate(m, alloc)
		out.stats.Incumbents = 1
		return out, nil
	}
	// tell a genuinely infeasible model apart from a greedy shortfall
	_, err := solveLPWithin(ctx, m, o, nil, relaxation{})
	if errors.Is(err, errLPAbandoned) {
		out.timedOut = true
		return out, nil
	}
	out.stats.LPSolves++
	if errors.Is(err, errLPInfeasible) {
		return out, diagnose(ctx, m, o)
	}
	return out, ErrHeuristicIncomplete
}
