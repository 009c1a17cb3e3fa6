package opt

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRiskFactor(t *testing.T) {
	assert.Zero(t, RiskFactor(1, 10, 0.5, 1))
	assert.Zero(t, RiskFactor(5, 10, 0.5, 1), "exactly at the margin")
	assert.InDelta(t, 1.0/3, RiskFactor(2, 3, 0.5, 1), 1e-9)
	assert.InDelta(t, 2.0, RiskFactor(3, 3, 0.5, 2), 1e-9)
	assert.Equal(t, 1.0, RiskFactor(1, 0, 0.5, 1))

	prev := 0.0
	for transit := 0.0; transit <= 10; transit += 0.5 {
		r := RiskFactor(transit, 10, 0.4, 1)
		assert.GreaterOrEqual(t, r, prev)
		assert.LessOrEqual(t, r, 1.0)
		prev = r
	}
}

func TestBuildModelEligibility(t *testing.T) {
	frozen := batch("F", 10, 30)
	frozen.Storage = "frozen"
	elsewhere := batch("E", 10, 30)
	elsewhere.Origin = "OTHER"
	short := batch("S", 10, 1.5) // cannot survive a 2 day trip
	batches := []Batch{batch("OK", 10, 30), frozen, elsewhere, short}
	routes := []Route{route("R1", 100, 2, 1)}
	demand := []Demand{{Destination: "HUB", Product: "VAX", Quantity: 5}}

	m, err := BuildModel(batches, routes, demand, params(StrategyExact))
	require.NoError(t, err)
	require.Len(t, m.Arcs, 1)
	assert.Equal(t, 0, m.Arcs[0].Batch)
	assert.Empty(t, m.Excluded)
}

func TestBuildModelMergesDemand(t *testing.T) {
	batches, routes, _ := twoBatchScenario()
	demand := []Demand{
		{Destination: "HUB", Product: "VAX", Quantity: 30, DueAt: asOf.Add(days(5)), Optional: true},
		{Destination: "HUB", Product: "VAX", Quantity: 20, DueAt: asOf.Add(days(3))},
	}
	m, err := BuildModel(batches, routes, demand, params(StrategyExact))
	require.NoError(t, err)
	require.Len(t, m.Groups, 1)
	g := m.Groups[0]
	assert.Equal(t, 50, g.Required)
	assert.Equal(t, asOf.Add(days(3)), g.DueAt)
	assert.False(t, g.Optional)
}

func TestBuildModelSupplyShortfall(t *testing.T) {
	batches := []Batch{batch("B1", 20, 30)}
	routes := []Route{route("R1", 100, 1, 1)}
	demand := []Demand{{Destination: "HUB", Product: "VAX", Quantity: 50}}
	_, err := BuildModel(batches, routes, demand, params(StrategyExact))
	var inf *InfeasibleModelError
	require.ErrorAs(t, err, &inf)
	assert.Equal(t, ClassSupply, inf.Class)
}

func TestObjectiveTermsCapCoverage(t *testing.T) {
	batches, routes, _ := twoBatchScenario()
	demand := []Demand{{Destination: "HUB", Product: "VAX", Quantity: 60}}
	p := params(StrategyExact)
	m, err := BuildModel(batches, routes, demand, p)
	require.NoError(t, err)

	alloc := make([]int, len(m.Arcs))
	for ai, a := range m.Arcs {
		if m.Batches[a.Batch].ID == "B2" && m.Routes[a.Route].ID == "R1" {
			alloc[ai] = 50
		}
		if m.Batches[a.Batch].ID == "B1" && m.Routes[a.Route].ID == "R2" {
			alloc[ai] = 30
		}
	}
	o := Objective{CostWeight: 1, RiskWeight: 1, ServiceWeight: 2}
	v, terms := o.Evaluate(m, alloc)
	assert.Equal(t, 50.0*10+30*15, terms.Cost)
	assert.Equal(t, 60.0, terms.Coverage, "coverage is capped at the requirement")
	assert.InDelta(t, terms.Cost+terms.Risk-2*60, v, 1e-9)
}

func TestSolverTransitions(t *testing.T) {
	batches, routes, demand := twoBatchScenario()
	var seen []Transition
	s := NewSolver(params(StrategyExact), WithTransitionObserver(func(tr Transition) { seen = append(seen, tr) }))
	assert.Equal(t, PhaseIdle, s.Phase())

	res, err := s.Solve(context.Background(), batches, routes, demand)
	require.NoError(t, err)
	assert.Equal(t, PhaseSolved, res.Outcome)
	assert.Equal(t, PhaseTerminal, s.Phase())
	assert.Equal(t, seen, s.History())

	var path []Phase
	for _, tr := range seen {
		path = append(path, tr.To)
	}
	assert.Equal(t, []Phase{PhaseModeling, PhaseSearching, PhaseSolved, PhaseTerminal}, path)

	_, err = s.Solve(context.Background(), batches, routes, demand)
	var internal *SolverInternalError
	require.ErrorAs(t, err, &internal, "a solver is single use")
}

func TestSolverInfeasiblePath(t *testing.T) {
	batches := []Batch{batch("B1", 200, 30)}
	routes := []Route{route("R1", 50, 2, 10)}
	demand := []Demand{{Destination: "HUB", Product: "VAX", Quantity: 100}}
	s := NewSolver(params(StrategyExact))
	_, err := s.Solve(context.Background(), batches, routes, demand)
	require.Error(t, err)

	var path []Phase
	for _, tr := range s.History() {
		path = append(path, tr.To)
	}
	assert.Equal(t, []Phase{PhaseModeling, PhaseInfeasible, PhaseTerminal}, path)
}

func TestEvaluateKPIs(t *testing.T) {
	batches, routes, demand := twoBatchScenario()
	demand[0].DueAt = asOf.Add(days(1))
	p := params(StrategyExact)
	p.CostWeight, p.RiskWeight, p.ServiceWeight = 0.01, 100, 0
	sol, err := Run(context.Background(), batches, routes, demand, p)
	require.NoError(t, err)

	k := sol.KPIs
	assert.Equal(t, 130, k.ShippedQuantity)
	assert.Equal(t, 130, k.RequiredQuantity)
	assert.Equal(t, 80, k.OnTimeQuantity, "only the one-day route arrives by the due date")
	assert.InDelta(t, 80.0/130, k.OnTimeRate, 1e-9)
	assert.Equal(t, 50.0*10+80*15, k.TotalCost)

	util := map[string]float64{}
	for _, r := range k.Routes {
		util[r.RouteID] = r.Utilization
	}
	assert.InDelta(t, 50.0/80, util["R1"], 1e-9)
	assert.InDelta(t, 0.8, util["R2"], 1e-9)

	disp := map[string]Disposition{}
	for _, b := range k.Batches {
		disp[b.BatchID] = b.Disposition
	}
	assert.Equal(t, DispositionPartial, disp["B1"])
	assert.Equal(t, DispositionFull, disp["B2"])

	require.NotNil(t, k.Risk)
	assert.Equal(t, 200, k.Risk.Iterations)
	assert.Greater(t, k.Risk.MeanOTIF, 0.0)
	assert.Less(t, k.Risk.MeanOTIF, 1.0)
}

func TestAssessRiskDeterministic(t *testing.T) {
	batches, routes, _ := twoBatchScenario()
	demand := []Demand{{Destination: "HUB", Product: "VAX", Quantity: 50, DueAt: asOf.Add(days(100))}}
	m, err := BuildModel(batches, routes, demand, params(StrategyExact))
	require.NoError(t, err)
	alloc := make([]int, len(m.Arcs))
	alloc[0] = 50

	a := AssessRisk(m, alloc, 500, 0.8, 42)
	b := AssessRisk(m, alloc, 500, 0.8, 42)
	assert.Equal(t, a, b)
	assert.Equal(t, 1.0, a.MeanOTIF)
	assert.Zero(t, a.RiskScore)
	assert.Nil(t, AssessRisk(m, alloc, 0, 0.8, 42))
}

func TestExport(t *testing.T) {
	batches, routes, demand := twoBatchScenario()
	sol, err := Run(context.Background(), batches, routes, demand, params(StrategyExact))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sol))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "run_id,batch_id,route_id,quantity", lines[0])
	assert.Len(t, lines, len(sol.Assignments)+1)

	s := Summary(sol)
	assert.Contains(t, s, "Status: optimal")
	assert.Contains(t, s, sol.RunID)
}

func TestMemoryLockerQueues(t *testing.T) {
	l := NewMemoryLocker(true)
	release, err := l.Acquire(context.Background(), "s")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		rel, err := l.Acquire(context.Background(), "s")
		if err == nil {
			close(acquired)
			rel()
		}
	}()
	select {
	case <-acquired:
		t.Fatal("second acquire must wait")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("queued acquire never proceeded")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	hold, err := l.Acquire(context.Background(), "s")
	require.NoError(t, err)
	defer hold()
	_, err = l.Acquire(ctx, "s")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
