package opt

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

type sense int8

const (
	senseLE sense = iota
	senseGE
	senseEQ
)

type lpRow struct {
	cols  []int
	vals  []float64
	sense sense
	rhs   float64
}

// bound fixes one arc variable: x >= lo when up is set, x <= hi otherwise.
type bound struct {
	arc int
	up  bool
	val float64
}

// relaxation drops a constraint family when probing for the cause of infeasibility.
type relaxation struct {
	capacity bool
	supply   bool
	coverage bool
}

type lpSolution struct {
	obj float64
	x   []float64 // arc variables only
}

var (
	errLPInfeasible = errors.New("lp relaxation infeasible")
	errLPAbandoned  = errors.New("lp solve abandoned at deadline")
)

// simplex is swapped in tests to stand in for a slow solve.
var simplex = lp.Simplex

// lpTol is passed to the simplex and used as the integrality tolerance.
const lpTol = 1e-9

// solveLP solves the continuous relaxation of m under the given branching
// bounds. Columns are the arc variables, one coverage credit per group with an
// on-time arc (only when the service weight is positive), then one slack per
// inequality row, so A always has full row rank.
func solveLP(m *Model, o Objective, bounds []bound, relax relaxation) (lpSolution, error) {
	nArcs := len(m.Arcs)
	cover := make([]int, len(m.Groups))
	nVars := nArcs
	for gi := range m.Groups {
		cover[gi] = -1
		if o.ServiceWeight <= 0 || relax.coverage {
			continue
		}
		for _, ai := range m.GroupArcs[gi] {
			if m.Arcs[ai].OnTime {
				cover[gi] = nVars
				nVars++
				break
			}
		}
	}

	var rows []lpRow
	arcRow := func(arcs []int, s sense, rhs float64) lpRow {
		r := lpRow{sense: s, rhs: rhs}
		for _, ai := range arcs {
			r.cols = append(r.cols, ai)
			r.vals = append(r.vals, 1)
		}
		return r
	}
	for bi, arcs := range m.BatchArcs {
		if len(arcs) == 0 || relax.supply {
			continue
		}
		rows = append(rows, arcRow(arcs, senseLE, float64(m.Batches[bi].Quantity)))
	}
	for ri, arcs := range m.RouteArcs {
		if len(arcs) == 0 || relax.capacity {
			continue
		}
		rows = append(rows, arcRow(arcs, senseLE, float64(m.Routes[ri].Capacity)))
	}
	for gi, g := range m.Groups {
		arcs := m.GroupArcs[gi]
		if len(arcs) > 0 && !relax.coverage {
			switch {
			case !g.Optional && m.Params.DisallowOverSupply:
				rows = append(rows, arcRow(arcs, senseEQ, float64(g.Required)))
			case !g.Optional:
				rows = append(rows, arcRow(arcs, senseGE, float64(g.Required)))
			case m.Params.DisallowOverSupply:
				rows = append(rows, arcRow(arcs, senseLE, float64(g.Required)))
			}
		}
		if cover[gi] < 0 {
			continue
		}
		// credit <= required, credit <= on-time quantity
		rows = append(rows, lpRow{cols: []int{cover[gi]}, vals: []float64{1}, sense: senseLE, rhs: float64(g.Required)})
		link := lpRow{cols: []int{cover[gi]}, vals: []float64{1}, sense: senseLE}
		for _, ai := range arcs {
			if m.Arcs[ai].OnTime {
				link.cols = append(link.cols, ai)
				link.vals = append(link.vals, -1)
			}
		}
		rows = append(rows, link)
	}
	for _, b := range bounds {
		s := senseLE
		if b.up {
			s = senseGE
		}
		rows = append(rows, lpRow{cols: []int{b.arc}, vals: []float64{1}, sense: s, rhs: b.val})
	}
	// arcs appearing in no row (every family relaxed) still need a bounded column
	for ai := range m.Arcs {
		if relax.supply && relax.capacity {
			rows = append(rows, lpRow{cols: []int{ai}, vals: []float64{1}, sense: senseLE, rhs: float64(m.Batches[m.Arcs[ai].Batch].Quantity)})
		}
	}
	if len(rows) == 0 {
		return lpSolution{x: make([]float64, nArcs)}, nil
	}

	nSlack := 0
	for _, r := range rows {
		if r.sense != senseEQ {
			nSlack++
		}
	}
	nCols := nVars + nSlack
	A := mat.NewDense(len(rows), nCols, nil)
	b := make([]float64, len(rows))
	slack := nVars
	for i, r := range rows {
		for k, c := range r.cols {
			A.Set(i, c, A.At(i, c)+r.vals[k])
		}
		switch r.sense {
		case senseLE:
			A.Set(i, slack, 1)
			slack++
		case senseGE:
			A.Set(i, slack, -1)
			slack++
		}
		b[i] = r.rhs
	}
	c := make([]float64, nCols)
	for ai, a := range m.Arcs {
		c[ai] = o.ArcCoefficient(m, a)
	}
	for _, col := range cover {
		if col >= 0 {
			c[col] = -o.ServiceWeight
		}
	}

	optF, optX, err := simplex(c, A, b, lpTol, nil)
	if err != nil {
		if errors.Is(err, lp.ErrInfeasible) {
			return lpSolution{}, errLPInfeasible
		}
		return lpSolution{}, &SolverInternalError{Op: "simplex", Err: fmt.Errorf("%d rows x %d cols: %w", len(rows), nCols, err)}
	}
	return lpSolution{obj: optF, x: optX[:nArcs]}, nil
}

// solveLPWithin is solveLP bounded by ctx. The simplex cannot be interrupted,
// so a solve still running at the deadline is left to finish in the background
// and its result is dropped; the caller gets errLPAbandoned right away.
func solveLPWithin(ctx context.Context, m *Model, o Objective, bounds []bound, relax relaxation) (lpSolution, error) {
	if expired(ctx) {
		return lpSolution{}, errLPAbandoned
	}
	type result struct {
		sol lpSolution
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &SolverInternalError{Op: "simplex", Err: fmt.Errorf("panic: %v", r)}}
			}
		}()
		sol, err := solveLP(m, o, bounds, relax)
		done <- result{sol: sol, err: err}
	}()
	select {
	case r := <-done:
		return r.sol, r.err
	case <-ctx.Done():
		return lpSolution{}, errLPAbandoned
	}
}
