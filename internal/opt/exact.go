package opt

import (
	"context"
	"errors"
	"math"
	"time"
)

const intTol = 1e-6

// searchOutcome is what a search strategy hands back to the state machine.
type searchOutcome struct {
	alloc      []int
	value      float64
	timedOut   bool
	proven     bool
	lowerBound float64
	stats      SearchStats
}

type bbNode struct {
	bounds      []bound
	parentBound float64
}

// branchAndBound solves the integer program depth-first over the LP
// relaxation. The greedy allocation seeds the incumbent so a feasible answer
// exists even when the deadline passes before the root LP is solved.
func branchAndBound(ctx context.Context, m *Model, o Objective) (searchOutcome, error) {
	out := searchOutcome{lowerBound: math.NaN(), stats: SearchStats{Strategy: StrategyExact}}
	var incumbent []int
	incVal := math.Inf(1)
	accept := func(alloc []int) {
		v, _ := o.Evaluate(m, alloc)
		if better(m, v, alloc, incVal, incumbent) {
			incumbent, incVal = alloc, v
			out.stats.Incumbents++
		}
	}
	if seed, complete := greedySeed(m, o); complete {
		accept(seed)
	}
	if len(m.Arcs) == 0 {
		// nothing to decide; precheck already rejected uncovered mandatory groups
		out.alloc, out.value, out.proven, out.lowerBound = []int{}, 0, true, 0
		return out, nil
	}

	gapAbs := func() float64 {
		if incumbent == nil {
			return 0
		}
		return m.Params.OptimalityGap * math.Max(1, math.Abs(incVal))
	}
	stack := []bbNode{{parentBound: math.Inf(-1)}}
	globalBound := func() float64 {
		lb := math.Inf(1)
		for _, n := range stack {
			lb = math.Min(lb, n.parentBound)
		}
		return lb
	}
	rootInfeasible := false
	for len(stack) > 0 {
		if incumbent != nil && out.stats.LPSolves > 0 {
			if lb := math.Min(globalBound(), incVal); relGap(incVal, lb) <= m.Params.OptimalityGap {
				out.lowerBound = lb
				break
			}
		}
		if expired(ctx) {
			out.timedOut = true
			if out.stats.LPSolves > 0 {
				out.lowerBound = math.Min(globalBound(), incVal)
			}
			break
		}
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if incumbent != nil && node.parentBound > incVal+objTol(incVal) {
			continue
		}
		out.stats.Nodes++
		sol, err := solveLPWithin(ctx, m, o, node.bounds, relaxation{})
		if errors.Is(err, errLPAbandoned) {
			out.timedOut = true
			if out.stats.LPSolves > 0 {
				out.lowerBound = math.Min(math.Min(globalBound(), node.parentBound), incVal)
			}
			break
		}
		out.stats.LPSolves++
		if errors.Is(err, errLPInfeasible) {
			if len(node.bounds) == 0 {
				rootInfeasible = true
				break
			}
			continue
		}
		if err != nil {
			return out, err
		}
		if incumbent != nil {
			if sol.obj > incVal+objTol(incVal) {
				continue
			}
			if g := gapAbs(); g > objTol(incVal) && sol.obj >= incVal-g {
				continue
			}
		}
		branch, frac := -1, 0.0
		for ai, x := range sol.x {
			f := x - math.Floor(x)
			if f <= intTol || f >= 1-intTol {
				continue
			}
			// most fractional, lowest index on ties
			if d := math.Abs(f - 0.5); branch < 0 || d < math.Abs(frac-0.5) {
				branch, frac = ai, f
			}
		}
		if branch < 0 {
			alloc := make([]int, len(sol.x))
			for ai, x := range sol.x {
				alloc[ai] = int(math.Round(x))
			}
			accept(alloc)
			continue
		}
		x := sol.x[branch]
		down := bbNode{bounds: appendBound(node.bounds, bound{arc: branch, val: math.Floor(x)}), parentBound: sol.obj}
		up := bbNode{bounds: appendBound(node.bounds, bound{arc: branch, up: true, val: math.Ceil(x)}), parentBound: sol.obj}
		// the preferred child is pushed last so it is explored first
		if frac >= 0.5 {
			stack = append(stack, down, up)
		} else {
			stack = append(stack, up, down)
		}
	}

	if rootInfeasible || (incumbent == nil && !out.timedOut) {
		return out, diagnose(ctx, m, o)
	}
	if !out.timedOut && len(stack) == 0 {
		out.lowerBound = incVal
	}
	if incumbent != nil {
		out.alloc, out.value = incumbent, incVal
		out.proven = !out.timedOut
	}
	return out, nil
}

// expired checks the deadline directly as well as ctx.Err, since the timer
// behind a very short deadline may not have fired yet.
func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	dl, ok := ctx.Deadline()
	return ok && !time.Now().Before(dl)
}

func appendBound(bs []bound, b bound) []bound {
	out := make([]bound, len(bs), len(bs)+1)
	copy(out, bs)
	return append(out, b)
}
