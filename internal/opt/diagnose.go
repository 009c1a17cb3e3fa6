package opt

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// diagnose names the constraint family responsible for an infeasible model by
// re-solving the relaxation with one family dropped at a time. Probes run
// concurrently; the first family whose removal restores feasibility wins, in
// the order capacity, supply, coverage.
func diagnose(ctx context.Context, m *Model, o Objective) error {
	probes := []struct {
		class ConstraintClass
		relax relaxation
	}{
		{ClassCapacity, relaxation{capacity: true}},
		{ClassSupply, relaxation{supply: true}},
		{ClassCoverage, relaxation{coverage: true}},
	}
	feasible := make([]bool, len(probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range probes {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := solveLPWithin(gctx, m, o, nil, p.relax)
			switch {
			case err == nil:
				feasible[i] = true
			case errors.Is(err, errLPInfeasible):
			case errors.Is(err, errLPAbandoned):
				return context.DeadlineExceeded
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var internal *SolverInternalError
		if errors.As(err, &internal) {
			return err
		}
		// cancelled before the probes finished; report without a class
		return &InfeasibleModelError{Class: ClassCoverage, Detail: "no assignment satisfies all constraints (diagnosis interrupted)"}
	}
	for i, p := range probes {
		if feasible[i] {
			return &InfeasibleModelError{Class: p.class, Detail: "no assignment satisfies all constraints; relaxing " + string(p.class) + " restores feasibility"}
		}
	}
	return &InfeasibleModelError{Class: ClassCoverage, Detail: "no assignment satisfies all constraints"}
}
