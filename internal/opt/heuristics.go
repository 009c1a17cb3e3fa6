package opt

import (
	"cmp"
	"slices"
)

// greedySeed assigns quantities along eligible arcs ordered by ascending
// spoilage risk, then ascending unit cost, until supply, capacity or demand is
// exhausted. complete reports whether every mandatory group was covered.
func greedySeed(m *Model, o Objective) (alloc []int, complete bool) {
	alloc = make([]int, len(m.Arcs))
	batchLeft := make([]int, len(m.Batches))
	for i, b := range m.Batches {
		batchLeft[i] = b.Quantity
	}
	routeLeft := make([]int, len(m.Routes))
	for i, r := range m.Routes {
		routeLeft[i] = r.Capacity
	}
	need := make([]int, len(m.Groups))
	for i, g := range m.Groups {
		need[i] = g.Required
	}

	order := make([]int, len(m.Arcs))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(x, y int) int {
		a, b := m.Arcs[x], m.Arcs[y]
		if c := cmp.Compare(a.Risk, b.Risk); c != 0 {
			return c
		}
		if c := cmp.Compare(m.Routes[a.Route].UnitCost, m.Routes[b.Route].UnitCost); c != 0 {
			return c
		}
		if a.OnTime != b.OnTime {
			if a.OnTime {
				return -1
			}
			return 1
		}
		return cmp.Compare(x, y)
	})

	for _, ai := range order {
		a := m.Arcs[ai]
		g := m.Groups[a.Group]
		if need[a.Group] <= 0 {
			continue
		}
		// optional demand is served only where it lowers the objective
		if g.Optional && !(a.OnTime && o.ServiceWeight > o.ArcCoefficient(m, a)) {
			continue
		}
		q := min(batchLeft[a.Batch], routeLeft[a.Route], need[a.Group])
		if q <= 0 {
			continue
		}
		alloc[ai] += q
		batchLeft[a.Batch] -= q
		routeLeft[a.Route] -= q
		need[a.Group] -= q
	}
	alloc = improveShift(m, o, alloc, batchLeft, routeLeft, 3)

	complete = true
	for gi, g := range m.Groups {
		if !g.Optional && need[gi] > 0 {
			complete = false
			break
		}
	}
	return alloc, complete
}

// improveShift moves quantity within a group from a more expensive arc to a
// cheaper one whose batch and route still have room. Group totals never change
// and on-time coverage never drops, so feasibility is preserved.
func improveShift(m *Model, o Objective, alloc, batchLeft, routeLeft []int, iterations int) []int {
	if iterations <= 0 {
		iterations = 1
	}
	for it := 0; it < iterations; it++ {
		improved := false
		for gi, g := range m.Groups {
			arcs := m.GroupArcs[gi]
			onTime := 0
			for _, ai := range arcs {
				if m.Arcs[ai].OnTime {
					onTime += alloc[ai]
				}
			}
			for _, src := range arcs {
				if alloc[src] == 0 {
					continue
				}
				sa := m.Arcs[src]
				for _, dst := range arcs {
					if dst == src || alloc[src] == 0 {
						continue
					}
					da := m.Arcs[dst]
					if sa.OnTime && !da.OnTime {
						continue
					}
					if o.ArcCoefficient(m, da)+1e-9 >= o.ArcCoefficient(m, sa) && (da.OnTime == sa.OnTime || o.ServiceWeight == 0) {
						continue
					}
					roomB := batchLeft[da.Batch]
					if da.Batch == sa.Batch {
						roomB = alloc[src]
					}
					roomR := routeLeft[da.Route]
					if da.Route == sa.Route {
						roomR = alloc[src]
					}
					q := min(alloc[src], roomB, roomR)
					if q <= 0 {
						continue
					}
					moved := onTime
					if sa.OnTime {
						moved -= q
					}
					if da.OnTime {
						moved += q
					}
					delta := float64(q)*(o.ArcCoefficient(m, da)-o.ArcCoefficient(m, sa)) -
						o.ServiceWeight*float64(min(moved, g.Required)-min(onTime, g.Required))
					if delta >= -1e-9 {
						continue
					}
					alloc[src] -= q
					alloc[dst] += q
					onTime = moved
					if da.Batch != sa.Batch {
						batchLeft[sa.Batch] += q
						batchLeft[da.Batch] -= q
					}
					if da.Route != sa.Route {
						routeLeft[sa.Route] += q
						routeLeft[da.Route] -= q
					}
					improved = true
				}
			}
		}
		if !improved {
			break
		}
	}
	return alloc
}

// better reports whether candidate should replace incumbent: strictly lower
// objective, or equal objective on fewer distinct routes.
func better(m *Model, candVal float64, cand []int, incVal float64, inc []int) bool {
	if inc == nil {
		return true
	}
	if candVal < incVal-objTol(incVal) {
		return true
	}
	if candVal <= incVal+objTol(incVal) {
		return m.routesUsed(cand) < m.routesUsed(inc)
	}
	return false
}

func objTol(v float64) float64 {
	if v < 0 {
		v = -v
	}
	return 1e-9 * max(1, v)
}
