package opt

import (
	"fmt"
	"time"
)

// Arc is a decision variable: units of one batch moved over one route into one
// demand group.
type Arc struct {
	Batch   int
	Route   int
	Group   int
	Risk    float64
	OnTime  bool
	Urgency float64 // group priority weight times transit days
}

// Group is a merged destination/product requirement.
type Group struct {
	Destination string
	Product     string
	Required    int
	DueAt       time.Time
	Optional    bool
	Priority    Priority // highest weighted priority among the merged rows
}

func (g Group) Key() string { return groupKey(g.Destination, g.Product) }

func groupKey(dest, product string) string { return dest + "/" + product }

// Exclusion records a batch that was withheld from every route.
type Exclusion struct {
	BatchID string
	Reason  string
}

// Model is the constraint system for one run: arcs plus the index sets of the
// capacity, supply and coverage rows.
type Model struct {
	Batches  []Batch
	Routes   []Route
	Groups   []Group
	Arcs     []Arc
	Excluded []Exclusion

	BatchArcs [][]int
	RouteArcs [][]int
	GroupArcs [][]int

	Params Parameters
}

// BuildModel derives eligible batch/route pairs and checks that every mandatory
// requirement can be reached at all. p must already carry defaults (AsOf set).
func BuildModel(batches []Batch, routes []Route, demand []Demand, p Parameters) (*Model, error) {
	m := &Model{
		Batches:   batches,
		Routes:    routes,
		Params:    p,
		BatchArcs: make([][]int, len(batches)),
		RouteArcs: make([][]int, len(routes)),
	}
	groupIdx := map[string]int{}
	for _, d := range demand {
		k := groupKey(d.Destination, d.Product)
		gi, ok := groupIdx[k]
		if !ok {
			groupIdx[k] = len(m.Groups)
			m.Groups = append(m.Groups, Group{Destination: d.Destination, Product: d.Product, Required: d.Quantity, DueAt: d.DueAt, Optional: d.Optional, Priority: d.Priority})
			continue
		}
		g := &m.Groups[gi]
		g.Required += d.Quantity
		if !d.DueAt.IsZero() && (g.DueAt.IsZero() || d.DueAt.Before(g.DueAt)) {
			g.DueAt = d.DueAt
		}
		// a merged requirement is mandatory if any part of it is
		g.Optional = g.Optional && d.Optional
		if p.priorityWeight(d.Priority) > p.priorityWeight(g.Priority) {
			g.Priority = d.Priority
		}
	}
	m.GroupArcs = make([][]int, len(m.Groups))

	for bi, b := range batches {
		daysLeft := b.DaysUntilExpiry(p.AsOf)
		if daysLeft <= 0 {
			m.Excluded = append(m.Excluded, Exclusion{BatchID: b.ID, Reason: fmt.Sprintf("expired on %s", b.ExpiresAt.Format(time.DateOnly))})
			continue
		}
		for ri, r := range routes {
			if r.Origin != b.Origin || !r.Accepts(b.Storage) {
				continue
			}
			gi, ok := groupIdx[groupKey(r.Destination, b.Product)]
			if !ok {
				continue
			}
			if r.TransitDays() > daysLeft {
				continue
			}
			g := m.Groups[gi]
			arrival := p.AsOf.Add(r.Transit)
			a := Arc{
				Batch:  bi,
				Route:  ri,
				Group:  gi,
				Risk:    RiskFactor(r.TransitDays(), daysLeft, p.SafetyMargin, p.MaxRisk),
				OnTime:  g.DueAt.IsZero() || !arrival.After(g.DueAt),
				Urgency: p.priorityWeight(g.Priority) * r.TransitDays(),
			}
			ai := len(m.Arcs)
			m.Arcs = append(m.Arcs, a)
			m.BatchArcs[bi] = append(m.BatchArcs[bi], ai)
			m.RouteArcs[ri] = append(m.RouteArcs[ri], ai)
			m.GroupArcs[gi] = append(m.GroupArcs[gi], ai)
		}
	}
	if err := m.precheck(); err != nil {
		return m, err
	}
	return m, nil
}

// precheck rejects models whose mandatory demand obviously cannot be met.
// Subtler infeasibility is left to the LP diagnosis.
func (m *Model) precheck() error {
	totalRequired := 0
	routesUsed := map[int]struct{}{}
	productRequired := map[string]int{}
	productBatches := map[string]map[int]struct{}{}
	for gi, g := range m.Groups {
		if g.Optional {
			continue
		}
		arcs := m.GroupArcs[gi]
		if len(arcs) == 0 {
			return &InfeasibleModelError{Class: ClassCoverage, Group: g.Key(), Detail: "no eligible route reaches the destination with a compatible, unexpired batch"}
		}
		routeCap, supply := 0, 0
		seenR, seenB := map[int]struct{}{}, map[int]struct{}{}
		if productBatches[g.Product] == nil {
			productBatches[g.Product] = map[int]struct{}{}
		}
		for _, ai := range arcs {
			a := m.Arcs[ai]
			if _, ok := seenR[a.Route]; !ok {
				seenR[a.Route] = struct{}{}
				routeCap += m.Routes[a.Route].Capacity
			}
			if _, ok := seenB[a.Batch]; !ok {
				seenB[a.Batch] = struct{}{}
				supply += m.Batches[a.Batch].Quantity
			}
			routesUsed[a.Route] = struct{}{}
			productBatches[g.Product][a.Batch] = struct{}{}
		}
		if routeCap < g.Required {
			return &InfeasibleModelError{Class: ClassCapacity, Group: g.Key(), Detail: fmt.Sprintf("eligible route capacity %d below required %d", routeCap, g.Required)}
		}
		if supply < g.Required {
			return &InfeasibleModelError{Class: ClassSupply, Group: g.Key(), Detail: fmt.Sprintf("eligible batch quantity %d below required %d", supply, g.Required)}
		}
		totalRequired += g.Required
		productRequired[g.Product] += g.Required
	}
	totalCap := 0
	for ri := range routesUsed {
		totalCap += m.Routes[ri].Capacity
	}
	if totalCap < totalRequired {
		return &InfeasibleModelError{Class: ClassCapacity, Detail: fmt.Sprintf("total eligible route capacity %d below mandatory demand %d", totalCap, totalRequired)}
	}
	checked := map[string]struct{}{}
	for _, g := range m.Groups {
		product := g.Product
		if _, done := checked[product]; done || g.Optional {
			continue
		}
		checked[product] = struct{}{}
		req := productRequired[product]
		supply := 0
		for bi := range productBatches[product] {
			supply += m.Batches[bi].Quantity
		}
		if supply < req {
			return &InfeasibleModelError{Class: ClassSupply, Group: product, Detail: fmt.Sprintf("eligible quantity %d below mandatory demand %d", supply, req)}
		}
	}
	return nil
}

func (m *Model) mandatoryRequired() int {
	n := 0
	for _, g := range m.Groups {
		if !g.Optional {
			n += g.Required
		}
	}
	return n
}

// Assignments lists the arcs with a positive quantity. Each batch/route pair
// has at most one arc, since a route serves one destination and a batch holds
// one product.
func (m *Model) Assignments(alloc []int) []Assignment {
	out := []Assignment{}
	for ai, q := range alloc {
		if q <= 0 {
			continue
		}
		a := m.Arcs[ai]
		out = append(out, Assignment{BatchID: m.Batches[a.Batch].ID, RouteID: m.Routes[a.Route].ID, Quantity: q})
	}
	return out
}

// routesUsed counts distinct routes carrying a positive quantity.
func (m *Model) routesUsed(alloc []int) int {
	seen := map[int]struct{}{}
	for ai, q := range alloc {
		if q > 0 {
			seen[m.Arcs[ai].Route] = struct{}{}
		}
	}
	return len(seen)
}
