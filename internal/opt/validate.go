package opt

import (
	"math"
	"strings"
)

// Validate checks run parameters. It assumes defaults were already applied.
func (p Parameters) Validate() error {
	if p.TimeLimit <= 0 {
		return invalid("timeLimit", "must be > 0")
	}
	weights := []struct {
		name string
		v    float64
	}{{"costWeight", p.CostWeight}, {"riskWeight", p.RiskWeight}, {"serviceWeight", p.ServiceWeight}}
	for _, w := range weights {
		if math.IsNaN(w.v) || math.IsInf(w.v, 0) || w.v < 0 {
			return invalid(w.name, "must be a finite number >= 0")
		}
	}
	switch p.Strategy {
	case StrategyExact, StrategyHeuristic:
	default:
		return invalid("strategy", "unknown strategy %q (allowed: exact, heuristic)", p.Strategy)
	}
	if !(p.SafetyMargin > 0 && p.SafetyMargin <= 1) {
		return invalid("safetyMargin", "must be in (0,1]")
	}
	if !(p.MaxRisk > 0) || math.IsInf(p.MaxRisk, 0) {
		return invalid("maxRisk", "must be a finite number > 0")
	}
	if p.OptimalityGap < 0 || math.IsNaN(p.OptimalityGap) {
		return invalid("optimalityGap", "must be >= 0")
	}
	if p.MonteCarloIterations < 0 || p.MonteCarloIterations > MaxMonteCarloIterations {
		return invalid("monteCarloIterations", "must be in [0,%d]", MaxMonteCarloIterations)
	}
	if !(p.OTIFTarget > 0 && p.OTIFTarget <= 1) {
		return invalid("otifTarget", "must be in (0,1]")
	}
	if math.IsNaN(p.Alpha) || math.IsInf(p.Alpha, 0) || p.Alpha < 0 {
		return invalid("alpha", "must be a finite number >= 0")
	}
	for pr, w := range p.PriorityWeights {
		if !pr.known() {
			return invalid("priorityWeights", "unknown priority %q (allowed: critical, high, medium, low)", pr)
		}
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return invalid("priorityWeights", "weight for %s must be a finite number >= 0", pr)
		}
	}
	return nil
}

func (pr Priority) known() bool {
	switch pr {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

func (b Batch) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return invalid("batch.id", "required")
	}
	if strings.TrimSpace(b.Product) == "" {
		return invalid("batch.product", "required for batch %s", b.ID)
	}
	if b.Quantity <= 0 {
		return invalid("batch.quantity", "must be > 0 for batch %s", b.ID)
	}
	if b.ExpiresAt.IsZero() || b.ManufacturedAt.IsZero() {
		return invalid("batch.dates", "manufacture and expiry dates required for batch %s", b.ID)
	}
	if !b.ExpiresAt.After(b.ManufacturedAt) {
		return invalid("batch.expiryDate", "must be after manufacture date for batch %s", b.ID)
	}
	if strings.TrimSpace(b.Origin) == "" {
		return invalid("batch.origin", "required for batch %s", b.ID)
	}
	return nil
}

func (r Route) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return invalid("route.id", "required")
	}
	if r.Origin == "" || r.Destination == "" {
		return invalid("route.endpoints", "origin and destination required for route %s", r.ID)
	}
	if r.Capacity <= 0 {
		return invalid("route.capacity", "must be > 0 for route %s", r.ID)
	}
	if r.Transit <= 0 {
		return invalid("route.duration", "must be > 0 for route %s", r.ID)
	}
	if r.UnitCost < 0 || math.IsNaN(r.UnitCost) || math.IsInf(r.UnitCost, 0) {
		return invalid("route.unitCost", "must be a finite number >= 0 for route %s", r.ID)
	}
	return nil
}

func (d Demand) Validate() error {
	if d.Destination == "" || d.Product == "" {
		return invalid("demand", "destination and product required")
	}
	if d.Quantity <= 0 {
		return invalid("demand.quantity", "must be > 0 for %s", groupKey(d.Destination, d.Product))
	}
	if d.Priority != "" && !d.Priority.known() {
		return invalid("demand.priority", "unknown priority %q for %s", d.Priority, groupKey(d.Destination, d.Product))
	}
	return nil
}

// ValidateInput checks every entity and rejects duplicate identifiers.
func ValidateInput(batches []Batch, routes []Route, demand []Demand) error {
	seen := make(map[string]struct{}, len(batches))
	for _, b := range batches {
		if err := b.Validate(); err != nil {
			return err
		}
		if _, dup := seen[b.ID]; dup {
			return invalid("batch.id", "duplicate batch %s", b.ID)
		}
		seen[b.ID] = struct{}{}
	}
	seen = make(map[string]struct{}, len(routes))
	for _, r := range routes {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := seen[r.ID]; dup {
			return invalid("route.id", "duplicate route %s", r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	for _, d := range demand {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}
