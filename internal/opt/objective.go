package opt

// RiskFactor scores spoilage exposure for one unit shipped with transitDays of
// travel and daysLeft of shelf life. The factor is zero while the remaining
// shelf-life fraction on arrival exceeds margin and grows linearly to maxRisk
// as that fraction reaches zero.
func RiskFactor(transitDays, daysLeft, margin, maxRisk float64) float64 {
	if daysLeft <= 0 {
		return maxRisk
	}
	remaining := 1 - transitDays/daysLeft
	if remaining < 0 {
		remaining = 0
	}
	if remaining > margin {
		return 0
	}
	return maxRisk * (1 - remaining/margin)
}

// Objective is the weighted, minimized scalar:
//
//	cost_weight*cost + risk_weight*risk - service_weight*on_time_coverage + alpha*priority
type Objective struct {
	CostWeight    float64
	RiskWeight    float64
	ServiceWeight float64
	Alpha         float64
}

func ComposeObjective(p Parameters) Objective {
	return Objective{CostWeight: p.CostWeight, RiskWeight: p.RiskWeight, ServiceWeight: p.ServiceWeight, Alpha: p.Alpha}
}

// ArcCoefficient is the per-unit cost, risk and priority contribution of an
// arc. Coverage is credited per group, not per arc.
func (o Objective) ArcCoefficient(m *Model, a Arc) float64 {
	return o.CostWeight*m.Routes[a.Route].UnitCost + o.RiskWeight*a.Risk + o.Alpha*a.Urgency
}

func (o Objective) Value(t ObjectiveTerms) float64 {
	return o.CostWeight*t.Cost + o.RiskWeight*t.Risk - o.ServiceWeight*t.Coverage + o.Alpha*t.Priority
}

// Terms computes the unweighted components for an allocation. On-time
// coverage of a group is capped at its required quantity.
func (o Objective) Terms(m *Model, alloc []int) ObjectiveTerms {
	var t ObjectiveTerms
	onTime := make([]int, len(m.Groups))
	for ai, q := range alloc {
		if q <= 0 {
			continue
		}
		a := m.Arcs[ai]
		t.Cost += float64(q) * m.Routes[a.Route].UnitCost
		t.Risk += float64(q) * a.Risk
		t.Priority += float64(q) * a.Urgency
		if a.OnTime {
			onTime[a.Group] += q
		}
	}
	for gi, g := range m.Groups {
		t.Coverage += float64(min(onTime[gi], g.Required))
	}
	return t
}

func (o Objective) Evaluate(m *Model, alloc []int) (float64, ObjectiveTerms) {
	t := o.Terms(m, alloc)
	return o.Value(t), t
}
