package opt

type Disposition string

const (
	DispositionFull        Disposition = "fully_allocated"
	DispositionPartial     Disposition = "partially_allocated"
	DispositionUnallocated Disposition = "unallocated"
	DispositionExcluded    Disposition = "excluded"
)

type RouteUtilization struct {
	RouteID     string
	Allocated   int
	Capacity    int
	Utilization float64
}

type BatchDisposition struct {
	BatchID     string
	Allocated   int
	Quantity    int
	Disposition Disposition
	Reason      string
}

type GroupCoverage struct {
	Destination string
	Product     string
	Required    int
	Delivered   int
	OnTime      int
	Optional    bool
}

// KPIs summarize a solution for the dashboard.
type KPIs struct {
	Routes             []RouteUtilization
	Batches            []BatchDisposition
	Coverage           []GroupCoverage
	TotalCost          float64
	RiskExposure       float64
	ShippedQuantity    int
	RequiredQuantity   int
	OnTimeQuantity     int
	OnTimeRate         float64
	AverageUtilization float64 // over routes carrying goods
	Risk               *RiskAssessment
}

// Evaluate computes KPIs for an allocation over m. It has no side effects.
func Evaluate(m *Model, alloc []int) KPIs {
	k := KPIs{
		Routes:   make([]RouteUtilization, len(m.Routes)),
		Batches:  make([]BatchDisposition, len(m.Batches)),
		Coverage: make([]GroupCoverage, len(m.Groups)),
	}
	for ri, r := range m.Routes {
		k.Routes[ri] = RouteUtilization{RouteID: r.ID, Capacity: r.Capacity}
	}
	for bi, b := range m.Batches {
		k.Batches[bi] = BatchDisposition{BatchID: b.ID, Quantity: b.Quantity}
	}
	for gi, g := range m.Groups {
		k.Coverage[gi] = GroupCoverage{Destination: g.Destination, Product: g.Product, Required: g.Required, Optional: g.Optional}
	}
	for ai, q := range alloc {
		if q <= 0 {
			continue
		}
		a := m.Arcs[ai]
		k.Routes[a.Route].Allocated += q
		k.Batches[a.Batch].Allocated += q
		k.Coverage[a.Group].Delivered += q
		if a.OnTime {
			k.Coverage[a.Group].OnTime += q
		}
		k.TotalCost += float64(q) * m.Routes[a.Route].UnitCost
		k.RiskExposure += float64(q) * a.Risk
		k.ShippedQuantity += q
	}

	used, utilSum := 0, 0.0
	for i := range k.Routes {
		ru := &k.Routes[i]
		ru.Utilization = float64(ru.Allocated) / float64(ru.Capacity)
		if ru.Allocated > 0 {
			used++
			utilSum += ru.Utilization
		}
	}
	if used > 0 {
		k.AverageUtilization = utilSum / float64(used)
	}

	excluded := map[string]string{}
	for _, e := range m.Excluded {
		excluded[e.BatchID] = e.Reason
	}
	for i := range k.Batches {
		bd := &k.Batches[i]
		switch {
		case excluded[bd.BatchID] != "":
			bd.Disposition = DispositionExcluded
			bd.Reason = excluded[bd.BatchID]
		case bd.Allocated == 0:
			bd.Disposition = DispositionUnallocated
		case bd.Allocated < bd.Quantity:
			bd.Disposition = DispositionPartial
		default:
			bd.Disposition = DispositionFull
		}
	}

	for _, c := range k.Coverage {
		k.RequiredQuantity += c.Required
		k.OnTimeQuantity += min(c.OnTime, c.Required)
	}
	if k.RequiredQuantity > 0 {
		k.OnTimeRate = float64(k.OnTimeQuantity) / float64(k.RequiredQuantity)
	} else {
		k.OnTimeRate = 1
	}
	return k
}
