package opt

import (
	"math"
	"math/rand"
	"sort"
)

// RiskAssessment is a Monte Carlo estimate of delivery reliability under
// normally distributed transit jitter (one day standard deviation).
type RiskAssessment struct {
	Iterations      int
	MeanOTIF        float64
	ProbBelowTarget float64
	MeanDelayDays   float64
	P95DelayDays    float64
	RiskScore       float64
}

// AssessRisk simulates every shipment with a due date. OTIF per iteration is the
// quantity-weighted share of shipments arriving by their due date. Returns nil
// when there is nothing to simulate.
func AssessRisk(m *Model, alloc []int, iterations int, target float64, seed int64) *RiskAssessment {
	type shipment struct {
		slack float64 // days between planned arrival and due date
		qty   float64
	}
	var ships []shipment
	total := 0.0
	for ai, q := range alloc {
		if q <= 0 {
			continue
		}
		a := m.Arcs[ai]
		g := m.Groups[a.Group]
		if g.DueAt.IsZero() {
			continue
		}
		due := g.DueAt.Sub(m.Params.AsOf).Hours() / 24
		ships = append(ships, shipment{slack: due - m.Routes[a.Route].TransitDays(), qty: float64(q)})
		total += float64(q)
	}
	if iterations <= 0 || len(ships) == 0 {
		return nil
	}

	rng := rand.New(rand.NewSource(seed))
	otif := make([]float64, iterations)
	delays := make([]float64, iterations)
	for it := 0; it < iterations; it++ {
		onTime, delay := 0.0, 0.0
		for _, s := range ships {
			late := rng.NormFloat64() - s.slack
			if late <= 0 {
				onTime += s.qty
				continue
			}
			delay += late
		}
		otif[it] = onTime / total
		delays[it] = delay / float64(len(ships))
	}

	ra := &RiskAssessment{Iterations: iterations}
	below := 0
	for it := range otif {
		ra.MeanOTIF += otif[it]
		ra.MeanDelayDays += delays[it]
		if otif[it] < target {
			below++
		}
	}
	n := float64(iterations)
	ra.MeanOTIF /= n
	ra.MeanDelayDays /= n
	ra.ProbBelowTarget = float64(below) / n
	sort.Float64s(delays)
	ra.P95DelayDays = percentile(delays, 0.95)
	ra.RiskScore = (1-ra.MeanOTIF)*50 + math.Min(ra.MeanDelayDays*5, 50)
	return ra
}

// percentile uses linear interpolation between closest ranks on sorted data.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
