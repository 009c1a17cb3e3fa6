package opt

import (
	"math"
	"time"
)

// StorageClass is the cold-chain handling a batch requires (e.g. "ambient", "2-8C").
type StorageClass string

type Batch struct {
	ID             string
	Product        string
	Quantity       int
	ManufacturedAt time.Time
	ExpiresAt      time.Time
	Origin         string
	Storage        StorageClass
}

// DaysUntilExpiry is the remaining shelf life at asOf, in fractional days.
func (b Batch) DaysUntilExpiry(asOf time.Time) float64 {
	return b.ExpiresAt.Sub(asOf).Hours() / 24
}

// ShelfLifeDays is the total shelf life from manufacture to expiry.
func (b Batch) ShelfLifeDays() float64 {
	return b.ExpiresAt.Sub(b.ManufacturedAt).Hours() / 24
}

type Route struct {
	ID             string
	Origin         string
	Destination    string
	Capacity       int
	Transit        time.Duration
	UnitCost       float64
	StorageClasses []StorageClass // empty accepts any class
}

// TransitDays is the route duration in fractional days.
func (r Route) TransitDays() float64 { return r.Transit.Hours() / 24 }

// Accepts reports whether the route can carry goods of class c.
func (r Route) Accepts(c StorageClass) bool {
	if len(r.StorageClasses) == 0 {
		return true
	}
	for _, sc := range r.StorageClasses {
		if sc == c {
			return true
		}
	}
	return false
}

// Priority ranks a requirement. Each unit shipped into it pays
// Alpha*weight*transit_days, so urgent demand is pulled onto faster routes.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// DefaultPriorityWeights returns a fresh copy of the shipped priority weights.
func DefaultPriorityWeights() map[Priority]float64 {
	return map[Priority]float64{
		PriorityCritical: 1000,
		PriorityHigh:     100,
		PriorityMedium:   10,
		PriorityLow:      1,
	}
}

// Demand is a quantity of a product required at a destination.
// Requirements are mandatory unless Optional is set. A zero DueAt means any arrival is on time.
// Demand without a Priority carries no transit penalty.
type Demand struct {
	Destination string
	Product     string
	Quantity    int
	DueAt       time.Time
	Optional    bool
	Priority    Priority
}

type Strategy string

const (
	StrategyExact     Strategy = "exact"
	StrategyHeuristic Strategy = "heuristic"
)

// Parameters configures a single optimization run. There is no package-level
// configuration; every run carries its own copy.
type Parameters struct {
	TimeLimit     time.Duration
	CostWeight    float64
	RiskWeight    float64
	ServiceWeight float64
	Strategy      Strategy

	SafetyMargin         float64 // fraction of remaining shelf life below which risk grows
	MaxRisk              float64 // risk factor when no shelf life remains on arrival
	OptimalityGap        float64 // relative gap at which the exact search stops
	DisallowOverSupply   bool    // coverage rows become equalities
	AsOf                 time.Time
	MonteCarloIterations int
	OTIFTarget           float64
	Seed                 int64

	Alpha           float64              // scale of the priority transit penalty; 0 disables it
	PriorityWeights map[Priority]float64 // read-only once a run starts
}

// priorityWeight is zero for demand without a priority.
func (p Parameters) priorityWeight(pr Priority) float64 {
	if pr == "" {
		return 0
	}
	return p.PriorityWeights[pr]
}

// MaxMonteCarloIterations bounds the risk simulation of a single run.
const MaxMonteCarloIterations = 100000

// DefaultParameters mirrors the defaults shipped in config/optimizer.yaml.
func DefaultParameters() Parameters {
	return Parameters{
		TimeLimit:            10 * time.Second,
		CostWeight:           1,
		RiskWeight:           1,
		ServiceWeight:        1,
		Strategy:             StrategyExact,
		SafetyMargin:         0.5,
		MaxRisk:              1,
		MonteCarloIterations: 2000,
		OTIFTarget:           0.8,
		Seed:                 1,
		Alpha:                0.01,
		PriorityWeights:      DefaultPriorityWeights(),
	}
}

// withDefaults fills unset optional knobs. Weights and TimeLimit are left as given
// so that validation can reject them.
func (p Parameters) withDefaults(now time.Time) Parameters {
	if p.Strategy == "" {
		p.Strategy = StrategyExact
	}
	if p.SafetyMargin == 0 {
		p.SafetyMargin = 0.5
	}
	if p.MaxRisk == 0 {
		p.MaxRisk = 1
	}
	if p.OTIFTarget == 0 {
		p.OTIFTarget = 0.8
	}
	if p.Seed == 0 {
		p.Seed = 1
	}
	if p.AsOf.IsZero() {
		p.AsOf = now
	}
	if p.PriorityWeights == nil {
		p.PriorityWeights = DefaultPriorityWeights()
	}
	return p
}

// Assignment ships Quantity units of a batch over a route.
type Assignment struct {
	BatchID  string
	RouteID  string
	Quantity int
}

type Status string

const (
	StatusOptimal     Status = "optimal"
	StatusHeuristic   Status = "heuristic"
	StatusTimeBounded Status = "time_bounded"
)

// ObjectiveTerms are the unweighted components of the composed objective.
type ObjectiveTerms struct {
	Cost     float64
	Risk     float64
	Coverage float64
	Priority float64 // priority-weighted unit transit days
}

// SearchStats describes how a solution was found.
type SearchStats struct {
	Strategy   Strategy
	Nodes      int
	LPSolves   int
	Incumbents int
	Elapsed    time.Duration
	Fallback   Strategy // set when the orchestrator switched strategy
}

// Solution is the result of a run. It is assembled once by the orchestrator
// and must be treated as read-only by callers.
type Solution struct {
	RunID       string
	Assignments []Assignment
	Objective   float64
	Terms       ObjectiveTerms
	Optimal     bool
	Status      Status
	LowerBound  float64 // NaN when no bound was proven
	KPIs        KPIs
	Excluded    []Exclusion
	Search      SearchStats
	CreatedAt   time.Time
}

// Gap is the relative distance between objective and lower bound, or NaN when unknown.
func (s *Solution) Gap() float64 {
	if math.IsNaN(s.LowerBound) {
		return math.NaN()
	}
	return relGap(s.Objective, s.LowerBound)
}

func relGap(incumbent, bound float64) float64 {
	d := incumbent - bound
	if d <= 0 {
		return 0
	}
	return d / math.Max(1, math.Abs(incumbent))
}
