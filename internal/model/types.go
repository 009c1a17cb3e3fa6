package model

import (
	"fmt"
	"math"
	"strings"
	"time"

	"pharmaopt/internal/opt"
)

// Wire types for the HTTP API. Dates are "2006-01-02" or RFC3339.

type BatchIn struct {
	ID              string `json:"id"`
	Product         string `json:"product"`
	Quantity        int    `json:"quantity"`
	ManufactureDate string `json:"manufactureDate"`
	ExpiryDate      string `json:"expiryDate"`
	Origin          string `json:"origin"`
	StorageClass    string `json:"storageClass,omitempty"`
}

type RouteIn struct {
	ID             string   `json:"id"`
	Origin         string   `json:"origin"`
	Destination    string   `json:"destination"`
	Capacity       int      `json:"capacity"`
	DurationDays   float64  `json:"durationDays"`
	UnitCost       float64  `json:"unitCost"`
	StorageClasses []string `json:"storageClasses,omitempty"`
}

type DemandIn struct {
	Destination string `json:"destination"`
	Product     string `json:"product"`
	Quantity    int    `json:"quantity"`
	DueDate     string `json:"dueDate,omitempty"`
	Optional    bool   `json:"optional,omitempty"`
	Priority    string `json:"priority,omitempty"` // critical, high, medium or low
}

// ParametersIn overlays run parameters; nil fields keep the configured default.
type ParametersIn struct {
	TimeLimitMs          int      `json:"timeLimitMs,omitempty"`
	CostWeight           *float64 `json:"costWeight,omitempty"`
	RiskWeight           *float64 `json:"riskWeight,omitempty"`
	ServiceWeight        *float64 `json:"serviceWeight,omitempty"`
	Strategy             string   `json:"strategy,omitempty"`
	SafetyMargin         *float64 `json:"safetyMargin,omitempty"`
	MaxRisk              *float64 `json:"maxRisk,omitempty"`
	OptimalityGap        *float64 `json:"optimalityGap,omitempty"`
	DisallowOverSupply   *bool    `json:"disallowOverSupply,omitempty"`
	AsOf                 string   `json:"asOf,omitempty"`
	MonteCarloIterations *int     `json:"monteCarloIterations,omitempty"`
	OTIFTarget           *float64 `json:"otifTarget,omitempty"`
	Seed                 int64    `json:"seed,omitempty"`

	Alpha           *float64           `json:"alpha,omitempty"`
	PriorityWeights map[string]float64 `json:"priorityWeights,omitempty"` // merged over the defaults
}

type OptimizeRequest struct {
	SessionID  string       `json:"sessionId,omitempty"`
	Batches    []BatchIn    `json:"batches"`
	Routes     []RouteIn    `json:"routes"`
	Demand     []DemandIn   `json:"demand"`
	Parameters ParametersIn `json:"parameters"`
}

// ParseDate accepts a calendar date or an RFC3339 timestamp.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// Apply overlays p onto base.
func (p ParametersIn) Apply(base opt.Parameters) (opt.Parameters, error) {
	out := base
	if p.TimeLimitMs != 0 {
		out.TimeLimit = time.Duration(p.TimeLimitMs) * time.Millisecond
	}
	setF := func(dst *float64, v *float64) {
		if v != nil {
			*dst = *v
		}
	}
	setF(&out.CostWeight, p.CostWeight)
	setF(&out.RiskWeight, p.RiskWeight)
	setF(&out.ServiceWeight, p.ServiceWeight)
	setF(&out.SafetyMargin, p.SafetyMargin)
	setF(&out.MaxRisk, p.MaxRisk)
	setF(&out.OptimalityGap, p.OptimalityGap)
	setF(&out.OTIFTarget, p.OTIFTarget)
	setF(&out.Alpha, p.Alpha)
	if len(p.PriorityWeights) > 0 {
		merged := make(map[opt.Priority]float64, len(base.PriorityWeights)+len(p.PriorityWeights))
		for k, v := range base.PriorityWeights {
			merged[k] = v
		}
		for k, v := range p.PriorityWeights {
			merged[opt.Priority(strings.ToLower(k))] = v
		}
		out.PriorityWeights = merged
	}
	if p.Strategy != "" {
		out.Strategy = opt.Strategy(strings.ToLower(p.Strategy))
	}
	if p.DisallowOverSupply != nil {
		out.DisallowOverSupply = *p.DisallowOverSupply
	}
	if p.MonteCarloIterations != nil {
		out.MonteCarloIterations = *p.MonteCarloIterations
	}
	if p.Seed != 0 {
		out.Seed = p.Seed
	}
	if p.AsOf != "" {
		t, err := ParseDate(p.AsOf)
		if err != nil {
			return out, &opt.ValidationError{Field: "asOf", Message: err.Error()}
		}
		out.AsOf = t
	}
	return out, nil
}

// ToDomain converts wire entities, reporting the first unparsable field.
func (r OptimizeRequest) ToDomain() ([]opt.Batch, []opt.Route, []opt.Demand, error) {
	batches := make([]opt.Batch, 0, len(r.Batches))
	for i, b := range r.Batches {
		mfg, err := ParseDate(b.ManufactureDate)
		if err != nil {
			return nil, nil, nil, &opt.ValidationError{Field: fmt.Sprintf("batches[%d].manufactureDate", i), Message: err.Error()}
		}
		exp, err := ParseDate(b.ExpiryDate)
		if err != nil {
			return nil, nil, nil, &opt.ValidationError{Field: fmt.Sprintf("batches[%d].expiryDate", i), Message: err.Error()}
		}
		batches = append(batches, opt.Batch{
			ID: b.ID, Product: b.Product, Quantity: b.Quantity,
			ManufacturedAt: mfg, ExpiresAt: exp,
			Origin: b.Origin, Storage: opt.StorageClass(b.StorageClass),
		})
	}
	routes := make([]opt.Route, 0, len(r.Routes))
	for _, rt := range r.Routes {
		classes := make([]opt.StorageClass, 0, len(rt.StorageClasses))
		for _, c := range rt.StorageClasses {
			classes = append(classes, opt.StorageClass(c))
		}
		routes = append(routes, opt.Route{
			ID: rt.ID, Origin: rt.Origin, Destination: rt.Destination, Capacity: rt.Capacity,
			Transit:  time.Duration(rt.DurationDays * 24 * float64(time.Hour)),
			UnitCost: rt.UnitCost, StorageClasses: classes,
		})
	}
	demand := make([]opt.Demand, 0, len(r.Demand))
	for i, d := range r.Demand {
		var due time.Time
		if d.DueDate != "" {
			t, err := ParseDate(d.DueDate)
			if err != nil {
				return nil, nil, nil, &opt.ValidationError{Field: fmt.Sprintf("demand[%d].dueDate", i), Message: err.Error()}
			}
			due = t
		}
		demand = append(demand, opt.Demand{
			Destination: d.Destination, Product: d.Product, Quantity: d.Quantity, DueAt: due, Optional: d.Optional,
			Priority: opt.Priority(strings.ToLower(strings.TrimSpace(d.Priority))),
		})
	}
	return batches, routes, demand, nil
}

type AssignmentOut struct {
	BatchID  string `json:"batchId"`
	RouteID  string `json:"routeId"`
	Quantity int    `json:"quantity"`
}

type TermsOut struct {
	TransportCost   float64 `json:"transportCost"`
	SpoilageRisk    float64 `json:"spoilageRisk"`
	OnTimeCoverage  float64 `json:"onTimeCoverage"`
	PriorityPenalty float64 `json:"priorityPenalty"`
}

type RouteUtilizationOut struct {
	RouteID     string  `json:"routeId"`
	Allocated   int     `json:"allocated"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization"`
}

type BatchDispositionOut struct {
	BatchID     string `json:"batchId"`
	Allocated   int    `json:"allocated"`
	Quantity    int    `json:"quantity"`
	Disposition string `json:"disposition"`
	Reason      string `json:"reason,omitempty"`
}

type CoverageOut struct {
	Destination string `json:"destination"`
	Product     string `json:"product"`
	Required    int    `json:"required"`
	Delivered   int    `json:"delivered"`
	OnTime      int    `json:"onTime"`
	Optional    bool   `json:"optional,omitempty"`
}

type RiskOut struct {
	Iterations      int     `json:"iterations"`
	MeanOTIF        float64 `json:"meanOtif"`
	ProbBelowTarget float64 `json:"probabilityBelowTarget"`
	MeanDelayDays   float64 `json:"meanDelayDays"`
	P95DelayDays    float64 `json:"p95DelayDays"`
	RiskScore       float64 `json:"riskScore"`
}

type KPIsOut struct {
	TotalCost          float64               `json:"totalCost"`
	RiskExposure       float64               `json:"riskExposure"`
	ShippedQuantity    int                   `json:"shippedQuantity"`
	RequiredQuantity   int                   `json:"requiredQuantity"`
	OnTimeQuantity     int                   `json:"onTimeQuantity"`
	OnTimeRate         float64               `json:"onTimeRate"`
	AverageUtilization float64               `json:"averageUtilization"`
	Routes             []RouteUtilizationOut `json:"routes"`
	Batches            []BatchDispositionOut `json:"batches"`
	Coverage           []CoverageOut         `json:"coverage"`
	MonteCarlo         *RiskOut              `json:"monteCarlo,omitempty"`
}

type SearchOut struct {
	Strategy   string `json:"strategy"`
	Fallback   string `json:"fallback,omitempty"`
	Nodes      int    `json:"nodes"`
	LPSolves   int    `json:"lpSolves"`
	Incumbents int    `json:"incumbents"`
	ElapsedMs  int64  `json:"elapsedMs"`
}

type ExclusionOut struct {
	BatchID string `json:"batchId"`
	Reason  string `json:"reason"`
}

type SolutionOut struct {
	RunID       string          `json:"runId"`
	SessionID   string          `json:"sessionId,omitempty"`
	Status      string          `json:"status"`
	Optimal     bool            `json:"optimal"`
	TimedOut    bool            `json:"timedOut,omitempty"`
	Objective   float64         `json:"objective"`
	LowerBound  *float64        `json:"lowerBound,omitempty"`
	Gap         *float64        `json:"gap,omitempty"`
	Terms       TermsOut        `json:"terms"`
	Assignments []AssignmentOut `json:"assignments"`
	KPIs        KPIsOut         `json:"kpis"`
	Excluded    []ExclusionOut  `json:"excluded,omitempty"`
	Search      SearchOut       `json:"search"`
	CreatedAt   string          `json:"createdAt"`
}

func floatPtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// SolutionFromDomain renders sol for JSON.
func SolutionFromDomain(session string, sol *opt.Solution) SolutionOut {
	out := SolutionOut{
		RunID:      sol.RunID,
		SessionID:  session,
		Status:     string(sol.Status),
		Optimal:    sol.Optimal,
		TimedOut:   sol.Status == opt.StatusTimeBounded,
		Objective:  sol.Objective,
		LowerBound: floatPtr(sol.LowerBound),
		Gap:        floatPtr(sol.Gap()),
		Terms:      TermsOut{TransportCost: sol.Terms.Cost, SpoilageRisk: sol.Terms.Risk, OnTimeCoverage: sol.Terms.Coverage, PriorityPenalty: sol.Terms.Priority},
		Search: SearchOut{
			Strategy: string(sol.Search.Strategy), Fallback: string(sol.Search.Fallback),
			Nodes: sol.Search.Nodes, LPSolves: sol.Search.LPSolves, Incumbents: sol.Search.Incumbents,
			ElapsedMs: sol.Search.Elapsed.Milliseconds(),
		},
		CreatedAt: sol.CreatedAt.Format(time.RFC3339),
	}
	out.Assignments = make([]AssignmentOut, 0, len(sol.Assignments))
	for _, a := range sol.Assignments {
		out.Assignments = append(out.Assignments, AssignmentOut{BatchID: a.BatchID, RouteID: a.RouteID, Quantity: a.Quantity})
	}
	for _, e := range sol.Excluded {
		out.Excluded = append(out.Excluded, ExclusionOut{BatchID: e.BatchID, Reason: e.Reason})
	}
	k := sol.KPIs
	out.KPIs = KPIsOut{
		TotalCost: k.TotalCost, RiskExposure: k.RiskExposure,
		ShippedQuantity: k.ShippedQuantity, RequiredQuantity: k.RequiredQuantity,
		OnTimeQuantity: k.OnTimeQuantity, OnTimeRate: k.OnTimeRate,
		AverageUtilization: k.AverageUtilization,
		Routes:             make([]RouteUtilizationOut, 0, len(k.Routes)),
		Batches:            make([]BatchDispositionOut, 0, len(k.Batches)),
		Coverage:           make([]CoverageOut, 0, len(k.Coverage)),
	}
	for _, r := range k.Routes {
		out.KPIs.Routes = append(out.KPIs.Routes, RouteUtilizationOut(r))
	}
	for _, b := range k.Batches {
		out.KPIs.Batches = append(out.KPIs.Batches, BatchDispositionOut{BatchID: b.BatchID, Allocated: b.Allocated, Quantity: b.Quantity, Disposition: string(b.Disposition), Reason: b.Reason})
	}
	for _, c := range k.Coverage {
		out.KPIs.Coverage = append(out.KPIs.Coverage, CoverageOut(c))
	}
	if r := k.Risk; r != nil {
		out.KPIs.MonteCarlo = &RiskOut{Iterations: r.Iterations, MeanOTIF: r.MeanOTIF, ProbBelowTarget: r.ProbBelowTarget, MeanDelayDays: r.MeanDelayDays, P95DelayDays: r.P95DelayDays, RiskScore: r.RiskScore}
	}
	return out
}

// ToDomain rebuilds a Solution from its stored JSON form, for export and reporting.
func (s SolutionOut) ToDomain() (*opt.Solution, error) {
	created, err := time.Parse(time.RFC3339, s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("createdAt: %w", err)
	}
	sol := &opt.Solution{
		RunID:      s.RunID,
		Objective:  s.Objective,
		Terms:      opt.ObjectiveTerms{Cost: s.Terms.TransportCost, Risk: s.Terms.SpoilageRisk, Coverage: s.Terms.OnTimeCoverage, Priority: s.Terms.PriorityPenalty},
		Optimal:    s.Optimal,
		Status:     opt.Status(s.Status),
		LowerBound: math.NaN(),
		Search: opt.SearchStats{
			Strategy: opt.Strategy(s.Search.Strategy), Fallback: opt.Strategy(s.Search.Fallback),
			Nodes: s.Search.Nodes, LPSolves: s.Search.LPSolves, Incumbents: s.Search.Incumbents,
			Elapsed: time.Duration(s.Search.ElapsedMs) * time.Millisecond,
		},
		CreatedAt: created,
	}
	if s.LowerBound != nil {
		sol.LowerBound = *s.LowerBound
	}
	for _, a := range s.Assignments {
		sol.Assignments = append(sol.Assignments, opt.Assignment{BatchID: a.BatchID, RouteID: a.RouteID, Quantity: a.Quantity})
	}
	for _, e := range s.Excluded {
		sol.Excluded = append(sol.Excluded, opt.Exclusion{BatchID: e.BatchID, Reason: e.Reason})
	}
	k := s.KPIs
	sol.KPIs = opt.KPIs{
		TotalCost: k.TotalCost, RiskExposure: k.RiskExposure,
		ShippedQuantity: k.ShippedQuantity, RequiredQuantity: k.RequiredQuantity,
		OnTimeQuantity: k.OnTimeQuantity, OnTimeRate: k.OnTimeRate,
		AverageUtilization: k.AverageUtilization,
	}
	for _, r := range k.Routes {
		sol.KPIs.Routes = append(sol.KPIs.Routes, opt.RouteUtilization(r))
	}
	for _, b := range k.Batches {
		sol.KPIs.Batches = append(sol.KPIs.Batches, opt.BatchDisposition{BatchID: b.BatchID, Allocated: b.Allocated, Quantity: b.Quantity, Disposition: opt.Disposition(b.Disposition), Reason: b.Reason})
	}
	for _, c := range k.Coverage {
		sol.KPIs.Coverage = append(sol.KPIs.Coverage, opt.GroupCoverage(c))
	}
	if r := k.MonteCarlo; r != nil {
		sol.KPIs.Risk = &opt.RiskAssessment{Iterations: r.Iterations, MeanOTIF: r.MeanOTIF, ProbBelowTarget: r.ProbBelowTarget, MeanDelayDays: r.MeanDelayDays, P95DelayDays: r.P95DelayDays, RiskScore: r.RiskScore}
	}
	return sol, nil
}
