package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"pharmaopt/internal/model"
	"pharmaopt/internal/opt"
)

// RunRecord is one persisted optimization run. Summary columns are denormalized
// from Solution so history can be listed without decoding it.
type RunRecord struct {
	ID              string          `json:"id"`
	Session         string          `json:"sessionId"`
	CreatedAt       time.Time       `json:"createdAt"`
	Strategy        string          `json:"strategy"`
	Status          string          `json:"status"`
	Optimal         bool            `json:"optimal"`
	Objective       float64         `json:"objective"`
	TotalCost       float64         `json:"totalCost"`
	RiskExposure    float64         `json:"riskExposure"`
	OnTimeRate      float64         `json:"onTimeRate"`
	AvgUtilization  float64         `json:"averageUtilization"`
	ShippedQuantity int             `json:"shippedQuantity"`
	Assignments     int             `json:"assignments"`
	Solution        json.RawMessage `json:"solution,omitempty"`
}

// NewRunRecord captures sol for storage.
func NewRunRecord(session string, sol *opt.Solution) (RunRecord, error) {
	js, err := json.Marshal(model.SolutionFromDomain(session, sol))
	if err != nil {
		return RunRecord{}, err
	}
	return RunRecord{
		ID:              sol.RunID,
		Session:         session,
		CreatedAt:       sol.CreatedAt.UTC(),
		Strategy:        string(sol.Search.Strategy),
		Status:          string(sol.Status),
		Optimal:         sol.Optimal,
		Objective:       sol.Objective,
		TotalCost:       sol.KPIs.TotalCost,
		RiskExposure:    sol.KPIs.RiskExposure,
		OnTimeRate:      sol.KPIs.OnTimeRate,
		AvgUtilization:  sol.KPIs.AverageUtilization,
		ShippedQuantity: sol.KPIs.ShippedQuantity,
		Assignments:     len(sol.Assignments),
		Solution:        js,
	}, nil
}

// Store is the persistence interface used by the API server and CLI.
type Store interface {
	// Run history, newest first
	SaveRun(ctx context.Context, rec RunRecord) error
	GetRun(ctx context.Context, session, id string) (RunRecord, error)
	ListRuns(ctx context.Context, session, cursor string, limit int) ([]RunRecord, string, error)
	ClearRuns(ctx context.Context, session string) (int, error)

	// Optimizer config per tenant
	GetOptimizerConfig(ctx context.Context, tenantID string) (map[string]any, error)
	SaveOptimizerConfig(ctx context.Context, tenantID string, cfg map[string]any) error

	Ping(ctx context.Context) error
	Close() error
}

var ErrNotFound = errors.New("not found")

const (
	defaultLimit = 50
	maxLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}
