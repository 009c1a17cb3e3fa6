package api

import (
	"fmt"

	"pharmaopt/internal/model"
	"pharmaopt/internal/opt"
)

const (
	maxSessionIDLen = 128
	maxBatches      = 10000
	maxRoutes       = 5000
	maxDemandRows   = 10000
	maxTimeLimitMs  = 10 * 60 * 1000
)

func validSessionID(id string) bool {
	if len(id) > maxSessionIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// validateOptimizeRequest enforces transport-level limits. Domain validation
// happens in the optimizer.
func validateOptimizeRequest(req *model.OptimizeRequest) error {
	if !validSessionID(req.SessionID) {
		return fmt.Errorf("sessionId must be at most %d characters of [A-Za-z0-9._-]", maxSessionIDLen)
	}
	if len(req.Batches) > maxBatches {
		return fmt.Errorf("too many batches: %d (max %d)", len(req.Batches), maxBatches)
	}
	if len(req.Routes) > maxRoutes {
		return fmt.Errorf("too many routes: %d (max %d)", len(req.Routes), maxRoutes)
	}
	if len(req.Demand) > maxDemandRows {
		return fmt.Errorf("too many demand rows: %d (max %d)", len(req.Demand), maxDemandRows)
	}
	if req.Parameters.TimeLimitMs < 0 {
		return fmt.Errorf("timeLimitMs must be >= 0")
	}
	if req.Parameters.TimeLimitMs > maxTimeLimitMs {
		return fmt.Errorf("timeLimitMs must be <= %d", maxTimeLimitMs)
	}
	if n := req.Parameters.MonteCarloIterations; n != nil && (*n < 0 || *n > opt.MaxMonteCarloIterations) {
		return fmt.Errorf("monteCarloIterations must be in [0,%d]", opt.MaxMonteCarloIterations)
	}
	return nil
}
