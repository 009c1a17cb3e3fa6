package api

import (
	"net/http"
	"time"

	"pharmaopt/internal/buildinfo"
)

// DebugJSON reports build info and a secret-free summary of the running config.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	c := s.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":             c.Port,
			"rateRps":          c.RateRPS,
			"rateBurst":        c.RateBurst,
			"logLevel":         c.LogLevel,
			"authMode":         c.AuthMode,
			"hasDatabaseUrl":   c.DatabaseURL != "",
			"sqlitePath":       c.SQLitePath,
			"hasRedisUrl":      c.RedisURL != "",
			"strategy":         c.Optimizer.Strategy,
			"timeLimit":        c.Optimizer.TimeLimit.String(),
			"queueRuns":        c.Optimizer.QueueRuns,
			"fallback":         c.Optimizer.Fallback,
			"monteCarloRounds": c.Optimizer.MonteCarloIterations,
		},
	})
}
