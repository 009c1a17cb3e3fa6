package api

import "net/http"

// Register mounts the API handlers on mux. Everything under /v1 goes through
// token authentication when it is enabled.
func (s *Server) Register(mux *http.ServeMux) {
	v1 := func(pattern string, h http.HandlerFunc) { mux.HandleFunc(pattern, s.authenticate(h)) }

	// Optimization
	v1("/v1/optimize", s.OptimizeHandler)
	v1("/v1/optimizer/config", s.OptimizerConfigHandler)
	v1("/v1/admin/optimizer/config", s.AdminOptimizerConfigHandler)
	v1("/v1/admin/run-stats", s.AdminRunStatsHandler)

	// Run history
	v1("/v1/runs", s.RunsHandler)
	v1("/v1/runs/", s.RunByIDHandler) // includes /export

	// Run events
	v1("/v1/events/stream", s.RunEventsStreamHandler)
	v1("/v1/events/ws", s.RunEventsWSHandler)

	// Health
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)

	// Docs
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("/docs", s.DocsHandler)
	mux.HandleFunc("/debug/vars", s.DebugJSON)
}
