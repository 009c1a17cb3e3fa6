package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmaopt/internal/config"
	"pharmaopt/internal/model"
	"pharmaopt/internal/opt"
	"pharmaopt/internal/store"
	"pharmaopt/internal/webhooks"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T, mutate ...func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.RateRPS = 0
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewServer(context.Background(), cfg, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestMux(s *Server) http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return Instrument(mux, discardLogger())
}

// optimizeBody builds the two-batch scenario: B1 is short dated, B2 long
// dated; R1 is slow and cheap, R2 fast and dear.
func optimizeBody(session string, demand int) []byte {
	body := map[string]any{
		"sessionId": session,
		"batches": []map[string]any{
			{"id": "B1", "product": "VAX", "quantity": 100, "manufactureDate": "2025-01-30", "expiryDate": "2025-03-04", "origin": "PLANT", "storageClass": "2-8C"},
			{"id": "B2", "product": "VAX", "quantity": 50, "manufactureDate": "2025-01-30", "expiryDate": "2025-03-11", "origin": "PLANT", "storageClass": "2-8C"},
		},
		"routes": []map[string]any{
			{"id": "R1", "origin": "PLANT", "destination": "HUB", "capacity": 80, "durationDays": 2, "unitCost": 10, "storageClasses": []string{"2-8C"}},
			{"id": "R2", "origin": "PLANT", "destination": "HUB", "capacity": 100, "durationDays": 1, "unitCost": 15, "storageClasses": []string{"2-8C"}},
		},
		"demand":     []map[string]any{{"destination": "HUB", "product": "VAX", "quantity": demand}},
		"parameters": map[string]any{"asOf": "2025-03-01", "monteCarloIterations": 50},
	}
	b, _ := json.Marshal(body)
	return b
}

func do(t *testing.T, h http.Handler, method, target string, body []byte, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) Problem {
	t.Helper()
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	var p Problem
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	return p
}

func TestHealthReady(t *testing.T) {
	h := newTestMux(newTestServer(t))
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/readyz", nil).Code)
}

func TestOptimizeAndHistory(t *testing.T) {
	h := newTestMux(newTestServer(t))

	rr := do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("s1", 130))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var sol model.SolutionOut
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sol))
	assert.Equal(t, "s1", sol.SessionID)
	assert.Equal(t, "optimal", sol.Status)
	assert.True(t, sol.Optimal)
	shipped := 0
	for _, a := range sol.Assignments {
		shipped += a.Quantity
	}
	assert.Equal(t, 130, shipped)
	require.NotNil(t, sol.KPIs.MonteCarlo)
	assert.Equal(t, 50, sol.KPIs.MonteCarlo.Iterations)

	rr = do(t, h, http.MethodGet, "/v1/runs?sessionId=s1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Items      []store.RunRecord `json:"items"`
		NextCursor string            `json:"nextCursor"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Items, 1)
	assert.Equal(t, sol.RunID, list.Items[0].ID)
	assert.Equal(t, "s1", list.Items[0].Session, "tenant prefix is not exposed")
	assert.Equal(t, 130, list.Items[0].ShippedQuantity)

	// another session sees nothing
	rr = do(t, h, http.MethodGet, "/v1/runs?sessionId=other", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Empty(t, list.Items)

	rr = do(t, h, http.MethodGet, "/v1/runs/"+sol.RunID+"?sessionId=s1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var rec store.RunRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	assert.NotEmpty(t, rec.Solution)

	rr = do(t, h, http.MethodGet, "/v1/runs/"+sol.RunID+"/export?sessionId=s1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(rr.Body.String()), "\n")
	assert.Equal(t, "run_id,batch_id,route_id,quantity", lines[0])
	assert.Len(t, lines, len(sol.Assignments)+1)

	rr = do(t, h, http.MethodGet, "/v1/runs/"+sol.RunID+"/export?sessionId=s1&format=summary", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Status: optimal")

	rr = do(t, h, http.MethodGet, "/v1/runs/"+sol.RunID+"/export?sessionId=s1&format=xml", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/v1/runs/missing?sessionId=s1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, h, http.MethodDelete, "/v1/runs?sessionId=s1", nil, "X-Role", "viewer")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodDelete, "/v1/runs?sessionId=s1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"deleted":1}`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/v1/runs?sessionId=s1", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Empty(t, list.Items)
}

func TestOptimizeHistoryIsTenantScoped(t *testing.T) {
	h := newTestMux(newTestServer(t))
	rr := do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("shared", 50), "X-Tenant-Id", "t_a")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var list struct {
		Items []store.RunRecord `json:"items"`
	}
	rr = do(t, h, http.MethodGet, "/v1/runs?sessionId=shared", nil, "X-Tenant-Id", "t_b")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Empty(t, list.Items)

	rr = do(t, h, http.MethodGet, "/v1/runs?sessionId=shared", nil, "X-Tenant-Id", "t_a")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list.Items, 1)
}

func TestOptimizeErrors(t *testing.T) {
	h := newTestMux(newTestServer(t))

	withParams := func(params map[string]any) []byte {
		var body map[string]any
		_ = json.Unmarshal(optimizeBody("s1", 130), &body)
		for k, v := range params {
			body["parameters"].(map[string]any)[k] = v
		}
		b, _ := json.Marshal(body)
		return b
	}
	badDate := func() []byte {
		var body map[string]any
		_ = json.Unmarshal(optimizeBody("s1", 130), &body)
		body["batches"].([]any)[0].(map[string]any)["expiryDate"] = "soon"
		b, _ := json.Marshal(body)
		return b
	}

	cases := []struct {
		name    string
		body    []byte
		headers []string
		status  int
		check   func(t *testing.T, p Problem)
	}{
		{name: "malformed json", body: []byte(`{"batches":`), status: http.StatusBadRequest},
		{name: "viewer cannot plan", body: optimizeBody("s1", 130), headers: []string{"X-Role", "viewer"}, status: http.StatusForbidden},
		{name: "bad session id", body: optimizeBody("bad id!", 130), status: http.StatusBadRequest},
		{
			name: "negative weight", body: withParams(map[string]any{"costWeight": -1}), status: http.StatusBadRequest,
			check: func(t *testing.T, p Problem) { assert.Equal(t, "costWeight", p.Field) },
		},
		{
			name: "unknown strategy", body: withParams(map[string]any{"strategy": "quantum"}), status: http.StatusBadRequest,
			check: func(t *testing.T, p Problem) { assert.Equal(t, "strategy", p.Field) },
		},
		{name: "monte carlo over cap", body: withParams(map[string]any{"monteCarloIterations": 200000}), status: http.StatusBadRequest},
		{
			name: "negative alpha", body: withParams(map[string]any{"alpha": -1}), status: http.StatusBadRequest,
			check: func(t *testing.T, p Problem) { assert.Equal(t, "alpha", p.Field) },
		},
		{
			name: "unknown priority weight", body: withParams(map[string]any{"priorityWeights": map[string]any{"urgent": 5}}), status: http.StatusBadRequest,
			check: func(t *testing.T, p Problem) { assert.Equal(t, "priorityWeights", p.Field) },
		},
		{
			name: "bad date", body: badDate(), status: http.StatusBadRequest,
			check: func(t *testing.T, p Problem) { assert.Equal(t, "batches[0].expiryDate", p.Field) },
		},
		{
			name: "supply shortfall", body: optimizeBody("s1", 170), status: http.StatusUnprocessableEntity,
			check: func(t *testing.T, p Problem) { assert.Equal(t, string(opt.ClassSupply), p.ConstraintClass) },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(t, h, http.MethodPost, "/v1/optimize", tc.body, tc.headers...)
			require.Equal(t, tc.status, rr.Code, rr.Body.String())
			p := decodeProblem(t, rr)
			assert.Equal(t, tc.status, p.Status)
			if tc.check != nil {
				tc.check(t, p)
			}
		})
	}

	rr := do(t, h, http.MethodGet, "/v1/optimize", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (func(), error) {
	return nil, opt.ErrRunInProgress
}

func TestOptimizeSessionBusy(t *testing.T) {
	s := newTestServer(t)
	s.Orch = opt.NewOrchestrator(opt.WithLocker(busyLocker{}))
	rr := do(t, newTestMux(s), http.MethodPost, "/v1/optimize", optimizeBody("s1", 130))
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Run in progress", decodeProblem(t, rr).Title)
}

func TestOptimizeRateLimited(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RateRPS, c.RateBurst = 0.001, 1 })
	h := newTestMux(s)
	rr := do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("s1", 50))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("s1", 50))
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	// limits are per session
	rr = do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("s2", 50))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestOptimizerConfig(t *testing.T) {
	h := newTestMux(newTestServer(t))

	rr := do(t, h, http.MethodGet, "/v1/admin/optimizer/config", nil, "X-Role", "planner")
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPut, "/v1/admin/optimizer/config", []byte(`{"config":{"costWeight":-1}}`))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "costWeight", decodeProblem(t, rr).Field)

	rr = do(t, h, http.MethodPut, "/v1/admin/optimizer/config", []byte(`{"config":{"bogus":1}}`))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "config", decodeProblem(t, rr).Field)

	rr = do(t, h, http.MethodPut, "/v1/admin/optimizer/config", []byte(`{"config":{"strategy":"heuristic","riskWeight":2}}`))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/v1/admin/optimizer/config", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"config":{"strategy":"heuristic","riskWeight":2}}`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/v1/optimizer/config", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got struct {
		Defaults map[string]any `json:"defaults"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "heuristic", got.Defaults["strategy"])
	assert.Equal(t, 2.0, got.Defaults["riskWeight"])
	assert.Equal(t, 1.0, got.Defaults["costWeight"])

	// another tenant keeps the configured defaults
	rr = do(t, h, http.MethodGet, "/v1/optimizer/config", nil, "X-Tenant-Id", "t_other")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "exact", got.Defaults["strategy"])

	// runs for the tenant pick up the saved strategy
	rr = do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("s1", 130))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var sol model.SolutionOut
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sol))
	assert.Equal(t, "heuristic", sol.Search.Strategy)

	rr = do(t, h, http.MethodGet, "/v1/admin/run-stats?sessionId=s1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var stats struct {
		Strategies map[string]map[string]any `json:"strategies"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.Contains(t, stats.Strategies, "heuristic")
	assert.Equal(t, sol.RunID, stats.Strategies["heuristic"]["runId"])
}

func TestHeaderAuthMode(t *testing.T) {
	h := newTestMux(newTestServer(t, func(c *config.Config) { c.AuthMode = "header" }))
	rr := do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("s1", 50))
	assert.Equal(t, http.StatusForbidden, rr.Code, "no role means viewer")
	rr = do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("s1", 50), "X-Role", "planner")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestDocs(t *testing.T) {
	h := newTestMux(newTestServer(t))
	rr := do(t, h, http.MethodGet, "/openapi.yaml", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "/v1/optimize:")

	rr = do(t, h, http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))
	assert.Equal(t, "3.0.3", doc["openapi"])
	assert.Contains(t, doc["paths"], "/v1/runs/{id}/export")

	rr = do(t, h, http.MethodGet, "/debug/vars", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "postgres://")
}

func TestValidSessionID(t *testing.T) {
	for _, id := range []string{"", "s1", "plan-2025.03_A"} {
		assert.True(t, validSessionID(id), id)
	}
	for _, id := range []string{"bad id", "a/b", "ü", strings.Repeat("x", maxSessionIDLen+1)} {
		assert.False(t, validSessionID(id), id)
	}
}

func TestRouteLabel(t *testing.T) {
	for in, want := range map[string]string{
		"/v1/optimize":         "/v1/optimize",
		"/v1/runs/":            "/v1/runs",
		"/v1/runs/abc":         "/v1/runs/{id}",
		"/v1/runs/abc/export":  "/v1/runs/{id}/export",
		"/v1/runs/abc/export/": "/v1/runs/{id}/export",
		"/v1/admin/run-stats":  "/v1/admin/run-stats",
	} {
		assert.Equal(t, want, routeLabel(in), fmt.Sprintf("routeLabel(%q)", in))
	}
}

func TestSessionLimiter(t *testing.T) {
	off := newSessionLimiter(0, 0)
	for i := 0; i < 5; i++ {
		assert.True(t, off.allow("k"))
	}
	l := newSessionLimiter(0.001, 1)
	assert.True(t, l.allow("a"))
	assert.False(t, l.allow("a"))
	assert.True(t, l.allow("b"))
}

func TestTokenAuth(t *testing.T) {
	h := newTestMux(newTestServer(t, func(c *config.Config) { c.AuthMode = "dev" }))

	rr := do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("s1", 50))
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "Bearer", rr.Header().Get("WWW-Authenticate"))

	rr = do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("s1", 50), "Authorization", "Bearer garbage")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// headers cannot widen what the token grants
	rr = do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("s1", 50), "Authorization", "Bearer t_x:viewer", "X-Role", "admin")
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("s1", 50), "Authorization", "Bearer t_x:planner")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var list struct {
		Items []store.RunRecord `json:"items"`
	}
	rr = do(t, h, http.MethodGet, "/v1/runs?sessionId=s1&access_token=t_x:viewer", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list.Items, 1)

	// health stays open
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", nil).Code)
}

func TestNewServerRejectsIncompleteAuth(t *testing.T) {
	cfg := config.Default()
	cfg.AuthMode = "hmac"
	_, err := NewServer(context.Background(), cfg, discardLogger())
	assert.ErrorContains(t, err, "AUTH_HMAC_SECRET")
}

func TestRunWebhooks(t *testing.T) {
	type hook struct {
		event, sig string
		body       []byte
	}
	got := make(chan hook, 4)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- hook{event: r.Header.Get("X-Event-Type"), sig: r.Header.Get(webhooks.SignatureHeader), body: b}
	}))
	defer target.Close()

	s := newTestServer(t, func(c *config.Config) {
		c.Webhooks.Targets = []config.WebhookTarget{{URL: target.URL, Secret: "whsec", Events: []string{"run.completed"}}}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	h := newTestMux(s)
	rr := do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("hooks", 170))
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code, "run.failed is not subscribed")
	rr = do(t, h, http.MethodPost, "/v1/optimize", optimizeBody("hooks", 130))
	require.Equal(t, http.StatusOK, rr.Code)

	select {
	case hk := <-got:
		assert.Equal(t, "run.completed", hk.event)
		assert.Equal(t, webhooks.Sign("whsec", hk.body), hk.sig)
		var payload struct {
			TenantID string         `json:"tenantId"`
			Data     map[string]any `json:"data"`
		}
		require.NoError(t, json.Unmarshal(hk.body, &payload))
		assert.Equal(t, "t_demo", payload.TenantID)
		assert.Equal(t, "hooks", payload.Data["sessionId"])
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not delivered")
	}
}
