package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmaopt/internal/opt"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultsMatchParameters(t *testing.T) {
	p := Default().Optimizer.Parameters()
	assert.Equal(t, opt.DefaultParameters(), p)
	assert.NoError(t, p.Validate())
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "optimizer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
optimizer:
  timeLimit: 2s
  strategy: heuristic
  riskWeight: 3.5
  queueRuns: true
  alpha: 0.05
  priorityWeights:
    Critical: 5000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.Optimizer.TimeLimit)
	assert.Equal(t, "heuristic", cfg.Optimizer.Strategy)
	assert.Equal(t, 3.5, cfg.Optimizer.RiskWeight)
	assert.Equal(t, 1.0, cfg.Optimizer.CostWeight, "unset keys keep their default")
	assert.True(t, cfg.Optimizer.QueueRuns)
	assert.True(t, cfg.Optimizer.Fallback)

	p := cfg.Optimizer.Parameters()
	assert.Equal(t, 0.05, p.Alpha)
	assert.Equal(t, 5000.0, p.PriorityWeights[opt.PriorityCritical])
	assert.Equal(t, 100.0, p.PriorityWeights[opt.PriorityHigh], "unnamed priorities keep their default")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, envMap(map[string]string{
		"PORT":           "7000",
		"REDIS_URL":      "redis://localhost:6379/0",
		"RATE_RPS":       "2.5",
		"RATE_BURST":     "4",
		"OPT_TIME_LIMIT": "750ms",
		"OPT_STRATEGY":   "heuristic",
		"OPT_QUEUE_RUNS": "true",
	}))
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 2.5, cfg.RateRPS)
	assert.Equal(t, 4, cfg.RateBurst)
	assert.Equal(t, 750*time.Millisecond, cfg.Optimizer.TimeLimit)
	assert.Equal(t, "heuristic", cfg.Optimizer.Strategy)
	assert.True(t, cfg.Optimizer.QueueRuns)

	err = applyEnv(&cfg, envMap(map[string]string{"RATE_BURST": "many"}))
	assert.ErrorContains(t, err, "RATE_BURST")
}

func TestApplyEnvAuthAndWebhooks(t *testing.T) {
	cfg := Default()
	cfg.Webhooks.Targets = []WebhookTarget{{URL: "https://file.example/hook"}}
	err := applyEnv(&cfg, envMap(map[string]string{
		"AUTH_MODE":            "hmac",
		"AUTH_HMAC_SECRET":     "s3cret",
		"WEBHOOK_URL":          "https://env.example/hook",
		"WEBHOOK_SECRET":       "whsec",
		"WEBHOOK_MAX_ATTEMPTS": "3",
	}))
	require.NoError(t, err)
	assert.Equal(t, "hmac", cfg.AuthMode)
	assert.Equal(t, "s3cret", cfg.Auth.HMACSecret)
	assert.Equal(t, "tenant", cfg.Auth.TenantClaim)
	assert.Equal(t, 3, cfg.Webhooks.MaxAttempts)
	require.Len(t, cfg.Webhooks.Targets, 2)
	assert.Equal(t, WebhookTarget{URL: "https://env.example/hook", Secret: "whsec"}, cfg.Webhooks.Targets[1])

	err = applyEnv(&cfg, envMap(map[string]string{"WEBHOOK_MAX_ATTEMPTS": "0"}))
	assert.ErrorContains(t, err, "WEBHOOK_MAX_ATTEMPTS")
}
