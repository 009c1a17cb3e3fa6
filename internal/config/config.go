// Package config loads service settings: built-in defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"pharmaopt/internal/opt"
)

type Config struct {
	Port        string  `yaml:"port"`
	DatabaseURL string  `yaml:"databaseUrl"`
	SQLitePath  string  `yaml:"sqlitePath"`
	RedisURL    string  `yaml:"redisUrl"`
	RateRPS     float64 `yaml:"rateRps"`
	RateBurst   int     `yaml:"rateBurst"`
	LogLevel    string  `yaml:"logLevel"`
	AuthMode    string  `yaml:"authMode"` // none, header, dev, hmac or jwks

	Auth      Auth      `yaml:"auth"`
	Webhooks  Webhooks  `yaml:"webhooks"`
	Optimizer Optimizer `yaml:"optimizer"`
}

// Auth configures bearer-token verification for the dev, hmac and jwks modes.
type Auth struct {
	HMACSecret  string `yaml:"hmacSecret"`
	JWKSURL     string `yaml:"jwksUrl"`
	TenantClaim string `yaml:"tenantClaim"`
	RoleClaim   string `yaml:"roleClaim"`
}

// Webhooks configures run notifications.
type Webhooks struct {
	MaxAttempts int             `yaml:"maxAttempts"`
	Targets     []WebhookTarget `yaml:"targets"`
}

type WebhookTarget struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"` // empty means all run events
}

// Optimizer holds default run parameters. Requests and per-tenant config overlay them.
type Optimizer struct {
	TimeLimit            time.Duration `yaml:"timeLimit"`
	Strategy             string        `yaml:"strategy"`
	CostWeight           float64       `yaml:"costWeight"`
	RiskWeight           float64       `yaml:"riskWeight"`
	ServiceWeight        float64       `yaml:"serviceWeight"`
	SafetyMargin         float64       `yaml:"safetyMargin"`
	MaxRisk              float64       `yaml:"maxRisk"`
	OptimalityGap        float64       `yaml:"optimalityGap"`
	DisallowOverSupply   bool          `yaml:"disallowOverSupply"`
	MonteCarloIterations int           `yaml:"monteCarloIterations"`
	OTIFTarget           float64       `yaml:"otifTarget"`
	Seed                 int64         `yaml:"seed"`
	QueueRuns            bool          `yaml:"queueRuns"` // wait for a busy session instead of rejecting
	Fallback             bool          `yaml:"fallback"`

	Alpha           float64            `yaml:"alpha"`
	PriorityWeights map[string]float64 `yaml:"priorityWeights"` // keys: critical, high, medium, low
}

// Parameters converts the defaults into run parameters.
func (o Optimizer) Parameters() opt.Parameters {
	return opt.Parameters{
		TimeLimit:            o.TimeLimit,
		CostWeight:           o.CostWeight,
		RiskWeight:           o.RiskWeight,
		ServiceWeight:        o.ServiceWeight,
		Strategy:             opt.Strategy(o.Strategy),
		SafetyMargin:         o.SafetyMargin,
		MaxRisk:              o.MaxRisk,
		OptimalityGap:        o.OptimalityGap,
		DisallowOverSupply:   o.DisallowOverSupply,
		MonteCarloIterations: o.MonteCarloIterations,
		OTIFTarget:           o.OTIFTarget,
		Seed:                 o.Seed,
		Alpha:                o.Alpha,
		PriorityWeights:      priorityWeights(o.PriorityWeights),
	}
}

// priorityWeights lays the configured weights over the defaults so a file
// naming one priority keeps the others.
func priorityWeights(cfg map[string]float64) map[opt.Priority]float64 {
	out := opt.DefaultPriorityWeights()
	for k, v := range cfg {
		out[opt.Priority(strings.ToLower(k))] = v
	}
	return out
}

func Default() Config {
	p := opt.DefaultParameters()
	return Config{
		Port:      "8080",
		RateRPS:   5,
		RateBurst: 10,
		LogLevel:  "info",
		AuthMode:  "none",
		Auth:      Auth{TenantClaim: "tenant", RoleClaim: "role"},
		Webhooks:  Webhooks{MaxAttempts: 10},
		Optimizer: Optimizer{
			TimeLimit:            p.TimeLimit,
			Strategy:             string(p.Strategy),
			CostWeight:           p.CostWeight,
			RiskWeight:           p.RiskWeight,
			ServiceWeight:        p.ServiceWeight,
			SafetyMargin:         p.SafetyMargin,
			MaxRisk:              p.MaxRisk,
			OptimalityGap:        p.OptimalityGap,
			MonteCarloIterations: p.MonteCarloIterations,
			OTIFTarget:           p.OTIFTarget,
			Seed:                 p.Seed,
			Fallback:             true,
			Alpha:                p.Alpha,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FromEnv loads .env if present and then Load(PHARMAOPT_CONFIG).
func FromEnv() (Config, error) {
	_ = godotenv.Load()
	return Load(os.Getenv("PHARMAOPT_CONFIG"))
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("PORT", &cfg.Port)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("SQLITE_PATH", &cfg.SQLitePath)
	str("REDIS_URL", &cfg.RedisURL)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("AUTH_MODE", &cfg.AuthMode)
	str("OPT_STRATEGY", &cfg.Optimizer.Strategy)
	str("AUTH_HMAC_SECRET", &cfg.Auth.HMACSecret)
	str("AUTH_JWKS_URL", &cfg.Auth.JWKSURL)
	str("AUTH_TENANT_CLAIM", &cfg.Auth.TenantClaim)
	str("AUTH_ROLE_CLAIM", &cfg.Auth.RoleClaim)

	// a single target from the environment is appended to those in the file
	if v, ok := lookup("WEBHOOK_URL"); ok && strings.TrimSpace(v) != "" {
		t := WebhookTarget{URL: strings.TrimSpace(v)}
		str("WEBHOOK_SECRET", &t.Secret)
		cfg.Webhooks.Targets = append(cfg.Webhooks.Targets, t)
	}
	if v, ok := lookup("WEBHOOK_MAX_ATTEMPTS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS: must be a positive integer")
		}
		cfg.Webhooks.MaxAttempts = n
	}

	if v, ok := lookup("RATE_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_RPS: %w", err)
		}
		cfg.RateRPS = f
	}
	if v, ok := lookup("RATE_BURST"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_BURST: %w", err)
		}
		cfg.RateBurst = n
	}
	if v, ok := lookup("OPT_TIME_LIMIT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("OPT_TIME_LIMIT: %w", err)
		}
		cfg.Optimizer.TimeLimit = d
	}
	if v, ok := lookup("OPT_QUEUE_RUNS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OPT_QUEUE_RUNS: %w", err)
		}
		cfg.Optimizer.QueueRuns = b
	}
	return nil
}
