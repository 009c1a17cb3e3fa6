package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"pharmaopt/internal/auth"
	"pharmaopt/internal/config"
	"pharmaopt/internal/metrics"
	"pharmaopt/internal/opt"
	"pharmaopt/internal/session"
	"pharmaopt/internal/store"
	"pharmaopt/internal/webhooks"
)

type Server struct {
	Store  store.Store
	Orch   *opt.Orchestrator
	Broker EventBroker
	Logger *slog.Logger
	Config config.Config
	Pub    *webhooks.Publisher

	verifier *auth.Verifier
	limiter  *sessionLimiter
	closers  []func() error
}

// NewServer wires the store, event broker and orchestrator from cfg.
// DATABASE_URL selects Postgres, SQLITE_PATH selects SQLite, and otherwise
// history is kept in memory. REDIS_URL moves session locks and events to Redis.
func NewServer(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Config: cfg, Logger: logger, limiter: newSessionLimiter(cfg.RateRPS, cfg.RateBurst)}

	switch cfg.AuthMode {
	case "", "none", "header":
	default:
		v, err := auth.NewVerifier(cfg.AuthMode, cfg.Auth.HMACSecret, cfg.Auth.JWKSURL, cfg.Auth.TenantClaim, cfg.Auth.RoleClaim)
		if err != nil {
			return nil, err
		}
		s.verifier = v
	}

	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		s.Store = pg
	case strings.TrimSpace(cfg.SQLitePath) != "":
		sq, err := store.NewSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		s.Store = sq
	default:
		s.Store = store.NewMemory()
	}
	s.closers = append(s.closers, s.Store.Close)

	var locker opt.SessionLocker
	if cfg.RedisURL != "" {
		lockOpts := []session.Option{session.WithTTL(30 * time.Second)}
		if cfg.Optimizer.QueueRuns {
			lockOpts = append(lockOpts, session.WithQueue(100*time.Millisecond))
		}
		if rl, rdb, err := session.NewRedisLockerFromURL(cfg.RedisURL, lockOpts...); err == nil {
			s.closers = append(s.closers, rdb.Close)
			s.Broker = NewRedisBroker(rdb, logger)
			locker = rl
		} else {
			logger.Warn("invalid REDIS_URL; using in-process locks and events", "error", err)
		}
	}
	if locker == nil {
		s.Broker = NewBroker()
		locker = opt.NewMemoryLocker(cfg.Optimizer.QueueRuns)
	}

	opts := []opt.Option{
		opt.WithLocker(gaugedLocker{locker}),
		opt.WithLogger(logger),
		opt.WithEventObserver(s.publishPhase),
	}
	if !cfg.Optimizer.Fallback {
		opts = append(opts, opt.WithoutFallback())
	}
	s.Orch = opt.NewOrchestrator(opts...)

	if len(cfg.Webhooks.Targets) > 0 {
		targets := make([]webhooks.Target, 0, len(cfg.Webhooks.Targets))
		for _, t := range cfg.Webhooks.Targets {
			targets = append(targets, webhooks.Target{URL: t.URL, Secret: t.Secret, Events: t.Events})
		}
		s.Pub = webhooks.NewPublisher(targets, webhooks.NewWorker(cfg.Webhooks.MaxAttempts, logger))
	}
	return s, nil
}

// Start runs background workers until ctx is done.
func (s *Server) Start(ctx context.Context) {
	if s.Pub != nil {
		s.Pub.Queue.Start(ctx)
	}
}

// emit publishes a run event to stream subscribers and webhook targets.
func (s *Server) emit(ctx context.Context, tenant, key string, evt SSEEvent) {
	s.Broker.Publish(key, evt)
	s.Pub.Emit(ctx, tenant, evt.Type, evt.Data)
}

// Close releases the store and Redis connections.
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func (s *Server) publishPhase(evt opt.Event) {
	s.Broker.Publish(evt.Session, SSEEvent{Type: "run.phase", Data: map[string]any{
		"runId":    evt.RunID,
		"strategy": string(evt.Strategy),
		"phase":    string(evt.Phase),
		"at":       evt.At.UTC().Format(time.RFC3339Nano),
	}})
}

// gaugedLocker tracks runs holding a session in metrics.ActiveRuns.
type gaugedLocker struct{ opt.SessionLocker }

func (l gaugedLocker) Acquire(ctx context.Context, key string) (func(), error) {
	release, err := l.SessionLocker.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	metrics.ActiveRuns.Inc()
	return func() {
		metrics.ActiveRuns.Dec()
		release()
	}, nil
}
