package store

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS optimization_runs (
        seq BIGSERIAL PRIMARY KEY,
        id TEXT NOT NULL UNIQUE,
        session_id TEXT NOT NULL,
        created_at TEXT NOT NULL,
        strategy TEXT NOT NULL,
        status TEXT NOT NULL,
        optimal BOOLEAN NOT NULL DEFAULT FALSE,
        objective DOUBLE PRECISION NOT NULL,
        total_cost DOUBLE PRECISION NOT NULL,
        risk_exposure DOUBLE PRECISION NOT NULL,
        on_time_rate DOUBLE PRECISION NOT NULL,
        avg_utilization DOUBLE PRECISION NOT NULL,
        shipped_quantity INTEGER NOT NULL,
        assignments INTEGER NOT NULL,
        solution JSONB NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS optimization_runs_session_idx ON optimization_runs (session_id, seq DESC)`,
	`CREATE TABLE IF NOT EXISTS optimizer_config (
        tenant_id TEXT PRIMARY KEY,
        config JSONB NOT NULL,
        updated_at TEXT NOT NULL
    )`,
}

// NewPostgres connects through the pgx stdlib driver and creates the tables it needs.
func NewPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s := &SQL{db: db, driver: "pgx"}
	if err := s.initSchema(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
