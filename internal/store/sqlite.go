package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS optimization_runs (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        session_id TEXT NOT NULL,
        created_at TEXT NOT NULL,
        strategy TEXT NOT NULL,
        status TEXT NOT NULL,
        optimal INTEGER NOT NULL DEFAULT 0,
        objective REAL NOT NULL,
        total_cost REAL NOT NULL,
        risk_exposure REAL NOT NULL,
        on_time_rate REAL NOT NULL,
        avg_utilization REAL NOT NULL,
        shipped_quantity INTEGER NOT NULL,
        assignments INTEGER NOT NULL,
        solution TEXT NOT NULL
    )`,
	`CREATE INDEX IF NOT EXISTS optimization_runs_session_idx ON optimization_runs (session_id, seq DESC)`,
	`CREATE TABLE IF NOT EXISTS optimizer_config (
        tenant_id TEXT PRIMARY KEY,
        config TEXT NOT NULL,
        updated_at TEXT NOT NULL
    )`,
}

// NewSQLite opens (or creates) a SQLite database at path. ":memory:" gives a
// private in-process database.
func NewSQLite(ctx context.Context, path string) (*SQL, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	// one connection: writes are serialized and ":memory:" stays a single database
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify sqlite connection to %q: %w", path, err)
	}
	s := &SQL{db: db, driver: "sqlite"}
	if err := s.initSchema(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
