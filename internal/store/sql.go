package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SQL implements Store over database/sql. Queries are written with $n
// placeholders and rebound for drivers that only accept '?'.
type SQL struct {
	db     *sql.DB
	driver string
}

func (s *SQL) q(query string) string {
	if s.driver == "pgx" {
		return query
	}
	return rebind(query)
}

// rebind rewrites $1..$n placeholders to '?'. Each placeholder must appear once, in order.
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func (s *SQL) initSchema(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQL) Close() error                   { return s.db.Close() }

func (s *SQL) SaveRun(ctx context.Context, r RunRecord) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO optimization_runs
        (id, session_id, created_at, strategy, status, optimal, objective, total_cost, risk_exposure, on_time_rate, avg_utilization, shipped_quantity, assignments, solution)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`),
		r.ID, r.Session, r.CreatedAt.UTC().Format(time.RFC3339Nano), r.Strategy, r.Status, r.Optimal,
		r.Objective, r.TotalCost, r.RiskExposure, r.OnTimeRate, r.AvgUtilization, r.ShippedQuantity, r.Assignments,
		string(r.Solution))
	return err
}

const runColumns = `seq, id, session_id, created_at, strategy, status, optimal, objective, total_cost, risk_exposure, on_time_rate, avg_utilization, shipped_quantity, assignments`

type scanner interface{ Scan(dest ...any) error }

func scanRun(sc scanner, extra ...any) (RunRecord, int64, error) {
	var r RunRecord
	var seq int64
	var created string
	dest := append([]any{&seq, &r.ID, &r.Session, &created, &r.Strategy, &r.Status, &r.Optimal,
		&r.Objective, &r.TotalCost, &r.RiskExposure, &r.OnTimeRate, &r.AvgUtilization, &r.ShippedQuantity, &r.Assignments}, extra...)
	if err := sc.Scan(dest...); err != nil {
		return r, 0, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return r, 0, fmt.Errorf("run %s created_at: %w", r.ID, err)
	}
	r.CreatedAt = t
	return r, seq, nil
}

func (s *SQL) GetRun(ctx context.Context, session, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+runColumns+`, solution FROM optimization_runs WHERE session_id=$1 AND id=$2`), session, id)
	var js []byte
	r, _, err := scanRun(row, &js)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	if err != nil {
		return RunRecord{}, err
	}
	r.Solution = json.RawMessage(js)
	return r, nil
}

// ListRuns pages newest first; the cursor is the seq of the last item returned.
func (s *SQL) ListRuns(ctx context.Context, session, cursor string, limit int) ([]RunRecord, string, error) {
	limit = clampLimit(limit)
	before := int64(math.MaxInt64)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", err
		}
		before = v
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+runColumns+` FROM optimization_runs WHERE session_id=$1 AND seq < $2 ORDER BY seq DESC LIMIT $3`), session, before, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []RunRecord{}
	var last int64
	for rows.Next() {
		r, seq, err := scanRun(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, r)
		last = seq
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	var next string
	if len(out) == limit {
		next = strconv.FormatInt(last, 10)
	}
	return out, next, nil
}

func (s *SQL) ClearRuns(ctx context.Context, session string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM optimization_runs WHERE session_id=$1`), session)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQL) GetOptimizerConfig(ctx context.Context, tenantID string) (map[string]any, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT config FROM optimizer_config WHERE tenant_id=$1`), tenantID)
	var js []byte
	if err := row.Scan(&js); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	var cfg map[string]any
	if err := json.Unmarshal(js, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *SQL) SaveOptimizerConfig(ctx context.Context, tenantID string, cfg map[string]any) error {
	js, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO optimizer_config (tenant_id, config, updated_at) VALUES ($1, $2, $3)
        ON CONFLICT (tenant_id) DO UPDATE SET config=excluded.config, updated_at=excluded.updated_at`),
		tenantID, string(js), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}
