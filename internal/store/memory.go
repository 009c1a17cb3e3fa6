package store

import (
	"context"
	"strconv"
	"sync"
)

// Memory is a simple in-memory store used when no database is configured.
type Memory struct {
	mu     sync.Mutex
	seq    int64
	runs   map[string][]memRun       // session -> runs, oldest first
	optCfg map[string]map[string]any // tenant -> config
}

type memRun struct {
	seq int64
	rec RunRecord
}

func NewMemory() *Memory {
	return &Memory{
		runs:   map[string][]memRun{},
		optCfg: map[string]map[string]any{},
	}
}

func (m *Memory) SaveRun(ctx context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.runs[rec.Session] = append(m.runs[rec.Session], memRun{seq: m.seq, rec: rec})
	return nil
}

func (m *Memory) GetRun(ctx context.Context, session, id string) (RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs[session] {
		if r.rec.ID == id {
			return r.rec, nil
		}
	}
	return RunRecord{}, ErrNotFound
}

// ListRuns pages newest first; the cursor is the sequence number of the last item returned.
func (m *Memory) ListRuns(ctx context.Context, session, cursor string, limit int) ([]RunRecord, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = clampLimit(limit)
	before := int64(-1)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", err
		}
		before = v
	}
	runs := m.runs[session]
	out := []RunRecord{}
	var last int64
	for i := len(runs) - 1; i >= 0 && len(out) < limit; i-- {
		if before >= 0 && runs[i].seq >= before {
			continue
		}
		rec := runs[i].rec
		rec.Solution = nil
		out = append(out, rec)
		last = runs[i].seq
	}
	var next string
	if len(out) == limit {
		next = strconv.FormatInt(last, 10)
	}
	return out, next, nil
}

func (m *Memory) ClearRuns(ctx context.Context, session string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.runs[session])
	delete(m.runs, session)
	return n, nil
}

func (m *Memory) GetOptimizerConfig(ctx context.Context, tenantID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.optCfg[tenantID]; ok {
		return cfg, nil
	}
	return nil, nil
}

func (m *Memory) SaveOptimizerConfig(ctx context.Context, tenantID string, cfg map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optCfg[tenantID] = cfg
	return nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }
