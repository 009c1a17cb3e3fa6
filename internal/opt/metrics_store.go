package opt

import (
	"sync"
	"time"
)

// RunStats is the search summary of the latest run per session and strategy.
type RunStats struct {
	RunID      string
	Status     Status
	Objective  float64
	Nodes      int
	LPSolves   int
	Incumbents int
	Elapsed    time.Duration
	At         time.Time
}

type statsKey struct {
	Session  string
	Strategy Strategy
}

// MetricsStore keeps RunStats in memory for the admin endpoints. The zero
// value is ready to use.
type MetricsStore struct {
	mu   sync.Mutex
	last map[statsKey]RunStats
}

func NewMetricsStore() *MetricsStore {
	return &MetricsStore{last: map[statsKey]RunStats{}}
}

func (s *MetricsStore) Record(session string, strategy Strategy, st RunStats) {
	s.mu.Lock()
	if s.last == nil {
		s.last = map[statsKey]RunStats{}
	}
	s.last[statsKey{Session: session, Strategy: strategy}] = st
	s.mu.Unlock()
}

// Get returns the latest stats for session keyed by strategy.
func (s *MetricsStore) Get(session string) map[Strategy]RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[Strategy]RunStats{}
	for k, v := range s.last {
		if k.Session == session {
			out[k.Strategy] = v
		}
	}
	return out
}
