package api

import (
	"sync"

	"golang.org/x/time/rate"
)

// sessionLimiter rate limits optimization requests per session key.
// A non-positive rate disables limiting.
type sessionLimiter struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	m     map[string]*rate.Limiter
}

func newSessionLimiter(rps float64, burst int) *sessionLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &sessionLimiter{rps: rate.Limit(rps), burst: burst, m: map[string]*rate.Limiter{}}
}

func (l *sessionLimiter) allow(key string) bool {
	if l == nil || l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.m[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.m[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
