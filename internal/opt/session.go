package opt

import (
	"context"
	"sync"
)

// SessionLocker serializes runs that share a session. Acquire blocks or fails
// according to the implementation; the returned release func must be called
// exactly once.
type SessionLocker interface {
	Acquire(ctx context.Context, session string) (release func(), err error)
}

// MemoryLocker is a process-local SessionLocker. With Queue unset a second run
// for a busy session fails with ErrRunInProgress; with Queue set it waits until
// the session frees up or ctx is done.
type MemoryLocker struct {
	Queue bool

	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemoryLocker(queue bool) *MemoryLocker {
	return &MemoryLocker{Queue: queue, slots: map[string]chan struct{}{}}
}

func (l *MemoryLocker) slot(session string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = map[string]chan struct{}{}
	}
	ch := l.slots[session]
	if ch == nil {
		ch = make(chan struct{}, 1)
		l.slots[session] = ch
	}
	return ch
}

func (l *MemoryLocker) Acquire(ctx context.Context, session string) (func(), error) {
	ch := l.slot(session)
	release := func() { <-ch }
	select {
	case ch <- struct{}{}:
		return release, nil
	default:
	}
	if !l.Queue {
		return nil, ErrRunInProgress
	}
	select {
	case ch <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
