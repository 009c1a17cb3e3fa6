// Package session serializes optimization runs per session across API replicas.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"pharmaopt/internal/opt"
)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements opt.SessionLocker with SET NX PX. The lock is
// refreshed while held so runs longer than the TTL keep it.
type RedisLocker struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	poll   time.Duration
	queue  bool
}

type Option func(*RedisLocker)

// WithTTL sets the lock lifetime between refreshes.
func WithTTL(d time.Duration) Option { return func(l *RedisLocker) { l.ttl = d } }

// WithQueue makes Acquire wait for a busy session instead of failing.
func WithQueue(poll time.Duration) Option {
	return func(l *RedisLocker) { l.queue, l.poll = true, poll }
}

// WithPrefix namespaces lock keys.
func WithPrefix(p string) Option { return func(l *RedisLocker) { l.prefix = p } }

func NewRedisLocker(rdb redis.Cmdable, opts ...Option) *RedisLocker {
	l := &RedisLocker{rdb: rdb, prefix: "pharmaopt:session:", ttl: 30 * time.Second, poll: 100 * time.Millisecond}
	for _, o := range opts {
		o(l)
	}
	return l
}

// NewRedisLockerFromURL parses a redis:// URL, as used for REDIS_URL.
func NewRedisLockerFromURL(url string, opts ...Option) (*RedisLocker, *redis.Client, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	rdb := redis.NewClient(o)
	return NewRedisLocker(rdb, opts...), rdb, nil
}

func (l *RedisLocker) key(session string) string { return l.prefix + session }

func (l *RedisLocker) Acquire(ctx context.Context, session string) (func(), error) {
	key, token := l.key(session), uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock session: %w", err)
		}
		if ok {
			break
		}
		if !l.queue {
			return nil, opt.ErrRunInProgress
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.poll):
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(key, token, stop, done)
	return func() {
		close(stop)
		<-done
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.rdb, []string{key}, token).Err()
	}, nil
}

func (l *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				// lost the lock; nothing left to refresh
				return
			}
		}
	}
}
