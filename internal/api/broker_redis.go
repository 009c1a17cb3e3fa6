package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisBroker implements EventBroker over Redis Pub/Sub so that every API
// replica sees events from runs executed on the others.
type RedisBroker struct {
	rdb    *redis.Client
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[chan SSEEvent]*redis.PubSub
}

func NewRedisBroker(rdb *redis.Client, logger *slog.Logger) *RedisBroker {
	return &RedisBroker{rdb: rdb, logger: logger, subs: map[chan SSEEvent]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(topic string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(topic))
	// wait for the subscription to be confirmed so no event published after we return is lost
	if _, err := ps.Receive(ctx); err != nil {
		b.logger.Warn("redis subscribe failed", "topic", topic, "error", err)
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var evt SSEEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the underlying PubSub; ch is closed once its reader goroutine exits.
func (b *RedisBroker) Unsubscribe(topic string, ch chan SSEEvent) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(topic string, evt SSEEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, b.chanName(topic), data).Err(); err != nil {
		b.logger.Warn("redis publish failed", "topic", topic, "error", err)
	}
}

func (b *RedisBroker) chanName(topic string) string { return "pharmaopt:runs:" + topic }
