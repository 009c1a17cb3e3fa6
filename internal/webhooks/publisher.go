// Package webhooks delivers signed run notifications to external systems.
package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Target is one subscriber endpoint. An empty Events list receives every event type.
type Target struct {
	URL    string
	Secret string
	Events []string
}

func (t Target) wants(eventType string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Publisher fans events out to matching targets through the worker queue.
type Publisher struct {
	Targets []Target
	Queue   *Worker
}

func NewPublisher(targets []Target, queue *Worker) *Publisher {
	return &Publisher{Targets: targets, Queue: queue}
}

// Emit enqueues one delivery per target subscribed to eventType.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) {
	if p == nil || p.Queue == nil || len(p.Targets) == 0 {
		return
	}
	payload := map[string]any{
		"id":       "evt_" + uuid.NewString(),
		"type":     eventType,
		"tenantId": tenantID,
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"data":     data,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		p.Queue.logger.Warn("webhook payload not serializable", "event", eventType, "error", err)
		return
	}
	for i, t := range p.Targets {
		if !t.wants(eventType) {
			continue
		}
		p.Queue.Enqueue(Delivery{
			ID:        fmt.Sprintf("%s-%d", payload["id"], i),
			Tenant:    tenantID,
			EventType: eventType,
			URL:       t.URL,
			Secret:    t.Secret,
			Payload:   body,
		})
	}
}
