package webhooks

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"pharmaopt/internal/metrics"
)

// Delivery is one queued POST of an event payload to a target.
type Delivery struct {
	ID        string
	Tenant    string
	EventType string
	URL       string
	Secret    string
	Payload   []byte
	Attempts  int
	NextAt    time.Time
	LastError string
}

// Worker retries deliveries with exponential backoff until they succeed or
// MaxAttempts is reached. The queue is in memory; pending deliveries are lost
// on restart.
type Worker struct {
	HTTP        *http.Client
	MaxAttempts int

	logger *slog.Logger
	now    func() time.Time
	mu     sync.Mutex
	queue  []*Delivery
	failed []Delivery
	wake   chan struct{}
}

func NewWorker(maxAttempts int, logger *slog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
	}
}

func (w *Worker) Enqueue(d Delivery) {
	w.mu.Lock()
	d.NextAt = w.now()
	w.queue = append(w.queue, &d)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Pending is the number of deliveries still queued.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Failed returns deliveries that exhausted their attempts.
func (w *Worker) Failed() []Delivery {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Delivery(nil), w.failed...)
}

// Start processes the queue until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-w.wake:
			}
			w.processOnce(ctx)
		}
	}()
}

// processOnce attempts every due delivery once.
func (w *Worker) processOnce(ctx context.Context) {
	w.mu.Lock()
	now := w.now()
	var due []*Delivery
	keep := w.queue[:0]
	for _, d := range w.queue {
		if !d.NextAt.After(now) {
			due = append(due, d)
		} else {
			keep = append(keep, d)
		}
	}
	w.queue = keep
	w.mu.Unlock()

	for _, d := range due {
		code, err := w.send(ctx, d)
		d.Attempts++
		status := strconv.Itoa(code)
		if err != nil {
			status = "error"
		}
		metrics.WebhookDeliveries.WithLabelValues(d.EventType, status).Inc()
		if err == nil && code >= 200 && code < 300 {
			continue
		}
		if err != nil {
			d.LastError = err.Error()
		} else {
			d.LastError = "status " + status
		}
		w.mu.Lock()
		if d.Attempts >= w.MaxAttempts {
			w.failed = append(w.failed, *d)
			w.mu.Unlock()
			w.logger.Warn("webhook delivery failed", "id", d.ID, "event", d.EventType, "url", d.URL, "attempts", d.Attempts, "error", d.LastError)
			continue
		}
		d.NextAt = w.now().Add(nextBackoff(d.Attempts - 1))
		w.queue = append(w.queue, d)
		w.mu.Unlock()
	}
}

func (w *Worker) send(ctx context.Context, d *Delivery) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", d.EventType)
	req.Header.Set("X-Delivery-Id", d.ID)
	if d.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(d.Secret, d.Payload))
	}
	start := time.Now()
	resp, err := w.HTTP.Do(req)
	metrics.WebhookLatency.WithLabelValues(d.EventType).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
