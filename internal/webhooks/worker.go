package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fieldroute/internal/metrics"
	"fieldroute/internal/store"
)

const (
	defaultMaxAttempts = 10
	defaultBatch       = 50
	defaultConcurrency = 4
	maxBackoff         = time.Hour
)

// Worker drains the delivery queue. Failed deliveries are retried with
// exponential backoff until MaxAttempts, then dead-lettered.
type Worker struct {
	store       store.WebhookStore
	http        *http.Client
	MaxAttempts int
	Interval    time.Duration
	Batch       int
	Concurrency int
	now         func() time.Time
}

func NewWorker(s store.WebhookStore, maxAttempts int) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Worker{
		store:       s,
		http:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: maxAttempts,
		Interval:    time.Second,
		Batch:       defaultBatch,
		Concurrency: defaultConcurrency,
		now:         time.Now,
	}
}

// SetHTTPClient replaces the client used for deliveries.
func (w *Worker) SetHTTPClient(c *http.Client) { w.http = c }

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	t := time.NewTicker(w.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce attempts every due delivery once and returns how many it tried.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	items, err := w.store.FetchDueWebhookDeliveries(ctx, w.Batch)
	if err != nil {
		log.Warn().Err(err).Msg("fetch webhook deliveries")
		return 0
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(w.Concurrency, 1))
	for _, it := range items {
		it := it
		g.Go(func() error {
			w.deliver(gctx, it)
			return nil
		})
	}
	_ = g.Wait()
	return len(items)
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	start := time.Now()
	code, err := w.post(ctx, it)
	latency := int(time.Since(start).Milliseconds())

	status := store.DeliveryDelivered
	lastErr := ""
	if err != nil {
		lastErr = err.Error()
		status = store.DeliveryRetry
		if it.Attempts+1 >= w.MaxAttempts {
			status = store.DeliveryFailed
		}
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))

	var serr error
	switch status {
	case store.DeliveryFailed:
		serr = w.store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
		log.Warn().Str("delivery_id", it.ID).Str("event", it.EventType).Int("attempts", it.Attempts+1).Str("error", lastErr).Msg("webhook dead-lettered")
	case store.DeliveryRetry:
		next := w.now().Add(nextBackoff(it.Attempts))
		serr = w.store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, latency)
		log.Debug().Str("delivery_id", it.ID).Time("next_attempt", next).Str("error", lastErr).Msg("webhook delivery failed")
	default:
		serr = w.store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
	}
	if serr != nil {
		log.Error().Str("delivery_id", it.ID).Err(serr).Msg("record webhook delivery")
	}
}

func (w *Worker) post(ctx context.Context, it store.WebhookDelivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, it.EventType)
	req.Header.Set(HeaderDelivery, it.ID)
	if it.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(it.Secret, it.Payload))
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// nextBackoff doubles from one second per attempt, capped at an hour.
func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		attempts = 12
	}
	d := time.Second << attempts
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
