package webhooks

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"nemtdispatch/internal/metrics"
	"nemtdispatch/internal/store"
)

type Worker struct {
	Store       store.DeliveryStore
	HTTP        *http.Client
	MaxAttempts int
	Interval    time.Duration
	Log         *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewWorker(s store.DeliveryStore, maxAttempts int, log *zap.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		Store:       s,
		HTTP:        &http.Client{Timeout: 5 * time.Second},
		MaxAttempts: maxAttempts,
		Interval:    time.Second,
		Log:         log,
		stop:        make(chan struct{}),
	}
}

// Start polls for due deliveries until Stop is called.
func (w *Worker) Start() {
	if w.stop == nil {
		w.stop = make(chan struct{})
	}
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processOnce(ctx)
				cancel()
			}
		}
	}()
}

// Stop ends the poll loop and waits for the current batch.
func (w *Worker) Stop() {
	if w.stop == nil {
		return
	}
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.wg.Wait()
}

func (w *Worker) processOnce(ctx context.Context) {
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, 50)
	if err != nil {
		w.Log.Warn("fetch webhook deliveries", zap.Error(err))
		return
	}
	for _, it := range items {
		w.deliver(ctx, it)
	}
}

func (w *Worker) deliver(ctx context.Context, it store.WebhookDelivery) {
	success := false
	next := time.Now().Add(nextBackoff(it.Attempts))
	code := 0
	lastErr := ""
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err == nil {
		setDeliveryHeaders(req, it, start)
		var resp *http.Response
		resp, err = w.HTTP.Do(req)
		if err == nil {
			code = resp.StatusCode
			_ = resp.Body.Close()
			success = code >= 200 && code < 300
		}
	}
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		lastErr = err.Error()
	} else if !success {
		lastErr = "unexpected status " + strconv.Itoa(code)
	}

	status := store.DeliveryDelivered
	switch {
	case success:
	case it.Attempts+1 >= w.MaxAttempts:
		status = store.DeliveryFailed
	default:
		status = store.DeliveryRetry
	}
	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))

	if status == store.DeliveryFailed {
		w.Log.Warn("webhook delivery failed permanently",
			zap.String("delivery", it.ID), zap.String("partition", it.PartitionKey),
			zap.Int("attempts", it.Attempts+1), zap.String("error", lastErr))
		if err := w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency); err != nil {
			w.Log.Warn("mark webhook failed", zap.String("delivery", it.ID), zap.Error(err))
		}
		return
	}
	if err := w.Store.MarkWebhookDelivery(ctx, it.ID, success, &next, lastErr, code, latency); err != nil {
		w.Log.Warn("mark webhook delivery", zap.String("delivery", it.ID), zap.Error(err))
	}
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
