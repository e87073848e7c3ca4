package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultQueueSize   = 256
	defaultMaxAttempts = 3
	defaultBackoffBase = time.Second
	attemptTimeout     = 10 * time.Second
)

// Emitter is the delivery entry point shared by the in-process and Cloud
// Tasks dispatchers.
type Emitter interface {
	Emit(ctx context.Context, event Event)
	Shutdown(ctx context.Context)
}

type job struct {
	endpoint Endpoint
	event    Event
}

// Dispatcher delivers events from a bounded queue with a fixed worker
// pool. Delivery retries with exponential backoff (1s, 2s) up to three
// attempts; every attempt is logged.
type Dispatcher struct {
	registry   *Registry
	client     *http.Client
	deliveries *prometheus.CounterVec
	logger     *slog.Logger

	queue       chan job
	maxAttempts int
	backoffBase time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// NewDispatcher starts the worker pool. deliveries counts final outcomes
// per endpoint delivery and may be nil.
func NewDispatcher(registry *Registry, workers int, deliveries *prometheus.CounterVec, logger *slog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:    registry,
		client:      &http.Client{Timeout: attemptTimeout},
		deliveries:  deliveries,
		logger:      logger,
		queue:       make(chan job, defaultQueueSize),
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		cancel:      cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return d
}

// Emit fans the event out to every enabled endpoint subscribed to it.
// Delivery is asynchronous; a full queue drops the event with a warning
// rather than blocking the verification path.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	endpoints, err := d.registry.EnabledFor(ctx, event.TenantID, event.Name)
	if err != nil {
		d.logger.Warn("webhook lookup failed", "tenant_id", event.TenantID, "error", err)
		return
	}
	for _, ep := range endpoints {
		select {
		case d.queue <- job{endpoint: ep, event: event}:
		default:
			d.logger.Warn("webhook queue full, dropping event",
				"webhook_id", ep.ID, "session_id", event.SessionID)
		}
	}
}

// deliverAsync queues a single endpoint/event pair directly, skipping the
// registry lookup. Used by the Cloud Tasks fallback path.
func (d *Dispatcher) deliverAsync(ep Endpoint, event Event) {
	select {
	case d.queue <- job{endpoint: ep, event: event}:
	default:
		d.logger.Warn("webhook queue full, dropping event",
			"webhook_id", ep.ID, "session_id", event.SessionID)
	}
}

// Shutdown stops the workers after the queue drains or ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.once.Do(func() {
		close(d.queue)
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.cancel()
			<-done
		}
	})
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(ctx, j.endpoint, j.event)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ep Endpoint, event Event) {
	body, err := CanonicalJSON(event)
	if err != nil {
		d.logger.Error("webhook payload encode failed", "webhook_id", ep.ID, "error", err)
		return
	}
	signature := SignPayload(body, ep.Secret)

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		status, err := d.post(ctx, ep.URL, body, signature)
		delivered := err == nil && status >= 200 && status < 300
		final := delivered || attempt == d.maxAttempts

		log := DeliveryLog{
			WebhookID: ep.ID,
			Event:     event.Name,
			Attempt:   attempt,
			Delivered: delivered,
		}
		if status != 0 {
			log.StatusCode = &status
		}
		if err != nil {
			msg := err.Error()
			log.Error = &msg
		} else if !delivered {
			msg := fmt.Sprintf("HTTP %d", status)
			log.Error = &msg
		}
		d.registry.RecordAttempt(ctx, log, final)

		if delivered {
			d.countOutcome("delivered")
			d.logger.Info("webhook delivered",
				"webhook_id", ep.ID, "session_id", event.SessionID,
				"status", status, "attempt", attempt)
			return
		}
		d.logger.Warn("webhook attempt failed",
			"webhook_id", ep.ID, "attempt", attempt, "status", status, "error", err)

		if attempt < d.maxAttempts {
			backoff := d.backoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
		}
	}
	d.countOutcome("failed")
	d.logger.Error("webhook delivery failed after retries",
		"webhook_id", ep.ID, "session_id", event.SessionID, "attempts", d.maxAttempts)
}

func (d *Dispatcher) countOutcome(outcome string) {
	if d.deliveries != nil {
		d.deliveries.WithLabelValues(outcome).Inc()
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte, signature string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}
