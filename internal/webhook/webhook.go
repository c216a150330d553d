// Package webhook implements the Webhook Dispatcher (C10): signed HTTP
// delivery of lifecycle events to subscriber URLs, with per-webhook FIFO
// ordering, cross-webhook parallelism, and bounded retry.
//
// Delivery itself rides plain net/http — no HTTP client library appears
// anywhere in the retrieved corpus, and http.Client is exactly what every
// complete example reaches for when it needs to call out (see DESIGN.md).
// The FIFO-worker-per-destination / fan-out-across-destinations shape is
// the same one internal/campaign and internal/schedule use for their
// single-purpose goroutine-per-unit loops, generalized here to one
// goroutine per registered webhook.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lokutor-ai/callbridge/internal/calltypes"
	"github.com/lokutor-ai/callbridge/internal/idgen"
	"github.com/lokutor-ai/callbridge/internal/logging"
)

// RetryDelays is the fixed backoff schedule: three attempts total, at
// relative times {0, 1s, 6s} (spec.md §8's literal retry-schedule property),
// i.e. a 1s gap then a 5s gap between the three attempts.
var RetryDelays = []time.Duration{1 * time.Second, 5 * time.Second}

// MaxAttempts is the total number of delivery attempts before giving up.
const MaxAttempts = 3

// DeliveryStore persists one row per delivery attempt for observability
// and audit, satisfied by internal/storage.
type DeliveryStore interface {
	RecordDelivery(ctx context.Context, d calltypes.WebhookDelivery) error
}

type job struct {
	event calltypes.EventType
	callID string
	data   interface{}
}

// worker owns one webhook's outbound queue, delivering strictly in order.
type worker struct {
	cfg   calltypes.WebhookConfig
	queue chan job
	stop  chan struct{}
}

// Dispatcher fans lifecycle events out to every subscribed, active
// webhook. Each webhook gets its own FIFO worker goroutine so a slow or
// failing endpoint never blocks delivery to the others.
type Dispatcher struct {
	mu      sync.RWMutex
	workers map[string]*worker

	store  DeliveryStore
	client *http.Client
	log    logging.Logger
}

func New(store DeliveryStore, log logging.Logger) *Dispatcher {
	if log == nil {
		log = logging.NoOpLogger{}
	}
	return &Dispatcher{
		workers: make(map[string]*worker),
		store:   store,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
}

// Register starts (or restarts, replacing any prior queue) the FIFO
// worker for one webhook configuration.
func (d *Dispatcher) Register(cfg calltypes.WebhookConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.workers[cfg.ID]; ok {
		close(existing.stop)
	}
	w := &worker{cfg: cfg, queue: make(chan job, 256), stop: make(chan struct{})}
	d.workers[cfg.ID] = w
	go d.runWorker(w)
}

// Unregister stops delivering to a webhook (e.g. it was deactivated).
func (d *Dispatcher) Unregister(webhookID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[webhookID]; ok {
		close(w.stop)
		delete(d.workers, webhookID)
	}
}

// Dispatch fans one lifecycle event out to every registered, subscribed
// webhook. Cross-webhook delivery is parallel: each worker has its own
// queue, so this never blocks on a slow destination.
func (d *Dispatcher) Dispatch(eventType calltypes.EventType, callID string, data interface{}) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, w := range d.workers {
		if !w.cfg.Active || !w.cfg.Events[string(eventType)] {
			continue
		}
		select {
		case w.queue <- job{event: eventType, callID: callID, data: data}:
		default:
			d.log.Warn("webhook: queue saturated, dropping event", "webhook_id", w.cfg.ID, "event", eventType)
		}
	}
}

// Notify adapts Dispatcher to callsession.Notifier so it can be wired
// directly as (one branch of) a Session's notifier.
func (d *Dispatcher) Notify(event calltypes.EventType, callID string, data interface{}) {
	d.Dispatch(event, callID, data)
}

func (d *Dispatcher) runWorker(w *worker) {
	for {
		select {
		case <-w.stop:
			return
		case j := <-w.queue:
			d.deliver(w.cfg, j)
		}
	}
}

func (d *Dispatcher) deliver(cfg calltypes.WebhookConfig, j job) {
	data := j.data
	if m, ok := data.(map[string]string); ok {
		withCall := make(map[string]interface{}, len(m)+1)
		for k, v := range m {
			withCall[k] = v
		}
		withCall["call_id"] = j.callID
		data = withCall
	}
	payload, err := json.Marshal(map[string]interface{}{
		"event":     j.event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	})
	if err != nil {
		d.log.Error("webhook: marshal failed", "webhook_id", cfg.ID, "err", err)
		return
	}
	// Signature is only attached when the webhook has a secret configured
	// (spec.md §4.10: "and, if a secret is set, X-Webhook-Signature...").
	var signature string
	if cfg.Secret != "" {
		signature = sign(cfg.Secret, payload)
	}

	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		status, err := d.post(cfg.URL, payload, string(j.event), signature)
		d.record(cfg.ID, j.event, attempt, status, err)
		if err == nil && status < 300 {
			return
		}
		lastErr, lastStatus = err, status
		// A 4xx is the endpoint rejecting the payload itself; retrying
		// identical bytes won't change that (spec.md §4.10: "4xx
		// terminal").
		if status >= 400 && status < 500 {
			d.log.Warn("webhook: delivery rejected, not retrying", "webhook_id", cfg.ID, "status", status)
			return
		}
		if attempt < MaxAttempts {
			time.Sleep(RetryDelays[attempt-1])
		}
	}
	d.log.Error("webhook: delivery exhausted retries", "webhook_id", cfg.ID, "status", lastStatus, "err", lastErr)
}

func (d *Dispatcher) post(url string, payload []byte, event, signature string) (int, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	if signature != "" {
		req.Header.Set("X-Webhook-Signature", fmt.Sprintf("sha256=%s", signature))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Dispatcher) record(webhookID string, event calltypes.EventType, attempt, status int, err error) {
	delivery := calltypes.WebhookDelivery{
		ID:         idgen.NewPrefixed("whd_"),
		WebhookID:  webhookID,
		Event:      string(event),
		Attempt:    attempt,
		StatusCode: status,
		CreatedAt:  time.Now(),
	}
	if err != nil {
		delivery.Err = err.Error()
	}
	if rerr := d.store.RecordDelivery(context.Background(), delivery); rerr != nil {
		d.log.Error("webhook: record delivery failed", "webhook_id", webhookID, "err", rerr)
	}
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
