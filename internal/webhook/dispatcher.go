package webhook

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/aigate/internal/config"
	"github.com/wudi/aigate/internal/logging"
)

const historyLimit = 100

// Dispatcher fans gateway events out to the configured HTTP endpoints.
// Emit never blocks request handling: events go into a bounded queue
// and a worker pool delivers them, dropping on overflow.
type Dispatcher struct {
	queue     chan *Event
	client    *http.Client
	retry     config.WebhookRetryConfig
	queueSize int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	emitted   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64

	mu        sync.RWMutex
	endpoints []config.WebhookEndpoint
	history   []Event
}

// DeliveryStats is a point-in-time view of the delivery counters.
type DeliveryStats struct {
	Emitted   int64 `json:"emitted"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Retries   int64 `json:"retries"`
}

// Stats is the admin view of the dispatcher.
type Stats struct {
	Enabled      bool          `json:"enabled"`
	Endpoints    int           `json:"endpoints"`
	QueueSize    int           `json:"queue_size"`
	QueueUsed    int           `json:"queue_used"`
	Delivery     DeliveryStats `json:"delivery"`
	RecentEvents []Event       `json:"recent_events"`
}

// NewDispatcher starts the worker pool. The caller owns the dispatcher
// and must Close it to stop the workers.
func NewDispatcher(cfg config.WebhooksConfig) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	retry := cfg.Retry
	if retry.MaxRetries <= 0 {
		retry.MaxRetries = 3
	}
	if retry.Backoff <= 0 {
		retry.Backoff = time.Second
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:     make(chan *Event, queueSize),
		client:    &http.Client{Timeout: timeout},
		retry:     retry,
		queueSize: queueSize,
		ctx:       ctx,
		cancel:    cancel,
		endpoints: cfg.Endpoints,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit queues an event without blocking. A full queue drops the event
// and counts the drop.
func (d *Dispatcher) Emit(event *Event) {
	d.emitted.Add(1)
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		logging.Warn("Webhook queue full, event dropped",
			zap.String("event", string(event.Type)))
	}
}

// UpdateEndpoints replaces the delivery targets, typically after a
// config reload.
func (d *Dispatcher) UpdateEndpoints(eps []config.WebhookEndpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints = eps
}

// Close stops the workers and waits for them to exit. Queued events
// that no worker picked up yet are discarded.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

// Stats snapshots the dispatcher for the admin API.
func (d *Dispatcher) Stats() Stats {
	d.mu.RLock()
	endpoints := len(d.endpoints)
	recent := make([]Event, len(d.history))
	copy(recent, d.history)
	d.mu.RUnlock()

	return Stats{
		Enabled:   true,
		Endpoints: endpoints,
		QueueSize: d.queueSize,
		QueueUsed: len(d.queue),
		Delivery: DeliveryStats{
			Emitted:   d.emitted.Load(),
			Delivered: d.delivered.Load(),
			Failed:    d.failed.Load(),
			Dropped:   d.dropped.Load(),
			Retries:   d.retries.Load(),
		},
		RecentEvents: recent,
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.queue:
			if !ok {
				return
			}
			d.dispatch(event)
		}
	}
}

// dispatch records the event in the history ring and delivers it to
// every subscribed endpoint.
func (d *Dispatcher) dispatch(event *Event) {
	d.mu.Lock()
	d.history = append(d.history, *event)
	if len(d.history) > historyLimit {
		d.history = d.history[len(d.history)-historyLimit:]
	}
	endpoints := make([]config.WebhookEndpoint, len(d.endpoints))
	copy(endpoints, d.endpoints)
	d.mu.Unlock()

	for _, ep := range endpoints {
		if !subscribed(ep, event.Type) {
			continue
		}
		d.deliverWithRetry(ep, event)
	}
}

// subscribed reports whether the endpoint's event filter covers the
// type. An empty filter subscribes to everything.
func subscribed(ep config.WebhookEndpoint, typ EventType) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, pattern := range ep.Events {
		if matchesPattern(typ, pattern) {
			return true
		}
	}
	return false
}

// deliverWithRetry pushes one event to one endpoint, retrying transient
// failures with exponential backoff. 4xx responses are final.
func (d *Dispatcher) deliverWithRetry(ep config.WebhookEndpoint, event *Event) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.retry.Backoff
	bo.MaxInterval = d.retry.MaxBackoff
	bo.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		if attempts > 0 {
			d.retries.Add(1)
		}
		attempts++
		return d.deliver(ep, event)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(d.retry.MaxRetries)), d.ctx))
	if err != nil {
		d.failed.Add(1)
		logging.Warn("Webhook delivery failed",
			zap.String("url", ep.URL),
			zap.String("event", string(event.Type)),
			zap.Int("attempts", attempts),
			zap.Error(err))
		return
	}
	d.delivered.Add(1)
}
