// Package notifier delivers ledger award events off the request path.
//
// Enqueue never blocks the caller. Delivery failures are logged, counted and
// published on Failures so operators (and tests) can observe them.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/civic-os/reflections/internal/app/domain/ledger"
	"github.com/civic-os/reflections/internal/app/metrics"
	"github.com/civic-os/reflections/internal/logging"
)

// Recorder submits one event to the ledger.
type Recorder interface {
	RecordEvent(ctx context.Context, ev ledger.Event) error
}

// Failure is an event the ledger did not accept.
type Failure struct {
	Event ledger.Event
	Err   error
	At    time.Time
}

type Config struct {
	QueueSize int
	Workers   int
	// Timeout bounds each delivery attempt.
	Timeout time.Duration
	Logger  *logging.Logger
}

// Notifier is a bounded queue drained by a fixed worker pool.
type Notifier struct {
	rec      Recorder
	log      *logging.Logger
	timeout  time.Duration
	workers  int
	queue    chan ledger.Event
	failures chan Failure
	newKey   func() string

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New creates a stopped notifier.
func New(rec Recorder, cfg Config) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().Named("notifier")
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		rec:        rec,
		log:        cfg.Logger,
		timeout:    cfg.Timeout,
		workers:    cfg.Workers,
		queue:      make(chan ledger.Event, cfg.QueueSize),
		failures:   make(chan Failure, cfg.QueueSize),
		newKey:     uuid.NewString,
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// Start launches the workers. It is a no-op after the first call.
func (n *Notifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.stopped {
		return
	}
	n.started = true
	n.spawn()
}

func (n *Notifier) spawn() {
	for i := 0; i < n.workers; i++ {
		n.wg.Add(1)
		go n.run()
	}
}

// Enqueue schedules ev for delivery and returns its dedup key. ok is false
// when the event was dropped because the queue is full or stopped.
func (n *Notifier) Enqueue(ev ledger.Event) (key string, ok bool) {
	ev.Meta = copyMeta(ev.Meta)
	key = ev.DedupKey()
	if key == "" {
		key = n.newKey()
		ev.Meta[ledger.MetaDedupKey] = key
	}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.stopped {
		n.drop(ev, "stopped")
		return key, false
	}
	select {
	case n.queue <- ev:
		return key, true
	default:
		n.drop(ev, "queue full")
		return key, false
	}
}

// Failures reports events the ledger rejected or never answered. Reports are
// dropped when nobody reads them and the buffer is full.
func (n *Notifier) Failures() <-chan Failure {
	return n.failures
}

// Stop refuses new events and waits for queued ones to be delivered. If ctx
// ends first, in-flight deliveries are cancelled and ctx.Err() is returned.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	if !n.started {
		// drain anything enqueued before Start
		n.started = true
		n.spawn()
	}
	close(n.queue)
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.cancelBase()
		return nil
	case <-ctx.Done():
		n.cancelBase()
		<-done
		return ctx.Err()
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for ev := range n.queue {
		n.deliver(ev)
	}
}

func (n *Notifier) deliver(ev ledger.Event) {
	ctx, cancel := context.WithTimeout(n.baseCtx, n.timeout)
	err := n.rec.RecordEvent(ctx, ev)
	cancel()

	if err == nil {
		metrics.RecordNotification("delivered")
		return
	}

	metrics.RecordNotification("failed")
	n.entry(ev).WithError(err).Warn("ledger award notification failed")

	select {
	case n.failures <- Failure{Event: ev, Err: err, At: time.Now().UTC()}:
	default:
	}
}

func (n *Notifier) drop(ev ledger.Event, reason string) {
	metrics.RecordNotification("dropped")
	n.entry(ev).WithField("reason", reason).Warn("ledger award notification dropped")
}

func (n *Notifier) entry(ev ledger.Event) *logrus.Entry {
	return n.log.WithFields(map[string]interface{}{
		"kind":      ev.Kind,
		"actor":     ev.Actor,
		"amount":    ev.Amount,
		"unit":      ev.Unit,
		"dedup_key": ev.DedupKey(),
	})
}

func copyMeta(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
