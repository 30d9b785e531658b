package oaa

import (
	"context"
	"sync"
	"time"

	"github.com/civic-os/reflections/internal/app/metrics"
	"github.com/civic-os/reflections/internal/logging"
)

// Ingester stores one snapshot.
type Ingester interface {
	Ingest(ctx context.Context, snap Snapshot) error
}

type ForwarderConfig struct {
	QueueSize int
	// Timeout bounds each ingest call.
	Timeout time.Duration
	Logger  *logging.Logger
}

// Forwarder sends snapshots from a bounded queue on a single worker.
// Snapshots are best effort: full queue or failed ingest only gets logged.
type Forwarder struct {
	ing     Ingester
	log     *logging.Logger
	timeout time.Duration
	queue   chan Snapshot

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.RWMutex
	started bool
	stopped bool
	done    chan struct{}
}

func NewForwarder(ing Ingester, cfg ForwarderConfig) *Forwarder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().Named("oaa")
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Forwarder{
		ing:        ing,
		log:        cfg.Logger,
		timeout:    cfg.Timeout,
		queue:      make(chan Snapshot, cfg.QueueSize),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		done:       make(chan struct{}),
	}
}

// Start launches the worker once.
func (f *Forwarder) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.stopped {
		return
	}
	f.started = true
	go f.run()
}

// Publish queues snap without blocking. It reports false when the snapshot
// was dropped.
func (f *Forwarder) Publish(snap Snapshot) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.stopped {
		f.drop(snap, "stopped")
		return false
	}
	select {
	case f.queue <- snap:
		return true
	default:
		f.drop(snap, "queue full")
		return false
	}
}

// Stop refuses new snapshots and sends the queued ones, giving up on the
// remainder when ctx ends.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	if !f.started {
		f.started = true
		go f.run()
	}
	close(f.queue)
	f.mu.Unlock()

	select {
	case <-f.done:
		f.cancelBase()
		return nil
	case <-ctx.Done():
		f.cancelBase()
		<-f.done
		return ctx.Err()
	}
}

func (f *Forwarder) run() {
	defer close(f.done)
	for snap := range f.queue {
		f.send(snap)
	}
}

func (f *Forwarder) send(snap Snapshot) {
	ctx, cancel := context.WithTimeout(f.baseCtx, f.timeout)
	err := f.ing.Ingest(ctx, snap)
	cancel()
	if err != nil {
		metrics.RecordSnapshot("failed")
		f.log.WithError(err).
			WithField("actor", snap.Actor).
			WithField("trace_id", snap.Content.TraceID).
			Warn("oaa snapshot failed")
		return
	}
	metrics.RecordSnapshot("sent")
}

func (f *Forwarder) drop(snap Snapshot, reason string) {
	metrics.RecordSnapshot("dropped")
	f.log.WithField("trace_id", snap.Content.TraceID).WithField("reason", reason).Warn("oaa snapshot dropped")
}
