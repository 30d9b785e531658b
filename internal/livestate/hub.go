// Package livestate pushes periodic balance and forest snapshots to
// subscribers. All subscribers of a handle share one poller, which runs
// while at least one of them is open.
package livestate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/civic-os/reflections/internal/app/domain/ledger"
	"github.com/civic-os/reflections/internal/app/metrics"
	svcerrors "github.com/civic-os/reflections/internal/errors"
	"github.com/civic-os/reflections/internal/logging"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

// ErrHubClosed is returned by Subscribe after Shutdown.
var ErrHubClosed = errors.New("livestate: hub closed")

// Source is the ledger view the hub polls.
type Source interface {
	GetBalance(ctx context.Context, handle string) (ledger.Balance, error)
	GetForest(ctx context.Context, handle string) (ledger.ForestState, error)
}

type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	Logger       *logging.Logger
}

// Hub owns the per-handle pollers.
type Hub struct {
	src          Source
	interval     time.Duration
	fetchTimeout time.Duration
	log          *logging.Logger
	now          func() time.Time

	mu      sync.Mutex
	pollers map[string]*poller
	closed  bool
	wg      sync.WaitGroup
}

type poller struct {
	handle    string
	cancel    context.CancelFunc
	listeners map[*Subscription]struct{}
	last      *Event
}

// NewHub creates a hub polling src.
func NewHub(src Source, cfg Config) *Hub {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default().Named("livestate")
	}
	return &Hub{
		src:          src,
		interval:     cfg.Interval,
		fetchTimeout: cfg.FetchTimeout,
		log:          cfg.Logger,
		now:          time.Now,
		pollers:      make(map[string]*poller),
	}
}

// Subscribe opens a stream for handle. The subscription closes itself when
// ctx is done. A late subscriber immediately receives the poller's last event.
func (h *Hub) Subscribe(ctx context.Context, handle string) (*Subscription, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return nil, svcerrors.Validation("handle", "handle is required")
	}

	sub := &Subscription{hub: h, handle: handle, ch: make(chan Event, 1)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	p, ok := h.pollers[handle]
	if !ok {
		pctx, cancel := context.WithCancel(context.Background())
		p = &poller{handle: handle, cancel: cancel, listeners: make(map[*Subscription]struct{})}
		h.pollers[handle] = p
		h.wg.Add(1)
		metrics.PollerStarted()
		go h.run(pctx, p)
	}
	p.listeners[sub] = struct{}{}
	sub.p = p
	metrics.ListenerAdded()
	if p.last != nil {
		sub.offer(*p.last)
	}
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, sub.Close)
	sub.mu.Lock()
	sub.stopAfter = stop
	closed := sub.closed
	sub.mu.Unlock()
	if closed {
		stop()
	}
	return sub, nil
}

// Stats reports active pollers and listeners.
func (h *Hub) Stats() (pollers, listeners int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.pollers {
		listeners += len(p.listeners)
	}
	return len(h.pollers), listeners
}

// Shutdown closes every subscription and waits for pollers to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	var subs []*Subscription
	for _, p := range h.pollers {
		for sub := range p.listeners {
			subs = append(subs, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) run(ctx context.Context, p *poller) {
	defer h.wg.Done()
	defer metrics.PollerStopped()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ev := h.fetch(ctx, p.handle)
		if ctx.Err() != nil {
			// last listener left while the call was in flight
			return
		}
		h.broadcast(p, ev)
		timer.Reset(h.interval)
	}
}

// fetch reads balance and forest concurrently. Either failure yields an
// error event; the poller keeps running.
func (h *Hub) fetch(ctx context.Context, handle string) Event {
	fctx, cancel := context.WithTimeout(ctx, h.fetchTimeout)
	defer cancel()

	var (
		balance ledger.Balance
		forest  ledger.ForestState
	)
	g, gctx := errgroup.WithContext(fctx)
	g.Go(func() error {
		var err error
		balance, err = h.src.GetBalance(gctx, handle)
		return err
	})
	g.Go(func() error {
		var err error
		forest, err = h.src.GetForest(gctx, handle)
		return err
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			h.log.WithContext(logging.WithHandle(ctx, handle)).WithError(err).Warn("live state refresh failed")
		}
		return errorEvent(errorMessage(err))
	}
	return stateEvent(ledger.Snapshot{Balance: balance, Forest: forest, Timestamp: h.now().UTC()})
}

func (h *Hub) broadcast(p *poller, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p.last = &ev
	for sub := range p.listeners {
		sub.offer(ev)
	}
	metrics.RecordTick(ev.Type)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := sub.p
	if p == nil {
		return
	}
	if _, ok := p.listeners[sub]; !ok {
		return
	}
	delete(p.listeners, sub)
	metrics.ListenerRemoved()
	if len(p.listeners) == 0 {
		p.cancel()
		if h.pollers[p.handle] == p {
			delete(h.pollers, p.handle)
		}
	}
}

func errorMessage(err error) string {
	if se := svcerrors.GetServiceError(err); se != nil {
		return se.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "ledger timed out"
	}
	return "ledger unavailable"
}
