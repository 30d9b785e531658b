package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/civic-os/reflections/internal/app/activity"
	"github.com/civic-os/reflections/internal/app/core/service"
	"github.com/civic-os/reflections/internal/app/domain/companion"
	"github.com/civic-os/reflections/internal/app/domain/ledger"
	"github.com/civic-os/reflections/internal/app/services/chat"
	"github.com/civic-os/reflections/internal/app/services/economy"
	"github.com/civic-os/reflections/internal/app/services/feed"
	"github.com/civic-os/reflections/internal/app/storage"
	"github.com/civic-os/reflections/internal/app/storage/memory"
	"github.com/civic-os/reflections/internal/app/storage/postgres"
	"github.com/civic-os/reflections/internal/app/storage/redisstore"
	"github.com/civic-os/reflections/internal/app/system"
	"github.com/civic-os/reflections/internal/classifier"
	"github.com/civic-os/reflections/internal/config"
	"github.com/civic-os/reflections/internal/httputil"
	ledgerclient "github.com/civic-os/reflections/internal/ledger"
	"github.com/civic-os/reflections/internal/livestate"
	"github.com/civic-os/reflections/internal/llm"
	"github.com/civic-os/reflections/internal/logging"
	"github.com/civic-os/reflections/internal/middleware"
	"github.com/civic-os/reflections/internal/notifier"
	"github.com/civic-os/reflections/internal/oaa"
	"github.com/civic-os/reflections/internal/session"
)

// Ledger is everything the application needs from the point ledger.
type Ledger interface {
	GetBalance(ctx context.Context, handle string) (ledger.Balance, error)
	GetUnlocked(ctx context.Context, handle string) (ledger.UnlockSet, error)
	GetForest(ctx context.Context, handle string) (ledger.ForestState, error)
	RecordEvent(ctx context.Context, ev ledger.Event) error
	Stake(ctx context.Context, handle string, amount float64) (ledger.StakeResult, error)
	Ping(ctx context.Context) error
}

// Dependencies overrides collaborators. Nil fields are built from config.
type Dependencies struct {
	Store      storage.ReflectionStore
	Ledger     Ledger
	LLM        chat.Completer
	Classifier feed.Classifier
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	cfg     *config.Config
	manager *system.Manager
	log     *logging.Logger
	ledger  Ledger
	store   storage.ReflectionStore

	Feed       *feed.Service
	Chat       *chat.Service
	Economy    *economy.Service
	Companions *companion.Registry
	Hub        *livestate.Hub
	Notifier   *notifier.Notifier
	Sessions   *session.Manager
	Limiter    *middleware.RateLimiter
	Activity   *activity.Log
	// OAA is never nil; check OAA.Enabled before relying on it.
	OAA *oaa.Client

	snapshots *oaa.Forwarder
}

// New builds a fully initialised application. ctx bounds backend dialing.
func New(ctx context.Context, cfg *config.Config, deps Dependencies, log *logging.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		log = logging.NewDefault("app")
	}

	store := deps.Store
	if store == nil {
		opened, err := openStore(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
		}
		store = opened
	}

	ledgerSvc := deps.Ledger
	if ledgerSvc == nil {
		ledgerSvc = newLedgerClient(cfg.Ledger, log.Named("ledger"))
	}
	completer := deps.LLM
	if completer == nil {
		completer = llm.New(llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: &cfg.LLM.Temperature,
			Timeout:     cfg.LLM.Timeout,
		})
	}
	cls := deps.Classifier
	if cls == nil {
		if c := classifier.New(classifier.Config{URL: cfg.Classifier.URL, Timeout: cfg.Classifier.Timeout}); c != nil {
			cls = c
		}
	}

	sink, err := activity.NewFileSink(cfg.Server.ActivityLog)
	if err != nil {
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	journal := activity.New(cfg.Server.ActivitySize, sink)

	awards := notifier.New(ledgerSvc, notifier.Config{
		QueueSize: cfg.Notifier.QueueSize,
		Workers:   cfg.Notifier.Workers,
		Timeout:   cfg.Notifier.Timeout,
		Logger:    log.Named("notifier"),
	})
	registry := companion.NewRegistry()
	hub := livestate.NewHub(ledgerSvc, livestate.Config{
		Interval:     cfg.Stream.Interval,
		FetchTimeout: cfg.Stream.FetchTimeout,
		Logger:       log.Named("livestate"),
	})
	oaaClient := oaa.New(oaa.Config{
		BaseURL: cfg.OAA.BaseURL,
		APIKey:  cfg.OAA.APIKey,
		Timeout: cfg.OAA.Timeout,
	})
	feedCfg := feed.Config{
		Source:          cfg.Ledger.Source,
		ClassifyTimeout: cfg.Classifier.Timeout,
		Logger:          log.Named("feed"),
	}
	var forwarder *oaa.Forwarder
	if oaaClient.Enabled() {
		forwarder = oaa.NewForwarder(oaaClient, oaa.ForwarderConfig{
			QueueSize: cfg.OAA.QueueSize,
			Timeout:   cfg.OAA.Timeout,
			Logger:    log.Named("oaa"),
		})
		feedCfg.Snapshots = forwarder
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimit.PostsPerMinute, cfg.RateLimit.Burst, log.Named("ratelimit"))

	application := &Application{
		cfg:     cfg,
		manager: system.NewManager(),
		log:     log,
		ledger:  ledgerSvc,
		store:   store,

		Feed: feed.New(store, cls, awards, feedCfg),
		Chat: chat.New(completer, awards, registry, cfg.Ledger.Source, log.Named("chat")),
		Economy: economy.New(ledgerSvc, registry, economy.Config{
			UnlockCost: cfg.Economy.UnlockCost,
			Source:     cfg.Ledger.Source,
			Logger:     log.Named("economy"),
		}),
		Companions: registry,
		Hub:        hub,
		Notifier:   awards,
		Sessions: session.NewManager(session.Config{
			Secret:     []byte(cfg.Session.Secret),
			CookieName: cfg.Session.CookieName,
			TTL:        cfg.Session.TTL,
			Secure:     cfg.Session.Secure,
		}),
		Limiter:   limiter,
		Activity:  journal,
		OAA:       oaaClient,
		snapshots: forwarder,
	}

	if err := application.registerServices(store, sink); err != nil {
		return nil, err
	}
	return application, nil
}

func (a *Application) registerServices(store storage.ReflectionStore, sink *activity.FileSink) error {
	scheduler := cron.New()
	if _, err := a.Limiter.ScheduleCleanup(scheduler, a.cfg.RateLimit.CleanupSpec, middleware.DefaultIdleTTL); err != nil {
		return fmt.Errorf("schedule limiter cleanup: %w", err)
	}

	failures := newFailureJournal(a.Notifier, a.Activity)

	services := []system.Service{
		system.Func{
			ServiceName: "store",
			Info: service.Descriptor{Domain: "feed", Layer: service.LayerStorage}.
				WithCapabilities(a.cfg.Store.Backend),
			OnStop: func(context.Context) error {
				var storeErr error
				if c, ok := store.(io.Closer); ok {
					storeErr = c.Close()
				}
				return errors.Join(storeErr, sink.Close())
			},
		},
		system.Func{
			ServiceName: "notifier",
			Info:        service.Descriptor{Domain: "ledger"}.WithCapabilities("award", "dedup_key"),
			OnStart: func(context.Context) error {
				a.Notifier.Start()
				failures.start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				err := a.Notifier.Stop(ctx)
				failures.stop()
				return err
			},
		},
		system.Func{
			ServiceName: "livestate",
			Info:        service.Descriptor{Domain: "ledger"}.WithCapabilities("sse", "websocket"),
			OnStop:      a.Hub.Shutdown,
		},
		system.Func{
			ServiceName: "cron",
			Info:        service.Descriptor{Domain: "ratelimit"}.WithCapabilities(a.cfg.RateLimit.CleanupSpec),
			OnStart: func(context.Context) error {
				scheduler.Start()
				return nil
			},
			OnStop: func(ctx context.Context) error {
				select {
				case <-scheduler.Stop().Done():
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	}

	if a.snapshots != nil {
		services = append(services, system.Func{
			ServiceName: "oaa",
			Info:        service.Descriptor{Domain: "feed", Layer: service.LayerUpstream}.WithCapabilities("snapshot"),
			OnStart: func(context.Context) error {
				a.snapshots.Start()
				return nil
			},
			OnStop: a.snapshots.Stop,
		})
	}

	for _, svc := range services {
		if err := a.manager.Register(svc); err != nil {
			return fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.log.WithFields(map[string]interface{}{
		"store":    a.cfg.Store.Backend,
		"interval": a.cfg.Stream.Interval.String(),
	}).Info("application started")
	return nil
}

// Stop stops all services in reverse order: streams close first, then the
// notifier drains, then the store closes.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Components describes the running background components.
func (a *Application) Components() []service.Descriptor {
	return a.manager.Descriptors()
}

// Logger returns the application logger.
func (a *Application) Logger() *logging.Logger { return a.log }

// Config returns the configuration the application was built with.
func (a *Application) Config() *config.Config { return a.cfg }

// Ready checks the store and the ledger.
func (a *Application) Ready(ctx context.Context) map[string]error {
	checks := map[string]error{"ledger": a.ledger.Ping(ctx)}
	if p, ok := a.store.(pinger); ok {
		checks["store"] = p.Ping(ctx)
	} else {
		checks["store"] = nil
	}
	return checks
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.ReflectionStore, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return memory.New(cfg.Retention), nil
	case config.BackendRedis:
		return redisstore.Open(ctx, cfg.RedisURL, cfg.RedisKey, cfg.Retention)
	case config.BackendPostgres:
		return postgres.Open(ctx, cfg.DatabaseURL, cfg.Retention)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func newLedgerClient(cfg config.LedgerConfig, log *logging.Logger) *ledgerclient.Client {
	breaker := httputil.NewCircuitBreaker(httputil.BreakerConfig{
		FailureThreshold: cfg.BreakerThreshold,
		Cooldown:         cfg.BreakerCooldown,
		OnStateChange: func(from, to httputil.CircuitState) {
			log.WithField("from", from.String()).WithField("to", to.String()).Warn("ledger circuit state changed")
		},
	})
	return ledgerclient.New(ledgerclient.Config{
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Timeout: cfg.Timeout,
		Breaker: breaker,
	})
}

// failureJournal copies notifier failures into the activity log so a
// handle can see awards that never reached the ledger.
type failureJournal struct {
	source   *notifier.Notifier
	journal  *activity.Log
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newFailureJournal(source *notifier.Notifier, journal *activity.Log) *failureJournal {
	return &failureJournal{source: source, journal: journal, done: make(chan struct{})}
}

func (f *failureJournal) start() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-f.done:
				f.drain()
				return
			case failure := <-f.source.Failures():
				f.record(failure)
			}
		}
	}()
}

func (f *failureJournal) drain() {
	for {
		select {
		case failure := <-f.source.Failures():
			f.record(failure)
		default:
			return
		}
	}
}

func (f *failureJournal) record(failure notifier.Failure) {
	action, _ := failure.Event.Meta["action"].(string)
	if action == "" {
		action = string(failure.Event.Kind)
	}
	f.journal.Add(activity.Entry{
		Time:     failure.At,
		Handle:   failure.Event.Actor,
		Action:   action,
		Amount:   failure.Event.Amount,
		Unit:     failure.Event.Unit,
		Status:   activity.StatusFailed,
		Detail:   "ledger did not record the award",
		DedupKey: failure.Event.DedupKey(),
	})
}

func (f *failureJournal) stop() {
	f.stopOnce.Do(func() { close(f.done) })
	f.wg.Wait()
}
