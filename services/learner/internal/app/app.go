// Package app wires the learner core: storage, the progress store, the
// identity provider and session scheduler, catalog sync and the optional
// NATS event plumbing.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/coursecraft/internal/platform/events"
	"github.com/example/coursecraft/internal/platform/httpserver"
	"github.com/example/coursecraft/internal/platform/natsconn"
	"github.com/example/coursecraft/internal/platform/run"
	"github.com/example/coursecraft/services/learner/internal/catalog"
	"github.com/example/coursecraft/services/learner/internal/config"
	"github.com/example/coursecraft/services/learner/internal/handlers"
	"github.com/example/coursecraft/services/learner/internal/identity/gotrue"
	"github.com/example/coursecraft/services/learner/internal/identity/local"
	"github.com/example/coursecraft/services/learner/internal/progress"
	"github.com/example/coursecraft/services/learner/internal/session"
	"github.com/example/coursecraft/services/learner/internal/store"
	"github.com/example/coursecraft/services/learner/internal/worker"
)

// shutdownGrace leaves the runner time to close storage after HTTP drains.
const shutdownGrace = run.ShutdownTimeout * 3 / 4

type App struct {
	Config   config.Config
	Log      *zap.Logger
	Storage  store.Storage
	Progress *progress.Store
	Auth     session.Provider
	Session  *session.Scheduler
	// Syncer is nil when no catalog URL is configured.
	Syncer *catalog.Syncer
	// NATS and JS are nil when NATS_URL is empty.
	NATS   *nats.Conn
	JS     nats.JetStreamContext
	Events *events.Publisher

	stopPublisher func()
}

// New opens storage, loads the progress cache and builds the remaining
// components. The session is not initialized; call Start for that.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	storage, err := store.Open(ctx, cfg.StoreConfig(), cfg.IsProduction())
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a := &App{Config: cfg, Log: log, Storage: storage, stopPublisher: func() {}}

	a.Progress = progress.New(storage,
		progress.WithLogger(log.Named("progress")),
		progress.WithKey(cfg.Progress.Key),
		progress.WithMergePolicy(cfg.MergePolicy()),
	)
	a.Progress.Load(ctx)

	a.Auth, err = newProvider(ctx, cfg, storage, log.Named("auth"))
	if err != nil {
		_ = storage.Close()
		return nil, err
	}
	a.Session = session.New(a.Auth, session.WithLogger(log.Named("session")))

	if cfg.Catalog.URL != "" {
		cb := catalog.NewBreaker(catalog.BreakerSettings{
			MaxRequests:      cfg.Catalog.CBMaxRequests,
			Interval:         cfg.Catalog.CBInterval.Duration,
			Timeout:          cfg.Catalog.CBTimeout.Duration,
			FailureThreshold: cfg.Catalog.CBFailureThreshold,
		}, log)
		client := catalog.New(cfg.Catalog.URL, catalog.ClientConfig{
			AnonKey:        cfg.Auth.AnonKey,
			MaxRetries:     cfg.Catalog.MaxRetries,
			RetryBaseDelay: cfg.Catalog.RetryBaseDelay.Duration,
		}, catalog.WithCircuitBreaker(cb), catalog.WithLogger(log.Named("catalog")))
		a.Syncer = &catalog.Syncer{Source: client, Store: a.Progress, Log: log.Named("catalog")}
	}

	a.Events = events.New(nil, log)
	if cfg.NATS.URL != "" {
		nc, err := natsconn.Connect(natsconn.Options{URL: cfg.NATS.URL})
		if err != nil {
			// Events are best effort; the learner keeps working offline.
			log.Warn("nats unavailable, events disabled", zap.Error(err))
		} else if js, err := natsconn.JetStream(nc); err != nil {
			log.Warn("jetstream unavailable, events disabled", zap.Error(err))
			nc.Close()
		} else {
			a.NATS, a.JS = nc, js
			a.Events = events.New(js, log.Named("events"))
		}
	}
	a.stopPublisher = worker.StartProgressPublisher(a.Progress, a.Events, a.Session)
	return a, nil
}

func newProvider(ctx context.Context, cfg config.Config, storage store.Storage, log *zap.Logger) (session.Provider, error) {
	switch cfg.Auth.Provider {
	case config.ProviderGoTrue:
		c, err := gotrue.New(gotrue.Config{
			URL:               cfg.Auth.SupabaseURL,
			AnonKey:           cfg.Auth.AnonKey,
			Key:               cfg.Auth.StorageKey,
			RequestsPerSecond: cfg.Auth.RequestsPerSecond,
		}, storage, log)
		if err != nil {
			return nil, fmt.Errorf("gotrue: %w", err)
		}
		return c, nil
	case config.ProviderLocal:
		p, err := local.New(local.Config{
			Secret:          []byte(cfg.Auth.JWTSecret),
			AccessTokenTTL:  cfg.Auth.AccessTokenTTL.Duration,
			RefreshTokenTTL: cfg.Auth.RefreshTokenTTL.Duration,
			Key:             cfg.Auth.StorageKey,
		}, storage, log)
		if err != nil {
			return nil, fmt.Errorf("local auth: %w", err)
		}
		if cfg.Auth.BootstrapEmail != "" {
			if err := p.EnsureUser(ctx, cfg.Auth.BootstrapEmail, cfg.Auth.BootstrapPassword); err != nil {
				return nil, fmt.Errorf("bootstrap user: %w", err)
			}
			log.Info("bootstrap user ensured", zap.String("email", cfg.Auth.BootstrapEmail))
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown auth provider %q", cfg.Auth.Provider)
	}
}

// Start restores the persisted session and arms the renewal timer.
func (a *App) Start(ctx context.Context) {
	a.Session.Initialize(ctx)
}

// Ready backs /readyz.
func (a *App) Ready() error {
	if a.NATS != nil && !a.NATS.IsConnected() {
		return errors.New("nats disconnected")
	}
	return nil
}

// Router builds the HTTP API.
func (a *App) Router() chi.Router {
	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: a.Ready,
		RateLimit: httpserver.NewRateLimiter(a.Config.HTTP.RateLimitRPS, a.Config.HTTP.RateLimitBurst),
	})
	handlers.Register(r, handlers.Deps{
		Progress: a.Progress,
		Session:  a.Session,
		Syncer:   a.Syncer,
		Log:      a.Log.Named("http"),
	})
	return r
}

// Serve runs the HTTP API and, when JetStream is available and enabled, the
// catalog consumer until ctx is done.
func (a *App) Serve(ctx context.Context) error {
	a.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	if a.JS != nil && a.Config.NATS.ConsumeCatalog {
		consumer := &worker.CatalogConsumer{Store: a.Progress, Log: a.Log.Named("catalog_consumer")}
		done, err := consumer.Start(gctx, a.JS)
		if err != nil {
			return fmt.Errorf("start catalog consumer: %w", err)
		}
		g.Go(func() error {
			<-done
			return nil
		})
	}

	srv := httpserver.New(httpserver.Options{
		Addr:   a.Config.HTTP.Addr,
		Router: a.Router(),
		Logger: a.Log,
	})
	g.Go(func() error {
		return srv.Run(gctx, shutdownGrace)
	})
	return g.Wait()
}

// Close tears everything down: event forwarding, the renewal timer, NATS
// and finally storage.
func (a *App) Close() {
	a.stopPublisher()
	a.Session.Close()
	if a.NATS != nil {
		if err := a.NATS.Drain(); err != nil {
			a.NATS.Close()
		}
	}
	if err := a.Storage.Close(); err != nil {
		a.Log.Warn("close storage", zap.Error(err))
	}
}
