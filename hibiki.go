// Package hibiki is the public API for embedding the Hibiki session event
// pipeline.
//
// An agent runtime pushes progress events, messages and artifact references
// for a session; Hibiki assigns each a per-session sequence, persists it and
// broadcasts it in order to every connected viewer:
//
//	app, err := hibiki.New(
//	    hibiki.WithVersion(version),
//	    hibiki.WithLogger(logger),
//	    hibiki.WithItemHook(myHook{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types
// (Item, Event, ...) are standalone structs; the conversion helpers live in
// types.go.
package hibiki

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hibiki/api"
	"github.com/ashita-ai/hibiki/internal/config"
	"github.com/ashita-ai/hibiki/internal/hub"
	"github.com/ashita-ai/hibiki/internal/mcp"
	"github.com/ashita-ai/hibiki/internal/model"
	"github.com/ashita-ai/hibiki/internal/ratelimit"
	"github.com/ashita-ai/hibiki/internal/runtime"
	"github.com/ashita-ai/hibiki/internal/server"
	"github.com/ashita-ai/hibiki/internal/service/artifacts"
	"github.com/ashita-ai/hibiki/internal/service/ingest"
	"github.com/ashita-ai/hibiki/internal/service/sessions"
	"github.com/ashita-ai/hibiki/internal/storage"
	"github.com/ashita-ai/hibiki/internal/storage/sqlite"
	"github.com/ashita-ai/hibiki/internal/telemetry"
	"github.com/ashita-ai/hibiki/migrations"
)

// App is the Hibiki server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	closeStore   func()
	relay        *hub.Relay // nil without a notify connection
	gateway      *ingest.Gateway
	registrar    *artifacts.Registrar
	sweeper      *sessions.Sweeper
	limiter      ratelimit.Limiter
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Hibiki server. It opens the store, runs migrations,
// wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}

	logger.Info("hibiki starting", "version", version, "port", cfg.Port, "storage", cfg.Storage)

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	st, err := openStore(context.Background(), cfg, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	h := hub.New(st.store, logger, cfg.SubscriberQueue)
	var relay *hub.Relay
	if st.pg != nil && st.pg.HasNotifyConn() {
		relay = hub.NewRelay(st.pg, h, logger)
	} else {
		logger.Info("relay: disabled (no notify connection), broadcasting in process only")
	}

	var pub ingest.Publisher = h
	if len(o.itemHooks) > 0 {
		pub = &hookPublisher{hub: h, hooks: o.itemHooks, logger: logger}
	}

	var forwarder ingest.Forwarder
	forwardTimeout := cfg.ForwardTimeout
	switch {
	case o.forwarder != nil:
		forwarder = o.forwarder
	case cfg.RuntimeURL != "":
		forwarder = runtime.NewClient(runtime.Config{
			BaseURL:     cfg.RuntimeURL,
			SigningKey:  cfg.RuntimeSigningKey,
			MaxAttempts: cfg.ForwardAttempts,
			BaseDelay:   cfg.ForwardBaseDelay,
		}, logger)
		if forwardTimeout == 0 {
			forwardTimeout = runtime.RetryBudget(cfg.ForwardAttempts, cfg.ForwardBaseDelay)
		}
		logger.Info("runtime forwarding: enabled", "url", cfg.RuntimeURL,
			"signed", cfg.RuntimeSigningKey != "", "forward_timeout", forwardTimeout)
	default:
		logger.Warn("runtime forwarding: disabled (no HIBIKI_RUNTIME_URL), viewer messages are stored but not delivered")
	}

	locks := ingest.NewLocks()
	sessSvc := sessions.New(st.store, h, logger)
	gw := ingest.New(st.store, pub, forwarder, locks, ingest.Config{
		MaxConcurrency: cfg.MaxIngestConcurrency,
		ForwardTimeout: forwardTimeout,
	}, logger)
	reg := artifacts.New(st.store, pub, locks, artifacts.Config{
		MaxAttempts:   cfg.ArtifactRetryAttempts,
		RetryInterval: cfg.ArtifactRetryInterval,
	}, logger)
	sweeper := sessions.NewSweeper(sessSvc, sessions.SweeperConfig{
		Interval:    cfg.SweepInterval,
		IdleTimeout: cfg.IdleTimeout,
		Retention:   cfg.Retention,
	}, logger)

	mcpSrv := mcp.New(sessSvc, gw, reg, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	var extraRoutes []func(*http.ServeMux)
	for _, fn := range o.routeRegistrars {
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux) { fn(mux) })
	}
	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	srv := server.New(server.ServerConfig{
		Store:               st.store,
		Sessions:            sessSvc,
		Gateway:             gw,
		Artifacts:           reg,
		Hub:                 h,
		Logger:              logger,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		OpenAPISpec:         api.OpenAPISpec,
		ExtraRoutes:         extraRoutes,
		Middlewares:         middlewares,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		HeartbeatInterval:   cfg.HeartbeatInterval,
	})

	return &App{
		cfg:          cfg,
		store:        st.store,
		closeStore:   st.close,
		relay:        relay,
		gateway:      gw,
		registrar:    reg,
		sweeper:      sweeper,
		limiter:      limiter,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown has
// been called; callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.relay != nil {
		g.Go(func() error {
			a.relay.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.registrar.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		httpCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
		}
		return nil
	})

	runErr := g.Wait()
	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown drains forwarding of accepted viewer messages, then closes the
// store and the OTEL provider. The HTTP server and background loops are
// stopped by Run before it calls Shutdown.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hibiki shutting down")

	drainCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()
	var drainErr error
	if err := a.gateway.Drain(drainCtx); err != nil {
		a.logger.Error("forward drain incomplete, undelivered viewer messages remain in the transcript only",
			"error", err, "configured_timeout", a.cfg.ShutdownTimeout)
		drainErr = fmt.Errorf("forward drain: %w", err)
	}
	if n := a.registrar.Pending(); n > 0 {
		a.logger.Warn("artifact registrations still queued for retry at shutdown are lost", "count", n)
	}

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	a.closeStore()

	a.logger.Info("hibiki stopped")
	return drainErr
}

// Migrate applies the schema for the configured storage backend and returns.
// It is what `hibiki migrate` runs; New migrates as well.
func Migrate(ctx context.Context, opts ...Option) error {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	st.close()
	logger.Info("migrations applied", "storage", cfg.Storage)
	return nil
}

func loadConfig(o resolvedOptions) (config.Config, error) {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storage != "" {
		cfg.Storage = o.storage
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openedStore is a migrated store. pg is set for the Postgres backend,
// which is the only one with LISTEN/NOTIFY.
type openedStore struct {
	store storage.Store
	pg    *storage.DB
	close func()
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (openedStore, error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		db, err := sqlite.Open(cfg.SQLitePath, logger)
		if err != nil {
			return openedStore{}, fmt.Errorf("storage: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return openedStore{}, fmt.Errorf("migrations: %w", err)
		}
		return openedStore{store: db, close: func() { _ = db.Close() }}, nil
	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return openedStore{}, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			db.Close(context.Background())
			return openedStore{}, fmt.Errorf("migrations: %w", err)
		}
		return openedStore{store: db, pg: db, close: func() { db.Close(context.Background()) }}, nil
	}
}

// hookPublisher broadcasts through the hub, then hands the item to every
// registered ItemHook in its own goroutine.
type hookPublisher struct {
	hub    *hub.Hub
	hooks  []ItemHook
	logger *slog.Logger
}

func (p *hookPublisher) Publish(ctx context.Context, item model.Item) {
	p.hub.Publish(ctx, item)
	pub, ok := toPublicItem(item)
	if !ok {
		return
	}
	for _, hook := range p.hooks {
		go func() {
			hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			if err := hook.OnItem(hctx, pub); err != nil {
				p.logger.Warn("item hook failed",
					"session_id", item.SessionID, "sequence", item.Sequence, "error", err)
			}
		}()
	}
}
