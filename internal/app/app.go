package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"licenserelay/internal/analytics"
	"licenserelay/internal/config"
	"licenserelay/internal/durability"
	"licenserelay/internal/enforcer"
	"licenserelay/internal/infrastructure"
	"licenserelay/internal/ratelimit"
	"licenserelay/internal/store"
	"licenserelay/internal/stream"
	"licenserelay/internal/terminals"
	"licenserelay/internal/transport"
	handlers "licenserelay/internal/transport/http"
)

// Version is overridden at build time.
var Version = "dev"

// Application holds every long-lived component of the server.
type Application struct {
	Config *config.Config
	Logger *slog.Logger

	Store     *store.Store
	Transport transport.Transport
	Hub       *stream.Hub
	Jobs      *Jobs
	Server    *http.Server

	redis *redis.Client
}

// New builds the application from configuration. The store connection
// and migrations run eagerly so a misconfigured deployment fails at
// startup, not on first request.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	logger.Info("starting license relay",
		slog.String("version", Version),
		slog.Int("port", cfg.Server.Port),
		slog.String("transport", cfg.Transport.Backend))

	if err := store.RunMigrations(cfg.Database.URL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	st, err := store.New(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	app := &Application{
		Config: cfg,
		Logger: logger,
		Store:  st,
	}

	if cfg.Transport.Backend == "redis" || cfg.RateLimit.Store == "redis" {
		app.redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	switch cfg.Transport.Backend {
	case "redis":
		app.Transport = transport.NewRedis(app.redis, logger)
	default:
		app.Transport = transport.NewMemory(logger)
	}

	enforcerSvc := enforcer.NewService(st, app.Transport, logger)
	terminalsSvc := terminals.NewService(st, app.Transport, cfg.Terminals.StaleThreshold, logger)
	durabilitySvc := durability.NewService(st, app.Transport, durability.Policy{
		MaxAttempts:         cfg.Durability.MaxAttempts,
		BackoffBase:         cfg.Durability.BackoffBase,
		RetryWindow:         cfg.Durability.RetryWindow,
		DeadLetterRetention: cfg.Durability.DeadLetterRetention,
	}, logger)
	analyticsSvc := analytics.NewService(st, logger)

	app.Jobs = NewJobs(durabilitySvc, terminalsSvc, enforcerSvc, analyticsSvc, 24*time.Hour, logger)

	app.Hub = stream.NewHub(cfg.Stream, terminalsSvc, logger)
	streamHandler := stream.NewHandler(app.Hub, app.Transport, enforcerSvc, cfg.Server.AllowedOrigins, logger)

	router := handlers.NewRouter(handlers.RouterDeps{
		Licenses:    enforcerSvc,
		Events:      durabilitySvc,
		EventLog:    st,
		DeadLetters: durabilitySvc,
		Terminals:   terminalsSvc,
		Analytics:   analyticsSvc,
		Jobs:        app.Jobs,
		Health:      st,
		Subscribers: app.Transport,
		Hub:         app.Hub,
		Stream:      streamHandler,

		Limits:         app.licenseLimits(),
		GlobalRPS:      cfg.Server.GlobalRPS,
		GlobalBurst:    cfg.Server.GlobalBurst,
		ReplayPageSize: cfg.Stream.ReplayPageSize,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        Version,

		Logger: logger,
	})

	app.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return app, nil
}

// licenseLimits builds the per-operation throttles from configuration.
func (a *Application) licenseLimits() handlers.LicenseLimits {
	newStore := func() ratelimit.Store {
		if a.Config.RateLimit.Store == "redis" {
			return ratelimit.NewRedisStore(a.redis)
		}
		return ratelimit.NewMemoryStore()
	}

	limits := handlers.LicenseLimits{}
	if l := a.Config.RateLimit.Activation; l.Limit > 0 {
		limits.Activation = ratelimit.New(newStore(), l.Limit, l.Window)
	}
	if l := a.Config.RateLimit.Validation; l.Limit > 0 {
		limits.Validation = ratelimit.New(newStore(), l.Limit, l.Window)
	}
	if l := a.Config.RateLimit.Heartbeat; l.Limit > 0 {
		limits.Heartbeat = ratelimit.New(newStore(), l.Limit, l.Window)
	}
	return limits
}

// Run serves until ctx is cancelled, then shuts everything down in
// dependency order: server first so no new work arrives, then the hub
// and transport, then the store.
func (a *Application) Run(ctx context.Context) error {
	a.Hub.Start()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info("http server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	for _, s := range a.Jobs.schedules(a.Config.Durability.BackoffBase, a.Config.Terminals.StaleThreshold) {
		s := s
		g.Go(func() error {
			a.Jobs.runSchedule(ctx, s)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

func (a *Application) shutdown() error {
	a.Logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()

	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("http server shutdown failed", slog.String("error", err.Error()))
	}

	a.Hub.Stop()
	if err := a.Transport.Close(); err != nil {
		a.Logger.Error("transport close failed", slog.String("error", err.Error()))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Error("redis close failed", slog.String("error", err.Error()))
		}
	}
	a.Store.Close()

	a.Logger.Info("shutdown complete")
	return nil
}
