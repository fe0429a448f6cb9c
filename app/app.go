package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/putto11262002/ephemeral/core"
	"github.com/putto11262002/ephemeral/pkg/router"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

type messageStore interface {
	core.MessageStore
	core.MembershipStore
}

type App struct {
	config *Config
	logger *slog.Logger

	redis *redis.Client
	store messageStore
	cache *core.RedisHistoryCache
	queue *core.RedisQueue

	drain    *core.DrainWorker
	ingestor *core.Ingestor
	reader   *core.HistoryReader

	server      *http.Server
	router      *router.Router
	eventRouter *core.EventRouter
	wsManager   *core.ConnManager
	stopConns   context.CancelFunc

	chatHandler *ChatHandler

	cleanupFuncs []func(context.Context)
	closeOnce    sync.Once
}

// New opens every dependency the configured role needs and wires the application. On error
// whatever was already opened is closed.
func New(ctx context.Context, config *Config, logger *slog.Logger) (app *App, err error) {
	if config == nil {
		if config, err = LoadConfig(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}
	if logger == nil {
		logger = NewLogger(os.Stdout, config.Log.Level)
		slog.SetDefault(logger)
	}

	app = &App{config: config, logger: logger}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	if err := app.openRedis(ctx); err != nil {
		return nil, err
	}
	if err := app.openStore(ctx); err != nil {
		return nil, err
	}

	keys := core.NewKeyspace(config.Redis.Prefix)
	app.cache = core.NewRedisHistoryCache(app.redis, keys, core.CacheOptions{
		TTL:        config.Cache.TTL,
		MaxEntries: config.Cache.MaxEntries,
		Timeout:    config.Timeout.Cache,
	}, logger)
	app.queue = core.NewRedisQueue(app.redis, keys, config.Timeout.Cache, logger)

	if config.RunsWorker() {
		app.drain = core.NewDrainWorker(app.queue, app.store, core.DrainConfig{
			Threshold:    config.Drain.Threshold,
			BatchSize:    config.Drain.BatchSize,
			IdleInterval: config.Drain.Idle,
			Backoff:      config.Drain.Backoff,
			MaxAttempts:  config.Drain.MaxAttempts,
		}, logger)
	}

	if config.ServesAPI() {
		app.setupAPI()
	}
	return app, nil
}

func (app *App) openRedis(ctx context.Context) error {
	client, err := core.NewRedisClient(ctx, core.RedisOption{
		Addr:     app.config.Redis.Addr,
		Password: app.config.Redis.Password,
		DB:       app.config.Redis.DB,
		Timeout:  app.config.Timeout.Cache,
	})
	if err != nil {
		return err
	}
	app.redis = client
	app.AddCleanupFunc(func(context.Context) {
		client.Close()
	})
	return nil
}

func (app *App) openStore(ctx context.Context) error {
	switch app.config.Store.Driver {
	case DriverPostgres:
		db, err := core.NewPostgresDB(ctx, app.config.Postgres.URL, app.config.Postgres.Migrations,
			app.config.Postgres.MaxConns, app.config.Timeout.Store)
		if err != nil {
			return err
		}
		app.AddCleanupFunc(func(context.Context) {
			db.Close()
		})
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		app.store = core.NewPostgresMessageStore(db.Pool, app.config.Timeout.Store)
	default:
		db, err := core.NewSQLiteDB(app.config.SQLite.File, app.config.SQLite.Migrations, &core.SQLiteDBOption{
			Mode:        "rwc",
			Cache:       "shared",
			JournalMode: "WAL",
			ForeignKeys: true,
			BusyTimeout: 5000,
		})
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		app.AddCleanupFunc(func(context.Context) {
			db.Close()
		})
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
		app.store = core.NewSQLiteMessageStore(db.DB, app.config.Timeout.Store)
	}
	return nil
}

func (app *App) setupAPI() {
	config := app.config

	connCtx, stopConns := context.WithCancel(context.Background())
	app.stopConns = stopConns
	allowOrigin := originChecker(config.AllowedOrigins)
	app.wsManager = core.NewConnManager(connCtx, app.logger, core.WithCheckOrigin(func(r *http.Request) bool {
		return allowOrigin(r, r.Header.Get("Origin"))
	}))
	app.eventRouter = core.NewEventRouter(app.logger, app.wsManager, core.DefaultEventShards)
	app.eventRouter.On(core.JoinRoomEvent, app.JoinRoomHandler)
	app.eventRouter.On(core.LeaveRoomEvent, app.LeaveRoomHandler)
	app.eventRouter.On(core.SendMessageEvent, app.SendMessageHandler)

	persister := core.NewWriteBehind(app.redis, app.cache, app.queue, config.Timeout.Cache)
	app.ingestor = core.NewIngestor(app.wsManager, app.eventRouter, persister, app.logger,
		core.WithMaxMessageLength(config.Message.MaxLength))
	app.reader = core.NewHistoryReader(app.cache, app.store, app.logger,
		core.WithRepopulate(config.Cache.Repopulate),
		core.WithLimits(config.History.DefaultLimit, config.History.MaxLimit))

	verifier := core.NewJWTVerifier(config.Auth.Secret)
	authMiddleware := core.JWTMiddleware(verifier)
	app.chatHandler = NewChatHandler(app.reader, app.store)

	app.router = router.New(router.WithLogger(app.logger))
	registerErrorMappers(app.router)

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  allowOrigin,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.With(authMiddleware).Router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
		id := core.IdentityFromRequest(r)
		if _, err := app.wsManager.Connect(id, w, r); err != nil {
			app.logger.Warn("websocket upgrade failed", slog.String("err", err.Error()))
		}
	})

	app.router.Get("/healthz", HealthHandler(map[string]pinger{
		"redis": app.cache,
		"store": app.store,
	}))
	app.router.Router.Handle("/metrics", promhttp.Handler())

	app.router.Route("/api", func(r *router.Router) {
		r.Use(authMiddleware)
		r.Get("/rooms/{roomID}/messages", app.chatHandler.GetRoomMessagesHandler)
	})

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Hostname, config.Port),
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if config.Mode == ProdMode {
		app.server.TLSConfig = defaultTLSConfig.Clone()
	}

	app.AddCleanupFunc(func(ctx context.Context) {
		stopConns()
		if err := app.wsManager.Close(ctx); err != nil {
			app.logger.Warn("websocket connections did not close in time", slog.String("err", err.Error()))
		}
	})
}

// Handler returns the HTTP handler of the API role, nil for a worker-only process.
func (app *App) Handler() http.Handler {
	if app.router == nil {
		return nil
	}
	return app.router
}

// Run serves until ctx is cancelled or a component fails, then shuts everything down within
// the shutdown grace period.
func (app *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if app.config.ServesAPI() {
		app.server.BaseContext = func(net.Listener) context.Context { return gctx }

		g.Go(func() error {
			return app.eventRouter.Listen(gctx)
		})
		g.Go(func() error {
			app.logger.Info(fmt.Sprintf("app running in %s mode on: %s", app.config.Mode, app.server.Addr))
			var err error
			if app.config.TLS.Key != "" && app.config.TLS.Crt != "" {
				err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
			} else {
				err = app.server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return app.server.Shutdown(shutdownCtx)
		})
	}

	if app.drain != nil {
		g.Go(func() error {
			return app.drain.Run(gctx)
		})
	}

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	app.Close(closeCtx)

	if err != nil {
		return err
	}
	app.logger.Info("app shutdown gracefully")
	return nil
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// Close runs the cleanup functions in reverse registration order. It is safe to call twice.
func (app *App) Close(ctx context.Context) {
	app.closeOnce.Do(func() {
		for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
			app.cleanupFuncs[i](ctx)
		}
	})
}

// originChecker allows requests without an Origin header, same-origin requests and the listed
// origins. "*" allows every origin.
func originChecker(allowed []string) func(r *http.Request, origin string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request, string) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request, origin string) bool {
		if origin == "" {
			return true
		}
		if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
